// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package fly

import (
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFactory(t *testing.T) {
	config := &Config{
		Brokers: []string{"broker1:9092", "broker2:9092"},
	}

	factory := NewFactory(config)
	assert.NotNil(t, factory)
	assert.Equal(t, config, factory.Config())
}

func TestFactory_CreateSinkConsumer(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{
			name:   "defaults",
			config: DefaultConfig(),
		},
		{
			name: "consumer with SASL",
			config: &Config{
				Brokers:       []string{"localhost:9092"},
				SASLEnabled:   true,
				SASLMechanism: "SCRAM-SHA-512",
				SASLUsername:  "user",
				SASLPassword:  "pass",
				TLSEnabled:    true,
			},
		},
		{
			name: "consumer with invalid SASL",
			config: &Config{
				Brokers:       []string{"localhost:9092"},
				SASLEnabled:   true,
				SASLMechanism: "INVALID",
			},
			wantErr: true,
		},
		{
			name: "consumer with invalid start offset",
			config: &Config{
				Brokers:     []string{"localhost:9092"},
				StartOffset: "middle",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			factory := NewFactory(tt.config)
			consumer, err := factory.CreateSinkConsumer("events", "worker-1")

			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, consumer)
				return
			}
			require.NoError(t, err)
			kc, ok := consumer.(*kafkaConsumer)
			require.True(t, ok)
			assert.True(t, kc.config.DeliverIdle)
			assert.Equal(t, "events", kc.config.Topic)
			assert.Equal(t, tt.config.ConsumerGroup, kc.config.GroupID)
			assert.Equal(t, "worker-1", kc.config.ClientID)
			_ = consumer.Close()
		})
	}
}

func TestParseStartOffset(t *testing.T) {
	for in, want := range map[string]int64{
		"":         kafka.FirstOffset,
		"earliest": kafka.FirstOffset,
		"Latest":   kafka.LastOffset,
	} {
		got, err := parseStartOffset(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestFactory_SASLMechanismCreation(t *testing.T) {
	tests := []struct {
		name      string
		mechanism string
		wantErr   bool
	}{
		{"SCRAM-SHA-256", "SCRAM-SHA-256", false},
		{"SCRAM-SHA-512", "SCRAM-SHA-512", false},
		{"PLAIN", "PLAIN", false},
		{"lower case", "scram-sha-256", false},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mechanism, err := saslMechanism(&Config{
				SASLMechanism: tt.mechanism,
				SASLUsername:  "user",
				SASLPassword:  "pass",
			})
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, mechanism)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, mechanism)
			}
		})
	}
}

func TestFactory_CreateKafkaClient(t *testing.T) {
	_, err := NewFactory(&Config{}).CreateKafkaClient()
	assert.Error(t, err)

	client, err := NewFactory(&Config{Brokers: []string{"a:9092", "b:9092"}, TLSEnabled: true}).CreateKafkaClient()
	require.NoError(t, err)
	assert.NotNil(t, client.Addr)
	transport, ok := client.Transport.(*kafka.Transport)
	require.True(t, ok)
	assert.NotNil(t, transport.TLS)
	assert.Nil(t, transport.SASL)
}
