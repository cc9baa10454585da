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
	"crypto/tls"
	"errors"
	"fmt"
	"strings"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
)

// Factory builds consumers and admin clients that share one Config.
type Factory struct {
	config *Config
}

func NewFactory(cfg *Config) *Factory {
	return &Factory{config: cfg}
}

// Config returns the configuration the factory was built with.
func (f *Factory) Config() *Config {
	return f.config
}

// connSecurity is the SASL and TLS setup shared by readers and clients.
// Both fields are nil when the corresponding feature is off.
type connSecurity struct {
	mechanism sasl.Mechanism
	tls       *tls.Config
}

func (f *Factory) security() (connSecurity, error) {
	var s connSecurity
	if f.config.SASLEnabled {
		m, err := saslMechanism(f.config)
		if err != nil {
			return s, fmt.Errorf("failed to create SASL mechanism: %w", err)
		}
		s.mechanism = m
	}
	if f.config.TLSEnabled {
		s.tls = &tls.Config{InsecureSkipVerify: f.config.TLSSkipVerify}
	}
	return s, nil
}

// CreateSinkConsumer creates a consumer for the staging sink. Offsets are
// committed only by the caller, and idle periods are reported as empty
// batches so checkpoints keep their schedule.
func (f *Factory) CreateSinkConsumer(topic, clientID string) (Consumer, error) {
	startOffset, err := parseStartOffset(f.config.StartOffset)
	if err != nil {
		return nil, err
	}
	sec, err := f.security()
	if err != nil {
		return nil, err
	}
	return NewConsumer(ConsumerConfig{
		Brokers:           f.config.Brokers,
		Topic:             topic,
		GroupID:           f.config.ConsumerGroup,
		ClientID:          clientID,
		MinBytes:          f.config.ConsumerMinBytes,
		MaxBytes:          f.config.ConsumerMaxBytes,
		MaxWait:           f.config.ConsumerMaxWait,
		BatchSize:         f.config.ConsumerBatchSize,
		StartOffset:       startOffset,
		DeliverIdle:       true,
		SASLMechanism:     sec.mechanism,
		TLSConfig:         sec.tls,
		ConnectionTimeout: f.config.ConnectionTimeout,
	}), nil
}

// CreateKafkaClient returns a client for metadata and offset requests.
func (f *Factory) CreateKafkaClient() (*kafka.Client, error) {
	if len(f.config.Brokers) == 0 {
		return nil, errors.New("no Kafka brokers configured")
	}
	sec, err := f.security()
	if err != nil {
		return nil, err
	}
	return &kafka.Client{
		Addr:      kafka.TCP(f.config.Brokers...),
		Transport: &kafka.Transport{SASL: sec.mechanism, TLS: sec.tls},
		Timeout:   f.config.ConnectionTimeout,
	}, nil
}

func parseStartOffset(s string) (int64, error) {
	switch strings.ToLower(s) {
	case "", "earliest", "first":
		return kafka.FirstOffset, nil
	case "latest", "last":
		return kafka.LastOffset, nil
	default:
		return 0, fmt.Errorf("unsupported start offset: %s", s)
	}
}

func saslMechanism(cfg *Config) (sasl.Mechanism, error) {
	switch strings.ToUpper(cfg.SASLMechanism) {
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, cfg.SASLUsername, cfg.SASLPassword)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, cfg.SASLUsername, cfg.SASLPassword)
	case "PLAIN":
		return plain.Mechanism{Username: cfg.SASLUsername, Password: cfg.SASLPassword}, nil
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %s", cfg.SASLMechanism)
	}
}
