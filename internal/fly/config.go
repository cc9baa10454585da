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
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds the Kafka connection and consumer settings.
type Config struct {
	Brokers []string `mapstructure:"brokers"`

	// SASL authentication
	SASLEnabled   bool   `mapstructure:"sasl_enabled"`
	SASLMechanism string `mapstructure:"sasl_mechanism"` // "SCRAM-SHA-256", "SCRAM-SHA-512" or "PLAIN"
	SASLUsername  string `mapstructure:"sasl_username"`
	SASLPassword  string `mapstructure:"sasl_password"`

	// TLS configuration
	TLSEnabled    bool `mapstructure:"tls_enabled"`
	TLSSkipVerify bool `mapstructure:"tls_skip_verify"`

	// Consumer settings
	ConsumerGroup     string        `mapstructure:"consumer_group"`
	ConsumerBatchSize int           `mapstructure:"consumer_batch_size"`
	ConsumerMaxWait   time.Duration `mapstructure:"consumer_max_wait"`
	ConsumerMinBytes  int           `mapstructure:"consumer_min_bytes"`
	ConsumerMaxBytes  int           `mapstructure:"consumer_max_bytes"`
	// StartOffset applies when the group has no committed offset:
	// "earliest" (default) or "latest".
	StartOffset string `mapstructure:"start_offset"`

	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Brokers: []string{"localhost:9092"},

		SASLMechanism: "SCRAM-SHA-256",

		ConsumerGroup:     "stageloader",
		ConsumerBatchSize: 500,
		ConsumerMaxWait:   time.Second,
		ConsumerMinBytes:  10 * 1024,        // 10KB
		ConsumerMaxBytes:  10 * 1024 * 1024, // 10MB
		StartOffset:       "earliest",

		ConnectionTimeout: 10 * time.Second,
	}
}

// Validate reports every setting that would stop a consumer from starting.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Brokers) == 0 {
		errs = append(errs, errors.New("brokers is required"))
	}
	if c.ConsumerGroup == "" {
		errs = append(errs, errors.New("consumer_group is required"))
	}
	if c.ConsumerBatchSize <= 0 {
		errs = append(errs, errors.New("consumer_batch_size must be positive"))
	}
	if _, err := parseStartOffset(c.StartOffset); err != nil {
		errs = append(errs, err)
	}
	if c.SASLEnabled {
		switch strings.ToUpper(c.SASLMechanism) {
		case "SCRAM-SHA-256", "SCRAM-SHA-512", "PLAIN":
		default:
			errs = append(errs, fmt.Errorf("unsupported SASL mechanism: %s", c.SASLMechanism))
		}
		if c.SASLUsername == "" {
			errs = append(errs, errors.New("sasl_username is required when SASL is enabled"))
		}
	}
	return errors.Join(errs...)
}
