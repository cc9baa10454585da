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
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
)

// MessageHandler processes consumed messages. With DeliverIdle set it is
// also called with an empty slice when MaxWait passes without messages.
type MessageHandler func(ctx context.Context, messages []ConsumedMessage) error

// Consumer reads one topic as part of a consumer group. Offsets are only
// committed through CommitMessages.
type Consumer interface {
	Consume(ctx context.Context, handler MessageHandler) error

	// CommitMessages commits the highest offset per partition among messages.
	CommitMessages(ctx context.Context, messages ...ConsumedMessage) error

	Close() error
}

// ConsumerConfig is the resolved reader configuration built by Factory.
type ConsumerConfig struct {
	Brokers     []string
	Topic       string
	GroupID     string
	ClientID    string
	MinBytes    int
	MaxBytes    int
	MaxWait     time.Duration
	BatchSize   int
	StartOffset int64
	DeliverIdle bool

	SASLMechanism sasl.Mechanism
	TLSConfig     *tls.Config

	ConnectionTimeout time.Duration
}

// messageReader is the subset of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaConsumer struct {
	config ConsumerConfig
	reader messageReader
	logger *slog.Logger
}

// NewConsumer returns a Consumer backed by a kafka-go group reader with
// automatic commits disabled.
func NewConsumer(config ConsumerConfig) Consumer {
	timeout := config.ConnectionTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     config.Brokers,
		Topic:       config.Topic,
		GroupID:     config.GroupID,
		MinBytes:    config.MinBytes,
		MaxBytes:    config.MaxBytes,
		MaxWait:     config.MaxWait,
		StartOffset: config.StartOffset,
		Dialer: &kafka.Dialer{
			ClientID:      config.ClientID,
			Timeout:       timeout,
			SASLMechanism: config.SASLMechanism,
			TLS:           config.TLSConfig,
		},
		CommitInterval: 0,
	})
	return newConsumerWithReader(config, reader)
}

func newConsumerWithReader(config ConsumerConfig, reader messageReader) *kafkaConsumer {
	if config.BatchSize <= 0 {
		config.BatchSize = 1
	}
	if config.MaxWait <= 0 {
		config.MaxWait = 500 * time.Millisecond
	}
	return &kafkaConsumer{
		config: config,
		reader: reader,
		logger: slog.Default().With(
			slog.String("component", "kafka_consumer"),
			slog.String("topic", config.Topic),
			slog.String("consumerGroup", config.GroupID),
		),
	}
}

// Consume fetches until ctx is done or handler fails. A batch is handed
// over when it reaches BatchSize or when MaxWait passes with no new
// message. Messages already fetched when ctx ends are delivered before
// Consume returns ctx.Err().
func (c *kafkaConsumer) Consume(ctx context.Context, handler MessageHandler) error {
	c.logger.Info("Consuming",
		slog.Int("batchSize", c.config.BatchSize),
		slog.Duration("maxWait", c.config.MaxWait))

	batch := make([]ConsumedMessage, 0, c.config.BatchSize)
	deliver := func(force bool) error {
		if len(batch) == 0 && !force {
			return nil
		}
		if err := handler(ctx, batch); err != nil {
			return fmt.Errorf("handler failed: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	for ctx.Err() == nil {
		fetchCtx, cancel := context.WithTimeout(ctx, c.config.MaxWait)
		msg, err := c.reader.FetchMessage(fetchCtx)
		cancel()

		switch {
		case err == nil:
			recordFetched(ctx, msg)
			batch = append(batch, FromKafkaMessage(msg))
			if len(batch) >= c.config.BatchSize {
				if err := deliver(false); err != nil {
					return err
				}
			}
		case ctx.Err() != nil:
		case errors.Is(err, context.DeadlineExceeded):
			if err := deliver(c.config.DeliverIdle); err != nil {
				return err
			}
		default:
			fetchErrors.Add(ctx, 1)
			return fmt.Errorf("failed to fetch message: %w", err)
		}
	}

	if err := deliver(false); err != nil {
		return fmt.Errorf("final batch: %w", err)
	}
	return ctx.Err()
}

func (c *kafkaConsumer) CommitMessages(ctx context.Context, messages ...ConsumedMessage) error {
	if len(messages) == 0 {
		return nil
	}

	type partitionKey struct {
		topic     string
		partition int
	}
	highest := make(map[partitionKey]int64, len(messages))
	for _, m := range messages {
		k := partitionKey{m.Topic, m.Partition}
		if cur, ok := highest[k]; !ok || m.Offset > cur {
			highest[k] = m.Offset
		}
	}

	commits := make([]kafka.Message, 0, len(highest))
	for k, offset := range highest {
		commits = append(commits, kafka.Message{Topic: k.topic, Partition: k.partition, Offset: offset})
	}
	if err := c.reader.CommitMessages(ctx, commits...); err != nil {
		return err
	}
	c.logger.Debug("Committed offsets", slog.Int("partitions", len(commits)))
	return nil
}

func (c *kafkaConsumer) Close() error {
	return c.reader.Close()
}
