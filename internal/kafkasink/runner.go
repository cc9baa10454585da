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

// Package kafkasink drives a sink.Task from a Kafka consumer group.
package kafkasink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/segmentio/kafka-go"

	"github.com/cardinalhq/stageloader/internal/fly"
	"github.com/cardinalhq/stageloader/internal/healthcheck"
	"github.com/cardinalhq/stageloader/internal/idgen"
	"github.com/cardinalhq/stageloader/internal/logctx"
	"github.com/cardinalhq/stageloader/internal/record"
	"github.com/cardinalhq/stageloader/internal/sink"
	"github.com/cardinalhq/stageloader/internal/sinkerr"
)

// HealthReporter receives the runner's liveness and readiness.
type HealthReporter interface {
	SetStatus(status healthcheck.Status)
	SetReady(ready bool)
}

type noopHealth struct{}

func (noopHealth) SetStatus(healthcheck.Status) {}
func (noopHealth) SetReady(bool)                {}

// Config controls batching and retry behavior.
type Config struct {
	CheckpointInterval time.Duration
	RetryBackoff       time.Duration
	MaxRetries         int
}

// Runner feeds consumed messages to a task, triggers checkpoints on a
// timer and commits what the task reports as loaded.
type Runner struct {
	cfg      Config
	consumer fly.Consumer
	decoder  record.Decoder
	task     sink.Task
	health   HealthReporter
	now      func() time.Time

	mu             sync.Mutex
	pending        map[sink.TopicPartition]fly.ConsumedMessage
	lastCheckpoint time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithHealth reports status changes to h.
func WithHealth(h HealthReporter) Option {
	return func(r *Runner) {
		r.health = h
	}
}

// WithClock replaces time.Now for checkpoint scheduling.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		r.now = now
	}
}

func NewRunner(cfg Config, consumer fly.Consumer, decoder record.Decoder, task sink.Task, opts ...Option) *Runner {
	r := &Runner{
		cfg:      cfg,
		consumer: consumer,
		decoder:  decoder,
		task:     task,
		health:   noopHealth{},
		now:      time.Now,
		pending:  make(map[sink.TopicPartition]fly.ConsumedMessage),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run consumes until ctx is cancelled or a fatal error occurs, then stops
// the task and closes the consumer.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	r.lastCheckpoint = r.now()
	r.mu.Unlock()

	r.health.SetStatus(healthcheck.StatusHealthy)
	r.health.SetReady(true)

	err := r.consumer.Consume(ctx, r.handle)
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		err = nil
	}
	r.health.SetReady(false)

	var result *multierror.Error
	if err != nil {
		r.health.SetStatus(healthcheck.StatusUnhealthy)
		result = multierror.Append(result, err)
	}
	if stopErr := r.task.OnStop(context.WithoutCancel(ctx)); stopErr != nil {
		result = multierror.Append(result, fmt.Errorf("stop task: %w", stopErr))
	}
	if closeErr := r.consumer.Close(); closeErr != nil {
		result = multierror.Append(result, fmt.Errorf("close consumer: %w", closeErr))
	}
	return result.ErrorOrNil()
}

// PendingPartitions returns partitions with delivered but uncommitted messages.
func (r *Runner) PendingPartitions() []sink.TopicPartition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pendingLocked()
}

func (r *Runner) pendingLocked() []sink.TopicPartition {
	tps := make([]sink.TopicPartition, 0, len(r.pending))
	for tp := range r.pending {
		tps = append(tps, tp)
	}
	slices.SortFunc(tps, sink.CompareTopicPartition)
	return tps
}

func (r *Runner) handle(ctx context.Context, messages []fly.ConsumedMessage) error {
	if len(messages) > 0 {
		batchID := idgen.GenerateShortBase32ID()
		ctx = logctx.With(ctx, slog.String("batchID", batchID))

		records := r.decode(ctx, messages)
		if err := r.deliver(ctx, records); err != nil {
			return err
		}

		r.mu.Lock()
		for _, msg := range messages {
			tp := sink.TopicPartition{Topic: msg.Topic, Partition: int32(msg.Partition)}
			if prev, ok := r.pending[tp]; !ok || msg.Offset > prev.Offset {
				r.pending[tp] = msg
			}
		}
		r.mu.Unlock()
	}

	if ctx.Err() != nil {
		return nil
	}
	r.mu.Lock()
	due := r.now().Sub(r.lastCheckpoint) >= r.cfg.CheckpointInterval
	r.mu.Unlock()
	if !due {
		return nil
	}
	return r.checkpoint(ctx)
}

func (r *Runner) decode(ctx context.Context, messages []fly.ConsumedMessage) []record.Record {
	records := make([]record.Record, 0, len(messages))
	for _, msg := range messages {
		rec, err := r.decoder.Decode(record.Source{
			Topic:     msg.Topic,
			Partition: int32(msg.Partition),
			Offset:    msg.Offset,
			Timestamp: msg.Timestamp,
		}, msg.Value)
		if err != nil {
			logctx.FromContext(ctx).Error("Skipping undecodable message",
				slog.String("message", msg.String()),
				slog.Any("error", err))
			undecodableCounter.Add(ctx, 1)
			continue
		}
		records = append(records, rec)
	}
	return records
}

// deliver hands records to the task, redelivering after retriable failures.
func (r *Runner) deliver(ctx context.Context, records []record.Record) error {
	for attempt := 0; ; attempt++ {
		err := r.task.OnBatch(ctx, records)
		if err == nil {
			return nil
		}
		if !sinkerr.IsRetriable(err) {
			return fmt.Errorf("batch failed: %w", err)
		}
		if attempt >= r.cfg.MaxRetries {
			return fmt.Errorf("batch failed after %d retries: %w", attempt, err)
		}

		logctx.FromContext(ctx).Warn("Retriable batch failure, redelivering",
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", r.cfg.RetryBackoff),
			slog.Any("error", err))
		retryCounter.Add(ctx, 1)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.cfg.RetryBackoff):
		}
	}
}

func (r *Runner) checkpoint(ctx context.Context) error {
	r.mu.Lock()
	r.lastCheckpoint = r.now()
	partitions := r.pendingLocked()
	r.mu.Unlock()

	if len(partitions) == 0 {
		return nil
	}

	committable, err := r.task.OnCheckpoint(ctx, partitions)
	if err != nil {
		if !sinkerr.IsRetriable(err) {
			return fmt.Errorf("checkpoint: %w", err)
		}
		logctx.FromContext(ctx).Warn("Checkpoint incomplete, held-back partitions retry next interval",
			slog.Int("committable", len(committable)),
			slog.Int("requested", len(partitions)),
			slog.Any("error", err))
	}
	if len(committable) == 0 {
		return nil
	}

	r.mu.Lock()
	msgs := make([]fly.ConsumedMessage, 0, len(committable))
	for _, tp := range committable {
		if msg, ok := r.pending[tp]; ok {
			msgs = append(msgs, msg)
		}
	}
	r.mu.Unlock()

	// The load already happened; the commit must not be abandoned halfway.
	commitCtx := context.WithoutCancel(ctx)
	if err := r.consumer.CommitMessages(commitCtx, msgs...); err != nil {
		if !isRebalanceError(err) {
			return fmt.Errorf("commit offsets: %w", err)
		}
		// The group moved on. Whatever is staged for these partitions will
		// be redelivered from the last committed offset.
		logctx.FromContext(ctx).Warn("Commit rejected by rebalance, dropping local state", slog.Any("error", err))
		r.mu.Lock()
		clear(r.pending)
		r.mu.Unlock()
		if err := r.task.OnPartitionsRevoked(commitCtx, partitions); err != nil {
			return fmt.Errorf("revoke partitions: %w", err)
		}
		return nil
	}

	r.mu.Lock()
	for _, msg := range msgs {
		tp := sink.TopicPartition{Topic: msg.Topic, Partition: int32(msg.Partition)}
		if cur, ok := r.pending[tp]; ok && cur.Offset <= msg.Offset {
			delete(r.pending, tp)
		}
	}
	r.mu.Unlock()
	commitCounter.Add(ctx, int64(len(msgs)))
	return nil
}

func isRebalanceError(err error) bool {
	return errors.Is(err, kafka.RebalanceInProgress) ||
		errors.Is(err, kafka.IllegalGeneration) ||
		errors.Is(err, kafka.UnknownMemberId)
}
