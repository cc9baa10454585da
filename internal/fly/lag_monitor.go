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
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// LagSource reports per-partition lag for a group.
type LagSource interface {
	GroupLag(ctx context.Context, topic, groupID string) ([]PartitionLag, error)
}

var _ LagSource = (*AdminClient)(nil)

// LagMonitor polls consumer group lag for one topic and publishes it as
// the stageloader.fly.consumer.lag gauge.
type LagMonitor struct {
	source   LagSource
	topic    string
	groupID  string
	interval time.Duration
	logger   *slog.Logger

	mu        sync.RWMutex
	snapshot  []PartitionLag
	updatedAt time.Time
	pollErr   error

	registration otelmetric.Registration
}

// NewLagMonitor creates a monitor and registers its gauge.
func NewLagMonitor(source LagSource, topic, groupID string, interval time.Duration) (*LagMonitor, error) {
	m := &LagMonitor{
		source:   source,
		topic:    topic,
		groupID:  groupID,
		interval: interval,
		logger: slog.Default().With(
			slog.String("component", "lag_monitor"),
			slog.String("topic", topic),
		),
	}

	gauge, err := meter.Int64ObservableGauge(
		"stageloader.fly.consumer.lag",
		otelmetric.WithDescription("Messages between the committed offset and the high water mark"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer.lag gauge: %w", err)
	}
	m.registration, err = meter.RegisterCallback(func(_ context.Context, o otelmetric.Observer) error {
		for _, pl := range m.Snapshot() {
			o.ObserveInt64(gauge, pl.Lag, otelmetric.WithAttributes(
				attribute.String("topic", pl.Topic),
				attribute.String("group", pl.GroupID),
				attribute.Int("partition", pl.Partition),
			))
		}
		return nil
	}, gauge)
	if err != nil {
		return nil, fmt.Errorf("failed to register consumer.lag callback: %w", err)
	}
	return m, nil
}

// Run polls until ctx is done.
func (m *LagMonitor) Run(ctx context.Context) error {
	defer func() {
		if err := m.registration.Unregister(); err != nil {
			m.logger.Warn("Failed to unregister lag gauge", slog.Any("error", err))
		}
	}()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		m.poll(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (m *LagMonitor) poll(ctx context.Context) {
	lags, err := m.source.GroupLag(ctx, m.topic, m.groupID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("Failed to fetch consumer lag", slog.Any("error", err))
		m.mu.Lock()
		m.pollErr = err
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	m.snapshot = lags
	m.updatedAt = time.Now()
	m.pollErr = nil
	m.mu.Unlock()
	m.logger.Debug("Updated consumer lag", slog.Int64("totalLag", TotalLag(lags)))
}

// Snapshot returns a copy of the per-partition lag from the last
// successful poll.
func (m *LagMonitor) Snapshot() []PartitionLag {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.snapshot)
}

// TotalLag returns the summed lag from the last successful poll.
func (m *LagMonitor) TotalLag() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return TotalLag(m.snapshot)
}

// IsHealthy reports whether the last poll succeeded and is no older than
// three intervals.
func (m *LagMonitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pollErr == nil && (m.updatedAt.IsZero() || time.Since(m.updatedAt) < 3*m.interval)
}
