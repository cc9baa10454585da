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

// Package heartbeat runs a callback on a fixed interval.
package heartbeat

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// HeartbeatFunc is the function signature for heartbeat callbacks
type HeartbeatFunc func(ctx context.Context) error

// Heartbeater calls a function immediately and then every interval.
// Failures are logged and counted; they never stop the loop.
type Heartbeater struct {
	heartbeatFunc HeartbeatFunc
	ll            *slog.Logger
	interval      time.Duration

	beats    atomic.Int64
	failures atomic.Int64
}

// New creates a heartbeater named for its log lines.
func New(name string, heartbeatFunc HeartbeatFunc, interval time.Duration, logger *slog.Logger) *Heartbeater {
	if logger == nil {
		logger = slog.Default()
	}

	return &Heartbeater{
		heartbeatFunc: heartbeatFunc,
		ll:            logger.With(slog.String("component", "heartbeater"), slog.String("heartbeat", name)),
		interval:      interval,
	}
}

// Start runs the loop in a goroutine and returns a function that stops it.
func (h *Heartbeater) Start(ctx context.Context) context.CancelFunc {
	heartbeatCtx, cancel := context.WithCancel(ctx)
	go func() { _ = h.Run(heartbeatCtx) }()
	return cancel
}

// Run blocks until ctx is done. It always returns nil so it can sit in an
// errgroup without taking the group down.
func (h *Heartbeater) Run(ctx context.Context) error {
	h.ll.Debug("Starting heartbeat loop", slog.Duration("interval", h.interval))

	h.beat(ctx)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.ll.Debug("Context cancelled, stopping heartbeat loop")
			return nil
		case <-ticker.C:
			h.beat(ctx)
		}
	}
}

// ConsecutiveFailures reports how many beats in a row have failed.
func (h *Heartbeater) ConsecutiveFailures() int64 {
	return h.failures.Load()
}

// Beats reports how many beats have run.
func (h *Heartbeater) Beats() int64 {
	return h.beats.Load()
}

func (h *Heartbeater) beat(ctx context.Context) {
	err := h.heartbeatFunc(ctx)
	h.beats.Add(1)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		n := h.failures.Add(1)
		h.ll.Error("Heartbeat failed (continuing)", slog.Int64("consecutiveFailures", n), slog.Any("error", err))
		return
	}
	h.failures.Store(0)
}
