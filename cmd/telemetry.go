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

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cardinalhq/oteltools/pkg/telemetry"
	slogmulti "github.com/samber/slog-multi"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/instrumentation/host"
	iruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/stageloader/internal/idgen"
)

var (
	myInstanceID = idgen.DefaultFlakeGenerator.NextID()

	existsGauge metric.Int64Gauge
)

func init() {
	g, err := otel.Meter("github.com/cardinalhq/stageloader").Int64Gauge(
		"stageloader.exists",
		metric.WithDescription("Reports 1 while a worker process is running"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create exists gauge: %w", err))
	}
	existsGauge = g
}

// logLevel reads STAGELOADER_LOG_LEVEL, falling back to debug when DEBUG or
// STAGELOADER_DEBUG is set and info otherwise.
func logLevel() slog.Level {
	if v := os.Getenv("STAGELOADER_LOG_LEVEL"); v != "" {
		var l slog.Level
		if err := l.UnmarshalText([]byte(v)); err == nil {
			return l
		}
	}
	if os.Getenv("DEBUG") != "" || os.Getenv("STAGELOADER_DEBUG") != "" {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func otlpEnabled() bool {
	return os.Getenv("OTEL_SERVICE_NAME") != "" && os.Getenv("ENABLE_OTLP_TELEMETRY") == "true"
}

func newLogHandler(servicename string, otlp bool) slog.Handler {
	text := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel()})
	if !otlp {
		return text
	}
	return slogmulti.Fanout(text, otelslog.NewHandler(servicename))
}

// startHostMetrics is best effort; a failure only loses process metrics.
func startHostMetrics() {
	if err := iruntime.Start(iruntime.WithMinimumReadMemStatsInterval(10 * time.Second)); err != nil {
		slog.Warn("Runtime metrics unavailable", slog.Any("error", err))
	}
	if err := host.Start(); err != nil {
		slog.Warn("Host metrics unavailable", slog.Any("error", err))
	}
}

// setupTelemetry installs the default logger and, when OTLP export is
// enabled, the OpenTelemetry SDK. The returned context is cancelled on
// SIGINT or SIGTERM; the returned func stops exporters and releases it.
func setupTelemetry(servicename string, addlAttrs ...attribute.KeyValue) (context.Context, func() error, error) {
	ctx, cancel := handleSignals(context.Background())

	otlp := otlpEnabled()
	slog.SetDefault(slog.New(newLogHandler(servicename, otlp)).With(
		slog.String("service", servicename),
		slog.Int64("instanceID", myInstanceID),
	))

	shutdown := func() error {
		cancel()
		return nil
	}
	if otlp {
		otelShutdown, err := telemetry.SetupOTelSDK(ctx)
		if err != nil {
			return ctx, shutdown, fmt.Errorf("failed to setup OpenTelemetry SDK: %w", err)
		}
		slog.Info("OpenTelemetry export enabled")
		startHostMetrics()
		shutdown = func() error {
			defer cancel()
			flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer flushCancel()
			return otelShutdown(flushCtx)
		}
	}

	attrs := append([]attribute.KeyValue{attribute.Int64("instanceID", myInstanceID)}, addlAttrs...)
	existsGauge.Record(ctx, 1, metric.WithAttributeSet(attribute.NewSet(attrs...)))
	return ctx, shutdown, nil
}
