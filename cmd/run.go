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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/cardinalhq/stageloader/config"
	"github.com/cardinalhq/stageloader/internal/buffer"
	"github.com/cardinalhq/stageloader/internal/cloudstorage"
	"github.com/cardinalhq/stageloader/internal/copyserializer"
	"github.com/cardinalhq/stageloader/internal/debugging"
	"github.com/cardinalhq/stageloader/internal/fly"
	"github.com/cardinalhq/stageloader/internal/healthcheck"
	"github.com/cardinalhq/stageloader/internal/heartbeat"
	"github.com/cardinalhq/stageloader/internal/idgen"
	"github.com/cardinalhq/stageloader/internal/kafkasink"
	"github.com/cardinalhq/stageloader/internal/manifest"
	"github.com/cardinalhq/stageloader/internal/record"
	"github.com/cardinalhq/stageloader/internal/sink"
	"github.com/cardinalhq/stageloader/internal/staging"
	"github.com/cardinalhq/stageloader/internal/warehouse"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Consume the configured topic and load it into the warehouse",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		ctx, doneFx, err := setupTelemetry(serviceName,
			attribute.String("topic", cfg.Sink.Topic),
			attribute.String("table", cfg.Sink.Table),
		)
		if err != nil {
			return fmt.Errorf("failed to setup telemetry: %w", err)
		}
		defer func() {
			if err := doneFx(); err != nil {
				slog.Error("Error shutting down telemetry", slog.Any("error", err))
			}
		}()

		return run(ctx, cfg)
	},
}

const (
	// statusInterval is how often the worker logs its state and refreshes
	// readiness conditions.
	statusInterval = 30 * time.Second
	// probeInterval is how often the staging directory is checked for writes.
	probeInterval = 15 * time.Second
)

// pipeline is every long-lived component of a running worker.
type pipeline struct {
	coordinator *sink.Coordinator
	runner      *kafkasink.Runner
	health      *healthcheck.Server
	lag         *fly.LagMonitor
	probe       *heartbeat.Heartbeater
	serializer  *copyserializer.Delimited
}

func buildPipeline(ctx context.Context, cfg *config.Config, consumer fly.Consumer, lagSource fly.LagSource) (*pipeline, error) {
	decoder, err := record.NewDecoder(cfg.Sink.ValueFormat)
	if err != nil {
		return nil, err
	}

	store, err := cloudstorage.NewClient(ctx, cfg.StorageClientConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	serializer := copyserializer.NewDelimited(cfg.Sink.FieldList())
	buffers := buffer.NewManager(cfg.Sink.StagingDir)
	uploader := staging.NewUploader(store, cfg.Sink.S3Bucket, buffers)
	manifests := manifest.NewBuilder(uploader, cfg.Sink.StagingDir, cfg.Sink.Topic)
	loader := warehouse.NewLoader(cfg.LoaderConfig(serializer.CopyOptions()))

	coordinator := sink.NewCoordinator(sink.Config{
		Table:      cfg.Sink.Table,
		TableField: cfg.Sink.TableField,
	}, serializer, buffers, uploader, manifests, loader)

	health := healthcheck.NewServer(cfg.Health)
	runner := kafkasink.NewRunner(kafkasink.Config{
		CheckpointInterval: cfg.Sink.CheckpointInterval,
		RetryBackoff:       cfg.Sink.RetryBackoff,
		MaxRetries:         cfg.Sink.MaxRetries,
	}, consumer, decoder, coordinator, kafkasink.WithHealth(health))

	p := &pipeline{
		coordinator: coordinator,
		runner:      runner,
		health:      health,
		probe:       heartbeat.New("staging_probe", stagingProbe(buffers.Dir()), probeInterval, nil),
		serializer:  serializer,
	}

	if lagSource != nil && cfg.Sink.LagPollInterval > 0 {
		p.lag, err = fly.NewLagMonitor(lagSource, cfg.Sink.Topic, cfg.Kafka.ConsumerGroup, cfg.Sink.LagPollInterval)
		if err != nil {
			return nil, err
		}
	}

	health.SetDetails(p.details)
	return p, nil
}

func (p *pipeline) details() map[string]any {
	d := map[string]any{
		"cycleState":           p.coordinator.CycleState().String(),
		"pendingPartitions":    len(p.runner.PendingPartitions()),
		"stagingProbeFailures": p.probe.ConsecutiveFailures(),
	}
	if fields := p.serializer.Fields(); fields != nil {
		d["fields"] = fields
	}
	if p.lag != nil {
		d["consumerLag"] = p.lag.TotalLag()
	}
	return d
}

// reportStatus logs the worker state and gates readiness on lag polling.
func (p *pipeline) reportStatus(ctx context.Context) error {
	d := p.details()
	attrs := make([]any, 0, len(d))
	for k, v := range d {
		attrs = append(attrs, slog.Any(k, v))
	}
	slog.Default().With(slog.String("component", "status")).Info("Worker status", attrs...)

	p.health.SetReadyCondition("staging_dir", p.probe.Beats() == 0 || p.probe.ConsecutiveFailures() == 0)
	if p.lag != nil {
		p.health.SetReadyCondition("consumer_lag", p.lag.IsHealthy())
	}
	return nil
}

// stagingProbe returns a check that dir still accepts writes. A full or
// read-only disk otherwise only shows up at the next checkpoint.
func stagingProbe(dir string) heartbeat.HeartbeatFunc {
	return func(context.Context) error {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		f, err := os.CreateTemp(dir, ".probe-*")
		if err != nil {
			return err
		}
		name := f.Name()
		_, werr := f.WriteString("ok")
		cerr := f.Close()
		rerr := os.Remove(name)
		return errors.Join(werr, cerr, rerr)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := slog.Default().With(
		slog.String("component", "run"),
		slog.String("topic", cfg.Sink.Topic),
	)

	if n, err := manifest.RemoveStale(cfg.Sink.StagingDir); err != nil {
		logger.Warn("Failed to remove stale manifests", slog.Any("error", err))
	} else if n > 0 {
		logger.Info("Removed stale manifests", slog.Int("count", n))
	}

	admin := fly.NewAdminClient(&cfg.Kafka)
	checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	exists, err := admin.TopicExists(checkCtx, cfg.Sink.Topic)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to check topic %s: %w", cfg.Sink.Topic, err)
	}
	if !exists {
		return fmt.Errorf("topic %s does not exist", cfg.Sink.Topic)
	}

	consumer, err := fly.NewFactory(&cfg.Kafka).CreateSinkConsumer(cfg.Sink.Topic, serviceName+"-"+idgen.FlakeBase32(myInstanceID))
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	p, err := buildPipeline(ctx, cfg, consumer, admin)
	if err != nil {
		_ = consumer.Close()
		return err
	}

	logger.Info("Starting stageloader",
		slog.String("table", cfg.Sink.Table),
		slog.String("bucket", cfg.Sink.S3Bucket),
		slog.String("stagingDir", cfg.Sink.StagingDir),
		slog.Any("fields", cfg.Sink.FieldList()),
		slog.Int("healthPort", p.health.Port()),
		slog.Duration("checkpointInterval", cfg.Sink.CheckpointInterval))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.health.Start(gctx)
	})
	g.Go(func() error {
		return debugging.RunPprof(gctx, cfg.Pprof)
	})
	g.Go(func() error {
		return p.probe.Run(gctx)
	})
	g.Go(func() error {
		return heartbeat.New("status", p.reportStatus, statusInterval, logger).Run(gctx)
	})
	if p.lag != nil {
		g.Go(func() error {
			return p.lag.Run(gctx)
		})
	}
	g.Go(func() error {
		if err := p.runner.Run(gctx); err != nil {
			logger.Error("Runner stopped with error", slog.Any("error", err))
			return err
		}
		logger.Info("Runner stopped")
		return nil
	})

	return g.Wait()
}
