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

package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/stageloader/internal/buffer"
	"github.com/cardinalhq/stageloader/internal/copyserializer"
	"github.com/cardinalhq/stageloader/internal/idgen"
	"github.com/cardinalhq/stageloader/internal/logctx"
	"github.com/cardinalhq/stageloader/internal/record"
	"github.com/cardinalhq/stageloader/internal/sinkerr"
	"github.com/cardinalhq/stageloader/internal/staging"
)

// Buffers is the staging file store, normally *buffer.Manager.
type Buffers interface {
	Append(key buffer.Key, row string, offset int64) error
	Flush() error
	Rollback() error
	Close(key buffer.Key) (buffer.Staged, error)
	Reopen(key buffer.Key) error
	Discard(key buffer.Key) error
	Keys() []buffer.Key
	CloseAll() error
}

// Uploader moves a closed staging file to the object store, normally
// *staging.Uploader.
type Uploader interface {
	Upload(ctx context.Context, staged buffer.Staged) (*staging.UploadedObject, error)
}

// ManifestBuilder writes and uploads a manifest, normally *manifest.Builder.
type ManifestBuilder interface {
	Build(ctx context.Context, table string, urls []string) (string, error)
}

// Loader runs the warehouse COPY, normally *warehouse.Loader.
type Loader interface {
	Load(ctx context.Context, manifestURL, table string) error
}

// Config holds the routing settings.
type Config struct {
	// Table receives every record that does not name its own table.
	Table string
	// TableField, when set, is the record field that names the destination
	// table. Staging files are then kept per partition and table.
	TableField string
}

// Coordinator implements Task on top of the staging components.
type Coordinator struct {
	cfg        Config
	serializer copyserializer.Serializer
	buffers    Buffers
	uploader   Uploader
	manifests  ManifestBuilder
	loader     Loader
	cycleIDs   *idgen.CycleIDs

	state  atomic.Int32
	logger *slog.Logger
}

var _ Task = (*Coordinator)(nil)

func NewCoordinator(cfg Config, serializer copyserializer.Serializer, buffers Buffers, uploader Uploader, manifests ManifestBuilder, loader Loader) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		serializer: serializer,
		buffers:    buffers,
		uploader:   uploader,
		manifests:  manifests,
		loader:     loader,
		cycleIDs:   idgen.NewCycleIDs(),
		logger:     slog.Default().With(slog.String("component", "sink_coordinator")),
	}
}

// CycleState reports what the coordinator is doing right now.
func (c *Coordinator) CycleState() CycleState {
	return CycleState(c.state.Load())
}

func (c *Coordinator) setState(ctx context.Context, s CycleState) {
	prev := CycleState(c.state.Swap(int32(s)))
	if prev != s {
		logctx.FromContext(ctx).Debug("Cycle state change", slog.String("from", prev.String()), slog.String("to", s.String()))
	}
}

// KeyFor returns the staging key for rec.
func (c *Coordinator) KeyFor(rec record.Record) buffer.Key {
	key := buffer.Key{Topic: rec.Topic, Partition: rec.Partition}
	if c.cfg.TableField == "" {
		return key
	}
	key.Table = c.cfg.Table
	if v, ok := rec.Get(c.cfg.TableField); ok && v != nil {
		if s := fmt.Sprint(v); s != "" {
			key.Table = s
		}
	}
	return key
}

// TableFor returns the destination table for key.
func (c *Coordinator) TableFor(key buffer.Key) string {
	if key.Table != "" {
		return key.Table
	}
	return c.cfg.Table
}

func (c *Coordinator) OnBatch(ctx context.Context, records []record.Record) error {
	if len(records) == 0 {
		return nil
	}
	if c.CycleState() == StateIdle {
		c.setState(ctx, StateCollecting)
	}

	// Rows of a failed batch are rolled back; the host redelivers it.
	for _, rec := range records {
		row, err := c.serializer.SerializeRecord(rec)
		if err != nil {
			return errors.Join(
				fmt.Errorf("serialize %s/%d offset %d: %w", rec.Topic, rec.Partition, rec.Offset, err),
				c.buffers.Rollback())
		}
		if err := c.buffers.Append(c.KeyFor(rec), row, rec.Offset); err != nil {
			return sinkerr.Retriable("append", errors.Join(err, c.buffers.Rollback()))
		}
	}
	if err := c.buffers.Flush(); err != nil {
		return sinkerr.Retriable("flush", errors.Join(err, c.buffers.Rollback()))
	}
	recordsAppended.Add(ctx, int64(len(records)))
	return nil
}

type tableLoad struct {
	table string
	urls  []string
	rows  int64
}

func (c *Coordinator) OnCheckpoint(ctx context.Context, partitions []TopicPartition) ([]TopicPartition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// Uploads and loads are not interrupted once a cycle has begun.
	ctx = context.WithoutCancel(ctx)

	cycleID := c.cycleIDs.Next(time.Now())
	logger := c.logger.With(slog.String("cycleID", cycleID))
	ctx = logctx.WithLogger(ctx, logger)
	defer c.setState(ctx, StateIdle)

	committable, err := c.runCycle(ctx, partitions)
	outcome := "ok"
	switch {
	case sinkerr.IsFatal(err):
		outcome = "failed"
	case len(committable) < len(partitions):
		outcome = "partial"
	}
	cycleCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if sinkerr.IsFatal(err) {
		logger.Error("Checkpoint cycle failed", slog.Any("error", err))
		return nil, err
	}
	return committable, err
}

func (c *Coordinator) runCycle(ctx context.Context, partitions []TopicPartition) ([]TopicPartition, error) {
	logger := logctx.FromContext(ctx)
	requested := mapset.NewThreadUnsafeSet(partitions...)
	failed := mapset.NewThreadUnsafeSet[TopicPartition]()
	var closeErrs *multierror.Error

	c.setState(ctx, StateFlushing)
	var loads []*tableLoad
	byTable := map[string]*tableLoad{}
	for _, key := range c.buffers.Keys() {
		tp := TopicPartition{Topic: key.Topic, Partition: key.Partition}
		if !requested.Contains(tp) {
			continue
		}
		staged, err := c.buffers.Close(key)
		if err != nil {
			// The rows stay staged locally and go out with a later cycle.
			closeErrs = multierror.Append(closeErrs,
				errors.Join(fmt.Errorf("close staging file %s: %w", key, err), c.buffers.Reopen(key)))
			failed.Add(tp)
			continue
		}
		obj, err := c.uploader.Upload(ctx, staged)
		if err != nil {
			var uploadErr *staging.UploadError
			if errors.As(err, &uploadErr) {
				failed.Add(tp)
				uploadFailures.Add(ctx, 1)
				continue
			}
			return nil, fmt.Errorf("upload %s: %w", key, err)
		}
		if obj == nil {
			continue
		}
		filesUploaded.Add(ctx, 1)

		table := c.TableFor(key)
		tl, ok := byTable[table]
		if !ok {
			tl = &tableLoad{table: table}
			byTable[table] = tl
			loads = append(loads, tl)
		}
		tl.urls = append(tl.urls, obj.URL)
		tl.rows += obj.Rows
	}

	if len(loads) == 0 {
		logger.Debug("Nothing to load this cycle", slog.Int("failedPartitions", failed.Cardinality()))
	}

	for _, tl := range loads {
		c.setState(ctx, StateManifesting)
		manifestURL, err := c.manifests.Build(ctx, tl.table, tl.urls)
		if err != nil {
			return nil, err
		}

		c.setState(ctx, StateLoading)
		start := time.Now()
		err = c.loader.Load(ctx, manifestURL, tl.table)
		loadDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("table", tl.table)))
		if err != nil {
			return nil, err
		}
		rowsLoaded.Add(ctx, tl.rows, metric.WithAttributes(attribute.String("table", tl.table)))
		logger.Info("Loaded checkpoint cycle",
			slog.String("table", tl.table),
			slog.String("manifest", manifestURL),
			slog.Int("files", len(tl.urls)),
			slog.Int64("rows", tl.rows))
	}

	committable := make([]TopicPartition, 0, len(partitions))
	for _, tp := range partitions {
		if !failed.Contains(tp) {
			committable = append(committable, tp)
		}
	}
	slices.SortFunc(committable, CompareTopicPartition)
	committable = slices.Compact(committable)
	if failed.Cardinality() > 0 {
		logger.Warn("Holding back commits for partitions with unstaged data", slog.Any("partitions", failed.ToSlice()))
	}
	return committable, sinkerr.Retriable("close", closeErrs.ErrorOrNil())
}

func (c *Coordinator) OnPartitionsRevoked(ctx context.Context, partitions []TopicPartition) error {
	revoked := mapset.NewThreadUnsafeSet(partitions...)
	var result *multierror.Error
	for _, key := range c.buffers.Keys() {
		if !revoked.Contains(TopicPartition{Topic: key.Topic, Partition: key.Partition}) {
			continue
		}
		if err := c.buffers.Discard(key); err != nil {
			result = multierror.Append(result, err)
		}
	}
	logctx.FromContext(ctx).Info("Discarded staging files for revoked partitions", slog.Int("partitions", len(partitions)))
	return result.ErrorOrNil()
}

func (c *Coordinator) OnStop(ctx context.Context) error {
	c.setState(ctx, StateIdle)
	if err := c.buffers.CloseAll(); err != nil {
		return fmt.Errorf("close staging files: %w", err)
	}
	return nil
}
