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

// Package sink sequences the staging pipeline: batches are appended to
// staging files, and checkpoints upload them, write a manifest and run
// the warehouse load.
package sink

import (
	"cmp"
	"context"
	"strconv"

	"github.com/cardinalhq/stageloader/internal/record"
)

// TopicPartition names one input partition.
type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string {
	return tp.Topic + "/" + strconv.FormatInt(int64(tp.Partition), 10)
}

// CompareTopicPartition orders by topic, then partition.
func CompareTopicPartition(a, b TopicPartition) int {
	if c := cmp.Compare(a.Topic, b.Topic); c != 0 {
		return c
	}
	return cmp.Compare(a.Partition, b.Partition)
}

// Task is what the host runtime drives. Calls are never concurrent.
//
// Errors wrapping *sinkerr.RetriableError ask the host to deliver the same
// batch again; any other error should stop the worker.
type Task interface {
	// OnBatch appends records to staging files. It never uploads.
	OnBatch(ctx context.Context, records []record.Record) error

	// OnCheckpoint flushes the given partitions and returns the ones whose
	// delivered records are now in the warehouse and may be committed. A
	// retriable error can come with partitions that are still safe to
	// commit; the rest are retried at the next checkpoint.
	OnCheckpoint(ctx context.Context, partitions []TopicPartition) ([]TopicPartition, error)

	// OnPartitionsRevoked drops local state for partitions now owned elsewhere.
	OnPartitionsRevoked(ctx context.Context, partitions []TopicPartition) error

	// OnStop closes all staging files.
	OnStop(ctx context.Context) error
}
