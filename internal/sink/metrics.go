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
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	recordsAppended metric.Int64Counter
	filesUploaded   metric.Int64Counter
	uploadFailures  metric.Int64Counter
	rowsLoaded      metric.Int64Counter
	loadDuration    metric.Float64Histogram
	cycleCounter    metric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/cardinalhq/stageloader/internal/sink")

	var err error
	recordsAppended, err = meter.Int64Counter(
		"stageloader.sink.records.appended",
		metric.WithDescription("Records written to staging files"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create records.appended counter: %w", err))
	}

	filesUploaded, err = meter.Int64Counter(
		"stageloader.sink.files.uploaded",
		metric.WithDescription("Staging files uploaded to the object store"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create files.uploaded counter: %w", err))
	}

	uploadFailures, err = meter.Int64Counter(
		"stageloader.sink.upload.failures",
		metric.WithDescription("Staging file uploads that failed and were kept for the next checkpoint"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create upload.failures counter: %w", err))
	}

	rowsLoaded, err = meter.Int64Counter(
		"stageloader.sink.rows.loaded",
		metric.WithDescription("Rows made visible in the warehouse"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create rows.loaded counter: %w", err))
	}

	loadDuration, err = meter.Float64Histogram(
		"stageloader.sink.load.duration",
		metric.WithDescription("Time spent in the warehouse COPY"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create load.duration histogram: %w", err))
	}

	cycleCounter, err = meter.Int64Counter(
		"stageloader.sink.checkpoint.cycles",
		metric.WithDescription("Checkpoint cycles by outcome"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create checkpoint.cycles counter: %w", err))
	}
}
