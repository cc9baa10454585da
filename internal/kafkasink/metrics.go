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

package kafkasink

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	undecodableCounter metric.Int64Counter
	retryCounter       metric.Int64Counter
	commitCounter      metric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/cardinalhq/stageloader/internal/kafkasink")

	var err error
	undecodableCounter, err = meter.Int64Counter(
		"stageloader.kafkasink.messages.undecodable",
		metric.WithDescription("Messages skipped because they could not be decoded"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create messages.undecodable counter: %w", err))
	}

	retryCounter, err = meter.Int64Counter(
		"stageloader.kafkasink.batch.retries",
		metric.WithDescription("Batches delivered again after a retriable failure"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create batch.retries counter: %w", err))
	}

	commitCounter, err = meter.Int64Counter(
		"stageloader.kafkasink.partitions.committed",
		metric.WithDescription("Partition offsets committed after a checkpoint"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create partitions.committed counter: %w", err))
	}
}
