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

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	meter = otel.Meter("github.com/cardinalhq/stageloader/internal/fly")

	fetchedMessages otelmetric.Int64Counter
	fetchedBytes    otelmetric.Int64Counter
	fetchErrors     otelmetric.Int64Counter
)

func mustCounter(name, description, unit string) otelmetric.Int64Counter {
	c, err := meter.Int64Counter(name, otelmetric.WithDescription(description), otelmetric.WithUnit(unit))
	if err != nil {
		panic(fmt.Errorf("failed to create %s counter: %w", name, err))
	}
	return c
}

func init() {
	fetchedMessages = mustCounter("stageloader.fly.consumer.messages.fetched", "Kafka records fetched", "{message}")
	fetchedBytes = mustCounter("stageloader.fly.consumer.bytes.fetched", "Kafka record value bytes fetched", "By")
	fetchErrors = mustCounter("stageloader.fly.consumer.fetch.errors", "Fetch calls that failed for a reason other than an idle timeout", "{error}")
}

func recordFetched(ctx context.Context, msg kafka.Message) {
	attrs := otelmetric.WithAttributes(
		attribute.String("topic", msg.Topic),
		attribute.Int("partition", msg.Partition),
	)
	fetchedMessages.Add(ctx, 1, attrs)
	fetchedBytes.Add(ctx, int64(len(msg.Value)), attrs)
}
