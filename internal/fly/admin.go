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
	"time"

	"github.com/segmentio/kafka-go"
)

// PartitionLag is how far a consumer group trails one partition.
// CommittedOffset is -1 when the group has never committed there.
type PartitionLag struct {
	GroupID         string `json:"group_id"`
	Topic           string `json:"topic"`
	Partition       int    `json:"partition"`
	CommittedOffset int64  `json:"committed_offset"`
	HighWaterMark   int64  `json:"high_water_mark"`
	Lag             int64  `json:"lag"`
}

// TotalLag sums Lag over lags.
func TotalLag(lags []PartitionLag) int64 {
	var total int64
	for _, l := range lags {
		total += l.Lag
	}
	return total
}

// AdminClient answers metadata and offset questions about the cluster.
type AdminClient struct {
	factory *Factory
}

func NewAdminClient(config *Config) *AdminClient {
	return &AdminClient{factory: NewFactory(config)}
}

const metadataRetryDelay = 500 * time.Millisecond

// lookupTopic asks for topic metadata up to attempts times, since a topic
// created moments ago may not be visible on every broker yet. It returns
// nil with no error when the topic is still missing.
func lookupTopic(ctx context.Context, client *kafka.Client, topic string, attempts int) (*kafka.Topic, error) {
	for attempt := 1; ; attempt++ {
		resp, err := client.Metadata(ctx, &kafka.MetadataRequest{Topics: []string{topic}})
		if err != nil {
			return nil, fmt.Errorf("failed to get Kafka metadata: %w", err)
		}
		for i := range resp.Topics {
			if t := &resp.Topics[i]; t.Name == topic && t.Error == nil && !t.Internal {
				return t, nil
			}
		}
		if attempt >= attempts {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(metadataRetryDelay):
		}
	}
}

// TopicExists reports whether topic is visible to this client.
func (a *AdminClient) TopicExists(ctx context.Context, topic string) (bool, error) {
	client, err := a.factory.CreateKafkaClient()
	if err != nil {
		return false, err
	}
	t, err := lookupTopic(ctx, client, topic, 1)
	return t != nil, err
}

// GroupLag returns per-partition lag of groupID on topic.
func (a *AdminClient) GroupLag(ctx context.Context, topic, groupID string) ([]PartitionLag, error) {
	client, err := a.factory.CreateKafkaClient()
	if err != nil {
		return nil, err
	}

	t, err := lookupTopic(ctx, client, topic, 3)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("topic %s not found", topic)
	}
	ids := make([]int, 0, len(t.Partitions))
	for _, p := range t.Partitions {
		ids = append(ids, p.ID)
	}

	ends, err := highWaterMarks(ctx, client, topic, ids)
	if err != nil {
		return nil, err
	}
	committed, err := committedOffsets(ctx, client, topic, groupID, ids)
	if err != nil {
		return nil, err
	}
	slog.Debug("Computed consumer lag",
		slog.String("topic", topic),
		slog.String("consumerGroup", groupID),
		slog.Int("partitions", len(ids)))
	return lagFor(groupID, topic, ids, ends, committed), nil
}

func highWaterMarks(ctx context.Context, client *kafka.Client, topic string, partitions []int) (map[int]int64, error) {
	reqs := make([]kafka.OffsetRequest, 0, len(partitions))
	for _, id := range partitions {
		reqs = append(reqs, kafka.LastOffsetOf(id))
	}
	resp, err := client.ListOffsets(ctx, &kafka.ListOffsetsRequest{
		Topics: map[string][]kafka.OffsetRequest{topic: reqs},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list offsets for %s: %w", topic, err)
	}
	ends := make(map[int]int64, len(partitions))
	for _, po := range resp.Topics[topic] {
		if po.Error != nil {
			return nil, fmt.Errorf("failed to get offset for %s/%d: %w", topic, po.Partition, po.Error)
		}
		ends[po.Partition] = po.LastOffset
	}
	return ends, nil
}

func committedOffsets(ctx context.Context, client *kafka.Client, topic, groupID string, partitions []int) (map[int]int64, error) {
	resp, err := client.OffsetFetch(ctx, &kafka.OffsetFetchRequest{
		GroupID: groupID,
		Topics:  map[string][]int{topic: partitions},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch committed offsets for group %s: %w", groupID, err)
	}
	committed := make(map[int]int64, len(partitions))
	for _, po := range resp.Topics[topic] {
		// A per-partition error usually means nothing was committed yet.
		if po.Error == nil {
			committed[po.Partition] = po.CommittedOffset
		}
	}
	return committed, nil
}

// lagFor combines log end offsets and committed offsets. A partition with
// no commit lags by its whole high water mark.
func lagFor(groupID, topic string, partitions []int, ends, committed map[int]int64) []PartitionLag {
	out := make([]PartitionLag, 0, len(partitions))
	for _, id := range partitions {
		end := ends[id]
		pl := PartitionLag{GroupID: groupID, Topic: topic, Partition: id, CommittedOffset: -1, HighWaterMark: end, Lag: end}
		if c, ok := committed[id]; ok && c >= 0 {
			pl.CommittedOffset = c
			pl.Lag = max(end-c, 0)
		}
		out = append(out, pl)
	}
	return out
}
