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
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// ConsumedMessage is one fetched record and its position in the log.
type ConsumedMessage struct {
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time

	Key   []byte
	Value []byte
	// Headers is nil when the record carried none. A repeated header keeps
	// its last value.
	Headers map[string]string
}

// String returns topic/partition@offset.
func (m ConsumedMessage) String() string {
	return m.Topic + "/" + strconv.Itoa(m.Partition) + "@" + strconv.FormatInt(m.Offset, 10)
}

// FromKafkaMessage converts from kafka-go message format
func FromKafkaMessage(km kafka.Message) ConsumedMessage {
	m := ConsumedMessage{
		Topic:     km.Topic,
		Partition: km.Partition,
		Offset:    km.Offset,
		Timestamp: km.Time,
		Key:       km.Key,
		Value:     km.Value,
	}
	if len(km.Headers) > 0 {
		m.Headers = make(map[string]string, len(km.Headers))
		for _, h := range km.Headers {
			m.Headers[h.Key] = string(h.Value)
		}
	}
	return m
}
