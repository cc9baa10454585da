// Copyright (C) 2025-2026 CardinalHQ, Inc
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

package record

import "time"

// Logical type names used by the Kafka Connect converters.
const (
	LogicalTimestamp = "org.apache.kafka.connect.data.Timestamp"
	LogicalDate      = "org.apache.kafka.connect.data.Date"
	LogicalTime      = "org.apache.kafka.connect.data.Time"
)

// Field describes one named, typed member of a record schema.
type Field struct {
	Name     string
	Type     string
	Logical  string
	Optional bool
}

// Schema is the ordered field list of a struct record.
type Schema struct {
	Name   string
	Fields []Field
}

// FieldNames returns the field names in schema order.
func (s *Schema) FieldNames() []string {
	if s == nil {
		return nil
	}
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Record is one decoded message together with its source position.
// Records are not modified after decoding.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Timestamp time.Time
	Schema    *Schema
	Values    map[string]any
}

// Get returns the value of the named field. The second result is false
// when the field is not part of the record at all; a present field with
// a null value returns (nil, true).
func (r *Record) Get(name string) (any, bool) {
	v, ok := r.Values[name]
	return v, ok
}
