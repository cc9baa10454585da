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

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// ErrNoSchema is returned when a message does not carry a struct schema.
var ErrNoSchema = errors.New("message has no struct schema")

// Source identifies where a message came from.
type Source struct {
	Topic     string
	Partition int32
	Offset    int64
	Timestamp time.Time
}

// Decoder turns a raw message value into a Record.
type Decoder interface {
	Decode(src Source, value []byte) (Record, error)
}

// NewDecoder returns the decoder for the named value format.
func NewDecoder(format string) (Decoder, error) {
	switch format {
	case "", "json":
		return JSONDecoder{}, nil
	case "cbor":
		return CBORDecoder{}, nil
	default:
		return nil, fmt.Errorf("unsupported value format: %s", format)
	}
}

// envelope is the schema+payload wrapper written by the Kafka Connect
// converters when schemas are enabled.
type envelope struct {
	Schema  *schemaDoc     `json:"schema" cbor:"schema"`
	Payload map[string]any `json:"payload" cbor:"payload"`
}

type schemaDoc struct {
	Type   string     `json:"type" cbor:"type"`
	Name   string     `json:"name" cbor:"name"`
	Fields []fieldDoc `json:"fields" cbor:"fields"`
}

type fieldDoc struct {
	Field    string `json:"field" cbor:"field"`
	Type     string `json:"type" cbor:"type"`
	Name     string `json:"name" cbor:"name"`
	Optional bool   `json:"optional" cbor:"optional"`
}

// JSONDecoder reads the JsonConverter envelope.
type JSONDecoder struct{}

func (JSONDecoder) Decode(src Source, value []byte) (Record, error) {
	var env envelope
	dec := json.NewDecoder(bytes.NewReader(value))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return Record{}, fmt.Errorf("decode json envelope: %w", err)
	}
	return env.toRecord(src)
}

// CBORDecoder reads the same envelope encoded as CBOR.
type CBORDecoder struct{}

func (CBORDecoder) Decode(src Source, value []byte) (Record, error) {
	var env envelope
	if err := cbor.Unmarshal(value, &env); err != nil {
		return Record{}, fmt.Errorf("decode cbor envelope: %w", err)
	}
	return env.toRecord(src)
}

func (e *envelope) toRecord(src Source) (Record, error) {
	if e.Schema == nil || e.Schema.Type != "struct" {
		return Record{}, ErrNoSchema
	}

	schema := &Schema{
		Name:   e.Schema.Name,
		Fields: make([]Field, len(e.Schema.Fields)),
	}
	values := make(map[string]any, len(e.Schema.Fields))
	for i, fd := range e.Schema.Fields {
		f := Field{Name: fd.Field, Type: fd.Type, Logical: fd.Name, Optional: fd.Optional}
		schema.Fields[i] = f

		raw, ok := e.Payload[fd.Field]
		if !ok || raw == nil {
			values[fd.Field] = nil
			continue
		}
		v, err := coerce(f, raw)
		if err != nil {
			return Record{}, fmt.Errorf("field %q: %w", fd.Field, err)
		}
		values[fd.Field] = v
	}

	return Record{
		Topic:     src.Topic,
		Partition: src.Partition,
		Offset:    src.Offset,
		Timestamp: src.Timestamp,
		Schema:    schema,
		Values:    values,
	}, nil
}

func coerce(f Field, raw any) (any, error) {
	switch f.Logical {
	case LogicalTimestamp:
		ms, err := toInt64(raw)
		if err != nil {
			return nil, err
		}
		return time.UnixMilli(ms).UTC(), nil
	case LogicalDate:
		days, err := toInt64(raw)
		if err != nil {
			return nil, err
		}
		return time.Unix(days*86400, 0).UTC(), nil
	case LogicalTime:
		ms, err := toInt64(raw)
		if err != nil {
			return nil, err
		}
		return time.UnixMilli(ms).UTC(), nil
	}

	switch f.Type {
	case "int8", "int16", "int32", "int64":
		return toInt64(raw)
	case "float32", "float64":
		return toFloat64(raw)
	case "boolean":
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("expected boolean, got %T", raw)
		}
		return b, nil
	case "string":
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", raw)
		}
		return s, nil
	case "bytes":
		switch b := raw.(type) {
		case []byte:
			return b, nil
		case string:
			return base64.StdEncoding.DecodeString(b)
		default:
			return nil, fmt.Errorf("expected bytes, got %T", raw)
		}
	default:
		// struct, array and map stay as decoded.
		return raw, nil
	}
}

func toInt64(raw any) (int64, error) {
	switch n := raw.(type) {
	case json.Number:
		return n.Int64()
	case int64:
		return n, nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("integer %d overflows int64", n)
		}
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("expected integer, got %v", n)
		}
		return int64(n), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", raw)
	}
}

func toFloat64(raw any) (float64, error) {
	switch n := raw.(type) {
	case json.Number:
		return n.Float64()
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("expected number, got %T", raw)
	}
}
