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

// Package copyserializer renders records as delimited text rows and
// supplies the matching COPY parsing options. The two halves must change
// together: any change to the escaping rules below has to be mirrored in
// CopyOptions, or the warehouse will misparse rows.
package copyserializer

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cardinalhq/stageloader/internal/record"
)

const (
	Delimiter  = "|"
	NullMarker = `\N`
	Escape     = `\`
	Newline    = "\n"

	// AllFields selects every field of the first record's schema.
	AllFields = "*"

	// DefaultTimeLayout is UTC with microsecond precision.
	DefaultTimeLayout = "2006-01-02 15:04:05.000000"

	copyOptions = "ESCAPE DELIMITER '" + Delimiter + "'"
)

var (
	// ErrMissingField is returned when a record does not carry a projected field.
	ErrMissingField = errors.New("record is missing projected field")
	// ErrNoSchema is returned under AllFields while the projection is still
	// unresolved and the record has no schema fields to resolve it from.
	ErrNoSchema = errors.New("record has no schema to take fields from")
)

// SchemaError reports a record that does not fit the serializer projection.
type SchemaError struct {
	Field  string
	Topic  string
	Offset int64
	Err    error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("record %s@%d field %q: %v", e.Topic, e.Offset, e.Field, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// Serializer converts one record into one row.
type Serializer interface {
	SerializeRecord(rec record.Record) (string, error)
	CopyOptions() string
}

// Option configures a Delimited serializer.
type Option func(*Delimited)

// WithTimeLayout overrides the layout used for time values.
func WithTimeLayout(layout string) Option {
	return func(d *Delimited) {
		d.timeLayout = layout
	}
}

// Delimited is the default pipe-delimited serializer.
//
// When constructed with AllFields, the projection is taken from the schema
// of the first record serialized and is fixed from then on. All records
// serialized afterwards must carry every field of that schema; a record
// that does not is rejected with a SchemaError. Heterogeneous schemas are
// not supported under AllFields.
type Delimited struct {
	timeLayout string

	mu          sync.Mutex
	initialized bool
	fields      []string
}

var _ Serializer = (*Delimited)(nil)

// NewDelimited returns a serializer for the given projection. An empty
// list or a single AllFields entry means all fields.
func NewDelimited(fields []string, opts ...Option) *Delimited {
	d := &Delimited{timeLayout: DefaultTimeLayout}
	if len(fields) > 0 && !(len(fields) == 1 && fields[0] == AllFields) {
		d.fields = slices.Clone(fields)
		d.initialized = true
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Fields returns the resolved projection, or nil if it has not been
// resolved yet.
func (d *Delimited) Fields() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return nil
	}
	return slices.Clone(d.fields)
}

func (d *Delimited) projection(rec record.Record) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		names := rec.Schema.FieldNames()
		if len(names) == 0 {
			return nil, &SchemaError{Field: AllFields, Topic: rec.Topic, Offset: rec.Offset, Err: ErrNoSchema}
		}
		d.fields = names
		d.initialized = true
	}
	return d.fields, nil
}

func (d *Delimited) SerializeRecord(rec record.Record) (string, error) {
	fields, err := d.projection(rec)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for i, name := range fields {
		if i > 0 {
			b.WriteString(Delimiter)
		}
		v, ok := rec.Get(name)
		if !ok {
			return "", &SchemaError{Field: name, Topic: rec.Topic, Offset: rec.Offset, Err: ErrMissingField}
		}
		if err := d.writeValue(&b, v); err != nil {
			return "", &SchemaError{Field: name, Topic: rec.Topic, Offset: rec.Offset, Err: err}
		}
	}
	return b.String(), nil
}

func (d *Delimited) writeValue(b *strings.Builder, v any) error {
	switch t := v.(type) {
	case nil:
		b.WriteString(NullMarker)
	case string:
		b.WriteString(EscapeString(t))
	case time.Time:
		b.WriteString(t.UTC().Format(d.timeLayout))
	case []byte:
		b.WriteString(base64.StdEncoding.EncodeToString(t))
	case bool:
		b.WriteString(strconv.FormatBool(t))
	case int64:
		b.WriteString(strconv.FormatInt(t, 10))
	case int32:
		b.WriteString(strconv.FormatInt(int64(t), 10))
	case int:
		b.WriteString(strconv.Itoa(t))
	case uint64:
		b.WriteString(strconv.FormatUint(t, 10))
	case float64:
		b.WriteString(strconv.FormatFloat(t, 'g', -1, 64))
	case float32:
		b.WriteString(strconv.FormatFloat(float64(t), 'g', -1, 32))
	case map[string]any, []any:
		js, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("encode nested value: %w", err)
		}
		b.WriteString(EscapeString(string(js)))
	default:
		b.WriteString(EscapeString(fmt.Sprint(t)))
	}
	return nil
}

func (d *Delimited) CopyOptions() string {
	return copyOptions
}

var escaper = strings.NewReplacer(
	Escape, Escape+Escape,
	Delimiter, Escape+Delimiter,
	Newline, Escape+Newline,
)

// EscapeString escapes the escape character, the delimiter and newlines.
// strings.Replacer works in a single pass, which is equivalent to replacing
// the escape character first, then the delimiter, then newlines.
func EscapeString(s string) string {
	return escaper.Replace(s)
}
