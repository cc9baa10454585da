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

package copyserializer

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/stageloader/internal/record"
)

func makeRecord(values map[string]any, names ...string) record.Record {
	fields := make([]record.Field, len(names))
	for i, n := range names {
		fields[i] = record.Field{Name: n}
	}
	return record.Record{
		Topic:  "events",
		Schema: &record.Schema{Fields: fields},
		Values: values,
	}
}

func TestSerializeScenario(t *testing.T) {
	s := NewDelimited([]string{"id", "name", "ts"})
	ts := time.Date(2024, 3, 9, 14, 5, 6, 123456789, time.UTC)

	row, err := s.SerializeRecord(makeRecord(map[string]any{
		"id":   int64(1),
		"name": "alice",
		"ts":   ts,
	}, "id", "name", "ts"))
	require.NoError(t, err)
	assert.Equal(t, "1|alice|2024-03-09 14:05:06.123456", row)
}

func TestSerializeConvertsTimeToUTC(t *testing.T) {
	s := NewDelimited([]string{"ts"})
	loc := time.FixedZone("plus2", 2*3600)
	ts := time.Date(2024, 3, 9, 2, 0, 0, 0, loc)

	row, err := s.SerializeRecord(makeRecord(map[string]any{"ts": ts}, "ts"))
	require.NoError(t, err)
	assert.Equal(t, "2024-03-09 00:00:00.000000", row)
}

func TestSerializeEscaping(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello", "hello"},
		{"pipe", "a|b", `a\|b`},
		{"backslash", `a\b`, `a\\b`},
		{"newline", "a\nb", "a\\\nb"},
		{"pipe and backslash", `x|y\z`, `x\|y\\z`},
		{"escaped pipe literal", `\|`, `\\\|`},
		{"empty", "", ""},
		{"null marker literal", `\N`, `\\N`},
	}

	s := NewDelimited([]string{"v"})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row, err := s.SerializeRecord(makeRecord(map[string]any{"v": tt.in}, "v"))
			require.NoError(t, err)
			assert.Equal(t, tt.want, row)
		})
	}
}

func TestSerializeNull(t *testing.T) {
	s := NewDelimited([]string{"a", "b", "c"})
	row, err := s.SerializeRecord(makeRecord(map[string]any{"a": nil, "b": "", "c": int64(3)}, "a", "b", "c"))
	require.NoError(t, err)
	assert.Equal(t, `\N||3`, row)

	fields, err := ParseRow(row)
	require.NoError(t, err)
	require.Len(t, fields, 3)
	assert.Nil(t, fields[0])
	require.NotNil(t, fields[1])
	assert.Equal(t, "", *fields[1])
	assert.Equal(t, "3", *fields[2])
}

func TestSerializeRoundTrip(t *testing.T) {
	values := []string{
		"simple",
		"pipe|inside",
		`back\slash`,
		"multi\nline\ntext",
		`\N`,
		`\\N`,
		`trailing\`,
		`|||`,
		"mixed | \\ \n end",
		"",
		"unicode ✓ ünïcödé",
	}

	s := NewDelimited([]string{"a", "b"})
	for _, v := range values {
		row, err := s.SerializeRecord(makeRecord(map[string]any{"a": v, "b": "tail"}, "a", "b"))
		require.NoError(t, err)

		fields, err := ParseRow(row)
		require.NoError(t, err, "row %q", row)
		require.Len(t, fields, 2, "row %q", row)
		require.NotNil(t, fields[0], "value %q parsed as null", v)
		assert.Equal(t, v, *fields[0])
		assert.Equal(t, "tail", *fields[1])
	}
}

func TestSerializeScalars(t *testing.T) {
	s := NewDelimited([]string{"i", "f", "b", "bytes", "nested", "f32"})
	row, err := s.SerializeRecord(makeRecord(map[string]any{
		"i":      int64(-12),
		"f":      2.5,
		"b":      false,
		"bytes":  []byte("hi"),
		"nested": map[string]any{"k": "a|b"},
		"f32":    float32(0.25),
	}, "i", "f", "b", "bytes", "nested", "f32"))
	require.NoError(t, err)
	assert.Equal(t, `-12|2.5|false|aGk=|{"k":"a\|b"}|0.25`, row)
}

func TestAllFieldsResolvedOnce(t *testing.T) {
	s := NewDelimited([]string{AllFields})
	assert.Nil(t, s.Fields())

	first := makeRecord(map[string]any{"x": int64(1), "y": "a"}, "x", "y")
	row, err := s.SerializeRecord(first)
	require.NoError(t, err)
	assert.Equal(t, "1|a", row)
	assert.Equal(t, []string{"x", "y"}, s.Fields())

	// A later record with extra fields keeps the first projection.
	wider := makeRecord(map[string]any{"x": int64(2), "y": "b", "z": "ignored"}, "x", "y", "z")
	row, err = s.SerializeRecord(wider)
	require.NoError(t, err)
	assert.Equal(t, "2|b", row)
	assert.Equal(t, []string{"x", "y"}, s.Fields())
}

func TestAllFieldsWaitsForASchema(t *testing.T) {
	s := NewDelimited([]string{AllFields})

	_, err := s.SerializeRecord(record.Record{Topic: "events", Offset: 3, Values: map[string]any{"x": int64(1)}})
	var schemaErr *SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.ErrorIs(t, err, ErrNoSchema)
	assert.Equal(t, int64(3), schemaErr.Offset)
	assert.Nil(t, s.Fields(), "a schemaless record does not fix the projection")

	row, err := s.SerializeRecord(makeRecord(map[string]any{"x": int64(1), "y": "a"}, "x", "y"))
	require.NoError(t, err)
	assert.Equal(t, "1|a", row)
	assert.Equal(t, []string{"x", "y"}, s.Fields())
}

func TestMissingFieldIsSchemaError(t *testing.T) {
	s := NewDelimited(nil)
	_, err := s.SerializeRecord(makeRecord(map[string]any{"x": int64(1), "y": "a"}, "x", "y"))
	require.NoError(t, err)

	_, err = s.SerializeRecord(makeRecord(map[string]any{"x": int64(1)}, "x"))
	require.Error(t, err)
	var schemaErr *SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.Equal(t, "y", schemaErr.Field)
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestFieldCountMatchesProjection(t *testing.T) {
	s := NewDelimited([]string{"a", "b", "c", "d"})
	row, err := s.SerializeRecord(makeRecord(map[string]any{
		"a": "x|y", "b": nil, "c": "q\nr", "d": `s\`,
	}, "a", "b", "c", "d"))
	require.NoError(t, err)

	fields, err := ParseRow(row)
	require.NoError(t, err)
	assert.Len(t, fields, 4)
}

func TestCopyOptions(t *testing.T) {
	assert.Equal(t, "ESCAPE DELIMITER '|'", NewDelimited(nil).CopyOptions())
}

func TestWithTimeLayout(t *testing.T) {
	s := NewDelimited([]string{"ts"}, WithTimeLayout(time.RFC3339))
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	row, err := s.SerializeRecord(makeRecord(map[string]any{"ts": ts}, "ts"))
	require.NoError(t, err)
	assert.Equal(t, "2024-01-02T03:04:05Z", row)
}

func TestReadRows(t *testing.T) {
	s := NewDelimited([]string{"a", "b"})
	var file strings.Builder
	inputs := [][2]any{
		{"one", int64(1)},
		{"two\nlines", nil},
		{`ends with \`, int64(3)},
	}
	for _, in := range inputs {
		row, err := s.SerializeRecord(makeRecord(map[string]any{"a": in[0], "b": in[1]}, "a", "b"))
		require.NoError(t, err)
		file.WriteString(row + "\n")
	}

	var got [][]*string
	err := ReadRows(strings.NewReader(file.String()), func(fields []*string) error {
		got = append(got, fields)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "one", *got[0][0])
	assert.Equal(t, "two\nlines", *got[1][0])
	assert.Nil(t, got[1][1])
	assert.Equal(t, `ends with \`, *got[2][0])
	assert.Equal(t, "3", *got[2][1])
}

func TestParseRowDanglingEscape(t *testing.T) {
	_, err := ParseRow(`abc\`)
	assert.ErrorIs(t, err, ErrDanglingEscape)
}
