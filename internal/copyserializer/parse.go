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
	"bufio"
	"errors"
	"io"
	"strings"
)

// ErrDanglingEscape is returned for a row that ends in a lone escape character.
var ErrDanglingEscape = errors.New("row ends with a dangling escape character")

// ParseRow splits one row the way COPY ... ESCAPE DELIMITER '|' does.
// A field that is exactly the null marker is returned as nil.
func ParseRow(row string) ([]*string, error) {
	var (
		out     []*string
		cur     strings.Builder
		raw     strings.Builder
		escaped bool
	)

	emit := func() {
		if raw.String() == NullMarker {
			out = append(out, nil)
		} else {
			s := cur.String()
			out = append(out, &s)
		}
		cur.Reset()
		raw.Reset()
	}

	for i := 0; i < len(row); i++ {
		c := row[i]
		if escaped {
			cur.WriteByte(c)
			raw.WriteByte(c)
			escaped = false
			continue
		}
		switch c {
		case Escape[0]:
			escaped = true
			raw.WriteByte(c)
		case Delimiter[0]:
			emit()
		default:
			cur.WriteByte(c)
			raw.WriteByte(c)
		}
	}
	if escaped {
		return nil, ErrDanglingEscape
	}
	emit()
	return out, nil
}

// ReadRows reads a staging file and calls fn for each parsed row. Rows may
// contain escaped newlines, so a physical line ending in an odd number of
// escape characters continues onto the next line.
func ReadRows(r io.Reader, fn func(fields []*string) error) error {
	br := bufio.NewReader(r)
	var pending strings.Builder
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			pending.WriteString(line)
			if strings.HasSuffix(line, Newline) && !escapedNewline(pending.String()) {
				row := strings.TrimSuffix(pending.String(), Newline)
				pending.Reset()
				fields, perr := ParseRow(row)
				if perr != nil {
					return perr
				}
				if ferr := fn(fields); ferr != nil {
					return ferr
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	if pending.Len() > 0 {
		fields, err := ParseRow(pending.String())
		if err != nil {
			return err
		}
		return fn(fields)
	}
	return nil
}

// escapedNewline reports whether the trailing newline of s is escaped.
func escapedNewline(s string) bool {
	s = strings.TrimSuffix(s, Newline)
	n := 0
	for i := len(s) - 1; i >= 0 && s[i] == Escape[0]; i-- {
		n++
	}
	return n%2 == 1
}
