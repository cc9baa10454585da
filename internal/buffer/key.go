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

package buffer

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// keySeparator cannot appear in a Kafka topic name.
const keySeparator = "+"

// Key identifies one staging file: a topic partition, optionally narrowed
// to one destination table.
type Key struct {
	Topic     string
	Partition int32
	Table     string
}

// String returns the file-name-safe form of the key, topic+partition[+table].
func (k Key) String() string {
	s := k.Topic + keySeparator + strconv.FormatInt(int64(k.Partition), 10)
	if k.Table != "" {
		s += keySeparator + SafeTable(k.Table)
	}
	return s
}

// SafeTable maps a table name onto [A-Za-z0-9_.-]. If any character had to
// be replaced, a hash of the original name is appended so that distinct
// tables never share a file.
func SafeTable(table string) string {
	changed := false
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			return r
		default:
			changed = true
			return '_'
		}
	}, table)
	if !changed {
		return safe
	}
	return fmt.Sprintf("%s~%08x", safe, uint32(xxhash.Sum64String(table)))
}

// Compare orders keys by topic, partition, then table.
func Compare(a, b Key) int {
	if c := cmp.Compare(a.Topic, b.Topic); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Partition, b.Partition); c != 0 {
		return c
	}
	return cmp.Compare(a.Table, b.Table)
}
