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

package idgen

import (
	crand "crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// CycleIDs hands out monotonic ULIDs, lower-cased, one per checkpoint
// cycle. Ids made within the same millisecond still sort in call order.
type CycleIDs struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func NewCycleIDs() *CycleIDs {
	return &CycleIDs{entropy: ulid.Monotonic(crand.Reader, 0)}
}

// Next returns an id stamped with t.
func (g *CycleIDs) Next(t time.Time) string {
	g.mu.Lock()
	id := ulid.MustNew(ulid.Timestamp(t), g.entropy)
	g.mu.Unlock()
	return strings.ToLower(id.String())
}

// CycleTime recovers the timestamp of an id made by CycleIDs.
func CycleTime(id string) (time.Time, error) {
	u, err := ulid.ParseStrict(strings.ToUpper(id))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cycle id %q: %w", id, err)
	}
	return ulid.Time(u.Time()), nil
}
