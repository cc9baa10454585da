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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCycleIDsSortInCallOrder(t *testing.T) {
	gen := NewCycleIDs()
	now := time.Now()

	prev := gen.Next(now)
	for i := 0; i < 100; i++ {
		next := gen.Next(now)
		assert.Greater(t, next, prev)
		prev = next
	}
	assert.Regexp(t, `^[0-9a-z]{26}$`, prev)

	ts, err := CycleTime(prev)
	require.NoError(t, err)
	assert.Equal(t, now.UnixMilli(), ts.UnixMilli())
}

func TestCycleTimeRejectsGarbage(t *testing.T) {
	_, err := CycleTime("not-a-cycle")
	assert.Error(t, err)
}
