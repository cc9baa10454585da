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

// Package idgen makes the ids used to tag workers, cycles, batches and
// manifest files. All string forms are safe inside file names.
package idgen

import (
	crand "crypto/rand"
	"encoding/base32"
)

var lowerBase32 = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// GenerateShortBase32ID returns 8 random base32 characters for batch log
// correlation and manifest file names. Not for security-sensitive use.
func GenerateShortBase32ID() string {
	var b [5]byte
	_, _ = crand.Read(b[:])
	return lowerBase32.EncodeToString(b[:])
}
