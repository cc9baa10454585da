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
	"encoding/binary"
	"errors"
	"time"

	"github.com/sony/sonyflake"
)

// flakeEpoch is the zero point of the time bits in every flake id.
var flakeEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// DefaultFlakeGenerator supplies the process instance id.
var DefaultFlakeGenerator *FlakeGenerator

func init() {
	var err error
	DefaultFlakeGenerator, err = NewFlakeGenerator()
	if err != nil {
		panic(err)
	}
}

// FlakeGenerator hands out positive, roughly time-ordered int64 ids.
type FlakeGenerator struct {
	sf *sonyflake.Sonyflake
}

func NewFlakeGenerator() (*FlakeGenerator, error) {
	return newFlakeGenerator(nil)
}

// newFlakeGenerator uses machineID, or sonyflake's private IPv4 default
// when nil. Hosts where that fails get a random machine id instead.
func newFlakeGenerator(machineID func() (uint16, error)) (*FlakeGenerator, error) {
	sf, err := sonyflake.New(sonyflake.Settings{StartTime: flakeEpoch, MachineID: machineID})
	if err != nil {
		sf, err = sonyflake.New(sonyflake.Settings{StartTime: flakeEpoch, MachineID: randomMachineID})
	}
	if err != nil {
		return nil, err
	}
	if sf == nil {
		return nil, errors.New("failed to create Sonyflake instance")
	}
	return &FlakeGenerator{sf: sf}, nil
}

func randomMachineID() (uint16, error) {
	var b [2]byte
	if _, err := crand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

// NextID returns the next id. If the generator is exhausted the id is
// random instead, still positive but no longer ordered.
func (g *FlakeGenerator) NextID() int64 {
	v, err := g.sf.NextID()
	if err != nil {
		var b [8]byte
		_, _ = crand.Read(b[:])
		return int64(binary.BigEndian.Uint64(b[:]) >> 1)
	}
	return int64(v)
}

// FlakeBase32 renders id as 13 characters of lower-case unpadded base32.
func FlakeBase32(id int64) string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	return lowerBase32.EncodeToString(b[:])
}
