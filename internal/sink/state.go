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

package sink

// CycleState is the coordinator's position in a checkpoint cycle.
type CycleState int32

const (
	StateIdle CycleState = iota
	StateCollecting
	StateFlushing
	StateManifesting
	StateLoading
)

func (s CycleState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCollecting:
		return "collecting"
	case StateFlushing:
		return "flushing"
	case StateManifesting:
		return "manifesting"
	case StateLoading:
		return "loading"
	default:
		return "unknown"
	}
}
