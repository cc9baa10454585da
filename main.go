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

package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	gomaxecs "github.com/rdforte/gomaxecs/maxprocs"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/cardinalhq/stageloader/cmd"
)

const (
	defaultGCPercent   = 75
	defaultMemoryRatio = 0.8
)

func stderrf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}

// tuneRuntime sizes GOMAXPROCS and GOMEMLIMIT to the container the loader
// runs in. Staging files stream to disk, so the heap stays small and a
// tighter GC target costs little.
func tuneRuntime() {
	var err error
	if gomaxecs.IsECS() {
		_, err = gomaxecs.Set(gomaxecs.WithLogger(stderrf))
	} else {
		_, err = maxprocs.Set(maxprocs.Logger(stderrf))
	}
	if err != nil {
		stderrf("gomaxprocs left at default: %v", err)
	}

	ratio := defaultMemoryRatio
	if v := os.Getenv("STAGELOADER_MEMLIMIT_RATIO"); v != "" {
		if r, perr := strconv.ParseFloat(v, 64); perr == nil && r > 0 && r <= 1 {
			ratio = r
		} else {
			stderrf("ignoring STAGELOADER_MEMLIMIT_RATIO=%q", v)
		}
	}
	if _, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(ratio),
		memlimit.WithLogger(slog.Default()),
		memlimit.WithProvider(memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem)),
	); err != nil {
		stderrf("gomemlimit left unset: %v", err)
	}

	if os.Getenv("GOGC") == "" {
		debug.SetGCPercent(defaultGCPercent)
	}
}

func main() {
	time.Local = time.UTC
	tuneRuntime()
	cmd.Execute()
}
