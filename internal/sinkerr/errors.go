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

// Package sinkerr holds the error taxonomy reported back to the host:
// retriable errors ask for the same batch again, everything else stops
// the worker.
package sinkerr

import (
	"errors"
	"fmt"
)

// RetriableError asks the host to redeliver the batch that caused it.
type RetriableError struct {
	Op  string
	Err error
}

func (e *RetriableError) Error() string {
	return fmt.Sprintf("retriable %s failure: %v", e.Op, e.Err)
}

func (e *RetriableError) Unwrap() error { return e.Err }

// Retriable wraps err as a RetriableError.
func Retriable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &RetriableError{Op: op, Err: err}
}

// CopyFailedError reports that a cycle could not get its data into the
// warehouse. Objects already uploaded for the cycle stay in the bucket.
type CopyFailedError struct {
	Stage       string // "manifest" or "load"
	Table       string
	ManifestURL string
	Err         error
}

func (e *CopyFailedError) Error() string {
	if e.ManifestURL != "" {
		return fmt.Sprintf("copy failed at %s for table %s (manifest %s): %v", e.Stage, e.Table, e.ManifestURL, e.Err)
	}
	return fmt.Sprintf("copy failed at %s for table %s: %v", e.Stage, e.Table, e.Err)
}

func (e *CopyFailedError) Unwrap() error { return e.Err }

// IsRetriable reports whether err, or anything it wraps, is retriable.
func IsRetriable(err error) bool {
	var re *RetriableError
	return errors.As(err, &re)
}

// IsFatal reports whether err should stop the worker.
func IsFatal(err error) bool {
	return err != nil && !IsRetriable(err)
}
