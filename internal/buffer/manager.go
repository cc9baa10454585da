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

// Package buffer owns the local staging files, one per Key.
package buffer

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/hashicorp/go-multierror"
)

// FileExtension is the suffix of every staging file.
const FileExtension = ".dsv"

var (
	// ErrBufferClosed is returned when appending to a key that has been
	// closed and not reopened.
	ErrBufferClosed = errors.New("staging buffer is closed")
	// ErrUnknownKey is returned for operations on a key with no staging file.
	ErrUnknownKey = errors.New("no staging buffer for key")
)

// State is the lifecycle position of one key.
type State int

const (
	StateEmpty State = iota
	StateBuffering
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateBuffering:
		return "buffering"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Staged describes a closed staging file ready for upload.
type Staged struct {
	Key         Key
	Path        string
	FirstOffset int64
	Rows        int64
}

type stagingFile struct {
	path        string
	file        *os.File
	w           *bufio.Writer
	firstOffset int64
	rows        int64
	state       State

	// size and flushedRows describe what the last successful flush left on
	// disk. A failed write or flush truncates the file back to size.
	size        int64
	flushedRows int64
	unflushed   int64
}

// Manager keeps exactly one open writer per key. It is not safe for
// concurrent use; a single worker drives it.
type Manager struct {
	dir     string
	files   map[Key]*stagingFile
	pending mapset.Set[Key]
	logger  *slog.Logger
}

// NewManager returns a manager that stages files under dir. The directory
// is created on first append.
func NewManager(dir string) *Manager {
	return &Manager{
		dir:     dir,
		files:   make(map[Key]*stagingFile),
		pending: mapset.NewThreadUnsafeSet[Key](),
		logger:  slog.Default().With(slog.String("component", "buffer_manager")),
	}
}

// Dir returns the staging directory.
func (m *Manager) Dir() string {
	return m.dir
}

// PathFor returns the staging file path for key.
func (m *Manager) PathFor(key Key) string {
	return filepath.Join(m.dir, key.String()+FileExtension)
}

// Append writes row and a newline to the staging file for key, creating
// the file on first use. Rows are buffered until the next Flush or Close.
// On a write error everything appended since the last flush is dropped
// and the writer is replaced, so the next Append starts clean.
func (m *Manager) Append(key Key, row string, offset int64) error {
	sf, ok := m.files[key]
	if !ok {
		var err error
		sf, err = m.create(key, offset)
		if err != nil {
			return err
		}
		m.files[key] = sf
	}
	if sf.state != StateBuffering {
		return fmt.Errorf("%w: %s", ErrBufferClosed, key)
	}
	if sf.w == nil {
		if err := m.restore(sf); err != nil {
			return err
		}
	}

	_, err := sf.w.WriteString(row)
	if err == nil {
		err = sf.w.WriteByte('\n')
	}
	if err != nil {
		return errors.Join(fmt.Errorf("append to %s: %w", sf.path, err), m.rollback(key, sf))
	}
	sf.rows++
	sf.unflushed += int64(len(row)) + 1
	return nil
}

func (m *Manager) create(key Key, offset int64) (*stagingFile, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir %s: %w", m.dir, err)
	}
	path := m.PathFor(key)
	// Anything left at this path by an earlier process belongs to offsets
	// that were never committed, and will be delivered again.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create staging file %s: %w", path, err)
	}
	m.logger.Debug("Created staging file", slog.String("key", key.String()), slog.String("path", path))
	return &stagingFile{
		path:        path,
		file:        f,
		w:           bufio.NewWriter(f),
		firstOffset: offset,
		state:       StateBuffering,
	}, nil
}

// restore opens a fresh append-mode writer, cutting the file back to the
// last flushed size first.
func (m *Manager) restore(sf *stagingFile) error {
	f, err := os.OpenFile(sf.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopen staging file %s: %w", sf.path, err)
	}
	if err := f.Truncate(sf.size); err != nil {
		_ = f.Close()
		return fmt.Errorf("truncate staging file %s: %w", sf.path, err)
	}
	sf.file = f
	sf.w = bufio.NewWriter(f)
	return nil
}

// rollback drops unflushed rows and the writer holding them. If a new
// writer cannot be opened now, the next Append tries again.
func (m *Manager) rollback(key Key, sf *stagingFile) error {
	if sf.file != nil {
		_ = sf.file.Close()
	}
	if sf.unflushed > 0 {
		m.logger.Warn("Dropping unflushed staging rows",
			slog.String("key", key.String()),
			slog.Int64("rows", sf.rows-sf.flushedRows))
	}
	sf.file = nil
	sf.w = nil
	sf.rows = sf.flushedRows
	sf.unflushed = 0
	return m.restore(sf)
}

func (m *Manager) flush(key Key, sf *stagingFile) error {
	if sf.w == nil {
		return m.restore(sf)
	}
	if err := sf.w.Flush(); err != nil {
		return errors.Join(fmt.Errorf("flush %s: %w", sf.path, err), m.rollback(key, sf))
	}
	sf.size += sf.unflushed
	sf.unflushed = 0
	sf.flushedRows = sf.rows
	return nil
}

// Flush writes the buffered rows of every open key to disk. A key whose
// flush fails loses only the rows appended since its previous flush.
func (m *Manager) Flush() error {
	var result *multierror.Error
	for _, key := range m.Keys() {
		sf := m.files[key]
		if sf.state != StateBuffering {
			continue
		}
		if err := m.flush(key, sf); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Rollback drops the rows appended since the last flush on every open key.
func (m *Manager) Rollback() error {
	var result *multierror.Error
	for _, key := range m.Keys() {
		sf := m.files[key]
		if sf.state != StateBuffering || (sf.unflushed == 0 && sf.w != nil) {
			continue
		}
		if err := m.rollback(key, sf); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Close flushes and closes the writer for key. The file stays on disk and
// the key moves to the closed, pending-upload set. If Close fails the key
// stays open, holding the rows of its last successful flush.
func (m *Manager) Close(key Key) (Staged, error) {
	sf, ok := m.files[key]
	if !ok {
		return Staged{}, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	if sf.state == StateClosed {
		return m.staged(key, sf), nil
	}

	if err := m.flush(key, sf); err != nil {
		return Staged{}, err
	}
	if err := sf.file.Close(); err != nil {
		sf.file = nil
		sf.w = nil
		return Staged{}, fmt.Errorf("close %s: %w", sf.path, err)
	}
	sf.file = nil
	sf.w = nil
	sf.state = StateClosed
	m.pending.Add(key)
	return m.staged(key, sf), nil
}

func (m *Manager) staged(key Key, sf *stagingFile) Staged {
	return Staged{Key: key, Path: sf.path, FirstOffset: sf.firstOffset, Rows: sf.rows}
}

// Reopen opens a closed key's file again in append mode, so new rows
// accumulate after the ones already staged.
func (m *Manager) Reopen(key Key) error {
	sf, ok := m.files[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	if sf.state == StateBuffering {
		return nil
	}
	if err := m.restore(sf); err != nil {
		return err
	}
	sf.state = StateBuffering
	m.pending.Remove(key)
	return nil
}

// Release deletes a closed key's file and forgets the key. It is called
// once the file's contents are safely stored elsewhere.
func (m *Manager) Release(key Key) error {
	sf, ok := m.files[key]
	if !ok {
		return nil
	}
	if sf.state != StateClosed {
		return fmt.Errorf("release %s: buffer is still open", key)
	}
	delete(m.files, key)
	m.pending.Remove(key)
	// The key is forgotten even if the file lingers; the next create truncates it.
	if err := os.Remove(sf.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove staging file %s: %w", sf.path, err)
	}
	return nil
}

// Discard closes the writer for key, if open, and deletes its file.
func (m *Manager) Discard(key Key) error {
	sf, ok := m.files[key]
	if !ok {
		return nil
	}
	var result *multierror.Error
	if sf.state == StateBuffering && sf.file != nil {
		if err := sf.file.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", sf.path, err))
		}
	}
	if err := os.Remove(sf.path); err != nil && !os.IsNotExist(err) {
		result = multierror.Append(result, fmt.Errorf("remove %s: %w", sf.path, err))
	}
	delete(m.files, key)
	m.pending.Remove(key)
	return result.ErrorOrNil()
}

// State reports where key is in its lifecycle.
func (m *Manager) State(key Key) State {
	sf, ok := m.files[key]
	if !ok {
		return StateEmpty
	}
	return sf.state
}

// Pending returns the keys that are closed and awaiting upload.
func (m *Manager) Pending() []Key {
	keys := m.pending.ToSlice()
	slices.SortFunc(keys, Compare)
	return keys
}

// Keys returns every key that has a staging file, in Compare order.
func (m *Manager) Keys() []Key {
	keys := make([]Key, 0, len(m.files))
	for k := range m.files {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, Compare)
	return keys
}

// CloseAll flushes and closes every open writer. Files stay on disk.
func (m *Manager) CloseAll() error {
	var result *multierror.Error
	for _, key := range m.Keys() {
		if m.files[key].state != StateBuffering {
			continue
		}
		if _, err := m.Close(key); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
