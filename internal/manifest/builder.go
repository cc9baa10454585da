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

// Package manifest writes the warehouse load manifest for one cycle.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cardinalhq/stageloader/internal/idgen"
	"github.com/cardinalhq/stageloader/internal/logctx"
	"github.com/cardinalhq/stageloader/internal/sinkerr"
	"github.com/cardinalhq/stageloader/internal/staging"
)

// ErrNoEntries is returned when asked to build a manifest with no files.
var ErrNoEntries = errors.New("manifest needs at least one url")

// Entry is one file the load must read.
type Entry struct {
	URL       string `json:"url"`
	Mandatory bool   `json:"mandatory"`
}

// Document is the manifest file body.
type Document struct {
	Entries []Entry `json:"entries"`
}

// NewDocument lists urls in order, all mandatory.
func NewDocument(urls []string) Document {
	doc := Document{Entries: make([]Entry, 0, len(urls))}
	for _, u := range urls {
		doc.Entries = append(doc.Entries, Entry{URL: u, Mandatory: true})
	}
	return doc
}

// FileUploader is the part of staging.Uploader the builder needs.
type FileUploader interface {
	UploadFile(ctx context.Context, localPath, remoteKey string) (string, error)
	Now() time.Time
}

var _ FileUploader = (*staging.Uploader)(nil)

type Builder struct {
	uploader FileUploader
	dir      string
	stream   string
	suffix   func() string
}

// NewBuilder writes manifests under dir and uploads them below
// <stream>/manifests/.
func NewBuilder(uploader FileUploader, dir, stream string) *Builder {
	return &Builder{
		uploader: uploader,
		dir:      dir,
		stream:   stream,
		suffix:   idgen.GenerateShortBase32ID,
	}
}

// FileName returns manifest_<unixMillis>_<suffix>.json.
func FileName(now time.Time, suffix string) string {
	return fmt.Sprintf("manifest_%d_%s.json", now.UnixMilli(), suffix)
}

// Build writes a manifest naming urls, uploads it and returns its URL.
// The local copy is removed whether or not the upload worked.
func (b *Builder) Build(ctx context.Context, table string, urls []string) (string, error) {
	if len(urls) == 0 {
		return "", ErrNoEntries
	}
	now := b.uploader.Now()
	name := FileName(now, b.suffix())
	localPath := filepath.Join(b.dir, name)
	remoteKey := staging.DatePrefix(b.stream+"/manifests", now) + "/" + name

	fail := func(err error) error {
		return &sinkerr.CopyFailedError{Stage: "manifest", Table: table, Err: fmt.Errorf("failed to write manifest: %w", err)}
	}

	data, err := json.Marshal(NewDocument(urls))
	if err != nil {
		return "", fail(err)
	}
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return "", fail(err)
	}
	if err := os.WriteFile(localPath, data, 0o644); err != nil {
		_ = os.Remove(localPath)
		return "", fail(err)
	}
	defer func() {
		if err := os.Remove(localPath); err != nil && !os.IsNotExist(err) {
			logctx.FromContext(ctx).Warn("Failed to remove local manifest", slog.String("path", localPath), slog.Any("error", err))
		}
	}()

	url, err := b.uploader.UploadFile(ctx, localPath, remoteKey)
	if err != nil {
		return "", fail(err)
	}
	logctx.FromContext(ctx).Info("Uploaded manifest",
		slog.String("table", table),
		slog.String("url", url),
		slog.Int("entries", len(urls)))
	return url, nil
}
