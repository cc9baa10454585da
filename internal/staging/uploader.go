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

// Package staging moves closed staging files into the object store.
package staging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/cardinalhq/stageloader/internal/buffer"
	"github.com/cardinalhq/stageloader/internal/cloudstorage"
	"github.com/cardinalhq/stageloader/internal/logctx"
)

// Buffers is the part of buffer.Manager the uploader drives.
type Buffers interface {
	Reopen(key buffer.Key) error
	Release(key buffer.Key) error
}

// UploadedObject is a staging file that reached the object store.
type UploadedObject struct {
	Key       buffer.Key
	ObjectKey string
	URL       string
	Rows      int64
}

// UploadError reports a failed upload. The staging file was kept and
// reopened, so the rows ride along with the next checkpoint.
type UploadError struct {
	Key buffer.Key
	Err error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload of %s failed: %v", e.Key, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// Uploader writes files to one bucket.
type Uploader struct {
	client  cloudstorage.Client
	bucket  string
	buffers Buffers
	now     func() time.Time
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithClock replaces time.Now for remote key dates.
func WithClock(now func() time.Time) Option {
	return func(u *Uploader) {
		u.now = now
	}
}

func NewUploader(client cloudstorage.Client, bucket string, buffers Buffers, opts ...Option) *Uploader {
	u := &Uploader{
		client:  client,
		bucket:  bucket,
		buffers: buffers,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Now returns the uploader's clock reading in UTC.
func (u *Uploader) Now() time.Time {
	return u.now().UTC()
}

// DatePrefix returns <stream>/<yyyy>/<mm>/<dd> for the UTC date of now.
func DatePrefix(stream string, now time.Time) string {
	now = now.UTC()
	return fmt.Sprintf("%s/%04d/%02d/%02d", stream, now.Year(), int(now.Month()), now.Day())
}

// ObjectKey returns the remote key for a staging file:
// <topic>/<yyyy>/<mm>/<dd>/[<table>/]<key>+<firstOffset>.dsv.
func ObjectKey(now time.Time, key buffer.Key, firstOffset int64) string {
	prefix := DatePrefix(key.Topic, now) + "/"
	if key.Table != "" {
		prefix += buffer.SafeTable(key.Table) + "/"
	}
	return prefix + key.String() + "+" + strconv.FormatInt(firstOffset, 10) + buffer.FileExtension
}

// UploadFile copies a local file to remoteKey and returns its URL.
func (u *Uploader) UploadFile(ctx context.Context, localPath, remoteKey string) (string, error) {
	if err := u.client.UploadObject(ctx, u.bucket, remoteKey, localPath); err != nil {
		return "", err
	}
	return u.client.URL(u.bucket, remoteKey), nil
}

// Upload sends a closed staging file to the object store. A missing or
// empty file is released and yields a nil object. On failure the file is
// reopened for append and an *UploadError is returned; any other error
// means the buffer is in an unknown state.
func (u *Uploader) Upload(ctx context.Context, staged buffer.Staged) (*UploadedObject, error) {
	logger := logctx.FromContext(ctx).With(slog.String("bufferKey", staged.Key.String()))

	fi, err := os.Stat(staged.Path)
	if err != nil && !os.IsNotExist(err) {
		return nil, u.fail(ctx, staged.Key, fmt.Errorf("stat %s: %w", staged.Path, err))
	}
	if err != nil || fi.Size() == 0 {
		logger.Debug("Skipping empty staging file", slog.String("path", staged.Path))
		if err := u.buffers.Release(staged.Key); err != nil {
			logger.Warn("Failed to remove empty staging file", slog.Any("error", err))
		}
		return nil, nil
	}

	remoteKey := ObjectKey(u.Now(), staged.Key, staged.FirstOffset)
	url, err := u.UploadFile(ctx, staged.Path, remoteKey)
	if err != nil {
		return nil, u.fail(ctx, staged.Key, err)
	}

	if err := u.buffers.Release(staged.Key); err != nil {
		logger.Warn("Uploaded staging file could not be removed", slog.Any("error", err))
	}
	logger.Info("Uploaded staging file",
		slog.String("url", url),
		slog.Int64("rows", staged.Rows),
		slog.Int64("size", fi.Size()))

	return &UploadedObject{
		Key:       staged.Key,
		ObjectKey: remoteKey,
		URL:       url,
		Rows:      staged.Rows,
	}, nil
}

func (u *Uploader) fail(ctx context.Context, key buffer.Key, cause error) error {
	logctx.FromContext(ctx).Error("Staging file upload failed, keeping it for the next checkpoint",
		slog.String("bufferKey", key.String()),
		slog.Any("error", cause))
	if err := u.buffers.Reopen(key); err != nil {
		return fmt.Errorf("reopen %s after failed upload (%v): %w", key, cause, err)
	}
	return &UploadError{Key: key, Err: cause}
}
