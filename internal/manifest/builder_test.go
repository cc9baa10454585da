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

package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/stageloader/internal/buffer"
	"github.com/cardinalhq/stageloader/internal/cloudstorage"
	"github.com/cardinalhq/stageloader/internal/sinkerr"
	"github.com/cardinalhq/stageloader/internal/staging"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestBuildUploadsManifest(t *testing.T) {
	store := t.TempDir()
	dir := t.TempDir()
	u := staging.NewUploader(cloudstorage.NewFileClient(store), "bucket", buffer.NewManager(dir),
		staging.WithClock(func() time.Time { return fixedNow }))
	b := NewBuilder(u, dir, "events")
	b.suffix = func() string { return "abcd1234" }

	urls := []string{"s3://bucket/a.dsv", "s3://bucket/b.dsv"}
	url, err := b.Build(context.Background(), "orders", urls)
	require.NoError(t, err)

	name := FileName(fixedNow, "abcd1234")
	assert.Equal(t, "manifest_1714564800000_abcd1234.json", name)
	assert.Equal(t, "s3://bucket/events/manifests/2024/05/01/"+name, url)

	data, err := os.ReadFile(filepath.Join(store, "bucket", "events", "manifests", "2024", "05", "01", name))
	require.NoError(t, err)
	assert.JSONEq(t, `{"entries":[{"url":"s3://bucket/a.dsv","mandatory":true},{"url":"s3://bucket/b.dsv","mandatory":true}]}`, string(data))

	var doc Document
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, urls[0], doc.Entries[0].URL)

	_, err = os.Stat(filepath.Join(dir, name))
	assert.True(t, os.IsNotExist(err), "local manifest is removed after upload")
}

func TestBuildNamesAreUnique(t *testing.T) {
	dir := t.TempDir()
	u := staging.NewUploader(cloudstorage.NewFileClient(t.TempDir()), "bucket", buffer.NewManager(dir),
		staging.WithClock(func() time.Time { return fixedNow }))
	b := NewBuilder(u, dir, "events")

	first, err := b.Build(context.Background(), "t", []string{"s3://bucket/a.dsv"})
	require.NoError(t, err)
	second, err := b.Build(context.Background(), "t", []string{"s3://bucket/a.dsv"})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

type failingUploader struct{}

func (failingUploader) UploadFile(context.Context, string, string) (string, error) {
	return "", errors.New("access denied")
}

func (failingUploader) Now() time.Time { return fixedNow }

func TestBuildUploadFailure(t *testing.T) {
	dir := t.TempDir()
	b := NewBuilder(failingUploader{}, dir, "events")

	_, err := b.Build(context.Background(), "orders", []string{"s3://bucket/a.dsv"})
	var cf *sinkerr.CopyFailedError
	require.ErrorAs(t, err, &cf)
	assert.Equal(t, "manifest", cf.Stage)
	assert.Equal(t, "orders", cf.Table)
	assert.Contains(t, err.Error(), "failed to write manifest")
	assert.True(t, sinkerr.IsFatal(err))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no manifest may be left behind")
}

func TestBuildRequiresEntries(t *testing.T) {
	b := NewBuilder(failingUploader{}, t.TempDir(), "events")
	_, err := b.Build(context.Background(), "orders", nil)
	assert.ErrorIs(t, err, ErrNoEntries)
}
