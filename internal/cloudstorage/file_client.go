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

package cloudstorage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// fileClient stores objects under a local directory, one subdirectory per
// bucket. It stands in for S3 in development and tests.
type fileClient struct {
	base string
}

// NewFileClient returns a client rooted at base.
func NewFileClient(base string) Client {
	return &fileClient{base: base}
}

func (c *fileClient) path(bucket, key string) (string, error) {
	rel := filepath.Join(bucket, filepath.FromSlash(key))
	if bucket == "" || key == "" || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("invalid object location %q/%q", bucket, key)
	}
	return filepath.Join(c.base, rel), nil
}

func (c *fileClient) DownloadObject(ctx context.Context, tmpdir, bucket, key string) (string, int64, bool, error) {
	src, err := c.path(bucket, key)
	if err != nil {
		return "", 0, false, err
	}
	in, err := os.Open(src)
	if os.IsNotExist(err) {
		return "", 0, true, nil
	}
	if err != nil {
		return "", 0, false, fmt.Errorf("open %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.CreateTemp(tmpdir, "*-"+filepath.Base(key))
	if err != nil {
		return "", 0, false, fmt.Errorf("create temp file: %w", err)
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(out.Name())
		return "", 0, false, fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Name(), n, false, nil
}

// UploadObject writes to a sibling temp file and renames it into place, so
// readers never observe a partial object.
func (c *fileClient) UploadObject(ctx context.Context, bucket, key, sourceFilename string) error {
	dst, err := c.path(bucket, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create bucket dir: %w", err)
	}
	in, err := os.Open(sourceFilename)
	if err != nil {
		return fmt.Errorf("open %s: %w", sourceFilename, err)
	}
	defer func() { _ = in.Close() }()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp object: %w", err)
	}
	_, err = io.Copy(tmp, in)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), dst)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("store %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (c *fileClient) DeleteObject(ctx context.Context, bucket, key string) error {
	path, err := c.path(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// URL returns an s3-style address so manifests and COPY statements look
// the same regardless of provider.
func (c *fileClient) URL(bucket, key string) string {
	return "s3://" + bucket + "/" + key
}
