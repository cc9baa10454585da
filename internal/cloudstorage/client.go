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
	"strings"

	"github.com/cardinalhq/stageloader/internal/awsclient"
)

// Client provides a unified interface for object store operations across providers.
type Client interface {
	// DownloadObject downloads an object to a temp file under tmpdir.
	// Returns the temp filename, size, whether the object was not found, and error.
	DownloadObject(ctx context.Context, tmpdir, bucket, key string) (filename string, size int64, notFound bool, err error)

	// UploadObject uploads a local file, replacing any object already at key.
	UploadObject(ctx context.Context, bucket, key, sourceFilename string) error

	// DeleteObject deletes an object. A missing object is not an error.
	DeleteObject(ctx context.Context, bucket, key string) error

	// URL returns the address the warehouse uses to read the object.
	URL(bucket, key string) string
}

// Config selects and configures a provider.
type Config struct {
	Provider        string // "s3" (default) or "file"
	Region          string
	Endpoint        string
	PathStyle       bool
	InsecureTLS     bool
	Role            string
	AccessKeyID     string
	SecretAccessKey string
	FileBase        string
}

// NewClient creates a storage client for cfg.
func NewClient(ctx context.Context, cfg Config) (Client, error) {
	switch strings.ToLower(cfg.Provider) {
	case "s3", "aws", "":
		mgr, err := awsclient.NewManager(ctx,
			awsclient.WithDefaultRegion(cfg.Region),
			awsclient.WithStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create AWS manager: %w", err)
		}
		return NewS3Client(ctx, mgr, cfg)
	case "file":
		if cfg.FileBase == "" {
			return nil, fmt.Errorf("file storage provider requires a base directory")
		}
		return NewFileClient(cfg.FileBase), nil
	default:
		return nil, fmt.Errorf("unsupported storage provider: %s", cfg.Provider)
	}
}

// ParseURL splits an s3://bucket/key address into its parts.
func ParseURL(u string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(u, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 url: %q", u)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 url %q must name a bucket and a key", u)
	}
	return bucket, key, nil
}
