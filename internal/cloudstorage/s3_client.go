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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/cardinalhq/stageloader/internal/awsclient"
)

var (
	objectOps   metric.Int64Counter
	uploadBytes metric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/cardinalhq/stageloader/internal/cloudstorage")

	var err error
	objectOps, err = meter.Int64Counter(
		"stageloader.storage.operations",
		metric.WithDescription("Object store calls by operation and outcome"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create storage.operations counter: %w", err))
	}

	uploadBytes, err = meter.Int64Counter(
		"stageloader.storage.upload.bytes",
		metric.WithDescription("Bytes uploaded to the object store"),
		metric.WithUnit("By"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create storage.upload.bytes counter: %w", err))
	}
}

// s3Client wraps the S3 operations for one configured endpoint.
type s3Client struct {
	api *awsclient.S3Client
}

// NewS3Client returns a Client backed by mgr, honoring the endpoint,
// region and role settings in cfg.
func NewS3Client(ctx context.Context, mgr *awsclient.Manager, cfg Config) (Client, error) {
	client, err := mgr.S3(ctx, awsclient.S3Settings{
		Region:      cfg.Region,
		RoleARN:     cfg.Role,
		Endpoint:    cfg.Endpoint,
		PathStyle:   cfg.PathStyle,
		InsecureTLS: cfg.InsecureTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}
	region := cfg.Region
	if region == "" {
		region = mgr.Region()
	}
	slog.Debug("Created S3 client",
		slog.String("region", region),
		slog.String("endpoint", cfg.Endpoint),
		slog.Bool("assumeRole", cfg.Role != ""))
	return &s3Client{api: client}, nil
}

func (c *s3Client) startSpan(ctx context.Context, op, bucket, key string) (context.Context, trace.Span) {
	return c.api.Tracer.Start(ctx, "cloudstorage.s3."+op, trace.WithAttributes(
		attribute.String("bucket", bucket),
		attribute.String("key", key),
	))
}

// finish records the outcome of one call on span and in objectOps.
func finish(ctx context.Context, span trace.Span, op, bucket, outcome string, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, op+" failed")
	}
	objectOps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("bucket", bucket),
		attribute.String("outcome", outcome),
	))
}

func (c *s3Client) DownloadObject(ctx context.Context, tmpdir, bucket, key string) (string, int64, bool, error) {
	ctx, span := c.startSpan(ctx, "download", bucket, key)
	defer span.End()

	f, err := os.CreateTemp(tmpdir, "*-"+filepath.Base(key))
	if err != nil {
		return "", 0, false, fmt.Errorf("create temp file: %w", err)
	}
	size, err := manager.NewDownloader(c.api.Client).Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	closeErr := f.Close()
	switch {
	case isNotFound(err):
		_ = os.Remove(f.Name())
		finish(ctx, span, "download", bucket, "not_found", nil)
		return "", 0, true, nil
	case err != nil:
		_ = os.Remove(f.Name())
		finish(ctx, span, "download", bucket, "error", err)
		return "", 0, false, fmt.Errorf("download s3://%s/%s: %w", bucket, key, err)
	case closeErr != nil:
		_ = os.Remove(f.Name())
		finish(ctx, span, "download", bucket, "error", closeErr)
		return "", 0, false, fmt.Errorf("close %s: %w", f.Name(), closeErr)
	}
	finish(ctx, span, "download", bucket, "ok", nil)
	return f.Name(), size, false, nil
}

func (c *s3Client) UploadObject(ctx context.Context, bucket, key, sourceFilename string) error {
	ctx, span := c.startSpan(ctx, "upload", bucket, key)
	defer span.End()

	file, err := os.Open(sourceFilename)
	if err != nil {
		return fmt.Errorf("open %s: %w", sourceFilename, err)
	}
	defer func() { _ = file.Close() }()
	stat, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", sourceFilename, err)
	}

	_, err = manager.NewUploader(c.api.Client).Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        file,
		ContentType: aws.String(contentTypeFor(key)),
		Metadata:    map[string]string{"writer": "stageloader"},
	})
	if err != nil {
		finish(ctx, span, "upload", bucket, "error", err)
		return fmt.Errorf("upload s3://%s/%s: %w", bucket, key, err)
	}
	finish(ctx, span, "upload", bucket, "ok", nil)
	uploadBytes.Add(ctx, stat.Size(), metric.WithAttributes(attribute.String("bucket", bucket)))
	return nil
}

func (c *s3Client) DeleteObject(ctx context.Context, bucket, key string) error {
	ctx, span := c.startSpan(ctx, "delete", bucket, key)
	defer span.End()

	_, err := c.api.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		finish(ctx, span, "delete", bucket, "error", err)
		return fmt.Errorf("delete s3://%s/%s: %w", bucket, key, err)
	}
	finish(ctx, span, "delete", bucket, "ok", nil)
	return nil
}

func (c *s3Client) URL(bucket, key string) string {
	return "s3://" + bucket + "/" + key
}

// isNotFound matches both the typed and the generic forms S3-compatible
// stores use for a missing object.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func contentTypeFor(key string) string {
	if strings.EqualFold(filepath.Ext(key), ".json") {
		return "application/json"
	}
	return "text/plain; charset=utf-8"
}
