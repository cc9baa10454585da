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

package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/stageloader/config"
	"github.com/cardinalhq/stageloader/internal/fly"
)

func TestPrintRows(t *testing.T) {
	in := "1|alice|\\N\n2|pipe\\|name|multi\\\nline\n"
	var out bytes.Buffer

	n, err := printRows(&out, strings.NewReader(in), 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "1 | alice | NULL\n2 | pipe|name | multi\nline\n", out.String())
}

func TestPrintRowsLimit(t *testing.T) {
	var out bytes.Buffer
	n, err := printRows(&out, strings.NewReader("a\nb\nc\n"), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "a\nb\n", out.String())
}

func TestPrintRowsDanglingEscape(t *testing.T) {
	_, err := printRows(&bytes.Buffer{}, strings.NewReader("broken\\"), 0)
	assert.Error(t, err)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Sink.Topic = "events"
	cfg.Sink.Table = "public.events"
	cfg.Sink.S3Bucket = "staging"
	cfg.Sink.ConnectionURL = "postgres://dev@localhost:5439/dev"
	cfg.Sink.StagingDir = t.TempDir()
	cfg.Sink.AWSAccessKeyID = "AKIAEXAMPLE"
	cfg.Sink.AWSSecretAccessKey = "topsecret"
	cfg.Storage.Provider = "file"
	cfg.Storage.FileBase = t.TempDir()
	return cfg
}

func TestCopySQLRedactsCredentials(t *testing.T) {
	cfg := testConfig(t)

	stmt := copySQL(cfg, "s3://staging/events/manifests/2024/05/01/manifest_1.json", "")
	assert.True(t, strings.HasPrefix(stmt, `COPY "public"."events" FROM 's3://staging/events/manifests/2024/05/01/manifest_1.json'`), stmt)
	assert.Contains(t, stmt, "MANIFEST")
	assert.NotContains(t, stmt, "AKIAEXAMPLE")
	assert.NotContains(t, stmt, "topsecret")

	stmt = copySQL(cfg, "s3://staging/m.json", "other")
	assert.Contains(t, stmt, `COPY "other"`)
}

func TestPrintLagTable(t *testing.T) {
	infos := []fly.PartitionLag{
		{GroupID: "stageloader", Topic: "events", Partition: 1, CommittedOffset: 5, HighWaterMark: 10, Lag: 5},
		{GroupID: "stageloader", Topic: "events", Partition: 0, CommittedOffset: 7, HighWaterMark: 9, Lag: 2},
	}
	var out bytes.Buffer
	require.NoError(t, printLagTable(&out, infos))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[1], "events"))
	assert.Contains(t, lines[1], "0")
	assert.True(t, strings.HasPrefix(lines[3], "TOTAL"))
	assert.True(t, strings.HasSuffix(lines[3], "7"))

	out.Reset()
	require.NoError(t, printLagTable(&out, nil))
	assert.Contains(t, out.String(), "No lag data")
}

func TestPrintLagJSON(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printLagJSON(&out, []fly.PartitionLag{{Topic: "events", Partition: 2, Lag: 3}}))

	var decoded []fly.PartitionLag
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, int64(3), decoded[0].Lag)
}

type idleConsumer struct{}

func (idleConsumer) Consume(ctx context.Context, _ fly.MessageHandler) error {
	<-ctx.Done()
	return ctx.Err()
}
func (idleConsumer) CommitMessages(context.Context, ...fly.ConsumedMessage) error { return nil }
func (idleConsumer) Close() error                                                 { return nil }

func TestBuildPipeline(t *testing.T) {
	cfg := testConfig(t)

	p, err := buildPipeline(context.Background(), cfg, idleConsumer{}, nil)
	require.NoError(t, err)
	assert.Nil(t, p.lag)
	assert.NoError(t, p.reportStatus(context.Background()))

	d := p.details()
	assert.Equal(t, "idle", d["cycleState"])
	assert.Equal(t, 0, d["pendingPartitions"])
	assert.Equal(t, int64(0), d["stagingProbeFailures"])
	assert.NotContains(t, d, "fields", "the projection resolves on the first record")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, p.runner.Run(ctx))
}

func TestStagingProbe(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "staging")
	require.NoError(t, stagingProbe(dir)(context.Background()))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "the probe file is removed")

	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	assert.Error(t, stagingProbe(filepath.Join(blocker, "staging"))(context.Background()))
}

func TestBuildPipelineRejectsBadFormat(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sink.ValueFormat = "protobuf"
	_, err := buildPipeline(context.Background(), cfg, idleConsumer{}, nil)
	assert.Error(t, err)
}
