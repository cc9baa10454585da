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

package sink

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/stageloader/internal/buffer"
	"github.com/cardinalhq/stageloader/internal/cloudstorage"
	"github.com/cardinalhq/stageloader/internal/copyserializer"
	"github.com/cardinalhq/stageloader/internal/manifest"
	"github.com/cardinalhq/stageloader/internal/record"
	"github.com/cardinalhq/stageloader/internal/sinkerr"
	"github.com/cardinalhq/stageloader/internal/staging"
)

var testSchema = &record.Schema{
	Name: "event",
	Fields: []record.Field{
		{Name: "id", Type: "int64"},
		{Name: "name", Type: "string", Optional: true},
		{Name: "ts", Type: "int64", Logical: record.LogicalTimestamp},
		{Name: "tableName", Type: "string", Optional: true},
	},
}

var testTime = time.Date(2024, 1, 2, 3, 4, 5, 600000000, time.UTC)

func rec(partition int32, offset int64, id int64, name any, table any) record.Record {
	return record.Record{
		Topic:     "events",
		Partition: partition,
		Offset:    offset,
		Timestamp: testTime,
		Schema:    testSchema,
		Values: map[string]any{
			"id":        id,
			"name":      name,
			"ts":        testTime,
			"tableName": table,
		},
	}
}

type loadCall struct {
	manifestURL string
	table       string
}

type fakeLoader struct {
	calls []loadCall
	err   error
}

func (f *fakeLoader) Load(_ context.Context, manifestURL, table string) error {
	f.calls = append(f.calls, loadCall{manifestURL: manifestURL, table: table})
	return f.err
}

// flakyClient fails uploads whose key contains failOn.
type flakyClient struct {
	cloudstorage.Client
	failOn string
}

func (f *flakyClient) UploadObject(ctx context.Context, bucket, key, src string) error {
	if f.failOn != "" && strings.Contains(key, f.failOn) {
		return errors.New("service unavailable")
	}
	return f.Client.UploadObject(ctx, bucket, key, src)
}

type harness struct {
	coord   *Coordinator
	buffers *buffer.Manager
	store   string
	client  *flakyClient
	loader  *fakeLoader
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	dir := t.TempDir()
	store := t.TempDir()
	buffers := buffer.NewManager(dir)
	client := &flakyClient{Client: cloudstorage.NewFileClient(store)}
	uploader := staging.NewUploader(client, "bucket", buffers)
	loader := &fakeLoader{}
	coord := NewCoordinator(cfg,
		copyserializer.NewDelimited([]string{"id", "name", "ts"}),
		buffers,
		uploader,
		manifest.NewBuilder(uploader, dir, "events"),
		loader,
	)
	return &harness{coord: coord, buffers: buffers, store: store, client: client, loader: loader}
}

func (h *harness) readObject(t *testing.T, url string) string {
	t.Helper()
	bucket, key, err := cloudstorage.ParseURL(url)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(h.store, bucket, filepath.FromSlash(key)))
	require.NoError(t, err)
	return string(data)
}

func (h *harness) manifestURLs(t *testing.T, manifestURL string) []string {
	t.Helper()
	var doc manifest.Document
	require.NoError(t, json.Unmarshal([]byte(h.readObject(t, manifestURL)), &doc))
	var urls []string
	for _, e := range doc.Entries {
		assert.True(t, e.Mandatory)
		urls = append(urls, e.URL)
	}
	return urls
}

func TestThreeRecordScenario(t *testing.T) {
	h := newHarness(t, Config{Table: "events_tbl"})
	ctx := context.Background()
	p := TopicPartition{Topic: "events", Partition: 0}

	require.NoError(t, h.coord.OnBatch(ctx, []record.Record{
		rec(0, 0, 1, "alice", nil),
		rec(0, 1, 2, "bob|smith", nil),
		rec(0, 2, 3, nil, nil),
	}))
	assert.Equal(t, StateCollecting, h.coord.CycleState())

	stagingPath := h.buffers.PathFor(buffer.Key{Topic: "events", Partition: 0})
	assert.Equal(t, "events+0.dsv", filepath.Base(stagingPath))
	assert.Empty(t, h.loader.calls, "batches never load")

	committable, err := h.coord.OnCheckpoint(ctx, []TopicPartition{p})
	require.NoError(t, err)
	assert.Equal(t, []TopicPartition{p}, committable)
	assert.Equal(t, StateIdle, h.coord.CycleState())

	require.Len(t, h.loader.calls, 1)
	assert.Equal(t, "events_tbl", h.loader.calls[0].table)

	urls := h.manifestURLs(t, h.loader.calls[0].manifestURL)
	require.Len(t, urls, 1)
	assert.Equal(t,
		"1|alice|2024-01-02 03:04:05.600000\n"+
			"2|bob\\|smith|2024-01-02 03:04:05.600000\n"+
			"3|\\N|2024-01-02 03:04:05.600000\n",
		h.readObject(t, urls[0]))

	_, err = os.Stat(stagingPath)
	assert.True(t, os.IsNotExist(err), "staging file is deleted once uploaded")
}

func TestOneManifestPerTable(t *testing.T) {
	h := newHarness(t, Config{Table: "fallback", TableField: "tableName"})
	ctx := context.Background()

	require.NoError(t, h.coord.OnBatch(ctx, []record.Record{
		rec(0, 0, 1, "a", "users"),
		rec(0, 1, 2, "b", "orders"),
		rec(1, 0, 3, "c", "users"),
		rec(1, 1, 4, "d", nil),
	}))

	committable, err := h.coord.OnCheckpoint(ctx, []TopicPartition{{"events", 0}, {"events", 1}})
	require.NoError(t, err)
	assert.Len(t, committable, 2)

	var tables []string
	for _, c := range h.loader.calls {
		tables = append(tables, c.table)
	}
	assert.Equal(t, []string{"orders", "users", "fallback"}, tables)

	users := h.manifestURLs(t, h.loader.calls[1].manifestURL)
	assert.Len(t, users, 2, "both partitions' users files share one manifest")
	for _, u := range users {
		assert.Contains(t, u, "/users/")
	}
}

func TestUploadFailureHoldsBackPartition(t *testing.T) {
	h := newHarness(t, Config{Table: "events_tbl"})
	ctx := context.Background()
	p0 := TopicPartition{Topic: "events", Partition: 0}
	p1 := TopicPartition{Topic: "events", Partition: 1}

	require.NoError(t, h.coord.OnBatch(ctx, []record.Record{
		rec(0, 0, 1, "a", nil),
		rec(1, 0, 2, "b", nil),
	}))

	h.client.failOn = "events+1+"
	committable, err := h.coord.OnCheckpoint(ctx, []TopicPartition{p0, p1})
	require.NoError(t, err)
	assert.Equal(t, []TopicPartition{p0}, committable)
	require.Len(t, h.loader.calls, 1)
	assert.Len(t, h.manifestURLs(t, h.loader.calls[0].manifestURL), 1)

	p1Key := buffer.Key{Topic: "events", Partition: 1}
	assert.Equal(t, buffer.StateBuffering, h.buffers.State(p1Key))

	require.NoError(t, h.coord.OnBatch(ctx, []record.Record{rec(1, 1, 3, "c", nil)}))

	h.client.failOn = ""
	committable, err = h.coord.OnCheckpoint(ctx, []TopicPartition{p0, p1})
	require.NoError(t, err)
	assert.Equal(t, []TopicPartition{p0, p1}, committable)
	require.Len(t, h.loader.calls, 2)

	urls := h.manifestURLs(t, h.loader.calls[1].manifestURL)
	require.Len(t, urls, 1)
	assert.Equal(t, 2, strings.Count(h.readObject(t, urls[0]), "\n"), "retried file carries old and new rows")
}

func TestEmptyCheckpointIsNoOp(t *testing.T) {
	h := newHarness(t, Config{Table: "events_tbl"})
	p := TopicPartition{Topic: "events", Partition: 0}

	committable, err := h.coord.OnCheckpoint(context.Background(), []TopicPartition{p})
	require.NoError(t, err)
	assert.Equal(t, []TopicPartition{p}, committable)
	assert.Empty(t, h.loader.calls)
}

func TestCheckpointOnlyFlushesRequestedPartitions(t *testing.T) {
	h := newHarness(t, Config{Table: "events_tbl"})
	ctx := context.Background()
	require.NoError(t, h.coord.OnBatch(ctx, []record.Record{
		rec(0, 0, 1, "a", nil),
		rec(1, 0, 2, "b", nil),
	}))

	_, err := h.coord.OnCheckpoint(ctx, []TopicPartition{{"events", 0}})
	require.NoError(t, err)
	assert.Equal(t, buffer.StateEmpty, h.buffers.State(buffer.Key{Topic: "events", Partition: 0}))
	assert.Equal(t, buffer.StateBuffering, h.buffers.State(buffer.Key{Topic: "events", Partition: 1}))
}

func TestCancelledCheckpointDoesNothing(t *testing.T) {
	h := newHarness(t, Config{Table: "events_tbl"})
	require.NoError(t, h.coord.OnBatch(context.Background(), []record.Record{rec(0, 0, 1, "a", nil)}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.coord.OnCheckpoint(ctx, []TopicPartition{{"events", 0}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.loader.calls)
	assert.Equal(t, buffer.StateBuffering, h.buffers.State(buffer.Key{Topic: "events", Partition: 0}))
}

func TestLoadFailureIsFatal(t *testing.T) {
	h := newHarness(t, Config{Table: "events_tbl"})
	h.loader.err = &sinkerr.CopyFailedError{Stage: "load", Table: "events_tbl", Err: errors.New("permission denied")}
	ctx := context.Background()
	require.NoError(t, h.coord.OnBatch(ctx, []record.Record{rec(0, 0, 1, "a", nil)}))

	_, err := h.coord.OnCheckpoint(ctx, []TopicPartition{{"events", 0}})
	require.Error(t, err)
	assert.True(t, sinkerr.IsFatal(err))
	assert.Equal(t, StateIdle, h.coord.CycleState())
}

type failingManifests struct{}

func (failingManifests) Build(_ context.Context, table string, _ []string) (string, error) {
	return "", &sinkerr.CopyFailedError{Stage: "manifest", Table: table, Err: errors.New("failed to write manifest")}
}

func TestManifestFailureIsFatal(t *testing.T) {
	h := newHarness(t, Config{Table: "events_tbl"})
	h.coord.manifests = failingManifests{}
	ctx := context.Background()
	require.NoError(t, h.coord.OnBatch(ctx, []record.Record{rec(0, 0, 1, "a", nil)}))

	_, err := h.coord.OnCheckpoint(ctx, []TopicPartition{{"events", 0}})
	var cf *sinkerr.CopyFailedError
	require.ErrorAs(t, err, &cf)
	assert.Equal(t, "manifest", cf.Stage)
	assert.Empty(t, h.loader.calls)
}

// flakyBuffers fails the append at failAt once.
type flakyBuffers struct {
	*buffer.Manager
	calls  int
	failAt int
}

func (f *flakyBuffers) Append(key buffer.Key, row string, offset int64) error {
	f.calls++
	if f.calls == f.failAt {
		return errors.New("no space left on device")
	}
	return f.Manager.Append(key, row, offset)
}

func TestAppendFailureRollsBackWholeBatch(t *testing.T) {
	h := newHarness(t, Config{Table: "events_tbl"})
	ctx := context.Background()
	require.NoError(t, h.coord.OnBatch(ctx, []record.Record{rec(0, 0, 1, "a", nil), rec(1, 0, 2, "b", nil)}))

	fb := &flakyBuffers{Manager: h.buffers, failAt: 3}
	h.coord.buffers = fb
	batch := []record.Record{rec(0, 1, 3, "c", nil), rec(1, 1, 4, "d", nil), rec(0, 2, 5, "e", nil)}
	err := h.coord.OnBatch(ctx, batch)
	require.Error(t, err)
	assert.True(t, sinkerr.IsRetriable(err))

	require.NoError(t, h.coord.OnBatch(ctx, batch))
	require.NoError(t, h.buffers.CloseAll())

	p0, err := os.ReadFile(h.buffers.PathFor(buffer.Key{Topic: "events", Partition: 0}))
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "3", "5"}, firstColumn(string(p0)))
	p1, err := os.ReadFile(h.buffers.PathFor(buffer.Key{Topic: "events", Partition: 1}))
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "4"}, firstColumn(string(p1)))
}

func firstColumn(data string) []string {
	var ids []string
	for _, line := range strings.Split(strings.TrimSuffix(data, "\n"), "\n") {
		ids = append(ids, strings.SplitN(line, "|", 2)[0])
	}
	return ids
}

// closeFailBuffers closes the file for failKey but reports an error, the
// way a failed final write would.
type closeFailBuffers struct {
	*buffer.Manager
	failKey buffer.Key
	failed  bool
}

func (f *closeFailBuffers) Close(key buffer.Key) (buffer.Staged, error) {
	if key == f.failKey && !f.failed {
		f.failed = true
		_, _ = f.Manager.Close(key)
		return buffer.Staged{}, errors.New("flush: no space left on device")
	}
	return f.Manager.Close(key)
}

func TestCloseFailureIsRetriableAndKeepsRows(t *testing.T) {
	h := newHarness(t, Config{Table: "events_tbl"})
	p0 := TopicPartition{Topic: "events", Partition: 0}
	p1 := TopicPartition{Topic: "events", Partition: 1}
	p1Key := buffer.Key{Topic: "events", Partition: 1}
	h.coord.buffers = &closeFailBuffers{Manager: h.buffers, failKey: p1Key}
	ctx := context.Background()

	require.NoError(t, h.coord.OnBatch(ctx, []record.Record{
		rec(0, 0, 1, "a", nil),
		rec(1, 0, 2, "b", nil),
	}))

	committable, err := h.coord.OnCheckpoint(ctx, []TopicPartition{p0, p1})
	require.Error(t, err)
	assert.True(t, sinkerr.IsRetriable(err))
	assert.False(t, sinkerr.IsFatal(err))
	assert.Equal(t, []TopicPartition{p0}, committable)
	require.Len(t, h.loader.calls, 1, "the healthy partition still loads")
	assert.Equal(t, buffer.StateBuffering, h.buffers.State(p1Key))
	assert.Equal(t, StateIdle, h.coord.CycleState())

	require.NoError(t, h.coord.OnBatch(ctx, []record.Record{rec(1, 1, 3, "c", nil)}))

	committable, err = h.coord.OnCheckpoint(ctx, []TopicPartition{p1})
	require.NoError(t, err)
	assert.Equal(t, []TopicPartition{p1}, committable)
	require.Len(t, h.loader.calls, 2)
	urls := h.manifestURLs(t, h.loader.calls[1].manifestURL)
	require.Len(t, urls, 1)
	assert.Equal(t, []string{"2", "3"}, firstColumn(h.readObject(t, urls[0])))
}

func TestSchemaErrorIsFatal(t *testing.T) {
	h := newHarness(t, Config{Table: "events_tbl"})
	bad := rec(0, 0, 1, "a", nil)
	delete(bad.Values, "ts")
	bad.Schema = &record.Schema{Fields: []record.Field{{Name: "id", Type: "int64"}, {Name: "name", Type: "string"}}}

	err := h.coord.OnBatch(context.Background(), []record.Record{bad})
	require.Error(t, err)
	assert.True(t, sinkerr.IsFatal(err))
	assert.ErrorIs(t, err, copyserializer.ErrMissingField)
}

func TestPartitionsRevoked(t *testing.T) {
	h := newHarness(t, Config{Table: "events_tbl"})
	ctx := context.Background()
	require.NoError(t, h.coord.OnBatch(ctx, []record.Record{
		rec(0, 5, 1, "a", nil),
		rec(1, 0, 2, "b", nil),
	}))
	p0Path := h.buffers.PathFor(buffer.Key{Topic: "events", Partition: 0})

	require.NoError(t, h.coord.OnPartitionsRevoked(ctx, []TopicPartition{{"events", 0}}))
	_, err := os.Stat(p0Path)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, []buffer.Key{{Topic: "events", Partition: 1}}, h.buffers.Keys())

	// A later owner handing the partition back starts from scratch.
	require.NoError(t, h.coord.OnBatch(ctx, []record.Record{rec(0, 5, 1, "a", nil)}))
	assert.Equal(t, buffer.StateBuffering, h.buffers.State(buffer.Key{Topic: "events", Partition: 0}))
}

func TestStopClosesWritersAndKeepsFiles(t *testing.T) {
	h := newHarness(t, Config{Table: "events_tbl"})
	ctx := context.Background()
	require.NoError(t, h.coord.OnBatch(ctx, []record.Record{rec(0, 0, 1, "a", nil)}))

	require.NoError(t, h.coord.OnStop(ctx))
	key := buffer.Key{Topic: "events", Partition: 0}
	assert.Equal(t, buffer.StateClosed, h.buffers.State(key))
	data, err := os.ReadFile(h.buffers.PathFor(key))
	require.NoError(t, err)
	assert.Equal(t, "1|a|2024-01-02 03:04:05.600000\n", string(data))
}

func TestKeyFor(t *testing.T) {
	c := NewCoordinator(Config{Table: "fallback", TableField: "tableName"}, nil, nil, nil, nil, nil)
	assert.Equal(t, buffer.Key{Topic: "events", Partition: 2, Table: "orders"}, c.KeyFor(rec(2, 0, 1, "a", "orders")))
	assert.Equal(t, buffer.Key{Topic: "events", Partition: 2, Table: "fallback"}, c.KeyFor(rec(2, 0, 1, "a", nil)))

	plain := NewCoordinator(Config{Table: "fallback"}, nil, nil, nil, nil, nil)
	assert.Equal(t, buffer.Key{Topic: "events", Partition: 2}, plain.KeyFor(rec(2, 0, 1, "a", "orders")))
	assert.Equal(t, "fallback", plain.TableFor(buffer.Key{Topic: "events"}))
}
