package checkpoint

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/pipeline-engine/internal/processor"
)

func sampleCheckpoint(runID string) *Checkpoint {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	res := processor.Succeeded(map[string]any{"pages": 3, "title": "report", "score": 0.25})
	res.Stamp(started, started.Add(1500*time.Millisecond))
	return &Checkpoint{
		RunID:      runID,
		Pipeline:   "ingest",
		ConfigHash: "abc123",
		DocumentID: "doc-1",
		Source:     "/tmp/doc.pdf",
		Metadata:   map[string]any{"tenant": "acme"},
		NextLevel:  1,
		Stages: map[string]StageRecord{
			"validate": {State: "succeeded", Attempts: 1, Result: res},
			"parse":    {State: "pending"},
		},
		StartedAt: started,
	}
}

func TestEncodeDecodeVerifiesChecksum(t *testing.T) {
	cp := sampleCheckpoint("run-1")
	data, err := Encode(cp)
	require.NoError(t, err)
	assert.Equal(t, Version, cp.Version)
	assert.NotEmpty(t, cp.Checksum)
	assert.False(t, cp.CreatedAt.IsZero())

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "ingest", got.Pipeline)
	assert.Equal(t, 1, got.NextLevel)
	assert.Equal(t, cp.Checksum, got.Checksum)
	assert.True(t, got.Stages["validate"].Result.Success)

	// re-sealing a decoded checkpoint is stable
	before := got.Checksum
	require.NoError(t, got.Seal())
	assert.Equal(t, before, got.Checksum)
}

func TestDecodeRejectsTampering(t *testing.T) {
	cp := sampleCheckpoint("run-1")
	require.NoError(t, cp.Seal())
	cp.NextLevel = 5
	assert.ErrorIs(t, cp.Verify(), ErrCorrupt)

	cp = sampleCheckpoint("run-2")
	require.NoError(t, cp.Seal())
	cp.Version = "0.9.0"
	assert.ErrorIs(t, cp.Verify(), ErrVersionMismatch)

	_, err := Decode([]byte("{not json"))
	assert.Error(t, err)
}

func TestValidateRunID(t *testing.T) {
	assert.NoError(t, ValidateRunID("run_1.a-b"))
	for _, id := range []string{"", "../etc/passwd", "a/b", "with space"} {
		assert.ErrorIs(t, ValidateRunID(id), ErrInvalidInput, id)
	}
	_, err := Encode(sampleCheckpoint("bad/id"))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

// exerciseStore runs the behaviour every Store must share.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	first := sampleCheckpoint("run-a")
	first.CreatedAt = time.Date(2026, 3, 1, 10, 0, 1, 0, time.UTC)
	require.NoError(t, s.Save(ctx, first))

	second := sampleCheckpoint("run-b")
	second.CreatedAt = time.Date(2026, 3, 1, 10, 0, 2, 0, time.UTC)
	require.NoError(t, s.Save(ctx, second))

	got, err := s.Load(ctx, "run-a")
	require.NoError(t, err)
	assert.Equal(t, "run-a", got.RunID)
	assert.Equal(t, "succeeded", got.Stages["validate"].State)

	// overwrite
	first.NextLevel = 2
	first.Stages["parse"] = StageRecord{State: "succeeded", Attempts: 2}
	require.NoError(t, s.Save(ctx, first))
	got, err = s.Load(ctx, "run-a")
	require.NoError(t, err)
	assert.Equal(t, 2, got.NextLevel)
	assert.Equal(t, 2, got.Stages["parse"].Attempts)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "run-a", list[0].RunID)
	assert.Equal(t, "run-b", list[1].RunID)
	assert.Equal(t, 2, list[0].NextLevel)

	require.NoError(t, s.Delete(ctx, "run-a"))
	_, err = s.Load(ctx, "run-a")
	assert.ErrorIs(t, err, ErrNotFound)
	list, err = s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

// largeIntegerCheckpoint carries integers beyond float64 precision in
// metadata and in a stage payload.
func largeIntegerCheckpoint(runID string) *Checkpoint {
	cp := sampleCheckpoint(runID)
	cp.Metadata = map[string]any{"received_unix_nano": int64(1760000000000000001)}
	cp.Stages["parse"] = StageRecord{
		State:    "succeeded",
		Attempts: 1,
		Result:   processor.Succeeded(map[string]any{"id": int64(9007199254740993)}),
	}
	return cp
}

func assertLargeIntegersRoundTrip(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, largeIntegerCheckpoint("run-big")))

	got, err := s.Load(ctx, "run-big")
	require.NoError(t, err)
	assert.Equal(t, json.Number("1760000000000000001"), got.Metadata["received_unix_nano"])
	payload, ok := got.Stages["parse"].Result.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, json.Number("9007199254740993"), payload["id"])

	list, err := s.List(ctx)
	require.NoError(t, err)
	var ids []string
	for _, summary := range list {
		ids = append(ids, summary.RunID)
	}
	assert.Contains(t, ids, "run-big")
}

func TestDecodeKeepsLargeIntegers(t *testing.T) {
	data, err := Encode(largeIntegerCheckpoint("run-big"))
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, json.Number("1760000000000000001"), got.Metadata["received_unix_nano"])

	// re-sealing the decoded form keeps the checksum
	before := got.Checksum
	require.NoError(t, got.Seal())
	assert.Equal(t, before, got.Checksum)
}

func TestStoresKeepLargeIntegers(t *testing.T) {
	t.Run("file", func(t *testing.T) {
		s, err := NewFileStore(t.TempDir())
		require.NoError(t, err)
		defer s.Close()
		assertLargeIntegersRoundTrip(t, s)
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := OpenSQLStore(context.Background(), DriverSQLite, ":memory:")
		require.NoError(t, err)
		defer s.Close()
		assertLargeIntegersRoundTrip(t, s)
	})
	t.Run("badger", func(t *testing.T) {
		s, err := OpenBadgerStore(BadgerConfig{InMemory: true})
		require.NoError(t, err)
		defer s.Close()
		assertLargeIntegersRoundTrip(t, s)
	})
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	defer s.Close()

	exerciseStore(t, s)

	matches, err := filepath.Glob(filepath.Join(dir, ".checkpoint-*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches, "temp files must not be left behind")
}

func TestFileStoreDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Save(ctx, sampleCheckpoint("run-x")))

	path := filepath.Join(dir, "run-x.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"next_level": 1`, `"next_level": 4`, 1)
	require.NotEqual(t, string(data), tampered)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))

	_, err = s.Load(ctx, "run-x")
	assert.ErrorIs(t, err, ErrCorrupt)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLStore(context.Background(), DriverSQLite, ":memory:")
	require.NoError(t, err)
	defer s.Close()

	exerciseStore(t, s)
}

func TestBadgerStoreInMemory(t *testing.T) {
	s, err := OpenBadgerStore(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer s.Close()

	exerciseStore(t, s)
}

func TestBadgerStorePersists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := OpenBadgerStore(BadgerConfig{Path: dir, SyncWrites: true})
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, sampleCheckpoint("run-p")))
	require.NoError(t, s.Close())

	s, err = OpenBadgerStore(BadgerConfig{Path: dir})
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Load(ctx, "run-p")
	require.NoError(t, err)
	assert.Equal(t, "ingest", got.Pipeline)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Config{Driver: DriverNone}, nil)
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = Open(ctx, Config{Driver: DriverFile, Dir: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	s, err = Open(ctx, Config{Driver: DriverSQLite, DSN: ":memory:"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &SQLStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, Config{Driver: "etcd"}, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = Open(ctx, Config{Driver: DriverSQLite + "x"}, nil)
	assert.Error(t, err)
}
