package filesync

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type call struct {
	minute int
	blob   []byte
}

func recorder(calls *[]call) Syncer {
	return SyncerFunc(func(minute int, _ time.Time, blob []byte) error {
		*calls = append(*calls, call{minute, append([]byte(nil), blob...)})
		return nil
	})
}

func at(min, sec int) time.Time {
	return time.Date(2025, 6, 1, 14, min, sec, 0, time.UTC)
}

func TestBatcherSyncsOnMinuteChange(t *testing.T) {
	var calls []call
	b := NewBatcher(recorder(&calls), zaptest.NewLogger(t))

	flushed, err := b.Add([]byte("A"), at(12, 10))
	require.NoError(t, err)
	assert.False(t, flushed)
	flushed, err = b.Add([]byte("B"), at(12, 50))
	require.NoError(t, err)
	assert.False(t, flushed)
	assert.Empty(t, calls)

	flushed, err = b.Add([]byte("C"), at(13, 0))
	require.NoError(t, err)
	assert.True(t, flushed)

	require.Len(t, calls, 1)
	assert.Equal(t, 12, calls[0].minute)
	assert.Equal(t, []byte("AB"), calls[0].blob)
	assert.Equal(t, 1, b.Pending())

	require.NoError(t, b.Flush())
	require.Len(t, calls, 2)
	assert.Equal(t, call{13, []byte("C")}, calls[1])
	assert.NoError(t, b.Flush(), "empty flush is a no-op")
	assert.Len(t, calls, 2)
}

func TestBatcherKeepsFrameWhenSyncFails(t *testing.T) {
	boom := errors.New("disk full")
	b := NewBatcher(SyncerFunc(func(int, time.Time, []byte) error { return boom }), zaptest.NewLogger(t))

	_, err := b.Add([]byte("A"), at(1, 0))
	require.NoError(t, err)
	flushed, err := b.Add([]byte("B"), at(2, 0))
	assert.True(t, flushed)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, b.Pending())
}

func TestDirSyncerWritesMinuteFile(t *testing.T) {
	dir := t.TempDir()
	s := DirSyncer{Dir: dir}
	require.NoError(t, s.Sync(7, time.Date(2025, 6, 1, 9, 7, 0, 0, time.UTC), []byte{1, 2, 3}))

	data, err := os.ReadFile(filepath.Join(dir, "2025-06-01", "0907.bin"))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)

	entries, err := os.ReadDir(filepath.Join(dir, "2025-06-01"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}
