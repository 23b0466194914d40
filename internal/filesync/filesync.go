// Package filesync accumulates raw frames per wall-clock minute and hands
// each completed minute to an uploader boundary.
package filesync

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Syncer receives one completed minute of concatenated frames.
type Syncer interface {
	Sync(minute int, at time.Time, blob []byte) error
}

// NopSyncer discards batches.
type NopSyncer struct{}

func (NopSyncer) Sync(int, time.Time, []byte) error { return nil }

// SyncerFunc adapts a function to Syncer.
type SyncerFunc func(minute int, at time.Time, blob []byte) error

func (f SyncerFunc) Sync(minute int, at time.Time, blob []byte) error { return f(minute, at, blob) }

// Batcher appends frames to the current minute's blob. It is used from the
// processing loop only but is safe for concurrent Flush at shutdown.
type Batcher struct {
	syncer Syncer
	log    *zap.Logger

	mu      sync.Mutex
	blob    []byte
	minute  int
	started time.Time
	have    bool
	frames  int
}

func NewBatcher(s Syncer, log *zap.Logger) *Batcher {
	if s == nil {
		s = NopSyncer{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Batcher{syncer: s, log: log}
}

// Add appends raw under the minute of ts. When the minute differs from the
// previous frame's, the previous minute is synced first and the batch
// restarts empty. A sync error is returned but the new frame is still
// added; the failed minute is not retried.
func (b *Batcher) Add(raw []byte, ts time.Time) (flushed bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := ts.Minute()
	if b.have && m != b.minute {
		err = b.flushLocked()
		flushed = true
	}
	if !b.have {
		b.have = true
		b.minute = m
		b.started = ts
	}
	b.blob = append(b.blob, raw...)
	b.frames++
	return flushed, err
}

// Flush syncs the partial minute, if any.
func (b *Batcher) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.have {
		return nil
	}
	return b.flushLocked()
}

// Pending reports the bytes accumulated for the current minute.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.blob)
}

func (b *Batcher) flushLocked() error {
	blob, minute, at, frames := b.blob, b.minute, b.started, b.frames
	b.blob, b.have, b.frames = nil, false, 0

	if err := b.syncer.Sync(minute, at, blob); err != nil {
		return fmt.Errorf("filesync: minute %d: %w", minute, err)
	}
	b.log.Debug("minute synced", zap.Int("minute", minute), zap.Int("frames", frames), zap.Int("bytes", len(blob)))
	return nil
}

// DirSyncer writes each minute to <dir>/<YYYY-MM-DD>/<HHMM>.bin for an
// out-of-process uploader. Files appear atomically.
type DirSyncer struct {
	Dir string
}

func (d DirSyncer) Sync(minute int, at time.Time, blob []byte) error {
	if d.Dir == "" {
		return errors.New("filesync: no directory configured")
	}
	day := filepath.Join(d.Dir, at.Format("2006-01-02"))
	if err := os.MkdirAll(day, 0755); err != nil {
		return err
	}
	name := filepath.Join(day, fmt.Sprintf("%02d%02d.bin", at.Hour(), minute))

	tmp, err := os.CreateTemp(day, ".minute-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), name)
}
