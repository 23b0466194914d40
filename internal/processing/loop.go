// Package processing consumes frame-ready signals: it decodes the shared
// buffer, publishes the snapshot, fans raw bytes out and batches them per
// minute.
package processing

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/badgerloop-software/sc2-driver-io/internal/acquisition"
	"github.com/badgerloop-software/sc2-driver-io/internal/broadcast"
	"github.com/badgerloop-software/sc2-driver-io/internal/filesync"
	"github.com/badgerloop-software/sc2-driver-io/internal/frame"
	"github.com/badgerloop-software/sc2-driver-io/internal/metrics"
	"github.com/badgerloop-software/sc2-driver-io/internal/recorder"
	"github.com/badgerloop-software/sc2-driver-io/internal/schema"
	"github.com/badgerloop-software/sc2-driver-io/internal/telemetry"
)

// Loop is the single consumer of the shared frame buffer.
type Loop struct {
	buf     *frame.Buffer
	schema  *schema.Schema
	store   *telemetry.Store
	gate    *telemetry.Gate
	bcast   *broadcast.Broadcaster
	batcher *filesync.Batcher
	rec     *recorder.Recorder
	m       *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time

	stamp  schema.TimestampOffsets
	frames uint64
}

// Deps are the collaborators a Loop drives. Recorder and Metrics may be nil.
type Deps struct {
	Buffer      *frame.Buffer
	Schema      *schema.Schema
	Store       *telemetry.Store
	Gate        *telemetry.Gate
	Broadcaster *broadcast.Broadcaster
	Batcher     *filesync.Batcher
	Recorder    *recorder.Recorder
	Metrics     *metrics.Metrics
	Clock       func() time.Time
}

func New(d Deps, log *zap.Logger) *Loop {
	if log == nil {
		log = zap.NewNop()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Discard()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Batcher == nil {
		d.Batcher = filesync.NewBatcher(nil, log)
	}
	return &Loop{
		buf:     d.Buffer,
		schema:  d.Schema,
		store:   d.Store,
		gate:    d.Gate,
		bcast:   d.Broadcaster,
		batcher: d.Batcher,
		rec:     d.Recorder,
		m:       d.Metrics,
		log:     log,
		now:     d.Clock,
		stamp:   d.Schema.TimestampOffsets(),
	}
}

// Run blocks until ctx is done or ready is closed. events may be nil.
func (l *Loop) Run(ctx context.Context, ready <-chan struct{}, events <-chan acquisition.Event) {
	l.log.Info("started")
	defer l.shutdown()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ready:
			if !ok {
				return
			}
			raw := l.buf.SnapshotBytes()
			if err := l.ProcessFrame(raw, l.now()); err != nil && !errors.Is(err, frame.ErrFrameSizeMismatch) {
				l.log.Warn("process frame", zap.Error(err))
			}
		case e, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			l.handleEvent(e)
		}
	}
}

// ProcessFrame handles one raw frame. raw must be a private copy; it is
// stamped in place when the schema carries timestamp fields.
func (l *Loop) ProcessFrame(raw []byte, ts time.Time) error {
	if l.stamp.Any() {
		frame.StampTime(raw, l.stamp, ts)
	}

	d, err := frame.Decode(raw, l.schema)
	if err != nil {
		// previous snapshot stays live
		l.m.DecodeErrors.Inc()
		l.log.Warn("decode failed", zap.Error(err))
		return err
	}

	snap := telemetry.FromDecoded(d)
	state := l.gate.Evaluate(d)
	snap.RestartEnable = state == telemetry.Enabled
	metrics.SetBool(l.m.RestartEnabled, snap.RestartEnable)
	snap.Stamp = ts.UnixMilli()
	l.store.Publish(snap)

	if l.bcast != nil {
		l.bcast.SendAsync(raw, ts)
	}

	flushed, err := l.batcher.Add(raw, ts)
	if flushed {
		if err != nil {
			l.m.SyncErrors.Inc()
			l.log.Error("minute sync failed", zap.Error(err))
		} else {
			l.m.BatchesFlushed.Inc()
		}
	}

	if l.rec != nil {
		l.rec.Record(ts, d)
	}

	l.frames++
	if l.frames%1000 == 0 {
		l.log.Debug("frames processed", zap.Uint64("count", l.frames))
	}
	return nil
}

func (l *Loop) handleEvent(e acquisition.Event) {
	switch e.Kind {
	case acquisition.Connected:
		l.log.Info("transport connected")
		l.store.SetTransportConnected(true)
	case acquisition.Disconnected:
		l.log.Warn("transport disconnected, holding last snapshot", zap.Error(e.Err))
		l.store.SetTransportConnected(false)
	}
}

func (l *Loop) shutdown() {
	if l.batcher.Pending() > 0 {
		if err := l.batcher.Flush(); err != nil {
			l.m.SyncErrors.Inc()
			l.log.Error("final minute sync failed", zap.Error(err))
		} else {
			l.m.BatchesFlushed.Inc()
		}
	}
	if l.bcast != nil {
		l.bcast.Wait()
	}
	if l.rec != nil {
		l.rec.Close()
	}
	l.log.Info("stopped", zap.Uint64("frames", l.frames))
}
