// Package acquisition keeps the shared frame buffer filled from the vehicle
// transport and the positioning receiver.
package acquisition

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/badgerloop-software/sc2-driver-io/internal/frame"
	"github.com/badgerloop-software/sc2-driver-io/internal/gps"
	"github.com/badgerloop-software/sc2-driver-io/internal/metrics"
	"github.com/badgerloop-software/sc2-driver-io/internal/schema"
	"github.com/badgerloop-software/sc2-driver-io/internal/source"
)

// ErrStopTimeout is returned by Stop when a loop did not exit in time.
var ErrStopTimeout = errors.New("acquisition: loops did not stop in time")

// EventKind distinguishes pipeline events.
type EventKind int

const (
	Connected EventKind = iota
	DataAvailable
	Disconnected
)

func (k EventKind) String() string {
	switch k {
	case Connected:
		return "connected"
	case DataAvailable:
		return "data_available"
	case Disconnected:
		return "disconnected"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is a transport edge. DataAvailable is not sent here; it is
// coalesced on Ready.
type Event struct {
	Kind EventKind
	At   time.Time
	Err  error
}

// Config sets where incoming bytes land in the frame.
type Config struct {
	StatusOffset int
	StatusLength int // 0 means the rest of the buffer after StatusOffset

	Position    schema.PositionOffsets
	HasPosition bool

	GPSPoll   time.Duration // default 100ms
	StopGrace time.Duration // default 5s

	BackoffMin time.Duration // default 1s
	BackoffMax time.Duration // default 60s
}

// Stats are cumulative counters since Start.
type Stats struct {
	Frames     uint64
	Fixes      uint64
	Reconnects uint64
	Coalesced  uint64
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

func WithMetrics(m *metrics.Metrics) Option { return func(p *Pipeline) { p.m = m } }

func WithOdometer(o *gps.Odometer) Option { return func(p *Pipeline) { p.odo = o } }

// Pipeline runs the transport loop and the positioning loop. Both write
// the shared buffer under its lock; the transport loop also re-applies the
// last fix in the same critical section so a status write never clobbers
// positioning.
type Pipeline struct {
	buf *frame.Buffer
	src source.Source
	gps gps.Provider
	cfg Config
	log *zap.Logger
	m   *metrics.Metrics
	odo *gps.Odometer

	ready  chan struct{}
	events chan Event

	fixMu   sync.Mutex
	lastFix gps.Fix
	haveFix bool

	frames     atomic.Uint64
	fixes      atomic.Uint64
	reconnects atomic.Uint64
	coalesced  atomic.Uint64

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New validates the layout against the buffer. gpsProv may be nil.
func New(buf *frame.Buffer, src source.Source, gpsProv gps.Provider, cfg Config, log *zap.Logger, opts ...Option) (*Pipeline, error) {
	if cfg.StatusLength == 0 {
		cfg.StatusLength = buf.Size() - cfg.StatusOffset
	}
	if cfg.StatusOffset < 0 || cfg.StatusLength <= 0 || cfg.StatusOffset+cfg.StatusLength > buf.Size() {
		return nil, fmt.Errorf("acquisition: status region [%d,+%d) outside %d-byte frame",
			cfg.StatusOffset, cfg.StatusLength, buf.Size())
	}
	if cfg.HasPosition {
		for _, off := range []int{cfg.Position.Lat, cfg.Position.Lon, cfg.Position.Elev} {
			if off < 0 || off+4 > buf.Size() {
				return nil, fmt.Errorf("acquisition: position offset %d outside %d-byte frame", off, buf.Size())
			}
		}
	}
	if cfg.GPSPoll <= 0 {
		cfg.GPSPoll = 100 * time.Millisecond
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 60 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}

	p := &Pipeline{
		buf:    buf,
		src:    src,
		gps:    gpsProv,
		cfg:    cfg,
		log:    log,
		ready:  make(chan struct{}, 1),
		events: make(chan Event, 16),
	}
	for _, o := range opts {
		o(p)
	}
	if p.m == nil {
		p.m = metrics.Discard()
	}
	return p, nil
}

// Ready receives one signal per burst of new frames. A pending signal
// absorbs later ones, so a slow consumer always reads the newest frame.
func (p *Pipeline) Ready() <-chan struct{} { return p.ready }

// Events carries Connected and Disconnected edges. It is closed once Stop
// has joined both loops.
func (p *Pipeline) Events() <-chan Event { return p.events }

// Start launches both loops.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("acquisition: already started")
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.transportLoop(ctx)
	if p.gps != nil && p.cfg.HasPosition {
		p.wg.Add(1)
		go p.positionLoop(ctx)
	}
	p.log.Info("started", zap.String("source", p.src.Name()), zap.Bool("gps", p.gps != nil && p.cfg.HasPosition))
	return nil
}

// Stop cancels both loops, closes the devices to unblock reads and waits
// for the loops to exit.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	if err := p.src.Close(); err != nil {
		p.log.Debug("source close", zap.Error(err))
	}
	if p.gps != nil {
		if err := p.gps.Close(); err != nil {
			p.log.Debug("gps close", zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		close(p.events)
		p.log.Info("stopped")
		return nil
	case <-time.After(p.cfg.StopGrace):
		p.log.Error("loops still running after grace period", zap.Duration("grace", p.cfg.StopGrace))
		return ErrStopTimeout
	}
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Frames:     p.frames.Load(),
		Fixes:      p.fixes.Load(),
		Reconnects: p.reconnects.Load(),
		Coalesced:  p.coalesced.Load(),
	}
}

func (p *Pipeline) transportLoop(ctx context.Context) {
	defer p.wg.Done()
	scratch := make([]byte, p.cfg.StatusLength)

	for {
		if !retry(ctx, p.log, p.src.Name(), p.cfg.BackoffMin, p.cfg.BackoffMax, func() error {
			return p.src.Connect(ctx)
		}) {
			return
		}
		p.m.TransportConnected.Set(1)
		p.emit(Event{Kind: Connected, At: time.Now()})

		for {
			err := p.src.ReadFrame(scratch)
			if ctx.Err() != nil {
				p.m.TransportConnected.Set(0)
				return
			}
			if err != nil {
				p.m.TransportConnected.Set(0)
				p.m.Reconnects.Inc()
				p.reconnects.Add(1)
				p.emit(Event{Kind: Disconnected, At: time.Now(), Err: err})
				break
			}
			p.storeStatus(scratch)
		}
	}
}

func (p *Pipeline) storeStatus(status []byte) {
	err := p.buf.Update(func(w *frame.Writer) error {
		if err := w.WriteAt(p.cfg.StatusOffset, status); err != nil {
			return err
		}
		if fix, ok := p.latestFix(); ok {
			return p.splice(w, fix)
		}
		return nil
	})
	if err != nil {
		p.log.Error("status write failed", zap.Error(err))
		return
	}
	p.frames.Add(1)
	p.m.FramesReceived.Inc()

	select {
	case p.ready <- struct{}{}:
	default:
		p.coalesced.Add(1)
		p.m.FramesCoalesced.Inc()
	}
}

func (p *Pipeline) positionLoop(ctx context.Context) {
	defer p.wg.Done()
	if !retry(ctx, p.log, p.gps.Name(), p.cfg.BackoffMin, p.cfg.BackoffMax, p.gps.Connect) {
		return
	}

	ticker := time.NewTicker(p.cfg.GPSPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		data, err := p.gps.Read()
		if err != nil {
			p.log.Debug("gps read", zap.Error(err))
			continue
		}
		if p.odo != nil {
			p.odo.Update(data)
		}
		fix, ok := data.Fix()
		if !ok {
			continue
		}

		p.fixMu.Lock()
		p.lastFix, p.haveFix = fix, true
		p.fixMu.Unlock()

		if err := p.buf.Update(func(w *frame.Writer) error { return p.splice(w, fix) }); err != nil {
			p.log.Error("gps splice failed", zap.Error(err))
			continue
		}
		p.fixes.Add(1)
		p.m.GPSFixes.Inc()
	}
}

func (p *Pipeline) latestFix() (gps.Fix, bool) {
	p.fixMu.Lock()
	defer p.fixMu.Unlock()
	return p.lastFix, p.haveFix
}

// splice writes the fix as little-endian float32 at the position offsets.
// Caller holds the buffer.
func (p *Pipeline) splice(w *frame.Writer, fix gps.Fix) error {
	var b [4]byte
	for _, f := range []struct {
		off int
		v   float32
	}{
		{p.cfg.Position.Lat, fix.Lat},
		{p.cfg.Position.Lon, fix.Lon},
		{p.cfg.Position.Elev, fix.Elevation},
	} {
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(f.v))
		if err := w.WriteAt(f.off, b[:]); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) emit(e Event) {
	switch e.Kind {
	case Connected:
		p.log.Info("transport connected", zap.String("source", p.src.Name()))
	case Disconnected:
		p.log.Warn("transport disconnected", zap.String("source", p.src.Name()), zap.Error(e.Err))
	}
	select {
	case p.events <- e:
	default:
		p.log.Warn("event dropped, consumer behind", zap.Stringer("kind", e.Kind))
	}
}

// retry calls connect with exponential backoff until it succeeds. It
// returns false if ctx ends first, including during a successful connect.
func retry(ctx context.Context, log *zap.Logger, name string, min, max time.Duration, connect func() error) bool {
	delay := min
	attempt := 0
	for {
		if ctx.Err() != nil {
			return false
		}
		err := connect()
		if err == nil {
			if ctx.Err() != nil {
				// stopped while connecting
				return false
			}
			log.Info("connected", zap.String("device", name), zap.Int("attempt", attempt+1))
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		attempt++
		log.Warn("connect failed",
			zap.String("device", name), zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay), zap.Error(err))

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		delay *= 2
		if delay > max {
			delay = max
		}
	}
}
