package acquisition

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/badgerloop-software/sc2-driver-io/internal/frame"
	"github.com/badgerloop-software/sc2-driver-io/internal/gps"
	"github.com/badgerloop-software/sc2-driver-io/internal/schema"
	"github.com/badgerloop-software/sc2-driver-io/internal/source"
)

// fakeSource hands out queued frames; a nil entry simulates a dropped link.
type fakeSource struct {
	mu        sync.Mutex
	frames    chan []byte
	closed    chan struct{}
	connects  int
	failFirst int
	connected bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{frames: make(chan []byte, 64), closed: make(chan struct{})}
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connects <= f.failFirst {
		return errors.New("not yet")
	}
	f.connected = true
	return nil
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	f.connected = false
	return nil
}

func (f *fakeSource) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSource) ReadFrame(buf []byte) error {
	select {
	case <-f.closed:
		return source.ErrDisconnected
	case b := <-f.frames:
		if b == nil {
			f.mu.Lock()
			f.connected = false
			f.mu.Unlock()
			return source.ErrDisconnected
		}
		copy(buf, b)
		return nil
	}
}

type fakeGPS struct {
	data gps.Data
}

func (g *fakeGPS) Name() string   { return "fake gps" }
func (g *fakeGPS) Connect() error { return nil }
func (g *fakeGPS) Close() error   { return nil }
func (g *fakeGPS) Read() (*gps.Data, error) {
	d := g.data
	return &d, nil
}

// Frame layout: 4 status bytes then lat, lon, elev float32.
const frameSize = 16

var positions = schema.PositionOffsets{Lat: 4, Lon: 8, Elev: 12}

func testConfig() Config {
	return Config{
		StatusOffset: 0,
		StatusLength: 4,
		Position:     positions,
		HasPosition:  true,
		GPSPoll:      5 * time.Millisecond,
		StopGrace:    2 * time.Second,
		BackoffMin:   time.Millisecond,
		BackoffMax:   4 * time.Millisecond,
	}
}

func readFloat(b []byte, off int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b[off:]))
}

func waitReady(t *testing.T, p *Pipeline) {
	t.Helper()
	select {
	case <-p.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("no frame-ready signal")
	}
}

func TestStatusWriteKeepsPositionSplice(t *testing.T) {
	buf := frame.NewBuffer(frameSize)
	src := newFakeSource()
	g := &fakeGPS{data: gps.Data{Valid: true, Latitude: 43.07, Longitude: -89.40, Altitude: 263}}

	p, err := New(buf, src, g, testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	require.Eventually(t, func() bool { return p.Stats().Fixes > 0 }, 2*time.Second, time.Millisecond)

	src.frames <- []byte{1, 2, 3, 4}
	waitReady(t, p)

	snap := buf.SnapshotBytes()
	assert.Equal(t, []byte{1, 2, 3, 4}, snap[:4])
	assert.Equal(t, float32(43.07), readFloat(snap, 4))
	assert.Equal(t, float32(-89.40), readFloat(snap, 8))
	assert.Equal(t, float32(263), readFloat(snap, 12))
}

func TestPositionUpdatesNeverRaiseReady(t *testing.T) {
	buf := frame.NewBuffer(frameSize)
	g := &fakeGPS{data: gps.Data{Valid: true, Latitude: 1, Longitude: 2, Altitude: 3}}

	p, err := New(buf, newFakeSource(), g, testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	require.Eventually(t, func() bool { return p.Stats().Fixes >= 3 }, 2*time.Second, time.Millisecond)
	select {
	case <-p.Ready():
		t.Fatal("positioning raised frame ready")
	default:
	}
	assert.Equal(t, float32(1), readFloat(buf.SnapshotBytes(), 4))
}

func TestInvalidFixIsNotSpliced(t *testing.T) {
	buf := frame.NewBuffer(frameSize)
	src := newFakeSource()
	g := &fakeGPS{data: gps.Data{Valid: false, Latitude: 9}}

	p, err := New(buf, src, g, testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	time.Sleep(30 * time.Millisecond)
	src.frames <- []byte{7, 7, 7, 7}
	waitReady(t, p)
	assert.Equal(t, uint64(0), p.Stats().Fixes)
	assert.Equal(t, float32(0), readFloat(buf.SnapshotBytes(), 4))
}

func TestReadyCoalescesBursts(t *testing.T) {
	buf := frame.NewBuffer(frameSize)
	src := newFakeSource()
	p, err := New(buf, src, nil, testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	for i := byte(1); i <= 10; i++ {
		src.frames <- []byte{i, i, i, i}
	}
	require.Eventually(t, func() bool { return p.Stats().Frames == 10 }, 2*time.Second, time.Millisecond)

	waitReady(t, p)
	select {
	case <-p.Ready():
		t.Fatal("burst produced more than one pending signal")
	default:
	}
	assert.Equal(t, uint64(9), p.Stats().Coalesced)
	assert.Equal(t, []byte{10, 10, 10, 10}, buf.SnapshotBytes()[:4])
}

func TestReconnectEmitsEdges(t *testing.T) {
	buf := frame.NewBuffer(frameSize)
	src := newFakeSource()
	src.failFirst = 2

	p, err := New(buf, src, nil, testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	next := func() Event {
		select {
		case e := <-p.Events():
			return e
		case <-time.After(2 * time.Second):
			t.Fatal("no event")
			return Event{}
		}
	}

	assert.Equal(t, Connected, next().Kind)
	src.frames <- nil
	e := next()
	assert.Equal(t, Disconnected, e.Kind)
	assert.ErrorIs(t, e.Err, source.ErrDisconnected)
	assert.Equal(t, Connected, next().Kind)

	src.frames <- []byte{5, 5, 5, 5}
	waitReady(t, p)
	assert.Equal(t, uint64(1), p.Stats().Reconnects)

	require.NoError(t, p.Stop())
	_, open := <-p.Events()
	assert.False(t, open, "events closed after stop")
	assert.NoError(t, p.Stop(), "second stop is a no-op")
}

func TestNewRejectsLayoutOutsideFrame(t *testing.T) {
	buf := frame.NewBuffer(frameSize)
	cfg := testConfig()
	cfg.StatusOffset = 14
	_, err := New(buf, newFakeSource(), nil, cfg, zaptest.NewLogger(t))
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Position.Elev = 13
	_, err = New(buf, newFakeSource(), nil, cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestRetryBacksOffUntilContextEnds(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	calls := 0
	ok := retry(ctx, zaptest.NewLogger(t), "dead", time.Millisecond, 8*time.Millisecond, func() error {
		calls++
		return errors.New("down")
	})
	assert.False(t, ok)
	assert.Greater(t, calls, 2)
}

func TestRetryReportsCancelDuringConnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ok := retry(ctx, zaptest.NewLogger(t), "late", time.Millisecond, time.Millisecond, func() error {
		cancel()
		return nil
	})
	assert.False(t, ok)
}
