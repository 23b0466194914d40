package frame

import (
	"encoding/binary"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/badgerloop-software/sc2-driver-io/internal/schema"
)

func speedHeadlights(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.New([]schema.Field{
		{Name: "speed", Width: 4, Kind: schema.Float32},
		{Name: "headlights", Width: 1, Kind: schema.Bool},
	}, schema.CellGroups{}, 5)
	require.NoError(t, err)
	return s
}

func TestDecodeSpeedAndHeadlights(t *testing.T) {
	s := speedHeadlights(t)

	d, err := Decode([]byte{0x00, 0x00, 0x20, 0x41, 0x01}, s)
	require.NoError(t, err)

	speed, ok := d.Get("speed")
	require.True(t, ok)
	assert.Equal(t, 10.0, speed.Float)

	lights, ok := d.Get("headlights")
	require.True(t, ok)
	assert.True(t, lights.Bool)
	assert.Equal(t, []string{"speed", "headlights"}, d.Order)
}

func TestDecodeShortBufferIsSizeMismatch(t *testing.T) {
	s := speedHeadlights(t)

	_, err := Decode([]byte{0x00, 0x00, 0x20, 0x41}, s)
	assert.ErrorIs(t, err, ErrFrameSizeMismatch)

	_, err = Decode(make([]byte, 6), s)
	assert.ErrorIs(t, err, ErrFrameSizeMismatch)
}

func TestDecodeDoesNotMutateAndIsDeterministic(t *testing.T) {
	s := mixedSchema(t)
	buf := make([]byte, s.Size)
	for i := range buf {
		buf[i] = byte(i*37 + 11)
	}
	orig := append([]byte(nil), buf...)

	a, err := Decode(buf, s)
	require.NoError(t, err)
	b, err := Decode(buf, s)
	require.NoError(t, err)

	assert.Equal(t, orig, buf)
	require.Equal(t, a.Order, b.Order)
	for _, name := range a.Order {
		va, vb := a.Values[name], b.Values[name]
		assert.Equal(t, va.Kind, vb.Kind, name)
		assert.Equal(t, va.Uint, vb.Uint, name)
		assert.Equal(t, math.Float64bits(va.Float), math.Float64bits(vb.Float), name)
		assert.Equal(t, va.Bool, vb.Bool, name)
		assert.Equal(t, va.Str, vb.Str, name)
	}
	require.Len(t, b.Cells, len(a.Cells))
	for i := range a.Cells {
		assert.Equal(t, math.Float64bits(a.Cells[i]), math.Float64bits(b.Cells[i]))
	}
}

func mixedSchema(t *testing.T) *schema.Schema {
	t.Helper()
	fields := []schema.Field{
		{Name: "fan_speed", Width: 1, Kind: schema.UInt8},
		{Name: "tstamp_ms", Width: 2, Kind: schema.UInt16},
		{Name: "soc", Width: 4, Kind: schema.Float32},
		{Name: "sc_flags", Width: 2, Kind: schema.BitFlags, Bits: []string{"driver_eStop", "", "crash", "door", "", "", "", "", "isolation"}},
		{Name: "state", Width: 6, Kind: schema.StringFixed},
	}
	for i := 0; i < 5; i++ {
		fields = append(fields, schema.Field{Name: cellName(i), Width: 2, Kind: schema.UInt16})
	}
	fields = append(fields, schema.Field{Name: "tstamp_unix", Width: 4, Kind: schema.UInt32})
	s, err := schema.New(fields, schema.CellGroups{Enabled: true, Begin: 5, End: 9, Scale: 0.001, Offset: 0.5}, 0)
	require.NoError(t, err)
	return s
}

func cellName(i int) string { return "cell_group" + string(rune('1'+i)) + "_voltage" }

func TestDecodeMixedKinds(t *testing.T) {
	s := mixedSchema(t)
	buf := make([]byte, s.Size)
	buf[0] = 200
	binary.LittleEndian.PutUint16(buf[1:], 999)
	binary.LittleEndian.PutUint32(buf[3:], math.Float32bits(87.5))
	binary.LittleEndian.PutUint16(buf[7:], 0b1_0000_0101) // driver_eStop, crash, isolation
	copy(buf[9:], "DRIVE\x00")
	for i := 0; i < 5; i++ {
		binary.LittleEndian.PutUint16(buf[15+2*i:], uint16(3000+i*100))
	}
	binary.LittleEndian.PutUint32(buf[25:], 1700000000)

	d, err := Decode(buf, s)
	require.NoError(t, err)

	assert.Equal(t, uint64(200), d.Values["fan_speed"].Uint)
	assert.Equal(t, uint64(999), d.Values["tstamp_ms"].Uint)
	assert.Equal(t, 87.5, d.Values["soc"].Float)
	assert.True(t, d.Values["driver_eStop"].Bool)
	assert.True(t, d.Values["crash"].Bool)
	assert.False(t, d.Values["door"].Bool)
	assert.True(t, d.Values["isolation"].Bool)
	assert.Equal(t, "DRIVE", d.Values["state"].Str)
	assert.Equal(t, uint64(1700000000), d.Values["tstamp_unix"].Uint)

	require.Len(t, d.Cells, 5)
	for i, v := range d.Cells {
		assert.InDelta(t, 3.5+0.1*float64(i), v, 1e-9)
	}
	_, isValue := d.Values[cellName(0)]
	assert.False(t, isValue, "cell groups decode into Cells only")
}

func TestDecodeCellCountFollowsSchema(t *testing.T) {
	for _, n := range []int{1, 3, 31} {
		fields := []schema.Field{{Name: "soc", Width: 4, Kind: schema.Float32}}
		for i := 0; i < n; i++ {
			fields = append(fields, schema.Field{Name: "cell_" + string(rune('A'+i)), Width: 4, Kind: schema.Float32})
		}
		s, err := schema.New(fields, schema.CellGroups{Enabled: true, Begin: 1, End: n, Scale: 1}, 0)
		require.NoError(t, err)

		buf := make([]byte, s.Size)
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint32(buf[4+4*i:], math.Float32bits(float32(i)))
		}
		d, err := Decode(buf, s)
		require.NoError(t, err)
		require.Len(t, d.Cells, n)
		for i := 0; i < n; i++ {
			assert.Equal(t, float64(i), d.Cells[i])
		}
	}
}

func TestStampTimeAndFrameTime(t *testing.T) {
	s := mixedSchema(t)
	buf := make([]byte, s.Size)
	at := time.Date(2025, 6, 1, 14, 12, 30, 250*int(time.Millisecond), time.UTC)

	StampTime(buf, s.TimestampOffsets(), at)
	d, err := Decode(buf, s)
	require.NoError(t, err)

	assert.Equal(t, uint64(250), d.Values["tstamp_ms"].Uint)
	got := FrameTime(d, time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.True(t, got.Equal(at), "got %v want %v", got, at)
}

func TestFrameTimeFromMinuteField(t *testing.T) {
	s, err := schema.New([]schema.Field{
		{Name: "tstamp_hr", Width: 1, Kind: schema.UInt8},
		{Name: "tstamp_mn", Width: 1, Kind: schema.UInt8},
	}, schema.CellGroups{}, 0)
	require.NoError(t, err)

	d, err := Decode([]byte{9, 13}, s)
	require.NoError(t, err)
	fallback := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	got := FrameTime(d, fallback)
	assert.Equal(t, 9, got.Hour())
	assert.Equal(t, 13, got.Minute())

	none, err := Decode([]byte{0, 0, 0, 0, 0}, speedHeadlights(t))
	require.NoError(t, err)
	assert.Equal(t, fallback, FrameTime(none, fallback))
}

func TestBufferWriterBounds(t *testing.T) {
	b := NewBuffer(4)
	err := b.Update(func(w *Writer) error {
		return w.WriteAt(2, []byte{1, 2, 3})
	})
	assert.Error(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0}, b.SnapshotBytes())

	w := b.Acquire()
	require.NoError(t, w.WriteAt(0, []byte{9}))
	w.Release()
	w.Release()
	assert.Panics(t, func() { _ = w.WriteAt(0, []byte{1}) })
	assert.Equal(t, []byte{9, 0, 0, 0}, b.SnapshotBytes())
}

// Writers fill the whole buffer with one byte value per iteration, split
// across a status write and a separate splice in the same critical section.
// Readers must never see two values mixed.
func TestBufferConcurrentWritesNeverTear(t *testing.T) {
	const size = 64
	const writes = 2000
	const readers = 8

	b := NewBuffer(size)
	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		status := make([]byte, size-12)
		splice := make([]byte, 12)
		for i := 1; i <= writes; i++ {
			for j := range status {
				status[j] = byte(i)
			}
			for j := range splice {
				splice[j] = byte(i)
			}
			_ = b.Update(func(w *Writer) error {
				if err := w.WriteAt(0, status); err != nil {
					return err
				}
				return w.WriteAt(size-12, splice)
			})
		}
		close(stop)
	}()

	errs := make(chan string, readers)
	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := b.SnapshotBytes()
				if len(snap) != size {
					errs <- "wrong length"
					return
				}
				for _, c := range snap {
					if c != snap[0] {
						errs <- "torn frame"
						return
					}
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Fatal(e)
	}
	assert.Equal(t, byte(writes%256), b.SnapshotBytes()[0])
}

func TestEncodeFeedsDecode(t *testing.T) {
	s := mixedSchema(t)
	buf := Encode(s, map[string]any{
		"fan_speed":    7,
		"soc":          55.25,
		"driver_eStop": true,
		"isolation":    true,
		"state":        "PARK",
	}, []float64{3.7, 3.8, 3.9, 4.0, 4.1})
	require.Len(t, buf, s.Size)

	d, err := Decode(buf, s)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), d.Values["fan_speed"].Uint)
	assert.Equal(t, 55.25, d.Values["soc"].Float)
	assert.True(t, d.Values["driver_eStop"].Bool)
	assert.False(t, d.Values["crash"].Bool)
	assert.True(t, d.Values["isolation"].Bool)
	assert.Equal(t, "PARK", d.Values["state"].Str)
	assert.InDeltaSlice(t, []float64{3.7, 3.8, 3.9, 4.0, 4.1}, d.Cells, 1e-9)
}
