package recorder

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/badgerloop-software/sc2-driver-io/internal/frame"
	"github.com/badgerloop-software/sc2-driver-io/internal/schema"
)

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.New([]schema.Field{
		{Name: "speed", Width: 4, Kind: schema.Float32},
		{Name: "flags", Width: 1, Kind: schema.BitFlags, Bits: []string{"door", "crash"}},
		{Name: "c1", Width: 2, Kind: schema.UInt16},
		{Name: "c2", Width: 2, Kind: schema.UInt16},
	}, schema.CellGroups{Enabled: true, Begin: 2, End: 3, Scale: 0.001}, 0)
	require.NoError(t, err)
	return s
}

func readCSV(t *testing.T, dir string) [][][]string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	require.NoError(t, err)
	var out [][][]string
	for _, f := range files {
		fh, err := os.Open(f)
		require.NoError(t, err)
		rows, err := csv.NewReader(fh).ReadAll()
		fh.Close()
		require.NoError(t, err)
		out = append(out, rows)
	}
	return out
}

func TestRecordWritesSchemaColumns(t *testing.T) {
	s := testSchema(t)
	dir := t.TempDir()
	r := New(Config{Enabled: true, Path: dir}, s, zaptest.NewLogger(t))

	d, err := frame.Decode(frame.Encode(s, map[string]any{"speed": 12.5, "crash": true}, []float64{3.6, 3.7}), s)
	require.NoError(t, err)
	r.Record(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC), d)
	r.Close()

	files := readCSV(t, dir)
	require.Len(t, files, 1)
	rows := files[0]
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"timestamp", "speed", "door", "crash", "cell_group1_voltage", "cell_group2_voltage"}, rows[0])
	assert.Equal(t, []string{"2025-06-01T10:00:00Z", "12.5", "0", "1", "3.6000", "3.7000"}, rows[1])
}

func TestRecordThrottlesAndRotates(t *testing.T) {
	s := testSchema(t)
	dir := t.TempDir()
	r := New(Config{Enabled: true, Path: dir, IntervalMs: 100, MaxRows: 2}, s, zaptest.NewLogger(t))
	d, err := frame.Decode(make([]byte, s.Size), s)
	require.NoError(t, err)

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		// every other call lands inside the throttle window
		r.Record(base.Add(time.Duration(i)*60*time.Millisecond), d)
	}
	r.Close()

	files := readCSV(t, dir)
	total := 0
	for _, rows := range files {
		assert.LessOrEqual(t, len(rows)-1, 2)
		total += len(rows) - 1
	}
	assert.Equal(t, 3, total)
	assert.Len(t, files, 2)
}

func TestDisabledRecordsNothing(t *testing.T) {
	s := testSchema(t)
	dir := t.TempDir()
	r := New(Config{Enabled: false, Path: dir}, s, zaptest.NewLogger(t))
	d, err := frame.Decode(make([]byte, s.Size), s)
	require.NoError(t, err)
	r.Record(time.Now(), d)
	assert.Empty(t, readCSV(t, dir))
}
