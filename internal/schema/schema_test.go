package schema

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
cell_groups:
  begin: cell_group1_voltage
  end: cell_group3_voltage
  scale: 0.001
  offset: 0
fields:
  - {name: speed, bytes: 4, type: float, units: mph}
  - {name: headlights, bytes: 1, type: bool}
  - {name: sc_flags, bytes: 1, type: bitflags, bits: [driver_eStop, external_eStop, "", crash]}
  - {name: cell_group1_voltage, bytes: 2, type: uint16}
  - {name: cell_group2_voltage, bytes: 2, type: uint16}
  - {name: cell_group3_voltage, bytes: 2, type: uint16}
  - {name: state, bytes: 8, type: char}
  - {name: lat, bytes: 4, type: float}
  - {name: lon, bytes: 4, type: float}
  - {name: elev, bytes: 4, type: float}
  - {name: tstamp_mn, bytes: 1, type: uint8}
  - {name: tstamp_unix, bytes: 4, type: uint32}
`

func TestParseComputesOffsetsAndSize(t *testing.T) {
	s, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 37, s.Size)
	assert.Equal(t, 3, s.CellCount())
	assert.Equal(t, 3, s.CellGroups.Begin)
	assert.Equal(t, 5, s.CellGroups.End)

	f, ok := s.FieldByName("state")
	require.True(t, ok)
	assert.Equal(t, 12, f.Offset)
	assert.Equal(t, StringFixed, f.Kind)

	assert.Equal(t,
		[]string{"speed", "headlights", "driver_eStop", "external_eStop", "crash", "state", "lat", "lon", "elev", "tstamp_mn", "tstamp_unix"},
		s.Names())
}

func TestPositionAndTimestampOffsets(t *testing.T) {
	s, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	pos, ok, err := s.PositionOffsets(DefaultPositionNames)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, PositionOffsets{Lat: 20, Lon: 24, Elev: 28}, pos)

	ts := s.TimestampOffsets()
	assert.Equal(t, 32, ts.Minute)
	assert.Equal(t, 33, ts.Unix)
	assert.Equal(t, -1, ts.Hour)
	assert.True(t, ts.Any())
}

func TestPositionOffsetsAbsent(t *testing.T) {
	s, err := New([]Field{{Name: "speed", Width: 4, Kind: Float32}}, CellGroups{}, 0)
	require.NoError(t, err)
	_, ok, err := s.PositionOffsets(DefaultPositionNames)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPositionOffsetsWrongKind(t *testing.T) {
	s, err := New([]Field{
		{Name: "lat", Width: 4, Kind: Float32},
		{Name: "lon", Width: 4, Kind: UInt32},
		{Name: "elev", Width: 4, Kind: Float32},
	}, CellGroups{}, 0)
	require.NoError(t, err)
	_, _, err = s.PositionOffsets(DefaultPositionNames)
	assert.ErrorIs(t, err, ErrInvalidSchema)
}

func TestValidateRejectsMalformed(t *testing.T) {
	tests := []struct {
		name   string
		fields []Field
		cells  CellGroups
		size   int
	}{
		{"empty", nil, CellGroups{}, 0},
		{"zero width", []Field{{Name: "a", Width: 0, Kind: StringFixed}}, CellGroups{}, 0},
		{"float wrong width", []Field{{Name: "a", Width: 2, Kind: Float32}}, CellGroups{}, 0},
		{"duplicate", []Field{{Name: "a", Width: 1, Kind: Bool}, {Name: "a", Width: 1, Kind: Bool}}, CellGroups{}, 0},
		{"declared size", []Field{{Name: "a", Width: 1, Kind: Bool}}, CellGroups{}, 5},
		{"too many bits", []Field{{Name: "f", Width: 1, Kind: BitFlags, Bits: make([]string, 9)}}, CellGroups{}, 0},
		{"cells out of range", []Field{{Name: "a", Width: 1, Kind: UInt8}}, CellGroups{Enabled: true, Begin: 0, End: 3}, 0},
		{"cells not numeric", []Field{{Name: "a", Width: 1, Kind: Bool}}, CellGroups{Enabled: true, Begin: 0, End: 0}, 0},
		{"cells not homogeneous", []Field{
			{Name: "a", Width: 1, Kind: UInt8},
			{Name: "b", Width: 2, Kind: UInt16},
		}, CellGroups{Enabled: true, Begin: 0, End: 1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.fields, tt.cells, tt.size)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidSchema), "got %v", err)
		})
	}
}

func TestParseUnknownType(t *testing.T) {
	_, err := Parse([]byte("fields:\n  - {name: a, bytes: 8, type: double}\n"))
	assert.ErrorIs(t, err, ErrInvalidSchema)
}

func TestParseMissingCellMarker(t *testing.T) {
	doc := "cell_groups: {begin: nope, end: a}\nfields:\n  - {name: a, bytes: 1, type: uint8}\n"
	_, err := Parse([]byte(doc))
	assert.ErrorIs(t, err, ErrInvalidSchema)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "format.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 37, s.Size)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDefaultFormat(t *testing.T) {
	parsed, err := Parse(DefaultFormat())
	require.NoError(t, err)
	for _, name := range []string{"accelerator_pedal", "soc", "est_supplemental_soc"} {
		f, ok := parsed.FieldByName(name)
		require.True(t, ok, name)
		assert.Equal(t, "%", f.Units, name)
	}
	last := parsed.Fields[len(parsed.Fields)-1]
	assert.Equal(t, parsed.Size, last.Offset+last.Width)

	s := Default()
	assert.Equal(t, 184, s.Size)
	assert.Equal(t, 31, s.CellCount())

	for _, name := range []string{"driver_eStop", "isolation", "charge_interlock_failsafe", "headlights", "state", "tstamp_unix"} {
		assert.Contains(t, s.Names(), name)
	}
	_, ok, err := s.PositionOffsets(DefaultPositionNames)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, s.TimestampOffsets().Any())
}
