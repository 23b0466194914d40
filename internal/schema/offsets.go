package schema

import "fmt"

// PositionOffsets says where the acquisition pipeline splices positioning
// fields into the frame. Each target is a 4-byte float field.
type PositionOffsets struct {
	Lat  int
	Lon  int
	Elev int
}

// PositionNames names the frame fields that carry a GPS fix.
type PositionNames struct {
	Lat  string `yaml:"lat" mapstructure:"lat"`
	Lon  string `yaml:"lon" mapstructure:"lon"`
	Elev string `yaml:"elev" mapstructure:"elev"`
}

// DefaultPositionNames matches the vehicle data format.
var DefaultPositionNames = PositionNames{Lat: "lat", Lon: "lon", Elev: "elev"}

// PositionOffsets resolves the named positioning fields. ok is false when
// the schema carries no positioning fields at all; a partial or mistyped set
// is an error.
func (s *Schema) PositionOffsets(names PositionNames) (PositionOffsets, bool, error) {
	lat, latOK := s.FieldByName(names.Lat)
	lon, lonOK := s.FieldByName(names.Lon)
	elev, elevOK := s.FieldByName(names.Elev)
	if !latOK && !lonOK && !elevOK {
		return PositionOffsets{}, false, nil
	}
	for _, f := range []struct {
		name string
		fld  Field
		ok   bool
	}{{names.Lat, lat, latOK}, {names.Lon, lon, lonOK}, {names.Elev, elev, elevOK}} {
		if !f.ok {
			return PositionOffsets{}, false, fmt.Errorf("%w: positioning field %q missing", ErrInvalidSchema, f.name)
		}
		if f.fld.Kind != Float32 {
			return PositionOffsets{}, false, fmt.Errorf("%w: positioning field %q must be float, got %s", ErrInvalidSchema, f.name, f.fld.Kind)
		}
	}
	return PositionOffsets{Lat: lat.Offset, Lon: lon.Offset, Elev: elev.Offset}, true, nil
}

// TimestampOffsets locates the host-time fields of a frame; -1 means absent.
type TimestampOffsets struct {
	Hour   int
	Minute int
	Second int
	Millis int
	Unix   int
}

// Any reports whether at least one timestamp field exists.
func (t TimestampOffsets) Any() bool {
	return t.Hour >= 0 || t.Minute >= 0 || t.Second >= 0 || t.Millis >= 0 || t.Unix >= 0
}

// TimestampOffsets finds tstamp_hr, tstamp_mn, tstamp_sc, tstamp_ms and
// tstamp_unix. Fields with an unexpected kind are ignored.
func (s *Schema) TimestampOffsets() TimestampOffsets {
	find := func(name string, kinds ...Kind) int {
		f, ok := s.FieldByName(name)
		if !ok {
			return -1
		}
		for _, k := range kinds {
			if f.Kind == k {
				return f.Offset
			}
		}
		return -1
	}
	return TimestampOffsets{
		Hour:   find("tstamp_hr", UInt8),
		Minute: find("tstamp_mn", UInt8),
		Second: find("tstamp_sc", UInt8),
		Millis: find("tstamp_ms", UInt16),
		Unix:   find("tstamp_unix", UInt32),
	}
}
