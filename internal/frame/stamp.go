package frame

import (
	"encoding/binary"
	"time"

	"github.com/badgerloop-software/sc2-driver-io/internal/schema"
)

// StampTime writes host time into the frame's timestamp fields. The vehicle
// electronics carry no clock, so frames are stamped on the way through.
// Absent fields (offset -1) are skipped. buf must be a private copy.
func StampTime(buf []byte, off schema.TimestampOffsets, t time.Time) {
	put8 := func(o int, v int) {
		if o >= 0 && o < len(buf) {
			buf[o] = byte(v)
		}
	}
	put8(off.Hour, t.Hour())
	put8(off.Minute, t.Minute())
	put8(off.Second, t.Second())
	if off.Millis >= 0 && off.Millis+2 <= len(buf) {
		binary.LittleEndian.PutUint16(buf[off.Millis:], uint16(t.Nanosecond()/int(time.Millisecond)))
	}
	if off.Unix >= 0 && off.Unix+4 <= len(buf) {
		binary.LittleEndian.PutUint32(buf[off.Unix:], uint32(t.Unix()))
	}
}

// FrameTime recovers a frame's timestamp: tstamp_unix when present and
// non-zero, else hour/minute/second/ms on fallback's date, else fallback.
func FrameTime(d *Decoded, fallback time.Time) time.Time {
	if v, ok := d.Get("tstamp_unix"); ok && v.Uint != 0 {
		t := time.Unix(int64(v.Uint), 0).In(fallback.Location())
		if ms, ok := d.Get("tstamp_ms"); ok {
			t = t.Add(time.Duration(ms.Uint%1000) * time.Millisecond)
		}
		return t
	}
	mn, ok := d.Get("tstamp_mn")
	if !ok {
		return fallback
	}
	hr := uint64(fallback.Hour())
	if v, ok := d.Get("tstamp_hr"); ok {
		hr = v.Uint
	}
	var sc, ms uint64
	if v, ok := d.Get("tstamp_sc"); ok {
		sc = v.Uint
	}
	if v, ok := d.Get("tstamp_ms"); ok {
		ms = v.Uint
	}
	y, m, day := fallback.Date()
	return time.Date(y, m, day, int(hr%24), int(mn.Uint%60), int(sc%60), int(ms%1000)*int(time.Millisecond), fallback.Location())
}
