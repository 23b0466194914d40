package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/badgerloop-software/sc2-driver-io/internal/schema"
)

// ErrFrameSizeMismatch is returned when a buffer does not match the
// schema's total width. Callers keep their previous snapshot.
var ErrFrameSizeMismatch = errors.New("frame: size mismatch")

// Value is one decoded field. Exactly one of the payload fields is
// meaningful, selected by Kind (BitFlags bits decode as Bool).
type Value struct {
	Kind  schema.Kind
	Uint  uint64
	Float float64
	Bool  bool
	Str   string
}

// Any returns the natural Go value for JSON and CSV output.
func (v Value) Any() any {
	switch v.Kind {
	case schema.UInt8, schema.UInt16, schema.UInt32:
		return v.Uint
	case schema.Float32:
		return v.Float
	case schema.Bool, schema.BitFlags:
		return v.Bool
	case schema.StringFixed:
		return v.Str
	}
	return nil
}

// Decoded is the schema-driven view of one frame.
type Decoded struct {
	Values map[string]Value
	Order  []string
	Cells  []float64
}

// Get returns the named value.
func (d *Decoded) Get(name string) (Value, bool) {
	v, ok := d.Values[name]
	return v, ok
}

// Decode walks the schema over buf left to right. It never mutates buf and
// never fails on field contents: any bit pattern maps to its target type.
func Decode(buf []byte, s *schema.Schema) (*Decoded, error) {
	if len(buf) != s.Size {
		return nil, fmt.Errorf("%w: got %d bytes, schema wants %d", ErrFrameSizeMismatch, len(buf), s.Size)
	}

	d := &Decoded{
		Values: make(map[string]Value, len(s.Fields)),
		Order:  make([]string, 0, len(s.Fields)),
		Cells:  make([]float64, 0, s.CellCount()),
	}

	cursor := 0
	for i, f := range s.Fields {
		raw := buf[cursor : cursor+f.Width]
		cursor += f.Width

		if s.CellGroups.Contains(i) {
			d.Cells = append(d.Cells, cellVoltage(raw, f.Kind, s.CellGroups))
			continue
		}

		switch f.Kind {
		case schema.BitFlags:
			word := readUint(raw)
			for bit, name := range f.Bits {
				if name == "" {
					continue
				}
				d.put(name, Value{Kind: schema.Bool, Bool: word&(1<<uint(bit)) != 0})
			}
		default:
			d.put(f.Name, decodeScalar(raw, f.Kind))
		}
	}
	return d, nil
}

// Flag returns a boolean field. ok is false when the frame has no such
// field or it is not boolean.
func (d *Decoded) Flag(name string) (bool, bool) {
	v, ok := d.Values[name]
	if !ok || v.Kind != schema.Bool {
		return false, false
	}
	return v.Bool, true
}

func (d *Decoded) put(name string, v Value) {
	d.Values[name] = v
	d.Order = append(d.Order, name)
}

func decodeScalar(raw []byte, k schema.Kind) Value {
	v := Value{Kind: k}
	switch k {
	case schema.UInt8:
		v.Uint = uint64(raw[0])
	case schema.UInt16:
		v.Uint = uint64(binary.LittleEndian.Uint16(raw))
	case schema.UInt32:
		v.Uint = uint64(binary.LittleEndian.Uint32(raw))
	case schema.Float32:
		v.Float = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw)))
	case schema.Bool:
		v.Bool = raw[0] != 0
	case schema.StringFixed:
		v.Str = string(bytes.TrimRight(raw, "\x00 "))
	}
	return v
}

func cellVoltage(raw []byte, k schema.Kind, c schema.CellGroups) float64 {
	var x float64
	if k == schema.Float32 {
		x = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw)))
	} else {
		x = float64(readUint(raw))
	}
	return x*c.Scale + c.Offset
}

// readUint reads a little-endian unsigned integer of 1 to 8 bytes.
func readUint(raw []byte) uint64 {
	var w uint64
	for i := len(raw) - 1; i >= 0; i-- {
		w = w<<8 | uint64(raw[i])
	}
	return w
}
