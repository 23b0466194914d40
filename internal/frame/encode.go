package frame

import (
	"encoding/binary"
	"math"

	"github.com/badgerloop-software/sc2-driver-io/internal/schema"
)

// Encode lays values out per the schema, the inverse of Decode. Missing
// names encode as zero. cells fills the cell-group range in order. Used by
// the demo source and by tests that need well-formed frames.
func Encode(s *schema.Schema, values map[string]any, cells []float64) []byte {
	buf := make([]byte, s.Size)
	ci := 0
	for i, f := range s.Fields {
		raw := buf[f.Offset : f.Offset+f.Width]
		if s.CellGroups.Contains(i) {
			if ci < len(cells) {
				scale := s.CellGroups.Scale
				if scale == 0 {
					scale = 1
				}
				x := (cells[ci] - s.CellGroups.Offset) / scale
				if f.Kind == schema.Float32 {
					binary.LittleEndian.PutUint32(raw, math.Float32bits(float32(x)))
				} else {
					writeUint(raw, uint64(math.Round(math.Max(x, 0))))
				}
			}
			ci++
			continue
		}

		switch f.Kind {
		case schema.BitFlags:
			var word uint64
			for bit, name := range f.Bits {
				if name == "" {
					continue
				}
				if b, _ := values[name].(bool); b {
					word |= 1 << uint(bit)
				}
			}
			writeUint(raw, word)
		case schema.Float32:
			binary.LittleEndian.PutUint32(raw, math.Float32bits(float32(toFloat(values[f.Name]))))
		case schema.Bool:
			if b, _ := values[f.Name].(bool); b {
				raw[0] = 1
			}
		case schema.StringFixed:
			str, _ := values[f.Name].(string)
			copy(raw, str)
		default:
			writeUint(raw, toUint(values[f.Name]))
		}
	}
	return buf
}

func writeUint(raw []byte, w uint64) {
	for i := range raw {
		raw[i] = byte(w >> (8 * uint(i)))
	}
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case uint64:
		return float64(x)
	}
	return 0
}

func toUint(v any) uint64 {
	switch x := v.(type) {
	case uint64:
		return x
	case int:
		if x > 0 {
			return uint64(x)
		}
	case uint8:
		return uint64(x)
	case uint16:
		return uint64(x)
	case uint32:
		return uint64(x)
	case float64:
		if x > 0 {
			return uint64(math.Round(x))
		}
	case bool:
		if x {
			return 1
		}
	}
	return 0
}
