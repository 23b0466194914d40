package schema

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidSchema is wrapped by every validation failure.
var ErrInvalidSchema = errors.New("schema: invalid")

// Kind is the wire interpretation of a field's bytes.
type Kind int

const (
	UInt8 Kind = iota
	UInt16
	UInt32
	Float32
	Bool
	BitFlags
	StringFixed
)

func (k Kind) String() string {
	switch k {
	case UInt8:
		return "uint8"
	case UInt16:
		return "uint16"
	case UInt32:
		return "uint32"
	case Float32:
		return "float"
	case Bool:
		return "bool"
	case BitFlags:
		return "bitflags"
	case StringFixed:
		return "string"
	default:
		return "unknown"
	}
}

// Numeric reports whether the kind can be used as a cell-group raw value.
func (k Kind) Numeric() bool {
	return k == UInt8 || k == UInt16 || k == UInt32 || k == Float32
}

// ParseKind maps a data-format type name to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "uint8", "u8", "byte":
		return UInt8, nil
	case "uint16", "u16":
		return UInt16, nil
	case "uint32", "u32":
		return UInt32, nil
	case "float", "float32", "f32":
		return Float32, nil
	case "bool":
		return Bool, nil
	case "bitflags", "flags":
		return BitFlags, nil
	case "char", "string":
		return StringFixed, nil
	}
	return 0, fmt.Errorf("%w: unknown field type %q", ErrInvalidSchema, s)
}

// Field describes one slice of the frame.
type Field struct {
	Name  string
	Width int
	Kind  Kind
	Bits  []string // bit i (LSB first) -> name, "" skips the bit
	Units string

	Offset int // derived byte offset within the frame
}

// CellGroups marks the inclusive descriptor range decoded as cell voltages.
type CellGroups struct {
	Enabled bool
	Begin   int
	End     int
	Scale   float64
	Offset  float64
}

// Count returns the number of cell groups, 0 when the schema has none.
func (c CellGroups) Count() int {
	if !c.Enabled || c.End < c.Begin {
		return 0
	}
	return c.End - c.Begin + 1
}

// Contains reports whether descriptor i belongs to the cell-group run.
func (c CellGroups) Contains(i int) bool {
	return c.Count() > 0 && i >= c.Begin && i <= c.End
}

// Schema is the ordered, immutable frame layout. It is shared read-only
// by every decode once Load returns.
type Schema struct {
	Fields     []Field
	CellGroups CellGroups
	Size       int

	index map[string]int
}

// fileFormat is the on-disk layout of a schema file.
type fileFormat struct {
	Size       int `yaml:"size"`
	CellGroups *struct {
		Begin  string  `yaml:"begin"`
		End    string  `yaml:"end"`
		Scale  float64 `yaml:"scale"`
		Offset float64 `yaml:"offset"`
	} `yaml:"cell_groups"`
	Fields []struct {
		Name  string   `yaml:"name"`
		Bytes int      `yaml:"bytes"`
		Type  string   `yaml:"type"`
		Units string   `yaml:"units"`
		Bits  []string `yaml:"bits"`
	} `yaml:"fields"`
}

// Load reads and validates a schema file.
func Load(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schema: read %s: %w", path, err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Parse builds a schema from YAML bytes.
func Parse(data []byte) (*Schema, error) {
	var ff fileFormat
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}

	fields := make([]Field, 0, len(ff.Fields))
	for i, raw := range ff.Fields {
		kind, err := ParseKind(raw.Type)
		if err != nil {
			return nil, fmt.Errorf("field %d (%s): %w", i, raw.Name, err)
		}
		fields = append(fields, Field{
			Name:  strings.TrimSpace(raw.Name),
			Width: raw.Bytes,
			Kind:  kind,
			Bits:  raw.Bits,
			Units: raw.Units,
		})
	}

	var cells CellGroups
	if ff.CellGroups != nil {
		cells.Enabled = true
		cells.Scale = ff.CellGroups.Scale
		cells.Offset = ff.CellGroups.Offset
		if cells.Scale == 0 {
			cells.Scale = 1
		}
		cells.Begin = indexOf(fields, ff.CellGroups.Begin)
		cells.End = indexOf(fields, ff.CellGroups.End)
		if cells.Begin < 0 || cells.End < 0 {
			return nil, fmt.Errorf("%w: cell group markers %q..%q not found",
				ErrInvalidSchema, ff.CellGroups.Begin, ff.CellGroups.End)
		}
	}

	return New(fields, cells, ff.Size)
}

// New validates the descriptors and returns an immutable schema. A declared
// size of 0 means "sum of widths".
func New(fields []Field, cells CellGroups, declaredSize int) (*Schema, error) {
	s := &Schema{
		Fields:     append([]Field(nil), fields...),
		CellGroups: cells,
		index:      make(map[string]int, len(fields)),
	}
	off := 0
	for i := range s.Fields {
		s.Fields[i].Offset = off
		off += s.Fields[i].Width
	}
	s.Size = off
	if declaredSize != 0 && declaredSize != off {
		return nil, fmt.Errorf("%w: declared size %d != sum of widths %d", ErrInvalidSchema, declaredSize, off)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	for i, f := range s.Fields {
		s.index[f.Name] = i
	}
	return s, nil
}

// Validate checks the layout invariants.
func (s *Schema) Validate() error {
	if len(s.Fields) == 0 {
		return fmt.Errorf("%w: no fields", ErrInvalidSchema)
	}
	seen := make(map[string]struct{}, len(s.Fields))
	sum := 0
	for i, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("%w: field %d has no name", ErrInvalidSchema, i)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("%w: duplicate field %q", ErrInvalidSchema, f.Name)
		}
		seen[f.Name] = struct{}{}
		if f.Width <= 0 {
			return fmt.Errorf("%w: field %q width %d", ErrInvalidSchema, f.Name, f.Width)
		}
		if err := checkWidth(f); err != nil {
			return err
		}
		for _, b := range f.Bits {
			if b == "" {
				continue
			}
			if _, dup := seen[b]; dup {
				return fmt.Errorf("%w: duplicate bit name %q in %q", ErrInvalidSchema, b, f.Name)
			}
			seen[b] = struct{}{}
		}
		sum += f.Width
	}
	if sum != s.Size {
		return fmt.Errorf("%w: size %d != sum of widths %d", ErrInvalidSchema, s.Size, sum)
	}

	c := s.CellGroups
	if !c.Enabled {
		return nil
	}
	if c.Begin < 0 || c.End >= len(s.Fields) || c.Begin > c.End {
		return fmt.Errorf("%w: cell group range [%d,%d] outside %d fields", ErrInvalidSchema, c.Begin, c.End, len(s.Fields))
	}
	first := s.Fields[c.Begin]
	for i := c.Begin; i <= c.End; i++ {
		f := s.Fields[i]
		if !f.Kind.Numeric() {
			return fmt.Errorf("%w: cell group field %q is %s", ErrInvalidSchema, f.Name, f.Kind)
		}
		if f.Width != first.Width || f.Kind != first.Kind {
			return fmt.Errorf("%w: cell group field %q is not homogeneous with %q", ErrInvalidSchema, f.Name, first.Name)
		}
	}
	return nil
}

func checkWidth(f Field) error {
	want := 0
	switch f.Kind {
	case UInt8, Bool:
		want = 1
	case UInt16:
		want = 2
	case UInt32, Float32:
		want = 4
	case BitFlags:
		if f.Width > 4 {
			return fmt.Errorf("%w: bitflags %q wider than 4 bytes", ErrInvalidSchema, f.Name)
		}
		if len(f.Bits) > 8*f.Width {
			return fmt.Errorf("%w: bitflags %q names %d bits in %d bytes", ErrInvalidSchema, f.Name, len(f.Bits), f.Width)
		}
		return nil
	case StringFixed:
		return nil
	}
	if f.Width != want {
		return fmt.Errorf("%w: %s field %q must be %d bytes, got %d", ErrInvalidSchema, f.Kind, f.Name, want, f.Width)
	}
	return nil
}

// FieldByName looks up a descriptor.
func (s *Schema) FieldByName(name string) (Field, bool) {
	i, ok := s.index[name]
	if !ok {
		return Field{}, false
	}
	return s.Fields[i], true
}

// CellCount is the length of every decoded cell-voltage sequence.
func (s *Schema) CellCount() int { return s.CellGroups.Count() }

// Names lists the decoded value names in frame order. Bit-flag fields
// contribute their bit names; cell-group fields are omitted.
func (s *Schema) Names() []string {
	out := make([]string, 0, len(s.Fields))
	for i, f := range s.Fields {
		if s.CellGroups.Contains(i) {
			continue
		}
		if f.Kind == BitFlags {
			for _, b := range f.Bits {
				if b != "" {
					out = append(out, b)
				}
			}
			continue
		}
		out = append(out, f.Name)
	}
	return out
}

func indexOf(fields []Field, name string) int {
	name = strings.TrimSpace(name)
	for i, f := range fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}
