package row

import "fmt"

// Type is the value type of a row field.
type Type int

const (
	String Type = iota
	Integer
	Binary
)

func (t Type) String() string {
	switch t {
	case String:
		return "String"
	case Integer:
		return "Integer"
	case Binary:
		return "Binary"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// Field describes one column. Origin names the step that produced it.
type Field struct {
	Name   string
	Type   Type
	Origin string
}

// Meta is the ordered field layout of a row stream.
type Meta struct {
	Fields []Field
}

func (m Meta) Len() int { return len(m.Fields) }

// Index returns the position of name or -1.
func (m Meta) Index(name string) int {
	for i, f := range m.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

func (m Meta) Clone() Meta {
	return Meta{Fields: append([]Field(nil), m.Fields...)}
}

// Add appends a field. Adding a name that already exists is an error.
func (m *Meta) Add(f Field) error {
	if f.Name == "" {
		return fmt.Errorf("row: empty field name")
	}
	if m.Index(f.Name) >= 0 {
		return fmt.Errorf("row: duplicate field %q", f.Name)
	}
	m.Fields = append(m.Fields, f)
	return nil
}

// Names lists field names in order.
func (m Meta) Names() []string {
	out := make([]string, len(m.Fields))
	for i, f := range m.Fields {
		out[i] = f.Name
	}
	return out
}

// Row holds values positionally matching a Meta.
type Row []any

// Extend returns a new row of the input values followed by vals.
// The receiver is never modified.
func (r Row) Extend(vals ...any) Row {
	out := make(Row, 0, len(r)+len(vals))
	out = append(out, r...)
	return append(out, vals...)
}

// Resize returns a copy padded with nils (or truncated) to n values.
func (r Row) Resize(n int) Row {
	out := make(Row, n)
	copy(out, r)
	return out
}
