package frame

import (
	"fmt"
	"strconv"
)

// Type is the declared type of a column.
type Type int

const (
	TypeNumeric Type = iota
	TypeString
	TypeVector
)

func (t Type) String() string {
	switch t {
	case TypeNumeric:
		return "numeric"
	case TypeString:
		return "string"
	case TypeVector:
		return "vector"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// Kind is the runtime kind of a single cell. Any column may hold KindNull.
type Kind uint8

const (
	KindNull Kind = iota
	KindNumeric
	KindString
	KindVector
)

// Value is one cell of a Row.
type Value struct {
	kind Kind
	num  float64
	str  string
	vec  *SparseVector
}

func Null() Value { return Value{} }
func Num(f float64) Value { return Value{kind: KindNumeric, num: f} }
func Str(s string) Value { return Value{kind: KindString, str: s} }
func Vec(v *SparseVector) Value { return Value{kind: KindVector, vec: v} }
func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }
func (v Value) Vector() *SparseVector { return v.vec }

// Float returns the numeric payload. ok is false for anything but KindNumeric.
func (v Value) Float() (f float64, ok bool) {
	if v.kind != KindNumeric {
		return 0, false
	}
	return v.num, true
}

// Text returns the string payload. ok is false for anything but KindString.
func (v Value) Text() (s string, ok bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.str, true
}

// Format renders the value the way it is written to TSV output; null is empty.
func (v Value) Format() string {
	switch v.kind {
	case KindNumeric:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindString:
		return v.str
	case KindVector:
		return v.vec.String()
	default:
		return ""
	}
}

// Row is a slice of values aligned with a Schema.
type Row []Value

// Column describes one named, typed column.
type Column struct {
	Name string
	Type Type
}

// Schema is the ordered column list of a Frame.
type Schema struct {
	Columns []Column
}

// NewSchema builds a schema, rejecting duplicate names.
func NewSchema(cols ...Column) (Schema, error) {
	seen := make(map[string]struct{}, len(cols))
	for _, c := range cols {
		if _, dup := seen[c.Name]; dup {
			return Schema{}, fmt.Errorf("duplicate column %q", c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	return Schema{Columns: append([]Column(nil), cols...)}, nil
}

// Index returns the position of name, or -1.
func (s Schema) Index(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Lookup returns the column named name.
func (s Schema) Lookup(name string) (Column, int, error) {
	i := s.Index(name)
	if i < 0 {
		return Column{}, -1, fmt.Errorf("%w: %q", ErrColumnNotFound, name)
	}
	return s.Columns[i], i, nil
}

func (s Schema) Names() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

func (s Schema) Len() int { return len(s.Columns) }
