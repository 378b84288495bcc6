package template

import (
	"sort"
)

// Direction is the axis along which a block's values vary.
// Field labels advance along the orthogonal axis.
type Direction string

const (
	Horizontal Direction = "horizontal"
	Vertical   Direction = "vertical"
)

func (d Direction) valid() bool {
	return d == Horizontal || d == Vertical
}

// DecodeKind identifies blocks resolved by an external decoder rather than by
// bubble thresholding.
type DecodeKind int

const (
	DecodeNone DecodeKind = iota
	DecodeQR              // 2D barcode
	DecodeText            // printed or handwritten text box
)

func (k DecodeKind) String() string {
	switch k {
	case DecodeNone:
		return "none"
	case DecodeQR:
		return "qr"
	case DecodeText:
		return "text"
	default:
		return "unknown"
	}
}

// FieldType is a named preset expanding into a value list and a direction.
type FieldType struct {
	Name      string
	Values    []string
	Direction Direction
	Decode    DecodeKind
}

// Registry of known field type presets
var presets = make(map[string]FieldType)

// RegisterFieldType adds a preset to the registry, replacing any preset with
// the same name.
func RegisterFieldType(ft FieldType) {
	presets[ft.Name] = ft
}

// LookupFieldType returns the preset with the given name.
func LookupFieldType(name string) (FieldType, bool) {
	ft, ok := presets[name]
	if !ok {
		return FieldType{}, false
	}
	ft.Values = append([]string(nil), ft.Values...)
	return ft, true
}

// FieldTypes returns all registered preset names in sorted order.
func FieldTypes() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	RegisterFieldType(FieldType{
		Name:      "QTYPE_MCQ4",
		Values:    []string{"A", "B", "C", "D"},
		Direction: Horizontal,
	})
	RegisterFieldType(FieldType{
		Name:      "QTYPE_MCQ5",
		Values:    []string{"A", "B", "C", "D", "E"},
		Direction: Horizontal,
	})
	RegisterFieldType(FieldType{
		Name:      "QTYPE_INT",
		Values:    []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "9"},
		Direction: Vertical,
	})
	RegisterFieldType(FieldType{
		Name:      "QTYPE_INT_FROM_1",
		Values:    []string{"1", "2", "3", "4", "5", "6", "7", "8", "9", "0"},
		Direction: Vertical,
	})
	RegisterFieldType(FieldType{
		Name:   "QTYPE_CUSTOM",
		Decode: DecodeQR,
	})
	RegisterFieldType(FieldType{
		Name:   "QTYPE_TEXT",
		Decode: DecodeText,
	})
}
