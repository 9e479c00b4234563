// Package xdr implements the value language used on the wire and in
// persistence. Every value carries a type tag; marshalling emits a tagged
// JSON object and unmarshalling dispatches on the tag. Element references
// are rewritten through a per-connection identifier channel; all other
// values are channel-independent.
package xdr

import "sort"

// Value is a node of the value language.
type Value interface {
	// Type returns the wire tag for this value.
	Type() string
}

// Wire tags.
const (
	TypeString     = "string"
	TypeNumber     = "number"
	TypeBoolean    = "boolean"
	TypeEmpty      = "empty"
	TypeProjector  = "projector"
	TypeOrderedSet = "orderedSet"
	TypeRange      = "range"
	TypeNegation   = "negation"
	TypeSubstring  = "substring"
	TypeComparison = "comparison"
	TypeRecord     = "record"
	TypeElementRef = "elementRef"
	TypeDelete     = "xdrDelete"
)

// String is a text value.
type String struct {
	Value string
}

func (String) Type() string { return TypeString }

// Number is a numeric value. Infinities and NaN are representable and
// survive marshalling via explicit carriers.
type Number struct {
	Value float64
}

func (Number) Type() string { return TypeNumber }

// Bool is a boolean value.
type Bool struct {
	Value bool
}

func (Bool) Type() string { return TypeBoolean }

// Empty is the empty-sentinel, distinct from deletion.
type Empty struct{}

func (Empty) Type() string { return TypeEmpty }

// Projector marks a projection position in a query.
type Projector struct{}

func (Projector) Type() string { return TypeProjector }

// Delete is the deletion sentinel. A write whose value is Delete removes
// the element at the assigned revision.
type Delete struct{}

func (Delete) Type() string { return TypeDelete }

// OrderedSet is a sequence of values whose order is significant.
type OrderedSet struct {
	Values []Value
}

func (OrderedSet) Type() string { return TypeOrderedSet }

// Range is an interval with independently open or closed bounds.
type Range struct {
	Lower       Value
	Upper       Value
	LowerClosed bool
	UpperClosed bool
}

func (Range) Type() string { return TypeRange }

// Negation lists disallowed sub-values.
type Negation struct {
	Values []Value
}

func (Negation) Type() string { return TypeNegation }

// Substring matches values containing the given text.
type Substring struct {
	Value string
}

func (Substring) Type() string { return TypeSubstring }

// Comparison is a sequence of sub-queries with a final sort direction.
type Comparison struct {
	Queries    []Value
	Descending bool
}

func (Comparison) Type() string { return TypeComparison }

// Record is an attribute-value mapping.
type Record struct {
	Attributes map[string]Value
}

func (Record) Type() string { return TypeRecord }

// ElementRef denotes a logical instance by template and index id. The ids
// are local to the peer that minted them; the identifier channel rewrites
// them on each connection.
type ElementRef struct {
	TemplateID int64
	IndexID    int64
}

func (ElementRef) Type() string { return TypeElementRef }

// IsDelete reports whether v is the deletion sentinel.
func IsDelete(v Value) bool {
	_, ok := v.(Delete)
	return ok
}

// ToPlain converts a value into the plain JSON shape used by table and
// metadata persistence: strings, numbers, booleans, nil for Empty, slices
// for ordered sets and plain maps for records. Query values have no plain
// form and are returned tagged, via Marshal with a nil channel.
func ToPlain(v Value) interface{} {
	switch t := v.(type) {
	case String:
		return t.Value
	case Number:
		return t.Value
	case Bool:
		return t.Value
	case Empty:
		return nil
	case OrderedSet:
		out := make([]interface{}, len(t.Values))
		for i, e := range t.Values {
			out[i] = ToPlain(e)
		}
		return out
	case Record:
		out := make(map[string]interface{}, len(t.Attributes))
		for k, e := range t.Attributes {
			out[k] = ToPlain(e)
		}
		return out
	default:
		raw, err := Marshal(v, nil)
		if err != nil {
			return nil
		}
		return raw
	}
}

// FromPlain converts plain JSON data into a value. Maps whose "type" field
// names a known tag are treated as marshalled values and decoded as such.
func FromPlain(raw interface{}) Value {
	switch t := raw.(type) {
	case nil:
		return Empty{}
	case string:
		return String{Value: t}
	case float64:
		return Number{Value: t}
	case int:
		return Number{Value: float64(t)}
	case int64:
		return Number{Value: float64(t)}
	case bool:
		return Bool{Value: t}
	case []interface{}:
		values := make([]Value, len(t))
		for i, e := range t {
			values[i] = FromPlain(e)
		}
		return OrderedSet{Values: values}
	case map[string]interface{}:
		if tag, ok := t["type"].(string); ok && knownTag(tag) {
			if v, err := Unmarshal(t, nil); err == nil {
				return v
			}
		}
		attrs := make(map[string]Value, len(t))
		for k, e := range t {
			attrs[k] = FromPlain(e)
		}
		return Record{Attributes: attrs}
	default:
		return Empty{}
	}
}

func knownTag(tag string) bool {
	switch tag {
	case TypeString, TypeNumber, TypeBoolean, TypeEmpty, TypeProjector,
		TypeOrderedSet, TypeRange, TypeNegation, TypeSubstring,
		TypeComparison, TypeRecord, TypeElementRef, TypeDelete:
		return true
	}
	return false
}

// SortedAttributeNames returns a record's attribute names in sorted order,
// for deterministic marshalling of tests and logs.
func (r Record) SortedAttributeNames() []string {
	names := make([]string, 0, len(r.Attributes))
	for name := range r.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
