package xdr

import (
	"fmt"
	"math"
)

// Channel rewrites template and index ids between the local and the peer
// numeric space. Marshal ensures referenced ids are defined on the wire
// before use; Unmarshal translates peer ids into local ones. A nil Channel
// passes ids through unchanged, which is the persistence convention.
type Channel interface {
	// DefineTemplate guarantees the peer will have received a definition
	// for the given local template id before the enclosing message.
	DefineTemplate(id int64) error
	DefineIndex(id int64) error

	// TranslateTemplate maps a peer template id to the local id space.
	// Fails if the peer never defined the id on this connection.
	TranslateTemplate(peerID int64) (int64, error)
	TranslateIndex(peerID int64) (int64, error)
}

// Carrier strings for non-finite numbers.
const (
	carrierInfinity    = "Infinity"
	carrierNegInfinity = "-Infinity"
	carrierNaN         = "NaN"
)

// Marshal encodes a value as a tagged JSON-ready object. Element references
// are registered with the channel so their definitions precede the message.
func Marshal(v Value, ch Channel) (map[string]interface{}, error) {
	switch t := v.(type) {
	case String:
		return map[string]interface{}{"type": TypeString, "value": t.Value}, nil

	case Number:
		var value interface{}
		switch {
		case math.IsInf(t.Value, 1):
			value = carrierInfinity
		case math.IsInf(t.Value, -1):
			value = carrierNegInfinity
		case math.IsNaN(t.Value):
			value = carrierNaN
		default:
			value = t.Value
		}
		return map[string]interface{}{"type": TypeNumber, "value": value}, nil

	case Bool:
		return map[string]interface{}{"type": TypeBoolean, "value": t.Value}, nil

	case Empty:
		return map[string]interface{}{"type": TypeEmpty}, nil

	case Projector:
		return map[string]interface{}{"type": TypeProjector}, nil

	case Delete:
		return map[string]interface{}{"type": TypeDelete}, nil

	case OrderedSet:
		values, err := marshalList(t.Values, ch)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"type": TypeOrderedSet, "values": values}, nil

	case Range:
		if t.Lower == nil || t.Upper == nil {
			return nil, fmt.Errorf("xdr: range requires both bounds")
		}
		lower, err := Marshal(t.Lower, ch)
		if err != nil {
			return nil, err
		}
		upper, err := Marshal(t.Upper, ch)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"type":        TypeRange,
			"lower":       lower,
			"upper":       upper,
			"lowerClosed": t.LowerClosed,
			"upperClosed": t.UpperClosed,
		}, nil

	case Negation:
		values, err := marshalList(t.Values, ch)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"type": TypeNegation, "values": values}, nil

	case Substring:
		return map[string]interface{}{"type": TypeSubstring, "value": t.Value}, nil

	case Comparison:
		queries, err := marshalList(t.Queries, ch)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"type":       TypeComparison,
			"queries":    queries,
			"descending": t.Descending,
		}, nil

	case Record:
		attrs := make(map[string]interface{}, len(t.Attributes))
		for name, attr := range t.Attributes {
			raw, err := Marshal(attr, ch)
			if err != nil {
				return nil, err
			}
			attrs[name] = raw
		}
		return map[string]interface{}{"type": TypeRecord, "attributes": attrs}, nil

	case ElementRef:
		if ch != nil {
			if err := ch.DefineTemplate(t.TemplateID); err != nil {
				return nil, err
			}
			if err := ch.DefineIndex(t.IndexID); err != nil {
				return nil, err
			}
		}
		return map[string]interface{}{
			"type":       TypeElementRef,
			"templateId": t.TemplateID,
			"indexId":    t.IndexID,
		}, nil

	default:
		return nil, fmt.Errorf("xdr: cannot marshal value of type %T", v)
	}
}

func marshalList(values []Value, ch Channel) ([]interface{}, error) {
	out := make([]interface{}, len(values))
	for i, v := range values {
		raw, err := Marshal(v, ch)
		if err != nil {
			return nil, err
		}
		out[i] = raw
	}
	return out, nil
}

// Unmarshal decodes a tagged object produced by Marshal. With a non-nil
// channel, peer template and index ids are translated to local ids.
func Unmarshal(raw interface{}, ch Channel) (Value, error) {
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("xdr: value is not an object: %T", raw)
	}
	tag, ok := obj["type"].(string)
	if !ok {
		return nil, fmt.Errorf("xdr: value has no type tag")
	}

	switch tag {
	case TypeString:
		s, ok := obj["value"].(string)
		if !ok {
			return nil, fmt.Errorf("xdr: string value is not text")
		}
		return String{Value: s}, nil

	case TypeNumber:
		switch value := obj["value"].(type) {
		case float64:
			return Number{Value: value}, nil
		case int:
			return Number{Value: float64(value)}, nil
		case int32:
			return Number{Value: float64(value)}, nil
		case int64:
			return Number{Value: float64(value)}, nil
		case string:
			switch value {
			case carrierInfinity:
				return Number{Value: math.Inf(1)}, nil
			case carrierNegInfinity:
				return Number{Value: math.Inf(-1)}, nil
			case carrierNaN:
				return Number{Value: math.NaN()}, nil
			}
			return nil, fmt.Errorf("xdr: unknown number carrier %q", value)
		default:
			return nil, fmt.Errorf("xdr: number value has type %T", value)
		}

	case TypeBoolean:
		b, ok := obj["value"].(bool)
		if !ok {
			return nil, fmt.Errorf("xdr: boolean value is not a bool")
		}
		return Bool{Value: b}, nil

	case TypeEmpty:
		return Empty{}, nil

	case TypeProjector:
		return Projector{}, nil

	case TypeDelete:
		return Delete{}, nil

	case TypeOrderedSet:
		values, err := unmarshalList(obj["values"], ch)
		if err != nil {
			return nil, err
		}
		return OrderedSet{Values: values}, nil

	case TypeRange:
		lower, err := Unmarshal(obj["lower"], ch)
		if err != nil {
			return nil, fmt.Errorf("xdr: range lower bound: %w", err)
		}
		upper, err := Unmarshal(obj["upper"], ch)
		if err != nil {
			return nil, fmt.Errorf("xdr: range upper bound: %w", err)
		}
		lowerClosed, _ := obj["lowerClosed"].(bool)
		upperClosed, _ := obj["upperClosed"].(bool)
		return Range{
			Lower:       lower,
			Upper:       upper,
			LowerClosed: lowerClosed,
			UpperClosed: upperClosed,
		}, nil

	case TypeNegation:
		values, err := unmarshalList(obj["values"], ch)
		if err != nil {
			return nil, err
		}
		return Negation{Values: values}, nil

	case TypeSubstring:
		s, ok := obj["value"].(string)
		if !ok {
			return nil, fmt.Errorf("xdr: substring value is not text")
		}
		return Substring{Value: s}, nil

	case TypeComparison:
		queries, err := unmarshalList(obj["queries"], ch)
		if err != nil {
			return nil, err
		}
		descending, _ := obj["descending"].(bool)
		return Comparison{Queries: queries, Descending: descending}, nil

	case TypeRecord:
		rawAttrs, ok := obj["attributes"].(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("xdr: record has no attributes object")
		}
		attrs := make(map[string]Value, len(rawAttrs))
		for name, rawAttr := range rawAttrs {
			attr, err := Unmarshal(rawAttr, ch)
			if err != nil {
				return nil, fmt.Errorf("xdr: record attribute %q: %w", name, err)
			}
			attrs[name] = attr
		}
		return Record{Attributes: attrs}, nil

	case TypeElementRef:
		templateID, err := asInt64(obj["templateId"])
		if err != nil {
			return nil, fmt.Errorf("xdr: element reference template id: %w", err)
		}
		indexID, err := asInt64(obj["indexId"])
		if err != nil {
			return nil, fmt.Errorf("xdr: element reference index id: %w", err)
		}
		if ch != nil {
			templateID, err = ch.TranslateTemplate(templateID)
			if err != nil {
				return nil, err
			}
			indexID, err = ch.TranslateIndex(indexID)
			if err != nil {
				return nil, err
			}
		}
		return ElementRef{TemplateID: templateID, IndexID: indexID}, nil

	default:
		return nil, fmt.Errorf("xdr: unknown value type %q", tag)
	}
}

func unmarshalList(raw interface{}, ch Channel) ([]Value, error) {
	if raw == nil {
		return nil, nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("xdr: expected a list, got %T", raw)
	}
	if len(list) == 0 {
		return nil, nil
	}
	values := make([]Value, len(list))
	for i, e := range list {
		v, err := Unmarshal(e, ch)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}

func asInt64(raw interface{}) (int64, error) {
	switch t := raw.(type) {
	case float64:
		return int64(t), nil
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	default:
		return 0, fmt.Errorf("xdr: expected a numeric id, got %T", raw)
	}
}
