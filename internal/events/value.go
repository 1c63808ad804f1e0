package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindStringList
	KindRange
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindStringList:
		return "string_list"
	case KindRange:
		return "range"
	default:
		return "null"
	}
}

// Value is a property or condition value. The zero Value is null.
//
// JSON form: strings, numbers, booleans and null map directly. A two-element
// array of numbers is a Range; any other array is a StringList, with numeric
// elements kept in their formatted form. A Range still reads as a two-item
// list through AsList, so `in: [1, 2]` and list properties of two numbers
// behave like any other list. Objects are kept as their raw JSON
// text in a String.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	list []string
	rng  [2]float64
}

func Null() Value                { return Value{} }
func String(s string) Value      { return Value{kind: KindString, str: s} }
func Number(n float64) Value     { return Value{kind: KindNumber, num: n} }
func Bool(b bool) Value          { return Value{kind: KindBool, b: b} }
func Range(lo, hi float64) Value { return Value{kind: KindRange, rng: [2]float64{lo, hi}} }

// StringList copies items into a list value.
func StringList(items ...string) Value {
	list := make([]string, len(items))
	copy(list, items)
	return Value{kind: KindStringList, list: list}
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsString() (string, bool)  { return v.str, v.kind == KindString }
func (v Value) AsNumber() (float64, bool) { return v.num, v.kind == KindNumber }
func (v Value) AsBool() (bool, bool)      { return v.b, v.kind == KindBool }

// AsList returns the list items. The slice must not be modified. A Range
// yields its two bounds in formatted form.
func (v Value) AsList() ([]string, bool) {
	if v.kind == KindRange {
		return []string{formatNumber(v.rng[0]), formatNumber(v.rng[1])}, true
	}
	return v.list, v.kind == KindStringList
}

func (v Value) AsRange() (lo, hi float64, ok bool) {
	return v.rng[0], v.rng[1], v.kind == KindRange
}

// Text renders scalar values in the form used for set membership.
func (v Value) Text() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return formatNumber(v.num)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNull:
		return ""
	default:
		return v.String()
	}
}

// String implements fmt.Stringer for logs and warnings.
func (v Value) String() string {
	switch v.kind {
	case KindStringList:
		return fmt.Sprintf("%q", v.list)
	case KindRange:
		return fmt.Sprintf("[%s, %s]", formatNumber(v.rng[0]), formatNumber(v.rng[1]))
	case KindNull:
		return "null"
	default:
		return v.Text()
	}
}

// Equal reports whether both values hold the same variant and content.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == other.str
	case KindNumber:
		return v.num == other.num
	case KindBool:
		return v.b == other.b
	case KindStringList:
		if len(v.list) != len(other.list) {
			return false
		}
		for i := range v.list {
			if v.list[i] != other.list[i] {
				return false
			}
		}
		return true
	case KindRange:
		return v.rng == other.rng
	default:
		return true
	}
}

func formatNumber(n float64) string {
	return strconv.FormatFloat(n, 'f', -1, 64)
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindStringList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	case KindRange:
		return json.Marshal(v.rng)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*v = Null()
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = String(s)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Bool(b)
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		parsed, err := fromArray(items)
		if err != nil {
			return err
		}
		*v = parsed
	case '{':
		*v = String(string(data))
	default:
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("unsupported value %s: %w", data, err)
		}
		*v = Number(n)
	}
	return nil
}

func fromArray(items []json.RawMessage) (Value, error) {
	numbers := make([]float64, 0, len(items))
	texts := make([]string, 0, len(items))
	allNumbers := true
	for _, raw := range items {
		var elem Value
		if err := elem.UnmarshalJSON(raw); err != nil {
			return Value{}, err
		}
		switch elem.kind {
		case KindNumber:
			numbers = append(numbers, elem.num)
		case KindString, KindBool:
			allNumbers = false
		default:
			return Value{}, fmt.Errorf("unsupported array element %s", raw)
		}
		texts = append(texts, elem.Text())
	}
	if allNumbers && len(numbers) == 2 {
		return Range(numbers[0], numbers[1]), nil
	}
	return StringList(texts...), nil
}

// UnmarshalYAML decodes catalog values using the same rules as JSON.
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		switch node.Tag {
		case "!!null":
			*v = Null()
		case "!!bool":
			var b bool
			if err := node.Decode(&b); err != nil {
				return err
			}
			*v = Bool(b)
		case "!!int", "!!float":
			var n float64
			if err := node.Decode(&n); err != nil {
				return err
			}
			*v = Number(n)
		default:
			*v = String(node.Value)
		}
		return nil
	case yaml.SequenceNode:
		items := make([]json.RawMessage, 0, len(node.Content))
		for _, child := range node.Content {
			var elem Value
			if err := elem.UnmarshalYAML(child); err != nil {
				return err
			}
			raw, err := elem.MarshalJSON()
			if err != nil {
				return err
			}
			items = append(items, raw)
		}
		parsed, err := fromArray(items)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		*v = parsed
		return nil
	default:
		return fmt.Errorf("line %d: unsupported value node", node.Line)
	}
}
