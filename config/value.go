// Package config implements the Configuration Store (spec §4.6): a
// mapping from dotted string keys to typed values, with per-type change
// subscribers and a bidirectional mirror of the channel map at
// chans.<name>.<index>.<field>.
//
// The decode path is grounded on the teacher's config service
// (tinyjson.Raw over an embedded JSON blob); every set/update still
// write-throughs to retained bus messages so old-style subscribers that
// just want "a topic per key" keep working (services/config/config.go's
// publishConfig shape, generalized from one-shot to live).
package config

import "strconv"

// ValueKind discriminates the tagged variant a Value currently holds.
type ValueKind int

const (
	KindInvalid ValueKind = iota
	KindString
	KindInt
	KindBool
	KindFloat
	KindSeq
)

func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindFloat:
		return "float"
	case KindSeq:
		return "seq"
	default:
		return "invalid"
	}
}

// Value is a tagged union over the property types spec §3 allows: string,
// int, bool, float, and homogeneous sequences of any of those.
type Value struct {
	Kind ValueKind
	S    string
	I    int64
	B    bool
	F    float64
	Seq  []Value
}

func StringValue(s string) Value  { return Value{Kind: KindString, S: s} }
func IntValue(i int64) Value      { return Value{Kind: KindInt, I: i} }
func BoolValue(b bool) Value      { return Value{Kind: KindBool, B: b} }
func FloatValue(f float64) Value  { return Value{Kind: KindFloat, F: f} }
func SeqValue(vs []Value) Value   { return Value{Kind: KindSeq, Seq: vs} }

// IsZero reports whether v is the uninitialized Value{} (KindInvalid).
func (v Value) IsZero() bool { return v.Kind == KindInvalid }

// AsString renders v for the "as-string" mirror channel (spec §4.6: "a
// separate as-string channel mirrors every change").
func (v Value) AsString() string {
	switch v.Kind {
	case KindString:
		return v.S
	case KindInt:
		return strconv.FormatInt(v.I, 10)
	case KindBool:
		return strconv.FormatBool(v.B)
	case KindFloat:
		return strconv.FormatFloat(v.F, 'g', -1, 64)
	case KindSeq:
		out := "["
		for i, e := range v.Seq {
			if i > 0 {
				out += ","
			}
			out += e.AsString()
		}
		return out + "]"
	default:
		return ""
	}
}

// valueFromAny converts a tinyjson-decoded value (string, float64, bool,
// []any, map[string]any, nil) into a Value. Objects are not representable
// as a single property value and are rejected by the caller before this is
// reached.
func valueFromAny(a any) (Value, bool) {
	switch x := a.(type) {
	case string:
		return StringValue(x), true
	case bool:
		return BoolValue(x), true
	case float64:
		if x == float64(int64(x)) {
			return IntValue(int64(x)), true
		}
		return FloatValue(x), true
	case int:
		return IntValue(int64(x)), true
	case int64:
		return IntValue(x), true
	case []any:
		seq := make([]Value, 0, len(x))
		for _, e := range x {
			v, ok := valueFromAny(e)
			if !ok {
				return Value{}, false
			}
			seq = append(seq, v)
		}
		return SeqValue(seq), true
	default:
		return Value{}, false
	}
}
