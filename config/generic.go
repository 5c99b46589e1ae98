package config

import "devicemq-go/errcode"

// Typed enumerates the scalar property types spec §4.6's
// GetProperty<T>/SubscribePropertyChange<T> operate over.
type Typed interface {
	string | int64 | bool | float64
}

func kindOf[T Typed]() ValueKind {
	var zero T
	switch any(zero).(type) {
	case string:
		return KindString
	case int64:
		return KindInt
	case bool:
		return KindBool
	case float64:
		return KindFloat
	default:
		return KindInvalid
	}
}

func convert[T Typed](v Value) (T, bool) {
	var zero T
	switch any(zero).(type) {
	case string:
		if v.Kind == KindString {
			return any(v.S).(T), true
		}
	case int64:
		if v.Kind == KindInt {
			return any(v.I).(T), true
		}
	case bool:
		if v.Kind == KindBool {
			return any(v.B).(T), true
		}
	case float64:
		if v.Kind == KindFloat {
			return any(v.F).(T), true
		}
	}
	return zero, false
}

func boxValue[T Typed](t T) Value {
	switch x := any(t).(type) {
	case string:
		return StringValue(x)
	case int64:
		return IntValue(x)
	case bool:
		return BoolValue(x)
	case float64:
		return FloatValue(x)
	}
	return Value{}
}

// GetProperty returns key's value typed as T. If key is absent and def is
// given, def[0] is returned instead of an error. If key is present with a
// different kind, PropertyTypeMismatch is returned.
func GetProperty[T Typed](s *Store, key string, def ...T) (T, error) {
	var zero T
	v, err := s.GetPropertyValue(key)
	if err != nil {
		if len(def) > 0 {
			return def[0], nil
		}
		return zero, err
	}
	conv, ok := convert[T](v)
	if !ok {
		return zero, &errcode.E{C: errcode.PropertyTypeMismatch, Msg: key}
	}
	return conv, nil
}

// SetTypedProperty is a typed convenience wrapper over SetProperty.
func SetTypedProperty[T Typed](s *Store, key string, value T) error {
	return s.SetProperty(key, boxValue(value))
}

// SubscribePropertyChange registers a per-type subscriber: cb fires only
// for keys whose new value has kind T, after the key is set or updated.
func SubscribePropertyChange[T Typed](s *Store, subscriber string, cb func(key string, value T)) {
	k := kindOf[T]()
	wrapped := func(key string, v Value) {
		if tv, ok := convert[T](v); ok {
			cb(key, tv)
		}
	}
	s.mu.Lock()
	if s.typedSubs[k] == nil {
		s.typedSubs[k] = make(map[string]func(string, Value))
	}
	s.typedSubs[k][subscriber] = wrapped
	s.mu.Unlock()
}

// UnsubscribePropertyChange removes a per-type subscriber registered with
// SubscribePropertyChange[T].
func UnsubscribePropertyChange[T Typed](s *Store, subscriber string) {
	k := kindOf[T]()
	s.mu.Lock()
	if tbl, ok := s.typedSubs[k]; ok {
		delete(tbl, subscriber)
	}
	s.mu.Unlock()
}
