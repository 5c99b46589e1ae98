package config

import (
	"regexp"
	"strconv"
	"strings"
	"sync"

	"devicemq-go/bus"
	"devicemq-go/errcode"

	"github.com/andreyvit/tinyjson"
)

const mirrorPrefix = "chans."

// mirrorFunc is invoked (outside the store's lock) whenever a chans.<name>.
// <index>.<field> key changes. The device package registers no mirrorFunc;
// it reads and writes the address field directly (see device/handlers.go).
type mirrorFunc func(chanName string, index int, field string, v Value)

// Store is the Configuration Store (spec §4.6): a mapping from dotted
// string keys to typed values, guarded by a single mutex (spec §5:
// "reads and writes are serialized; change callbacks invoked without the
// mutex held").
type Store struct {
	mu sync.Mutex

	props map[string]Value

	stringSubs map[string]func(key, value string)
	typedSubs  map[ValueKind]map[string]func(key string, v Value)
	mirrorSubs map[string]mirrorFunc

	// bus/conn mirror every change as a retained message, the same shape
	// as the teacher's publishConfig (one retained message per key), kept
	// for subscribers that only want a topic-per-key view.
	bus  *bus.Bus
	conn *bus.Connection

	defaults map[string][]byte
}

// NewStore returns an empty, ready Store.
func NewStore() *Store {
	b := bus.NewBus(8)
	return &Store{
		props:      make(map[string]Value),
		stringSubs: make(map[string]func(key, value string)),
		typedSubs:  make(map[ValueKind]map[string]func(key string, v Value)),
		mirrorSubs: make(map[string]mirrorFunc),
		bus:        b,
		conn:       b.NewConnection("config-store"),
		defaults:   make(map[string][]byte),
	}
}

// RegisterDefault registers raw JSON default configuration for a device
// ID, looked up later by LoadDefault. Replaces the teacher's build-time
// embeddedConfigs map (services/config/defaultconfigs.go) with a runtime
// registration API so a process can host more than one device definition.
func (s *Store) RegisterDefault(device string, raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaults[device] = raw
}

// LoadDefault applies the registered default config for device, if any.
func (s *Store) LoadDefault(device string) error {
	s.mu.Lock()
	raw, ok := s.defaults[device]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.LoadJSON(raw)
}

// LoadJSON decodes a flat or nested JSON object into properties, keyed by
// dotted path (nested objects expand into further dotted keys; non-object
// leaves are stored verbatim). Grounded on the teacher's tinyjson.Raw
// decode of an embedded device config.
func (s *Store) LoadJSON(raw []byte) error {
	if len(raw) == 0 {
		return &errcode.E{C: errcode.InvalidChannel, Msg: "config: empty JSON document"}
	}
	r := tinyjson.Raw(raw)
	val := r.Value()
	r.EnsureEOF()

	m, ok := val.(map[string]any)
	if !ok {
		return &errcode.E{C: errcode.InvalidChannel, Msg: "config: root is not a JSON object"}
	}
	flat := make(map[string]Value)
	if err := flattenInto("", m, flat); err != nil {
		return err
	}
	return s.SetProperties(flat)
}

func flattenInto(prefix string, m map[string]any, out map[string]Value) error {
	for k, raw := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := raw.(map[string]any); ok {
			if err := flattenInto(key, nested, out); err != nil {
				return err
			}
			continue
		}
		v, ok := valueFromAny(raw)
		if !ok {
			return &errcode.E{C: errcode.InvalidChannel, Msg: "config: unsupported JSON value at " + key}
		}
		out[key] = v
	}
	return nil
}

// SetProperty upserts key=v, creating it if absent.
func (s *Store) SetProperty(key string, v Value) error {
	s.mu.Lock()
	s.props[key] = v
	s.mu.Unlock()
	s.notify(key, v)
	return nil
}

// UpdateProperty sets key=v only if key already exists; otherwise returns
// PropertyNotFound.
func (s *Store) UpdateProperty(key string, v Value) error {
	s.mu.Lock()
	if _, ok := s.props[key]; !ok {
		s.mu.Unlock()
		return &errcode.E{C: errcode.PropertyNotFound, Msg: key}
	}
	s.props[key] = v
	s.mu.Unlock()
	s.notify(key, v)
	return nil
}

// notify fires every matching subscriber for key=v. Called without s.mu
// held (spec §5: "change callbacks invoked without the mutex held").
func (s *Store) notify(key string, v Value) {
	s.mu.Lock()
	stringCbs := make([]func(string, string), 0, len(s.stringSubs))
	for _, cb := range s.stringSubs {
		stringCbs = append(stringCbs, cb)
	}
	var typedCbs []func(string, Value)
	if tbl, ok := s.typedSubs[v.Kind]; ok {
		for _, cb := range tbl {
			typedCbs = append(typedCbs, cb)
		}
	}
	mirrorCbs := make([]mirrorFunc, 0, len(s.mirrorSubs))
	for _, cb := range s.mirrorSubs {
		mirrorCbs = append(mirrorCbs, cb)
	}
	s.mu.Unlock()

	for _, cb := range stringCbs {
		cb(key, v.AsString())
	}
	for _, cb := range typedCbs {
		cb(key, v)
	}
	if name, idx, field, ok := parseChanKey(key); ok {
		for _, cb := range mirrorCbs {
			cb(name, idx, field, v)
		}
	}

	s.conn.Publish(&bus.Message{Topic: bus.T("config", key), Payload: v.AsString(), Retained: true})
}

// GetPropertyValue returns the raw tagged Value for key.
func (s *Store) GetPropertyValue(key string) (Value, error) {
	s.mu.Lock()
	v, ok := s.props[key]
	s.mu.Unlock()
	if !ok {
		return Value{}, &errcode.E{C: errcode.PropertyNotFound, Msg: key}
	}
	return v, nil
}

// GetPropertyAsString renders key's value as a string regardless of its
// underlying kind.
func (s *Store) GetPropertyAsString(key string) (string, error) {
	v, err := s.GetPropertyValue(key)
	if err != nil {
		return "", err
	}
	return v.AsString(), nil
}

// DeleteProperty removes key, if present.
func (s *Store) DeleteProperty(key string) error {
	s.mu.Lock()
	delete(s.props, key)
	s.mu.Unlock()
	return nil
}

// PropertyExists reports whether key currently has a value.
func (s *Store) PropertyExists(key string) bool {
	s.mu.Lock()
	_, ok := s.props[key]
	s.mu.Unlock()
	return ok
}

// SetProperties upserts every key in m.
func (s *Store) SetProperties(m map[string]Value) error {
	for k, v := range m {
		if err := s.SetProperty(k, v); err != nil {
			return err
		}
	}
	return nil
}

// UpdateProperties applies m only if every key already exists; otherwise
// no property is changed (spec §8: "UpdateProperties is all-or-nothing").
func (s *Store) UpdateProperties(m map[string]Value) error {
	s.mu.Lock()
	for k := range m {
		if _, ok := s.props[k]; !ok {
			s.mu.Unlock()
			return &errcode.E{C: errcode.PropertyNotFound, Msg: k}
		}
	}
	for k, v := range m {
		s.props[k] = v
	}
	s.mu.Unlock()
	for k, v := range m {
		s.notify(k, v)
	}
	return nil
}

// GetProperties returns every key whose name matches pattern.
func (s *Store) GetProperties(pattern *regexp.Regexp) map[string]Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Value)
	for k, v := range s.props {
		if pattern.MatchString(k) {
			out[k] = v
		}
	}
	return out
}

// GetPropertiesStartingWith returns every key with the given prefix.
func (s *Store) GetPropertiesStartingWith(prefix string) map[string]Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Value)
	for k, v := range s.props {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out
}

// SubscribePropertyChange registers an as-string change subscriber, fired
// after every SetProperty/UpdateProperty regardless of value kind (spec
// §4.6: "a separate as-string channel mirrors every change").
func (s *Store) SubscribePropertyChange(subscriber string, cb func(key, value string)) {
	s.mu.Lock()
	s.stringSubs[subscriber] = cb
	s.mu.Unlock()
}

// UnsubscribePropertyChange removes a previously registered as-string
// subscriber.
func (s *Store) UnsubscribePropertyChange(subscriber string) {
	s.mu.Lock()
	delete(s.stringSubs, subscriber)
	s.mu.Unlock()
}

// SubscribeChannelMirror registers a callback fired whenever a
// chans.<name>.<index>.<field> key changes, letting the device package
// react to externally-written channel configuration without polling.
func (s *Store) SubscribeChannelMirror(subscriber string, cb func(name string, index int, field string, v Value)) {
	s.mu.Lock()
	s.mirrorSubs[subscriber] = cb
	s.mu.Unlock()
}

// UnsubscribeChannelMirror removes a previously registered mirror
// subscriber.
func (s *Store) UnsubscribeChannelMirror(subscriber string) {
	s.mu.Lock()
	delete(s.mirrorSubs, subscriber)
	s.mu.Unlock()
}

// SetChannelField writes the chans.<name>.<index>.<field> mirror key,
// e.g. after a bind rewrites an auto-assigned port (spec §8's property
// mirror invariant, "conversely" direction).
func (s *Store) SetChannelField(name string, index int, field string, v Value) error {
	return s.SetProperty(mirrorKey(name, index, field), v)
}

func mirrorKey(name string, index int, field string) string {
	return mirrorPrefix + name + "." + strconv.Itoa(index) + "." + field
}

func parseChanKey(key string) (name string, index int, field string, ok bool) {
	if !strings.HasPrefix(key, mirrorPrefix) {
		return "", 0, "", false
	}
	rest := key[len(mirrorPrefix):]
	parts := strings.SplitN(rest, ".", 3)
	if len(parts) != 3 {
		return "", 0, "", false
	}
	idx, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, "", false
	}
	return parts[0], idx, parts[2], true
}
