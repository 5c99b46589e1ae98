package config

import (
	"regexp"
	"testing"
	"time"
)

func TestSetGetProperty(t *testing.T) {
	s := NewStore()
	if err := s.SetProperty("id", StringValue("dev-1")); err != nil {
		t.Fatal(err)
	}
	v, err := s.GetPropertyValue("id")
	if err != nil {
		t.Fatal(err)
	}
	if v.S != "dev-1" {
		t.Fatalf("got %q, want dev-1", v.S)
	}
	if got, err := GetProperty[string](s, "id"); err != nil || got != "dev-1" {
		t.Fatalf("GetProperty[string] = %q, %v", got, err)
	}
}

func TestGetPropertyDefault(t *testing.T) {
	s := NewStore()
	got, err := GetProperty(s, "missing", int64(42))
	if err != nil {
		t.Fatal(err)
	}
	if got != 42 {
		t.Fatalf("got %d, want 42", got)
	}
}

func TestGetPropertyTypeMismatch(t *testing.T) {
	s := NewStore()
	_ = s.SetProperty("rate", FloatValue(2.5))
	if _, err := GetProperty[int64](s, "rate"); err == nil {
		t.Fatal("expected PropertyTypeMismatch")
	}
}

func TestUpdatePropertyRequiresExisting(t *testing.T) {
	s := NewStore()
	if err := s.UpdateProperty("nope", StringValue("x")); err == nil {
		t.Fatal("expected PropertyNotFound")
	}
	_ = s.SetProperty("nope", StringValue("first"))
	if err := s.UpdateProperty("nope", StringValue("second")); err != nil {
		t.Fatal(err)
	}
	v, _ := s.GetPropertyValue("nope")
	if v.S != "second" {
		t.Fatalf("got %q, want second", v.S)
	}
}

func TestUpdatePropertiesAllOrNothing(t *testing.T) {
	s := NewStore()
	_ = s.SetProperty("a", IntValue(1))
	err := s.UpdateProperties(map[string]Value{
		"a": IntValue(2),
		"b": IntValue(3), // does not exist
	})
	if err == nil {
		t.Fatal("expected failure")
	}
	v, _ := s.GetPropertyValue("a")
	if v.I != 1 {
		t.Fatalf("a was modified despite failed UpdateProperties: got %d", v.I)
	}
	if s.PropertyExists("b") {
		t.Fatal("b should not have been created")
	}
}

func TestGetPropertiesStartingWith(t *testing.T) {
	s := NewStore()
	_ = s.SetProperty("chans.data.0.type", StringValue("push"))
	_ = s.SetProperty("chans.data.0.method", StringValue("bind"))
	_ = s.SetProperty("id", StringValue("dev-1"))

	got := s.GetPropertiesStartingWith("chans.data.0.")
	if len(got) != 2 {
		t.Fatalf("got %d properties, want 2: %+v", len(got), got)
	}
}

func TestGetPropertiesRegex(t *testing.T) {
	s := NewStore()
	_ = s.SetProperty("chans.data.0.type", StringValue("push"))
	_ = s.SetProperty("chans.ctrl.0.type", StringValue("pull"))
	_ = s.SetProperty("id", StringValue("dev-1"))

	re := regexp.MustCompile(`^chans\..*\.type$`)
	got := s.GetProperties(re)
	if len(got) != 2 {
		t.Fatalf("got %d properties, want 2", len(got))
	}
}

func TestSubscribePropertyChangeTyped(t *testing.T) {
	s := NewStore()
	changes := make(chan string, 4)
	SubscribePropertyChange[string](s, "sub1", func(key string, value string) {
		changes <- key + "=" + value
	})

	_ = s.SetProperty("id", StringValue("dev-1"))
	_ = s.SetProperty("rate", FloatValue(1.0)) // different kind, should not fire

	select {
	case got := <-changes:
		if got != "id=dev-1" {
			t.Fatalf("got %q, want id=dev-1", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for typed subscriber")
	}

	select {
	case got := <-changes:
		t.Fatalf("unexpected second notification: %q", got)
	case <-time.After(20 * time.Millisecond):
	}

	UnsubscribePropertyChange[string](s, "sub1")
	_ = s.SetProperty("id", StringValue("dev-2"))
	select {
	case got := <-changes:
		t.Fatalf("unsubscribed callback still fired: %q", got)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSubscribePropertyChangeAsString(t *testing.T) {
	s := NewStore()
	changes := make(chan string, 4)
	s.SubscribePropertyChange("sub-str", func(key, value string) {
		changes <- key + "=" + value
	})

	_ = s.SetProperty("debug", BoolValue(true))
	select {
	case got := <-changes:
		if got != "debug=true" {
			t.Fatalf("got %q, want debug=true", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestLoadJSONFlattensNestedObjects(t *testing.T) {
	s := NewStore()
	err := s.LoadJSON([]byte(`{
		"id": "dev-1",
		"heartbeat": {"interval": 2},
		"debug": true
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := s.GetPropertyValue("id"); v.S != "dev-1" {
		t.Fatalf("id = %+v", v)
	}
	if v, _ := s.GetPropertyValue("heartbeat.interval"); v.I != 2 {
		t.Fatalf("heartbeat.interval = %+v", v)
	}
	if v, _ := s.GetPropertyValue("debug"); !v.B {
		t.Fatalf("debug = %+v", v)
	}
}

func TestRegisterDefaultAndLoadDefault(t *testing.T) {
	s := NewStore()
	s.RegisterDefault("pico", []byte(`{"id":"pico","rate":4.0}`))
	if err := s.LoadDefault("pico"); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.GetPropertyValue("id"); v.S != "pico" {
		t.Fatalf("id = %+v", v)
	}
	if err := s.LoadDefault("unknown-device"); err != nil {
		t.Fatalf("LoadDefault for unregistered device should be a no-op, got %v", err)
	}
}

func TestChannelMirrorSubscriber(t *testing.T) {
	s := NewStore()
	type field struct {
		name  string
		index int
		field string
		v     Value
	}
	got := make(chan field, 1)
	s.SubscribeChannelMirror("device", func(name string, index int, f string, v Value) {
		got <- field{name, index, f, v}
	})

	if err := s.SetChannelField("data", 0, "address", StringValue("tcp://127.0.0.1:5555")); err != nil {
		t.Fatal(err)
	}

	select {
	case f := <-got:
		if f.name != "data" || f.index != 0 || f.field != "address" || f.v.S != "tcp://127.0.0.1:5555" {
			t.Fatalf("unexpected mirror callback: %+v", f)
		}
	case <-time.After(time.Second):
		t.Fatal("mirror subscriber never fired")
	}

	v, err := s.GetPropertyValue("chans.data.0.address")
	if err != nil || v.S != "tcp://127.0.0.1:5555" {
		t.Fatalf("mirror key not reflected in property map: %+v, %v", v, err)
	}
}
