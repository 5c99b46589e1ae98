package region

import (
	"testing"
	"time"
	"unsafe"
)

func TestReleaseBatchesByCount(t *testing.T) {
	var got [][3]int
	r := New(1024, Config{ID: "r1"}, func(offset, length int, hint unsafe.Pointer) {
		got = append(got, [3]int{offset, length, 0})
	})
	r.flushEvery = 4

	for i := 0; i < 3; i++ {
		r.Release(i*16, 16, nil)
	}
	if len(got) != 0 {
		t.Fatalf("expected no flush before batch size reached, got %d", len(got))
	}
	if r.Pending() != 3 {
		t.Fatalf("expected 3 pending, got %d", r.Pending())
	}

	r.Release(3*16, 16, nil)
	if len(got) != 4 {
		t.Fatalf("expected batched flush of 4, got %d", len(got))
	}
	if r.Pending() != 0 {
		t.Fatalf("expected 0 pending after flush, got %d", r.Pending())
	}
}

func TestReleaseBatchesByAge(t *testing.T) {
	var got int
	r := New(64, Config{}, func(offset, length int, hint unsafe.Pointer) { got++ })
	r.flushAfter = 10 * time.Millisecond

	r.Release(0, 8, nil)
	time.Sleep(20 * time.Millisecond)
	r.Release(8, 8, nil)

	if got != 2 {
		t.Fatalf("expected both releases flushed by age, got %d", got)
	}
}

func TestFlushForces(t *testing.T) {
	var got int
	r := New(64, Config{}, func(offset, length int, hint unsafe.Pointer) { got++ })
	r.Release(0, 8, nil)
	r.Release(8, 8, nil)
	if got != 0 {
		t.Fatalf("expected nothing flushed yet, got %d", got)
	}
	r.Flush()
	if got != 2 {
		t.Fatalf("expected Flush to deliver both, got %d", got)
	}
}

func TestRegistry(t *testing.T) {
	var lastEvent Event
	var lastCfg Config
	SubscribeEvents(func(cfg Config, ev Event) {
		lastCfg, lastEvent = cfg, ev
	})
	defer SubscribeEvents(nil)

	h, r := NewRegistered(32, Config{ID: "reg1"}, nil)
	if h == 0 {
		t.Fatal("expected non-zero handle")
	}
	if lastEvent != EventCreated || lastCfg.ID != "reg1" {
		t.Fatalf("expected create event for reg1, got %v/%v", lastEvent, lastCfg)
	}
	if Get(h) != r {
		t.Fatal("Get(h) should return the registered region")
	}

	Close(h)
	if lastEvent != EventDestroyed {
		t.Fatalf("expected destroy event, got %v", lastEvent)
	}
	if Get(h) != nil {
		t.Fatal("Get(h) should return nil after Close")
	}
}

func TestGetZeroHandle(t *testing.T) {
	if Get(0) != nil {
		t.Fatal("Get(0) must always return nil")
	}
}
