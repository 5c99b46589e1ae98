package statemachine

import (
	"context"
	"testing"
	"time"
)

func TestLegalTransitionSequence(t *testing.T) {
	m := New(Idle)
	steps := []struct {
		t    Transition
		want State
	}{
		{InitDevice, InitializingDevice},
		{CompleteInit, Initialized},
		{Bind, Binding},
		{Auto, Bound},
		{Connect, Connecting},
		{Auto, DeviceReady},
		{InitTask, InitializingTask},
		{Auto, Ready},
		{Run, Running},
		{Stop, Ready},
		{ResetTask, ResettingTask},
		{Auto, DeviceReady},
		{ResetDevice, ResettingDevice},
		{Auto, Idle},
	}
	for _, step := range steps {
		if !m.RequestTransition(step.t) {
			t.Fatalf("transition %s rejected from %s", step.t, m.Current())
		}
		if m.Current() != step.want {
			t.Fatalf("after %s: got %s, want %s", step.t, m.Current(), step.want)
		}
	}
}

func TestIllegalTransitionRejected(t *testing.T) {
	m := New(Idle)
	if m.RequestTransition(Run) {
		t.Fatal("Run should not be legal from Idle")
	}
	if m.Current() != Idle {
		t.Fatalf("state changed despite rejected transition: %s", m.Current())
	}
}

func TestErrorFoundFromAnyState(t *testing.T) {
	m := New(Idle)
	m.RequestTransition(InitDevice)
	if !m.RequestTransition(ErrorFound) {
		t.Fatal("ErrorFound should be legal from any state")
	}
	if m.Current() != Error {
		t.Fatalf("got %s, want Error", m.Current())
	}
}

func TestWaitForState(t *testing.T) {
	m := New(Idle)
	done := make(chan error, 1)
	go func() {
		done <- m.WaitForState(context.Background(), InitializingDevice)
	}()
	time.Sleep(10 * time.Millisecond)
	m.RequestTransition(InitDevice)

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitForState never returned")
	}
}

func TestWaitForStateContextCancel(t *testing.T) {
	m := New(Idle)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.WaitForState(ctx, Running)
	if err == nil {
		t.Fatal("expected context deadline error")
	}
}

func TestSubscribeStateChangeOrderAndDeregister(t *testing.T) {
	m := New(Idle)
	var order []string
	m.SubscribeStateChange("a", func(State) { order = append(order, "a") })
	m.SubscribeStateChange("b", func(s State) {
		order = append(order, "b")
		m.UnsubscribeStateChange("c") // dereg a different key from within a callback
	})
	m.SubscribeStateChange("c", func(State) { order = append(order, "c") })

	m.RequestTransition(InitDevice)
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("unexpected delivery order: %v", order)
	}

	order = nil
	m.RequestTransition(CompleteInit)
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("unsubscribed callback still fired: %v", order)
	}
}

func TestSubscribeNewTransitionFiresBeforeEntry(t *testing.T) {
	m := New(Idle)
	var seenDuring State
	m.SubscribeNewTransition("watch", func(t Transition) {
		seenDuring = m.Current() // should still be the old state
	})
	m.RequestTransition(InitDevice)
	if seenDuring != Idle {
		t.Fatalf("new-transition callback observed %s, want Idle (pre-entry)", seenDuring)
	}
}

func TestInterruptWakesWaiters(t *testing.T) {
	m := New(Idle)
	done := make(chan error, 1)
	go func() {
		_, err := m.WaitForNext(context.Background())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	m.Interrupt()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected interrupted error")
		}
	case <-time.After(time.Second):
		t.Fatal("WaitForNext never returned after Interrupt")
	}
	if !m.Interrupted() {
		t.Fatal("Interrupted() should report true")
	}
	m.Resume()
	if m.Interrupted() {
		t.Fatal("Interrupted() should report false after Resume")
	}
}

func TestGenerationAndPending(t *testing.T) {
	m := New(Idle)
	gen := m.Generation()
	if m.Pending(gen) {
		t.Fatal("no transition yet, Pending should be false")
	}
	m.RequestTransition(InitDevice)
	if !m.Pending(gen) {
		t.Fatal("transition occurred, Pending should be true")
	}
}
