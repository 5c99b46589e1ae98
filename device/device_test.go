package device

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"devicemq-go/channel"
	"devicemq-go/config"
	"devicemq-go/errcode"
	"devicemq-go/message"
	"devicemq-go/socket"
	"devicemq-go/statemachine"
	"devicemq-go/transport/inproc"
)

// step is one (wait-for-state, then-request-transition) pair used to drive
// a Device's lifecycle deterministically from a test goroutine, mirroring
// how an external controller steps a real device through spec.md §3's
// state diagram.
type step struct {
	waitFor statemachine.State
	request statemachine.Transition
}

func drive(t *testing.T, ctx context.Context, sm *statemachine.Machine, steps []step) {
	t.Helper()
	for _, s := range steps {
		if err := sm.WaitForState(ctx, s.waitFor); err != nil {
			t.Fatalf("waiting for state %s: %v", s.waitFor, err)
		}
		if !sm.RequestTransition(s.request) {
			t.Fatalf("transition %s illegal from state %s", s.request, sm.Current())
		}
	}
}

func TestDeviceLifecycleNoChannels(t *testing.T) {
	d := New("lifecycle", nil, zerolog.Nop())

	var order []string
	record := func(name string) func(*Device) error {
		return func(*Device) error {
			order = append(order, name)
			return nil
		}
	}
	d.SetHooks(Hooks{
		Init:      record("init"),
		Bind:      record("bind"),
		Connect:   record("connect"),
		InitTask:  record("inittask"),
		PreRun:    record("prerun"),
		PostRun:   record("postrun"),
		ResetTask: record("resettask"),
		Reset:     record("reset"),
		ConditionalRun: func(*Device) (bool, error) {
			return false, nil // stop after the first call
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.RunStateMachine(ctx) }()

	sm := d.StateMachine()
	drive(t, ctx, sm, []step{
		{statemachine.Idle, statemachine.InitDevice},
		{statemachine.InitializingDevice, statemachine.CompleteInit},
		{statemachine.Initialized, statemachine.Bind},
		{statemachine.Bound, statemachine.Connect},
		{statemachine.DeviceReady, statemachine.InitTask},
		{statemachine.Ready, statemachine.Run},
		{statemachine.Ready, statemachine.ResetTask}, // Running -> Stop lands back on Ready automatically
		{statemachine.DeviceReady, statemachine.ResetDevice},
		{statemachine.Idle, statemachine.End},
	})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunStateMachine returned error: %v", err)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for device to exit")
	}

	want := []string{"init", "bind", "connect", "inittask", "prerun", "postrun", "resettask", "reset"}
	if len(order) != len(want) {
		t.Fatalf("hook order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("hook order = %v, want %v", order, want)
		}
	}
}

func TestDeviceOnDataSingleChannelCallback(t *testing.T) {
	f := inproc.New()
	d := New("cb-device", nil, zerolog.Nop())
	d.RegisterTransport("nanomsg", f)

	ch := &channel.Channel{Pattern: socket.Pull, Method: channel.MethodBind, Endpoints: []string{"inproc://cb-chan"}}
	d.AddChannel("data", ch)
	_ = d.Config().SetProperty("transport", config.StringValue("nanomsg"))

	received := make(chan string, 1)
	d.OnData("data", DataHandler{Message: func(m *message.Message) bool {
		received <- string(m.Data())
		return false
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.RunStateMachine(ctx) }()

	sm := d.StateMachine()
	drive(t, ctx, sm, []step{
		{statemachine.Idle, statemachine.InitDevice},
		{statemachine.InitializingDevice, statemachine.CompleteInit},
		{statemachine.Initialized, statemachine.Bind},
		{statemachine.Bound, statemachine.Connect},
		{statemachine.DeviceReady, statemachine.InitTask},
		{statemachine.Ready, statemachine.Run},
	})
	if err := sm.WaitForState(ctx, statemachine.Running); err != nil {
		t.Fatalf("waiting for Running: %v", err)
	}

	push, err := f.CreateSocket(socket.Push, "producer")
	if err != nil {
		t.Fatal(err)
	}
	if err := push.Connect("inproc://cb-chan"); err != nil {
		t.Fatal(err)
	}
	defer push.Close()

	if _, err := push.Send(message.NewMessageBytes([]byte("hi")), socket.FlagNone, 2000); err != nil {
		t.Fatalf("producer send: %v", err)
	}

	select {
	case got := <-received:
		if got != "hi" {
			t.Fatalf("got %q, want %q", got, "hi")
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for callback delivery")
	}

	drive(t, ctx, sm, []step{
		{statemachine.Ready, statemachine.ResetTask},
		{statemachine.DeviceReady, statemachine.ResetDevice},
		{statemachine.Idle, statemachine.End},
	})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunStateMachine returned error: %v", err)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for device to exit")
	}
}

// TestStopInterruptsBlockedReceive covers scenario 6: a device blocked in
// Run() on a Receive with no peer and timeout -1 must unblock with
// Interrupted within 200ms of an external Stop, reach PostRun, and settle
// on Ready (spec §5, §8), grounded on the same pattern as
// transport/inproc's TestInterruptWakesBlockedRecv.
func TestStopInterruptsBlockedReceive(t *testing.T) {
	f := inproc.New()
	d := New("cancel-device", nil, zerolog.Nop())
	d.RegisterTransport("nanomsg", f)

	ch := &channel.Channel{Pattern: socket.Pull, Method: channel.MethodBind, Endpoints: []string{"inproc://cancel-chan"}}
	d.AddChannel("data", ch)
	_ = d.Config().SetProperty("transport", config.StringValue("nanomsg"))

	recvErr := make(chan error, 1)
	postRun := make(chan struct{}, 1)
	d.SetHooks(Hooks{
		Run: func(dev *Device) error {
			msg := message.NewMessage()
			_, err := dev.Receive(msg, "data", 0, -1)
			recvErr <- err
			if errcode.Of(err) == errcode.Interrupted {
				return nil
			}
			return err
		},
		PostRun: func(*Device) error {
			postRun <- struct{}{}
			return nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.RunStateMachine(ctx) }()

	sm := d.StateMachine()
	drive(t, ctx, sm, []step{
		{statemachine.Idle, statemachine.InitDevice},
		{statemachine.InitializingDevice, statemachine.CompleteInit},
		{statemachine.Initialized, statemachine.Bind},
		{statemachine.Bound, statemachine.Connect},
		{statemachine.DeviceReady, statemachine.InitTask},
		{statemachine.Ready, statemachine.Run},
	})
	if err := sm.WaitForState(ctx, statemachine.Running); err != nil {
		t.Fatalf("waiting for Running: %v", err)
	}

	stopAt := time.Now()
	if !sm.RequestTransition(statemachine.Stop) {
		t.Fatal("Stop illegal from Running")
	}

	select {
	case err := <-recvErr:
		if errcode.Of(err) != errcode.Interrupted {
			t.Fatalf("blocked receive returned %v, want Interrupted", err)
		}
		if elapsed := time.Since(stopAt); elapsed > 200*time.Millisecond {
			t.Fatalf("receive took %s to unblock, want <=200ms", elapsed)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for blocked receive to unblock")
	}

	select {
	case <-postRun:
	case <-ctx.Done():
		t.Fatal("timed out waiting for PostRun")
	}

	if err := sm.WaitForState(ctx, statemachine.Ready); err != nil {
		t.Fatalf("waiting for Ready: %v", err)
	}

	drive(t, ctx, sm, []step{
		{statemachine.Ready, statemachine.ResetTask},
		{statemachine.DeviceReady, statemachine.ResetDevice},
		{statemachine.Idle, statemachine.End},
	})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunStateMachine returned error: %v", err)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for device to exit")
	}
}
