// Command devicemq-example bootstraps two devices, a sink and a source,
// wired over a shared in-process transport, and drives both through their
// full lifecycle while the sink logs every message it receives. Grounded on the
// teacher's cmd/pico-hal-main/main.go bootstrap shape (construct shared
// infrastructure, start services on their own goroutines, then run one
// event loop that ticks and prints), adapted from bus/topic pub-sub to
// device/channel lifecycle management.
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"devicemq-go/channel"
	"devicemq-go/config"
	"devicemq-go/device"
	"devicemq-go/message"
	"devicemq-go/socket"
	"devicemq-go/statemachine"
	"devicemq-go/transport/inproc"
)

func bootDevice(id, transportTag string, f *inproc.Factory, ch *channel.Channel, hooks device.Hooks) (*device.Device, zerolog.Logger) {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()
	d := device.New(id, config.NewStore(), logger)
	d.RegisterTransport(transportTag, f)
	_ = d.Config().SetProperty("transport", config.StringValue(transportTag))
	d.AddChannel("data", ch)
	d.SetHooks(hooks)
	return d, logger
}

func driveLifecycle(ctx context.Context, d *device.Device) {
	sm := d.StateMachine()
	steps := []statemachine.Transition{
		statemachine.InitDevice,
		statemachine.CompleteInit,
		statemachine.Bind,
		statemachine.Connect,
		statemachine.InitTask,
		statemachine.Run,
	}
	waits := []statemachine.State{
		statemachine.Idle,
		statemachine.InitializingDevice,
		statemachine.Initialized,
		statemachine.Bound,
		statemachine.DeviceReady,
		statemachine.Ready,
	}
	for i, tr := range steps {
		if err := sm.WaitForState(ctx, waits[i]); err != nil {
			return
		}
		sm.RequestTransition(tr)
	}
}

func shutdownLifecycle(ctx context.Context, d *device.Device) {
	sm := d.StateMachine()
	if err := sm.WaitForState(ctx, statemachine.Ready); err != nil {
		return
	}
	for _, step := range []struct {
		wait statemachine.State
		req  statemachine.Transition
	}{
		{statemachine.Ready, statemachine.ResetTask},
		{statemachine.DeviceReady, statemachine.ResetDevice},
		{statemachine.Idle, statemachine.End},
	} {
		if err := sm.WaitForState(ctx, step.wait); err != nil {
			return
		}
		sm.RequestTransition(step.req)
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	f := inproc.New()

	sinkCh := &channel.Channel{Pattern: socket.Pull, Method: channel.MethodBind, Endpoints: []string{"inproc://example-data"}}
	received := 0
	sink, sinkLog := bootDevice("sink", "nanomsg", f, sinkCh, device.Hooks{})
	sink.OnData("data", device.DataHandler{Message: func(m *message.Message) bool {
		received++
		sinkLog.Info().Str("payload", string(m.Data())).Int("count", received).Msg("received")
		return true
	}})

	sourceCh := &channel.Channel{Pattern: socket.Push, Method: channel.MethodConnect, Endpoints: []string{"inproc://example-data"}}
	seq := 0
	source, _ := bootDevice("source", "nanomsg", f, sourceCh, device.Hooks{
		ConditionalRun: func(d *device.Device) (bool, error) {
			seq++
			msg := message.NewMessageBytes([]byte("tick-" + strconv.Itoa(seq)))
			if _, err := d.Send(msg, "data", 0, 200); err != nil {
				return seq < 20, nil
			}
			return seq < 20, nil
		},
	})
	_ = source.Config().SetProperty("rate", config.FloatValue(5))

	done := make(chan struct{}, 2)
	go func() { _ = sink.RunStateMachine(ctx); done <- struct{}{} }()
	go func() { _ = source.RunStateMachine(ctx); done <- struct{}{} }()

	driveLifecycle(ctx, sink)
	driveLifecycle(ctx, source)

	select {
	case <-ctx.Done():
	case <-time.After(6 * time.Second):
	}

	shutdownLifecycle(ctx, sink)
	shutdownLifecycle(ctx, source)

	<-done
	<-done
}
