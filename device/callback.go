package device

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"devicemq-go/channel"
	"devicemq-go/errcode"
	"devicemq-go/message"
	"devicemq-go/socket"
	"devicemq-go/statemachine"
	"devicemq-go/x/timex"
)

const (
	singlePollTimeoutMS   = 200 // spec §4.2: "poll timeout 200 ms" (one transport)
	multiPollTimeoutMS    = 500 // spec §4.2: "poll timeout 500 ms" (per-transport threads)
	tightLoopTimeoutMS    = 100 // sub-wait slice for the single-channel tight loop
)

// runRunning implements the Running handler (spec §4.2): spawns the
// statistics sampler, resumes every transport, calls PreRun, dispatches
// callback or loop mode, then always calls PostRun and requests Stop on a
// clean exit.
func (d *Device) runRunning(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.runSampler(runCtx)
	}()
	defer wg.Wait()

	d.Resume()

	if err := d.runHook(d.hooks.PreRun); err != nil {
		_ = d.runHook(d.hooks.PostRun)
		return err
	}

	runErr := d.dispatchRunning(runCtx)

	if postErr := d.runHook(d.hooks.PostRun); postErr != nil && runErr == nil {
		runErr = postErr
	}
	if runErr != nil {
		return runErr
	}

	if d.sm.Current() == statemachine.Running {
		d.sm.RequestTransition(statemachine.Stop)
	}
	return nil
}

func (d *Device) dispatchRunning(ctx context.Context) error {
	d.mu.Lock()
	handlers := make(map[string]DataHandler, len(d.onData))
	for k, v := range d.onData {
		handlers[k] = v
	}
	d.mu.Unlock()

	if len(handlers) > 0 {
		return d.runCallbackMode(ctx, handlers)
	}
	return d.runLoopMode(ctx)
}

// runLoopMode calls the user's Run() once, or repeatedly calls
// ConditionalRun() at the configured rate until it returns false or the
// state becomes pending (spec §4.2).
func (d *Device) runLoopMode(ctx context.Context) error {
	if d.hooks.Run != nil {
		return d.hooks.Run(d)
	}
	if d.hooks.ConditionalRun == nil {
		return nil
	}
	gen := d.sm.Generation()
	period := time.Duration(0)
	if d.rateHz > 0 {
		period = time.Duration(timex.PeriodFromHz(uint32(d.rateHz)))
	}
	for {
		if d.sm.Pending(gen) {
			return nil
		}
		cont, err := d.hooks.ConditionalRun(d)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
		if period > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(period):
			}
		}
	}
}

type dataChannel struct {
	ch      *channel.Channel
	handler DataHandler
}

func (d *Device) subscribedChannels(handlers map[string]DataHandler) []dataChannel {
	out := make([]dataChannel, 0, len(handlers))
	for name, h := range handlers {
		if ch := d.arena.get(name, 0); ch != nil {
			out = append(out, dataChannel{ch: ch, handler: h})
		}
	}
	return out
}

// runCallbackMode implements spec §4.2's callback-mode dispatch: a single
// subscribed channel reads in a tight loop; several channels on one
// transport share a single Poller; several channels split across
// transports each get their own goroutine and Poller, coordinated by a
// shared stop flag and callback mutex.
func (d *Device) runCallbackMode(ctx context.Context, handlers map[string]DataHandler) error {
	subs := d.subscribedChannels(handlers)
	if len(subs) == 0 {
		return nil
	}
	if len(subs) == 1 {
		return d.runSingleChannelLoop(ctx, subs[0])
	}

	byTransport := make(map[string][]dataChannel)
	for _, s := range subs {
		byTransport[s.ch.Transport] = append(byTransport[s.ch.Transport], s)
	}

	var stopped atomic.Bool
	var cbMu sync.Mutex

	if len(byTransport) == 1 {
		for _, group := range byTransport {
			return d.runPolledGroup(ctx, group, singlePollTimeoutMS, &stopped, &cbMu)
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(byTransport))
	for _, group := range byTransport {
		group := group
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.runPolledGroup(ctx, group, multiPollTimeoutMS, &stopped, &cbMu); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// runSingleChannelLoop receives directly on the one subscribed channel in
// a tight loop, invoking its callback per message; it exits when the
// callback returns false or a state transition is pending.
func (d *Device) runSingleChannelLoop(ctx context.Context, s dataChannel) error {
	gen := d.sm.Generation()
	for {
		if d.sm.Pending(gen) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		cont, err := d.receiveAndDispatch(s, tightLoopTimeoutMS)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
}

// runPolledGroup polls every channel in group with a single Poller,
// dispatching ready channels to their callback. stopped/cbMu coordinate
// across sibling per-transport goroutines in the multi-transport case.
func (d *Device) runPolledGroup(ctx context.Context, group []dataChannel, pollTimeoutMS int, stopped *atomic.Bool, cbMu *sync.Mutex) error {
	sockets := make([]socket.Socket, len(group))
	for i, s := range group {
		sockets[i] = s.ch.Socket()
	}
	f, err := d.factoryFor(group[0].ch.Transport)
	if err != nil {
		return err
	}
	poller := f.CreatePoller(sockets...)

	gen := d.sm.Generation()
	for {
		if stopped.Load() || d.sm.Pending(gen) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := poller.Poll(pollTimeoutMS); err != nil {
			return err
		}
		for i, s := range group {
			if !poller.CheckInput(i) {
				continue
			}
			cbMu.Lock()
			cont, err := d.receiveAndDispatch(s, 0)
			cbMu.Unlock()
			if err != nil {
				return err
			}
			if !cont {
				stopped.Store(true)
				return nil
			}
		}
	}
}

// receiveAndDispatch performs one Receive on s.ch and invokes the
// appropriate single-message or multi-part callback, returning the
// callback's continue/stop decision. Receive timeouts are not errors; an
// Interrupted receive (a transition such as Stop is pending) stops dispatch
// without an error, the same as a callback returning false.
func (d *Device) receiveAndDispatch(s dataChannel, timeoutMS int) (bool, error) {
	switch {
	case s.handler.Message != nil:
		msg := message.NewMessage()
		if _, err := s.ch.Receive(msg, timeoutMS); err != nil {
			if isTimeout(err) {
				return true, nil
			}
			if errcode.Of(err) == errcode.Interrupted {
				return false, nil
			}
			return true, err
		}
		return s.handler.Message(msg), nil
	case s.handler.Parts != nil:
		parts, err := s.ch.ReceiveParts(timeoutMS)
		if err != nil {
			if isTimeout(err) {
				return true, nil
			}
			if errcode.Of(err) == errcode.Interrupted {
				return false, nil
			}
			return true, err
		}
		return s.handler.Parts(parts), nil
	default:
		return true, nil
	}
}

func isTimeout(err error) bool {
	return errcode.Of(err) == errcode.Timeout
}
