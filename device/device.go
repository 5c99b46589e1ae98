// Package device implements the Device Core (spec §4.2): it drives the
// lifecycle state machine on a single dedicated thread, owns the channel
// arena and transport factories, and dispatches user hooks and OnData
// callbacks. The per-state handler dispatch loop is grounded on the
// teacher's services/hal/hal.go main loop (config subscription, timer
// re-arm, select-driven dispatch over several event sources), generalized
// from a fixed HAL polling loop to the parenthesized-state handler loop
// spec §4.2 enumerates; the Connecting handler's periodic re-attach is
// grounded on services/bridge/bridge.go's reconfigure/runLink shape.
package device

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/rs/zerolog"

	"devicemq-go/channel"
	"devicemq-go/config"
	"devicemq-go/errcode"
	"devicemq-go/message"
	"devicemq-go/region"
	"devicemq-go/statemachine"
	"devicemq-go/transport"
)

// Hooks are the user-supplied lifecycle callbacks (spec §4.2). Any left
// nil are treated as no-ops. Run/ConditionalRun are used only in loop mode
// (no OnData registered): Run is called once if set, otherwise
// ConditionalRun is called repeatedly; with neither set, Running ends at
// once.
type Hooks struct {
	Init, Bind, Connect, InitTask, PreRun, PostRun, ResetTask, Reset func(*Device) error
	Run            func(*Device) error
	ConditionalRun func(*Device) (bool, error)
}

// DataHandler is what OnData registers against a channel name: exactly
// one of Message/Parts should be set (spec §4.2's single-message vs
// multi-part callback shorthand).
type DataHandler struct {
	Message func(*message.Message) bool
	Parts   func(message.Parts) bool
}

// Device is one FairMQ-style device instance: state machine, config
// store, channel arena, and the transport factories its channels use
// (spec §3/§4.2).
type Device struct {
	id  string
	Log zerolog.Logger

	sm  *statemachine.Machine
	cfg *config.Store

	arena     *arena
	factories map[string]transport.Factory
	fmu       sync.Mutex // guards factories (read by Send/Receive's goroutine, written by the state thread and by Interrupt's transition hook)

	hooks  Hooks
	onData map[string]DataHandler
	mu     sync.Mutex // guards hooks/onData registration and lastErr

	defaultTransport string
	networkInterface string
	initTimeout      time.Duration
	maxRunTime       time.Duration
	rateHz           float64

	lastErr error
}

// New returns a Device in state Idle, with its own config store and state
// machine. cfg may be nil, in which case a fresh empty Store is created.
func New(id string, cfg *config.Store, logger zerolog.Logger) *Device {
	if cfg == nil {
		cfg = config.NewStore()
	}
	d := &Device{
		id:        id,
		Log:       logger.With().Str("device", id).Logger(),
		sm:        statemachine.New(statemachine.Idle),
		cfg:       cfg,
		arena:     newArena(),
		factories: make(map[string]transport.Factory),
		onData:    make(map[string]DataHandler),
	}
	// spec §5: "Interrupt() issued by the state machine on Stop/
	// ResetDevice/End" — fan it out to every transport factory the
	// instant one of those transitions is requested, so a blocking
	// Send/Receive with timeout -1 returns Interrupted within the ≤200ms
	// bound instead of waiting for the handler loop to get around to it.
	d.sm.SubscribeNewTransition("interrupt-fanout", func(t statemachine.Transition) {
		switch t {
		case statemachine.Stop, statemachine.ResetDevice, statemachine.End:
			d.Interrupt()
		}
	})
	return d
}

// ID returns the device's configured identifier.
func (d *Device) ID() string { return d.id }

// Config returns the device's configuration store.
func (d *Device) Config() *config.Store { return d.cfg }

// StateMachine returns the device's lifecycle Machine, for callers that
// need to request transitions (CompleteInit, Run, Stop, ...) from outside
// the state thread.
func (d *Device) StateMachine() *statemachine.Machine { return d.sm }

// SetHooks installs the user lifecycle callbacks. Must be called before
// RunStateMachine starts.
func (d *Device) SetHooks(h Hooks) { d.hooks = h }

// OnData registers a callback-mode data handler for channel name,
// subchannel index 0 (spec §4.2's OnData(channel, cb)). Registering at
// least one handler switches Running into callback-mode dispatch.
func (d *Device) OnData(name string, h DataHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onData[name] = h
}

// AddChannel registers ch under name, assigning it the next subchannel
// index. Must be called before InitializingDevice completes; the arena is
// otherwise read-only until ResettingDevice.
func (d *Device) AddChannel(name string, ch *channel.Channel) {
	d.arena.add(name, ch)
}

// Channel returns subchannel index of name, or nil if unknown.
func (d *Device) Channel(name string, index int) *channel.Channel {
	return d.arena.get(name, index)
}

// RegisterTransport makes factory available under tag for channels whose
// Transport field names it; device.InitializingDevice also creates the
// configured default transport automatically via transport.New.
func (d *Device) RegisterTransport(tag string, f transport.Factory) {
	d.fmu.Lock()
	defer d.fmu.Unlock()
	d.factories[tag] = f
}

func (d *Device) factoryFor(tag string) (transport.Factory, error) {
	d.fmu.Lock()
	defer d.fmu.Unlock()
	if f, ok := d.factories[tag]; ok {
		return f, nil
	}
	f, err := transport.New(tag)
	if err != nil {
		return nil, err
	}
	d.factories[tag] = f
	return f, nil
}

// Interrupt fans Interrupt() out to every registered transport factory,
// so every outstanding blocking Send/Receive on any channel returns
// Interrupted promptly (spec §5, §8). Safe to call concurrently with the
// state thread.
func (d *Device) Interrupt() {
	d.fmu.Lock()
	factories := make([]transport.Factory, 0, len(d.factories))
	for _, f := range d.factories {
		factories = append(factories, f)
	}
	d.fmu.Unlock()
	for _, f := range factories {
		f.Interrupt()
	}
}

// Resume fans Resume() out to every registered transport factory,
// clearing an Interrupt before Running is (re-)entered.
func (d *Device) Resume() {
	d.fmu.Lock()
	factories := make([]transport.Factory, 0, len(d.factories))
	for _, f := range d.factories {
		factories = append(factories, f)
	}
	d.fmu.Unlock()
	for _, f := range factories {
		f.Resume()
	}
}

// --- Message factories (spec §4.2: "the device provides NewMessage(),
// NewMessage(size), NewMessage(ptr,size,freeFn,hint), NewStaticMessage,
// NewSimpleMessage, NewUnmanagedRegion, and per-channel variants that
// force the target channel's transport").

func (d *Device) NewMessage() *message.Message { return message.NewMessage() }

func (d *Device) NewMessageSize(size int) *message.Message { return message.NewMessageSize(size) }

func (d *Device) NewMessageAdopt(ptr unsafe.Pointer, size int, free message.FreeFunc, hint unsafe.Pointer) *message.Message {
	return message.NewMessageAdopt(ptr, size, free, hint)
}

func (d *Device) NewStaticMessage(data []byte) *message.Message { return message.NewStaticMessage(data) }

func NewSimpleMessage[T any](v T) *message.Message { return message.NewSimpleMessage(v) }

func (d *Device) NewUnmanagedRegion(size int, cfg region.Config, cb region.ReleaseFunc) (region.Handle, *region.Region) {
	return region.NewRegistered(size, cfg, cb)
}

// NewChannelMessage forces msg construction from the transport backing
// name's subchannel index, so a message built for channel A is never
// accidentally handed, unmatched, to channel B's transport (spec §4.2).
func (d *Device) NewChannelMessage(name string, index int) (*message.Message, error) {
	ch := d.arena.get(name, index)
	if ch == nil {
		return nil, fmt.Errorf("device: unknown channel %s[%d]", name, index)
	}
	f, err := d.factoryFor(ch.Transport)
	if err != nil {
		return nil, err
	}
	return f.CreateMessage(), nil
}

// --- Send/Receive shorthand (spec §4.2): delegate to channel name[index].

func (d *Device) Send(msg *message.Message, name string, index int, timeoutMS int) (int, error) {
	ch := d.arena.get(name, index)
	if ch == nil {
		return 0, &errcode.E{C: errcode.InvalidChannel, Msg: fmt.Sprintf("%s[%d]", name, index)}
	}
	return ch.Send(msg, timeoutMS)
}

func (d *Device) Receive(msg *message.Message, name string, index int, timeoutMS int) (int, error) {
	ch := d.arena.get(name, index)
	if ch == nil {
		return 0, &errcode.E{C: errcode.InvalidChannel, Msg: fmt.Sprintf("%s[%d]", name, index)}
	}
	return ch.Receive(msg, timeoutMS)
}

func (d *Device) SendParts(parts message.Parts, name string, index int, timeoutMS int) (int, error) {
	ch := d.arena.get(name, index)
	if ch == nil {
		return 0, &errcode.E{C: errcode.InvalidChannel, Msg: fmt.Sprintf("%s[%d]", name, index)}
	}
	return ch.SendParts(parts, timeoutMS)
}

func (d *Device) ReceiveParts(name string, index int, timeoutMS int) (message.Parts, error) {
	ch := d.arena.get(name, index)
	if ch == nil {
		return nil, &errcode.E{C: errcode.InvalidChannel, Msg: fmt.Sprintf("%s[%d]", name, index)}
	}
	return ch.ReceiveParts(timeoutMS)
}

// blockTimeoutMS renders a context deadline (or its absence) as the
// millisecond timeout socket.Socket.Send/Recv expects: -1 (block) when ctx
// has no deadline, otherwise the remaining budget, or 0 once it has passed.
func blockTimeoutMS(ctx context.Context) int {
	deadline, ok := ctx.Deadline()
	if !ok {
		return -1
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return 0
	}
	return int(remaining / time.Millisecond)
}
