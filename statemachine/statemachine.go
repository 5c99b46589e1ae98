// Package statemachine implements the device lifecycle state machine
// (spec §4.1): it serializes transitions on a per-device basis, enqueues
// and delivers state-change notifications, and supports external
// interrupt. Subscriber callbacks are snapshotted and invoked after the
// internal mutex is released, so delivery is decoupled from the state
// thread's critical section exactly as Design Notes §9 asks ("subscriber
// callbacks delivered... to decouple from the state thread's critical
// path") without risking deadlock when a callback re-enters the Machine
// (e.g. to unsubscribe a different key).
package statemachine

import (
	"context"
	"sync"
)

// State is one of the device lifecycle states (spec §3).
type State string

// Transition is one of the named transitions (spec §4.1).
type Transition string

const (
	Idle               State = "Idle"
	InitializingDevice State = "InitializingDevice"
	Initialized        State = "Initialized"
	Binding            State = "Binding"
	Bound              State = "Bound"
	Connecting         State = "Connecting"
	DeviceReady        State = "DeviceReady"
	InitializingTask   State = "InitializingTask"
	Ready              State = "Ready"
	Running            State = "Running"
	ResettingTask      State = "ResettingTask"
	ResettingDevice    State = "ResettingDevice"
	Exiting            State = "Exiting"
	Error              State = "Error"
)

const (
	InitDevice    Transition = "InitDevice"
	CompleteInit  Transition = "CompleteInit"
	Bind          Transition = "Bind"
	Connect       Transition = "Connect"
	InitTask      Transition = "InitTask"
	Run           Transition = "Run"
	Stop          Transition = "Stop"
	ResetTask     Transition = "ResetTask"
	ResetDevice   Transition = "ResetDevice"
	End           Transition = "End"
	ErrorFound    Transition = "ErrorFound"
	Auto          Transition = "Auto"
)

// table is the transition graph from spec §4.1, built once at package
// init. ErrorFound is handled
// separately by nextState since it is legal from every state, including
// the working states, rather than being repeated in every row.
var table = map[State]map[Transition]State{
	Idle:               {InitDevice: InitializingDevice, End: Exiting},
	InitializingDevice: {CompleteInit: Initialized},
	Initialized:        {Bind: Binding, ResetDevice: ResettingDevice},
	Binding:            {Auto: Bound},
	Bound:              {Connect: Connecting, ResetDevice: ResettingDevice},
	Connecting:         {Auto: DeviceReady},
	DeviceReady:        {InitTask: InitializingTask, ResetDevice: ResettingDevice},
	InitializingTask:   {Auto: Ready},
	Ready:              {Run: Running, ResetTask: ResettingTask},
	Running:            {Stop: Ready},
	ResettingTask:      {Auto: DeviceReady},
	ResettingDevice:    {Auto: Idle},
}

// nextState looks up the transition table, honoring the wildcard
// ErrorFound transition (valid from any state, including working states).
func nextState(from State, t Transition) (State, bool) {
	if t == ErrorFound {
		return Error, true
	}
	if row, ok := table[from]; ok {
		if to, ok := row[t]; ok {
			return to, true
		}
	}
	return "", false
}

// Machine drives a single device's state per spec §4.1.
type Machine struct {
	mu         sync.Mutex
	cond       *sync.Cond
	current    State
	generation int // bumped by every accepted RequestTransition; backs NewStatePending polling

	stateSubs    map[string]func(State)
	newTransSubs map[string]func(Transition)
	subOrder     []string // registration order for stateSubs delivery

	interrupted chan struct{}
	imu         sync.Mutex
}

// New returns a Machine starting in initial.
func New(initial State) *Machine {
	m := &Machine{
		current:      initial,
		stateSubs:    make(map[string]func(State)),
		newTransSubs: make(map[string]func(Transition)),
		interrupted:  make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// RequestTransition enqueues t. Returns true if t is legal from the
// current state per the transition table; false otherwise. Does not
// block (spec §4.1).
func (m *Machine) RequestTransition(t Transition) bool {
	m.mu.Lock()
	to, ok := nextState(m.current, t)
	if !ok {
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()

	m.fireNewTransition(t)

	m.mu.Lock()
	m.current = to
	m.generation++
	m.cond.Broadcast()
	m.mu.Unlock()

	m.fireStateChange(to)
	return true
}

// Generation returns a counter bumped by every accepted RequestTransition.
// A state-thread handler captures it before starting a blocking user call
// and later compares with Pending to implement the cooperative
// cancellation spec §5 calls NewStatePending(): "User loops that poll
// this flag between send/receive calls exit voluntarily."
func (m *Machine) Generation() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// Pending reports whether the state has changed since generation since
// was observed.
func (m *Machine) Pending(since int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation != since
}

// fireNewTransition invokes SubscribeNewTransition callbacks from the
// calling thread, before entry (spec §4.1).
func (m *Machine) fireNewTransition(t Transition) {
	m.mu.Lock()
	cbs := make([]func(Transition), 0, len(m.newTransSubs))
	for _, cb := range m.newTransSubs {
		cbs = append(cbs, cb)
	}
	m.mu.Unlock()
	for _, cb := range cbs {
		cb(t)
	}
}

// fireStateChange delivers the new state to every SubscribeStateChange
// callback in registration order, with the Machine's mutex released so
// delivery never blocks inside the critical section (Design Notes §9).
func (m *Machine) fireStateChange(s State) {
	m.mu.Lock()
	order := append([]string(nil), m.subOrder...)
	cbs := make(map[string]func(State), len(m.stateSubs))
	for k, cb := range m.stateSubs {
		cbs[k] = cb
	}
	m.mu.Unlock()

	for _, key := range order {
		if cb, ok := cbs[key]; ok {
			cb(s)
		}
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// WaitForNext blocks until the next state change, ctx cancellation, or
// interrupt.
func (m *Machine) WaitForNext(ctx context.Context) (State, error) {
	start := m.Current()
	return m.waitUntil(ctx, func(s State) bool { return s != start })
}

// WaitForState blocks until the machine reaches s, ctx cancellation, or
// interrupt.
func (m *Machine) WaitForState(ctx context.Context, s State) error {
	_, err := m.waitUntil(ctx, func(cur State) bool { return cur == s })
	return err
}

func (m *Machine) waitUntil(ctx context.Context, done func(State) bool) (State, error) {
	woken := make(chan State, 1)
	stop := make(chan struct{})
	go func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for {
			if done(m.current) {
				woken <- m.current
				return
			}
			select {
			case <-stop:
				return
			default:
			}
			m.cond.Wait()
		}
	}()
	defer close(stop)
	// cond.Wait cannot be interrupted directly; broadcast on every
	// transition plus on Interrupt/Resume lets the goroutine above re-check.
	select {
	case s := <-woken:
		return s, nil
	case <-ctx.Done():
		m.cond.Broadcast() // unstick the waiter goroutine so it can exit
		return "", ctx.Err()
	case <-m.interruptedChan():
		m.cond.Broadcast()
		return "", errInterrupted
	}
}

// interruptedChan exposes the interrupt broadcast channel for internal
// wait helpers; external packages should use Interrupted()/a transport's
// own Interrupt() fan-out instead.
func (m *Machine) interruptedChan() <-chan struct{} {
	m.imu.Lock()
	defer m.imu.Unlock()
	return m.interrupted
}

// SubscribeStateChange registers cb under key, fired from the thread
// that drives state entry, in registration order (spec §4.1). Re-
// registering an existing key replaces its callback without changing its
// position in delivery order.
func (m *Machine) SubscribeStateChange(key string, cb func(State)) {
	m.mu.Lock()
	if _, exists := m.stateSubs[key]; !exists {
		m.subOrder = append(m.subOrder, key)
	}
	m.stateSubs[key] = cb
	m.mu.Unlock()
}

// UnsubscribeStateChange removes key's callback. Safe to call from
// within a callback registered under a different key (spec §4.1).
func (m *Machine) UnsubscribeStateChange(key string) {
	m.mu.Lock()
	delete(m.stateSubs, key)
	for i, k := range m.subOrder {
		if k == key {
			m.subOrder = append(m.subOrder[:i], m.subOrder[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
}

// SubscribeNewTransition registers cb under key, fired from the thread
// that requested the transition, before entry (spec §4.1).
func (m *Machine) SubscribeNewTransition(key string, cb func(Transition)) {
	m.mu.Lock()
	m.newTransSubs[key] = cb
	m.mu.Unlock()
}

// UnsubscribeNewTransition removes key's new-transition callback.
func (m *Machine) UnsubscribeNewTransition(key string) {
	m.mu.Lock()
	delete(m.newTransSubs, key)
	m.mu.Unlock()
}

var errInterrupted = interruptedErr{}

type interruptedErr struct{}

func (interruptedErr) Error() string { return "interrupted" }

// Interrupt pokes all waiters; while interrupted, every blocking
// transport operation should return Interrupted promptly (spec §4.1).
// This machine-level interrupt is distinct from a transport's own
// Interrupt() (see DESIGN.md's Open Question decision #2): it wakes
// WaitForNext/WaitForState callers, not blocking Send/Recv calls, which
// observe each transport's own per-instance interrupt instead.
func (m *Machine) Interrupt() {
	m.imu.Lock()
	select {
	case <-m.interrupted:
		// already interrupted
	default:
		close(m.interrupted)
	}
	m.imu.Unlock()
	m.mu.Lock()
	m.cond.Broadcast()
	m.mu.Unlock()
}

// Resume clears a prior Interrupt, allowing WaitForNext/WaitForState to
// block normally again.
func (m *Machine) Resume() {
	m.imu.Lock()
	select {
	case <-m.interrupted:
		m.interrupted = make(chan struct{})
	default:
	}
	m.imu.Unlock()
}

// Interrupted reports whether Interrupt has been called without a
// matching Resume.
func (m *Machine) Interrupted() bool {
	m.imu.Lock()
	defer m.imu.Unlock()
	select {
	case <-m.interrupted:
		return true
	default:
		return false
	}
}
