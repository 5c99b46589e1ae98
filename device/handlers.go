package device

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"devicemq-go/channel"
	"devicemq-go/config"
	"devicemq-go/statemachine"
	"devicemq-go/transport"
)

const connectRetryInterval = 50 * time.Millisecond

// RunStateMachine drives the device's lifecycle on the calling goroutine,
// which becomes the single state thread (spec §4.2/§5). It returns when
// the machine reaches Exiting (nil) or Error (the triggering error).
func (d *Device) RunStateMachine(ctx context.Context) error {
	for {
		switch d.sm.Current() {
		case statemachine.Idle:
			if _, err := d.sm.WaitForNext(ctx); err != nil {
				return err
			}
		case statemachine.InitializingDevice:
			if err := d.runInitializingDevice(ctx); err != nil {
				return d.fail(err)
			}
		case statemachine.Initialized, statemachine.Bound, statemachine.DeviceReady, statemachine.Ready:
			// Non-working states: wait for the next externally- or
			// internally-requested transition (Bind/Connect/InitTask/Run/
			// ResetTask/ResetDevice).
			if _, err := d.sm.WaitForNext(ctx); err != nil {
				return err
			}
		case statemachine.Binding:
			if err := d.runBinding(ctx); err != nil {
				return d.fail(err)
			}
		case statemachine.Connecting:
			if err := d.runConnecting(ctx); err != nil {
				return d.fail(err)
			}
		case statemachine.InitializingTask:
			if err := d.runHook(d.hooks.InitTask); err != nil {
				return d.fail(err)
			}
			d.sm.RequestTransition(statemachine.Auto)
		case statemachine.Running:
			if err := d.runRunning(ctx); err != nil {
				return d.fail(err)
			}
		case statemachine.ResettingTask:
			if err := d.runHook(d.hooks.ResetTask); err != nil {
				return d.fail(err)
			}
			d.sm.RequestTransition(statemachine.Auto)
		case statemachine.ResettingDevice:
			d.runResettingDevice()
			d.sm.RequestTransition(statemachine.Auto)
		case statemachine.Exiting:
			return nil
		case statemachine.Error:
			return d.lastErr
		default:
			return fmt.Errorf("device: unhandled state %q", d.sm.Current())
		}
	}
}

func (d *Device) fail(err error) error {
	d.mu.Lock()
	d.lastErr = err
	d.mu.Unlock()
	d.Log.Error().Err(err).Msg("device entering Error state")
	d.sm.RequestTransition(statemachine.ErrorFound)
	return err
}

func (d *Device) runHook(h func(*Device) error) error {
	if h == nil {
		return nil
	}
	return h(d)
}

// runInitializingDevice waits for the external CompleteInit transition
// before touching the config store, so external tooling has a window to
// inject configuration after InitDevice (spec §4.2: "Waits for the
// CompleteInit transition so external tooling can inject configuration").
// This mirrors FairMQDevice::InitWrapper, which calls
// fStateMachine.WaitForPendingState() before reading any property
// (original_source/fairmq/FairMQDevice.cxx:259-264) rather than reading
// config first and self-issuing the transition. Once CompleteInit has
// landed it applies id/transport/timeouts/rate from the config store,
// creates the default transport factory, creates every configured
// channel's transport, and calls user Init().
func (d *Device) runInitializingDevice(ctx context.Context) error {
	if err := d.sm.WaitForState(ctx, statemachine.Initialized); err != nil {
		return err
	}

	id, _ := config.GetProperty(d.cfg, "id", d.id)
	d.id = id
	d.Log = d.Log.With().Str("device", id).Logger()

	d.defaultTransport, _ = config.GetProperty(d.cfg, "transport", "zeromq")
	d.networkInterface, _ = config.GetProperty(d.cfg, "network-interface", "")
	initTimeoutS, _ := config.GetProperty(d.cfg, "init-timeout", int64(120))
	d.initTimeout = time.Duration(initTimeoutS) * time.Second
	maxRunTimeS, _ := config.GetProperty(d.cfg, "max-run-time", int64(0))
	d.maxRunTime = time.Duration(maxRunTimeS) * time.Second
	d.rateHz, _ = config.GetProperty(d.cfg, "rate", float64(0))

	if session, _ := d.cfg.GetPropertyAsString("session"); session == "" {
		_ = config.SetTypedProperty(d.cfg, "session", uuid.NewString())
	}
	_, _ = config.GetProperty(d.cfg, "io-threads", int64(1)) // recorded only; transports here are pure-Go and size their own goroutine pools

	if _, err := d.factoryFor(d.defaultTransport); err != nil {
		return fmt.Errorf("device: default transport %q: %w", d.defaultTransport, err)
	}

	for _, ch := range d.arena.all() {
		if ch.Transport == "" {
			ch.Transport = d.defaultTransport
		}
		f, err := d.factoryFor(ch.Transport)
		if err != nil {
			return fmt.Errorf("device: channel %s transport %q: %w", ch.Name, ch.Transport, err)
		}
		ch.SetFactory(f)
		if err := d.deriveBindAddress(ch); err != nil {
			return err
		}
		if err := ch.Validate(); err != nil {
			return err
		}
	}

	return d.runHook(d.hooks.Init)
}

// deriveBindAddress fills in a tcp://<interface-ip>:1 placeholder address
// for a bind-method channel left unconfigured, per spec §4.2. An empty or
// "default" network-interface that finds no usable interface falls back to
// tcp://*:1; a named interface that cannot be resolved is an error.
func (d *Device) deriveBindAddress(ch *channel.Channel) error {
	if len(ch.Endpoints) > 0 || ch.Method != channel.MethodBind {
		return nil
	}
	name := d.networkInterface
	if name == "default" {
		name = ""
	}
	ip, err := interfaceAddress(name)
	if err != nil {
		if name == "" {
			ch.Endpoints = []string{"tcp://*:1"}
			return nil
		}
		return fmt.Errorf("device: deriving bind address for %s: %w", ch.Name, err)
	}
	ch.Endpoints = []string{fmt.Sprintf("tcp://%s:1", ip)}
	return nil
}

// interfaceAddress returns the IPv4 address of the named interface, or, if
// name is empty, the first IPv4 address of the first up, non-loopback
// interface in net.Interfaces() order. The routing table is not consulted.
func interfaceAddress(name string) (string, error) {
	var ifaces []net.Interface
	if name != "" {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			return "", err
		}
		ifaces = []net.Interface{*iface}
	} else {
		all, err := net.Interfaces()
		if err != nil {
			return "", err
		}
		ifaces = all
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil {
				continue
			}
			return ipnet.IP.String(), nil
		}
	}
	return "", fmt.Errorf("no usable network interface found")
}

// runBinding attaches every bind-method channel; any failure aborts to
// Error (spec §4.2).
func (d *Device) runBinding(ctx context.Context) error {
	for _, ch := range d.arena.all() {
		if ch.Method != channel.MethodBind {
			continue
		}
		for i, ep := range ch.Endpoints {
			result, boundAddr, err := ch.AttachEndpoint(ep)
			if result != channel.AttachSuccess {
				return fmt.Errorf("device: bind %s[%d] endpoint %q: %w", ch.Name, ch.Index, ep, err)
			}
			if boundAddr != ep {
				ch.Endpoints[i] = boundAddr
				_ = d.cfg.SetChannelField(ch.Name, ch.Index, "address", config.StringValue(boundAddr))
			}
		}
	}
	if err := d.runHook(d.hooks.Bind); err != nil {
		return err
	}
	d.sm.RequestTransition(statemachine.Auto)
	return nil
}

// runConnecting repeatedly attempts every connect-method channel, re-
// reading each channel's address key between passes so externally
// supplied addresses take effect, failing to Error after init-timeout
// (spec §4.2, grounded on bridge.Service.run's cfgSub-driven reconfigure).
func (d *Device) runConnecting(ctx context.Context) error {
	deadline := time.Now().Add(d.initTimeout)
	if d.initTimeout <= 0 {
		deadline = time.Time{}
	}
	for {
		pending := d.connectingPass()
		if len(pending) == 0 {
			break
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return fmt.Errorf("device: connecting timed out after %s: %v", d.initTimeout, pending)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(connectRetryInterval):
		}
	}
	if err := d.runHook(d.hooks.Connect); err != nil {
		return err
	}
	d.sm.RequestTransition(statemachine.Auto)
	return nil
}

// connectingPass re-reads each connect channel's configured address and
// attempts to attach it, returning the endpoints still unresolved.
func (d *Device) connectingPass() []string {
	var pending []string
	for _, ch := range d.arena.all() {
		if ch.Method != channel.MethodConnect {
			continue
		}
		if v, err := d.cfg.GetPropertyAsString(ch.Key() + ".address"); err == nil && v != "" {
			ch.Endpoints = []string{v}
		}
		for _, ep := range ch.Endpoints {
			if ch.Socket() != nil {
				continue
			}
			result, _, _ := ch.AttachEndpoint(ep)
			if result != channel.AttachSuccess {
				pending = append(pending, ep)
			}
		}
	}
	return pending
}

// runResettingDevice interrupts and resets every transport, calls user
// Reset(), then drops the channel map and transport factories (spec
// §4.2). The SubscribeNewTransition hook registered in New already fanned
// Interrupt() out the moment ResetDevice was requested; this call is
// belt-and-braces so the handler doesn't rely solely on that hook firing.
func (d *Device) runResettingDevice() {
	d.Interrupt()
	d.arena.closeAll()
	_ = d.runHook(d.hooks.Reset)

	d.fmu.Lock()
	factories := make([]transport.Factory, 0, len(d.factories))
	for _, f := range d.factories {
		factories = append(factories, f)
	}
	d.factories = make(map[string]transport.Factory)
	d.fmu.Unlock()

	for _, f := range factories {
		f.Reset()
	}
	d.arena.reset()
}
