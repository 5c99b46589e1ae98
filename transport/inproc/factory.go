// Package inproc implements the in-process transport spec §6 requires
// alongside zeromq and shmem: a lightweight, dependency-free mechanism for
// channels whose two ends live in the same process. Pub/Sub rides directly
// on bus.Bus, reusing its topic trie and fire-and-forget broadcast delivery
// (the same semantics a real PUB/SUB socket has). Every other pattern rides
// on a private registry of bounded rendezvous channels, because those
// patterns must genuinely block and time out when no peer is present, which
// bus.Bus's trySend/drainOne discard policy cannot express.
package inproc

import (
	"unsafe"

	"devicemq-go/bus"
	"devicemq-go/message"
	"devicemq-go/region"
	"devicemq-go/socket"
	"devicemq-go/transport"
)

func init() {
	transport.Register("inproc", func() transport.Factory { return New() })
	// "nanomsg" is the spec's global config key spelling for this transport
	// (§6: "transport (string: zeromq|nanomsg|shmem...)"); both tags resolve
	// to the same constructor.
	transport.Register("nanomsg", func() transport.Factory { return New() })
}

// Factory is the inproc transport.Factory implementation.
type Factory struct {
	bus       *bus.Bus
	reg       *registry
	interrupt *socket.Interruptor
}

// New returns a ready inproc Factory. Each Factory owns its own bus,
// endpoint registry, and interrupt flag, so two devices in one process
// never cross-deliver or cross-interrupt each other's sockets.
func New() *Factory {
	return &Factory{
		bus:       bus.NewBus(8),
		reg:       newRegistry(),
		interrupt: socket.NewInterruptor(),
	}
}

func (f *Factory) Tag() string { return "inproc" }

func (f *Factory) CreateMessage() *message.Message {
	m := message.NewMessage()
	m.SetOrigin(f.Tag())
	return m
}

func (f *Factory) CreateMessageSize(size int) *message.Message {
	m := message.NewMessageSize(size)
	m.SetOrigin(f.Tag())
	return m
}

func (f *Factory) CreateMessageAdopt(ptr unsafe.Pointer, size int, free message.FreeFunc, hint unsafe.Pointer) *message.Message {
	m := message.NewMessageAdopt(ptr, size, free, hint)
	m.SetOrigin(f.Tag())
	return m
}

func (f *Factory) CreateSocket(pattern socket.Pattern, name string) (socket.Socket, error) {
	if !socket.ValidPattern(pattern) {
		return nil, &errPattern{pattern: pattern}
	}
	return &invSocket{f: f, pattern: pattern, name: name}, nil
}

func (f *Factory) CreatePoller(sockets ...socket.Socket) socket.Poller {
	return newPoller(sockets)
}

func (f *Factory) CreateUnmanagedRegion(size int, cfg region.Config, cb region.ReleaseFunc) (region.Handle, *region.Region) {
	return region.NewRegistered(size, cfg, cb)
}

func (f *Factory) Interrupt() { f.interrupt.Interrupt() }
func (f *Factory) Resume()    { f.interrupt.Resume() }

// Reset drops every endpoint and rebuilds the bus, matching the "fresh
// slate" semantics spec §6 expects of a factory reused across device
// ResettingDevice -> InitializingDevice cycles. In-flight sockets built on
// the old registry keep working against their own endpoint references; new
// sockets rendezvous on the new ones.
func (f *Factory) Reset() {
	f.bus = bus.NewBus(8)
	f.reg = newRegistry()
	f.interrupt.Resume()
}

type errPattern struct{ pattern socket.Pattern }

func (e *errPattern) Error() string { return "inproc: invalid socket pattern " + string(e.pattern) }
