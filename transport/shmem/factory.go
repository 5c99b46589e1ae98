package shmem

import (
	"unsafe"

	"devicemq-go/message"
	"devicemq-go/region"
	"devicemq-go/socket"
	"devicemq-go/transport"
)

func init() {
	transport.Register("shmem", func() transport.Factory { return New() })
}

// Factory is the shared-memory transport.Factory implementation.
type Factory struct {
	rings     *ringRegistry
	interrupt *socket.Interruptor
	ringSize  int
}

// New returns a ready shmem Factory using the default ring size.
func New() *Factory {
	return &Factory{rings: newRingRegistry(), interrupt: socket.NewInterruptor(), ringSize: defaultRingSize}
}

// WithRingSize overrides the default per-address ring capacity (bytes, must
// be a power of two per x/shmring's invariant). Has no effect on rings
// already created.
func (f *Factory) WithRingSize(size int) *Factory {
	f.ringSize = size
	return f
}

func (f *Factory) Tag() string { return "shmem" }

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
	if pattern != socket.Push && pattern != socket.Pull && pattern != socket.Pair {
		return nil, errWrongDirection
	}
	return &shmemSocket{f: f, pattern: pattern, name: name}, nil
}

func (f *Factory) CreatePoller(sockets ...socket.Socket) socket.Poller {
	return newPoller(sockets)
}

func (f *Factory) CreateUnmanagedRegion(size int, cfg region.Config, cb region.ReleaseFunc) (region.Handle, *region.Region) {
	return region.NewRegistered(size, cfg, cb)
}

func (f *Factory) Interrupt() { f.interrupt.Interrupt() }
func (f *Factory) Resume()    { f.interrupt.Resume() }

func (f *Factory) Reset() {
	f.rings = newRingRegistry()
	f.interrupt.Resume()
}
