// Package zmq implements the out-of-process transport spec §6 names
// "zeromq": TCP/IPC sockets over the wire, grounded on
// github.com/luxfi/zmq/v4's pure-Go ZMTP implementation (the API shape this
// package wraps is the one other_examples/145be45d_luxfi-zmq demonstrates:
// zmq4.Socket with Listen/Dial/Send/Recv, NewPub/NewSub/NewRouter/NewDealer
// constructors, and zmq4.NewMsg for payload framing).
package zmq

import (
	"context"
	"unsafe"

	"github.com/luxfi/zmq/v4"

	"devicemq-go/message"
	"devicemq-go/region"
	"devicemq-go/socket"
	"devicemq-go/transport"
)

func init() {
	transport.Register("zeromq", func() transport.Factory { return New() })
}

// Factory is the ZeroMQ-like transport.Factory implementation.
type Factory struct {
	ctx       context.Context
	interrupt *socket.Interruptor
	identity  string
}

// New returns a ready zmq Factory bound to a background context; sockets
// created from it live as long as the factory does, or until individually
// Closed.
func New() *Factory {
	return &Factory{ctx: context.Background(), interrupt: socket.NewInterruptor()}
}

// WithIdentity sets the SocketIdentity used for Dealer/Router sockets this
// factory creates (spec §4.3's channel identity for Router-addressed
// messaging).
func (f *Factory) WithIdentity(id string) *Factory {
	f.identity = id
	return f
}

func (f *Factory) Tag() string { return "zeromq" }

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
		return nil, errWrongDirection
	}
	sock, err := f.newZMQSocket(pattern)
	if err != nil {
		return nil, err
	}
	return &zmqSocket{f: f, pattern: pattern, name: name, sock: sock, recvCh: make(chan recvResult, 16)}, nil
}

func (f *Factory) newZMQSocket(pattern socket.Pattern) (zmq4.Socket, error) {
	var opts []zmq4.Option
	if f.identity != "" {
		opts = append(opts, zmq4.WithID(zmq4.SocketIdentity(f.identity)))
	}
	switch pattern {
	case socket.Pub:
		return zmq4.NewPub(f.ctx, opts...), nil
	case socket.Sub:
		return zmq4.NewSub(f.ctx, opts...), nil
	case socket.XPub:
		return zmq4.NewXPub(f.ctx, opts...), nil
	case socket.XSub:
		return zmq4.NewXSub(f.ctx, opts...), nil
	case socket.Push:
		return zmq4.NewPush(f.ctx, opts...), nil
	case socket.Pull:
		return zmq4.NewPull(f.ctx, opts...), nil
	case socket.Req:
		return zmq4.NewReq(f.ctx, opts...), nil
	case socket.Rep:
		return zmq4.NewRep(f.ctx, opts...), nil
	case socket.Dealer:
		return zmq4.NewDealer(f.ctx, opts...), nil
	case socket.Router:
		return zmq4.NewRouter(f.ctx, opts...), nil
	case socket.Pair:
		return zmq4.NewPair(f.ctx, opts...), nil
	default:
		return nil, errWrongDirection
	}
}

func (f *Factory) CreatePoller(sockets ...socket.Socket) socket.Poller {
	return newPoller(sockets)
}

func (f *Factory) CreateUnmanagedRegion(size int, cfg region.Config, cb region.ReleaseFunc) (region.Handle, *region.Region) {
	return region.NewRegistered(size, cfg, cb)
}

func (f *Factory) Interrupt() { f.interrupt.Interrupt() }
func (f *Factory) Resume()    { f.interrupt.Resume() }

// Reset clears the interrupt flag. Existing zmq4 sockets are unaffected;
// spec §6 leaves full socket re-creation on reset to device.Device's channel
// rebind, not the factory itself.
func (f *Factory) Reset() { f.interrupt.Resume() }
