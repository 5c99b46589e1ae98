// Package transport defines the Factory contract every transport plug-in
// implements (spec §6): message/socket/poller/region construction for one
// transfer mechanism, plus the process- or instance-wide interrupt control
// spec §5 requires blocking operations to observe.
package transport

import (
	"unsafe"

	"devicemq-go/message"
	"devicemq-go/region"
	"devicemq-go/socket"
)

// Factory instantiates messages, sockets, pollers, and unmanaged regions
// for one transport mechanism, and advertises that mechanism's tag (spec
// §6: "zeromq", "nanomsg"/"inproc", "shmem").
type Factory interface {
	Tag() string

	CreateMessage() *message.Message
	CreateMessageSize(size int) *message.Message
	CreateMessageAdopt(ptr unsafe.Pointer, size int, free message.FreeFunc, hint unsafe.Pointer) *message.Message

	CreateSocket(pattern socket.Pattern, name string) (socket.Socket, error)
	CreatePoller(sockets ...socket.Socket) socket.Poller

	CreateUnmanagedRegion(size int, cfg region.Config, cb region.ReleaseFunc) (region.Handle, *region.Region)

	// Interrupt/Resume/Reset act on every socket this factory has created.
	// Open Question #2 (DESIGN.md) resolves this as per-factory-instance
	// state rather than a process-wide static, so multiple devices in one
	// process don't interfere with each other's interrupt state.
	Interrupt()
	Resume()
	Reset()
}

// Registry maps a transport tag to a constructor, letting device.Device
// build the right Factory for each channel's configured transport without
// importing every transport package directly.
type Constructor func() Factory

var registry = map[string]Constructor{}

// Register adds a transport constructor under tag. Transport packages call
// this from an init() func, the same plug-in discovery idiom FairMQ itself
// uses for its TransportFactory implementations (spec §6).
func Register(tag string, ctor Constructor) {
	registry[tag] = ctor
}

// New builds a Factory for the given transport tag, or reports
// ErrUnknownTransport if no package registered that tag.
func New(tag string) (Factory, error) {
	ctor, ok := registry[tag]
	if !ok {
		return nil, ErrUnknownTransport(tag)
	}
	return ctor(), nil
}

// ErrUnknownTransport reports that no Factory is registered for a tag.
type ErrUnknownTransport string

func (e ErrUnknownTransport) Error() string {
	return "transport: unknown transport tag " + string(e)
}
