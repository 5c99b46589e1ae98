// Package socket defines the transport-agnostic Socket and Poller
// interfaces every transport implementation (zmq, inproc, shmem) satisfies
// (spec §4.4, §4.5). The interface shapes follow the small, single-purpose
// capability interfaces the teacher repo uses for hardware adaptors
// (services/hal/types.go's Adaptor/I2CBusFactory/PinFactory), generalized
// here from hardware capabilities to transport sockets.
package socket

import (
	"sync/atomic"
	"time"

	"devicemq-go/message"
)

// Pattern identifies a socket's messaging role (spec §3's Channel socket-
// pattern enumeration).
type Pattern string

const (
	Pub    Pattern = "pub"
	Sub    Pattern = "sub"
	Push   Pattern = "push"
	Pull   Pattern = "pull"
	Req    Pattern = "req"
	Rep    Pattern = "rep"
	Dealer Pattern = "dealer"
	Router Pattern = "router"
	Pair   Pattern = "pair"
	XSub   Pattern = "xsub"
	XPub   Pattern = "xpub"
)

// ValidPattern reports whether p is one of the patterns spec §4.3 allows.
func ValidPattern(p Pattern) bool {
	switch p {
	case Pub, Sub, Push, Pull, Req, Rep, Dealer, Router, Pair, XSub, XPub:
		return true
	default:
		return false
	}
}

// Flags carries the non-blocking / more-to-come flags passed to Send/Recv
// (spec §4.4).
type Flags int

const (
	FlagNone     Flags = 0
	FlagNonBlock Flags = 1 << 0
	FlagSendMore Flags = 1 << 1 // this part is not the last in a multi-part message
)

// Option identifies a settable/gettable socket option (spec §4.4).
type Option int

const (
	OptLinger Option = iota
	OptSndHWM
	OptRcvHWM
	OptSndKernelSize
	OptRcvKernelSize
)

// Counters are the observability fields every Socket tracks (spec §4.4):
// bytes/messages in and out, updated atomically after every successful
// transfer.
type Counters struct {
	BytesTx    atomic.Uint64
	BytesRx    atomic.Uint64
	MessagesTx atomic.Uint64
	MessagesRx atomic.Uint64
}

// Snapshot is a point-in-time, non-atomic copy of Counters for reporting.
type Snapshot struct {
	BytesTx, BytesRx       uint64
	MessagesTx, MessagesRx uint64
}

// Snapshot reads c's current values. Safe for concurrent use.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		BytesTx:    c.BytesTx.Load(),
		BytesRx:    c.BytesRx.Load(),
		MessagesTx: c.MessagesTx.Load(),
		MessagesRx: c.MessagesRx.Load(),
	}
}

func (c *Counters) recordSend(n int) {
	c.MessagesTx.Add(1)
	c.BytesTx.Add(uint64(n))
}

func (c *Counters) recordRecv(n int) {
	c.MessagesRx.Add(1)
	c.BytesRx.Add(uint64(n))
}

// RecordSend is exported so transport implementations in other packages can
// update shared counters after a successful transfer; a multi-part transfer
// counts as one message of its total size.
func (c *Counters) RecordSend(n int) { c.recordSend(n) }

// RecordRecv is exported so transport implementations in other packages can
// update shared counters after a successful transfer; a multi-part transfer
// counts as one message of its total size.
func (c *Counters) RecordRecv(n int) { c.recordRecv(n) }

// Socket is one endpoint of a channel (spec §4.4). timeoutMS follows the
// convention used throughout: -1 blocks until completed, interrupted, or
// closed; 0 returns immediately if the operation cannot complete now; a
// positive value blocks for at most that many milliseconds.
type Socket interface {
	Bind(addr string) (boundAddr string, err error)
	Connect(addr string) error

	Send(msg *message.Message, flags Flags, timeoutMS int) (int, error)
	Recv(msg *message.Message, flags Flags, timeoutMS int) (int, error)

	SendParts(parts message.Parts, timeoutMS int) (int, error)
	RecvParts(timeoutMS int) (message.Parts, error)

	SetOption(opt Option, v int) error
	GetOption(opt Option) (int, error)

	// Interrupt makes every blocking Send/Recv on the sockets of this
	// socket's transport factory return errcode.Interrupted promptly;
	// Resume clears that state.
	Interrupt()
	Resume()

	Close() error

	Stats() Snapshot
}

// Poller multiplexes readiness across an ordered set of sockets (spec
// §4.5). Polling is level-triggered: CheckInput/CheckOutput report the
// state observed at the *last* Poll call, not a live read.
type Poller interface {
	Poll(timeoutMS int) error
	CheckInput(idx int) bool
	CheckOutput(idx int) bool
}

// subWaitSlice is the maximum single blocking wait a transport may take
// before re-checking its interrupt flag and the overall deadline (spec §5:
// "blocking I/O observes the interrupt flag at sub-wait boundaries (≤ 100
// ms)"; spec §4.4: "splitting into sub-waits of up to 100 ms").
const subWaitSlice = 100 * time.Millisecond

// SubWaitSlice exposes the 100ms sub-wait granularity transports must use
// when chunking a blocking timeout so interrupts are observed promptly.
func SubWaitSlice() time.Duration { return subWaitSlice }
