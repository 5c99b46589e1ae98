// Package message implements the Message & Buffer ownership model (spec
// §3): a reference to a contiguous byte range plus an ownership discipline
// that lets payloads be copied, adopted from caller memory with a
// once-only release callback, or drawn from an unmanaged region with no
// per-message release at all.
//
// The four variants are kept as an explicit sum type rather than an
// interface hierarchy, per Design Notes §9 ("encode as a sum type:
// Owned(Box<[u8]>), Static(&'static []byte), Adopted{ptr,size,free_fn,hint},
// InRegion{region_ref,offset,size,hint}"); Go's nearest idiom to that is one
// struct with a kind discriminant and the fields for every variant, which
// is what FairMQMessage.cxx's own constructors do in the original source.
package message

import (
	"fmt"
	"sync"
	"unsafe"

	"devicemq-go/region"
)

// Kind discriminates the active variant of a Message.
type Kind int

const (
	KindEmpty Kind = iota
	KindOwned
	KindStatic
	KindAdopted
	KindRegion
)

func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindOwned:
		return "owned"
	case KindStatic:
		return "static"
	case KindAdopted:
		return "adopted"
	case KindRegion:
		return "region"
	default:
		return "unknown"
	}
}

// FreeFunc is the release callback signature for adopted messages:
// invoked exactly once, after the last transport use, with the caller's
// original pointer and hint (spec §3).
type FreeFunc func(ptr unsafe.Pointer, hint unsafe.Pointer)

// Message is a reference to a contiguous byte range plus its ownership
// discipline. The zero value is not valid; use one of the constructors.
type Message struct {
	kind Kind
	data []byte // backing storage for empty/owned/static/adopted

	free     FreeFunc
	freeOnce sync.Once
	ptr      unsafe.Pointer
	hint     unsafe.Pointer

	reg       *region.Region
	regOffset int
	regLength int

	sent bool // size is fixed once a send begins (spec invariant)

	origin string // transport tag that created this message, if any (spec §4.3's channel/message transport match check)
}

// Origin reports the tag of the transport that created this message, or
// "" if it was built directly (NewMessage, NewMessageBytes, ...) without
// going through a transport.Factory.
func (m *Message) Origin() string { return m.origin }

// SetOrigin records which transport created this message. Transport
// factories call this after constructing a message so channel.Channel can
// detect a transport mismatch and copy rather than hand a foreign-owned
// message to a socket that doesn't understand its lifetime (spec §4.3).
func (m *Message) SetOrigin(tag string) { m.origin = tag }

// NewMessage returns an empty placeholder message, suitable as a receive
// target: transports overwrite its contents on Recv.
func NewMessage() *Message {
	return &Message{kind: KindEmpty}
}

// NewMessageSize returns an allocated message of transport-owned storage of
// the given size. The bytes are zeroed.
func NewMessageSize(size int) *Message {
	if size < 0 {
		size = 0
	}
	return &Message{kind: KindOwned, data: make([]byte, size)}
}

// NewMessageBytes returns an allocated message whose storage is a copy of
// data (useful for building a send message from an existing []byte without
// adopting it).
func NewMessageBytes(data []byte) *Message {
	cp := make([]byte, len(data))
	copy(cp, data)
	return &Message{kind: KindOwned, data: cp}
}

// NewMessageAdopt wraps caller-provided memory. free is invoked exactly
// once, after the last transport reference to this message drops,
// regardless of send success or failure (spec §8 invariant). ptr/hint are
// passed back to free verbatim; size bytes starting at ptr must remain
// valid until free is called.
func NewMessageAdopt(ptr unsafe.Pointer, size int, free FreeFunc, hint unsafe.Pointer) *Message {
	data := unsafe.Slice((*byte)(ptr), size)
	return &Message{kind: KindAdopted, data: data, free: free, ptr: ptr, hint: hint}
}

// NewStaticMessage wraps data without ever freeing it. Use for
// process-lifetime constants (e.g. string literals converted to []byte).
func NewStaticMessage(data []byte) *Message {
	return &Message{kind: KindStatic, data: data}
}

// NewSimpleMessage copies a small, trivially-copyable value's bit pattern
// into owned storage. It is meant for fixed-size scalar/struct payloads,
// not types containing pointers, slices, maps, or interfaces — copying
// those byte-for-byte would alias Go-managed memory across a message
// boundary the runtime doesn't know about.
func NewSimpleMessage[T any](v T) *Message {
	size := int(unsafe.Sizeof(v))
	data := make([]byte, size)
	src := unsafe.Slice((*byte)(unsafe.Pointer(&v)), size)
	copy(data, src)
	return &Message{kind: KindOwned, data: data}
}

// NewRegionMessage returns a message referencing [offset, offset+length) of
// region r. No per-message release callback runs; the region batches
// releases itself (spec §3). hint is passed through to the region's
// Release call when the transport is done with this sub-range.
func NewRegionMessage(r *region.Region, offset, length int, hint unsafe.Pointer) *Message {
	return &Message{
		kind:      KindRegion,
		data:      r.Slice(offset, length),
		reg:       r,
		regOffset: offset,
		regLength: length,
		hint:      hint,
	}
}

// Kind reports which ownership variant this message is.
func (m *Message) Kind() Kind { return m.kind }

// Data returns the message's current byte range. For KindEmpty before a
// Recv, it is nil/zero-length.
func (m *Message) Data() []byte { return m.data }

// Size returns len(Data()).
func (m *Message) Size() int { return len(m.data) }

// SetData replaces an empty or owned message's storage — used by
// transports to deliver a received payload into a placeholder message, or
// to grow/shrink an owned message before a send begins. It is an error to
// call SetData after Send has begun (spec: "size is fixed after send
// begins").
func (m *Message) SetData(data []byte) error {
	if m.sent {
		return fmt.Errorf("message: cannot mutate data after send has begun")
	}
	if m.kind == KindRegion {
		return fmt.Errorf("message: cannot mutate a region-backed message")
	}
	m.data = data
	if m.kind == KindEmpty && len(data) > 0 {
		m.kind = KindOwned
	}
	return nil
}

// MarkSent freezes the message's size, per the "size is fixed after send
// begins" invariant. Transports call this before handing the message off.
func (m *Message) MarkSent() { m.sent = true }

// Region returns the backing region and sub-range for a KindRegion
// message, or (nil, 0, 0) otherwise.
func (m *Message) Region() (r *region.Region, offset, length int) {
	if m.kind != KindRegion {
		return nil, 0, 0
	}
	return m.reg, m.regOffset, m.regLength
}

// Close releases the message's resources. For KindAdopted it invokes the
// free callback exactly once (via sync.Once), regardless of how many times
// Close is called or whether the prior send succeeded. For KindRegion it
// tells the region the sub-range is no longer needed, which the region may
// batch before actually firing its own release callback. KindOwned and
// KindStatic need no explicit release (garbage collected / never freed).
func (m *Message) Close() {
	switch m.kind {
	case KindAdopted:
		m.freeOnce.Do(func() {
			if m.free != nil {
				m.free(m.ptr, m.hint)
			}
		})
	case KindRegion:
		if m.reg != nil {
			m.reg.Release(m.regOffset, m.regLength, m.hint)
			m.reg = nil // Close is not itself exactly-once guarded, so guard re-release here
		}
	}
}

// CopyForTransport returns a new, transport-agnostic owned copy of msg.
// Channels call this when a message built for one transport is sent on a
// channel bound to a different transport tag (spec §4.3: "if not, perform
// an implicit copy to a channel-compatible message; the user's original
// message is replaced"). The original msg is left untouched; callers
// replace their reference with the returned copy.
func CopyForTransport(msg *Message, transportTag string) *Message {
	cp := NewMessageBytes(msg.Data())
	cp.SetOrigin(transportTag)
	return cp
}
