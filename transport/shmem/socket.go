// Package shmem implements the shared-memory transport spec §6 names
// alongside zeromq and the in-process transport, grounded on x/shmring's
// SPSC byte ring (span-based WriteAcquire/WriteCommit, ReadAcquire/
// ReadRelease, edge-coalesced Readable()/Writable() notifications).
// x/shmring documents itself as strictly single-producer/single-consumer,
// so this transport only supports the two socket patterns that are
// naturally point-to-point: Push/Pull and Pair. Fan-out patterns (Pub/Sub,
// Router/Dealer, Req/Rep) need more than one concurrent reader or writer per
// ring and are out of scope here — a device wanting those semantics over
// shared memory would need N per-peer rings, which spec.md does not ask
// this transport to manage.
package shmem

import (
	"sync"
	"time"

	"devicemq-go/errcode"
	"devicemq-go/message"
	"devicemq-go/socket"
	"devicemq-go/x/shmring"
)

func canSend(p socket.Pattern) bool {
	switch p {
	case socket.Push, socket.Pair:
		return true
	default:
		return false
	}
}

func canRecv(p socket.Pattern) bool {
	switch p {
	case socket.Pull, socket.Pair:
		return true
	default:
		return false
	}
}

type shmemSocket struct {
	f       *Factory
	pattern socket.Pattern
	name    string

	mu       sync.Mutex
	addr     string
	sendKey  string
	recvKey  string
	sendRing *shmring.Ring
	recvRing *shmring.Ring
	counters socket.Counters
	closed   bool
}

// pairKeys mirrors transport/inproc's duplexKeys: a Pair socket needs two
// rings, one per direction, shared by address between the bind and connect
// side.
func pairKeys(addr string) (a2b, b2a string) {
	return addr + "#a2b", addr + "#b2a"
}

func (s *shmemSocket) Bind(addr string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addr = addr
	switch s.pattern {
	case socket.Push:
		s.sendKey = addr
		s.sendRing = s.f.rings.getOrCreate(s.sendKey, s.f.ringSize)
	case socket.Pull:
		s.recvKey = addr
		s.recvRing = s.f.rings.getOrCreate(s.recvKey, s.f.ringSize)
	case socket.Pair:
		a2b, b2a := pairKeys(addr)
		s.sendKey, s.recvKey = a2b, b2a
		s.sendRing = s.f.rings.getOrCreate(a2b, s.f.ringSize)
		s.recvRing = s.f.rings.getOrCreate(b2a, s.f.ringSize)
	default:
		return "", errWrongDirection
	}
	return addr, nil
}

func (s *shmemSocket) Connect(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addr = addr
	switch s.pattern {
	case socket.Push:
		s.sendKey = addr
		s.sendRing = s.f.rings.getOrCreate(s.sendKey, s.f.ringSize)
	case socket.Pull:
		s.recvKey = addr
		s.recvRing = s.f.rings.getOrCreate(s.recvKey, s.f.ringSize)
	case socket.Pair:
		a2b, b2a := pairKeys(addr)
		s.sendKey, s.recvKey = b2a, a2b
		s.sendRing = s.f.rings.getOrCreate(b2a, s.f.ringSize)
		s.recvRing = s.f.rings.getOrCreate(a2b, s.f.ringSize)
	default:
		return errWrongDirection
	}
	return nil
}

func (s *shmemSocket) Send(msg *message.Message, flags socket.Flags, timeoutMS int) (int, error) {
	return s.SendParts(message.Parts{msg}, timeoutMS)
}

func (s *shmemSocket) SendParts(parts message.Parts, timeoutMS int) (int, error) {
	if !canSend(s.pattern) {
		return 0, errWrongDirection
	}
	if err := parts.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	ring := s.sendRing
	s.mu.Unlock()
	if ring == nil {
		return 0, errNotConnected
	}

	raw := make([][]byte, len(parts))
	total := 0
	for i, m := range parts {
		m.MarkSent()
		raw[i] = m.Data()
		total += len(raw[i])
	}
	frame := encodeFrame(raw)

	if err := writeFrame(ring, frame, timeoutMS, s.f.interrupt); err != nil {
		return 0, err
	}
	s.counters.RecordSend(total)
	return total, nil
}

func (s *shmemSocket) Recv(msg *message.Message, flags socket.Flags, timeoutMS int) (int, error) {
	parts, err := s.RecvParts(timeoutMS)
	if err != nil {
		return 0, err
	}
	if err := msg.SetData(parts[0].Data()); err != nil {
		return 0, err
	}
	return msg.Size(), nil
}

func (s *shmemSocket) RecvParts(timeoutMS int) (message.Parts, error) {
	if !canRecv(s.pattern) {
		return nil, errWrongDirection
	}
	s.mu.Lock()
	ring := s.recvRing
	s.mu.Unlock()
	if ring == nil {
		return nil, errNotConnected
	}

	raw, err := readFrame(ring, timeoutMS, s.f.interrupt)
	if err != nil {
		return nil, err
	}
	total := 0
	parts := make(message.Parts, len(raw))
	for i, b := range raw {
		parts[i] = message.NewMessageBytes(b)
		total += len(b)
	}
	s.counters.RecordRecv(total)
	return parts, nil
}

// writeFrame blocks, honoring timeoutMS/interrupt, until the ring has room
// for the whole frame, then writes it in one TryWriteFrom call. Because the
// ring is SPSC and this goroutine is its only producer, the Space() check
// and the write are effectively atomic with respect to this socket.
func writeFrame(r *shmring.Ring, data []byte, timeoutMS int, interrupt *socket.Interruptor) error {
	if r.Space() >= len(data) {
		r.TryWriteFrom(data)
		return nil
	}
	if timeoutMS == 0 {
		return errcode.Timeout
	}

	var deadline <-chan time.Time
	if timeoutMS > 0 {
		t := time.NewTimer(time.Duration(timeoutMS) * time.Millisecond)
		defer t.Stop()
		deadline = t.C
	}

	for {
		slice := time.NewTimer(socket.SubWaitSlice())
		select {
		case <-r.Writable():
			slice.Stop()
		case <-interrupt.Chan():
			slice.Stop()
			return errcode.Interrupted
		case <-deadline:
			slice.Stop()
			return errcode.Timeout
		case <-slice.C:
		}
		if r.Space() >= len(data) {
			r.TryWriteFrom(data)
			return nil
		}
	}
}

// readFrame blocks until a complete frame is available, then commits
// exactly the bytes that frame occupied.
func readFrame(r *shmring.Ring, timeoutMS int, interrupt *socket.Interruptor) ([][]byte, error) {
	if parts, n, ok := tryDecodeFrame(r); ok {
		r.ReadRelease(n)
		return parts, nil
	}
	if timeoutMS == 0 {
		return nil, errcode.Timeout
	}

	var deadline <-chan time.Time
	if timeoutMS > 0 {
		t := time.NewTimer(time.Duration(timeoutMS) * time.Millisecond)
		defer t.Stop()
		deadline = t.C
	}

	for {
		slice := time.NewTimer(socket.SubWaitSlice())
		select {
		case <-r.Readable():
			slice.Stop()
		case <-interrupt.Chan():
			slice.Stop()
			return nil, errcode.Interrupted
		case <-deadline:
			slice.Stop()
			return nil, errcode.Timeout
		case <-slice.C:
		}
		if parts, n, ok := tryDecodeFrame(r); ok {
			r.ReadRelease(n)
			return parts, nil
		}
	}
}

func (s *shmemSocket) SetOption(opt socket.Option, v int) error {
	switch opt {
	case socket.OptLinger, socket.OptSndHWM, socket.OptRcvHWM, socket.OptSndKernelSize, socket.OptRcvKernelSize:
		return nil
	default:
		return errWrongDirection
	}
}

func (s *shmemSocket) GetOption(opt socket.Option) (int, error) {
	switch opt {
	case socket.OptLinger, socket.OptSndHWM, socket.OptRcvHWM, socket.OptSndKernelSize, socket.OptRcvKernelSize:
		return 0, nil
	default:
		return 0, errWrongDirection
	}
}

func (s *shmemSocket) Interrupt() { s.f.interrupt.Interrupt() }
func (s *shmemSocket) Resume()    { s.f.interrupt.Resume() }

func (s *shmemSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.sendKey != "" {
		s.f.rings.release(s.sendKey)
	}
	if s.recvKey != "" && s.recvKey != s.sendKey {
		s.f.rings.release(s.recvKey)
	}
	return nil
}

func (s *shmemSocket) Stats() socket.Snapshot { return s.counters.Snapshot() }
