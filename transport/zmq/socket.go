package zmq

import (
	"errors"
	"strings"
	"sync"
	"syscall"

	"github.com/luxfi/zmq/v4"

	"devicemq-go/errcode"
	"devicemq-go/message"
	"devicemq-go/socket"
)

type recvResult struct {
	frames [][]byte
	err    error
}

// zmqSocket implements socket.Socket over one github.com/luxfi/zmq/v4
// socket. Recv-capable patterns run a background prefetch loop into recvCh
// so RecvParts can apply the sub-wait-sliced select discipline against it
// instead of against zmq4.Socket.Recv() directly, which has no per-call
// timeout of its own (other_examples/145be45d_luxfi-zmq's subLoop/routerLoop
// show the same unconditional-blocking-Recv-in-a-goroutine shape).
type zmqSocket struct {
	f       *Factory
	pattern socket.Pattern
	name    string
	sock    zmq4.Socket

	mu       sync.Mutex
	addr     string
	closed   bool
	counters socket.Counters

	recvCh      chan recvResult
	recvStarted bool
}

func canRecv(p socket.Pattern) bool {
	switch p {
	case socket.Sub, socket.XSub, socket.Pull, socket.Rep, socket.Router, socket.Dealer, socket.Pair, socket.Req:
		return true
	default:
		return false
	}
}

func canSend(p socket.Pattern) bool {
	switch p {
	case socket.Pub, socket.XPub, socket.Push, socket.Req, socket.Rep, socket.Router, socket.Dealer, socket.Pair:
		return true
	default:
		return false
	}
}

func (s *zmqSocket) ensureRecvLoop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recvStarted || !canRecv(s.pattern) {
		return
	}
	s.recvStarted = true
	go func() {
		for {
			m, err := s.sock.Recv()
			if err != nil {
				s.recvCh <- recvResult{err: err}
				return
			}
			s.recvCh <- recvResult{frames: m.Frames}
		}
	}()
}

func (s *zmqSocket) Bind(addr string) (string, error) {
	s.mu.Lock()
	s.addr = addr
	s.mu.Unlock()
	if err := s.sock.Listen(addr); err != nil {
		if isAddrInUse(err) {
			return "", &errcode.E{C: errcode.AddressInUse, Op: addr, Err: err}
		}
		return "", err
	}
	s.ensureRecvLoop()
	if a := s.sock.Addr(); a != nil {
		return a.String(), nil
	}
	return addr, nil
}

// isAddrInUse recognizes the OS-level "address already in use" failure
// underneath a net.Listen-based bind, however the underlying library has
// wrapped it (a plain *net.OpError or a string-formatted error both occur
// across platforms/listener kinds).
func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	return strings.Contains(err.Error(), "address already in use")
}

func (s *zmqSocket) Connect(addr string) error {
	s.mu.Lock()
	s.addr = addr
	s.mu.Unlock()
	if s.pattern == socket.Sub || s.pattern == socket.XSub {
		_ = s.sock.SetOption(zmq4.OptionSubscribe, "")
	}
	if err := s.sock.Dial(addr); err != nil {
		return err
	}
	s.ensureRecvLoop()
	return nil
}

func (s *zmqSocket) Send(msg *message.Message, flags socket.Flags, timeoutMS int) (int, error) {
	return s.SendParts(message.Parts{msg}, timeoutMS)
}

func (s *zmqSocket) SendParts(parts message.Parts, timeoutMS int) (int, error) {
	if !canSend(s.pattern) {
		return 0, errWrongDirection
	}
	if err := parts.Validate(); err != nil {
		return 0, err
	}

	frames := make([][]byte, len(parts))
	total := 0
	for i, m := range parts {
		m.MarkSent()
		frames[i] = m.Data()
		total += len(frames[i])
	}

	var zmsg zmq4.Msg
	if len(frames) == 1 {
		zmsg = zmq4.NewMsg(frames[0])
	} else {
		zmsg = zmq4.NewMsgFrom(frames...)
	}

	done := make(chan error, 1)
	go func() { done <- s.sock.Send(zmsg) }()

	if _, err := waitGeneric(done, timeoutMS, s.f.interrupt); err != nil {
		return 0, err
	}
	s.counters.RecordSend(total)
	return total, nil
}

func (s *zmqSocket) Recv(msg *message.Message, flags socket.Flags, timeoutMS int) (int, error) {
	parts, err := s.RecvParts(timeoutMS)
	if err != nil {
		return 0, err
	}
	if err := msg.SetData(parts[0].Data()); err != nil {
		return 0, err
	}
	return msg.Size(), nil
}

func (s *zmqSocket) RecvParts(timeoutMS int) (message.Parts, error) {
	if !canRecv(s.pattern) {
		return nil, errWrongDirection
	}
	s.ensureRecvLoop()

	res, err := waitGeneric(s.recvCh, timeoutMS, s.f.interrupt)
	if err != nil {
		return nil, err
	}
	if res.err != nil {
		return nil, &wrappedErr{err: res.err}
	}

	frames := res.frames
	if len(frames) == 0 {
		frames = [][]byte{nil}
	}
	total := 0
	parts := make(message.Parts, len(frames))
	for i, b := range frames {
		parts[i] = message.NewMessageBytes(b)
		total += len(b)
	}
	s.counters.RecordRecv(total)
	return parts, nil
}

func (s *zmqSocket) SetOption(opt socket.Option, v int) error {
	switch opt {
	case socket.OptLinger, socket.OptSndHWM, socket.OptRcvHWM, socket.OptSndKernelSize, socket.OptRcvKernelSize:
		// github.com/luxfi/zmq/v4 manages these internally; accepted for
		// interface parity with other transports but otherwise a no-op.
		return nil
	default:
		return errWrongDirection
	}
}

func (s *zmqSocket) GetOption(opt socket.Option) (int, error) {
	switch opt {
	case socket.OptLinger, socket.OptSndHWM, socket.OptRcvHWM, socket.OptSndKernelSize, socket.OptRcvKernelSize:
		return 0, nil
	default:
		return 0, errWrongDirection
	}
}

func (s *zmqSocket) Interrupt() { s.f.interrupt.Interrupt() }
func (s *zmqSocket) Resume()    { s.f.interrupt.Resume() }

func (s *zmqSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.sock.Close()
}

func (s *zmqSocket) Stats() socket.Snapshot { return s.counters.Snapshot() }

type wrappedErr struct{ err error }

func (w *wrappedErr) Error() string { return "zmq: " + w.err.Error() }
func (w *wrappedErr) Unwrap() error { return w.err }
