package inproc

import (
	"sync"

	"devicemq-go/bus"
	"devicemq-go/message"
	"devicemq-go/socket"
)

const defaultHWM = 1000

// invSocket implements socket.Socket for the inproc transport. Pub/Sub/XPub/
// XSub ride on the factory's bus.Bus; every other pattern rides on one or
// two endpoints from the factory's registry.
type invSocket struct {
	f       *Factory
	pattern socket.Pattern
	name    string

	mu       sync.Mutex
	addr     string
	sndHWM   int
	rcvHWM   int
	counters socket.Counters
	closed   bool

	// Pub/Sub
	busConn  *bus.Connection
	busSub   *bus.Subscription
	busTopic bus.Topic

	// everything else
	sendEP *endpoint
	recvEP *endpoint

	// Req: the reply channel for the request currently in flight.
	pendingReply chan envelope
	// Rep: where to deliver the reply to the request most recently received.
	pendingReplyTo chan envelope
}

func (s *invSocket) hwm(want int) int {
	if want > 0 {
		return want
	}
	return defaultHWM
}

// duplexKeys returns the two registry keys a two-way pattern (Pair, Dealer,
// Router) uses for its forward and backward direction, given which side of
// the bind/connect relationship this socket is. Both sides pick the same
// pair of keys; only which one they send on versus receive on differs.
func duplexKeys(addr string) (a2b, b2a string) {
	return addr + "#a2b", addr + "#b2a"
}

func (s *invSocket) Bind(addr string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addr = addr

	switch s.pattern {
	case socket.Pub, socket.XPub:
		s.busTopic = bus.T(addr)
		s.busConn = s.f.bus.NewConnection(s.name + "#pub#" + addr)
	case socket.Sub, socket.XSub:
		s.busTopic = bus.T(addr)
		s.busConn = s.f.bus.NewConnection(s.name + "#sub#" + addr)
		s.busSub = s.busConn.Subscribe(s.busTopic)
	case socket.Push:
		s.sendEP = s.f.reg.getOrCreate(addr, s.hwm(s.sndHWM))
		s.sendEP.attach()
	case socket.Pull:
		s.recvEP = s.f.reg.getOrCreate(addr, s.hwm(s.rcvHWM))
		s.recvEP.attach()
	case socket.Req:
		s.sendEP = s.f.reg.getOrCreate(addr+"#req", s.hwm(s.sndHWM))
		s.sendEP.attach()
	case socket.Rep:
		s.recvEP = s.f.reg.getOrCreate(addr+"#req", s.hwm(s.rcvHWM))
		s.recvEP.attach()
	case socket.Pair, socket.Dealer, socket.Router:
		a2b, b2a := duplexKeys(addr)
		s.sendEP = s.f.reg.getOrCreate(a2b, s.hwm(s.sndHWM))
		s.recvEP = s.f.reg.getOrCreate(b2a, s.hwm(s.rcvHWM))
		s.sendEP.attach()
		s.recvEP.attach()
	default:
		return "", errWrongDirection
	}
	return addr, nil
}

func (s *invSocket) Connect(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addr = addr

	switch s.pattern {
	case socket.Pub, socket.XPub:
		s.busTopic = bus.T(addr)
		s.busConn = s.f.bus.NewConnection(s.name + "#pub#" + addr)
	case socket.Sub, socket.XSub:
		s.busTopic = bus.T(addr)
		s.busConn = s.f.bus.NewConnection(s.name + "#sub#" + addr)
		s.busSub = s.busConn.Subscribe(s.busTopic)
	case socket.Push:
		s.sendEP = s.f.reg.getOrCreate(addr, s.hwm(s.sndHWM))
		s.sendEP.attach()
	case socket.Pull:
		s.recvEP = s.f.reg.getOrCreate(addr, s.hwm(s.rcvHWM))
		s.recvEP.attach()
	case socket.Req:
		s.sendEP = s.f.reg.getOrCreate(addr+"#req", s.hwm(s.sndHWM))
		s.sendEP.attach()
	case socket.Rep:
		s.recvEP = s.f.reg.getOrCreate(addr+"#req", s.hwm(s.rcvHWM))
		s.recvEP.attach()
	case socket.Pair, socket.Dealer, socket.Router:
		// Connect side sends where Bind's side receives, and vice versa.
		a2b, b2a := duplexKeys(addr)
		s.sendEP = s.f.reg.getOrCreate(b2a, s.hwm(s.sndHWM))
		s.recvEP = s.f.reg.getOrCreate(a2b, s.hwm(s.rcvHWM))
		s.sendEP.attach()
		s.recvEP.attach()
	default:
		return errWrongDirection
	}
	return nil
}

func (s *invSocket) Send(msg *message.Message, flags socket.Flags, timeoutMS int) (int, error) {
	return s.SendParts(message.Parts{msg}, timeoutMS)
}

func (s *invSocket) SendParts(parts message.Parts, timeoutMS int) (int, error) {
	if err := parts.Validate(); err != nil {
		return 0, err
	}
	raw := make([][]byte, len(parts))
	total := 0
	for i, m := range parts {
		m.MarkSent()
		data := append([]byte(nil), m.Data()...)
		raw[i] = data
		total += len(data)
	}

	s.mu.Lock()
	pattern := s.pattern
	busConn, busTopic := s.busConn, s.busTopic
	sendEP := s.sendEP
	s.mu.Unlock()

	switch pattern {
	case socket.Pub, socket.XPub:
		if busConn == nil {
			return 0, errNotConnected
		}
		busConn.Publish(&bus.Message{Topic: busTopic, Payload: raw})
		s.counters.RecordSend(total)
		return total, nil

	case socket.Sub, socket.XSub:
		return 0, errWrongDirection

	case socket.Req:
		if sendEP == nil {
			return 0, errNotConnected
		}
		replyCh := make(chan envelope, 1)
		env := envelope{parts: raw, reply: replyCh}
		if err := sendGeneric(sendEP.ch, env, timeoutMS, s.f.interrupt); err != nil {
			return 0, err
		}
		s.mu.Lock()
		s.pendingReply = replyCh
		s.mu.Unlock()
		s.counters.RecordSend(total)
		return total, nil

	case socket.Rep:
		s.mu.Lock()
		replyTo := s.pendingReplyTo
		s.pendingReplyTo = nil
		s.mu.Unlock()
		if replyTo == nil {
			return 0, errNoRequestPending
		}
		replyTo <- envelope{parts: raw}
		s.counters.RecordSend(total)
		return total, nil

	case socket.Pull:
		return 0, errWrongDirection

	default: // Push, Pair, Dealer, Router
		if sendEP == nil {
			return 0, errNotConnected
		}
		env := envelope{parts: raw}
		if err := sendGeneric(sendEP.ch, env, timeoutMS, s.f.interrupt); err != nil {
			return 0, err
		}
		s.counters.RecordSend(total)
		return total, nil
	}
}

func (s *invSocket) Recv(msg *message.Message, flags socket.Flags, timeoutMS int) (int, error) {
	parts, err := s.RecvParts(timeoutMS)
	if err != nil {
		return 0, err
	}
	if err := msg.SetData(parts[0].Data()); err != nil {
		return 0, err
	}
	return msg.Size(), nil
}

func (s *invSocket) RecvParts(timeoutMS int) (message.Parts, error) {
	s.mu.Lock()
	pattern := s.pattern
	busSub := s.busSub
	recvEP := s.recvEP
	s.mu.Unlock()

	var raw [][]byte

	switch pattern {
	case socket.Sub, socket.XSub:
		if busSub == nil {
			return nil, errNotConnected
		}
		m, err := recvGeneric(busSub.Channel(), timeoutMS, s.f.interrupt)
		if err != nil {
			return nil, err
		}
		payload, _ := m.Payload.([][]byte)
		raw = payload

	case socket.Pub, socket.XPub:
		return nil, errWrongDirection

	case socket.Req:
		s.mu.Lock()
		replyCh := s.pendingReply
		s.pendingReply = nil
		s.mu.Unlock()
		if replyCh == nil {
			return nil, errNoRequestSent
		}
		env, err := recvGeneric[envelope](replyCh, timeoutMS, s.f.interrupt)
		if err != nil {
			return nil, err
		}
		raw = env.parts

	case socket.Rep:
		if recvEP == nil {
			return nil, errNotConnected
		}
		env, err := recvGeneric(recvEP.ch, timeoutMS, s.f.interrupt)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.pendingReplyTo = env.reply
		s.mu.Unlock()
		raw = env.parts

	case socket.Push:
		return nil, errWrongDirection

	default: // Pull, Pair, Dealer, Router
		if recvEP == nil {
			return nil, errNotConnected
		}
		env, err := recvGeneric(recvEP.ch, timeoutMS, s.f.interrupt)
		if err != nil {
			return nil, err
		}
		raw = env.parts
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

func (s *invSocket) SetOption(opt socket.Option, v int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch opt {
	case socket.OptSndHWM, socket.OptSndKernelSize:
		s.sndHWM = v
	case socket.OptRcvHWM, socket.OptRcvKernelSize:
		s.rcvHWM = v
	case socket.OptLinger:
		// inproc delivery is immediate; linger has no observable effect.
	default:
		return errWrongDirection
	}
	return nil
}

func (s *invSocket) GetOption(opt socket.Option) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch opt {
	case socket.OptSndHWM, socket.OptSndKernelSize:
		return s.hwm(s.sndHWM), nil
	case socket.OptRcvHWM, socket.OptRcvKernelSize:
		return s.hwm(s.rcvHWM), nil
	case socket.OptLinger:
		return 0, nil
	default:
		return 0, errWrongDirection
	}
}

func (s *invSocket) Interrupt() { s.f.interrupt.Interrupt() }
func (s *invSocket) Resume()    { s.f.interrupt.Resume() }

func (s *invSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.sendEP != nil {
		s.sendEP.detach()
	}
	if s.recvEP != nil && s.recvEP != s.sendEP {
		s.recvEP.detach()
	}
	if s.busSub != nil {
		s.busSub.Unsubscribe()
	}
	return nil
}

func (s *invSocket) Stats() socket.Snapshot { return s.counters.Snapshot() }
