package inproc

import (
	"time"

	"devicemq-go/socket"
)

// poller implements socket.Poller for inproc sockets by sampling each
// socket's underlying channel length rather than blocking in a native
// multiplexer (there isn't one to share across independent Go channels).
// Readiness is level-triggered as of the last Poll call, matching the
// Poller contract (spec §4.5).
type poller struct {
	socks []socket.Socket
	in    []bool
	out   []bool
}

func newPoller(socks []socket.Socket) *poller {
	return &poller{socks: socks, in: make([]bool, len(socks)), out: make([]bool, len(socks))}
}

func (p *poller) scan() bool {
	any := false
	for i, sk := range p.socks {
		s, ok := sk.(*invSocket)
		if !ok {
			continue
		}
		in, out := s.pollReady()
		p.in[i] = in
		p.out[i] = out
		if in || out {
			any = true
		}
	}
	return any
}

func (p *poller) interruptChan() <-chan struct{} {
	for _, sk := range p.socks {
		if s, ok := sk.(*invSocket); ok {
			return s.f.interrupt.Chan()
		}
	}
	return nil
}

// Poll samples readiness immediately, then — if nothing is ready and the
// caller asked to wait — re-samples every sub-wait slice until something
// becomes ready, the interrupt fires, or the deadline (if any) passes.
func (p *poller) Poll(timeoutMS int) error {
	if p.scan() || timeoutMS == 0 {
		return nil
	}

	interrupt := p.interruptChan()

	var deadline <-chan time.Time
	if timeoutMS > 0 {
		t := time.NewTimer(time.Duration(timeoutMS) * time.Millisecond)
		defer t.Stop()
		deadline = t.C
	}

	for {
		slice := time.NewTimer(socket.SubWaitSlice())
		select {
		case <-interrupt:
			slice.Stop()
			return nil
		case <-deadline:
			slice.Stop()
			p.scan()
			return nil
		case <-slice.C:
			if p.scan() {
				return nil
			}
		}
	}
}

func (p *poller) CheckInput(idx int) bool {
	if idx < 0 || idx >= len(p.in) {
		return false
	}
	return p.in[idx]
}

func (p *poller) CheckOutput(idx int) bool {
	if idx < 0 || idx >= len(p.out) {
		return false
	}
	return p.out[idx]
}

// pollReady reports this socket's current input/output readiness by
// inspecting its channel occupancy, without consuming anything.
func (s *invSocket) pollReady() (in, out bool) {
	s.mu.Lock()
	pattern := s.pattern
	busSub := s.busSub
	recvEP := s.recvEP
	sendEP := s.sendEP
	pendingReply := s.pendingReply
	pendingReplyTo := s.pendingReplyTo
	s.mu.Unlock()

	switch pattern {
	case socket.Sub, socket.XSub:
		if busSub != nil {
			in = len(busSub.Channel()) > 0
		}
	case socket.Pub, socket.XPub:
		out = true // bus delivery never blocks the publisher
	case socket.Req:
		in = pendingReply != nil && len(pendingReply) > 0
		out = pendingReply == nil
	case socket.Rep:
		if recvEP != nil {
			in = len(recvEP.ch) > 0
		}
		out = pendingReplyTo != nil
	case socket.Push:
		if sendEP != nil {
			out = len(sendEP.ch) < cap(sendEP.ch)
		}
	case socket.Pull:
		if recvEP != nil {
			in = len(recvEP.ch) > 0
		}
	default: // Pair, Dealer, Router
		if recvEP != nil {
			in = len(recvEP.ch) > 0
		}
		if sendEP != nil {
			out = len(sendEP.ch) < cap(sendEP.ch)
		}
	}
	return in, out
}
