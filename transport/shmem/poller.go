package shmem

import (
	"time"

	"devicemq-go/socket"
)

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
		s, ok := sk.(*shmemSocket)
		if !ok {
			continue
		}
		s.mu.Lock()
		recvRing, sendRing := s.recvRing, s.sendRing
		s.mu.Unlock()

		in := canRecv(s.pattern) && recvRing != nil && recvRing.Available() >= 4
		out := canSend(s.pattern) && sendRing != nil && sendRing.Space() > 0
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
		if s, ok := sk.(*shmemSocket); ok {
			return s.f.interrupt.Chan()
		}
	}
	return nil
}

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
