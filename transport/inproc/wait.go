package inproc

import (
	"time"

	"devicemq-go/errcode"
	"devicemq-go/socket"
)

// recvGeneric and sendGeneric implement the chunked-wait discipline spec
// §4.4/§5 require of every blocking transport operation: a single overall
// deadline (or none, for timeoutMS<0) sliced into sub-waits no longer than
// socket.SubWaitSlice() so an Interrupt() is observed within that slice
// regardless of how long the caller asked to wait.
func recvGeneric[T any](ch <-chan T, timeoutMS int, interrupt *socket.Interruptor) (T, error) {
	var zero T
	if timeoutMS == 0 {
		select {
		case v, ok := <-ch:
			if !ok {
				return zero, errClosed
			}
			return v, nil
		default:
			return zero, errcode.Timeout
		}
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
		case v, ok := <-ch:
			slice.Stop()
			if !ok {
				return zero, errClosed
			}
			return v, nil
		case <-interrupt.Chan():
			slice.Stop()
			return zero, errcode.Interrupted
		case <-deadline:
			slice.Stop()
			return zero, errcode.Timeout
		case <-slice.C:
			// sub-wait elapsed; loop to re-check interrupt/deadline
		}
	}
}

func sendGeneric[T any](ch chan<- T, v T, timeoutMS int, interrupt *socket.Interruptor) error {
	if timeoutMS == 0 {
		select {
		case ch <- v:
			return nil
		default:
			return errcode.Timeout
		}
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
		case ch <- v:
			slice.Stop()
			return nil
		case <-interrupt.Chan():
			slice.Stop()
			return errcode.Interrupted
		case <-deadline:
			slice.Stop()
			return errcode.Timeout
		case <-slice.C:
		}
	}
}

var (
	errClosed          = &errcode.E{C: errcode.TransportError, Msg: "inproc: endpoint closed"}
	errNotConnected     = &errcode.E{C: errcode.TransportError, Msg: "inproc: socket has no peer endpoint"}
	errNoRequestPending = &errcode.E{C: errcode.TransportError, Msg: "inproc: Send on Rep with no received request to reply to"}
	errNoRequestSent    = &errcode.E{C: errcode.TransportError, Msg: "inproc: Recv on Req with no outstanding request"}
	errWrongDirection   = &errcode.E{C: errcode.TransportError, Msg: "inproc: operation not valid for this socket pattern"}
)
