package zmq

import (
	"time"

	"devicemq-go/errcode"
	"devicemq-go/socket"
)

// waitGeneric applies the same sub-wait-sliced blocking discipline
// transport/inproc uses, here over a result channel fed by a goroutine
// wrapping a genuinely-blocking zmq4 call (the zmq4.Socket interface itself
// takes no per-call deadline, so every blocking operation in this package is
// wrapped in exactly this shape).
func waitGeneric[T any](ch <-chan T, timeoutMS int, interrupt *socket.Interruptor) (T, error) {
	var zero T
	if timeoutMS == 0 {
		select {
		case v := <-ch:
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
		case v := <-ch:
			slice.Stop()
			return v, nil
		case <-interrupt.Chan():
			slice.Stop()
			return zero, errcode.Interrupted
		case <-deadline:
			slice.Stop()
			return zero, errcode.Timeout
		case <-slice.C:
		}
	}
}

var (
	errWrongDirection = &errcode.E{C: errcode.TransportError, Msg: "zmq: operation not valid for this socket pattern"}
	errNotBound       = &errcode.E{C: errcode.TransportError, Msg: "zmq: socket not bound or connected"}
)
