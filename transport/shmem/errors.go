package shmem

import "devicemq-go/errcode"

var (
	errWrongDirection = &errcode.E{C: errcode.TransportError, Msg: "shmem: pattern does not support this operation or direction"}
	errNotConnected   = &errcode.E{C: errcode.TransportError, Msg: "shmem: socket has no bound ring"}
)
