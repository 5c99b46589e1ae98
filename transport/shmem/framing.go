package shmem

import (
	"encoding/binary"

	"devicemq-go/x/shmring"
)

// encodeFrame serializes a multi-part message as:
//
//	uint32 partCount
//	for each part: uint32 length, then that many bytes
//
// x/shmring.Ring is byte-oriented with no message boundaries of its own
// (spec.md §4.7's shared-memory transport needs one), so this package adds
// the length-prefixed framing the ring itself doesn't have an opinion about.
func encodeFrame(parts [][]byte) []byte {
	total := 4
	for _, p := range parts {
		total += 4 + len(p)
	}
	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(parts)))
	off := 4
	for _, p := range parts {
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(p)))
		off += 4
		copy(buf[off:off+len(p)], p)
		off += len(p)
	}
	return buf
}

// spanByteAt reads the byte at logical offset i across the two spans
// ReadAcquire returns, without committing anything.
func spanByteAt(p1, p2 []byte, i int) byte {
	if i < len(p1) {
		return p1[i]
	}
	return p2[i-len(p1)]
}

func spanCopyAt(p1, p2 []byte, off, n int) []byte {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = spanByteAt(p1, p2, off+i)
	}
	return out
}

// tryDecodeFrame peeks at r's unread bytes and, if a complete frame is
// present, returns its parts and the total byte length to release. It never
// calls ReadRelease itself — the caller commits only once it has decided to
// accept the frame, keeping the peek non-destructive if the frame is still
// incomplete (spec §4.7 requires messages arrive whole or not at all).
func tryDecodeFrame(r *shmring.Ring) (parts [][]byte, consumed int, ok bool) {
	p1, p2 := r.ReadAcquire()
	avail := len(p1) + len(p2)
	if avail < 4 {
		return nil, 0, false
	}
	numParts := int(binary.LittleEndian.Uint32(spanCopyAt(p1, p2, 0, 4)))
	off := 4
	out := make([][]byte, numParts)
	for i := 0; i < numParts; i++ {
		if avail < off+4 {
			return nil, 0, false
		}
		length := int(binary.LittleEndian.Uint32(spanCopyAt(p1, p2, off, 4)))
		off += 4
		if avail < off+length {
			return nil, 0, false
		}
		out[i] = spanCopyAt(p1, p2, off, length)
		off += length
	}
	return out, off, true
}
