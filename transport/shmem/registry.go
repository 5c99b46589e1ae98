package shmem

import (
	"sync"

	"devicemq-go/x/shmring"
)

// defaultRingSize is the default capacity (bytes, power of two) for a ring
// created on first bind/connect to an address. Factory.WithRingSize changes
// the size for every ring that factory creates afterwards.
const defaultRingSize = 1 << 16

type ringRegistry struct {
	mu    sync.Mutex
	rings map[string]*shmring.Ring
	peers map[string]int
}

func newRingRegistry() *ringRegistry {
	return &ringRegistry{rings: map[string]*shmring.Ring{}, peers: map[string]int{}}
}

func (rr *ringRegistry) getOrCreate(key string, size int) *shmring.Ring {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	r, ok := rr.rings[key]
	if !ok {
		if size < 2 {
			size = defaultRingSize
		}
		r = shmring.New(size)
		rr.rings[key] = r
	}
	rr.peers[key]++
	return r
}

func (rr *ringRegistry) release(key string) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	rr.peers[key]--
	if rr.peers[key] <= 0 {
		delete(rr.rings, key)
		delete(rr.peers, key)
	}
}
