package device

import (
	"sync"

	"devicemq-go/channel"
)

// arena is the Device Core's channel map (spec §5: "mutated only by the
// state thread during InitializingDevice and ResettingDevice; read-only
// during Binding/Connecting/Running"). Subchannel identity inside a named
// channel is stable for the device's lifetime once InitializingDevice
// finishes, so readers on other threads never need the write lock.
type arena struct {
	mu   sync.RWMutex
	subs map[string][]*channel.Channel // name -> ordered subchannels
}

func newArena() *arena {
	return &arena{subs: make(map[string][]*channel.Channel)}
}

// add appends ch to name's subchannel list, assigning it the next index.
// Only called from InitializingDevice.
func (a *arena) add(name string, ch *channel.Channel) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch.Name = name
	ch.Index = len(a.subs[name])
	a.subs[name] = append(a.subs[name], ch)
}

// get returns subchannel index of name, or nil if it doesn't exist.
func (a *arena) get(name string, index int) *channel.Channel {
	a.mu.RLock()
	defer a.mu.RUnlock()
	list := a.subs[name]
	if index < 0 || index >= len(list) {
		return nil
	}
	return list[index]
}

// names returns every registered channel name, in no particular order.
func (a *arena) names() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.subs))
	for name := range a.subs {
		out = append(out, name)
	}
	return out
}

// all returns every subchannel across every name.
func (a *arena) all() []*channel.Channel {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []*channel.Channel
	for _, list := range a.subs {
		out = append(out, list...)
	}
	return out
}

// byTransport groups every subchannel by its Transport tag, for callback
// mode's per-transport poller/goroutine split (spec §4.2).
func (a *arena) byTransport() map[string][]*channel.Channel {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string][]*channel.Channel)
	for _, list := range a.subs {
		for _, ch := range list {
			out[ch.Transport] = append(out[ch.Transport], ch)
		}
	}
	return out
}

// reset drops every subchannel. Only called from ResettingDevice, after
// every subchannel has been closed.
func (a *arena) reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subs = make(map[string][]*channel.Channel)
}

// closeAll closes every subchannel's socket without dropping them from the
// arena (the caller calls reset() afterward).
func (a *arena) closeAll() {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, list := range a.subs {
		for _, ch := range list {
			_ = ch.Close()
		}
	}
}
