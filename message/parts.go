package message

import "fmt"

// Parts is an ordered sequence of Messages transferred atomically: the
// receiver either sees every part or a failure, never an interleaving
// (spec §3). Empty sequences must not be sent.
type Parts []*Message

// Validate rejects an empty sequence before send, per spec §3's "Empty
// sequences must not be sent."
func (p Parts) Validate() error {
	if len(p) == 0 {
		return fmt.Errorf("message: multi-part send requires at least one part")
	}
	return nil
}

// TotalSize returns the sum of every part's size, used by socket
// implementations to update the "sum of part sizes" byte counter on a
// completed multi-part transfer (spec §4.4).
func (p Parts) TotalSize() int {
	total := 0
	for _, m := range p {
		total += m.Size()
	}
	return total
}

// Close releases every part. Safe to call on a partially-received or
// partially-sent sequence.
func (p Parts) Close() {
	for _, m := range p {
		if m != nil {
			m.Close()
		}
	}
}
