package events

// Dedup is the receiver-side filter for at-least-once delivery. Sequence
// numbers are channel-wide and strictly increasing, so a single high-water
// mark is enough to reject redeliveries.
type Dedup struct {
	last uint64
}

// Accept reports whether the envelope is new, advancing the high-water mark
// when it is. Redelivered or reordered duplicates return false.
func (d *Dedup) Accept(seq uint64) bool {
	if seq <= d.last {
		return false
	}
	d.last = seq
	return true
}

// Last returns the highest accepted sequence number, which is also the value
// the receiver should acknowledge.
func (d *Dedup) Last() uint64 {
	return d.last
}
