package frpg2

// Sequence counters live in a 24-bit space and wrap at MaxAckValue. A plain
// numeric comparison misreads a freshly wrapped counter as ancient, so every
// comparison against a reference goes through the quart heuristic: a value
// in the bottom quart measured against a reference in the top quart is
// treated as having wrapped past it. The retail peer makes the same
// decision, so the boundary is observable on the wire and must not change.
//
// The space is carried as a value so a stream can shrink it to exercise
// wrap-around without sending 2^24 packets.

// seqSpace describes one wrapping counter space.
type seqSpace struct {
	max         uint32
	topQuart    uint32
	bottomQuart uint32
}

// newSeqSpace derives the quart thresholds for a counter space that wraps
// at max.
func newSeqSpace(max uint32) seqSpace {
	return seqSpace{
		max:         max,
		topQuart:    (max / 4) * 3,
		bottomQuart: max / 4,
	}
}

// defaultSeqSpace is the wire counter space.
var defaultSeqSpace = seqSpace{
	max:         MaxAckValue,
	topQuart:    MaxAckValueTopQuart,
	bottomQuart: MaxAckValueBottomQuart,
}

// next advances a sequence counter by one slot, wrapping at the space
// modulus.
func (ss seqSpace) next(v uint32) uint32 {
	return (v + 1) % ss.max
}

// latest merges a newly acknowledged counter into the current high-water
// mark. Returns the incoming value when it has wrapped past the reference,
// otherwise whichever of the two is numerically larger.
func (ss seqSpace) latest(current, incoming uint32) uint32 {
	if ss.wrapped(current, incoming) {
		return incoming
	}
	if incoming > current {
		return incoming
	}
	return current
}

// reached reports whether an acknowledgement high-water mark has reached
// (or passed) the given sequence number. Used to prune the retransmit
// buffer and to exit retransmit mode.
func (ss seqSpace) reached(seq, acked uint32) bool {
	if ss.wrapped(seq, acked) {
		return true
	}
	return seq <= acked
}

// distance returns how many slots ahead of from the counter to sits,
// wrapping at the space modulus.
func (ss seqSpace) distance(from, to uint32) uint32 {
	return (to + ss.max - from) % ss.max
}

// wrapped reports whether candidate has wrapped past reference: the
// reference sits in the top quart of the counter space while the candidate
// sits in the bottom quart.
func (ss seqSpace) wrapped(reference, candidate uint32) bool {
	return reference > ss.topQuart && candidate < ss.bottomQuart
}
