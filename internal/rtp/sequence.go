package rtp

// Sequence numbers live in a 16-bit cyclic space. "Newer" is decided by the
// signed distance against the half range, never by plain integer comparison,
// so 0 is newer than 65535. Every comparison in the pipeline goes through
// these helpers.

const halfRange = 0x8000

// SeqNewer reports whether a is cyclically newer (strictly ahead of) b.
func SeqNewer(a, b uint16) bool {
	return a != b && a-b < halfRange
}

// SeqForward returns the forward distance from 'from' to 'to', walking the
// cycle in the increasing direction.
func SeqForward(from, to uint16) uint16 {
	return to - from
}

// SeqGap returns the minimum of the forward and backward distances between
// two sequence numbers.
func SeqGap(a, b uint16) uint16 {
	d := a - b
	if d >= halfRange {
		d = -d
	}
	return d
}
