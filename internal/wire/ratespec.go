package wire

// RateSpec is the four-tuple rate budget attached to interfaces,
// links and comtree-links (spec.md §3, glossary).
type RateSpec struct {
	BitRateUp   uint64 // bits/sec
	BitRateDown uint64
	PktRateUp   uint64 // packets/sec
	PktRateDown uint64
}

// Sub returns r minus o, clamping each field at zero rather than
// wrapping, since a RateSpec arithmetically going negative signals a
// configuration bug the caller should reject, not silently underflow.
func (r RateSpec) Sub(o RateSpec) RateSpec {
	return RateSpec{
		BitRateUp:   satSub(r.BitRateUp, o.BitRateUp),
		BitRateDown: satSub(r.BitRateDown, o.BitRateDown),
		PktRateUp:   satSub(r.PktRateUp, o.PktRateUp),
		PktRateDown: satSub(r.PktRateDown, o.PktRateDown),
	}
}

// Add returns r plus o.
func (r RateSpec) Add(o RateSpec) RateSpec {
	return RateSpec{
		BitRateUp:   r.BitRateUp + o.BitRateUp,
		BitRateDown: r.BitRateDown + o.BitRateDown,
		PktRateUp:   r.PktRateUp + o.PktRateUp,
		PktRateDown: r.PktRateDown + o.PktRateDown,
	}
}

// ScalePercent returns r scaled by pct/100.
func (r RateSpec) ScalePercent(pct uint64) RateSpec {
	return RateSpec{
		BitRateUp:   r.BitRateUp * pct / 100,
		BitRateDown: r.BitRateDown * pct / 100,
		PktRateUp:   r.PktRateUp * pct / 100,
		PktRateDown: r.PktRateDown * pct / 100,
	}
}

// Covers reports whether r is sufficient capacity to admit o, i.e.
// every field of r is at least as large as the matching field of o.
func (r RateSpec) Covers(o RateSpec) bool {
	return r.BitRateUp >= o.BitRateUp &&
		r.BitRateDown >= o.BitRateDown &&
		r.PktRateUp >= o.PktRateUp &&
		r.PktRateDown >= o.PktRateDown
}

func satSub(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}
