package sim

import (
	"math"
)

// Freq is a clock frequency in Hz. Device latencies are given in cycles of a
// Freq.
type Freq float64

// Frequency units.
const (
	Hz  Freq = 1
	KHz Freq = 1e3
	MHz Freq = 1e6
	GHz Freq = 1e9
)

// Period returns the length of one cycle.
func (f Freq) Period() VTimeInSec {
	if f == 0 {
		panic("frequency cannot be 0")
	}

	return VTimeInSec(1.0 / f)
}

// Cycle returns the number of whole cycles between time 0 and t.
func (f Freq) Cycle(t VTimeInSec) uint64 {
	return uint64(math.Round(float64(t) * float64(f)))
}

// ThisTick rounds now up to a clock edge. Times within a tenth of a cycle
// after an edge count as that edge.
func (f Freq) ThisTick(now VTimeInSec) VTimeInSec {
	if math.IsNaN(float64(now)) {
		panic("invalid time")
	}

	tenths := math.Round(float64(now) * float64(f) * 10)

	return VTimeInSec(math.Ceil(tenths/10) / float64(f))
}

// NCyclesLater returns the clock edge n cycles after now.
func (f Freq) NCyclesLater(n int, now VTimeInSec) VTimeInSec {
	return f.ThisTick(now + VTimeInSec(float64(n)/float64(f)))
}
