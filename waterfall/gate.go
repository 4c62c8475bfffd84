// Package waterfall produces, rate limits and renders the spectral frames
// the audio owner shares with everyone else.
package waterfall

import "time"

const (
	// DefaultBins is the number of magnitudes in a relayed frame
	DefaultBins = 128

	// DefaultMinInterval is the shortest time between two sent frames
	DefaultMinInterval = 100 * time.Millisecond
)

// Gate drops frames that arrive sooner than MinInterval after the last
// accepted frame. The first frame is always accepted.
type Gate struct {
	MinInterval time.Duration

	last     time.Time
	accepted bool
}

// NewGate creates a gate with the given minimum interval
func NewGate(minInterval time.Duration) *Gate {
	return &Gate{MinInterval: minInterval}
}

// Allow reports whether a frame produced at now may be sent and, if so,
// records it as the last accepted frame.
func (g *Gate) Allow(now time.Time) bool {
	if g.accepted && now.Sub(g.last) < g.MinInterval {
		return false
	}
	g.last = now
	g.accepted = true
	return true
}

// Reset forgets the last accepted frame
func (g *Gate) Reset() {
	g.accepted = false
	g.last = time.Time{}
}
