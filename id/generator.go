package id

import "github.com/maxpert/fanout/hlc"

// Generator provides unique IDs for broadcast envelopes.
// IDs are guaranteed unique across nodes and roughly time-ordered.
type Generator interface {
	NextID() uint64
}

// HLCGenerator generates unique IDs using the Hybrid Logical Clock.
// Thread-safe via HLC's internal mutex.
type HLCGenerator struct {
	clock *hlc.Clock
}

// NewHLCGenerator creates a new ID generator backed by the given HLC.
func NewHLCGenerator(clock *hlc.Clock) *HLCGenerator {
	return &HLCGenerator{clock: clock}
}

// NextID generates a unique 64-bit ID.
// Format: (physical_ms << 22) | (node_id << 16) | logical
// See hlc.Timestamp.ToEventID for bit allocation details.
func (g *HLCGenerator) NextID() uint64 {
	return g.clock.Now().ToEventID()
}

// NextStamp returns a fresh timestamp. Callers that need both the stamp and
// its event ID should take one stamp and derive the ID from it, so the two
// always agree.
func (g *HLCGenerator) NextStamp() hlc.Timestamp {
	return g.clock.Now()
}
