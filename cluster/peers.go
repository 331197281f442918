// Package cluster maintains a passive view of the other nodes on the
// broadcast stream. There is no membership protocol: a peer exists because
// its envelopes arrive, and it ages out once they stop.
package cluster

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/fanout/telemetry"
)

type peerState struct {
	mu        sync.Mutex
	lastSeen  time.Time
	lastEvent uint64
	envelopes uint64
}

// PeerInfo is a snapshot of one observed peer.
type PeerInfo struct {
	NodeID    uint64    `json:"node_id"`
	LastSeen  time.Time `json:"last_seen"`
	LastEvent uint64    `json:"last_event"`
	Envelopes uint64    `json:"envelopes"`
}

// View tracks peers by the envelopes they broadcast. Implements the
// publisher's peer observer; Start runs a sweeper that expires peers silent
// for longer than the timeout.
type View struct {
	peers *xsync.MapOf[uint64, *peerState]

	timeout       time.Duration
	sweepInterval time.Duration

	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

func NewView(timeout, sweepInterval time.Duration) *View {
	return &View{
		peers:         xsync.NewMapOf[uint64, *peerState](),
		timeout:       timeout,
		sweepInterval: sweepInterval,
	}
}

// Observe records one envelope from a peer. Called on the transport receive
// path for every accepted envelope.
func (v *View) Observe(nodeID, eventID uint64) {
	state, loaded := v.peers.LoadOrStore(nodeID, &peerState{})

	state.mu.Lock()
	state.lastSeen = time.Now()
	state.lastEvent = eventID
	state.envelopes++
	state.mu.Unlock()

	if !loaded {
		log.Info().Uint64("peer", nodeID).Msg("New peer observed on broadcast stream")
		telemetry.ClusterPeers.Set(float64(v.peers.Size()))
	}
}

// Count returns the number of currently tracked peers.
func (v *View) Count() int {
	return v.peers.Size()
}

// Peers returns a snapshot sorted by node id.
func (v *View) Peers() []PeerInfo {
	out := make([]PeerInfo, 0, v.peers.Size())
	v.peers.Range(func(nodeID uint64, state *peerState) bool {
		state.mu.Lock()
		info := PeerInfo{
			NodeID:    nodeID,
			LastSeen:  state.lastSeen,
			LastEvent: state.lastEvent,
			Envelopes: state.envelopes,
		}
		state.mu.Unlock()
		out = append(out, info)
		return true
	})

	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Start runs the background sweeper.
func (v *View) Start() {
	v.lifecycleMu.Lock()
	defer v.lifecycleMu.Unlock()

	if v.running.Load() {
		return
	}

	v.running.Store(true)
	v.stopCh = make(chan struct{})
	v.doneCh = make(chan struct{})

	go v.sweepLoop()
}

// Stop halts the sweeper. Observed peers remain readable.
func (v *View) Stop() {
	v.lifecycleMu.Lock()
	defer v.lifecycleMu.Unlock()

	if !v.running.Load() {
		return
	}

	close(v.stopCh)
	<-v.doneCh
	v.running.Store(false)
}

func (v *View) sweepLoop() {
	defer close(v.doneCh)

	ticker := time.NewTicker(v.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			v.sweep()
		case <-v.stopCh:
			return
		}
	}
}

// sweep drops peers that have been silent past the timeout.
func (v *View) sweep() {
	cutoff := time.Now().Add(-v.timeout)
	removed := 0

	v.peers.Range(func(nodeID uint64, state *peerState) bool {
		state.mu.Lock()
		stale := state.lastSeen.Before(cutoff)
		state.mu.Unlock()

		if stale {
			v.peers.Delete(nodeID)
			removed++
			log.Info().Uint64("peer", nodeID).Msg("Peer timed out")
		}
		return true
	})

	if removed > 0 {
		telemetry.ClusterPeers.Set(float64(v.peers.Size()))
	}
}
