package p2p

import (
	"sort"
	"sync"
	"time"

	"duxnet/observability/metrics"
)

// PeerInfo is one entry in the in-memory P2P view. The view is derived
// state: the Registry keeps the canonical node record and its own, slower
// liveness policy.
type PeerInfo struct {
	NodeID       string    `json:"node_id"`
	Address      string    `json:"address"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Reputation   float64   `json:"reputation"`
	Status       string    `json:"status"`
	LastSeen     time.Time `json:"last_seen"`
}

// peerTable guards the known-peers map and the message-id dedup history
// with a single mutex held only while mutating.
type peerTable struct {
	mu    sync.Mutex
	peers map[string]PeerInfo
	seen  map[string]time.Time
}

func newPeerTable() *peerTable {
	return &peerTable{
		peers: make(map[string]PeerInfo),
		seen:  make(map[string]time.Time),
	}
}

// markSeen records a message id, reporting whether it was already known.
func (t *peerTable) markSeen(messageID string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.seen[messageID]; dup {
		return true
	}
	t.seen[messageID] = now
	return false
}

// upsert records or refreshes a peer, reporting whether it was new.
func (t *peerTable) upsert(info PeerInfo) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, known := t.peers[info.NodeID]
	t.peers[info.NodeID] = info
	t.gauge()
	return !known
}

// touch refreshes last_seen (and optionally status) for a known peer.
func (t *peerTable) touch(nodeID, status string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	peer, ok := t.peers[nodeID]
	if !ok {
		return false
	}
	peer.LastSeen = now
	if status != "" {
		peer.Status = status
	}
	t.peers[nodeID] = peer
	return true
}

func (t *peerTable) remove(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, nodeID)
	t.gauge()
}

func (t *peerTable) get(nodeID string) (PeerInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	peer, ok := t.peers[nodeID]
	return peer, ok
}

// snapshot returns the current view sorted by node id.
func (t *peerTable) snapshot() []PeerInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PeerInfo, 0, len(t.peers))
	for _, peer := range t.peers {
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// sweep evicts peers idle past peerExpiry and dedup entries older than
// dedupWindow, returning the evicted node ids.
func (t *peerTable) sweep(now time.Time, peerExpiry, dedupWindow time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var evicted []string
	for nodeID, peer := range t.peers {
		if now.Sub(peer.LastSeen) > peerExpiry {
			delete(t.peers, nodeID)
			evicted = append(evicted, nodeID)
		}
	}
	for messageID, at := range t.seen {
		if now.Sub(at) > dedupWindow {
			delete(t.seen, messageID)
		}
	}
	t.gauge()
	return evicted
}

func (t *peerTable) gauge() {
	metrics.Core().P2PKnownPeers.Set(float64(len(t.peers)))
}
