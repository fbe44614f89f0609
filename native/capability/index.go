package capability

import (
	"sort"
	"sync"
)

// Index is the in-memory bidirectional capability index: capability tag to
// node set and node to capability set. It is a derived view over the
// registry's node records and is rebuilt from the store on startup.
type Index struct {
	mu     sync.RWMutex
	byCap  map[string]map[string]struct{}
	byNode map[string]map[string]struct{}
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{
		byCap:  make(map[string]map[string]struct{}),
		byNode: make(map[string]map[string]struct{}),
	}
}

// Add registers caps for nodeID, merging with any already indexed.
func (ix *Index) Add(nodeID string, caps []string) {
	if nodeID == "" {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	node := ix.byNode[nodeID]
	if node == nil {
		node = make(map[string]struct{}, len(caps))
		ix.byNode[nodeID] = node
	}
	for _, cap := range caps {
		normalized := Normalize(cap)
		if normalized == "" {
			continue
		}
		node[normalized] = struct{}{}
		nodes := ix.byCap[normalized]
		if nodes == nil {
			nodes = make(map[string]struct{})
			ix.byCap[normalized] = nodes
		}
		nodes[nodeID] = struct{}{}
	}
}

// Remove drops the node and all of its capability entries.
func (ix *Index) Remove(nodeID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(nodeID)
}

// Replace swaps the node's capability set for caps.
func (ix *Index) Replace(nodeID string, caps []string) {
	if nodeID == "" {
		return
	}
	ix.mu.Lock()
	ix.removeLocked(nodeID)
	ix.mu.Unlock()
	ix.Add(nodeID, caps)
}

func (ix *Index) removeLocked(nodeID string) {
	for cap := range ix.byNode[nodeID] {
		delete(ix.byCap[cap], nodeID)
		if len(ix.byCap[cap]) == 0 {
			delete(ix.byCap, cap)
		}
	}
	delete(ix.byNode, nodeID)
}

// Capabilities returns the sorted capability set indexed for nodeID.
func (ix *Index) Capabilities(nodeID string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	caps := make([]string, 0, len(ix.byNode[nodeID]))
	for cap := range ix.byNode[nodeID] {
		caps = append(caps, cap)
	}
	sort.Strings(caps)
	return caps
}

// Lookup returns the node ids matching caps. With matchAll every capability
// must be present; otherwise any single match qualifies. An empty capability
// list returns every indexed node.
func (ix *Index) Lookup(caps []string, matchAll bool) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	normalized := make([]string, 0, len(caps))
	for _, cap := range caps {
		if n := Normalize(cap); n != "" {
			normalized = append(normalized, n)
		}
	}
	if len(normalized) == 0 {
		all := make([]string, 0, len(ix.byNode))
		for nodeID := range ix.byNode {
			all = append(all, nodeID)
		}
		sort.Strings(all)
		return all
	}

	matches := make([]string, 0)
	if matchAll {
		for nodeID, nodeCaps := range ix.byNode {
			ok := true
			for _, cap := range normalized {
				if _, has := nodeCaps[cap]; !has {
					ok = false
					break
				}
			}
			if ok {
				matches = append(matches, nodeID)
			}
		}
	} else {
		seen := make(map[string]struct{})
		for _, cap := range normalized {
			for nodeID := range ix.byCap[cap] {
				if _, dup := seen[nodeID]; !dup {
					seen[nodeID] = struct{}{}
					matches = append(matches, nodeID)
				}
			}
		}
	}
	sort.Strings(matches)
	return matches
}

// Stats summarises the index contents.
type Stats struct {
	Nodes      int            `json:"nodes"`
	PerCap     map[string]int `json:"per_capability"`
	MostCommon string         `json:"most_common"`
}

// Stats returns per-capability node counts and the most common capability.
func (ix *Index) Stats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	stats := Stats{Nodes: len(ix.byNode), PerCap: make(map[string]int, len(ix.byCap))}
	best := -1
	for cap, nodes := range ix.byCap {
		stats.PerCap[cap] = len(nodes)
		if len(nodes) > best || (len(nodes) == best && cap < stats.MostCommon) {
			best = len(nodes)
			stats.MostCommon = cap
		}
	}
	return stats
}
