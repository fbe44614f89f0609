package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"

	coreerr "duxnet/core/errors"
	"duxnet/core/events"
	"duxnet/native/capability"
	"duxnet/native/reputation"
	"duxnet/observability/metrics"
	"duxnet/storage"
)

// Engine owns the lifecycle of node records. It is the only writer of the
// canonical node table; the capability index is a derived view it keeps in
// step (store transaction first, index second, never the reverse).
type Engine struct {
	store   *storage.Store
	index   *capability.Index
	rep     *reputation.Engine
	emitter events.Emitter
	log     *slog.Logger

	nowFn            func() time.Time
	offlineThreshold time.Duration
	requireAuth      bool
}

// NewEngine constructs a registry engine over the shared store, capability
// index and reputation engine.
func NewEngine(store *storage.Store, index *capability.Index, rep *reputation.Engine) *Engine {
	return &Engine{
		store:            store,
		index:            index,
		rep:              rep,
		emitter:          events.NoopEmitter{},
		log:              slog.Default().With("component", "registry"),
		nowFn:            time.Now,
		offlineThreshold: time.Hour,
	}
}

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the engine clock. Intended for tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = time.Now
		return
	}
	e.nowFn = now
}

// SetOfflineThreshold overrides the inactivity window after which the
// reconciler marks a node offline.
func (e *Engine) SetOfflineThreshold(d time.Duration) {
	if d > 0 {
		e.offlineThreshold = d
	}
}

// SetRequireAuth toggles signature verification on mutating calls.
func (e *Engine) SetRequireAuth(require bool) { e.requireAuth = require }

func (e *Engine) emit(event *events.Event) {
	if e != nil && e.emitter != nil && event != nil {
		e.emitter.Emit(event)
	}
}

func (e *Engine) now() time.Time { return e.nowFn() }

// Rebuild replays the node table into the capability index. Called once at
// startup so the derived view matches the canonical records.
func (e *Engine) Rebuild() error {
	nodes, err := e.List()
	if err != nil {
		return err
	}
	for i := range nodes {
		e.index.Replace(nodes[i].NodeID, nodes[i].CapabilityList())
	}
	return nil
}

// RegisterRequest carries the registration (or re-registration) payload.
type RegisterRequest struct {
	NodeID       string         `json:"node_id"`
	Address      string         `json:"address"`
	Capabilities []string       `json:"capabilities"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Auth         *AuthData      `json:"auth_data,omitempty"`
}

// Register creates a node record or, when node_id already exists, replaces
// its address and capability set, refreshes the heartbeat and resets the
// status to healthy.
func (e *Engine) Register(req RegisterRequest) (*Node, error) {
	nodeID := strings.TrimSpace(req.NodeID)
	address := strings.TrimSpace(req.Address)
	if nodeID == "" {
		return nil, coreerr.E(coreerr.CodeValidation, "node_id required")
	}
	if address == "" {
		return nil, coreerr.E(coreerr.CodeValidation, "address required")
	}
	for _, cap := range req.Capabilities {
		if wellFormed, _ := capability.Validate(cap); !wellFormed {
			return nil, coreerr.E(coreerr.CodeValidation, "malformed capability: %q", cap)
		}
	}

	var node Node
	now := e.now()
	err := e.store.Transaction(func(tx *gorm.DB) error {
		var existing Node
		lookupErr := tx.First(&existing, "node_id = ?", nodeID).Error
		switch {
		case lookupErr == nil:
			if err := e.authenticate(&existing, registerAuthBody(req), req.Auth); err != nil {
				return err
			}
			existing.Address = address
			existing.SetCapabilities(req.Capabilities)
			existing.Status = StatusHealthy
			existing.LastHeartbeat = now
			if req.Metadata != nil {
				encoded, _ := json.Marshal(req.Metadata)
				existing.Metadata = string(encoded)
			}
			if req.Auth != nil && existing.PublicKey == "" {
				existing.PublicKey = req.Auth.PublicKey
				existing.AuthLevel = AuthLevelSigned
			}
			node = existing
			return tx.Save(&existing).Error
		case storage.NotFound(lookupErr):
			fresh := Node{
				NodeID:        nodeID,
				Address:       address,
				Status:        StatusHealthy,
				LastHeartbeat: now,
			}
			fresh.SetCapabilities(req.Capabilities)
			if req.Metadata != nil {
				encoded, _ := json.Marshal(req.Metadata)
				fresh.Metadata = string(encoded)
			}
			if req.Auth != nil {
				// First sight: adopt the presented key at signed level.
				if err := verifySignature(req.Auth, registerAuthBody(req)); err != nil {
					return err
				}
				fresh.PublicKey = req.Auth.PublicKey
				fresh.AuthLevel = AuthLevelSigned
			} else if e.requireAuth {
				return coreerr.E(coreerr.CodeUnauthenticated, "auth_data required")
			}
			node = fresh
			return tx.Create(&fresh).Error
		default:
			return lookupErr
		}
	})
	if err != nil {
		return nil, storage.TranslateError(err, "register node")
	}

	e.index.Replace(node.NodeID, node.CapabilityList())
	e.emit(events.NewNodeEvent(events.TypeNodeRegistered, node.NodeID, string(node.Status)))
	e.refreshStatusGauges()
	return &node, nil
}

// Heartbeat refreshes the node's last-heartbeat timestamp. It never changes
// the status.
func (e *Engine) Heartbeat(nodeID string, auth *AuthData) error {
	if e.requireAuth {
		node, err := e.Get(nodeID)
		if err != nil {
			return err
		}
		if err := e.authenticate(node, heartbeatAuthBody(nodeID), auth); err != nil {
			return err
		}
	}
	res := e.store.DB().Model(&Node{}).
		Where("node_id = ?", nodeID).
		Update("last_heartbeat", e.now())
	if res.Error != nil {
		return storage.TranslateError(res.Error, "heartbeat")
	}
	if res.RowsAffected == 0 {
		return coreerr.E(coreerr.CodeNotFound, "node %s not registered", nodeID)
	}
	return nil
}

// SetStatus performs an explicit status transition.
func (e *Engine) SetStatus(nodeID string, status Status, auth *AuthData) error {
	if _, err := ParseStatus(string(status)); err != nil {
		return err
	}
	if e.requireAuth {
		node, err := e.Get(nodeID)
		if err != nil {
			return err
		}
		if err := e.authenticate(node, statusAuthBody(nodeID, status), auth); err != nil {
			return err
		}
	}
	res := e.store.DB().Model(&Node{}).
		Where("node_id = ?", nodeID).
		Update("status", status)
	if res.Error != nil {
		return storage.TranslateError(res.Error, "set status")
	}
	if res.RowsAffected == 0 {
		return coreerr.E(coreerr.CodeNotFound, "node %s not registered", nodeID)
	}
	e.refreshStatusGauges()
	return nil
}

// AddCapabilities extends the node's capability set.
func (e *Engine) AddCapabilities(nodeID string, caps []string, auth *AuthData) (*Node, error) {
	return e.editCapabilities(nodeID, "add_capabilities", caps, caps, func(current []string) []string {
		return append(current, caps...)
	}, auth)
}

// RemoveCapabilities drops tags from the node's capability set. Unknown
// tags are ignored.
func (e *Engine) RemoveCapabilities(nodeID string, caps []string, auth *AuthData) (*Node, error) {
	drop := make(map[string]struct{}, len(caps))
	for _, cap := range caps {
		drop[capability.Normalize(cap)] = struct{}{}
	}
	return e.editCapabilities(nodeID, "remove_capabilities", caps, nil, func(current []string) []string {
		kept := current[:0]
		for _, cap := range current {
			if _, gone := drop[cap]; !gone {
				kept = append(kept, cap)
			}
		}
		return kept
	}, auth)
}

// UpdateCapabilities replaces the node's capability set wholesale.
func (e *Engine) UpdateCapabilities(nodeID string, caps []string, auth *AuthData) (*Node, error) {
	return e.editCapabilities(nodeID, "update_capabilities", caps, caps, func([]string) []string {
		return caps
	}, auth)
}

func (e *Engine) editCapabilities(nodeID, op string, requested, validate []string, edit func([]string) []string, auth *AuthData) (*Node, error) {
	for _, cap := range validate {
		if wellFormed, _ := capability.Validate(cap); !wellFormed {
			return nil, coreerr.E(coreerr.CodeValidation, "malformed capability: %q", cap)
		}
	}
	var node Node
	err := e.store.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&node, "node_id = ?", nodeID).Error; err != nil {
			if storage.NotFound(err) {
				return coreerr.E(coreerr.CodeNotFound, "node %s not registered", nodeID)
			}
			return err
		}
		if err := e.authenticate(&node, capabilityAuthBody(nodeID, op, requested), auth); err != nil {
			return err
		}
		node.SetCapabilities(edit(node.CapabilityList()))
		return tx.Save(&node).Error
	})
	if err != nil {
		return nil, storage.TranslateError(err, "edit capabilities")
	}
	e.index.Replace(node.NodeID, node.CapabilityList())
	return &node, nil
}

// NodesByCapability returns the nodes advertising a single capability tag.
func (e *Engine) NodesByCapability(cap string) ([]Node, error) {
	return e.Query(QueryFilter{Capabilities: []string{cap}, MatchAll: true})
}

// UpdateReputation applies a reputation event through the pure engine and
// persists the clamped score.
func (e *Engine) UpdateReputation(nodeID string, event reputation.EventType, override *float64, auth *AuthData) (*ReputationUpdate, error) {
	var update ReputationUpdate
	err := e.store.Transaction(func(tx *gorm.DB) error {
		var node Node
		if err := tx.First(&node, "node_id = ?", nodeID).Error; err != nil {
			return err
		}
		if err := e.authenticate(&node, reputationAuthBody(nodeID, string(event)), auth); err != nil {
			return err
		}
		next, clamped := e.rep.Apply(node.Reputation, event, override)
		update = ReputationUpdate{
			NodeID:  nodeID,
			Old:     node.Reputation,
			New:     next,
			Delta:   next - node.Reputation,
			Clamped: clamped,
		}
		return tx.Model(&node).Update("reputation", next).Error
	})
	if err != nil {
		return nil, storage.TranslateError(err, "update reputation")
	}
	metrics.Core().ReputationEvents.WithLabelValues(string(event)).Inc()
	e.emit(events.NewReputationEvent(nodeID, update.Old, update.New, update.Clamped))
	return &update, nil
}

// Deregister removes the node record and its index entries.
func (e *Engine) Deregister(nodeID string, auth *AuthData) error {
	err := e.store.Transaction(func(tx *gorm.DB) error {
		var node Node
		if err := tx.First(&node, "node_id = ?", nodeID).Error; err != nil {
			return err
		}
		if err := e.authenticate(&node, deregisterAuthBody(nodeID), auth); err != nil {
			return err
		}
		return tx.Delete(&Node{}, "node_id = ?", nodeID).Error
	})
	if err != nil {
		return storage.TranslateError(err, "deregister node")
	}
	e.index.Remove(nodeID)
	e.emit(events.NewNodeEvent(events.TypeNodeDeregistered, nodeID, ""))
	e.refreshStatusGauges()
	return nil
}

// Get returns the node record.
func (e *Engine) Get(nodeID string) (*Node, error) {
	var node Node
	if err := e.store.DB().First(&node, "node_id = ?", nodeID).Error; err != nil {
		return nil, storage.TranslateError(err, "load node")
	}
	return &node, nil
}

// List returns all node records.
func (e *Engine) List() ([]Node, error) {
	var nodes []Node
	if err := e.store.DB().Find(&nodes).Error; err != nil {
		return nil, storage.TranslateError(err, "list nodes")
	}
	return nodes, nil
}

// Query returns the nodes matching the filter, sorted by reputation
// descending (node id as the stable tiebreak).
func (e *Engine) Query(filter QueryFilter) ([]Node, error) {
	candidates := e.index.Lookup(filter.Capabilities, filter.MatchAll)
	if len(candidates) == 0 {
		return nil, nil
	}
	var nodes []Node
	if err := e.store.DB().Where("node_id IN ?", candidates).Find(&nodes).Error; err != nil {
		return nil, storage.TranslateError(err, "query nodes")
	}
	matched := nodes[:0]
	for _, node := range nodes {
		if node.Reputation < filter.MinReputation {
			continue
		}
		if filter.HealthyOnly && node.Status != StatusHealthy {
			continue
		}
		hw := node.HardwareSpec()
		if filter.MinCPUCores > 0 && hw.CPUCores < filter.MinCPUCores {
			continue
		}
		if filter.MinMemoryGB > 0 && hw.MemoryGB < filter.MinMemoryGB {
			continue
		}
		if filter.MinStorageGB > 0 && hw.StorageGB < filter.MinStorageGB {
			continue
		}
		if filter.GPURequired && !hw.GPU {
			continue
		}
		matched = append(matched, node)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Reputation != matched[j].Reputation {
			return matched[i].Reputation > matched[j].Reputation
		}
		return matched[i].NodeID < matched[j].NodeID
	})
	return matched, nil
}

// MarkOfflinePass flags every node whose heartbeat is older than the
// offline threshold. Returns how many nodes were transitioned.
func (e *Engine) MarkOfflinePass() (int, error) {
	cutoff := e.now().Add(-e.offlineThreshold)
	var stale []Node
	if err := e.store.DB().
		Where("last_heartbeat < ? AND status <> ?", cutoff, StatusOffline).
		Find(&stale).Error; err != nil {
		return 0, storage.TranslateError(err, "scan stale nodes")
	}
	for i := range stale {
		res := e.store.DB().Model(&Node{}).
			Where("node_id = ? AND status <> ?", stale[i].NodeID, StatusOffline).
			Update("status", StatusOffline)
		if res.Error != nil {
			return 0, storage.TranslateError(res.Error, "mark offline")
		}
		if res.RowsAffected > 0 {
			e.emit(events.NewNodeEvent(events.TypeNodeOffline, stale[i].NodeID, string(StatusOffline)))
		}
	}
	e.refreshStatusGauges()
	return len(stale), nil
}

// Run executes the liveness reconciler until ctx is cancelled. Failures are
// logged and the loop continues.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := e.MarkOfflinePass(); err != nil {
				e.log.Error("liveness reconcile failed", "error", err)
			} else if n > 0 {
				e.log.Info("marked stale nodes offline", "count", n)
			}
		}
	}
}

func (e *Engine) refreshStatusGauges() {
	nodes, err := e.List()
	if err != nil {
		return
	}
	counts := map[Status]float64{
		StatusUnknown: 0, StatusHealthy: 0, StatusUnhealthy: 0, StatusOffline: 0,
	}
	for i := range nodes {
		counts[nodes[i].Status]++
	}
	gauge := metrics.Core().NodesByStatus
	for status, count := range counts {
		gauge.WithLabelValues(string(status)).Set(count)
	}
}
