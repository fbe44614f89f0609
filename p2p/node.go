package p2p

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	coreerr "duxnet/core/errors"
	"duxnet/observability/metrics"
)

const (
	defaultPresenceInterval = 30 * time.Second
	defaultCleanupInterval  = 60 * time.Second
	defaultPeerExpiry       = 5 * time.Minute
	defaultDedupWindow      = 5 * time.Minute

	// Inbound datagrams allowed per sender per second when not configured.
	defaultInboundRate = 10
)

// RegistryHook lets the presence layer feed the Registry: auto-registration
// on first sight, heartbeats and status updates afterwards. All methods are
// best-effort; presence keeps working when the hook errors.
type RegistryHook interface {
	RegisterPeer(info PeerInfo) error
	Heartbeat(nodeID string) error
	SetStatus(nodeID, status string) error
}

// Config carries the presence node settings.
type Config struct {
	NodeID           string
	ListenPort       int
	BroadcastPort    int
	AdvertiseAddress string
	PresenceInterval time.Duration
	CleanupInterval  time.Duration
	PeerExpiry       time.Duration
	DedupWindow      time.Duration
	// BroadcastTargets are the addresses presence datagrams go to. When
	// empty, the limited broadcast address on BroadcastPort is used.
	BroadcastTargets []string
	AutoRegister     bool
	// RateLimitPerSec caps inbound datagrams per sender; burst is twice
	// the rate.
	RateLimitPerSec float64
}

func (c *Config) withDefaults() error {
	if strings.TrimSpace(c.NodeID) == "" {
		return coreerr.E(coreerr.CodeValidation, "p2p node id required")
	}
	if c.ListenPort <= 0 || c.BroadcastPort <= 0 {
		return coreerr.E(coreerr.CodeValidation, "p2p ports must be positive")
	}
	if c.ListenPort == c.BroadcastPort {
		return coreerr.E(coreerr.CodeValidation, "p2p listen and broadcast ports must differ")
	}
	if c.PresenceInterval <= 0 {
		c.PresenceInterval = defaultPresenceInterval
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = defaultCleanupInterval
	}
	if c.PeerExpiry <= 0 {
		c.PeerExpiry = defaultPeerExpiry
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = defaultDedupWindow
	}
	if len(c.BroadcastTargets) == 0 {
		c.BroadcastTargets = []string{fmt.Sprintf("255.255.255.255:%d", c.BroadcastPort)}
	}
	if strings.TrimSpace(c.AdvertiseAddress) == "" {
		c.AdvertiseAddress = fmt.Sprintf("127.0.0.1:%d", c.ListenPort)
	}
	if c.RateLimitPerSec <= 0 {
		c.RateLimitPerSec = defaultInboundRate
	}
	return nil
}

// Node runs the presence protocol: a broadcaster, a listener and a cleanup
// loop over one UDP socket. State converges through repeated broadcasts;
// datagrams may be lost, duplicated or reordered.
type Node struct {
	cfg   Config
	self  func() PeerInfo
	table *peerTable

	hook      RegistryHook
	peerstore *Peerstore

	conn  *net.UDPConn
	log   *slog.Logger
	nowFn func() time.Time

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	wg       sync.WaitGroup
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewNode builds a presence node. self supplies the capabilities,
// reputation and health advertised in outgoing hellos.
func NewNode(cfg Config, self func() PeerInfo) (*Node, error) {
	if self == nil {
		return nil, coreerr.E(coreerr.CodeValidation, "self info provider required")
	}
	if err := cfg.withDefaults(); err != nil {
		return nil, err
	}
	return &Node{
		cfg:      cfg,
		self:     self,
		table:    newPeerTable(),
		log:      slog.Default().With("component", "p2p", "nodeId", cfg.NodeID),
		nowFn:    time.Now,
		limiters: make(map[string]*rate.Limiter),
	}, nil
}

// SetRegistryHook wires the Registry integration.
func (n *Node) SetRegistryHook(hook RegistryHook) { n.hook = hook }

// SetPeerstore enables persistent warm starts of the peer view.
func (n *Node) SetPeerstore(ps *Peerstore) { n.peerstore = ps }

// SetNowFunc overrides the node clock. Intended for tests.
func (n *Node) SetNowFunc(now func() time.Time) {
	if now != nil {
		n.nowFn = now
	}
}

// Start binds the listen socket, warm-starts the peer table and launches
// the broadcaster, listener and cleanup loops.
func (n *Node) Start(ctx context.Context) error {
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: n.cfg.ListenPort}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return coreerr.Wrap(coreerr.CodeNetwork, err, "bind p2p listen port %d", n.cfg.ListenPort)
	}
	n.conn = conn
	n.warmStart()

	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.wg.Add(3)
	go n.listenLoop(runCtx)
	go n.broadcastLoop(runCtx)
	go n.cleanupLoop(runCtx)
	n.log.Info("p2p node started",
		"listenPort", n.cfg.ListenPort, "broadcastPort", n.cfg.BroadcastPort,
		"presenceInterval", n.cfg.PresenceInterval.String())
	return nil
}

// Stop sends goodbye, closes the socket and waits for the loops to drain.
// Safe to call more than once.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		if n.cancel == nil {
			return
		}
		n.sendToTargets(NewMessage(MsgGoodbye, n.cfg.NodeID, n.cfg.AdvertiseAddress, nil))
		n.cancel()
		if n.conn != nil {
			_ = n.conn.Close()
		}
		n.wg.Wait()
		n.log.Info("p2p node stopped")
	})
}

// Peers returns the current known-peer view.
func (n *Node) Peers() []PeerInfo { return n.table.snapshot() }

// Peer returns one known peer by id.
func (n *Node) Peer(nodeID string) (PeerInfo, bool) { return n.table.get(nodeID) }

// BroadcastPresence sends one hello immediately, outside the timer.
func (n *Node) BroadcastPresence() {
	info := n.self()
	n.sendToTargets(NewMessage(MsgHello, n.cfg.NodeID, n.cfg.AdvertiseAddress, map[string]any{
		"capabilities": info.Capabilities,
		"reputation":   info.Reputation,
		"status":       info.Status,
	}))
}

func (n *Node) warmStart() {
	if n.peerstore == nil {
		return
	}
	peers, err := n.peerstore.All()
	if err != nil {
		n.log.Warn("peerstore warm start failed", "error", err)
		return
	}
	now := n.nowFn()
	for _, peer := range peers {
		if peer.NodeID == n.cfg.NodeID {
			continue
		}
		// Stale entries are handed to the regular expiry sweep rather
		// than resurrected as fresh.
		if now.Sub(peer.LastSeen) > n.cfg.PeerExpiry {
			continue
		}
		n.table.upsert(peer)
	}
	n.log.Info("peer view warm started", "peers", len(n.table.snapshot()))
}

func (n *Node) broadcastLoop(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.PresenceInterval)
	defer ticker.Stop()
	n.BroadcastPresence()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.BroadcastPresence()
		}
	}
}

func (n *Node) cleanupLoop(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.CleanupPass()
		}
	}
}

// CleanupPass evicts idle peers and expired dedup entries once.
func (n *Node) CleanupPass() {
	evicted := n.table.sweep(n.nowFn(), n.cfg.PeerExpiry, n.cfg.DedupWindow)
	for _, nodeID := range evicted {
		if n.peerstore != nil {
			_ = n.peerstore.Delete(nodeID)
		}
		n.log.Info("peer evicted from p2p view", "peerId", nodeID)
	}
	n.limiterMu.Lock()
	if len(n.limiters) > 4096 {
		n.limiters = make(map[string]*rate.Limiter)
	}
	n.limiterMu.Unlock()
}

func (n *Node) listenLoop(ctx context.Context) {
	defer n.wg.Done()
	buf := make([]byte, MaxDatagramSize+1)
	for {
		size, remote, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			n.log.Warn("p2p read failed", "error", err)
			continue
		}
		raw := make([]byte, size)
		copy(raw, buf[:size])
		n.handleDatagram(raw, remote)
	}
}

func (n *Node) handleDatagram(raw []byte, remote *net.UDPAddr) {
	msg, err := DecodeMessage(raw)
	if err != nil {
		n.log.Debug("dropping malformed datagram", "remote", remote.String(), "error", err)
		return
	}
	if msg.SenderID == n.cfg.NodeID {
		return
	}
	if !n.allowSender(msg.SenderID) {
		return
	}
	if n.table.markSeen(msg.MessageID, n.nowFn()) {
		metrics.Core().P2PDroppedDupes.Inc()
		return
	}
	metrics.Core().P2PDatagrams.WithLabelValues("in", string(msg.Type)).Inc()

	switch msg.Type {
	case MsgHello, MsgNodeRegister, MsgNodeUpdate:
		n.handlePresence(msg, remote)
	case MsgGoodbye:
		n.table.remove(msg.SenderID)
		if n.peerstore != nil {
			_ = n.peerstore.Delete(msg.SenderID)
		}
	case MsgPing:
		n.reply(remote, NewMessage(MsgPong, n.cfg.NodeID, n.cfg.AdvertiseAddress, nil))
		n.table.touch(msg.SenderID, "", n.nowFn())
	case MsgPong:
		n.table.touch(msg.SenderID, "", n.nowFn())
	case MsgHealthBroadcast:
		status, _ := msg.Payload["status"].(string)
		if !n.table.touch(msg.SenderID, status, n.nowFn()) {
			n.handlePresence(msg, remote)
			return
		}
		if n.hook != nil {
			_ = n.hook.Heartbeat(msg.SenderID)
			if status != "" {
				_ = n.hook.SetStatus(msg.SenderID, status)
			}
		}
	default:
		n.log.Info("dropping unknown p2p message type",
			"type", string(msg.Type), "peerId", msg.SenderID)
	}
}

// handlePresence records or refreshes a peer from a hello-like message.
func (n *Node) handlePresence(msg *Message, remote *net.UDPAddr) {
	address := strings.TrimSpace(msg.SenderAddress)
	if address == "" {
		address = remote.String()
	}
	info := PeerInfo{
		NodeID:   msg.SenderID,
		Address:  address,
		LastSeen: n.nowFn(),
	}
	if caps, ok := msg.Payload["capabilities"].([]any); ok {
		for _, c := range caps {
			if s, ok := c.(string); ok {
				info.Capabilities = append(info.Capabilities, s)
			}
		}
	}
	if reputation, ok := msg.Payload["reputation"].(float64); ok {
		info.Reputation = reputation
	}
	if status, ok := msg.Payload["status"].(string); ok {
		info.Status = status
	}

	isNew := n.table.upsert(info)
	if n.peerstore != nil {
		_ = n.peerstore.Put(info)
	}
	if n.hook == nil {
		return
	}
	if isNew {
		if n.cfg.AutoRegister {
			if err := n.hook.RegisterPeer(info); err != nil {
				n.log.Warn("peer auto-registration failed", "peerId", info.NodeID, "error", err)
			}
		}
		return
	}
	_ = n.hook.Heartbeat(info.NodeID)
	if info.Status != "" {
		_ = n.hook.SetStatus(info.NodeID, info.Status)
	}
}

func (n *Node) allowSender(senderID string) bool {
	n.limiterMu.Lock()
	limiter, ok := n.limiters[senderID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(n.cfg.RateLimitPerSec), int(2*n.cfg.RateLimitPerSec))
		n.limiters[senderID] = limiter
	}
	n.limiterMu.Unlock()
	return limiter.Allow()
}

func (n *Node) sendToTargets(msg *Message) {
	targets := make(map[string]struct{}, len(n.cfg.BroadcastTargets))
	for _, target := range n.cfg.BroadcastTargets {
		targets[target] = struct{}{}
	}
	for _, peer := range n.table.snapshot() {
		if peer.Address != "" {
			targets[peer.Address] = struct{}{}
		}
	}
	raw, err := msg.Encode()
	if err != nil {
		n.log.Warn("presence encode failed", "error", err)
		return
	}
	for target := range targets {
		addr, err := net.ResolveUDPAddr("udp4", target)
		if err != nil {
			continue
		}
		if _, err := n.conn.WriteToUDP(raw, addr); err != nil {
			n.log.Debug("presence send failed", "target", target, "error", err)
			continue
		}
		metrics.Core().P2PDatagrams.WithLabelValues("out", string(msg.Type)).Inc()
	}
}

func (n *Node) reply(remote *net.UDPAddr, msg *Message) {
	raw, err := msg.Encode()
	if err != nil {
		return
	}
	if _, err := n.conn.WriteToUDP(raw, remote); err == nil {
		metrics.Core().P2PDatagrams.WithLabelValues("out", string(msg.Type)).Inc()
	}
}
