package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"duxnet/chain"
	"duxnet/config"
	coreerr "duxnet/core/errors"
	"duxnet/native/capability"
	"duxnet/native/common"
	"duxnet/native/escrow"
	"duxnet/native/registry"
	"duxnet/native/reputation"
	"duxnet/native/tasks"
	"duxnet/observability/logging"
	telemetry "duxnet/observability/otel"
	"duxnet/p2p"
	"duxnet/rpc"
	"duxnet/sandbox"
	"duxnet/storage"
)

func main() {
	configFile := flag.String("config", "./duxnet.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if strings.TrimSpace(cfg.NodeID) == "" {
		cfg.NodeID = "node-" + uuid.NewString()[:8]
	}

	log := logging.Setup(logging.Options{
		Service:    "duxnetd",
		Env:        cfg.Log.Env,
		Path:       cfg.Log.Path,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "duxnetd",
		Environment: cfg.Log.Env,
		Endpoint:    cfg.API.OTLPEndpoint,
		Insecure:    true,
	})
	if err != nil {
		log.Error("telemetry init failed", "error", err)
		os.Exit(1)
	}

	if err := run(ctx, cancel, cfg, log); err != nil {
		log.Error("daemon exited with error", "error", err)
		cancel()
		_ = shutdownTelemetry(context.Background())
		os.Exit(1)
	}
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		log.Warn("telemetry shutdown failed", "error", err)
	}
}

func run(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, log *slog.Logger) error {
	store, err := storage.Open(cfg.StorePath,
		&registry.Node{},
		&tasks.Task{}, &tasks.TaskResult{},
		&escrow.Contract{}, &escrow.EscrowTransaction{}, &escrow.EscrowDispute{},
	)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("store close failed", "error", err)
		}
	}()

	if cfg.CapabilityFile != "" {
		if err := capability.LoadVocabulary(cfg.CapabilityFile); err != nil {
			return fmt.Errorf("load capability vocabulary: %w", err)
		}
	}
	index := capability.NewIndex()
	repEngine := reputation.NewEngine()

	reg := registry.NewEngine(store, index, repEngine)
	reg.SetOfflineThreshold(time.Duration(cfg.Registry.OfflineThreshold) * time.Second)
	reg.SetRequireAuth(cfg.Registry.RequireAuth)
	if err := reg.Rebuild(); err != nil {
		return fmt.Errorf("rebuild capability index: %w", err)
	}

	esc := escrow.NewEngine(store)
	if err := esc.SetCommunityShareBps(cfg.Escrow.CommunityShareBps); err != nil {
		return fmt.Errorf("configure escrow share: %w", err)
	}
	esc.SetCommunityFundDestination(cfg.Escrow.CommunityFundDestination)

	chains, err := buildChains(cfg)
	if err != nil {
		return fmt.Errorf("build chain adapters: %w", err)
	}

	sched := tasks.NewEngine(store)
	sched.SetTimeoutGrace(time.Duration(cfg.Scheduler.TimeoutGrace) * time.Second)
	sched.SetReputationSink(&reputationBridge{reg: reg})
	sched.SetSettlementNotifier(&settlementBridge{
		escrow:        esc,
		chains:        chains,
		shareBps:      cfg.Escrow.CommunityShareBps,
		communityDest: cfg.Escrow.CommunityFundDestination,
		log:           log,
	})

	// The daemon is itself a marketplace participant: it registers its own
	// node record so local workers can pick up matching tasks.
	if _, err := reg.Register(registry.RegisterRequest{
		NodeID:       cfg.NodeID,
		Address:      cfg.API.ListenAddress,
		Capabilities: cfg.Capabilities,
	}); err != nil {
		return fmt.Errorf("register local node: %w", err)
	}

	node, err := p2p.NewNode(p2p.Config{
		NodeID:           cfg.NodeID,
		ListenPort:       cfg.P2P.ListenPort,
		BroadcastPort:    cfg.P2P.BroadcastPort,
		AdvertiseAddress: cfg.P2P.AdvertiseAddress,
		PresenceInterval: time.Duration(cfg.P2P.PresenceInterval) * time.Second,
		CleanupInterval:  time.Duration(cfg.P2P.CleanupInterval) * time.Second,
		PeerExpiry:       time.Duration(cfg.P2P.PeerExpiry) * time.Second,
		BroadcastTargets: cfg.P2P.BroadcastTargets,
		AutoRegister:     cfg.Registry.AutoRegisterP2P,
		RateLimitPerSec:  cfg.P2P.RateLimitPerSec,
	}, selfProvider(cfg, reg))
	if err != nil {
		return fmt.Errorf("build presence node: %w", err)
	}
	node.SetRegistryHook(&registryHook{reg: reg})
	if cfg.P2P.PeerstorePath != "" {
		ps, err := p2p.OpenPeerstore(cfg.P2P.PeerstorePath)
		if err != nil {
			return fmt.Errorf("open peerstore: %w", err)
		}
		defer ps.Close()
		node.SetPeerstore(ps)
	}
	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("start presence node: %w", err)
	}
	defer node.Stop()

	go reg.Run(ctx, time.Duration(cfg.Registry.ReconcileInterval)*time.Second)
	go sched.Run(ctx, time.Duration(cfg.Scheduler.WatchdogPeriod)*time.Second)

	executor := sandbox.NewExecutor(os.TempDir())
	for i := 0; i < cfg.Scheduler.Workers; i++ {
		go workerLoop(ctx, cfg, sched, executor, log.With("worker", i))
	}

	server := rpc.NewServer(rpc.Options{
		Registry:        reg,
		Index:           index,
		Scheduler:       sched,
		Escrow:          esc,
		Chains:          chains,
		Presence:        node,
		AuthTokenSecret: cfg.API.AuthTokenSecret,
	})
	httpServer := &http.Server{
		Addr:              cfg.API.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		log.Info("api listening", "address", cfg.API.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Info("daemon started", "nodeId", cfg.NodeID, "store", cfg.StorePath)
	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", "signal", sig.String())
	case err := <-httpErr:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	// Goodbye goes out before the socket closes so peers drop us promptly.
	node.Stop()
	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown failed", "error", err)
	}
	cancel()
	return nil
}

// buildChains wires one adapter per configured currency: a real RPC-backed
// adapter where an endpoint is configured, a deterministic stub otherwise
// when stubs are allowed.
func buildChains(cfg *config.Config) (*chain.Registry, error) {
	chains := chain.NewRegistry()
	for _, currency := range cfg.SupportedCurrencies {
		var (
			adapter chain.Adapter
			err     error
		)
		switch {
		case currency == "ETH" && strings.TrimSpace(cfg.Chain.EthEndpoint) != "":
			adapter, err = chain.DialEth(cfg.Chain.EthEndpoint, cfg.Chain.EthPrivateKey)
		case !cfg.Chain.AllowStubs:
			continue
		case currency == "BTC":
			adapter, err = chain.NewStubAdapter(currency, chain.CheckBTCAddress)
		default:
			adapter, err = chain.NewStubAdapter(currency, nil)
		}
		if err != nil {
			return nil, fmt.Errorf("adapter for %s: %w", currency, err)
		}
		if err := chains.Register(adapter); err != nil {
			return nil, err
		}
	}
	return chains, nil
}

// selfProvider feeds the presence layer the node's own advertised record,
// preferring the live registry row over static configuration.
func selfProvider(cfg *config.Config, reg *registry.Engine) func() p2p.PeerInfo {
	return func() p2p.PeerInfo {
		info := p2p.PeerInfo{
			NodeID:       cfg.NodeID,
			Capabilities: cfg.Capabilities,
			Status:       string(registry.StatusHealthy),
		}
		if node, err := reg.Get(cfg.NodeID); err == nil {
			info.Capabilities = node.CapabilityList()
			info.Reputation = node.Reputation
			info.Status = string(node.Status)
		}
		return info
	}
}

// workerLoop drains the task queue for the local node: claim, start, run in
// the sandbox, then report the outcome. Assignment races with other workers
// and remote nodes are expected; Conflict just means someone else won.
func workerLoop(ctx context.Context, cfg *config.Config, sched *tasks.Engine, executor *sandbox.Executor, log *slog.Logger) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		available, err := sched.AvailableFor(cfg.Capabilities)
		if err != nil {
			log.Warn("list available tasks failed", "error", err)
			continue
		}
		for i := range available {
			if ctx.Err() != nil {
				return
			}
			runTask(ctx, cfg.NodeID, sched, executor, &available[i], log)
		}
	}
}

func runTask(ctx context.Context, nodeID string, sched *tasks.Engine, executor *sandbox.Executor, task *tasks.Task, log *slog.Logger) {
	if _, err := sched.Assign(task.TaskID, nodeID); err != nil {
		if !coreerr.HasCode(err, coreerr.CodeConflict) {
			log.Warn("assign failed", "taskId", task.TaskID, "error", err)
		}
		return
	}
	claimed, err := sched.Start(task.TaskID, nodeID)
	if err != nil {
		log.Warn("start failed", "taskId", task.TaskID, "error", err)
		return
	}

	result, err := executor.Execute(ctx, claimed)
	switch {
	case err != nil:
		if _, failErr := sched.Fail(task.TaskID, nodeID, err.Error()); failErr != nil {
			log.Warn("report failure failed", "taskId", task.TaskID, "error", failErr)
		}
	case result.TimedOut:
		if _, toErr := sched.ReportTimeout(task.TaskID, nodeID); toErr != nil {
			log.Warn("report timeout failed", "taskId", task.TaskID, "error", toErr)
		}
	case result.OK:
		if _, doneErr := sched.Complete(task.TaskID, nodeID, result.Output, result.Duration); doneErr != nil {
			log.Warn("report completion failed", "taskId", task.TaskID, "error", doneErr)
		}
	default:
		if _, failErr := sched.Fail(task.TaskID, nodeID, result.ErrorMessage); failErr != nil {
			log.Warn("report failure failed", "taskId", task.TaskID, "error", failErr)
		}
	}
}

// registryHook bridges presence sightings into registry state.
type registryHook struct {
	reg *registry.Engine
}

func (h *registryHook) RegisterPeer(info p2p.PeerInfo) error {
	_, err := h.reg.Register(registry.RegisterRequest{
		NodeID:       info.NodeID,
		Address:      info.Address,
		Capabilities: info.Capabilities,
	})
	return err
}

func (h *registryHook) Heartbeat(nodeID string) error {
	return h.reg.Heartbeat(nodeID, nil)
}

func (h *registryHook) SetStatus(nodeID, status string) error {
	parsed, err := registry.ParseStatus(status)
	if err != nil {
		return err
	}
	return h.reg.SetStatus(nodeID, parsed, nil)
}

// reputationBridge feeds the scheduler's completion cascade into node
// reputation.
type reputationBridge struct {
	reg *registry.Engine
}

func (b *reputationBridge) ApplyReputation(nodeID string, event reputation.EventType) error {
	_, err := b.reg.UpdateReputation(nodeID, event, nil, nil)
	return err
}

// settlementBridge completes the escrow contract tied to a finished task.
// When a chain adapter exists for the contract currency it pushes the split
// payout on chain and records the payout hash; without one the contract
// still settles with the internal ledger movements only.
type settlementBridge struct {
	escrow        *escrow.Engine
	chains        *chain.Registry
	shareBps      uint32
	communityDest string
	log           *slog.Logger
}

func (b *settlementBridge) CompleteContract(contractID string) error {
	contract, err := b.escrow.Get(contractID)
	if err != nil {
		return err
	}
	// A contract the buyer only funded has not been started by anyone yet;
	// the finished task is the work, so advance it here. Conflict means a
	// racing caller already did.
	if contract.Status == escrow.StatusFunded {
		if _, err := b.escrow.Start(contractID); err != nil && !coreerr.HasCode(err, coreerr.CodeConflict) {
			return err
		}
	}
	txHash := ""
	if adapter, err := b.chains.Lookup(contract.Currency); err == nil {
		units, perr := common.ParseAmount(contract.Amount, contract.Currency)
		if perr != nil {
			return perr
		}
		payout, share := common.SplitShare(units, b.shareBps)
		ctx, done := context.WithTimeout(context.Background(), 30*time.Second)
		defer done()
		hash, serr := adapter.Send(ctx, "seller_"+contract.SellerID, payout)
		if serr != nil {
			b.log.Warn("on-chain payout failed, settling ledger only",
				"contractId", contractID, "currency", contract.Currency, "error", serr)
		} else {
			txHash = hash
			if share.Sign() > 0 {
				if _, serr := adapter.Send(ctx, b.communityDest, share); serr != nil {
					b.log.Warn("on-chain community share failed",
						"contractId", contractID, "currency", contract.Currency, "error", serr)
				}
			}
		}
	}
	_, err = b.escrow.Complete(contractID, txHash)
	return err
}
