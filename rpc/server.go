package rpc

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"duxnet/chain"
	coreerr "duxnet/core/errors"
	"duxnet/native/capability"
	"duxnet/native/escrow"
	"duxnet/native/registry"
	"duxnet/native/reputation"
	"duxnet/native/tasks"
	"duxnet/p2p"
)

// Options wires the API surface to the engines it fronts. Nil fields
// disable their route groups.
type Options struct {
	Registry  *registry.Engine
	Index     *capability.Index
	Scheduler *tasks.Engine
	Escrow    *escrow.Engine
	Chains    *chain.Registry
	Presence  *p2p.Node

	// AuthTokenSecret enables JWT bearer auth for the /v1 routes when
	// non-empty.
	AuthTokenSecret string
}

// Server exposes the registry, task and escrow APIs over HTTP.
type Server struct {
	opts    Options
	handler http.Handler
}

func NewServer(opts Options) *Server {
	s := &Server{opts: opts}
	s.handler = s.buildRouter()
	return s
}

// Handler returns the fully wired router, wrapped for tracing.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.handler, "duxnet.api")
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		if s.opts.AuthTokenSecret != "" {
			v1.Use(bearerAuth(s.opts.AuthTokenSecret))
		}
		if s.opts.Registry != nil {
			v1.Route("/registry", s.registryRoutes)
		}
		if s.opts.Scheduler != nil {
			v1.Route("/tasks", s.taskRoutes)
		}
		if s.opts.Escrow != nil {
			v1.Route("/escrow", s.escrowRoutes)
		}
		if s.opts.Chains != nil {
			v1.Route("/chain", s.chainRoutes)
		}
		if s.opts.Presence != nil {
			v1.Get("/p2p/peers", s.listPeers)
		}
	})
	return r
}

// ---- registry ----

func (s *Server) registryRoutes(r chi.Router) {
	r.Post("/nodes", s.registerNode)
	r.Get("/nodes", s.listNodes)
	r.Post("/nodes/query", s.queryNodes)
	r.Get("/nodes/{nodeID}", s.getNode)
	r.Delete("/nodes/{nodeID}", s.deregisterNode)
	r.Post("/nodes/{nodeID}/heartbeat", s.heartbeat)
	r.Put("/nodes/{nodeID}/status", s.setNodeStatus)
	r.Post("/nodes/{nodeID}/reputation", s.updateReputation)
	r.Post("/nodes/{nodeID}/capabilities", s.editCapabilities)
	r.Get("/capabilities", s.capabilityStatistics)
	r.Get("/capabilities/{capability}/nodes", s.nodesByCapability)
	r.Get("/capabilities/validate", s.validateCapability)
}

func (s *Server) registerNode(w http.ResponseWriter, r *http.Request) {
	var req registry.RegisterRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	node, err := s.opts.Registry.Register(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, node)
}

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.opts.Registry.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

type queryNodesRequest struct {
	Capabilities  []string `json:"capabilities"`
	MatchAll      bool     `json:"match_all"`
	MinReputation float64  `json:"min_reputation"`
	HealthyOnly   bool     `json:"healthy_only"`
	MinCPUCores   int      `json:"min_cpu_cores"`
	MinMemoryGB   float64  `json:"min_memory_gb"`
	MinStorageGB  float64  `json:"min_storage_gb"`
	GPURequired   bool     `json:"gpu_required"`
}

func (s *Server) queryNodes(w http.ResponseWriter, r *http.Request) {
	var req queryNodesRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	nodes, err := s.opts.Registry.Query(registry.QueryFilter{
		Capabilities:  req.Capabilities,
		MatchAll:      req.MatchAll,
		MinReputation: req.MinReputation,
		HealthyOnly:   req.HealthyOnly,
		MinCPUCores:   req.MinCPUCores,
		MinMemoryGB:   req.MinMemoryGB,
		MinStorageGB:  req.MinStorageGB,
		GPURequired:   req.GPURequired,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

func (s *Server) getNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.opts.Registry.Get(chi.URLParam(r, "nodeID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) deregisterNode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Auth *registry.AuthData `json:"auth_data"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.opts.Registry.Deregister(chi.URLParam(r, "nodeID"), req.Auth); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": true})
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Auth *registry.AuthData `json:"auth_data"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.opts.Registry.Heartbeat(chi.URLParam(r, "nodeID"), req.Auth); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) setNodeStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string             `json:"status"`
		Auth   *registry.AuthData `json:"auth_data"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	status, err := registry.ParseStatus(req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.opts.Registry.SetStatus(chi.URLParam(r, "nodeID"), status, req.Auth); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) updateReputation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Event       string             `json:"event"`
		CustomDelta *float64           `json:"custom_delta,omitempty"`
		Auth        *registry.AuthData `json:"auth_data"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	event, err := reputation.ParseEventType(req.Event)
	if err != nil {
		writeError(w, err)
		return
	}
	update, err := s.opts.Registry.UpdateReputation(chi.URLParam(r, "nodeID"), event, req.CustomDelta, req.Auth)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, update)
}

func (s *Server) editCapabilities(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action       string             `json:"action"`
		Capabilities []string           `json:"capabilities"`
		Auth         *registry.AuthData `json:"auth_data"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	nodeID := chi.URLParam(r, "nodeID")
	var (
		node *registry.Node
		err  error
	)
	switch req.Action {
	case "add":
		node, err = s.opts.Registry.AddCapabilities(nodeID, req.Capabilities, req.Auth)
	case "remove":
		node, err = s.opts.Registry.RemoveCapabilities(nodeID, req.Capabilities, req.Auth)
	case "update":
		node, err = s.opts.Registry.UpdateCapabilities(nodeID, req.Capabilities, req.Auth)
	default:
		err = coreerr.E(coreerr.CodeValidation, "unknown capability action: %q", req.Action)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) nodesByCapability(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.opts.Registry.NodesByCapability(chi.URLParam(r, "capability"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

func (s *Server) capabilityStatistics(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"available": capability.StandardCapabilities(),
	}
	if s.opts.Index != nil {
		body["statistics"] = s.opts.Index.Stats()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) validateCapability(w http.ResponseWriter, r *http.Request) {
	cap := r.URL.Query().Get("capability")
	wellFormed, isStandard := capability.Validate(cap)
	writeJSON(w, http.StatusOK, map[string]any{
		"capability":  cap,
		"well_formed": wellFormed,
		"standard":    isStandard,
	})
}

// ---- tasks ----

func (s *Server) taskRoutes(r chi.Router) {
	r.Post("/", s.submitTask)
	r.Post("/available", s.availableTasks)
	r.Get("/statistics", s.taskStatistics)
	r.Get("/{taskID}", s.getTask)
	r.Post("/{taskID}/assign", s.assignTask)
	r.Post("/{taskID}/start", s.startTask)
	r.Post("/{taskID}/complete", s.completeTask)
	r.Post("/{taskID}/fail", s.failTask)
	r.Post("/{taskID}/cancel", s.cancelTask)
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req tasks.SubmitRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	task, err := s.opts.Scheduler.Submit(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) availableTasks(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Capabilities []string `json:"capabilities"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	available, err := s.opts.Scheduler.AvailableFor(req.Capabilities)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": available})
}

func (s *Server) taskStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.opts.Scheduler.Statistics()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.opts.Scheduler.Get(chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) assignTask(w http.ResponseWriter, r *http.Request) {
	nodeID, err := nodeIDFromBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	task, err := s.opts.Scheduler.Assign(chi.URLParam(r, "taskID"), nodeID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) startTask(w http.ResponseWriter, r *http.Request) {
	nodeID, err := nodeIDFromBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	task, err := s.opts.Scheduler.Start(chi.URLParam(r, "taskID"), nodeID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) completeTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NodeID          string  `json:"node_id"`
		Result          string  `json:"result"`
		DurationSeconds float64 `json:"duration_seconds"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	task, err := s.opts.Scheduler.Complete(chi.URLParam(r, "taskID"), req.NodeID, req.Result,
		time.Duration(req.DurationSeconds*float64(time.Second)))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) failTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NodeID  string `json:"node_id"`
		Message string `json:"message"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	task, err := s.opts.Scheduler.Fail(chi.URLParam(r, "taskID"), req.NodeID, req.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.opts.Scheduler.Cancel(chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func nodeIDFromBody(r *http.Request) (string, error) {
	var req struct {
		NodeID string `json:"node_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		return "", err
	}
	if strings.TrimSpace(req.NodeID) == "" {
		return "", coreerr.E(coreerr.CodeValidation, "node_id required")
	}
	return req.NodeID, nil
}

// ---- escrow ----

func (s *Server) escrowRoutes(r chi.Router) {
	r.Post("/", s.createContract)
	r.Get("/", s.listContracts)
	r.Get("/statistics", s.escrowStatistics)
	r.Get("/{contractID}", s.getContract)
	r.Get("/{contractID}/transactions", s.contractTransactions)
	r.Post("/{contractID}/fund", s.fundContract)
	r.Post("/{contractID}/start", s.startContract)
	r.Post("/{contractID}/complete", s.completeContract)
	r.Post("/{contractID}/dispute", s.disputeContract)
	r.Post("/{contractID}/refund", s.refundContract)
	r.Post("/{contractID}/cancel", s.cancelContract)
}

func (s *Server) createContract(w http.ResponseWriter, r *http.Request) {
	var req escrow.CreateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	contract, err := s.opts.Escrow.Create(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, contract)
}

func (s *Server) listContracts(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	status := escrow.Status(r.URL.Query().Get("status"))
	contracts, err := s.opts.Escrow.ListByUser(userID, status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"contracts": contracts})
}

func (s *Server) escrowStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.opts.Escrow.Statistics()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) getContract(w http.ResponseWriter, r *http.Request) {
	contract, err := s.opts.Escrow.Get(chi.URLParam(r, "contractID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contract)
}

func (s *Server) contractTransactions(w http.ResponseWriter, r *http.Request) {
	movements, err := s.opts.Escrow.Transactions(chi.URLParam(r, "contractID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": movements})
}

func txHashFromBody(r *http.Request) (string, error) {
	var req struct {
		TxHash string `json:"tx_hash"`
	}
	if err := decodeBody(r, &req); err != nil {
		return "", err
	}
	return req.TxHash, nil
}

func (s *Server) fundContract(w http.ResponseWriter, r *http.Request) {
	txHash, err := txHashFromBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	contract, err := s.opts.Escrow.Fund(chi.URLParam(r, "contractID"), txHash)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contract)
}

func (s *Server) startContract(w http.ResponseWriter, r *http.Request) {
	contract, err := s.opts.Escrow.Start(chi.URLParam(r, "contractID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contract)
}

func (s *Server) completeContract(w http.ResponseWriter, r *http.Request) {
	txHash, err := txHashFromBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	contract, err := s.opts.Escrow.Complete(chi.URLParam(r, "contractID"), txHash)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contract)
}

func (s *Server) disputeContract(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InitiatorID string `json:"initiator_id"`
		Reason      string `json:"reason"`
		Evidence    string `json:"evidence,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	contract, err := s.opts.Escrow.Dispute(chi.URLParam(r, "contractID"), req.InitiatorID, req.Reason, req.Evidence)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contract)
}

func (s *Server) refundContract(w http.ResponseWriter, r *http.Request) {
	txHash, err := txHashFromBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	contract, err := s.opts.Escrow.Refund(chi.URLParam(r, "contractID"), txHash)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contract)
}

func (s *Server) cancelContract(w http.ResponseWriter, r *http.Request) {
	contract, err := s.opts.Escrow.Cancel(chi.URLParam(r, "contractID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contract)
}

// ---- chain / p2p ----

func (s *Server) chainRoutes(r chi.Router) {
	r.Get("/currencies", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"currencies": s.opts.Chains.Supported()})
	})
	r.Get("/{currency}/balance", s.chainBalance)
}

func (s *Server) chainBalance(w http.ResponseWriter, r *http.Request) {
	adapter, err := s.opts.Chains.Lookup(chi.URLParam(r, "currency"))
	if err != nil {
		writeError(w, err)
		return
	}
	balance, err := adapter.GetBalance(r.Context(), r.URL.Query().Get("address"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"currency": adapter.Currency(),
		"balance":  balance.String(),
	})
}

func (s *Server) listPeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"peers": s.opts.Presence.Peers()})
}
