package registry

import (
	"testing"
	"time"

	coreerr "duxnet/core/errors"
	"duxnet/native/capability"
	"duxnet/native/reputation"
	"duxnet/storage"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	store, err := storage.Open(":memory:", &Node{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return NewEngine(store, capability.NewIndex(), reputation.NewEngine())
}

func mustRegister(t *testing.T, e *Engine, nodeID, address string, caps []string) *Node {
	t.Helper()
	node, err := e.Register(RegisterRequest{NodeID: nodeID, Address: address, Capabilities: caps})
	if err != nil {
		t.Fatalf("register %s: %v", nodeID, err)
	}
	return node
}

func TestRegisterAndCapabilityQuery(t *testing.T) {
	e := newTestEngine(t)
	mustRegister(t, e, "n1", "10.0.0.1:9000", []string{"python", "compute"})
	mustRegister(t, e, "n2", "10.0.0.2:9000", []string{"python"})

	all, err := e.Query(QueryFilter{Capabilities: []string{"python", "compute"}, MatchAll: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].NodeID != "n1" {
		t.Fatalf("match_all query: want [n1], got %v", nodeIDs(all))
	}

	any, err := e.Query(QueryFilter{Capabilities: []string{"python", "compute"}, MatchAll: false})
	if err != nil {
		t.Fatal(err)
	}
	if len(any) != 2 {
		t.Fatalf("match_any query: want both nodes, got %v", nodeIDs(any))
	}
}

func nodeIDs(nodes []Node) []string {
	ids := make([]string, len(nodes))
	for i := range nodes {
		ids[i] = nodes[i].NodeID
	}
	return ids
}

func TestRegisterValidation(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.Register(RegisterRequest{NodeID: "", Address: "1.2.3.4:1"}); !coreerr.IsValidation(err) {
		t.Fatalf("empty node_id: want validation, got %v", err)
	}
	if _, err := e.Register(RegisterRequest{NodeID: "n1", Address: "  "}); !coreerr.IsValidation(err) {
		t.Fatalf("empty address: want validation, got %v", err)
	}
	if _, err := e.Register(RegisterRequest{NodeID: "n1", Address: "1.2.3.4:1", Capabilities: []string{"BAD CAP!"}}); !coreerr.IsValidation(err) {
		t.Fatalf("malformed capability: want validation, got %v", err)
	}
}

func TestReRegisterReplacesAddressAndCaps(t *testing.T) {
	e := newTestEngine(t)
	mustRegister(t, e, "n1", "10.0.0.1:9000", []string{"python"})
	if err := e.SetStatus("n1", StatusUnhealthy, nil); err != nil {
		t.Fatal(err)
	}

	node := mustRegister(t, e, "n1", "10.0.0.9:9100", []string{"rust"})
	if node.Address != "10.0.0.9:9100" {
		t.Fatalf("address not replaced: %s", node.Address)
	}
	if node.Status != StatusHealthy {
		t.Fatalf("re-registration must reset status to healthy, got %s", node.Status)
	}
	caps := node.CapabilityList()
	if len(caps) != 1 || caps[0] != "rust" {
		t.Fatalf("capabilities not replaced: %v", caps)
	}
	// Index must agree.
	if got, _ := e.Query(QueryFilter{Capabilities: []string{"python"}, MatchAll: true}); len(got) != 0 {
		t.Fatalf("stale capability index after re-register: %v", nodeIDs(got))
	}
}

func TestHeartbeat(t *testing.T) {
	e := newTestEngine(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e.SetNowFunc(func() time.Time { return base })
	mustRegister(t, e, "n1", "10.0.0.1:9000", nil)
	if err := e.SetStatus("n1", StatusUnhealthy, nil); err != nil {
		t.Fatal(err)
	}

	later := base.Add(10 * time.Minute)
	e.SetNowFunc(func() time.Time { return later })
	if err := e.Heartbeat("n1", nil); err != nil {
		t.Fatal(err)
	}
	node, err := e.Get("n1")
	if err != nil {
		t.Fatal(err)
	}
	if !node.LastHeartbeat.Equal(later) {
		t.Fatalf("heartbeat not refreshed: %v", node.LastHeartbeat)
	}
	if node.Status != StatusUnhealthy {
		t.Fatalf("heartbeat must never change status, got %s", node.Status)
	}
	if err := e.Heartbeat("ghost", nil); !coreerr.IsNotFound(err) {
		t.Fatalf("heartbeat on unknown node: want not_found, got %v", err)
	}
}

func TestUpdateReputationClampAtUpperBound(t *testing.T) {
	e := newTestEngine(t)
	mustRegister(t, e, "n1", "10.0.0.1:9000", nil)

	override := 95.0
	update, err := e.UpdateReputation("n1", reputation.EventTaskSuccess, &override, nil)
	if err != nil {
		t.Fatal(err)
	}
	if update.New != 95 || update.Clamped {
		t.Fatalf("override apply: %+v", update)
	}

	update, err = e.UpdateReputation("n1", reputation.EventTaskSuccess, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if update.New != 100 || !update.Clamped || update.Delta != 5 {
		t.Fatalf("clamp at 100: %+v", update)
	}

	node, _ := e.Get("n1")
	if node.Reputation != 100 {
		t.Fatalf("clamped score not persisted: %v", node.Reputation)
	}
}

func TestDeregisterRemovesRecordAndIndex(t *testing.T) {
	e := newTestEngine(t)
	mustRegister(t, e, "n1", "10.0.0.1:9000", []string{"python"})
	if err := e.Deregister("n1", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Get("n1"); !coreerr.IsNotFound(err) {
		t.Fatalf("record still present: %v", err)
	}
	if got, _ := e.Query(QueryFilter{Capabilities: []string{"python"}, MatchAll: true}); len(got) != 0 {
		t.Fatalf("index entry survived deregister: %v", nodeIDs(got))
	}
	if err := e.Deregister("n1", nil); !coreerr.IsNotFound(err) {
		t.Fatalf("double deregister: want not_found, got %v", err)
	}
}

func TestQueryFiltersAndOrdering(t *testing.T) {
	e := newTestEngine(t)
	mustRegister(t, e, "lo", "10.0.0.1:1", []string{"compute"})
	mustRegister(t, e, "hi", "10.0.0.2:1", []string{"compute"})
	mustRegister(t, e, "gpu", "10.0.0.3:1", []string{"compute"})

	boost := 40.0
	if _, err := e.UpdateReputation("hi", reputation.EventTaskSuccess, &boost, nil); err != nil {
		t.Fatal(err)
	}
	small := 10.0
	if _, err := e.UpdateReputation("gpu", reputation.EventTaskSuccess, &small, nil); err != nil {
		t.Fatal(err)
	}

	nodes, err := e.Query(QueryFilter{Capabilities: []string{"compute"}, MatchAll: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 3 || nodes[0].NodeID != "hi" || nodes[1].NodeID != "gpu" || nodes[2].NodeID != "lo" {
		t.Fatalf("reputation-desc ordering broken: %v", nodeIDs(nodes))
	}

	filtered, err := e.Query(QueryFilter{Capabilities: []string{"compute"}, MatchAll: true, MinReputation: 20})
	if err != nil {
		t.Fatal(err)
	}
	if len(filtered) != 1 || filtered[0].NodeID != "hi" {
		t.Fatalf("min reputation filter: %v", nodeIDs(filtered))
	}
}

func TestQueryHardwareFilter(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.Register(RegisterRequest{
		NodeID: "big", Address: "10.0.0.1:1", Capabilities: []string{"compute"},
		Metadata: map[string]any{"cpu_cores": 16, "memory_gb": 64.0, "storage_gb": 500.0, "gpu": true},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Register(RegisterRequest{
		NodeID: "small", Address: "10.0.0.2:1", Capabilities: []string{"compute"},
		Metadata: map[string]any{"cpu_cores": 2, "memory_gb": 4.0},
	}); err != nil {
		t.Fatal(err)
	}

	nodes, err := e.Query(QueryFilter{
		Capabilities: []string{"compute"}, MatchAll: true,
		MinCPUCores: 8, MinMemoryGB: 32, GPURequired: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 1 || nodes[0].NodeID != "big" {
		t.Fatalf("hardware filter: %v", nodeIDs(nodes))
	}
}

func TestCapabilityEdits(t *testing.T) {
	e := newTestEngine(t)
	mustRegister(t, e, "n1", "10.0.0.1:9000", []string{"python"})

	node, err := e.AddCapabilities("n1", []string{"gpu", "python"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	caps := node.CapabilityList()
	if len(caps) != 2 || caps[0] != "gpu" || caps[1] != "python" {
		t.Fatalf("add: %v", caps)
	}

	node, err = e.RemoveCapabilities("n1", []string{"python", "never-had"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if caps := node.CapabilityList(); len(caps) != 1 || caps[0] != "gpu" {
		t.Fatalf("remove: %v", caps)
	}
	if got, _ := e.NodesByCapability("python"); len(got) != 0 {
		t.Fatalf("index stale after remove: %v", nodeIDs(got))
	}

	node, err = e.UpdateCapabilities("n1", []string{"rust"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if caps := node.CapabilityList(); len(caps) != 1 || caps[0] != "rust" {
		t.Fatalf("update: %v", caps)
	}
	if got, _ := e.NodesByCapability("rust"); len(got) != 1 {
		t.Fatalf("index not refreshed after update: %v", nodeIDs(got))
	}

	if _, err := e.AddCapabilities("n1", []string{"BAD CAP"}, nil); !coreerr.IsValidation(err) {
		t.Fatalf("malformed capability: %v", err)
	}
	if _, err := e.AddCapabilities("ghost", []string{"gpu"}, nil); !coreerr.IsNotFound(err) {
		t.Fatalf("unknown node: %v", err)
	}
}

func TestMarkOfflinePass(t *testing.T) {
	e := newTestEngine(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e.SetNowFunc(func() time.Time { return base })
	e.SetOfflineThreshold(time.Hour)
	mustRegister(t, e, "fresh", "10.0.0.1:1", nil)
	mustRegister(t, e, "stale", "10.0.0.2:1", nil)

	e.SetNowFunc(func() time.Time { return base.Add(30 * time.Minute) })
	if err := e.Heartbeat("fresh", nil); err != nil {
		t.Fatal(err)
	}

	e.SetNowFunc(func() time.Time { return base.Add(90 * time.Minute) })
	n, err := e.MarkOfflinePass()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected one stale node, got %d", n)
	}
	stale, _ := e.Get("stale")
	fresh, _ := e.Get("fresh")
	if stale.Status != StatusOffline || fresh.Status != StatusHealthy {
		t.Fatalf("liveness policy broken: stale=%s fresh=%s", stale.Status, fresh.Status)
	}
}

func TestRebuildRestoresIndex(t *testing.T) {
	store, err := storage.Open(":memory:", &Node{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	first := NewEngine(store, capability.NewIndex(), reputation.NewEngine())
	if _, err := first.Register(RegisterRequest{NodeID: "n1", Address: "10.0.0.1:1", Capabilities: []string{"python"}}); err != nil {
		t.Fatal(err)
	}

	// A fresh engine over the same store starts with an empty index until
	// Rebuild replays the node table.
	second := NewEngine(store, capability.NewIndex(), reputation.NewEngine())
	if got, _ := second.Query(QueryFilter{Capabilities: []string{"python"}, MatchAll: true}); len(got) != 0 {
		t.Fatal("index unexpectedly warm before rebuild")
	}
	if err := second.Rebuild(); err != nil {
		t.Fatal(err)
	}
	got, err := second.Query(QueryFilter{Capabilities: []string{"python"}, MatchAll: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].NodeID != "n1" {
		t.Fatalf("rebuild did not restore the index: %v", nodeIDs(got))
	}
}
