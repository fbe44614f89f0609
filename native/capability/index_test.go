package capability

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestLookupMatchAllAndAny(t *testing.T) {
	ix := NewIndex()
	ix.Add("n1", []string{"python", "compute"})
	ix.Add("n2", []string{"python"})

	all := ix.Lookup([]string{"python", "compute"}, true)
	if !reflect.DeepEqual(all, []string{"n1"}) {
		t.Fatalf("match_all: want [n1] got %v", all)
	}
	any := ix.Lookup([]string{"python", "compute"}, false)
	if !reflect.DeepEqual(any, []string{"n1", "n2"}) {
		t.Fatalf("match_any: want [n1 n2] got %v", any)
	}
}

func TestLookupEmptySetReturnsAllNodes(t *testing.T) {
	ix := NewIndex()
	ix.Add("n1", []string{"gpu"})
	ix.Add("n2", []string{"python"})
	got := ix.Lookup(nil, true)
	if !reflect.DeepEqual(got, []string{"n1", "n2"}) {
		t.Fatalf("empty lookup: want all nodes, got %v", got)
	}
}

func TestLookupUnknownCapEmpty(t *testing.T) {
	ix := NewIndex()
	ix.Add("n1", []string{"python"})
	if got := ix.Lookup([]string{"quantum"}, true); len(got) != 0 {
		t.Fatalf("unknown cap must match nothing, got %v", got)
	}
}

func TestReplaceKeepsBothDirectionsConsistent(t *testing.T) {
	ix := NewIndex()
	ix.Add("n1", []string{"python", "gpu"})
	ix.Replace("n1", []string{"rust"})

	if got := ix.Capabilities("n1"); !reflect.DeepEqual(got, []string{"rust"}) {
		t.Fatalf("node->caps after replace: %v", got)
	}
	if got := ix.Lookup([]string{"python"}, true); len(got) != 0 {
		t.Fatalf("stale cap->node entry after replace: %v", got)
	}
	if got := ix.Lookup([]string{"rust"}, true); !reflect.DeepEqual(got, []string{"n1"}) {
		t.Fatalf("cap->node after replace: %v", got)
	}
}

func TestRemoveDropsAllEntries(t *testing.T) {
	ix := NewIndex()
	ix.Add("n1", []string{"python"})
	ix.Remove("n1")
	if got := ix.Lookup(nil, true); len(got) != 0 {
		t.Fatalf("index not empty after remove: %v", got)
	}
	stats := ix.Stats()
	if stats.Nodes != 0 || len(stats.PerCap) != 0 {
		t.Fatalf("stats not empty after remove: %+v", stats)
	}
}

func TestAddDeduplicatesTags(t *testing.T) {
	ix := NewIndex()
	ix.Add("n1", []string{"python", "Python", " PYTHON "})
	if got := ix.Capabilities("n1"); !reflect.DeepEqual(got, []string{"python"}) {
		t.Fatalf("capability set must be a set: %v", got)
	}
}

func TestStatsMostCommon(t *testing.T) {
	ix := NewIndex()
	ix.Add("n1", []string{"python", "gpu"})
	ix.Add("n2", []string{"python"})
	stats := ix.Stats()
	if stats.MostCommon != "python" || stats.PerCap["python"] != 2 || stats.PerCap["gpu"] != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestValidate(t *testing.T) {
	if ok, std := Validate("python"); !ok || !std {
		t.Fatalf("python: well_formed=%v standard=%v", ok, std)
	}
	if ok, std := Validate("my-custom_cap"); !ok || std {
		t.Fatalf("custom cap: well_formed=%v standard=%v", ok, std)
	}
	for _, bad := range []string{"", "UPPER CASE SPACES!", "-leading", "way_too_long_______________________________"} {
		if ok, _ := Validate(bad); ok {
			t.Fatalf("%q should be malformed", bad)
		}
	}
}

func TestLoadVocabulary(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "caps.yaml")
	if err := os.WriteFile(path, []byte("capabilities:\n  - quantum\n  - python\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		vocabMu.Lock()
		standard = buildSet(defaultVocabulary)
		vocabMu.Unlock()
	})
	if err := LoadVocabulary(path); err != nil {
		t.Fatalf("load vocabulary: %v", err)
	}
	if _, std := Validate("quantum"); !std {
		t.Fatal("quantum should be standard after vocabulary load")
	}
	if _, std := Validate("gpu"); std {
		t.Fatal("gpu should no longer be standard after replacement")
	}
}
