package capability

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// capPattern constrains capability tags to short lowercase identifiers.
var capPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_\-]{0,31}$`)

// defaultVocabulary is the compiled-in set of standard capability tags.
// Deployments can widen it through a vocabulary file.
var defaultVocabulary = []string{
	"compute", "gpu", "cpu-intensive", "memory-intensive",
	"storage", "bandwidth", "python", "javascript", "rust", "go",
	"docker", "ml", "rendering", "transcoding", "scraping",
}

var (
	vocabMu  sync.RWMutex
	standard = buildSet(defaultVocabulary)
)

type vocabularyFile struct {
	Capabilities []string `yaml:"capabilities"`
}

func buildSet(caps []string) map[string]struct{} {
	set := make(map[string]struct{}, len(caps))
	for _, cap := range caps {
		if n := Normalize(cap); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

// Normalize lowercases and trims a capability tag.
func Normalize(cap string) string {
	return strings.ToLower(strings.TrimSpace(cap))
}

// LoadVocabulary replaces the standard vocabulary from a YAML file with a
// top-level `capabilities` list.
func LoadVocabulary(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read capability vocabulary: %w", err)
	}
	var file vocabularyFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse capability vocabulary: %w", err)
	}
	if len(file.Capabilities) == 0 {
		return fmt.Errorf("capability vocabulary %s lists no capabilities", path)
	}
	vocabMu.Lock()
	standard = buildSet(file.Capabilities)
	vocabMu.Unlock()
	return nil
}

// StandardCapabilities returns the sorted standard vocabulary.
func StandardCapabilities() []string {
	vocabMu.RLock()
	defer vocabMu.RUnlock()
	caps := make([]string, 0, len(standard))
	for cap := range standard {
		caps = append(caps, cap)
	}
	sort.Strings(caps)
	return caps
}

// Validate reports whether cap is well formed and whether it belongs to the
// standard vocabulary. Well-formed non-standard tags are accepted as custom
// capabilities.
func Validate(cap string) (wellFormed, isStandard bool) {
	normalized := Normalize(cap)
	if !capPattern.MatchString(normalized) {
		return false, false
	}
	vocabMu.RLock()
	_, ok := standard[normalized]
	vocabMu.RUnlock()
	return true, ok
}
