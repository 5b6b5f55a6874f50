package daemon

import (
	"os"
	"path/filepath"
	"strings"
)

// Contract documents are external, read-only text files under the docs
// directory. They carry the prompt scaffolding and the provider compaction
// vocabulary so neither is hard-coded.

// defaultCompactionMarkers is the fallback vocabulary used when no contract
// document overrides it.
var defaultCompactionMarkers = []string{
	"conversation was compacted",
	"context has been compacted",
	"summary of the conversation so far",
}

// Contracts is the loaded set of contract documents.
type Contracts struct {
	// BootRules is the prompt text injected into every turn, per class.
	// The "default" key applies when a class has no document of its own.
	BootRules map[string]string
	// CompactionMarkers are the substrings that indicate provider context
	// compaction.
	CompactionMarkers []string
}

// LoadContracts reads contract documents from <docsDir>/contracts. Missing
// documents fall back to built-in defaults; a missing directory yields a
// fully defaulted set.
func LoadContracts(docsDir string) *Contracts {
	c := &Contracts{
		BootRules:         map[string]string{},
		CompactionMarkers: defaultCompactionMarkers,
	}
	dir := filepath.Join(docsDir, "contracts")

	if markers := readLines(filepath.Join(dir, "compaction-markers.txt")); len(markers) > 0 {
		c.CompactionMarkers = markers
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return c
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "rules-") || !strings.HasSuffix(name, ".md") {
			continue
		}
		class := strings.TrimSuffix(strings.TrimPrefix(name, "rules-"), ".md")
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		c.BootRules[class] = string(data)
	}
	return c
}

// RulesFor returns the boot rules for a class, falling back to the default
// document, then to empty.
func (c *Contracts) RulesFor(class string) string {
	if rules, ok := c.BootRules[class]; ok {
		return rules
	}
	return c.BootRules["default"]
}

// DetectCompaction reports whether a stream chunk contains any compaction
// marker.
func (c *Contracts) DetectCompaction(chunk string) bool {
	lower := strings.ToLower(chunk)
	for _, m := range c.CompactionMarkers {
		if strings.Contains(lower, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// readLines reads a file as trimmed, non-empty, non-comment lines.
func readLines(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}
