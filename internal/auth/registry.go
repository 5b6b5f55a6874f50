// Package auth maps agent classes to capability sets and gates commands.
//
// Authorization is a pure function over the loaded registry: no datastore
// access, no dynamic dispatch. The caller's class arrives via CALLER_CLASS.
package auth

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Capability is a named permission gating commands and task routing.
type Capability string

const (
	CapManage      Capability = "manage"
	CapCode        Capability = "code"
	CapBuild       Capability = "build"
	CapReview      Capability = "review"
	CapTest        Capability = "test"
	CapInvestigate Capability = "investigate"
	CapPlan        Capability = "plan"

	// CapHPWrite is held by daemons only. It authorizes HP telemetry writes
	// without promoting the agent class for any other command.
	CapHPWrite Capability = "hp_write"
)

// ClassLead is referenced throughout routing (auto-CC, force release, close).
const ClassLead = "lead"

//go:embed classes.yaml
var defaultRegistryYAML []byte

type rawRegistry struct {
	Capabilities []string `yaml:"capabilities"`
	Classes      map[string]struct {
		Capabilities     []string `yaml:"capabilities"`
		StalenessMinutes int      `yaml:"staleness_minutes"`
	} `yaml:"classes"`
}

// Registry holds the parsed class definitions.
type Registry struct {
	capabilities map[Capability]struct{}
	classCaps    map[string]map[Capability]struct{}
	staleness    map[string]time.Duration
}

// LoadRegistry reads <docsDir>/flows/_agent-classes.yaml, falling back to the
// built-in defaults when the file does not exist. A present but malformed
// registry is a hard failure.
func LoadRegistry(docsDir string) (*Registry, error) {
	if docsDir != "" {
		path := filepath.Join(docsDir, "flows", "_agent-classes.yaml")
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			reg, perr := parseRegistry(data)
			if perr != nil {
				return nil, fmt.Errorf("agent class registry %s: %w", path, perr)
			}
			return reg, nil
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("agent class registry %s: %w", path, err)
		}
	}
	return parseRegistry(defaultRegistryYAML)
}

// DefaultRegistry returns the built-in registry. Panics only if the embedded
// YAML is broken, which a unit test guards against.
func DefaultRegistry() *Registry {
	reg, err := parseRegistry(defaultRegistryYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded class registry is invalid: %v", err))
	}
	return reg
}

func parseRegistry(data []byte) (*Registry, error) {
	var raw rawRegistry
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if len(raw.Capabilities) == 0 {
		return nil, fmt.Errorf("capabilities list is empty")
	}
	if len(raw.Classes) == 0 {
		return nil, fmt.Errorf("classes map is empty")
	}

	reg := &Registry{
		capabilities: make(map[Capability]struct{}, len(raw.Capabilities)),
		classCaps:    make(map[string]map[Capability]struct{}, len(raw.Classes)),
		staleness:    make(map[string]time.Duration, len(raw.Classes)),
	}
	for _, c := range raw.Capabilities {
		reg.capabilities[Capability(c)] = struct{}{}
	}
	for name, cfg := range raw.Classes {
		caps := make(map[Capability]struct{}, len(cfg.Capabilities))
		for _, c := range cfg.Capabilities {
			cap := Capability(c)
			if _, ok := reg.capabilities[cap]; !ok {
				return nil, fmt.Errorf("class %q has unknown capability %q", name, c)
			}
			caps[cap] = struct{}{}
		}
		if cfg.StalenessMinutes <= 0 {
			return nil, fmt.Errorf("class %q has no staleness_minutes", name)
		}
		reg.classCaps[name] = caps
		reg.staleness[name] = time.Duration(cfg.StalenessMinutes) * time.Minute
	}
	return reg, nil
}

// ValidClass reports whether name is a registered class.
func (r *Registry) ValidClass(name string) bool {
	_, ok := r.classCaps[name]
	return ok
}

// Classes returns all class names, sorted.
func (r *Registry) Classes() []string {
	out := make([]string, 0, len(r.classCaps))
	for name := range r.classCaps {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// HasCapability reports whether class holds cap.
func (r *Registry) HasCapability(class string, cap Capability) bool {
	caps, ok := r.classCaps[class]
	if !ok {
		return false
	}
	_, ok = caps[cap]
	return ok
}

// ClassesWith returns all classes holding cap, sorted.
func (r *Registry) ClassesWith(cap Capability) []string {
	var out []string
	for name, caps := range r.classCaps {
		if _, ok := caps[cap]; ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Staleness returns the context staleness window for a class. Unknown classes
// get the tightest window.
func (r *Registry) Staleness(class string) time.Duration {
	if d, ok := r.staleness[class]; ok {
		return d
	}
	return 5 * time.Minute
}
