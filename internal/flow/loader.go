package flow

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed flows/*.yaml
var bundledFlows embed.FS

var (
	validTopKeys   = map[string]bool{"name": true, "description": true, "stages": true, "inherits": true, "dead_ends": true, "initial": true}
	validStageKeys = map[string]bool{"description": true, "next": true, "fail": true, "alt_next": true, "workers": true, "requires": true, "terminal": true, "parked": true}
	validRequires  = map[string]bool{"submit_result": true}
)

// Loader resolves flow definitions from a directory, falling back to the
// bundled defaults. Parsed flows are cached for the process lifetime.
type Loader struct {
	dir string

	mu    sync.Mutex
	cache map[string]*Flow
}

// NewLoader creates a loader searching dir first (may be empty for
// bundled-only resolution).
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir, cache: make(map[string]*Flow)}
}

// Load parses, resolves inheritance for, and validates the named flow.
func (l *Loader) Load(name string) (*Flow, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if f, ok := l.cache[name]; ok {
		return f, nil
	}
	raw, err := l.resolve(name, map[string]bool{})
	if err != nil {
		return nil, err
	}
	f, err := buildFlow(name, raw)
	if err != nil {
		return nil, err
	}
	l.cache[name] = f
	return f, nil
}

// List returns the available flow names. Underscore-prefixed definitions are
// inheritance bases, not loadable flows.
func (l *Loader) List() ([]string, error) {
	names := map[string]bool{}

	entries, err := bundledFlows.ReadDir("flows")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		addFlowName(names, e.Name())
	}

	if l.dir != "" {
		dirEntries, err := os.ReadDir(l.dir)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		for _, e := range dirEntries {
			addFlowName(names, e.Name())
		}
	}

	out := make([]string, 0, len(names))
	for n := range names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

func addFlowName(names map[string]bool, filename string) {
	if !strings.HasSuffix(filename, ".yaml") || strings.HasPrefix(filename, "_") {
		return
	}
	names[strings.TrimSuffix(filename, ".yaml")] = true
}

// readRaw loads one definition file: the search directory wins over the
// bundled copy.
func (l *Loader) readRaw(name string) (map[string]any, error) {
	filename := name + ".yaml"
	var data []byte
	var err error
	if l.dir != "" {
		data, err = os.ReadFile(filepath.Join(l.dir, filename))
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	if data == nil {
		data, err = bundledFlows.ReadFile("flows/" + filename)
		if err != nil {
			return nil, fmt.Errorf("flow %q not found", name)
		}
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("flow %q: %w", name, err)
	}
	return raw, nil
}

// resolve loads a definition and merges its inheritance chain depth-first:
// child stages override parent stages key by key.
func (l *Loader) resolve(name string, visiting map[string]bool) (map[string]any, error) {
	if visiting[name] {
		return nil, fmt.Errorf("flow %q: inheritance cycle", name)
	}
	visiting[name] = true

	raw, err := l.readRaw(name)
	if err != nil {
		return nil, err
	}
	parentName, _ := raw["inherits"].(string)
	if parentName == "" {
		return raw, nil
	}
	parent, err := l.resolve(parentName, visiting)
	if err != nil {
		return nil, fmt.Errorf("flow %q: %w", name, err)
	}

	merged := map[string]any{}
	for k, v := range parent {
		merged[k] = v
	}
	for k, v := range raw {
		if k != "stages" {
			merged[k] = v
		}
	}
	delete(merged, "inherits")
	merged["stages"] = mergeStages(asMap(parent["stages"]), asMap(raw["stages"]))
	return merged, nil
}

func mergeStages(base, override map[string]any) map[string]any {
	merged := map[string]any{}
	for name, cfg := range base {
		merged[name] = asMap(cfg)
	}
	for name, cfg := range override {
		if baseCfg, ok := merged[name].(map[string]any); ok {
			out := map[string]any{}
			for k, v := range baseCfg {
				out[k] = v
			}
			for k, v := range asMap(cfg) {
				out[k] = v
			}
			merged[name] = out
		} else {
			merged[name] = asMap(cfg)
		}
	}
	return merged
}

func asMap(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	default:
		return map[string]any{}
	}
}

func asStringSlice(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

// buildFlow validates the merged document and constructs the Flow.
func buildFlow(name string, raw map[string]any) (*Flow, error) {
	for k := range raw {
		if !validTopKeys[k] {
			return nil, fmt.Errorf("flow %q: unknown top-level key %q", name, k)
		}
	}
	for _, required := range []string{"name", "description", "stages"} {
		if _, ok := raw[required]; !ok {
			return nil, fmt.Errorf("flow %q: missing required key %q", name, required)
		}
	}

	stagesRaw := asMap(raw["stages"])
	if len(stagesRaw) == 0 {
		return nil, fmt.Errorf("flow %q has no stages", name)
	}

	f := &Flow{
		Name:        asString(raw["name"]),
		Description: asString(raw["description"]),
		Stages:      make(map[string]*Stage, len(stagesRaw)),
		DeadEnds:    asStringSlice(raw["dead_ends"]),
		Initial:     asString(raw["initial"]),
	}
	if f.Initial == "" {
		f.Initial = "open"
	}

	for stageName, cfgAny := range stagesRaw {
		cfg := asMap(cfgAny)
		pfx := fmt.Sprintf("flow %q, stage %q", name, stageName)

		for k := range cfg {
			if !validStageKeys[k] {
				return nil, fmt.Errorf("%s: unknown key %q", pfx, k)
			}
		}
		if asString(cfg["description"]) == "" {
			return nil, fmt.Errorf("%s: missing description", pfx)
		}

		stage := &Stage{
			Name:        stageName,
			Description: asString(cfg["description"]),
			Next:        asString(cfg["next"]),
			Fail:        asString(cfg["fail"]),
			AltNext:     asString(cfg["alt_next"]),
			Requires:    asStringSlice(cfg["requires"]),
			Terminal:    asBool(cfg["terminal"]),
			Parked:      asBool(cfg["parked"]),
		}
		if workersRaw, ok := cfg["workers"]; ok {
			stage.Workers = map[string][]string{}
			for class, list := range asMap(workersRaw) {
				stage.Workers[class] = asStringSlice(list)
			}
		}
		for _, req := range stage.Requires {
			if !validRequires[req] {
				return nil, fmt.Errorf("%s: unknown requires entry %q", pfx, req)
			}
		}
		f.Stages[stageName] = stage
	}

	if err := validateEdges(name, f); err != nil {
		return nil, err
	}
	return f, nil
}

func validateEdges(name string, f *Flow) error {
	if !f.HasStage(f.Initial) {
		return fmt.Errorf("flow %q: initial stage %q does not exist", name, f.Initial)
	}
	for stageName, s := range f.Stages {
		pfx := fmt.Sprintf("flow %q, stage %q", name, stageName)
		if s.Terminal {
			if s.Next != "" {
				return fmt.Errorf("%s: terminal stage must not have next", pfx)
			}
			continue
		}
		if s.Parked {
			continue
		}
		if s.Next == "" {
			return fmt.Errorf("%s: non-terminal stage must have next", pfx)
		}
		for _, ref := range []string{s.Next, s.Fail, s.AltNext} {
			if ref != "" && !f.HasStage(ref) {
				return fmt.Errorf("%s: references unknown stage %q", pfx, ref)
			}
		}
	}

	// Reachability from the initial stage. Dead ends and parked stages are
	// entered by explicit transition, not by routing.
	reached := map[string]bool{}
	queue := []string{f.Initial}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if reached[cur] {
			continue
		}
		reached[cur] = true
		if s, ok := f.Stages[cur]; ok {
			for _, ref := range []string{s.Next, s.Fail, s.AltNext} {
				if ref != "" {
					queue = append(queue, ref)
				}
			}
		}
	}
	for stageName, s := range f.Stages {
		if !reached[stageName] && !f.IsDeadEnd(stageName) && !s.Parked {
			return fmt.Errorf("flow %q: stage %q is unreachable", name, stageName)
		}
	}
	return nil
}
