// Package flow loads declarative task flow definitions and answers routing
// queries for the task engine.
//
// A flow is a state machine over task statuses, not a build graph: cycles
// are legal (a failed review routes back to an earlier stage) and there is
// no topological order. Unreachable stages are rejected at load time.
package flow

import (
	"fmt"
	"sort"
	"strings"
)

// Stage is one status in a flow with its outgoing edges.
type Stage struct {
	Name        string
	Description string
	Next        string
	Fail        string
	AltNext     string
	// Workers maps the task's required class to the classes eligible to
	// work this stage, with a "default" fallback entry. A nil map means
	// the current assignee continues.
	Workers  map[string][]string
	Requires []string
	Terminal bool
	Parked   bool
}

// Flow is a resolved, validated task flow.
type Flow struct {
	Name        string
	Description string
	Stages      map[string]*Stage
	DeadEnds    []string
	// Initial is the entry stage, "open" unless declared otherwise.
	Initial string
}

// HasStage reports whether name is a stage of the flow.
func (f *Flow) HasStage(name string) bool {
	_, ok := f.Stages[name]
	return ok
}

// IsTerminal reports whether status is terminal (no transitions out).
func (f *Flow) IsTerminal(status string) bool {
	s, ok := f.Stages[status]
	return ok && s.Terminal
}

// IsDeadEnd reports whether status is a declared dead end (abandoned work).
func (f *Flow) IsDeadEnd(status string) bool {
	for _, d := range f.DeadEnds {
		if d == status {
			return true
		}
	}
	return false
}

// StageNames returns all stage names, sorted.
func (f *Flow) StageNames() []string {
	out := make([]string, 0, len(f.Stages))
	for name := range f.Stages {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ActiveStatuses returns non-terminal, non-dead-end statuses: what agents
// actively work on.
func (f *Flow) ActiveStatuses() []string {
	var out []string
	for name, s := range f.Stages {
		if s.Terminal || f.IsDeadEnd(name) {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ValidTransitions returns the statuses reachable in one step from current.
// Empty for terminal or unknown stages.
func (f *Flow) ValidTransitions(current string) []string {
	s, ok := f.Stages[current]
	if !ok || s.Terminal {
		return nil
	}
	var out []string
	for _, t := range []string{s.Next, s.Fail, s.AltNext} {
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// NextStatus returns the pass or fail target from current, or "" when no
// such edge exists.
func (f *Flow) NextStatus(current string, passed bool) string {
	s, ok := f.Stages[current]
	if !ok || s.Terminal {
		return ""
	}
	if passed {
		return s.Next
	}
	return s.Fail
}

// WorkersFor returns the classes eligible to work status given the task's
// required class. nil means the current assignee continues.
func (f *Flow) WorkersFor(status, classRequired string) []string {
	s, ok := f.Stages[status]
	if !ok || s.Workers == nil {
		return nil
	}
	if classes, ok := s.Workers[classRequired]; ok {
		return classes
	}
	if classes, ok := s.Workers["default"]; ok {
		return classes
	}
	return []string{"lead"}
}

// Requires returns the gate names on a stage.
func (f *Flow) Requires(status string) []string {
	s, ok := f.Stages[status]
	if !ok {
		return nil
	}
	return s.Requires
}

// RenderDAG renders the flow as an arrow chain with the current stage
// bracketed, for CLI display and lineage output.
func (f *Flow) RenderDAG(current string) string {
	var b strings.Builder
	name := f.Initial
	seen := map[string]bool{}
	for name != "" && !seen[name] {
		seen[name] = true
		s, ok := f.Stages[name]
		if !ok {
			break
		}
		if b.Len() > 0 {
			b.WriteString(" -> ")
		}
		if name == current {
			fmt.Fprintf(&b, "[%s]", name)
		} else {
			b.WriteString(name)
		}
		if s.Fail != "" {
			fmt.Fprintf(&b, " (fail: %s)", s.Fail)
		}
		name = s.Next
	}
	return b.String()
}
