package flow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFlow(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(content), 0o644))
}

func TestLoadBundledBugfix(t *testing.T) {
	l := NewLoader("")
	f, err := l.Load("bugfix")
	require.NoError(t, err)

	assert.Equal(t, "bugfix", f.Name)
	assert.ElementsMatch(t,
		[]string{"open", "assigned", "in_progress", "fixed", "verified", "closed"},
		f.StageNames())
	assert.True(t, f.IsTerminal("closed"))
	assert.False(t, f.IsTerminal("fixed"))
}

func TestInheritanceMergeIsPerStage(t *testing.T) {
	l := NewLoader("")
	f, err := l.Load("feature")
	require.NoError(t, err)

	// Child overrides open.next, gains planned, keeps the rest verbatim
	assert.Equal(t, "planned", f.NextStatus("open", true))
	assert.Equal(t, "assigned", f.NextStatus("planned", true))
	assert.Equal(t, "fixed", f.NextStatus("in_progress", true))
	assert.Equal(t, "open", f.NextStatus("in_progress", false))
}

func TestNextStatusFailRouting(t *testing.T) {
	l := NewLoader("")
	f, err := l.Load("bugfix")
	require.NoError(t, err)

	assert.Equal(t, "verified", f.NextStatus("fixed", true))
	assert.Equal(t, "in_progress", f.NextStatus("fixed", false))
	// No fail edge from open
	assert.Equal(t, "", f.NextStatus("open", false))
	// Terminal stages have no transitions
	assert.Equal(t, "", f.NextStatus("closed", true))
}

func TestWorkersFor(t *testing.T) {
	l := NewLoader("")
	f, err := l.Load("bugfix")
	require.NoError(t, err)

	// No workers key: current assignee continues
	assert.Nil(t, f.WorkersFor("in_progress", "coder"))
	// default fallback
	assert.Equal(t, []string{"lead", "oracle", "auditor"}, f.WorkersFor("fixed", "coder"))
	assert.Equal(t, []string{"lead"}, f.WorkersFor("verified", "coder"))
}

func TestActiveStatuses(t *testing.T) {
	l := NewLoader("")
	f, err := l.Load("bugfix")
	require.NoError(t, err)

	assert.ElementsMatch(t,
		[]string{"open", "assigned", "in_progress", "fixed", "verified"},
		f.ActiveStatuses())
}

func TestDirectoryOverridesBundled(t *testing.T) {
	dir := t.TempDir()
	writeFlow(t, dir, "bugfix", `
name: bugfix
description: two-step override
stages:
  open:
    description: created
    next: closed
  closed:
    description: done
    terminal: true
`)
	l := NewLoader(dir)
	f, err := l.Load("bugfix")
	require.NoError(t, err)
	assert.Equal(t, "closed", f.NextStatus("open", true))
	assert.Len(t, f.Stages, 2)
}

func TestValidationRejectsUnknownNextTarget(t *testing.T) {
	dir := t.TempDir()
	writeFlow(t, dir, "broken", `
name: broken
description: bad edge
stages:
  open:
    description: created
    next: nowhere
`)
	_, err := NewLoader(dir).Load("broken")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown stage")
}

func TestValidationRejectsTerminalWithNext(t *testing.T) {
	dir := t.TempDir()
	writeFlow(t, dir, "broken", `
name: broken
description: terminal with next
stages:
  open:
    description: created
    next: closed
  closed:
    description: done
    terminal: true
    next: open
`)
	_, err := NewLoader(dir).Load("broken")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "terminal stage must not have next")
}

func TestValidationRejectsUnknownRequires(t *testing.T) {
	dir := t.TempDir()
	writeFlow(t, dir, "broken", `
name: broken
description: bad gate
stages:
  open:
    description: created
    next: closed
    requires: [sign_off]
  closed:
    description: done
    terminal: true
`)
	_, err := NewLoader(dir).Load("broken")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown requires entry")
}

func TestValidationRejectsUnreachableStage(t *testing.T) {
	dir := t.TempDir()
	writeFlow(t, dir, "broken", `
name: broken
description: island stage
stages:
  open:
    description: created
    next: closed
  island:
    description: nothing routes here
    next: closed
  closed:
    description: done
    terminal: true
`)
	_, err := NewLoader(dir).Load("broken")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")
}

func TestInheritanceCycleDetected(t *testing.T) {
	dir := t.TempDir()
	writeFlow(t, dir, "a", "name: a\ndescription: a\ninherits: b\nstages: {}\n")
	writeFlow(t, dir, "b", "name: b\ndescription: b\ninherits: a\nstages: {}\n")

	_, err := NewLoader(dir).Load("a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inheritance cycle")
}

func TestListSkipsInheritanceBases(t *testing.T) {
	l := NewLoader("")
	names, err := l.List()
	require.NoError(t, err)
	assert.Contains(t, names, "bugfix")
	assert.Contains(t, names, "feature")
	assert.Contains(t, names, "investigation")
	assert.NotContains(t, names, "_base")
}

func TestRenderDAG(t *testing.T) {
	l := NewLoader("")
	f, err := l.Load("bugfix")
	require.NoError(t, err)

	dag := f.RenderDAG("in_progress")
	assert.Contains(t, dag, "[in_progress]")
	assert.Contains(t, dag, "open -> assigned")
	assert.Contains(t, dag, "(fail: open)")
}
