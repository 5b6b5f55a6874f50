package auth

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minionhq/minion/internal/minionerr"
)

func TestDefaultRegistryParses(t *testing.T) {
	reg := DefaultRegistry()
	require.NotNil(t, reg)

	assert.ElementsMatch(t,
		[]string{"lead", "coder", "builder", "oracle", "recon", "planner", "auditor"},
		reg.Classes())
}

func TestRegistryCapabilities(t *testing.T) {
	reg := DefaultRegistry()

	assert.True(t, reg.HasCapability("lead", CapManage))
	assert.True(t, reg.HasCapability("coder", CapCode))
	assert.False(t, reg.HasCapability("coder", CapManage))
	assert.False(t, reg.HasCapability("lead", CapHPWrite))

	reviewers := reg.ClassesWith(CapReview)
	assert.ElementsMatch(t, []string{"lead", "oracle", "auditor"}, reviewers)
}

func TestRegistryStaleness(t *testing.T) {
	reg := DefaultRegistry()

	assert.Equal(t, 15*time.Minute, reg.Staleness("lead"))
	assert.Equal(t, 30*time.Minute, reg.Staleness("oracle"))
	assert.Equal(t, 5*time.Minute, reg.Staleness("coder"))
	// Unknown classes get the tightest window
	assert.Equal(t, 5*time.Minute, reg.Staleness("ghost"))
}

func TestAuthorizeCapabilityGate(t *testing.T) {
	reg := DefaultRegistry()

	require.NoError(t, reg.Authorize("lead", "create-task"))
	err := reg.Authorize("coder", "create-task")
	require.Error(t, err)
	assert.True(t, errors.Is(err, minionerr.ErrCapabilityMissing))
	assert.Equal(t, minionerr.ExitAuth, minionerr.ExitCode(err))
}

func TestAuthorizeAllowlist(t *testing.T) {
	reg := DefaultRegistry()

	require.NoError(t, reg.Authorize("lead", "reopen-task"))
	err := reg.Authorize("oracle", "reopen-task")
	require.Error(t, err)
	assert.True(t, errors.Is(err, minionerr.ErrClassDenied))
}

func TestAuthorizeUnlistedCommandOpenToValidClasses(t *testing.T) {
	reg := DefaultRegistry()

	require.NoError(t, reg.Authorize("recon", "check-inbox"))
	err := reg.Authorize("ghost", "check-inbox")
	require.Error(t, err)
	assert.True(t, errors.Is(err, minionerr.ErrClassDenied))
}

func TestAuthorizeHPWritePseudoClass(t *testing.T) {
	reg := DefaultRegistry()

	// hp_write authorizes exactly the telemetry command, nothing else
	require.NoError(t, reg.Authorize("hp_write", "update-hp"))

	err := reg.Authorize("hp_write", "send")
	require.Error(t, err)
	assert.True(t, errors.Is(err, minionerr.ErrClassDenied))

	// No blanket lead impersonation: a real class without hp_write is denied
	err = reg.Authorize("lead", "update-hp")
	require.Error(t, err)
	assert.True(t, errors.Is(err, minionerr.ErrCapabilityMissing))
}

func TestLoadRegistryDocsOverride(t *testing.T) {
	docs := t.TempDir()
	flows := filepath.Join(docs, "flows")
	require.NoError(t, os.MkdirAll(flows, 0o755))

	custom := `
capabilities: [manage, code]
classes:
  lead:
    capabilities: [manage]
    staleness_minutes: 10
  grunt:
    capabilities: [code]
    staleness_minutes: 2
`
	require.NoError(t, os.WriteFile(filepath.Join(flows, "_agent-classes.yaml"), []byte(custom), 0o644))

	reg, err := LoadRegistry(docs)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"lead", "grunt"}, reg.Classes())
	assert.Equal(t, 2*time.Minute, reg.Staleness("grunt"))
}

func TestLoadRegistryMalformedIsHardFailure(t *testing.T) {
	docs := t.TempDir()
	flows := filepath.Join(docs, "flows")
	require.NoError(t, os.MkdirAll(flows, 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(flows, "_agent-classes.yaml"),
		[]byte("classes:\n  lead:\n    capabilities: [warp]\n    staleness_minutes: 5\ncapabilities: [manage]\n"),
		0o644))

	_, err := LoadRegistry(docs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown capability")
}

func TestLoadRegistryMissingFallsBack(t *testing.T) {
	reg, err := LoadRegistry(t.TempDir())
	require.NoError(t, err)
	assert.True(t, reg.ValidClass("coder"))
}
