package auth

import (
	"strings"

	"github.com/minionhq/minion/internal/minionerr"
)

// commandRule gates one command: either a required capability or an explicit
// class allowlist. Commands absent from the table are open to any valid class.
type commandRule struct {
	capability Capability
	allowlist  []string
}

var commandRules = map[string]commandRule{
	// Agents
	"rename":     {capability: CapManage},
	"deregister": {capability: CapManage},
	"update-hp":  {capability: CapHPWrite},

	// Comms
	"clear-moon-crash": {capability: CapManage},
	"purge-inbox":      {capability: CapManage},

	// Tasks
	"create-task": {capability: CapManage},
	"assign-task": {capability: CapManage},
	"reopen-task": {allowlist: []string{ClassLead}},
	"transition":  {capability: CapManage},

	// Files
	"force-release": {allowlist: []string{ClassLead}},

	// War-room
	"set-plan":           {capability: CapPlan},
	"update-plan-status": {capability: CapPlan},

	// Crew lifecycle
	"spawn-party":   {capability: CapManage},
	"stand-down":    {capability: CapManage},
	"retire-agent":  {capability: CapManage},
	"recruit":       {capability: CapManage},
	"hand-off-zone": {capability: CapManage},
	"interrupt":     {capability: CapManage},
	"resume":        {capability: CapManage},
}

// Authorize checks whether callerClass may run command. It is a pure
// function of the registry and the rule table.
func (r *Registry) Authorize(callerClass, command string) error {
	if callerClass == "" {
		return minionerr.ErrClassDenied.With("no caller class", "set CALLER_CLASS")
	}
	// hp_write arrives as a pseudo-class from daemons; it authorizes exactly
	// the commands requiring that capability and nothing else.
	if callerClass == string(CapHPWrite) {
		rule, ok := commandRules[command]
		if ok && rule.capability == CapHPWrite {
			return nil
		}
		return minionerr.ErrClassDenied.Withf(
			"daemons hold hp_write only", "class %q cannot run %q", callerClass, command)
	}
	if !r.ValidClass(callerClass) {
		return minionerr.ErrClassDenied.Withf(
			"valid classes: "+strings.Join(r.Classes(), ", "),
			"unknown class %q", callerClass)
	}
	rule, ok := commandRules[command]
	if !ok {
		return nil
	}
	if len(rule.allowlist) > 0 {
		for _, c := range rule.allowlist {
			if c == callerClass {
				return nil
			}
		}
		return minionerr.ErrClassDenied.Withf(
			"allowed: "+strings.Join(rule.allowlist, ", "),
			"class %q cannot run %q", callerClass, command)
	}
	if rule.capability != "" && !r.HasCapability(callerClass, rule.capability) {
		return minionerr.ErrCapabilityMissing.Withf(
			"required: "+string(rule.capability),
			"class %q lacks %q for %q", callerClass, rule.capability, command)
	}
	return nil
}
