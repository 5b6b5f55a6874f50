// Package trigger scans outgoing message content for trigger words and
// manages the process-wide emergency flags they raise.
package trigger

import (
	"regexp"
	"sort"
	"strings"
)

// Triggers are written as !!word!! in message content. Bare words never
// match, so prose about a trigger does not fire it.
var pattern = regexp.MustCompile(`!!(\w+)!!`)

// Trigger describes one vocabulary entry.
type Trigger struct {
	Name        string `json:"name"`
	Active      bool   `json:"active"` // sets a flag in the send transaction
	Description string `json:"description"`
}

// Flag keys raised by active triggers.
const (
	FlagMoonCrash = "moon_crash"
	FlagStandDown = "stand_down"
)

var vocabulary = map[string]Trigger{
	"moon_crash": {Name: "moon_crash", Active: true, Description: "emergency stop: blocks task assignment and non-lead sends until cleared"},
	"stand_down": {Name: "stand_down", Active: true, Description: "all daemons exit gracefully after the current turn"},
	"fenix_down": {Name: "fenix_down", Active: false, Description: "knowledge dump before context death; bearer messages bypass send gates"},
	"sitrep":     {Name: "sitrep", Active: false, Description: "request a situation report"},
	"rally":      {Name: "rally", Active: false, Description: "call agents to coordinate"},
	"retreat":    {Name: "retreat", Active: false, Description: "abandon the current approach"},
	"hot_zone":   {Name: "hot_zone", Active: false, Description: "flag a contended area of the codebase"},
	"recon":      {Name: "recon", Active: false, Description: "request investigation before acting"},
}

// Scan returns the vocabulary triggers present in content, in first-seen
// order. Matching is case-insensitive; unknown !!words!! are ignored.
func Scan(content string) []Trigger {
	seen := make(map[string]bool)
	var found []Trigger
	for _, m := range pattern.FindAllStringSubmatch(content, -1) {
		word := strings.ToLower(m[1])
		t, ok := vocabulary[word]
		if !ok || seen[word] {
			continue
		}
		seen[word] = true
		found = append(found, t)
	}
	return found
}

// List returns the full vocabulary, sorted by name.
func List() []Trigger {
	out := make([]Trigger, 0, len(vocabulary))
	for _, t := range vocabulary {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Known reports whether name is in the vocabulary.
func Known(name string) bool {
	_, ok := vocabulary[name]
	return ok
}
