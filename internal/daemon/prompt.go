package daemon

import (
	"fmt"
	"strings"

	"github.com/minionhq/minion/internal/comms"
	"github.com/minionhq/minion/internal/lifecycle"
	"github.com/minionhq/minion/internal/task"
)

// PromptInput is everything one turn's prompt is assembled from.
type PromptInput struct {
	Agent     string
	Rules     string              // boot rules contract for the agent's class
	Briefing  *lifecycle.Briefing // recovery state, non-nil only after compaction
	Replay    string              // rolling-buffer snapshot, non-empty only after compaction
	Messages  []comms.Message
	Claimable []*task.Task
	MaxChars  int
}

// BuildPrompt assembles the turn prompt: boot rules, recovery briefing and
// recovered transcript after a compaction, then the poll payload. When the
// assembled text exceeds MaxChars the replay is trimmed first (oldest part
// dropped), then the whole prompt is truncated as a last resort.
func BuildPrompt(in PromptInput) string {
	var payload strings.Builder

	if len(in.Messages) > 0 {
		payload.WriteString("## Unread messages\n\n")
		for _, m := range in.Messages {
			fmt.Fprintf(&payload, "From %s at %s:\n%s\n\n", m.FromAgent, m.Timestamp, m.Content)
		}
	}
	if len(in.Claimable) > 0 {
		payload.WriteString("## Claimable tasks\n\n")
		for _, t := range in.Claimable {
			fmt.Fprintf(&payload, "- [%d] %s (status %s, flow %s)\n", t.ID, t.Title, t.Status, t.FlowType)
		}
		payload.WriteString("\n")
	}

	rules := in.Rules
	if rules != "" && !strings.HasSuffix(rules, "\n") {
		rules += "\n"
	}

	briefing := renderBriefing(in.Briefing)

	replay := in.Replay
	if replay != "" {
		replay = "## Recovered transcript\n\nYour context was compacted. The transcript below reconstructs your recent work.\n\n" + replay + "\n\n"
	}

	fixed := len(rules) + len(briefing) + payload.Len()
	if in.MaxChars > 0 && fixed+len(replay) > in.MaxChars {
		room := in.MaxChars - fixed
		if room <= 0 {
			replay = ""
		} else if len(replay) > room {
			replay = replay[len(replay)-room:]
		}
	}

	out := rules + briefing + replay + payload.String()
	if in.MaxChars > 0 && len(out) > in.MaxChars {
		out = out[:in.MaxChars]
	}
	return out
}

// renderBriefing formats the recovery state injected after a compaction:
// the active plan, the agent's open tasks, the last HP reading, and any
// unconsumed knowledge dumps.
func renderBriefing(b *lifecycle.Briefing) string {
	if b == nil {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Recovery briefing\n\n")

	if b.PlanText != "" {
		sb.WriteString("### Active plan\n\n")
		sb.WriteString(strings.TrimRight(b.PlanText, "\n"))
		sb.WriteString("\n\n")
	}
	if len(b.OpenTasks) > 0 {
		sb.WriteString("### Your open tasks\n\n")
		for _, t := range b.OpenTasks {
			fmt.Fprintf(&sb, "- [%d] %s (status %s)\n", t.ID, t.Title, t.Status)
		}
		sb.WriteString("\n")
	}
	if b.HP != nil && b.HP.State != "" {
		fmt.Fprintf(&sb, "### Health\n\nHP %d%% (%s)\n\n", b.HP.Percent, b.HP.State)
	}
	if len(b.Fenix) > 0 {
		sb.WriteString("### Knowledge dumps\n\n")
		for _, r := range b.Fenix {
			fmt.Fprintf(&sb, "- %s: %s", r.CreatedAt, r.Manifest)
			if files := r.FileList(); len(files) > 0 {
				fmt.Fprintf(&sb, " (%s)", strings.Join(files, ", "))
			}
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
