package agent

import (
	"fmt"
	"strings"

	"github.com/okapi-ai/overseer/internal/store"
)

const basePrompt = `You are an autonomous agent. Work the task you are given,
use the available tools when they help, and finish with a clear answer for
the person or agent that triggered you. If a tool call is rejected or left
pending for approval, say so plainly instead of retrying it.`

// SystemPrompt builds the agent's system prompt: base instructions,
// personality, org placement, and collaboration hints naming peer agents.
// Authorization never appears here; the gateway enforces it per call.
func SystemPrompt(rec *store.AgentRecord, peers []store.AgentRecord) string {
	var b strings.Builder
	b.WriteString(basePrompt)

	fmt.Fprintf(&b, "\n\nYou are %s.", rec.Name)
	if rec.Personality != "" {
		b.WriteString("\n" + rec.Personality)
	}
	if rec.Role != "" {
		fmt.Fprintf(&b, "\nRole: %s.", rec.Role)
	}
	if rec.Team != "" {
		fmt.Fprintf(&b, "\nTeam: %s.", rec.Team)
	}
	if rec.ReportsTo != "" {
		fmt.Fprintf(&b, "\nYou report to %s.", rec.ReportsTo)
	}

	if len(peers) > 0 {
		b.WriteString("\n\nYou can message other agents with send_agent_message:")
		for _, p := range peers {
			line := "\n- " + p.ID
			if p.Role != "" {
				line += " (" + p.Role + ")"
			}
			b.WriteString(line)
		}
	}
	return b.String()
}
