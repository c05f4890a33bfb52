package memory

import (
	"fmt"
	"strings"
)

// AssembleContext renders the agent-facing context in a fixed order:
// the session-initialization block, the cumulative summary, then the
// last N turns verbatim. Empty sections are omitted entirely, never
// rendered as bare headers.
func (k *Keeper) AssembleContext() string {
	var parts []string

	if block := k.initBlock(); block != "" {
		parts = append(parts, block)
	}

	if k.summary != "" {
		parts = append(parts, "### Conversation Summary", k.summary, "")
	}

	if len(k.buffer) > 0 {
		parts = append(parts, "### Active Conversation")
		for _, t := range k.ActiveTurns() {
			parts = append(parts, fmt.Sprintf("%s: %s", t.Role, t.Content))
		}
	}

	return strings.Join(parts, "\n")
}

// initBlock renders the <session_initialization> wrapper. It is empty
// until LoadInitContext has run, and also when the snapshot carried no
// insights and no recent summaries.
func (k *Keeper) initBlock() string {
	if k.initCtx == nil {
		return ""
	}
	if k.initCtx.LongTermInsight == "" && len(k.initCtx.RecentSummaries) == 0 {
		return ""
	}

	parts := []string{"<session_initialization>"}

	if k.initCtx.LongTermInsight != "" {
		parts = append(parts, "### Key Insights", k.initCtx.LongTermInsight, "")
	}

	if len(k.initCtx.RecentSummaries) > 0 {
		parts = append(parts, "### Recent Session Summaries")
		for _, s := range k.initCtx.RecentSummaries {
			parts = append(parts, fmt.Sprintf("- %s: %s", s.EndTime, s.Summary))
		}
		parts = append(parts, "")
	}

	parts = append(parts, "</session_initialization>", "")
	return strings.Join(parts, "\n")
}
