package model

import (
	"strings"
	"time"
)

// FlattenTurns renders turns as one "role: content" line each. This is the
// persisted content format of an InteractionChunk and the text handed to the
// summarization prompts.
func FlattenTurns(turns []ConversationTurn) string {
	lines := make([]string, len(turns))
	for i, t := range turns {
		lines[i] = string(t.Role) + ": " + t.Content
	}
	return strings.Join(lines, "\n")
}

// ParseTranscript reconstructs turns from flattened chunk content. Only lines
// carrying a "user: " or "assistant: " prefix become turns; anything else,
// including continuation lines of multi-line content, is dropped. The given
// timestamp is stamped on every parsed turn since per-turn times are not
// preserved in the flattened form.
func ParseTranscript(content string, ts time.Time) []ConversationTurn {
	var turns []ConversationTurn
	for _, line := range strings.Split(content, "\n") {
		switch {
		case strings.HasPrefix(line, "user: "):
			turns = append(turns, ConversationTurn{
				Role:      RoleUser,
				Content:   strings.TrimPrefix(line, "user: "),
				Timestamp: ts,
			})
		case strings.HasPrefix(line, "assistant: "):
			turns = append(turns, ConversationTurn{
				Role:      RoleAssistant,
				Content:   strings.TrimPrefix(line, "assistant: "),
				Timestamp: ts,
			})
		}
	}
	return turns
}
