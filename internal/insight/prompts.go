package insight

import (
	"fmt"
	"strings"

	"github.com/szaher/recall/internal/model"
)

// Placeholder substituted for an empty previous summary. It exists only
// inside the merge prompt and must never surface in assembled context.
const noPreviousSummary = "No previous summary."

const mergeSummaryPrompt = `You are updating a conversation summary for an ongoing session.

Previous summary:
%s

New conversation turns:
%s

Generate an updated summary that:
1. Incorporates the new information
2. Maintains key points from the previous summary
3. Removes redundant information
4. Keeps the summary concise (max 100 words)
5. Preserves chronological flow

Output: Updated summary text only (no JSON, no extra formatting).`

const chunkMetadataPrompt = `You are analyzing a conversation chunk to generate metadata for indexing and retrieval.

Conversation:
%s

Generate the following:
1. summary: A concise 1-2 sentence summary of this conversation chunk
2. mentioned_topics: Array of key topics discussed (max 5)
3. entities: Array of specific entities mentioned (names, products, amounts, etc.)

Output: a single JSON object with keys summary, mentioned_topics, entities. No other text.

Example output:
{"summary": "User asked how to reduce tail latency in their API and settled on connection pooling.", "mentioned_topics": ["tail latency", "connection pooling", "API performance"], "entities": ["p99", "HTTP keep-alive"]}`

const sessionAnalysisPrompt = `You are analyzing a completed conversation session to generate a comprehensive analysis including summary, key topics, and insights.

Session Content:
%s

Your task is to provide a complete session analysis with THREE components:

1. SESSION SUMMARY (2-4 sentences)
Capture the main discussion points, key decisions, recommendations, and any action items or next steps.

2. KEY TOPICS (3-5 topics)
List the main topics discussed in the session. Be specific and concise.

3. INSIGHTS (0-5 insights)
Extract actionable insights about the user in these categories:
- preferences: What they like/dislike, communication style, information preferences
- knowledge_level: What they understand well, areas of expertise or confusion
- goals: What they're trying to achieve, objectives, targets
- behavior_patterns: How they interact, decision-making style, engagement patterns
- learning_progress: What they've learned, areas of growth, understanding development

For each insight provide:
- insight_text: Clear, specific, actionable observation
- category: One of the categories above
- confidence: 0.0-1.0 (how certain you are)
- importance: "high", "medium", or "low"

IMPORTANT:
- Only extract meaningful, actionable insights backed by concrete evidence
- If the session is too brief or trivial, set has_meaningful_insights to false and return an empty insights array
- Focus on quality over quantity; 2-3 strong insights are better than 5 weak ones

Return a single JSON object with keys session_summary (string), key_topics (array of strings), insights (array of objects with keys insight_text, category, confidence, importance), and has_meaningful_insights (boolean). No other text.`

const profileSynthesisPrompt = `You are maintaining a long-term profile of a user for a conversational assistant.

Current baseline profile:
%s

New session insights to incorporate:
%s

Synthesize a cohesive, comprehensive profile that:
1. Integrates all new information
2. Resolves any contradictions (favor more recent information)
3. Organizes information logically
4. Maintains a professional, concise tone
5. Focuses on characteristics that change how the assistant should respond

The profile should cover background, goals and timeline, preferences, current
context, key concerns, and communication style, where known.

Output: A well-structured paragraph (200-300 words) summarizing the complete profile. Text only.`

func buildMergePrompt(oldSummary string, turns []model.ConversationTurn) string {
	if strings.TrimSpace(oldSummary) == "" {
		oldSummary = noPreviousSummary
	}
	return fmt.Sprintf(mergeSummaryPrompt, oldSummary, model.FlattenTurns(turns))
}

func buildMetadataPrompt(turns []model.ConversationTurn) string {
	return fmt.Sprintf(chunkMetadataPrompt, model.FlattenTurns(turns))
}

func buildAnalysisPrompt(sessionContent string) string {
	return fmt.Sprintf(sessionAnalysisPrompt, sessionContent)
}

func buildProfilePrompt(baseline string, insights []model.Insight) string {
	if strings.TrimSpace(baseline) == "" {
		baseline = "No baseline profile yet."
	}
	var b strings.Builder
	for i, ins := range insights {
		fmt.Fprintf(&b, "%d. [%s] %s (confidence %.2f)\n", i+1, ins.Category, ins.InsightText, ins.Confidence)
	}
	return fmt.Sprintf(profileSynthesisPrompt, baseline, strings.TrimRight(b.String(), "\n"))
}

// analysisContent assembles the reflection input from the cumulative
// summary plus up to the last ten user or assistant turns, skipping empty
// and injected system content.
func analysisContent(cumulativeSummary string, recentTurns []model.ConversationTurn) string {
	turns := recentTurns
	if len(turns) > 10 {
		turns = turns[len(turns)-10:]
	}
	var kept []model.ConversationTurn
	for _, t := range turns {
		if t.Role != model.RoleUser && t.Role != model.RoleAssistant {
			continue
		}
		if strings.TrimSpace(t.Content) == "" {
			continue
		}
		kept = append(kept, t)
	}

	content := cumulativeSummary
	if len(kept) > 0 {
		lines := model.FlattenTurns(kept)
		if content != "" {
			content += "\n\nRecent turns:\n" + lines
		} else {
			content = "Recent turns:\n" + lines
		}
	}
	return content
}
