package pipeline

import (
	"fmt"
	"strings"

	"github.com/vbocquet/ragapi/internal/conversation"
	"github.com/vbocquet/ragapi/internal/retrieval"
)

// NoContextMarker is emitted in place of passages when retrieval returns
// nothing. The marker keeps the prompt shape deterministic: an empty
// retrieval is stated explicitly, never silently omitted.
const NoContextMarker = "No relevant context found."

// promptHeader opens every assembled prompt.
const promptHeader = "Based on the following context, answer the question."

// BuildPrompt fuses retrieved passages and bounded conversation history
// with the new question into a single prompt.
//
// Segment order is a contract: grounding context first, then prior turns,
// then the question. Retrieved facts are primary; history is secondary
// framing. The history segment is omitted entirely for a fresh
// conversation; the context segment is never omitted (see NoContextMarker).
func BuildPrompt(passages []retrieval.Passage, history []*conversation.Message, question string) string {
	var b strings.Builder

	b.WriteString(promptHeader)
	b.WriteString("\n\nContext:\n")
	if len(passages) == 0 {
		b.WriteString(NoContextMarker)
		b.WriteString("\n")
	} else {
		for _, p := range passages {
			fmt.Fprintf(&b, "[source: %s] %s\n", p.Source, sanitizeLine(p.Content))
		}
	}

	if len(history) > 0 {
		b.WriteString("\nConversation so far:\n")
		for _, m := range history {
			fmt.Fprintf(&b, "%s: %s\n", roleLabel(m.Role), sanitizeLine(m.Content))
		}
	}

	fmt.Fprintf(&b, "\nQuestion: %s\nAnswer:", question)
	return b.String()
}

func roleLabel(r conversation.Role) string {
	if r == conversation.RoleAssistant {
		return "Assistant"
	}
	return "User"
}

// sanitizeLine collapses newlines so a passage or stored message cannot
// fake its own prompt segment boundaries.
func sanitizeLine(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return s
}
