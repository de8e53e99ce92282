package prompt

import (
	"slices"
	"strings"

	"ChatRelay/internal/session"
)

const DefaultWindow = 10

// Instruction closes every prompt
const Instruction = "Respond directly to the user's last message. Do not prefix your answer with a role label such as \"Assistant:\"."

// Builder renders stored history and the new user message into prompt text
type Builder struct {
	Window int
}

// NewBuilder returns a Builder keeping the last window messages
func NewBuilder(window int) Builder {
	if window <= 0 {
		window = DefaultWindow
	}
	return Builder{Window: window}
}

// Build is deterministic and does not modify history. User entries equal to
// current are dropped so the new message never appears twice even if it was
// persisted before history was read.
func (b Builder) Build(history []session.Message, current string) string {
	window := b.Window
	if window <= 0 {
		window = DefaultWindow
	}

	sorted := slices.Clone(history)
	slices.SortStableFunc(sorted, func(a, b session.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if len(sorted) > window {
		sorted = sorted[len(sorted)-window:]
	}

	current = strings.TrimSpace(current)
	var sb strings.Builder
	for _, m := range sorted {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		if m.Role == session.RoleUser && content == current {
			continue
		}
		sb.WriteString(label(m.Role))
		sb.WriteString(": ")
		sb.WriteString(content)
		sb.WriteString("\n\n")
	}
	sb.WriteString("User: ")
	sb.WriteString(current)
	sb.WriteString("\n\n")
	sb.WriteString(Instruction)
	return sb.String()
}

func label(r session.Role) string {
	if r == session.RoleAssistant {
		return "Assistant"
	}
	return "User"
}
