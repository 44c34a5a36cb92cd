package prompt

import (
	"strings"

	"github.com/chatwiki/backend/internal/storage/models"
)

const (
	QuotePlaceholder    = "{{quote}}"
	QuestionPlaceholder = "{{question}}"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

// BuildPrompt substitutes the first occurrence of each placeholder. The
// context is substituted before the question so user text containing a
// placeholder is never expanded.
func BuildPrompt(template, contextText, question string) string {
	out := strings.Replace(template, QuotePlaceholder, contextText, 1)
	if i := strings.Index(template, QuestionPlaceholder); i >= 0 {
		// Locate the placeholder in the output, skipping over the inserted context.
		offset := i
		if q := strings.Index(template, QuotePlaceholder); q >= 0 && q < i {
			offset = i - len(QuotePlaceholder) + len(contextText)
		}
		out = out[:offset] + question + out[offset+len(QuestionPlaceholder):]
	}
	return out
}

// BuildHistory turns past dialog turns into chat messages. pastTurns must be
// oldest first; they are not reordered or filtered.
func BuildHistory(systemPrompt string, pastTurns []models.DialogTurn, finalUserMessage string) []Message {
	msgs := make([]Message, 0, len(pastTurns)+2)
	if strings.TrimSpace(systemPrompt) != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: systemPrompt})
	}
	for _, turn := range pastTurns {
		role := RoleAssistant
		if turn.Current {
			role = RoleUser
		}
		msgs = append(msgs, Message{Role: role, Content: turn.Content})
	}
	return append(msgs, Message{Role: RoleUser, Content: finalUserMessage})
}
