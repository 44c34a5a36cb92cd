package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/chatwiki/backend/internal/storage/models"
)

func TestBuildPrompt(t *testing.T) {
	tests := []struct {
		name     string
		template string
		context  string
		question string
		want     string
	}{
		{
			name:     "both placeholders",
			template: "Context: {{quote}}\nQ: {{question}}",
			context:  "Paris is the capital of France.",
			question: "What is the capital of France?",
			want:     "Context: Paris is the capital of France.\nQ: What is the capital of France?",
		},
		{
			name:     "question before quote",
			template: "{{question}} / {{quote}}",
			context:  "ctx",
			question: "q",
			want:     "q / ctx",
		},
		{
			name:     "no placeholders",
			template: "Answer politely.",
			context:  "ctx",
			question: "q",
			want:     "Answer politely.",
		},
		{
			name:     "context containing a placeholder is not expanded",
			template: "{{quote}} | {{question}}",
			context:  "literal {{question}}",
			question: "real",
			want:     "literal {{question}} | real",
		},
		{
			name:     "only the first occurrence is replaced",
			template: "{{quote}} {{quote}}",
			context:  "x",
			question: "q",
			want:     "x {{quote}}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildPrompt(tt.template, tt.context, tt.question))
		})
	}
}

func TestBuildHistory(t *testing.T) {
	turns := []models.DialogTurn{
		{Content: "hi", Current: true},
		{Content: "hello, how can I help?", Current: false},
	}

	msgs := BuildHistory("You are a wiki assistant.", turns, "What is the capital of France?")

	assert.Equal(t, []Message{
		{Role: RoleSystem, Content: "You are a wiki assistant."},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello, how can I help?"},
		{Role: RoleUser, Content: "What is the capital of France?"},
	}, msgs)
}

func TestBuildHistory_BlankSystemPromptOmitted(t *testing.T) {
	msgs := BuildHistory("   ", nil, "question")
	assert.Equal(t, []Message{{Role: RoleUser, Content: "question"}}, msgs)
}
