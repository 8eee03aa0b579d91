package subcommands

import (
	"strings"

	"EdgeLLM/internal/prompt"
)

// Session accumulates a conversation and renders it in the configured
// prompt template. Templates without a multi-turn layout only see the
// latest user message.
type Session struct {
	system   string
	kind     prompt.Kind
	messages []prompt.Message
}

// NewSession starts an empty conversation.
func NewSession(system string, kind prompt.Kind) *Session {
	return &Session{system: strings.TrimSpace(system), kind: kind}
}

// Prompt records user as the next turn and returns the text to generate from.
func (s *Session) Prompt(user string) string {
	s.messages = append(s.messages, prompt.Message{Role: "user", Content: user})

	switch s.kind {
	case prompt.Llama:
		msgs := s.messages
		if s.system != "" {
			msgs = append([]prompt.Message{{Role: "system", Content: s.system}}, msgs...)
		}
		return prompt.FormatConversation(msgs)
	case prompt.Chat:
		var b strings.Builder
		if s.system != "" {
			b.WriteString(s.system + "\n")
		}
		for _, m := range s.messages {
			switch m.Role {
			case "user":
				b.WriteString("User: " + prompt.Clean(m.Content) + "\n")
			case "assistant":
				b.WriteString("Assistant: " + m.Content + "\n")
			}
		}
		b.WriteString("Assistant:")
		return b.String()
	default:
		return prompt.Format(user, s.kind)
	}
}

// Reply records the model's answer to the latest turn.
func (s *Session) Reply(text string) {
	s.messages = append(s.messages, prompt.Message{Role: "assistant", Content: strings.TrimSpace(text)})
}

// Reset forgets every turn.
func (s *Session) Reset() { s.messages = nil }

// Len returns the number of recorded turns.
func (s *Session) Len() int { return len(s.messages) }

// Kind returns the prompt template in use.
func (s *Session) Kind() prompt.Kind { return s.kind }
