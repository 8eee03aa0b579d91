// Package prompt shapes raw user text into the prompt formats common local
// models expect, and loads prompts from text or PDF files.
package prompt

import (
	"regexp"
	"strings"
)

// Kind names a prompt template.
type Kind string

const (
	Completion Kind = "completion"
	Chat       Kind = "chat"
	Llama      Kind = "llama"
	Alpaca     Kind = "alpaca"
)

// ParseKind maps a template name to a Kind. Unknown names fall back to
// Completion; "llama2" is an alias for Llama.
func ParseKind(name string) Kind {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "llama", "llama2":
		return Llama
	case "chat":
		return Chat
	case "alpaca":
		return Alpaca
	default:
		return Completion
	}
}

// Format cleans p and wraps it in the template for kind.
func Format(p string, kind Kind) string {
	cleaned := Clean(p)
	switch kind {
	case Llama:
		if strings.Contains(cleaned, "[INST]") {
			return cleaned
		}
		return "[INST] " + cleaned + " [/INST]"
	case Chat:
		return "User: " + cleaned + "\nAssistant:"
	case Alpaca:
		return "### Instruction:\n" + cleaned + "\n\n### Response:\n"
	default:
		return cleaned
	}
}

var whitespace = regexp.MustCompile(`\s+`)

// Clean collapses runs of whitespace to single spaces and trims the ends.
func Clean(p string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(p, " "))
}

var systemBlock = regexp.MustCompile(`(?is)\[SYSTEM\](.*?)\[/SYSTEM\]`)

// ExtractSystem returns the text inside the first [SYSTEM]...[/SYSTEM]
// block, or "".
func ExtractSystem(p string) string {
	m := systemBlock.FindStringSubmatch(p)
	if m == nil {
		return ""
	}
	return m[1]
}

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// FormatConversation renders messages in the Llama-2 instruction layout.
// Roles other than system, user and assistant are skipped.
func FormatConversation(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		switch m.Role {
		case "system":
			b.WriteString("[INST] <<SYS>>\n" + m.Content + "\n<</SYS>>\n\n")
		case "user":
			b.WriteString("[INST] " + m.Content + " [/INST]")
		case "assistant":
			b.WriteString(m.Content + "\n")
		}
	}
	return b.String()
}

// Split breaks text into whitespace-separated chunks of at most maxChars
// bytes. A single word longer than maxChars becomes its own chunk.
func Split(text string, maxChars int) []string {
	var (
		chunks  []string
		current strings.Builder
	)
	for _, word := range strings.Fields(text) {
		if current.Len() > 0 && current.Len()+len(word)+1 > maxChars {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(word)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

// Detect guesses which template p already follows.
func Detect(p string) Kind {
	lower := strings.ToLower(p)
	switch {
	case strings.Contains(lower, "[inst]") || strings.Contains(lower, "[/inst]"):
		return Llama
	case strings.Contains(lower, "### instruction:"):
		return Alpaca
	case strings.Contains(lower, "user:") || strings.Contains(lower, "assistant:"):
		return Chat
	default:
		return Completion
	}
}
