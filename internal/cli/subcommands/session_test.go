package subcommands

import (
	"testing"

	"EdgeLLM/internal/prompt"
)

func TestSessionPrompt(t *testing.T) {
	tests := []struct {
		name   string
		kind   prompt.Kind
		system string
		want   string
	}{
		{
			name: "chat keeps every turn",
			kind: prompt.Chat,
			want: "User: hi\nAssistant: hello\nUser: how are you\nAssistant:",
		},
		{
			name:   "chat with system",
			kind:   prompt.Chat,
			system: "Be brief.",
			want:   "Be brief.\nUser: hi\nAssistant: hello\nUser: how are you\nAssistant:",
		},
		{
			name:   "llama conversation",
			kind:   prompt.Llama,
			system: "Be brief.",
			want:   "[INST] <<SYS>>\nBe brief.\n<</SYS>>\n\n[INST] hi [/INST]hello\n[INST] how are you [/INST]",
		},
		{
			name: "completion sees the last turn only",
			kind: prompt.Completion,
			want: "how are you",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := NewSession(tc.system, tc.kind)
			s.Prompt("hi")
			s.Reply(" hello ")
			if got := s.Prompt("how are you"); got != tc.want {
				t.Errorf("got %q\nwant %q", got, tc.want)
			}
			if s.Len() != 3 {
				t.Errorf("Len = %d, want 3", s.Len())
			}
		})
	}
}

func TestSessionReset(t *testing.T) {
	s := NewSession("", prompt.Chat)
	s.Prompt("one")
	s.Reply("two")
	s.Reset()
	if s.Len() != 0 {
		t.Fatalf("Len after reset = %d", s.Len())
	}
	if got := s.Prompt("three"); got != "User: three\nAssistant:" {
		t.Errorf("got %q", got)
	}
}

func TestParseSetting(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"on", true},
		{"False", false},
		{"42", int64(42)},
		{"0.25", 0.25},
		{" llama ", "llama"},
	}
	for _, tc := range tests {
		if got := parseSetting(tc.in); got != tc.want {
			t.Errorf("parseSetting(%q) = %#v, want %#v", tc.in, got, tc.want)
		}
	}
}

func TestStripANSI(t *testing.T) {
	if got := stripANSI(colorRed + "boom" + colorReset); got != "boom" {
		t.Errorf("got %q", got)
	}
	if got := truncateString("abcdef", 3); got != "abc..." {
		t.Errorf("got %q", got)
	}
}
