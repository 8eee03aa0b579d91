package prompt

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestFormat(t *testing.T) {
	tests := []struct {
		name string
		in   string
		kind Kind
		want string
	}{
		{"completion cleans", "  hello \n\t world  ", Completion, "hello world"},
		{"chat", "hi", Chat, "User: hi\nAssistant:"},
		{"llama wraps", "hi", Llama, "[INST] hi [/INST]"},
		{"llama already formatted", "[INST] hi [/INST]", Llama, "[INST] hi [/INST]"},
		{"alpaca", "sum 2 and 2", Alpaca, "### Instruction:\nsum 2 and 2\n\n### Response:\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Format(tc.in, tc.kind); got != tc.want {
				t.Errorf("Format(%q, %s) = %q, want %q", tc.in, tc.kind, got, tc.want)
			}
		})
	}
}

func TestParseKind(t *testing.T) {
	tests := map[string]Kind{
		"llama2":  Llama,
		" Chat ":  Chat,
		"alpaca":  Alpaca,
		"":        Completion,
		"mystery": Completion,
	}
	for in, want := range tests {
		if got := ParseKind(in); got != want {
			t.Errorf("ParseKind(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestDetect(t *testing.T) {
	tests := []struct {
		in   string
		want Kind
	}{
		{"[inst] do it [/inst]", Llama},
		{"User: hello\nAssistant:", Chat},
		{"### Instruction:\nx", Alpaca},
		{"once upon a time", Completion},
	}
	for _, tc := range tests {
		if got := Detect(tc.in); got != tc.want {
			t.Errorf("Detect(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestExtractSystem(t *testing.T) {
	if got := ExtractSystem("[system]be brief[/SYSTEM] question"); got != "be brief" {
		t.Errorf("got %q", got)
	}
	if got := ExtractSystem("no system here"); got != "" {
		t.Errorf("got %q", got)
	}
}

func TestFormatConversation(t *testing.T) {
	got := FormatConversation([]Message{
		{Role: "system", Content: "You are terse."},
		{Role: "user", Content: "Hi"},
		{Role: "assistant", Content: "Hello."},
		{Role: "tool", Content: "ignored"},
		{Role: "user", Content: "Bye"},
	})
	want := "[INST] <<SYS>>\nYou are terse.\n<</SYS>>\n\n[INST] Hi [/INST]Hello.\n[INST] Bye [/INST]"
	if got != want {
		t.Errorf("got %q\nwant %q", got, want)
	}
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want []string
	}{
		{"fits", "a b c", 10, []string{"a b c"}},
		{"breaks on words", "aaa bbb ccc", 7, []string{"aaa bbb", "ccc"}},
		{"long word alone", "tiny enormousword x", 5, []string{"tiny", "enormousword", "x"}},
		{"empty", "   ", 5, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Split(tc.in, tc.max); !reflect.DeepEqual(got, tc.want) {
				t.Errorf("Split(%q, %d) = %q, want %q", tc.in, tc.max, got, tc.want)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prompt.md")
	if err := os.WriteFile(path, []byte("# Title\nSummarise this."), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if got != "# Title\nSummarise this." {
		t.Errorf("got %q", got)
	}

	if _, err := LoadFile(filepath.Join(dir, "missing.txt")); err == nil {
		t.Error("expected error for missing file")
	}

	bad := filepath.Join(dir, "broken.pdf")
	if err := os.WriteFile(bad, []byte("not a pdf"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(bad); err == nil {
		t.Error("expected error for malformed pdf")
	}

	if _, err := LoadFile(dir); err == nil {
		t.Error("expected error for a directory")
	}

	big := filepath.Join(dir, "big.txt")
	if err := os.WriteFile(big, make([]byte, MaxFileBytes+1), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(big); err == nil {
		t.Error("expected error for an oversized file")
	}
}
