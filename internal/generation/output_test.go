package generation

import "testing"

func TestOutputHoldback(t *testing.T) {
	tests := []struct {
		name    string
		stops   []string
		pieces  []string
		want    []string
		stopped bool
		final   string
	}{
		{
			name:   "no stops releases immediately",
			pieces: []string{"a", "b", "c"},
			want:   []string{"a", "b", "c"},
			final:  "abc",
		},
		{
			name:    "stop inside one piece",
			stops:   []string{"<|end|>"},
			pieces:  []string{"hi", " there<|end|>junk"},
			want:    []string{"hi", " there"},
			stopped: true,
			final:   "hi there",
		},
		{
			name:    "stop across pieces",
			stops:   []string{"###"},
			pieces:  []string{"ok #", "#", "# tail"},
			want:    []string{"ok ", "", ""},
			stopped: true,
			final:   "ok ",
		},
		{
			name:   "false alarm is released",
			stops:  []string{"###"},
			pieces: []string{"a#", "b"},
			want:   []string{"a", "#b"},
			final:  "a#b",
		},
		{
			name:   "split rune held until complete",
			pieces: []string{"\xe2", "\x9c", "\x93!"},
			want:   []string{"", "", "✓!"},
			final:  "✓!",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			o := newOutput(tc.stops)
			var stopped bool
			for i, p := range tc.pieces {
				ready, s := o.add(p)
				if ready != tc.want[i] {
					t.Errorf("piece %d: ready = %q, want %q", i, ready, tc.want[i])
				}
				if s {
					stopped = true
					break
				}
			}
			if stopped != tc.stopped {
				t.Errorf("stopped = %v, want %v", stopped, tc.stopped)
			}
			o.flush()
			if got := o.released(); got != tc.final {
				t.Errorf("released = %q, want %q", got, tc.final)
			}
		})
	}
}
