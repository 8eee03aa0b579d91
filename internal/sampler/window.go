package sampler

// WindowSize is the number of recent tokens the penalties can see.
const WindowSize = 128

// Window is a fixed-capacity FIFO of recently sampled tokens. When full,
// pushing evicts the oldest entry.
type Window struct {
	buf   []int32
	start int
	n     int
}

// NewWindow returns an empty window holding at most capacity tokens.
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = WindowSize
	}
	return &Window{buf: make([]int32, capacity)}
}

// Push appends tok, evicting the oldest token when the window is full.
func (w *Window) Push(tok int32) {
	if w.n < len(w.buf) {
		w.buf[(w.start+w.n)%len(w.buf)] = tok
		w.n++
		return
	}
	w.buf[w.start] = tok
	w.start = (w.start + 1) % len(w.buf)
}

// Len returns the number of tokens held.
func (w *Window) Len() int { return w.n }

// Cap returns the window capacity.
func (w *Window) Cap() int { return len(w.buf) }

// Last returns up to n of the most recent tokens, oldest first. n <= 0
// returns every token held.
func (w *Window) Last(n int) []int32 {
	if n <= 0 || n > w.n {
		n = w.n
	}
	out := make([]int32, n)
	skip := w.n - n
	for i := 0; i < n; i++ {
		out[i] = w.buf[(w.start+skip+i)%len(w.buf)]
	}
	return out
}

// Reset empties the window.
func (w *Window) Reset() {
	w.start = 0
	w.n = 0
}
