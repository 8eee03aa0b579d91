package subcommands

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"EdgeLLM/internal/config"
	"EdgeLLM/internal/engine"
	"EdgeLLM/internal/generation"
	"EdgeLLM/internal/history"
	"EdgeLLM/internal/stream"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
)

type role string

const (
	roleUser   role = "you"
	roleBot    role = "edgellm"
	roleSystem role = "system"
)

type chatMessage struct {
	role    role
	content string
	metrics *generation.Metrics
}

var placeholders = []string{
	"Ask something...",
	"Everything stays on this device.",
	"Type /help for commands",
	"What should we write today?",
}

var menuItems = []string{
	"Clear conversation",
	"Toggle streaming",
	"Toggle stats",
	"Stop generation",
	"Quit",
}

// chrome is the height taken by the header, input box, borders and the
// status line.
const chrome = 13

type tuiModel struct {
	ctx     context.Context
	eng     *engine.Engine
	cfg     config.Config
	opts    ReplOptions
	session *Session
	journal *history.Store

	theme    theme
	viewport viewport.Model
	textarea textarea.Model
	spinner  spinner.Model
	renderer *glamour.TermRenderer

	messages []chatMessage
	active   *stream.Stream
	loading  bool
	ready    bool
	width    int
	height   int

	suggestions     []string
	suggestionIdx   int
	showSuggestions bool

	menuOpen bool
	menuIdx  int
}

// resultMsg carries a finished blocking generation.
type resultMsg struct {
	result generation.Result
	err    error
}

// fragmentMsg carries one record read from the active stream.
type fragmentMsg struct {
	stream   *stream.Stream
	fragment stream.Fragment
	err      error
}

func newTuiModel(ctx context.Context, cfg config.Config, eng *engine.Engine, journal *history.Store, opts ReplOptions) tuiModel {
	th := newTheme()

	ta := textarea.New()
	ta.Placeholder = placeholders[rand.IntN(len(placeholders))]
	ta.Prompt = "> "
	ta.CharLimit = 8000
	ta.ShowLineNumbers = false
	ta.SetWidth(80)
	ta.SetHeight(4)
	ta.Focus()

	sp := spinner.New(spinner.WithSpinner(spinner.MiniDot))
	sp.Style = th.pending

	return tuiModel{
		ctx:      ctx,
		eng:      eng,
		cfg:      cfg,
		opts:     opts,
		session:  NewSession(opts.System, opts.Format),
		journal:  journal,
		theme:    th,
		textarea: ta,
		spinner:  sp,
		renderer: markdownRenderer(80),
	}
}

func markdownRenderer(width int) *glamour.TermRenderer {
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(width))
	if err != nil {
		return nil
	}
	return r
}

func (m tuiModel) Init() tea.Cmd {
	return textarea.Blink
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if cmd, handled := m.handleKey(msg); handled {
			return m, cmd
		}

	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case fragmentMsg:
		return m, m.handleFragment(msg)

	case resultMsg:
		m.finish(msg.result, msg.err)
		return m, nil

	case spinner.TickMsg:
		if !m.loading {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		m.refreshTranscript()
		return m, cmd
	}

	var taCmd, vpCmd tea.Cmd
	m.textarea, taCmd = m.textarea.Update(msg)
	m.refreshSuggestions()
	m.viewport, vpCmd = m.viewport.Update(msg)
	return m, tea.Batch(taCmd, vpCmd)
}

// handleKey reports whether the key was consumed.
func (m *tuiModel) handleKey(k tea.KeyMsg) (tea.Cmd, bool) {
	if m.menuOpen {
		return m.handleMenuKey(k), true
	}
	if m.showSuggestions {
		if handled := m.handleSuggestionKey(k); handled {
			return nil, true
		}
	}

	switch k.Type {
	case tea.KeyCtrlC:
		m.eng.StopGeneration()
		return tea.Quit, true
	case tea.KeyEsc:
		if m.loading {
			m.eng.StopGeneration()
			return nil, true
		}
		return tea.Quit, true
	case tea.KeyCtrlO:
		m.menuOpen, m.menuIdx = true, 0
		return nil, true
	case tea.KeyCtrlS:
		return m.submit(), true
	}
	return nil, false
}

func (m *tuiModel) handleMenuKey(k tea.KeyMsg) tea.Cmd {
	switch k.Type {
	case tea.KeyUp:
		m.menuIdx = (m.menuIdx + len(menuItems) - 1) % len(menuItems)
	case tea.KeyDown:
		m.menuIdx = (m.menuIdx + 1) % len(menuItems)
	case tea.KeyEsc, tea.KeyCtrlO:
		m.menuOpen = false
	case tea.KeyEnter:
		m.menuOpen = false
		return m.menuAction(m.menuIdx)
	}
	return nil
}

func (m *tuiModel) handleSuggestionKey(k tea.KeyMsg) bool {
	n := len(m.suggestions)
	switch k.Type {
	case tea.KeyUp:
		m.suggestionIdx = (m.suggestionIdx + n - 1) % n
	case tea.KeyDown:
		m.suggestionIdx = (m.suggestionIdx + 1) % n
	case tea.KeyTab, tea.KeyEnter:
		m.textarea.SetValue(m.suggestions[m.suggestionIdx] + " ")
		m.textarea.CursorEnd()
		m.showSuggestions = false
	case tea.KeyEsc:
		m.showSuggestions = false
	default:
		return false
	}
	return true
}

func (m *tuiModel) refreshSuggestions() {
	m.suggestions = m.suggestions[:0]
	val := m.textarea.Value()
	if strings.HasPrefix(val, "/") && !strings.Contains(val, " ") {
		for _, name := range commandNames() {
			if strings.HasPrefix(name, val) {
				m.suggestions = append(m.suggestions, name)
			}
		}
	}
	m.showSuggestions = len(m.suggestions) > 0
	if m.suggestionIdx >= len(m.suggestions) {
		m.suggestionIdx = 0
	}
}

func (m *tuiModel) resize(w, h int) {
	m.width, m.height = w, h
	vw, vh := max(w-4, 10), max(h-chrome, 3)
	if !m.ready {
		m.viewport = viewport.New(vw, vh)
		m.ready = true
	} else {
		m.viewport.Width, m.viewport.Height = vw, vh
	}
	m.textarea.SetWidth(max(w-6, 10))
	m.renderer = markdownRenderer(max(vw-4, 20))
	m.refreshTranscript()
}

// submit sends the textarea content as a command or a new turn.
func (m *tuiModel) submit() tea.Cmd {
	if m.loading {
		return nil
	}
	text := strings.TrimSpace(m.textarea.Value())
	if text == "" {
		return nil
	}
	m.textarea.Reset()
	m.showSuggestions = false

	if cmd, ok := m.runCommand(text); ok {
		return cmd
	}

	m.messages = append(m.messages,
		chatMessage{role: roleUser, content: text},
		chatMessage{role: roleBot},
	)
	m.loading = true
	m.refreshTranscript()
	return tea.Batch(m.spinner.Tick, m.startReply(m.session.Prompt(text)))
}

// startReply begins generating. Stream mode yields one fragmentMsg per
// record; otherwise a single resultMsg arrives.
func (m *tuiModel) startReply(input string) tea.Cmd {
	if m.opts.Stream {
		m.active = m.eng.Stream(input, m.opts.MaxTokens)
		return m.nextFragment(m.active)
	}
	eng, ctx, maxTokens := m.eng, m.ctx, m.opts.MaxTokens
	return func() tea.Msg {
		res, err := eng.GenerateResult(ctx, input, maxTokens)
		return resultMsg{result: res, err: err}
	}
}

func (m *tuiModel) nextFragment(s *stream.Stream) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		f, err := s.Next(ctx)
		return fragmentMsg{stream: s, fragment: f, err: err}
	}
}

func (m *tuiModel) handleFragment(msg fragmentMsg) tea.Cmd {
	if msg.stream != m.active {
		return nil
	}
	reply := &m.messages[len(m.messages)-1]
	switch {
	case msg.err != nil:
		m.finish(generation.Result{}, msg.err)
	case msg.fragment.Final:
		res := generation.Result{Text: reply.content}
		if msg.fragment.Metrics != nil {
			res.Metrics = *msg.fragment.Metrics
		}
		m.finish(res, msg.fragment.Err)
	default:
		reply.content += msg.fragment.Text
		m.refreshTranscript()
		return m.nextFragment(msg.stream)
	}
	return nil
}

// finish closes out the pending reply.
func (m *tuiModel) finish(res generation.Result, err error) {
	m.loading = false
	if m.active != nil {
		m.active.Close()
		m.active = nil
	}
	reply := &m.messages[len(m.messages)-1]
	if err != nil {
		reply.content = generation.TextOf(err)
		m.session.Reply("")
	} else {
		reply.content = res.Text
		reply.metrics = &res.Metrics
		m.session.Reply(res.Text)
	}
	m.refreshTranscript()
}

func (m *tuiModel) menuAction(idx int) tea.Cmd {
	switch idx {
	case 0:
		m.clear()
	case 1:
		m.opts.Stream = !m.opts.Stream
		m.note(fmt.Sprintf("Streaming %v", m.opts.Stream))
	case 2:
		m.opts.ShowStats = !m.opts.ShowStats
		m.note(fmt.Sprintf("Stats %v", m.opts.ShowStats))
	case 3:
		m.eng.StopGeneration()
	case 4:
		m.eng.StopGeneration()
		return tea.Quit
	}
	return nil
}

func (m *tuiModel) clear() {
	m.messages = nil
	m.session.Reset()
	m.refreshTranscript()
}

func (m *tuiModel) note(content string) {
	m.messages = append(m.messages, chatMessage{role: roleSystem, content: content})
	m.refreshTranscript()
}

// chatCommand handles one slash command; args is the text after its name.
type chatCommand struct {
	help string
	run  func(m *tuiModel, args string) tea.Cmd
}

var chatCommands = map[string]chatCommand{
	"/clear": {"forget the conversation", func(m *tuiModel, _ string) tea.Cmd {
		m.clear()
		return nil
	}},
	"/stats": {"metrics of the last reply", func(m *tuiModel, _ string) tea.Cmd {
		for i := len(m.messages) - 1; i >= 0; i-- {
			if mt := m.messages[i].metrics; mt != nil {
				var sb strings.Builder
				fields := mt.Map()
				for _, k := range []string{"input_tokens", "output_tokens", "tokens_per_second", "ttft_ms", "elapsed_ms", "context_utilization", "finish_reason"} {
					fmt.Fprintf(&sb, "- **%s**: %v\n", k, fields[k])
				}
				m.note(sb.String())
				return nil
			}
		}
		m.note("No generation yet.")
		return nil
	}},
	"/config": {"session settings", func(m *tuiModel, _ string) tea.Cmd {
		m.note(fmt.Sprintf("- **backend**: %s\n- **template**: %s\n- **stream**: %v\n- **stats**: %v\n- **max tokens**: %d\n- **turns**: %d\n",
			m.cfg.Runtime.Backend, m.session.Kind(), m.opts.Stream, m.opts.ShowStats, m.opts.MaxTokens, m.session.Len()))
		return nil
	}},
	"/info": {"loaded model configuration", func(m *tuiModel, _ string) tea.Cmd {
		m.note(m.eng.ModelInfo())
		return nil
	}},
	"/sysinfo": {"host telemetry", func(m *tuiModel, _ string) tea.Cmd {
		m.note(m.eng.SystemInfo())
		return nil
	}},
	"/history": {"recent journaled generations", func(m *tuiModel, args string) tea.Cmd {
		if m.journal == nil {
			m.note("History is disabled. Set history.enabled in the config.")
			return nil
		}
		var (
			entries []history.Entry
			err     error
		)
		if args != "" {
			entries, err = m.journal.Search(m.ctx, args, 5)
		} else {
			entries, err = m.journal.Recent(m.ctx, 5)
		}
		if err != nil {
			m.note("Error: " + err.Error())
			return nil
		}
		if len(entries) == 0 {
			m.note("Nothing recorded.")
			return nil
		}
		var sb strings.Builder
		for _, e := range entries {
			fmt.Fprintf(&sb, "- %s **%s** → %s\n", e.CreatedAt.Format(time.Kitchen),
				truncateString(e.Prompt, 40), truncateString(e.Output, 60))
		}
		m.note(sb.String())
		return nil
	}},
	"/set": {"change a setting, e.g. /set temperature 0.2", func(m *tuiModel, args string) tea.Cmd {
		param, value, ok := strings.Cut(args, " ")
		if !ok || strings.TrimSpace(value) == "" {
			m.note("Usage: /set <param> <value>")
			return nil
		}
		var out strings.Builder
		handleSetParam(m.eng, &out, &m.opts, param, strings.TrimSpace(value))
		m.note(strings.TrimSpace(stripANSI(out.String())))
		return nil
	}},
	"/stop": {"stop the running generation", func(m *tuiModel, _ string) tea.Cmd {
		m.eng.StopGeneration()
		return nil
	}},
	"/exit": {"leave", func(m *tuiModel, _ string) tea.Cmd {
		m.eng.StopGeneration()
		return tea.Quit
	}},
}

func init() {
	chatCommands["/help"] = chatCommand{"list commands", func(m *tuiModel, _ string) tea.Cmd {
		var sb strings.Builder
		sb.WriteString("### Commands\n")
		for _, name := range commandNames() {
			fmt.Fprintf(&sb, "- **%s**: %s\n", name, chatCommands[name].help)
		}
		m.note(sb.String())
		return nil
	}}
}

func commandNames() []string {
	names := make([]string, 0, len(chatCommands))
	for name := range chatCommands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// runCommand executes text when it names a command or an exit word.
func (m *tuiModel) runCommand(text string) (tea.Cmd, bool) {
	switch strings.ToLower(text) {
	case "exit", "quit", "/quit", "/bye":
		text = "/exit"
	}
	if !strings.HasPrefix(text, "/") {
		return nil, false
	}
	name, args, _ := strings.Cut(text, " ")
	cmd, ok := chatCommands[strings.ToLower(name)]
	if !ok {
		m.note(fmt.Sprintf("Unknown command %q. Type /help.", name))
		return nil, true
	}
	return cmd.run(m, strings.TrimSpace(args)), true
}

// RunTui executes the full-screen chat.
func RunTui(ctx context.Context, cfg config.Config, eng *engine.Engine, journal *history.Store, opts ReplOptions) error {
	p := tea.NewProgram(
		newTuiModel(ctx, cfg, eng, journal, opts),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
		tea.WithContext(ctx),
	)
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("tui: %w", err)
	}
	return nil
}
