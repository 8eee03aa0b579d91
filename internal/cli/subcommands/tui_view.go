package subcommands

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// theme holds every style the chat screen draws with.
type theme struct {
	accent lipgloss.Color
	muted  lipgloss.Color

	brand    lipgloss.Style
	tagline  lipgloss.Style
	roles    map[role]lipgloss.Style
	metrics  lipgloss.Style
	pending  lipgloss.Style
	transcr  lipgloss.Style
	input    lipgloss.Style
	picked   lipgloss.Style
	unpicked lipgloss.Style
	status   lipgloss.Style
	alert    lipgloss.Style
}

func newTheme() theme {
	accent := lipgloss.Color("#7CD992")
	muted := lipgloss.Color("#6B7280")
	label := func(c string) lipgloss.Style {
		return lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(c)).PaddingLeft(1)
	}
	return theme{
		accent: accent,
		muted:  muted,
		brand: lipgloss.NewStyle().Bold(true).
			Foreground(lipgloss.Color("#0F172A")).Background(accent).Padding(0, 1),
		tagline: lipgloss.NewStyle().Foreground(muted).Italic(true).PaddingLeft(1),
		roles: map[role]lipgloss.Style{
			roleUser:   label("#F2B86B"),
			roleBot:    label("#7CD992"),
			roleSystem: label("#93C5FD"),
		},
		metrics:  lipgloss.NewStyle().Foreground(muted).PaddingLeft(2),
		pending:  lipgloss.NewStyle().Foreground(accent).Italic(true),
		transcr:  lipgloss.NewStyle().Border(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("#334155")),
		input:    lipgloss.NewStyle().Border(lipgloss.NormalBorder()).BorderForeground(accent),
		picked:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#0F172A")).Background(accent).Padding(0, 1),
		unpicked: lipgloss.NewStyle().Foreground(muted).Padding(0, 1),
		status:   lipgloss.NewStyle().Foreground(muted).PaddingLeft(1),
		alert:    lipgloss.NewStyle().Foreground(lipgloss.Color("#F87171")),
	}
}

// list renders items one per line, highlighting the selected one.
func (t theme) list(items []string, selected int) string {
	lines := make([]string, len(items))
	for i, item := range items {
		if i == selected {
			lines[i] = t.picked.Render(item)
		} else {
			lines[i] = t.unpicked.Render(item)
		}
	}
	return strings.Join(lines, "\n")
}

func (t theme) popup(title, body string) string {
	return lipgloss.NewStyle().
		Border(lipgloss.ThickBorder()).
		BorderForeground(t.accent).
		Padding(1, 2).
		Render(lipgloss.NewStyle().Bold(true).Foreground(t.accent).Render(title) + "\n\n" + body)
}

// transcript renders the conversation shown in the viewport.
func (m *tuiModel) transcript() string {
	var sb strings.Builder
	for i, msg := range m.messages {
		style, ok := m.theme.roles[msg.role]
		if !ok {
			style = m.theme.alert
		}
		sb.WriteString(style.Render(strings.ToUpper(string(msg.role))) + "\n")

		if msg.role != roleBot {
			sb.WriteString(msg.content + "\n\n")
			continue
		}

		body := msg.content
		if body != "" && m.renderer != nil && !(m.loading && i == len(m.messages)-1) {
			if out, err := m.renderer.Render(body); err == nil {
				body = out
			}
		}
		sb.WriteString(body)
		if mt := msg.metrics; mt != nil && m.opts.ShowStats {
			sb.WriteString("\n" + m.theme.metrics.Render(fmt.Sprintf("%d in · %d out · %.1f tok/s · %s · %s",
				mt.InputTokens, mt.OutputTokens, mt.TokensPerSecond,
				mt.Elapsed.Truncate(time.Millisecond), mt.Finish.Text())) + "\n")
		}
		sb.WriteString("\n")
	}

	if m.loading {
		sb.WriteString("\n" + m.spinner.View() + m.theme.pending.Render(" generating, Esc stops"))
	}
	return sb.String()
}

func (m *tuiModel) refreshTranscript() {
	m.viewport.SetContent(m.transcript())
	m.viewport.GotoBottom()
}

func (m tuiModel) View() string {
	if !m.ready {
		return "\n  Loading EdgeLLM..."
	}

	header := lipgloss.JoinHorizontal(lipgloss.Center,
		m.theme.brand.Render("EdgeLLM"),
		m.theme.tagline.Render(fmt.Sprintf("%s · %s template", m.cfg.Runtime.Backend, m.session.Kind())),
	)

	input := m.textarea.View()
	if m.showSuggestions && len(m.suggestions) > 0 {
		input = lipgloss.JoinVertical(lipgloss.Left, m.theme.list(m.suggestions, m.suggestionIdx), input)
	}

	screen := strings.Join([]string{
		header,
		m.theme.transcr.Render(m.viewport.View()),
		m.theme.input.Render(input),
	}, "\n")

	if m.menuOpen {
		screen = lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center,
			m.theme.popup("MENU", m.theme.list(menuItems, m.menuIdx)))
	}

	return screen + "\n" + m.theme.status.Render(m.statusLine())
}

func (m tuiModel) statusLine() string {
	onOff := func(b bool) string {
		if b {
			return "on"
		}
		return "off"
	}
	return fmt.Sprintf("ctrl+s send · ctrl+o menu · esc stop · stream %s · stats %s · %d turns",
		onOff(m.opts.Stream), onOff(m.opts.ShowStats), m.session.Len())
}
