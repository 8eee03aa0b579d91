package subcommands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"EdgeLLM/internal/engine"
	"EdgeLLM/internal/generation"
	"EdgeLLM/internal/prompt"
)

// ReplOptions configure the line-oriented interactive mode.
type ReplOptions struct {
	GenerateOptions
	Format prompt.Kind
	System string
	// Quiet drops the banner.
	Quiet bool
}

// RunRepl reads prompts from in until EOF or an exit command, keeping the
// conversation in a Session.
func RunRepl(ctx context.Context, eng *engine.Engine, in io.Reader, w io.Writer, opts ReplOptions) error {
	if !opts.Quiet {
		fmt.Fprint(w, colorCyan+logo+colorReset)
		fmt.Fprintf(w, "%sEdgeLLM Interactive Mode%s\n", colorBold, colorReset)
		fmt.Fprintf(w, "%sType 'exit' to quit | '/help' for commands%s\n", colorGray, colorReset)
		fmt.Fprintf(w, "%sTemplate: %s%s\n\n", colorGray, opts.Format, colorReset)
	}

	session := NewSession(opts.System, opts.Format)
	reader := bufio.NewReader(in)
	var last *generation.Metrics

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		fmt.Fprintf(w, "%sYou: %s", colorBlue+colorBold, colorReset)
		input, err := reader.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && input != "") {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(w)
				return nil
			}
			return fmt.Errorf("input error: %w", err)
		}

		message := strings.TrimSpace(input)
		// Support multi-line input if ending with backslash
		for strings.HasSuffix(message, "\\") {
			message = strings.TrimSuffix(message, "\\")
			fmt.Fprintf(w, "%s...  %s", colorGray, colorReset)
			nextPart, _ := reader.ReadString('\n')
			message += "\n" + strings.TrimSpace(nextPart)
		}

		if message == "" {
			continue
		}

		lowerMsg := strings.ToLower(message)
		if lowerMsg == "exit" || lowerMsg == "quit" || lowerMsg == "/exit" || lowerMsg == "/quit" || lowerMsg == "/bye" {
			fmt.Fprintf(w, "\n%sGoodbye!%s\n", colorCyan, colorReset)
			return nil
		}

		if strings.HasPrefix(message, "/") {
			handleCommand(eng, w, message, session, &opts, last)
			continue
		}

		fmt.Fprintf(w, "%sEdgeLLM: %s", colorGreen+colorBold, colorReset)
		res, err := generate(ctx, eng, w, session.Prompt(message), opts.GenerateOptions)
		if err != nil {
			fmt.Fprintf(w, "\r%sruntime error: %s%s\n", colorRed, generation.TextOf(err), colorReset)
			session.Reply("")
			continue
		}
		session.Reply(res.Text)
		last = &res.Metrics

		if opts.ShowStats {
			printResponseStats(w, res.Metrics)
		}
		fmt.Fprintln(w)
	}
}

// handleCommand processes a slash command.
func handleCommand(eng *engine.Engine, w io.Writer, cmd string, session *Session, opts *ReplOptions, last *generation.Metrics) {
	fields := strings.Fields(cmd)
	switch strings.ToLower(fields[0]) {
	case "/help":
		printReplHelp(w)
	case "/clear":
		session.Reset()
		fmt.Fprintf(w, "%sConversation cleared.%s\n", colorYellow, colorReset)
	case "/info":
		fmt.Fprintln(w, eng.ModelInfo())
	case "/sysinfo":
		fmt.Fprintln(w, eng.SystemInfo())
	case "/stats":
		if last == nil {
			fmt.Fprintf(w, "%sNo generation yet.%s\n", colorGray, colorReset)
			return
		}
		printResponseStats(w, *last)
	case "/set":
		if len(fields) < 3 {
			fmt.Fprintf(w, "%sUsage: /set <param> <value>%s\n", colorYellow, colorReset)
			return
		}
		handleSetParam(eng, w, opts, fields[1], strings.Join(fields[2:], " "))
	default:
		fmt.Fprintf(w, "%sUnknown command %q. Type /help.%s\n", colorRed, fields[0], colorReset)
	}
}

// handleSetParam updates a session toggle or, failing that, an engine option.
func handleSetParam(eng *engine.Engine, w io.Writer, opts *ReplOptions, param, value string) {
	switch strings.ToLower(param) {
	case "stream":
		if v, ok := parseSetting(value).(bool); ok {
			opts.Stream = v
		}
		fmt.Fprintf(w, "Param %sStream%s set to %v\n", colorCyan, colorReset, opts.Stream)
	case "stats":
		if v, ok := parseSetting(value).(bool); ok {
			opts.ShowStats = v
		}
		fmt.Fprintf(w, "Param %sShowStats%s set to %v\n", colorCyan, colorReset, opts.ShowStats)
	case "max-tokens", "maxtokens":
		if v, ok := parseSetting(value).(int64); ok && v >= 0 {
			opts.MaxTokens = int(v)
		}
		fmt.Fprintf(w, "Param %sMaxTokens%s set to %d\n", colorCyan, colorReset, opts.MaxTokens)
	default:
		if err := eng.Apply(map[string]any{param: parseSetting(value)}); err != nil {
			fmt.Fprintf(w, "%s%v%s\n", colorRed, err, colorReset)
			return
		}
		fmt.Fprintf(w, "Param %s%s%s set to %s\n", colorCyan, param, colorReset, value)
	}
}

func printReplHelp(w io.Writer) {
	fmt.Fprintf(w, `%sCommands:%s
  /help                 Show this help
  /clear                Forget the conversation
  /info                 Show the loaded model configuration
  /sysinfo              Show host telemetry
  /stats                Show metrics of the last reply
  /set <param> <value>  stream, stats, max-tokens or any engine option (e.g. temperature 0.2)
  exit, /quit, /bye     Leave
`, colorBold, colorReset)
}
