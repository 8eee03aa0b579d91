package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"EdgeLLM/internal/backend"
	_ "EdgeLLM/internal/backend/fake"
	"EdgeLLM/internal/cli/subcommands"
	"EdgeLLM/internal/config"
	"EdgeLLM/internal/engine"
	"EdgeLLM/internal/history"
	"EdgeLLM/internal/llmclient"
	"EdgeLLM/internal/logging"
	"EdgeLLM/internal/prompt"
)

// globalFlags are shared by every command.
type globalFlags struct {
	configPath string
	backend    string
	model      string
	logFile    bool
}

// Execute is the entry point for the EdgeLLM CLI.
func Execute() int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	defer backend.Shutdown()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "edgellm",
		Short: "EdgeLLM - local LLM generation for edge devices",
		Long: `EdgeLLM loads a GGUF model and generates text on-device, as a one-shot
command, an interactive chat, or an HTTP service.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logging.Init(g.logFile)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logging.Close()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "Config file (YAML, or TOML by extension); defaults to $APP_CONFIG or ./edgellm.yaml")
	pf.StringVar(&g.backend, "backend", "", "Decoder backend (overrides config)")
	pf.StringVarP(&g.model, "model", "m", "", "Model path (overrides config)")
	pf.BoolVar(&g.logFile, "log-file", false, "Write logs to ~/.edgellm/logs instead of stderr")

	root.AddCommand(
		newGenerateCmd(g),
		newChatCmd(g),
		newServeCmd(g),
		newInfoCmd(g),
		newSysinfoCmd(),
		newConfigCmd(g),
		newHistoryCmd(g),
		newBenchCmd(g),
	)
	return root
}

// load resolves the configuration and applies command-line overrides.
func (g *globalFlags) load() (config.Config, error) {
	cfg, err := config.ResolvePath(firstNonEmpty(g.configPath, os.Getenv("APP_CONFIG")))
	if err != nil {
		return cfg, fmt.Errorf("failed to load config: %w", err)
	}
	if g.backend != "" {
		cfg.Runtime.Backend = g.backend
	}
	if g.model != "" {
		cfg.Model.Path = g.model
	}
	return cfg, nil
}

// openJournal opens the history store when the config enables it.
func openJournal(cfg config.Config) (*history.Store, error) {
	if !cfg.History.Enabled {
		return nil, nil
	}
	store, err := history.Open(cfg.History.Driver, cfg.History.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	return store, nil
}

// openEngine builds an engine from cfg and loads its model.
func openEngine(cfg config.Config, journal *history.Store) (*engine.Engine, error) {
	var opts []engine.Option
	if journal != nil {
		opts = append(opts, engine.WithRecorder(journal))
	}
	eng := engine.New(cfg, opts...)
	if err := eng.Load(cfg.Model); err != nil {
		_ = eng.Close()
		return nil, err
	}
	return eng, nil
}

// session bundles what a generating command needs and tears it down.
type session struct {
	cfg     config.Config
	eng     *engine.Engine
	journal *history.Store
}

func (g *globalFlags) open() (*session, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, err
	}
	journal, err := openJournal(cfg)
	if err != nil {
		return nil, err
	}
	eng, err := openEngine(cfg, journal)
	if err != nil {
		if journal != nil {
			_ = journal.Close()
		}
		return nil, err
	}
	return &session{cfg: cfg, eng: eng, journal: journal}, nil
}

func (s *session) Close() {
	if err := s.eng.Close(); err != nil {
		log.Printf("warning: failed to close engine: %v", err)
	}
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			log.Printf("warning: failed to close history: %v", err)
		}
	}
}

func newGenerateCmd(g *globalFlags) *cobra.Command {
	var (
		opts   subcommands.GenerateOptions
		file   string
		format string
		system string
		remote string
	)
	cmd := &cobra.Command{
		Use:   "generate [prompt]",
		Short: "Run a single prompt against the loaded model",
		Long: `Generate a reply for one prompt and exit. The prompt is taken from the
arguments, or from --file (plain text, markdown or PDF). With --remote the
prompt is sent to a running "edgellm serve" instead of a local model.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			if file != "" {
				loaded, err := prompt.LoadFile(file)
				if err != nil {
					return err
				}
				text = strings.TrimSpace(loaded + "\n" + text)
			}
			if strings.TrimSpace(text) == "" {
				return errors.New("generate requires a prompt argument or --file")
			}
			if format != "" {
				text = prompt.Format(text, prompt.ParseKind(format))
			}
			if system != "" {
				text = strings.TrimSpace(system) + "\n\n" + text
			}

			if remote != "" {
				return subcommands.RunRemoteGenerate(cmd.Context(), llmclient.NewClient(remote), cmd.OutOrStdout(), text, opts)
			}

			s, err := g.open()
			if err != nil {
				return err
			}
			defer s.Close()
			return subcommands.RunGenerate(cmd.Context(), s.eng, cmd.OutOrStdout(), text, opts)
		},
	}
	f := cmd.Flags()
	f.IntVarP(&opts.MaxTokens, "max-tokens", "n", 0, "Maximum tokens to generate (0 uses config)")
	f.BoolVarP(&opts.Stream, "stream", "s", false, "Stream tokens instead of waiting for the full response")
	f.BoolVar(&opts.ShowStats, "stats", false, "Show generation metrics")
	f.BoolVar(&opts.Spinner, "spinner", false, "Animate while waiting")
	f.StringVarP(&file, "file", "f", "", "Read the prompt from a text or PDF file")
	f.StringVar(&format, "format", "", "Prompt template: completion, chat, llama or alpaca")
	f.StringVar(&system, "system", "", "System text placed before the prompt")
	f.StringVar(&remote, "remote", "", "Base URL of a running server, e.g. http://127.0.0.1:42068")
	return cmd
}

func newChatCmd(g *globalFlags) *cobra.Command {
	var (
		opts   subcommands.ReplOptions
		format string
		plain  bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive conversation with the loaded model",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Format = prompt.ParseKind(format)
			if !plain && !g.logFile {
				// Log lines would corrupt the TUI.
				if err := logging.Init(true); err != nil {
					return err
				}
			}

			s, err := g.open()
			if err != nil {
				return err
			}
			defer s.Close()

			if plain {
				opts.Spinner = !opts.Stream
				return subcommands.RunRepl(cmd.Context(), s.eng, cmd.InOrStdin(), cmd.OutOrStdout(), opts)
			}
			return subcommands.RunTui(cmd.Context(), s.cfg, s.eng, s.journal, opts)
		},
	}
	f := cmd.Flags()
	f.IntVarP(&opts.MaxTokens, "max-tokens", "n", 0, "Maximum tokens per reply (0 uses config)")
	f.BoolVarP(&opts.Stream, "stream", "s", true, "Stream tokens as they are generated")
	f.BoolVar(&opts.ShowStats, "stats", false, "Show metrics after each reply")
	f.StringVar(&format, "format", "llama", "Conversation template: completion, chat, llama or alpaca")
	f.StringVar(&opts.System, "system", "", "System prompt")
	f.BoolVar(&plain, "plain", false, "Line-oriented mode instead of the full-screen interface")
	return cmd
}

func newServeCmd(g *globalFlags) *cobra.Command {
	var opts subcommands.ServeOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the loaded model over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := g.open()
			if err != nil {
				return err
			}
			defer s.Close()
			return subcommands.RunServe(cmd.Context(), s.cfg, s.eng, s.journal, cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.Host, "host", "", "Listen host (overrides config)")
	cmd.Flags().IntVar(&opts.Port, "port", 0, "Listen port (overrides config)")
	return cmd
}

func newInfoCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Load the model and show its configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := g.open()
			if err != nil {
				return err
			}
			defer s.Close()
			return subcommands.RunInfo(s.eng, cmd.OutOrStdout())
		},
	}
}

func newSysinfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sysinfo",
		Short: "Show host telemetry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return subcommands.RunSysinfo(cmd.OutOrStdout())
		},
	}
}

func newConfigCmd(g *globalFlags) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			return subcommands.RunConfig(cfg, cmd.OutOrStdout(), format)
		},
	}
	cmd.Flags().StringVar(&format, "format", "yaml", "Output format: yaml or toml")
	return cmd
}

func newHistoryCmd(g *globalFlags) *cobra.Command {
	var opts subcommands.HistoryOptions
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show journaled generations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			store, err := history.Open(cfg.History.Driver, cfg.History.Path)
			if err != nil {
				return err
			}
			defer store.Close()
			return subcommands.RunHistory(cmd.Context(), store, cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 10, "Number of entries to show")
	cmd.Flags().StringVarP(&opts.Query, "query", "q", "", "Only show entries matching these words")
	return cmd
}

func newBenchCmd(g *globalFlags) *cobra.Command {
	var opts subcommands.BenchOptions
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark generation latency, throughput and memory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			newEngine := func(c config.Config) (*engine.Engine, error) {
				return openEngine(c, nil)
			}
			return subcommands.RunInferBench(cmd.Context(), cfg, newEngine, cmd.OutOrStdout(), opts)
		},
	}
	f := cmd.Flags()
	f.IntVar(&opts.Iterations, "iterations", 5, "Number of iterations per prompt")
	f.IntVar(&opts.MaxTokens, "max-tokens", 128, "Maximum tokens to generate per request")
	f.IntVar(&opts.Warmup, "warmup", 1, "Warmup iterations (not recorded)")
	f.StringVar(&opts.Output, "output", "", "Path to save JSON results (optional)")
	f.StringVar(&opts.Prompt, "prompt", "", "Custom prompt to benchmark (uses standard set if empty)")
	f.BoolVar(&opts.Verbose, "verbose", false, "Print per-iteration details")
	f.BoolVar(&opts.Stream, "stream", false, "Benchmark the streaming path instead of blocking generation")
	f.BoolVar(&opts.Compare, "compare", false, "Run with the tokenization cache off, then as configured, and print the delta")
	return cmd
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
