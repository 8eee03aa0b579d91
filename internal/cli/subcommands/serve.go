package subcommands

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"EdgeLLM/internal/config"
	"EdgeLLM/internal/engine"
	"EdgeLLM/internal/history"
	"EdgeLLM/internal/server"
)

// ServeOptions override the configured listen address.
type ServeOptions struct {
	Host string
	Port int
}

// RunServe exposes eng over HTTP until ctx is cancelled.
func RunServe(ctx context.Context, cfg config.Config, eng *engine.Engine, journal *history.Store, w io.Writer, opts ServeOptions) error {
	host := cfg.Server.Host
	if opts.Host != "" {
		host = opts.Host
	}
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Server.Port
	if opts.Port > 0 {
		port = opts.Port
	}

	// A nil *history.Store must not become a non-nil interface.
	var hist server.History
	if journal != nil {
		hist = journal
	}

	httpServer := server.NewHTTPServer(host, strconv.Itoa(port), eng, hist)
	if err := httpServer.Start(cfg.Runtime.Backend); err != nil {
		return err
	}

	addr := httpServer.Addr()
	fmt.Fprintf(w, "EdgeLLM HTTP server listening on http://%s\n", addr)
	fmt.Fprintf(w, "  Health:   http://%s/health\n", addr)
	fmt.Fprintf(w, "  Generate: http://%s/v1/generate\n", addr)

	<-ctx.Done()
	fmt.Fprintln(w, "HTTP server shutting down")
	return httpServer.Stop()
}
