package subcommands

import (
	"context"
	"fmt"
	"io"
	"time"

	"EdgeLLM/internal/history"
)

// HistoryOptions select which journal entries to print.
type HistoryOptions struct {
	Limit int
	Query string
}

// RunHistory prints recent journal entries, or those matching Query.
func RunHistory(ctx context.Context, store *history.Store, w io.Writer, opts HistoryOptions) error {
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	var (
		entries []history.Entry
		err     error
	)
	if opts.Query != "" {
		entries, err = store.Search(ctx, opts.Query, limit)
	} else {
		entries, err = store.Recent(ctx, limit)
	}
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}

	if len(entries) == 0 {
		fmt.Fprintln(w, "No generations recorded.")
		return nil
	}

	fmt.Fprintf(w, "%sRecent generations (%s):%s\n", colorBold, store.Driver(), colorReset)
	for i, e := range entries {
		status := e.Finish
		if e.Error != "" {
			status = colorRed + e.Error + colorReset
		}
		fmt.Fprintf(w, "\n%d. %s[%s]%s %s\n", i+1, colorGray, e.CreatedAt.Format(time.DateTime), colorReset, status)
		fmt.Fprintf(w, "   %sprompt:%s %s\n", colorBlue, colorReset, truncateString(e.Prompt, 100))
		if e.Output != "" {
			fmt.Fprintf(w, "   %soutput:%s %s\n", colorGreen, colorReset, truncateString(e.Output, 100))
		}
		fmt.Fprintf(w, "   %s%d in, %d out, %.0fms, %.1f tok/s%s\n", colorGray,
			e.InputTokens, e.OutputTokens, e.ElapsedMS, e.TokensPerSecond, colorReset)
	}
	return nil
}
