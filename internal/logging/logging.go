// Package logging routes the standard logger to stderr or to a daily file.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

// DirEnv overrides the directory daily log files are written to.
const DirEnv = "EDGELLM_LOG_DIR"

// keepDays is how many daily files survive a new session.
const keepDays = 7

var state struct {
	sync.Mutex
	file *os.File
	dir  string
}

// Init configures the standard logger. With toFile set, output goes to
// edgellm-YYYY-MM-DD.log under Dir so it never draws over the chat screen.
func Init(toFile bool) error {
	state.Lock()
	defer state.Unlock()

	if !toFile {
		log.SetOutput(os.Stderr)
		log.SetFlags(log.Ltime | log.Lshortfile)
		return nil
	}
	if state.file != nil {
		return nil
	}

	dir := defaultDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("logging: create %s: %w", dir, err)
	}
	name := "edgellm-" + time.Now().Format(time.DateOnly) + ".log"
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("logging: open: %w", err)
	}
	state.file, state.dir = f, dir

	log.SetOutput(f)
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("[session] start pid=%d", os.Getpid())
	prune(dir, keepDays)
	return nil
}

func defaultDir() string {
	if d := os.Getenv(DirEnv); d != "" {
		return d
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".edgellm", "logs")
}

// prune removes all but the newest keep daily files in dir. Names sort by
// date, so lexical order is age order.
func prune(dir string, keep int) {
	matches, err := filepath.Glob(filepath.Join(dir, "edgellm-*.log"))
	if err != nil || len(matches) <= keep {
		return
	}
	slices.SortFunc(matches, func(a, b string) int { return strings.Compare(b, a) })
	for _, old := range matches[keep:] {
		if err := os.Remove(old); err != nil {
			log.Printf("[session] prune %s: %v", old, err)
		}
	}
}

// Close ends file logging and returns output to stderr.
func Close() {
	state.Lock()
	defer state.Unlock()
	if state.file == nil {
		return
	}
	log.Printf("[session] end")
	log.SetOutput(os.Stderr)
	_ = state.file.Close()
	state.file = nil
}

// Discard drops log output, e.g. while benchmarking.
func Discard() {
	log.SetOutput(io.Discard)
}

// Dir is the directory of the current log file, or "" when logging to
// stderr.
func Dir() string {
	state.Lock()
	defer state.Unlock()
	if state.file == nil {
		return ""
	}
	return state.dir
}

// IsFileLogging reports whether logs are going to a file.
func IsFileLogging() bool {
	state.Lock()
	defer state.Unlock()
	return state.file != nil
}
