package subcommands

import (
	"fmt"
	"io"

	"EdgeLLM/internal/engine"
	"EdgeLLM/internal/sysinfo"
)

// RunInfo prints the loaded model's configuration.
func RunInfo(eng *engine.Engine, w io.Writer) error {
	_, err := fmt.Fprintln(w, eng.ModelInfo())
	return err
}

// RunSysinfo prints host telemetry. It needs no model.
func RunSysinfo(w io.Writer) error {
	_, err := fmt.Fprintln(w, sysinfo.Collect().String())
	return err
}
