package subcommands

import (
	"fmt"
	"io"
	"strings"

	"EdgeLLM/internal/config"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// RunConfig displays the effective configuration as YAML or TOML.
func RunConfig(cfg config.Config, w io.Writer, format string) error {
	switch strings.ToLower(format) {
	case "", "yaml", "yml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		_, err = w.Write(data)
		return err
	case "toml":
		return toml.NewEncoder(w).Encode(cfg)
	default:
		return fmt.Errorf("unknown config format %q (want yaml or toml)", format)
	}
}
