package bot

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// FileConfig is the YAML structure of the bot server config file.
type FileConfig struct {
	// Port the server listens on. The -p flag overrides it.
	Port int `yaml:"port"`

	// BaseURL overrides the platform bot API base (settings sync, cost).
	BaseURL string `yaml:"base_url"`

	// AllowWithoutKey permits keyless bots for local development.
	AllowWithoutKey bool `yaml:"allow_without_key"`

	// Bots lists the bots to serve.
	Bots []BotFileConfig `yaml:"bots"`
}

// BotFileConfig describes a single bot entry.
type BotFileConfig struct {
	// Name is the bot's handle on the platform.
	Name string `yaml:"name"`

	// Path is the URL path to serve the bot on. Defaults to "/".
	Path string `yaml:"path"`

	// AccessKey can be a literal key or "${ENV_VAR}" to read from
	// environment.
	AccessKey string `yaml:"access_key"`
}

// LoadFileConfig reads and parses a YAML config file, expanding ${ENV_VAR}
// references in string values.
func LoadFileConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	// Expand environment variables in the raw YAML before parsing.
	expanded := os.ExpandEnv(string(data))

	var cfg FileConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	seen := make(map[string]bool, len(cfg.Bots))
	for i := range cfg.Bots {
		if cfg.Bots[i].Path == "" {
			cfg.Bots[i].Path = "/"
		}
		if seen[cfg.Bots[i].Path] {
			return nil, fmt.Errorf("config: duplicate bot path %q", cfg.Bots[i].Path)
		}
		seen[cfg.Bots[i].Path] = true
	}
	return &cfg, nil
}
