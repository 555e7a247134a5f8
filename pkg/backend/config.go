package backend

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config is a named, immutable set of parameters for a chat-completion call.
// Configs are loaded from <name>.yaml documents in a config directory and
// selected per session.
type Config struct {
	Name string `yaml:"-" json:"name"`

	Model   string `yaml:"model" json:"model"`
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`

	// APIKeyEnv names the environment variable holding the API key for this
	// config, overriding the client's default key.
	APIKeyEnv string `yaml:"api_key_env,omitempty" json:"api_key_env,omitempty"`

	Temperature       *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	TopP              *float64 `yaml:"top_p,omitempty" json:"top_p,omitempty"`
	MaxResponseTokens *int     `yaml:"max_response_tokens,omitempty" json:"max_response_tokens,omitempty"`
	Stop              []string `yaml:"stop,omitempty" json:"stop,omitempty"`

	// ToolsEnabled marks whether this config's backend accepts tool specs.
	ToolsEnabled bool `yaml:"tools_enabled" json:"tools_enabled"`

	// ResponseFormat optionally forces a response schema ("json_object").
	ResponseFormat string `yaml:"response_format,omitempty" json:"response_format,omitempty"`
}

func (c *Config) Clone() *Config {
	return clone.Clone(c).(*Config)
}

func (c *Config) Validate() error {
	if c.Model == "" {
		return errors.Errorf("config %s has no model", c.Name)
	}
	return nil
}

// LoadConfigDir loads every *.yaml document in dir into a named config. The
// config name is the file stem.
func LoadConfigDir(dir string) (map[string]*Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read config directory %s", dir)
	}

	configs := map[string]*Config{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "could not read config file %s", path)
		}

		cfg := &Config{}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "could not parse config file %s", path)
		}
		cfg.Name = strings.TrimSuffix(entry.Name(), ext)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}

		configs[cfg.Name] = cfg
		log.Debug().Str("config", cfg.Name).Str("model", cfg.Model).Bool("tools_enabled", cfg.ToolsEnabled).
			Msg("loaded backend config")
	}

	return configs, nil
}

// CheckConfigNames verifies that every referenced config name has a loaded
// config document, and reports all missing names at once.
func CheckConfigNames(names []string, configs map[string]*Config) error {
	missing := []string{}
	for _, name := range names {
		if _, ok := configs[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return errors.Errorf(
			"the following configs are referenced but not loaded: %s; create the matching <name>.yaml files and restart",
			strings.Join(missing, ", "))
	}
	return nil
}
