// Package bot wires storage, the conversation machine, and Telegram
// handlers into a runnable application.
package bot

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	coreconfig "github.com/m3rciful/anonbot/core/config"
	coredatabase "github.com/m3rciful/anonbot/core/database"
	"gopkg.in/yaml.v3"
)

// Config is the full application configuration: the reusable core
// settings plus the database the bot persists into.
type Config struct {
	Core     coreconfig.Config   `yaml:",inline"`
	Database coredatabase.Config `yaml:"database"`
}

// CoreConfig exposes the embedded core configuration for the cmd runner.
func (c *Config) CoreConfig() *coreconfig.Config { return &c.Core }

// LoadConfig reads the YAML config file and applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env: %w", err)
	}

	if err := coreconfig.Normalize(&cfg.Core); err != nil {
		return nil, err
	}
	if cfg.Core.Telegram.AdminID == 0 {
		return nil, fmt.Errorf("telegram.admin_id is required")
	}
	cfg.Database.Normalize()
	return &cfg, nil
}
