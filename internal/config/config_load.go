package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

const envPrefix = "RONBOT_"

// Load reads a json5 config file over the defaults and applies
// environment overrides. A missing file is not an error; defaults plus
// environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	cfg.Session.Storage = ExpandHome(cfg.Session.Storage)
	cfg.StateDir = ExpandHome(cfg.StateDir)
	return cfg, nil
}

// applyEnvOverrides lets deployments override hot settings without
// editing the file. Only scalar knobs are exposed this way.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(envPrefix + "GATEWAY_HOST"); v != "" {
		cfg.Gateway.Host = v
	}
	if v := os.Getenv(envPrefix + "GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = port
		}
	}
	if v := os.Getenv(envPrefix + "GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Token = v
	}
	if v := os.Getenv(envPrefix + "STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv(envPrefix + "SESSION_STORAGE"); v != "" {
		cfg.Session.Storage = v
	}
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(envPrefix + "SUBAGENT_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Agents.Defaults.Subagents.MaxConcurrent = n
		}
	}
	for key, p := range cfg.Models.Providers {
		envKey := envPrefix + strings.ToUpper(strings.ReplaceAll(key, "-", "_")) + "_API_KEY"
		if v := os.Getenv(envKey); v != "" {
			p.APIKey = v
			cfg.Models.Providers[key] = p
		}
	}
}

// MaskedCopy returns a copy safe for logging: secrets are replaced.
func (c *Config) MaskedCopy() Config {
	cp := *c
	if cp.Gateway.Token != "" {
		cp.Gateway.Token = "***"
	}
	if cp.Models.Providers != nil {
		providers := make(map[string]ProviderConfig, len(cp.Models.Providers))
		for k, p := range cp.Models.Providers {
			if p.APIKey != "" {
				p.APIKey = "***"
			}
			providers[k] = p
		}
		cp.Models.Providers = providers
	}
	return cp
}
