package config

import (
	"os"
	"path/filepath"
	"strings"
)

// Config is the root configuration document.
type Config struct {
	Gateway  GatewayConfig  `json:"gateway"`
	Session  SessionConfig  `json:"session"`
	Agents   AgentsConfig   `json:"agents"`
	Tools    ToolsConfig    `json:"tools"`
	Models   ModelsConfig   `json:"models"`
	Cron     CronConfig     `json:"cron"`
	Logging  LoggingConfig  `json:"logging"`
	StateDir string         `json:"stateDir"`
}

type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Token          string   `json:"token"`
	AllowedOrigins []string `json:"allowedOrigins"`
	// RatePerSecond limits inbound frames per connection; 0 disables.
	RatePerSecond float64 `json:"ratePerSecond"`
	RateBurst     int     `json:"rateBurst"`
}

type SessionConfig struct {
	// MainKey is the scope name that resolves to an agent's main session.
	MainKey string `json:"mainKey"`
	Storage string `json:"storage"`
}

type AgentsConfig struct {
	Defaults AgentDefaults `json:"defaults"`
	List     []AgentConfig `json:"list"`
}

type AgentDefaults struct {
	Model     string           `json:"model"`
	Provider  string           `json:"provider"`
	Subagents SubagentDefaults `json:"subagents"`
}

type SubagentDefaults struct {
	Model               string `json:"model"`
	Thinking            string `json:"thinking"`
	MaxConcurrent       int    `json:"maxConcurrent"`
	ArchiveAfterMinutes int    `json:"archiveAfterMinutes"`
	AnnounceMode        string `json:"announceMode"`
}

type AgentConfig struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Model     string            `json:"model"`
	Provider  string            `json:"provider"`
	AgentDir  string            `json:"agentDir"`
	Subagents *AgentSubagents   `json:"subagents,omitempty"`
}

type AgentSubagents struct {
	Model       string   `json:"model"`
	Thinking    string   `json:"thinking"`
	AllowAgents []string `json:"allowAgents"`
}

type ToolsConfig struct {
	Subagents SubagentTools `json:"subagents"`
}

type SubagentTools struct {
	Tools AllowDeny `json:"tools"`
}

type AllowDeny struct {
	Allow []string `json:"allow"`
	Deny  []string `json:"deny"`
}

type ModelsConfig struct {
	Providers map[string]ProviderConfig `json:"providers"`
}

type ProviderConfig struct {
	APIKey  string        `json:"apiKey"`
	APIBase string        `json:"apiBase"`
	Models  []ModelConfig `json:"models"`
}

type ModelConfig struct {
	ID   string     `json:"id"`
	Cost *ModelCost `json:"cost,omitempty"`
}

// ModelCost is USD per million tokens.
type ModelCost struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
}

type CronConfig struct {
	Jobs []CronJob `json:"jobs"`
}

type CronJob struct {
	Name       string `json:"name"`
	Schedule   string `json:"schedule"`
	Message    string `json:"message"`
	SessionKey string `json:"sessionKey"`
	AgentID    string `json:"agentId"`
}

type LoggingConfig struct {
	Level string `json:"level"`
}

// Default returns the baseline configuration before file and environment
// overlays.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:          "127.0.0.1",
			Port:          4180,
			RatePerSecond: 20,
			RateBurst:     40,
		},
		Session: SessionConfig{
			MainKey: "main",
			Storage: "~/.ronbot/sessions",
		},
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Subagents: SubagentDefaults{
					MaxConcurrent:       8,
					ArchiveAfterMinutes: 60,
					AnnounceMode:        "followup",
				},
			},
		},
		Logging:  LoggingConfig{Level: "info"},
		StateDir: "~/.ronbot/state",
	}
}

// Agent returns the effective config for one agent id, merging the
// defaults underneath the per-agent entry. Unknown ids get pure defaults.
func (c *Config) Agent(id string) AgentConfig {
	resolved := AgentConfig{
		ID:       id,
		Model:    c.Agents.Defaults.Model,
		Provider: c.Agents.Defaults.Provider,
	}
	for _, a := range c.Agents.List {
		if a.ID != id {
			continue
		}
		resolved.Name = a.Name
		resolved.AgentDir = a.AgentDir
		resolved.Subagents = a.Subagents
		if a.Model != "" {
			resolved.Model = a.Model
		}
		if a.Provider != "" {
			resolved.Provider = a.Provider
		}
		break
	}
	return resolved
}

// SubagentModel resolves the model a subagent of the given agent runs
// with: per-agent override, then subagent default, then agent model.
func (c *Config) SubagentModel(agentID string) string {
	a := c.Agent(agentID)
	if a.Subagents != nil && a.Subagents.Model != "" {
		return a.Subagents.Model
	}
	if c.Agents.Defaults.Subagents.Model != "" {
		return c.Agents.Defaults.Subagents.Model
	}
	return a.Model
}

// SubagentThinking resolves the thinking level for a subagent of the
// given agent: per-agent override, then subagent default.
func (c *Config) SubagentThinking(agentID string) string {
	a := c.Agent(agentID)
	if a.Subagents != nil && a.Subagents.Thinking != "" {
		return a.Subagents.Thinking
	}
	return c.Agents.Defaults.Subagents.Thinking
}

// CostFor looks up a model's pricing across all providers.
func (c *Config) CostFor(model string) (ModelCost, bool) {
	for _, p := range c.Models.Providers {
		for _, m := range p.Models {
			if m.ID == model && m.Cost != nil {
				return *m.Cost, true
			}
		}
	}
	return ModelCost{}, false
}

// HasModel reports whether any provider lists the model.
func (c *Config) HasModel(model string) bool {
	for _, p := range c.Models.Providers {
		for _, m := range p.Models {
			if m.ID == model {
				return true
			}
		}
	}
	return false
}

// ExpandHome substitutes a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
