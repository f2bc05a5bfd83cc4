package tools

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/KyouP/llm-ron-bot/internal/agent"
	"github.com/KyouP/llm-ron-bot/internal/auth"
	"github.com/KyouP/llm-ron-bot/internal/config"
	"github.com/KyouP/llm-ron-bot/internal/lanes"
	"github.com/KyouP/llm-ron-bot/internal/routing"
	"github.com/KyouP/llm-ron-bot/internal/sessions"
	"github.com/KyouP/llm-ron-bot/internal/subagents"
)

// SubagentLane is the shared lane all child runs execute on.
const SubagentLane = "subagent"

// SpawnInput are the sessions_spawn tool parameters.
type SpawnInput struct {
	Task              string `json:"task"`
	Label             string `json:"label,omitempty"`
	AgentID           string `json:"agentId,omitempty"`
	Model             string `json:"model,omitempty"`
	Thinking          string `json:"thinking,omitempty"`
	RunTimeoutSeconds int    `json:"runTimeoutSeconds,omitempty"`
	Cleanup           string `json:"cleanup,omitempty"`
}

// SpawnResult is returned to the calling model immediately; the child
// runs in the background.
type SpawnResult struct {
	Status          string `json:"status"`
	RunID           string `json:"runId"`
	ChildSessionKey string `json:"childSessionKey"`
	Warning         string `json:"warning,omitempty"`
}

// Spawner implements the sessions_spawn tool.
type Spawner struct {
	cfg        func() *config.Config
	dispatcher *agent.Dispatcher
	registry   *subagents.Registry
	store      *sessions.Manager
	queue      *lanes.Queue
	logger     *slog.Logger
}

// NewSpawner wires the spawn tool.
func NewSpawner(cfg func() *config.Config, dispatcher *agent.Dispatcher, registry *subagents.Registry, store *sessions.Manager, queue *lanes.Queue, logger *slog.Logger) *Spawner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Spawner{
		cfg:        cfg,
		dispatcher: dispatcher,
		registry:   registry,
		store:      store,
		queue:      queue,
		logger:     logger,
	}
}

// Spawn starts a child run for the requester conversation and returns
// without waiting for it.
func (s *Spawner) Spawn(ctx context.Context, requesterSessionKey string, requesterOrigin *routing.DeliveryContext, in SpawnInput) (SpawnResult, error) {
	if in.Task == "" {
		return SpawnResult{}, fmt.Errorf("task is required")
	}
	cfg := s.cfg()
	if sessions.IsSubagentSession(requesterSessionKey) {
		policy := SubagentPolicy(cfg.Tools.Subagents.Tools)
		if !policy.Allowed("sessions_spawn") {
			return SpawnResult{}, fmt.Errorf("subagents cannot spawn subagents")
		}
	}
	requesterAgent := sessions.AgentIDFromKey(requesterSessionKey, "")

	agentID := in.AgentID
	if agentID == "" {
		agentID = requesterAgent
	}
	if agentID == "" {
		return SpawnResult{}, fmt.Errorf("could not resolve agent for %q", requesterSessionKey)
	}
	if agentID != requesterAgent {
		rc := cfg.Agent(requesterAgent)
		if rc.Subagents == nil || !slices.Contains(rc.Subagents.AllowAgents, agentID) {
			return SpawnResult{}, fmt.Errorf("agent %q is not allowed to spawn %q", requesterAgent, agentID)
		}
	}

	var warnings []string
	model := in.Model
	if model != "" && !cfg.HasModel(model) {
		warnings = append(warnings, fmt.Sprintf("unknown model %q, using default", model))
		s.logger.Warn("invalid model override for spawn", "model", model, "agentId", agentID)
		model = ""
	}
	if model == "" {
		model = cfg.SubagentModel(agentID)
	}

	thinking := in.Thinking
	if thinking != "" && !validThinking(thinking) {
		warnings = append(warnings, fmt.Sprintf("unknown thinking level %q, using default", thinking))
		s.logger.Warn("invalid thinking override for spawn", "thinking", thinking, "agentId", agentID)
		thinking = ""
	}
	if thinking == "" {
		thinking = cfg.SubagentThinking(agentID)
	}

	if w := s.checkCredentials(cfg, agentID, requesterAgent); w != "" {
		warnings = append(warnings, w)
	}

	cleanup := in.Cleanup
	switch cleanup {
	case "":
		cleanup = subagents.CleanupKeep
	case subagents.CleanupKeep, subagents.CleanupDelete:
	default:
		return SpawnResult{}, fmt.Errorf("invalid cleanup %q", cleanup)
	}

	maxConcurrent := cfg.Agents.Defaults.Subagents.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	s.queue.SetConcurrency(SubagentLane, maxConcurrent)

	childKey := sessions.BuildSubagentSessionKey(agentID, uuid.NewString())
	s.store.GetOrCreate(childKey)
	s.store.SetSpawnInfo(childKey, requesterSessionKey)
	s.store.UpdateMetadata(childKey, model, "", "")
	if err := s.store.Save(childKey); err != nil {
		s.logger.Warn("child session save failed", "childSessionKey", childKey, "error", err)
	}

	var runTimeout time.Duration
	if in.RunTimeoutSeconds > 0 {
		runTimeout = time.Duration(in.RunTimeoutSeconds) * time.Second
	}

	runID := s.dispatcher.Start(agent.StartParams{
		SessionKey: childKey,
		Message:    in.Task,
		Model:      model,
		Thinking:   thinking,
		Lane:       SubagentLane,
		RunTimeout: runTimeout,
	})

	var archiveAfter time.Duration
	if mins := cfg.Agents.Defaults.Subagents.ArchiveAfterMinutes; mins > 0 {
		archiveAfter = time.Duration(mins) * time.Minute
	}

	waitTimeout := runTimeout
	if waitTimeout <= 0 {
		waitTimeout = time.Hour
	}

	s.registry.Register(subagents.RegisterParams{
		RunID:               runID,
		ChildSessionKey:     childKey,
		RequesterSessionKey: requesterSessionKey,
		RequesterOrigin:     requesterOrigin,
		RequesterDisplayKey: requesterSessionKey,
		Task:                in.Task,
		Label:               in.Label,
		Cleanup:             cleanup,
		ArchiveAfter:        archiveAfter,
		WaitTimeout:         waitTimeout,
	})

	go s.registry.AnnounceWhenDone(runID, waitTimeout)

	return SpawnResult{
		Status:          "accepted",
		RunID:           runID,
		ChildSessionKey: childKey,
		Warning:         strings.Join(warnings, "; "),
	}, nil
}

func validThinking(level string) bool {
	switch level {
	case "off", "low", "medium", "high":
		return true
	}
	return false
}

// checkCredentials resolves the child agent's credential store layered
// over the requester's and warns when the child's provider has no key
// from either config or the stores.
func (s *Spawner) checkCredentials(cfg *config.Config, agentID, requesterAgent string) string {
	providerName := cfg.Agent(agentID).Provider
	if providerName == "" {
		providerName = "openai"
	}
	if pc, ok := cfg.Models.Providers[providerName]; ok && pc.APIKey != "" {
		return ""
	}
	creds := s.loadCredentials(cfg.Agent(agentID).AgentDir)
	if agentID != requesterAgent {
		creds = creds.WithFallback(s.loadCredentials(cfg.Agent(requesterAgent).AgentDir))
	}
	if _, ok := creds.Get(providerName); ok {
		return ""
	}
	s.logger.Warn("no credentials for child provider", "provider", providerName, "agentId", agentID)
	return fmt.Sprintf("no credentials found for provider %q", providerName)
}

func (s *Spawner) loadCredentials(dir string) *auth.Store {
	creds, err := auth.Load(config.ExpandHome(dir))
	if err != nil {
		s.logger.Warn("credentials load failed", "dir", dir, "error", err)
		creds, _ = auth.Load("")
	}
	return creds
}
