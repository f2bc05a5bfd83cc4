package commands

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/KyouP/llm-ron-bot/internal/agent"
	"github.com/KyouP/llm-ron-bot/internal/sessions"
	"github.com/KyouP/llm-ron-bot/internal/subagents"
)

// Handler answers the /subagents and /stop slash commands for a
// conversation.
type Handler struct {
	registry   *subagents.Registry
	dispatcher *agent.Dispatcher
	store      *sessions.Manager
	logger     *slog.Logger
}

// NewHandler wires the command handler.
func NewHandler(registry *subagents.Registry, dispatcher *agent.Dispatcher, store *sessions.Manager, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{registry: registry, dispatcher: dispatcher, store: store, logger: logger}
}

// Handle executes a slash command for the given conversation. The second
// return is false when the input is not a command this handler owns.
func (h *Handler) Handle(requesterSessionKey, input string) (string, bool) {
	fields := strings.Fields(strings.TrimSpace(input))
	if len(fields) == 0 {
		return "", false
	}

	switch fields[0] {
	case "/stop":
		return h.stopAll(requesterSessionKey), true
	case "/subagents":
		return h.subagents(requesterSessionKey, fields[1:]), true
	default:
		return "", false
	}
}

func (h *Handler) subagents(requesterSessionKey string, args []string) string {
	if len(args) == 0 {
		args = []string{"list"}
	}
	switch args[0] {
	case "list":
		return h.list(requesterSessionKey)
	case "stop":
		if len(args) < 2 {
			return "usage: /subagents stop <id|#|all>"
		}
		return h.stop(requesterSessionKey, args[1])
	case "log":
		if len(args) < 2 {
			return "usage: /subagents log <id|#> [limit] [tools]"
		}
		return h.log(requesterSessionKey, args[1], args[2:])
	case "info":
		if len(args) < 2 {
			return "usage: /subagents info <id|#>"
		}
		return h.info(requesterSessionKey, args[1])
	case "send":
		if len(args) < 3 {
			return "usage: /subagents send <id|#> <message>"
		}
		return h.send(requesterSessionKey, args[1], strings.Join(args[2:], " "))
	default:
		return fmt.Sprintf("unknown subcommand %q (list, stop, log, info, send)", args[0])
	}
}

// runsFor lists a requester's runs in stable creation order so the #n
// shorthand means the same run across invocations.
func (h *Handler) runsFor(requesterSessionKey string) []subagents.Record {
	runs := h.registry.ListForRequester(requesterSessionKey)
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt != runs[j].CreatedAt {
			return runs[i].CreatedAt < runs[j].CreatedAt
		}
		return runs[i].RunID < runs[j].RunID
	})
	return runs
}

// resolve maps an id or 1-based #n reference to one run.
func (h *Handler) resolve(requesterSessionKey, ref string) (subagents.Record, bool) {
	runs := h.runsFor(requesterSessionKey)
	if n, err := strconv.Atoi(strings.TrimPrefix(ref, "#")); err == nil {
		if n >= 1 && n <= len(runs) {
			return runs[n-1], true
		}
		return subagents.Record{}, false
	}
	for _, r := range runs {
		if r.RunID == ref || strings.HasPrefix(r.RunID, ref) {
			return r, true
		}
	}
	return subagents.Record{}, false
}

func (h *Handler) list(requesterSessionKey string) string {
	runs := h.runsFor(requesterSessionKey)
	if len(runs) == 0 {
		return "No subagents for this conversation."
	}
	var b strings.Builder
	for i, r := range runs {
		label := r.Label
		if label == "" {
			label = r.Task
		}
		fmt.Fprintf(&b, "#%d %s — %s [%s]\n", i+1, shortID(r.RunID), label, runStatus(r, h.dispatcher))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (h *Handler) stop(requesterSessionKey, ref string) string {
	if ref == "all" {
		runs := h.runsFor(requesterSessionKey)
		stopped := 0
		for _, r := range runs {
			if h.dispatcher.StopSession(r.ChildSessionKey) {
				stopped++
			}
		}
		return fmt.Sprintf("Stopped %d of %d subagents.", stopped, len(runs))
	}

	r, ok := h.resolve(requesterSessionKey, ref)
	if !ok {
		return fmt.Sprintf("No subagent matching %q.", ref)
	}
	if h.dispatcher.StopSession(r.ChildSessionKey) {
		return fmt.Sprintf("Stopped subagent %s.", shortID(r.RunID))
	}
	return fmt.Sprintf("Subagent %s is not running.", shortID(r.RunID))
}

func (h *Handler) log(requesterSessionKey, ref string, rest []string) string {
	r, ok := h.resolve(requesterSessionKey, ref)
	if !ok {
		return fmt.Sprintf("No subagent matching %q.", ref)
	}

	limit := 10
	includeTools := false
	for _, arg := range rest {
		if arg == "tools" {
			includeTools = true
			continue
		}
		if n, err := strconv.Atoi(arg); err == nil && n > 0 {
			limit = n
		}
	}

	entry, ok := h.store.Entry(r.ChildSessionKey)
	if !ok {
		return "Child session is gone."
	}

	var lines []string
	for _, msg := range entry.Messages {
		if !includeTools && msg.Role == "tool" {
			continue
		}
		content := msg.Content
		if content == "" && len(msg.ToolCalls) > 0 {
			if !includeTools {
				continue
			}
			names := make([]string, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				names = append(names, tc.Name)
			}
			content = "(tool calls: " + strings.Join(names, ", ") + ")"
		}
		lines = append(lines, fmt.Sprintf("[%s] %s", msg.Role, content))
	}
	if len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	if len(lines) == 0 {
		return "No messages yet."
	}
	return strings.Join(lines, "\n")
}

func (h *Handler) info(requesterSessionKey, ref string) string {
	r, ok := h.resolve(requesterSessionKey, ref)
	if !ok {
		return fmt.Sprintf("No subagent matching %q.", ref)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "runId: %s\n", r.RunID)
	fmt.Fprintf(&b, "session: %s\n", r.ChildSessionKey)
	fmt.Fprintf(&b, "task: %s\n", r.Task)
	if r.Label != "" {
		fmt.Fprintf(&b, "label: %s\n", r.Label)
	}
	fmt.Fprintf(&b, "cleanup: %s\n", r.Cleanup)
	fmt.Fprintf(&b, "status: %s\n", runStatus(r, h.dispatcher))
	fmt.Fprintf(&b, "created: %s\n", formatMillis(r.CreatedAt))
	if r.StartedAt > 0 {
		fmt.Fprintf(&b, "started: %s\n", formatMillis(r.StartedAt))
	}
	if r.EndedAt > 0 {
		fmt.Fprintf(&b, "ended: %s\n", formatMillis(r.EndedAt))
	}
	if r.ArchiveAtMs > 0 {
		fmt.Fprintf(&b, "archiveAt: %s\n", formatMillis(r.ArchiveAtMs))
	}
	fmt.Fprintf(&b, "announceHandled: %v", r.CleanupHandled)
	if r.CleanupCompletedAt > 0 {
		fmt.Fprintf(&b, "\nannounceCompleted: %s", formatMillis(r.CleanupCompletedAt))
	}
	return b.String()
}

func (h *Handler) send(requesterSessionKey, ref, message string) string {
	r, ok := h.resolve(requesterSessionKey, ref)
	if !ok {
		return fmt.Sprintf("No subagent matching %q.", ref)
	}
	h.dispatcher.Start(agent.StartParams{
		SessionKey: r.ChildSessionKey,
		Message:    message,
		Lane:       "subagent",
	})
	return fmt.Sprintf("Sent to subagent %s.", shortID(r.RunID))
}

// stopAll aborts the conversation's own run and cascades into every
// child it spawned.
func (h *Handler) stopAll(requesterSessionKey string) string {
	stopped := 0
	if h.dispatcher.StopSession(requesterSessionKey) {
		stopped++
	}
	for _, r := range h.runsFor(requesterSessionKey) {
		if h.dispatcher.StopSession(r.ChildSessionKey) {
			stopped++
		}
	}
	if stopped == 0 {
		return "Nothing to stop."
	}
	return fmt.Sprintf("Stopped %d run(s).", stopped)
}

func runStatus(r subagents.Record, d *agent.Dispatcher) string {
	if r.Outcome != nil {
		return r.Outcome.Status
	}
	if d.IsRunActive(r.ChildSessionKey) {
		return "running"
	}
	if r.EndedAt > 0 {
		return "ended"
	}
	return "pending"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).Format(time.RFC3339)
}
