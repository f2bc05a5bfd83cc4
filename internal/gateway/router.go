package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/KyouP/llm-ron-bot/internal/agent"
	"github.com/KyouP/llm-ron-bot/internal/commands"
	"github.com/KyouP/llm-ron-bot/internal/routing"
	"github.com/KyouP/llm-ron-bot/internal/sessions"
	"github.com/KyouP/llm-ron-bot/internal/subagents"
	"github.com/KyouP/llm-ron-bot/internal/tools"
	"github.com/KyouP/llm-ron-bot/pkg/protocol"
)

// Router maps request frames onto the dispatcher, session store, and
// spawn tool.
type Router struct {
	server     *Server
	dispatcher *agent.Dispatcher
	store      *sessions.Manager
	spawner    *tools.Spawner
	commands   *commands.Handler
	logger     *slog.Logger
}

// NewRouter builds the method router. commands may be nil to disable
// slash command interception.
func NewRouter(dispatcher *agent.Dispatcher, store *sessions.Manager, spawner *tools.Spawner, cmds *commands.Handler, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		dispatcher: dispatcher,
		store:      store,
		spawner:    spawner,
		commands:   cmds,
		logger:     logger,
	}
}

func (r *Router) rejectRateLimited(c *client, data []byte) {
	var req protocol.RequestFrame
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	c.enqueueJSON(protocol.NewErrorResponse(req.ID, protocol.ErrCodeRateLimited, "too many requests"))
}

// handleFrame parses and dispatches one inbound frame. Handlers run on
// their own goroutine so a long agent turn never stalls the read loop.
func (r *Router) handleFrame(c *client, data []byte) {
	var req protocol.RequestFrame
	if err := json.Unmarshal(data, &req); err != nil || req.Type != protocol.FrameRequest {
		c.enqueueJSON(protocol.NewErrorResponse(req.ID, protocol.ErrCodeBadParams, "malformed frame"))
		return
	}
	go func() {
		c.enqueueJSON(r.dispatch(c, &req))
	}()
}

func (r *Router) dispatch(c *client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	switch req.Method {
	case protocol.MethodConnect:
		return r.connect(c, req)
	case protocol.MethodHealth:
		return protocol.NewResponse(req.ID, map[string]bool{"ok": true})
	case protocol.MethodStatus:
		return r.status(req)
	case protocol.MethodSubscribe:
		return r.subscribe(c, req, true)
	case protocol.MethodUnsubscribe:
		return r.subscribe(c, req, false)
	case protocol.MethodAgent:
		return r.agent(req)
	case protocol.MethodAgentWait:
		return r.agentWait(req)
	case protocol.MethodSessionsList:
		return r.sessionsList(req)
	case protocol.MethodSessionsHistory:
		return r.sessionsHistory(req)
	case protocol.MethodSessionsPatch:
		return r.sessionsPatch(req)
	case protocol.MethodSessionsDelete:
		return r.sessionsDelete(req)
	case protocol.MethodSessionsSend:
		return r.sessionsSend(req)
	case protocol.MethodSessionsSpawn:
		return r.sessionsSpawn(req)
	default:
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeUnknownMethod, "unknown method "+req.Method)
	}
}

// connect completes the handshake. The client may list session keys to
// subscribe to in the same frame.
func (r *Router) connect(c *client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	if len(req.Params) > 0 {
		var params struct {
			SessionKeys []string `json:"sessionKeys"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrCodeBadParams, "malformed connect params")
		}
		for _, key := range params.SessionKeys {
			if key != "" {
				r.server.subs.Subscribe(c.id, key)
			}
		}
	}
	return protocol.NewResponse(req.ID, map[string]interface{}{
		"protocol": protocol.ProtocolVersion,
		"clientId": c.id,
	})
}

func (r *Router) status(req *protocol.RequestFrame) *protocol.ResponseFrame {
	r.server.mu.Lock()
	clients := len(r.server.clients)
	r.server.mu.Unlock()
	return protocol.NewResponse(req.ID, map[string]interface{}{
		"clients":  clients,
		"sessions": len(r.store.List("")),
	})
}

func (r *Router) subscribe(c *client, req *protocol.RequestFrame, on bool) *protocol.ResponseFrame {
	var params struct {
		SessionKey string `json:"sessionKey"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.SessionKey == "" {
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeBadParams, "sessionKey required")
	}
	if on {
		r.server.subs.Subscribe(c.id, params.SessionKey)
	} else {
		r.server.subs.Unsubscribe(c.id, params.SessionKey)
	}
	return protocol.NewResponse(req.ID, map[string]bool{"ok": true})
}

func (r *Router) agent(req *protocol.RequestFrame) *protocol.ResponseFrame {
	var params subagents.AgentRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || params.SessionKey == "" || params.Message == "" {
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeBadParams, "sessionKey and message required")
	}
	if r.commands != nil {
		if reply, handled := r.commands.Handle(params.SessionKey, params.Message); handled {
			return protocol.NewResponse(req.ID, map[string]interface{}{"reply": reply})
		}
	}
	if err := r.dispatcher.Agent(context.Background(), params); err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeInternal, err.Error())
	}
	return protocol.NewResponse(req.ID, map[string]interface{}{
		"reply": r.store.LatestAssistantReply(params.SessionKey),
	})
}

func (r *Router) agentWait(req *protocol.RequestFrame) *protocol.ResponseFrame {
	var params struct {
		RunID     string `json:"runId"`
		TimeoutMs int64  `json:"timeoutMs"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.RunID == "" {
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeBadParams, "runId required")
	}
	timeout := time.Duration(params.TimeoutMs) * time.Millisecond
	res, err := r.dispatcher.AgentWait(context.Background(), params.RunID, timeout)
	if err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeNotFound, err.Error())
	}
	return protocol.NewResponse(req.ID, res)
}

func (r *Router) sessionsList(req *protocol.RequestFrame) *protocol.ResponseFrame {
	var params struct {
		AgentID string `json:"agentId"`
	}
	if len(req.Params) > 0 {
		json.Unmarshal(req.Params, &params)
	}
	return protocol.NewResponse(req.ID, map[string]interface{}{
		"sessions": r.store.List(params.AgentID),
	})
}

func (r *Router) sessionsHistory(req *protocol.RequestFrame) *protocol.ResponseFrame {
	var params struct {
		Key   string `json:"key"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Key == "" {
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeBadParams, "key required")
	}
	entry, ok := r.store.Entry(params.Key)
	if !ok {
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeNotFound, "no such session")
	}
	messages := entry.Messages
	if params.Limit > 0 && len(messages) > params.Limit {
		messages = messages[len(messages)-params.Limit:]
	}
	return protocol.NewResponse(req.ID, map[string]interface{}{"messages": messages})
}

func (r *Router) sessionsPatch(req *protocol.RequestFrame) *protocol.ResponseFrame {
	var params struct {
		Key   string `json:"key"`
		Label string `json:"label"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Key == "" {
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeBadParams, "key required")
	}
	if err := r.dispatcher.SessionsPatch(context.Background(), params.Key, params.Label); err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeInternal, err.Error())
	}
	return protocol.NewResponse(req.ID, map[string]bool{"ok": true})
}

func (r *Router) sessionsDelete(req *protocol.RequestFrame) *protocol.ResponseFrame {
	var params struct {
		Key              string `json:"key"`
		DeleteTranscript bool   `json:"deleteTranscript"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Key == "" {
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeBadParams, "key required")
	}
	if err := r.dispatcher.SessionsDelete(context.Background(), params.Key, params.DeleteTranscript); err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeInternal, err.Error())
	}
	return protocol.NewResponse(req.ID, map[string]bool{"ok": true})
}

func (r *Router) sessionsSend(req *protocol.RequestFrame) *protocol.ResponseFrame {
	var params struct {
		Key     string `json:"key"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Key == "" || params.Message == "" {
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeBadParams, "key and message required")
	}
	runID := r.dispatcher.Start(agent.StartParams{
		SessionKey: params.Key,
		Message:    params.Message,
	})
	return protocol.NewResponse(req.ID, map[string]string{"runId": runID})
}

func (r *Router) sessionsSpawn(req *protocol.RequestFrame) *protocol.ResponseFrame {
	var params struct {
		SessionKey string `json:"sessionKey"`
		Origin     *routing.DeliveryContext `json:"origin,omitempty"`
		tools.SpawnInput
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.SessionKey == "" {
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeBadParams, "sessionKey required")
	}
	res, err := r.spawner.Spawn(context.Background(), params.SessionKey, params.Origin, params.SpawnInput)
	if err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeBadParams, err.Error())
	}
	return protocol.NewResponse(req.ID, res)
}
