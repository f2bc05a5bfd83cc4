package gateway

import (
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/KyouP/llm-ron-bot/internal/bus"
	"github.com/KyouP/llm-ron-bot/internal/config"
	"github.com/KyouP/llm-ron-bot/internal/providers"
	"github.com/KyouP/llm-ron-bot/internal/sessions"
	"github.com/KyouP/llm-ron-bot/pkg/protocol"
)

func testServer(t *testing.T) (*Server, *Router, *sessions.Manager) {
	t.Helper()
	store := sessions.NewManager("")
	router := NewRouter(nil, store, nil, nil, slog.Default())
	server := NewServer(config.Default, bus.New(), router, slog.Default())
	return server, router, store
}

func testClient(s *Server) *client {
	c := &client{id: "test-conn", send: make(chan []byte, 8), server: s, logger: slog.Default()}
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	return c
}

func request(t *testing.T, method string, params interface{}) *protocol.RequestFrame {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			t.Fatal(err)
		}
		raw = data
	}
	return &protocol.RequestFrame{Type: protocol.FrameRequest, ID: "req-1", Method: method, Params: raw}
}

func TestConnectReturnsProtocolVersion(t *testing.T) {
	server, router, _ := testServer(t)
	c := testClient(server)

	res := router.dispatch(c, request(t, protocol.MethodConnect, nil))
	if !res.OK {
		t.Fatalf("connect failed: %+v", res.Error)
	}
	payload := res.Payload.(map[string]interface{})
	if payload["protocol"] != protocol.ProtocolVersion {
		t.Errorf("protocol = %v", payload["protocol"])
	}
	if payload["clientId"] != c.id {
		t.Errorf("clientId = %v", payload["clientId"])
	}
}

func TestConnectSubscribesListedSessions(t *testing.T) {
	server, router, _ := testServer(t)
	c := testClient(server)

	res := router.dispatch(c, request(t, protocol.MethodConnect,
		map[string][]string{"sessionKeys": {"agent:main:main", "agent:ops:main"}}))
	if !res.OK {
		t.Fatalf("connect failed: %+v", res.Error)
	}
	if !server.subs.HasSubscribers("agent:main:main") || !server.subs.HasSubscribers("agent:ops:main") {
		t.Fatal("handshake subscriptions not recorded")
	}
}

func TestUnknownMethod(t *testing.T) {
	server, router, _ := testServer(t)
	c := testClient(server)

	res := router.dispatch(c, request(t, "no.such.method", nil))
	if res.OK || res.Error == nil || res.Error.Code != protocol.ErrCodeUnknownMethod {
		t.Fatalf("unexpected response: %+v", res)
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	server, router, _ := testServer(t)
	c := testClient(server)

	res := router.dispatch(c, request(t, protocol.MethodSubscribe, map[string]string{"sessionKey": "agent:main:main"}))
	if !res.OK {
		t.Fatalf("subscribe failed: %+v", res.Error)
	}
	if !server.subs.HasSubscribers("agent:main:main") {
		t.Fatal("subscription not recorded")
	}

	res = router.dispatch(c, request(t, protocol.MethodUnsubscribe, map[string]string{"sessionKey": "agent:main:main"}))
	if !res.OK {
		t.Fatalf("unsubscribe failed: %+v", res.Error)
	}
	if server.subs.HasSubscribers("agent:main:main") {
		t.Fatal("subscription not removed")
	}
}

func TestSubscribeRequiresSessionKey(t *testing.T) {
	server, router, _ := testServer(t)
	c := testClient(server)

	res := router.dispatch(c, request(t, protocol.MethodSubscribe, map[string]string{}))
	if res.OK || res.Error.Code != protocol.ErrCodeBadParams {
		t.Fatalf("unexpected response: %+v", res)
	}
}

func TestSessionsListAndHistory(t *testing.T) {
	server, router, store := testServer(t)
	c := testClient(server)

	store.GetOrCreate("agent:main:main")
	store.AddMessage("agent:main:main", providers.Message{Role: "user", Content: "hello"})

	res := router.dispatch(c, request(t, protocol.MethodSessionsList, nil))
	if !res.OK {
		t.Fatalf("list failed: %+v", res.Error)
	}

	res = router.dispatch(c, request(t, protocol.MethodSessionsHistory, map[string]string{"key": "agent:main:main"}))
	if !res.OK {
		t.Fatalf("history failed: %+v", res.Error)
	}

	res = router.dispatch(c, request(t, protocol.MethodSessionsHistory, map[string]string{"key": "agent:ghost:main"}))
	if res.OK || res.Error.Code != protocol.ErrCodeNotFound {
		t.Fatalf("history of unknown session: %+v", res)
	}
}

func TestMalformedFrameAnswersBadParams(t *testing.T) {
	server, _, _ := testServer(t)
	c := testClient(server)

	server.router.handleFrame(c, []byte("{not json"))

	select {
	case data := <-c.send:
		var res protocol.ResponseFrame
		if err := json.Unmarshal(data, &res); err != nil {
			t.Fatal(err)
		}
		if res.OK || res.Error.Code != protocol.ErrCodeBadParams {
			t.Fatalf("unexpected response: %+v", res)
		}
	default:
		t.Fatal("no response written")
	}
}

func TestRateLimitedReply(t *testing.T) {
	server, _, _ := testServer(t)
	c := testClient(server)

	frame, _ := json.Marshal(request(t, protocol.MethodHealth, nil))
	server.router.rejectRateLimited(c, frame)

	select {
	case data := <-c.send:
		var res protocol.ResponseFrame
		if err := json.Unmarshal(data, &res); err != nil {
			t.Fatal(err)
		}
		if res.ID != "req-1" || res.Error.Code != protocol.ErrCodeRateLimited {
			t.Fatalf("unexpected response: %+v", res)
		}
	default:
		t.Fatal("no response written")
	}
}
