// SPDX-License-Identifier: AGPL-3.0-only
package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/cleecy/mcp-retreaver/internal/agent"
	"github.com/cleecy/mcp-retreaver/internal/config"
	"github.com/cleecy/mcp-retreaver/internal/logging"
	"github.com/cleecy/mcp-retreaver/internal/model"
	"github.com/cleecy/mcp-retreaver/internal/session"
)

func testLogger() *logging.Logger {
	return logging.New(logging.Options{Output: io.Discard, Level: logging.Fatal, NoColor: true})
}

// echoProvider answers every message with its own text.
type echoProvider struct{}

func (echoProvider) Name() string { return "echo" }

func (echoProvider) Complete(_ context.Context, msgs []model.Message, _ []agent.ToolDefinition, _ string) (*model.LLMResponse, error) {
	return &model.LLMResponse{Text: "echo: " + msgs[len(msgs)-1].Text}, nil
}

type oneTool struct{}

func (oneTool) ListTools() []agent.ToolDefinition {
	return []agent.ToolDefinition{{Name: "get_campaigns"}}
}

func (oneTool) Invoke(context.Context, string, map[string]any) (*agent.ToolResult, error) {
	return &agent.ToolResult{}, nil
}

type memStore struct {
	mu      sync.Mutex
	records []*model.TurnRecord
}

func (s *memStore) SaveTurn(r *model.TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

func (s *memStore) GetTurns(sessionID string, limit int) ([]*model.TurnRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.TurnRecord
	for _, r := range s.records {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) GetRecentTurns(limit int) ([]*model.TurnRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.TurnRecord(nil), s.records...), nil
}

func (s *memStore) Close() error { return nil }

func newTestServer(t *testing.T) (*ChatServer, *session.Multiplexer, *memStore, *httptest.Server) {
	t.Helper()
	store := &memStore{}
	mux := session.NewMultiplexer(session.Options{
		Provider: echoProvider{},
		Tools:    oneTool{},
		Executor: agent.NewTurnExecutor(store, testLogger()),
		Logger:   testLogger(),
	})
	srv, err := NewChatServer(config.DefaultConfig(), mux, oneTool{}, store, testLogger())
	if err != nil {
		t.Fatalf("NewChatServer: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, mux, store, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, frame string) map[string]string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	var reply map[string]string
	if err := wsjson.Read(ctx, conn, &reply); err != nil {
		t.Fatalf("Read: %v", err)
	}
	return reply
}

func TestWebSocket_Conversation(t *testing.T) {
	_, _, store, ts := newTestServer(t)
	conn := dial(t, ts)
	defer func() { _ = conn.CloseNow() }()

	if reply := roundTrip(t, conn, "hello"); reply["text"] != "echo: hello" {
		t.Errorf("Unexpected reply %v", reply)
	}
	if reply := roundTrip(t, conn, `{"text":"list campaigns"}`); reply["text"] != "echo: list campaigns" {
		t.Errorf("Unexpected reply %v", reply)
	}
	if reply := roundTrip(t, conn, "   "); reply["error"] == "" {
		t.Errorf("Expected error reply, got %v", reply)
	}

	turns, _ := store.GetRecentTurns(10)
	if len(turns) != 2 {
		t.Fatalf("Expected 2 recorded turns, got %d", len(turns))
	}
	if turns[0].SessionID == "" || turns[0].SessionID != turns[1].SessionID {
		t.Errorf("Expected both turns on one session, got %q and %q", turns[0].SessionID, turns[1].SessionID)
	}
}

func TestWebSocket_ConnectionsAreSeparateSessions(t *testing.T) {
	_, mux, store, ts := newTestServer(t)
	a := dial(t, ts)
	defer func() { _ = a.CloseNow() }()
	b := dial(t, ts)
	defer func() { _ = b.CloseNow() }()

	roundTrip(t, a, "one")
	roundTrip(t, b, "two")

	if mux.Count() != 2 {
		t.Errorf("Expected 2 sessions, got %d", mux.Count())
	}
	turns, _ := store.GetRecentTurns(10)
	if len(turns) != 2 || turns[0].SessionID == turns[1].SessionID {
		t.Errorf("Expected turns on distinct sessions, got %+v", turns)
	}
}

func TestWebSocket_DisconnectClosesSession(t *testing.T) {
	_, mux, _, ts := newTestServer(t)
	conn := dial(t, ts)
	roundTrip(t, conn, "hello")
	if mux.Count() != 1 {
		t.Fatalf("Expected 1 session, got %d", mux.Count())
	}

	_ = conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(5 * time.Second)
	for mux.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session was not closed after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, _, _, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if body.Status != "ok" || body.Tools != 1 || body.Name != "retreaver-host" {
		t.Errorf("Unexpected health %+v", body)
	}
}

type staticJobs []*model.Job

func (j staticJobs) ListJobs() []*model.Job { return j }

func TestHealthEndpointListsJobs(t *testing.T) {
	srv, _, _, ts := newTestServer(t)
	srv.SetJobs(staticJobs{
		{Name: "refresh-tools", Schedule: "@every 10m", Enabled: true, Status: model.JobPending},
		{Name: "session-stats", Status: model.JobDisabled},
	})

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(body.Jobs) != 2 || body.Jobs[0].Name != "refresh-tools" || body.Jobs[1].Status != model.JobDisabled {
		t.Errorf("Unexpected jobs %+v", body.Jobs)
	}
}

func TestTurnsEndpoint(t *testing.T) {
	_, _, store, ts := newTestServer(t)
	_ = store.SaveTurn(&model.TurnRecord{SessionID: "s1", Prompt: "a", Outcome: model.OutcomeAnswered})
	_ = store.SaveTurn(&model.TurnRecord{SessionID: "s2", Prompt: "b", Outcome: model.OutcomeAnswered})

	resp, err := http.Get(ts.URL + "/turns?session=s2")
	if err != nil {
		t.Fatalf("GET /turns: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	var turns []model.TurnRecord
	if err := json.NewDecoder(resp.Body).Decode(&turns); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(turns) != 1 || turns[0].Prompt != "b" {
		t.Errorf("Unexpected turns %+v", turns)
	}

	bad, err := http.Get(ts.URL + "/turns?limit=abc")
	if err != nil {
		t.Fatalf("GET /turns: %v", err)
	}
	_ = bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", bad.StatusCode)
	}
}

func TestStartStop(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Address = "127.0.0.1"
	cfg.Server.Port = 0
	mux := session.NewMultiplexer(session.Options{Provider: echoProvider{}, Logger: testLogger()})
	srv, err := NewChatServer(cfg, mux, nil, nil, testLogger())
	if err != nil {
		t.Fatalf("NewChatServer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()
	conn, _, err := websocket.Dial(dialCtx, "ws://"+srv.Addr()+"/", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer func() { _ = conn.CloseNow() }()

	cancel()
	select {
	case <-srv.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
	if err := srv.Stop(); err != nil {
		t.Errorf("Second Stop should be a no-op, got %v", err)
	}
}

func TestNewChatServer_RequiresMultiplexer(t *testing.T) {
	if _, err := NewChatServer(nil, nil, nil, nil, testLogger()); err == nil {
		t.Fatal("Expected error without multiplexer")
	}
}
