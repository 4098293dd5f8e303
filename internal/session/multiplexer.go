// SPDX-License-Identifier: AGPL-3.0-only
package session

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cleecy/mcp-retreaver/internal/agent"
	"github.com/cleecy/mcp-retreaver/internal/errors"
	"github.com/cleecy/mcp-retreaver/internal/logging"
	"github.com/cleecy/mcp-retreaver/internal/model"
)

// Options configures a Multiplexer. Provider and Tools are shared by every
// session and must be safe for concurrent use.
type Options struct {
	Provider     agent.Provider
	Tools        agent.ToolRegistry
	SystemPrompt string
	MaxRounds    int
	Executor     *agent.TurnExecutor
	Logger       *logging.Logger
}

// Stats is a point-in-time view of the multiplexer.
type Stats struct {
	Sessions   int      `json:"sessions"`
	Turns      uint64   `json:"turns"`
	Errors     uint64   `json:"errors"`
	Rejected   uint64   `json:"rejected"`
	SessionIDs []string `json:"session_ids,omitempty"`
}

// Multiplexer maps connection ids to sessions. Sessions are created on the
// first well-formed message and removed by Close.
type Multiplexer struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	opts     Options
	logger   *logging.Logger

	turns    atomic.Uint64
	failed   atomic.Uint64
	rejected atomic.Uint64
}

// NewMultiplexer creates an empty multiplexer.
func NewMultiplexer(opts Options) *Multiplexer {
	if opts.Logger == nil {
		opts.Logger = logging.GetDefaultLogger()
	}
	if opts.Tools == nil {
		opts.Tools = agent.EmptyRegistry{}
	}
	if opts.Executor == nil {
		opts.Executor = agent.NewTurnExecutor(nil, opts.Logger)
	}
	return &Multiplexer{
		sessions: make(map[string]*Session),
		opts:     opts,
		logger:   opts.Logger,
	}
}

// Handle decodes one inbound frame for connection id and runs it as a turn.
// Malformed frames are answered with an error reply and never create or
// touch a session.
func (m *Multiplexer) Handle(ctx context.Context, id string, payload []byte) Reply {
	text, err := DecodeInbound(payload)
	if err != nil {
		m.rejected.Add(1)
		m.logger.Debugf("Rejected frame from session %s: %v", id, err)
		return Reply{Error: err.Error()}
	}

	s := m.Attach(id)
	reply := s.run(ctx, text)
	m.turns.Add(1)
	if reply.IsError() {
		m.failed.Add(1)
	}
	return reply
}

// Attach returns the session for id, creating it if needed. The session's
// conversation is only created by its first turn.
func (m *Multiplexer) Attach(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s
	}
	s := newSession(id, m.opts, m.logger.WithField("session", id))
	m.sessions[id] = s
	m.logger.Infof("Session %s opened", id)
	return s
}

// Get returns the session for id, if one has been created.
func (m *Multiplexer) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Close destroys the session for id. A turn in flight finishes but no new
// round starts and its reply is discarded.
func (m *Multiplexer) Close(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		s.Close()
		m.logger.Infof("Session %s closed", id)
	}
}

// CloseAll destroys every session.
func (m *Multiplexer) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

// Count returns the number of live sessions.
func (m *Multiplexer) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Stats returns counters and the live session ids in sorted order.
func (m *Multiplexer) Stats() Stats {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return Stats{
		Sessions:   len(ids),
		Turns:      m.turns.Load(),
		Errors:     m.failed.Load(),
		Rejected:   m.rejected.Load(),
		SessionIDs: ids,
	}
}

// Session owns one conversation. Turns on a session run one at a time.
type Session struct {
	id     string
	opts   Options
	logger *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	mu   sync.Mutex
	orch *agent.Orchestrator
}

func newSession(id string, opts Options, logger *logging.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{id: id, opts: opts, logger: logger, ctx: ctx, cancel: cancel}
}

// ID returns the connection id.
func (s *Session) ID() string { return s.id }

// Conversation returns the session's conversation, or nil before the first
// turn and after close.
func (s *Session) Conversation() *model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.orch == nil || s.closed.Load() {
		return nil
	}
	return s.orch.Conversation()
}

// Handle decodes one frame and runs it as a turn on this session.
func (s *Session) Handle(ctx context.Context, payload []byte) Reply {
	text, err := DecodeInbound(payload)
	if err != nil {
		return Reply{Error: err.Error()}
	}
	return s.run(ctx, text)
}

func (s *Session) run(ctx context.Context, text string) Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Release the conversation of a session closed while this turn ran.
	defer func() {
		if s.closed.Load() {
			s.orch = nil
		}
	}()
	if s.closed.Load() {
		return Reply{Error: errors.ErrSessionClosed.Error()}
	}
	if s.orch == nil {
		s.orch = agent.NewOrchestrator(model.NewConversation(), agent.OrchestratorOptions{
			Provider:     s.opts.Provider,
			Tools:        s.opts.Tools,
			SystemPrompt: s.opts.SystemPrompt,
			MaxRounds:    s.opts.MaxRounds,
			Logger:       s.logger,
		})
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	s.logger.Infof("User: %s", truncate(text, 120))
	res, err := s.opts.Executor.Execute(turnCtx, s.id, s.orch, text)

	if s.closed.Load() {
		return Reply{Error: errors.ErrSessionClosed.Error()}
	}
	if err != nil {
		if stderrors.Is(err, errors.ErrSessionClosed) {
			return Reply{Error: errors.ErrSessionClosed.Error()}
		}
		s.logger.Errorf("Turn failed: %v", err)
		return Reply{Error: err.Error()}
	}
	return Reply{Text: res.Text}
}

// Close stops the session. It does not remove it from its Multiplexer.
func (s *Session) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.cancel()
	if s.mu.TryLock() {
		s.orch = nil
		s.mu.Unlock()
		return
	}
	// A turn holds the lock; drop the conversation once it lets go.
	go func() {
		s.mu.Lock()
		s.orch = nil
		s.mu.Unlock()
	}()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
