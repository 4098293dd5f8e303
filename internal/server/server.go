// SPDX-License-Identifier: AGPL-3.0-only
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/cleecy/mcp-retreaver/internal/agent"
	"github.com/cleecy/mcp-retreaver/internal/config"
	"github.com/cleecy/mcp-retreaver/internal/errors"
	"github.com/cleecy/mcp-retreaver/internal/logging"
	"github.com/cleecy/mcp-retreaver/internal/model"
	"github.com/cleecy/mcp-retreaver/internal/session"
)

// inboxSize bounds the frames buffered per connection while a turn runs.
const inboxSize = 16

// JobLister reports background jobs; *scheduler.Scheduler implements it.
type JobLister interface {
	ListJobs() []*model.Job
}

// ChatServer exposes the session multiplexer over WebSocket.
type ChatServer struct {
	mux            *session.Multiplexer
	jobs           JobLister
	tools          agent.ToolRegistry
	turnStore      model.TurnStore
	httpServer     *http.Server
	listener       net.Listener
	address        string
	port           int
	path           string
	readLimit      int64
	connCtx        context.Context
	connCancel     context.CancelFunc
	stopCh         chan struct{}
	wg             sync.WaitGroup
	config         *config.Config
	logger         *logging.Logger
	shutdownMutex  sync.Mutex
	isShuttingDown bool
}

// NewChatServer creates a server for mux. tools and store are only used for
// the status endpoints and may be nil.
func NewChatServer(cfg *config.Config, mux *session.Multiplexer, tools agent.ToolRegistry, store model.TurnStore, logger *logging.Logger) (*ChatServer, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if mux == nil {
		return nil, errors.InvalidInput("session multiplexer is required")
	}
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}
	if tools == nil {
		tools = agent.EmptyRegistry{}
	}
	path := cfg.Server.Path
	if path == "" {
		path = "/"
	}
	connCtx, connCancel := context.WithCancel(context.Background())
	return &ChatServer{
		mux:        mux,
		tools:      tools,
		turnStore:  store,
		address:    cfg.Server.Address,
		port:       cfg.Server.Port,
		path:       path,
		readLimit:  cfg.Server.ReadLimit,
		connCtx:    connCtx,
		connCancel: connCancel,
		stopCh:     make(chan struct{}),
		config:     cfg,
		logger:     logger,
	}, nil
}

// SetJobs makes the background jobs visible on /healthz.
func (s *ChatServer) SetJobs(jobs JobLister) {
	s.jobs = jobs
}

// Handler returns the HTTP routes of the server.
func (s *ChatServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/turns", s.handleTurns)
	mux.HandleFunc(s.path, s.handleWebSocket)
	return mux
}

// Start listens on the configured address and serves until ctx is cancelled
// or Stop is called.
func (s *ChatServer) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.address, strconv.Itoa(s.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("Error running WebSocket server: %v", err)
		}
	}()
	s.logger.Infof("WebSocket server listening on ws://%s%s", ln.Addr().String(), s.path)

	// Listen for context cancellation
	go func() {
		select {
		case <-ctx.Done():
			if err := s.Stop(); err != nil {
				s.logger.Errorf("Error stopping WebSocket server: %v", err)
			}
		case <-s.stopCh:
		}
	}()

	return nil
}

// Addr returns the listening address once started.
func (s *ChatServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Done is closed once the server has stopped.
func (s *ChatServer) Done() <-chan struct{} {
	return s.stopCh
}

// Stop shuts the HTTP server down and closes every session.
func (s *ChatServer) Stop() error {
	s.shutdownMutex.Lock()
	defer s.shutdownMutex.Unlock()

	// Return early if server is already being shut down
	if s.isShuttingDown {
		s.logger.Debugf("Stop called but server is already shutting down, ignoring")
		return nil
	}
	s.isShuttingDown = true

	// Hijacked WebSocket connections are not tracked by Shutdown.
	s.connCancel()
	s.mux.CloseAll()

	var shutdownErr error
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			shutdownErr = errors.Internal(fmt.Errorf("error shutting down WebSocket server: %w", err))
		}
	}

	close(s.stopCh)
	s.wg.Wait()
	return shutdownErr
}

// handleWebSocket serves one client connection. Frames are read by a
// separate goroutine so a disconnect is noticed while a turn is running;
// turns themselves run one at a time in arrival order.
func (s *ChatServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warnf("WebSocket handshake failed from %s: %v", r.RemoteAddr, err)
		return
	}
	defer func() { _ = conn.CloseNow() }()
	if s.readLimit > 0 {
		conn.SetReadLimit(s.readLimit)
	}

	id := uuid.NewString()
	log := s.logger.WithField("session", id)
	log.Infof("New WebSocket connection from %s", r.RemoteAddr)

	s.wg.Add(1)
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.connCtx, cancel)
	defer stop()

	inbox := make(chan []byte, inboxSize)
	go func() {
		defer close(inbox)
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
					log.Infof("Connection closed by client")
				} else if ctx.Err() == nil {
					log.Debugf("Read failed: %v", err)
				}
				// Stop the session before the worker drains the inbox.
				s.mux.Close(id)
				cancel()
				return
			}
			select {
			case inbox <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	for data := range inbox {
		if ctx.Err() != nil {
			continue
		}
		reply := s.mux.Handle(ctx, id, data)
		if ctx.Err() != nil {
			continue
		}
		if err := wsjson.Write(ctx, conn, reply); err != nil {
			log.Warnf("Failed to send reply: %v", err)
			cancel()
		}
	}
	s.mux.Close(id)
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

type healthResponse struct {
	Status   string        `json:"status"`
	Name     string        `json:"name"`
	Version  string        `json:"version"`
	Tools    int           `json:"tools"`
	Sessions session.Stats `json:"sessions"`
	Jobs     []*model.Job  `json:"jobs,omitempty"`
}

func (s *ChatServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.mux.Stats()
	stats.SessionIDs = nil
	resp := healthResponse{
		Status:   "ok",
		Name:     s.config.Server.Name,
		Version:  s.config.Server.Version,
		Tools:    len(s.tools.ListTools()),
		Sessions: stats,
	}
	if s.jobs != nil {
		resp.Jobs = s.jobs.ListJobs()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleTurns returns recent turn records, optionally for one session.
func (s *ChatServer) handleTurns(w http.ResponseWriter, r *http.Request) {
	if s.turnStore == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "turn log is disabled"})
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": errors.InvalidInput("limit must be a number").Error()})
			return
		}
		limit = n
	}

	var (
		turns []*model.TurnRecord
		err   error
	)
	if id := r.URL.Query().Get("session"); id != "" {
		turns, err = s.turnStore.GetTurns(id, limit)
	} else {
		turns, err = s.turnStore.GetRecentTurns(limit)
	}
	if err != nil {
		s.logger.Errorf("Failed to read turns: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": errors.Internal(err).Error()})
		return
	}
	if turns == nil {
		turns = []*model.TurnRecord{}
	}
	writeJSON(w, http.StatusOK, turns)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
