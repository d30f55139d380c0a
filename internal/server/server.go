// Package server exposes the HTTP surface: the bot connect endpoint,
// the spectator watch endpoint, health, and metrics.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/nibty/agonai-sub001/internal/arena"
	"github.com/nibty/agonai-sub001/internal/broadcast"
	"github.com/nibty/agonai-sub001/internal/hub"
	"github.com/nibty/agonai-sub001/internal/metrics"
	"github.com/nibty/agonai-sub001/internal/protocol"
	"github.com/nibty/agonai-sub001/internal/store"
)

const tokenLength = 64

// Config wires a Server.
type Config struct {
	InstanceID    string
	Addr          string
	ShutdownGrace time.Duration

	Store       *store.Store
	Hub         *hub.Hub
	Arena       *arena.Arena
	Broadcaster *broadcast.Broadcaster

	// BusHealthy reports whether the bus connection is up. Optional.
	BusHealthy func() bool

	Logger zerolog.Logger
}

// Server is the HTTP front. Bot and spectator sockets are upgraded here
// and handed to the hub and broadcaster respectively.
type Server struct {
	cfg          Config
	logger       zerolog.Logger
	httpServer   *http.Server
	listener     net.Listener
	startTime    time.Time
	shuttingDown int32
}

// New builds a server around the given dependencies.
func New(cfg Config) *Server {
	s := &Server{
		cfg:       cfg,
		logger:    cfg.Logger.With().Str("component", "server").Logger(),
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/bot/connect/", s.handleBotConnect)
	mux.HandleFunc("/watch/", s.handleWatch)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return s
}

// Handler exposes the route table. Used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving on the configured address. Non-blocking; errors
// from the accept loop are reported on the returned channel.
func (s *Server) Start() (<-chan error, error) {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = listener

	s.logger.Info().Str("addr", s.cfg.Addr).Msg("Server listening")

	errs := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errs <- err
		}
		close(errs)
	}()
	return errs, nil
}

// Shutdown stops accepting connections and drains in-flight requests
// within the grace period.
func (s *Server) Shutdown(ctx context.Context) error {
	atomic.StoreInt32(&s.shuttingDown, 1)
	graceCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownGrace)
	defer cancel()
	return s.httpServer.Shutdown(graceCtx)
}

// handleBotConnect upgrades a bot socket. The URL carries the 64-hex
// connect token; malformed URLs and unknown tokens are told apart by
// close code so bot authors can diagnose without server logs.
func (s *Server) handleBotConnect(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	token := strings.TrimPrefix(r.URL.Path, "/bot/connect/")

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("Bot upgrade failed")
		return
	}

	if !validToken(token) {
		s.closeWith(conn, protocol.CloseBadURL, "malformed connect URL")
		return
	}

	bot, err := s.cfg.Store.GetBotByToken(r.Context(), token)
	if err != nil {
		s.closeWith(conn, protocol.CloseBadToken, "unknown token")
		return
	}

	s.cfg.Hub.Attach(r.Context(), conn, bot)
}

// handleWatch upgrades a spectator socket for one contest.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	idText := strings.TrimPrefix(r.URL.Path, "/watch/")
	contestID, err := strconv.ParseInt(idText, 10, 64)
	if err != nil {
		http.Error(w, "invalid contest id", http.StatusBadRequest)
		return
	}
	if _, err := s.cfg.Store.GetContest(r.Context(), contestID); err != nil {
		http.Error(w, "contest not found", http.StatusNotFound)
		return
	}

	// Returning voters may pin their identity to keep the one-vote-per-
	// round guarantee across reconnects; anonymous watchers get a fresh
	// one per connection.
	voterID := r.URL.Query().Get("voter")

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("Spectator upgrade failed")
		return
	}

	s.serveSpectator(conn, contestID, voterID)
}

func (s *Server) closeWith(conn net.Conn, code int, reason string) {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
	ws.WriteFrame(conn, ws.NewCloseFrame(body))
	conn.Close()
}

func validToken(token string) bool {
	if len(token) != tokenLength {
		return false
	}
	for _, c := range token {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// handleHealth reports dependency status: database, bus, and process
// memory. Degraded keeps serving; unhealthy flips the status code for
// load balancers.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	healthy := true
	var errs []string

	dbHealthy := true
	if err := s.cfg.Store.Ping(); err != nil {
		healthy = false
		dbHealthy = false
		errs = append(errs, fmt.Sprintf("database: %v", err))
	}

	busHealthy := true
	if s.cfg.BusHealthy != nil && !s.cfg.BusHealthy() {
		healthy = false
		busHealthy = false
		errs = append(errs, "bus disconnected")
	}

	var rssMB, sysUsedMB float64
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if info, err := proc.MemoryInfo(); err == nil {
			rssMB = float64(info.RSS) / 1024 / 1024
		}
	}
	if vmem, err := mem.VirtualMemory(); err == nil {
		sysUsedMB = float64(vmem.Used) / 1024 / 1024
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status":   status,
		"healthy":  healthy,
		"instance": s.cfg.InstanceID,
		"checks": map[string]any{
			"database": map[string]any{"healthy": dbHealthy},
			"bus":      map[string]any{"healthy": busHealthy},
			"memory": map[string]any{
				"rss_mb":      rssMB,
				"sys_used_mb": sysUsedMB,
			},
		},
		"errors": errs,
		"uptime": time.Since(s.startTime).Seconds(),
	})
}
