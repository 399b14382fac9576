// Package ws handles WebSocket connection management, including upgrading
// HTTP connections, maintaining active client connections, and dispatching
// incoming frames to the relay.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/whisper/relay/internal/metrics"
	"github.com/whisper/relay/internal/protocol"
	"github.com/whisper/relay/internal/ratelimit"
)

// maxFrameBytes caps a single inbound frame. Larger frames close the
// connection.
const maxFrameBytes = 16 << 10

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// LifecycleFunc is called when a connection opens or closes and returns the
// messages to deliver as a result.
type LifecycleFunc func(connID string) []protocol.Outbound

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections to WebSocket, registers them with an epoll
// instance for read readiness, and hands ready connections to a bounded
// worker pool for frame reading.
type Server struct {
	config       ServerConfig
	log          zerolog.Logger
	epoll        *Epoll
	conns        *ConnectionManager
	limiter      *ratelimit.Limiter // per-IP upgrade limit, nil disables it
	workerPool   chan struct{}      // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte)
	onConnect    LifecycleFunc
	onDisconnect LifecycleFunc
	httpServer   *http.Server
	done         chan struct{}
	stopOnce     sync.Once
	startedAt    time.Time
}

// NewServer creates a Server. onMessage is called from a worker goroutine
// for every complete data frame; frames of one connection never overlap.
func NewServer(config ServerConfig, limiter *ratelimit.Limiter, onMessage func(conn *Connection, data []byte), log zerolog.Logger) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	return &Server{
		config:     config,
		log:        log.With().Str("component", "ws").Logger(),
		conns:      NewConnectionManager(),
		limiter:    limiter,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
		startedAt:  time.Now(),
	}
}

// SetOnConnect registers the callback run after a connection is upgraded and
// before its first frame is read.
func (s *Server) SetOnConnect(fn LifecycleFunc) {
	s.onConnect = fn
}

// SetOnDisconnect registers the callback run once when a connection is
// removed, whatever the cause: read error, close frame or heartbeat timeout.
func (s *Server) SetOnDisconnect(fn LifecycleFunc) {
	s.onDisconnect = fn
}

// Handler returns the HTTP routes served by the relay.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start creates the poller, starts the event loop and heartbeat, and blocks
// serving HTTP until Shutdown.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	s.log.Info().
		Str("addr", s.config.ListenAddr).
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Msg("server listening")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection, announces
// it to the relay and only then starts polling it for frames.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ip := clientIP(r)
	if s.limiter != nil {
		if ok, _ := s.limiter.Allow(r.Context(), ip, ratelimit.RuleConnect); !ok {
			s.log.Debug().Str("ip", ip).Msg("upgrade rate limited")
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	raw, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug().Err(err).Str("ip", ip).Msg("upgrade failed")
		return
	}

	c := NewConnection(uuid.NewString(), pollable(raw), ip, s.config.WriteTimeout)
	s.open(c)

	if s.epoll == nil {
		return
	}
	if err := s.epoll.Add(c.Conn); err != nil {
		s.log.Error().Err(err).Str("conn", c.ID).Msg("epoll add failed")
		s.RemoveConnection(c)
	}
}

// open registers c, tells the client its ID and runs the connect callback.
func (s *Server) open(c *Connection) {
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	s.Deliver([]protocol.Outbound{{
		To:      []string{c.ID},
		Type:    protocol.TypeSessionCreated,
		Payload: protocol.SessionCreatedMsg{SessionID: c.ID},
	}})
	if s.onConnect != nil {
		s.Deliver(s.onConnect(c.ID))
	}

	s.log.Debug().Str("conn", c.ID).Str("ip", c.RemoteIP).Int("total", s.conns.Count()).Msg("connection opened")
}

// clientIP prefers the first X-Forwarded-For hop set by the load balancer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// handleHealth responds with the server's health status as JSON, including the
// current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the poll loop, handing each ready connection to a
// worker goroutine bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if !isEINTR(err) {
				s.log.Error().Err(err).Msg("epoll wait failed")
			}
			continue
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads one frame from a ready connection. Control frames are
// answered in place; data frames go to onMessage. Any read failure other than
// a timeout removes the connection.
func (s *Server) handleConn(netConn net.Conn) {
	if s.epoll != nil {
		defer s.epoll.Resume(netConn)
	}

	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Level-triggered epoll can report the same connection twice.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// Stale readiness: nothing to read. The heartbeat catches dead peers.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	if header.Length > maxFrameBytes {
		s.log.Warn().Str("conn", c.ID).Int64("len", header.Length).Msg("frame too large")
		s.RemoveConnection(c)
		return
	}

	payload := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, payload); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	_ = netConn.SetReadDeadline(time.Time{})
	c.Touch(time.Now())

	switch header.OpCode {
	case ws.OpClose:
		s.RemoveConnection(c)
		return
	case ws.OpPing:
		if err := c.WritePong(payload); err != nil {
			s.RemoveConnection(c)
		}
		return
	case ws.OpPong, ws.OpContinuation:
		return
	}

	if len(payload) == 0 || s.onMessage == nil {
		return
	}
	s.onMessage(c, payload)
}

// RemoveConnection unregisters and closes c, then runs the disconnect
// callback. Concurrent removals of the same connection run the callback once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.Deliver(s.onDisconnect(c.ID))
	}
	s.log.Debug().Str("conn", c.ID).Int("total", s.conns.Count()).Msg("connection closed")
}

// Deliver writes each outbound to its recipients. Every payload is encoded
// once. Presence snapshots older than one a connection already received are
// skipped. Write failures are logged; the read path removes broken
// connections.
func (s *Server) Deliver(outs []protocol.Outbound) {
	for _, o := range outs {
		if len(o.To) == 0 {
			continue
		}
		data, err := protocol.NewServerMessage(o.Type, o.Payload)
		if err != nil {
			s.log.Error().Err(err).Str("type", o.Type).Msg("encode outbound failed")
			continue
		}
		presence, isPresence := o.Payload.(protocol.PresenceUpdateMsg)

		for _, id := range o.To {
			c := s.conns.Get(id)
			if c == nil {
				continue
			}
			if isPresence {
				_, err = c.WritePresence(data, presence.Version)
			} else {
				err = c.WriteMessage(data)
			}
			if err != nil {
				s.log.Debug().Err(err).Str("conn", id).Str("type", o.Type).Msg("write failed")
			}
		}
	}
}

// Connections returns the ConnectionManager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops accepting connections, stops the event loop and heartbeat
// and closes every open connection without running the disconnect callback.
// It returns the IDs of the connections it closed.
func (s *Server) Shutdown(ctx context.Context) []string {
	s.stopOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Warn().Err(err).Msg("http shutdown")
		}
	}

	var closed []string
	for _, c := range s.conns.All() {
		if s.epoll != nil {
			_ = s.epoll.Remove(c.Conn)
		}
		if s.conns.Remove(c.ID) {
			metrics.ConnectionsTotal.Dec()
			closed = append(closed, c.ID)
		}
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}
	s.log.Info().Int("closed", len(closed)).Msg("server stopped")
	return closed
}
