// Package api provides the read-only HTTP and WebSocket status server.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quantfold/papertrader/internal/analyzer"
	"github.com/quantfold/papertrader/internal/audit"
	"github.com/quantfold/papertrader/internal/broker"
	"github.com/quantfold/papertrader/internal/ensemble"
	"github.com/quantfold/papertrader/internal/perf"
	"github.com/quantfold/papertrader/internal/regime"
	"github.com/quantfold/papertrader/pkg/types"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Server exposes engine state over HTTP. Every endpoint is read-only:
// the engine loop is the only writer, the server only observes.
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	config     *types.ServerConfig
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	clients    map[string]*Client

	broker   *broker.Broker
	weighter *ensemble.Weighter
	detector *regime.Detector
	analyzer *analyzer.Analyzer
	perf     *perf.Calculator
	registry *prometheus.Registry
	curve    CurveSource
}

// CurveSource supplies the equity curve accumulated by the engine loop.
type CurveSource interface {
	Curve() []types.EquityCurvePoint
}

// Client represents a connected WebSocket subscriber.
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte
}

// NewServer creates the status server.
func NewServer(logger *zap.Logger, config *types.ServerConfig, b *broker.Broker,
	w *ensemble.Weighter, d *regime.Detector, a *analyzer.Analyzer,
	p *perf.Calculator, curve CurveSource, registry *prometheus.Registry) *Server {
	server := &Server{
		logger:   logger.Named("api"),
		config:   config,
		router:   mux.NewRouter(),
		clients:  make(map[string]*Client),
		broker:   b,
		weighter: w,
		detector: d,
		analyzer: a,
		perf:     p,
		registry: registry,
		curve:    curve,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/api/v1/portfolio", s.handlePortfolio).Methods("GET")
	s.router.HandleFunc("/api/v1/weights", s.handleWeights).Methods("GET")
	s.router.HandleFunc("/api/v1/regime", s.handleRegime).Methods("GET")
	s.router.HandleFunc("/api/v1/performance", s.handlePerformance).Methods("GET")
	s.router.HandleFunc("/api/v1/trades", s.handleTrades).Methods("GET")

	s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Start starts the HTTP server. Blocks until shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting API server", zap.String("addr", addr))

	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, client := range s.clients {
		client.Conn.Close()
	}
	s.mu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the route table for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// AuditSink returns an audit log that broadcasts every record to
// connected WebSocket clients. Tee this with the file log.
func (s *Server) AuditSink() audit.Log {
	return broadcastLog{server: s}
}

type broadcastLog struct {
	server *Server
}

func (l broadcastLog) Append(kind string, timestamp time.Time, payload interface{}) error {
	l.server.broadcast(kind, timestamp, payload)
	return nil
}

func (l broadcastLog) Close() error { return nil }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.broker.Portfolio())
}

func (s *Server) handleWeights(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"weights": s.weighter.Weights(),
		"resets":  s.weighter.Resets(),
	})
}

func (s *Server) handleRegime(w http.ResponseWriter, r *http.Request) {
	history := s.detector.History()
	if len(history) == 0 {
		http.Error(w, "no regime classified yet", http.StatusNotFound)
		return
	}
	s.writeJSON(w, history[len(history)-1])
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	var curve []types.EquityCurvePoint
	if s.curve != nil {
		curve = s.curve.Curve()
	}
	s.writeJSON(w, s.perf.Snapshot(s.analyzer.ClosedTrades(), curve, time.Now()))
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	trades := s.analyzer.ClosedTrades()
	s.writeJSON(w, map[string]interface{}{
		"trades": trades,
		"count":  len(trades),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// handleWebSocket upgrades a connection and streams audit records to it.
// Clients cannot send commands; inbound frames are drained and dropped.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		ID:   uuid.New().String(),
		Conn: conn,
		Send: make(chan []byte, 256),
	}

	s.mu.Lock()
	s.clients[client.ID] = client
	s.mu.Unlock()

	s.logger.Info("WebSocket client connected", zap.String("id", client.ID))

	go s.writePump(client)
	go s.readPump(client)
}

func (s *Server) readPump(client *Client) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, client.ID)
		s.mu.Unlock()
		client.Conn.Close()
	}()

	for {
		if _, _, err := client.Conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(client *Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.Send:
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// broadcast fans one audit record out to every connected client. Slow
// clients get dropped frames rather than stalling the engine loop.
func (s *Server) broadcast(kind string, timestamp time.Time, payload interface{}) {
	msg, err := json.Marshal(map[string]interface{}{
		"kind":      kind,
		"timestamp": timestamp,
		"payload":   payload,
	})
	if err != nil {
		s.logger.Error("Failed to marshal broadcast", zap.Error(err))
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		select {
		case client.Send <- msg:
		default:
		}
	}
}
