// Package api is the control plane's HTTP surface: health/ready
// probes, read-only state endpoints, the operator actions (pause,
// resume, flatten, mode), Prometheus scraping, and a WebSocket stream
// for live telemetry.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/atlas-desktop/intraday-trader/internal/domain"
	"github.com/atlas-desktop/intraday-trader/internal/leaderlock"
	"github.com/atlas-desktop/intraday-trader/internal/metrics"
	"github.com/atlas-desktop/intraday-trader/internal/orchestrator"
	"github.com/atlas-desktop/intraday-trader/internal/scan"
	"github.com/atlas-desktop/intraday-trader/internal/store"
)

// Server is the control plane's HTTP/WebSocket front door.
type Server struct {
	logger             *zap.Logger
	addr               string
	router             *mux.Router
	httpServer         *http.Server
	orch               *orchestrator.Orchestrator
	st                 store.Store
	reg                *metrics.Registry
	lock               *leaderlock.Lock
	supervisor         *scan.Supervisor
	hub                *Hub
	heartbeatThreshold time.Duration
}

// New constructs a Server and wires its routes. Start has not been
// called yet; callers decide when to bind the listener.
func New(logger *zap.Logger, addr string, orch *orchestrator.Orchestrator, st store.Store, reg *metrics.Registry,
	lock *leaderlock.Lock, supervisor *scan.Supervisor, heartbeatThreshold time.Duration) *Server {
	s := &Server{
		logger:             logger.Named("api"),
		addr:               addr,
		router:             mux.NewRouter(),
		orch:               orch,
		st:                 st,
		reg:                reg,
		lock:               lock,
		supervisor:         supervisor,
		hub:                newHub(logger),
		heartbeatThreshold: heartbeatThreshold,
	}
	s.setupRoutes()
	return s
}

// Hub returns the WebSocket broadcast hub. Its broadcast method is
// unexported, so only this package's handlers push events through it.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.router.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	s.router.HandleFunc("/positions", s.handlePositions).Methods(http.MethodGet)
	s.router.HandleFunc("/orders", s.handleOrders).Methods(http.MethodGet)
	s.router.HandleFunc("/risk", s.handleRisk).Methods(http.MethodGet)
	s.router.HandleFunc("/strategies", s.handleStrategies).Methods(http.MethodGet)

	s.router.HandleFunc("/pause", s.handlePause).Methods(http.MethodPost)
	s.router.HandleFunc("/resume", s.handleResume).Methods(http.MethodPost)
	s.router.HandleFunc("/flatten", s.handleFlatten).Methods(http.MethodPost)
	s.router.HandleFunc("/mode", s.handleSetMode).Methods(http.MethodPost)

	s.router.HandleFunc("/debug/supervisor/status", s.handleSupervisorStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/debug/supervisor/start", s.handleSupervisorStart).Methods(http.MethodPost)

	s.router.HandleFunc("/stream", s.handleStream)
}

// Start binds the listener and serves until Stop is called or the
// server fails. CORS is wide open: the control plane is an internal
// operator surface, not a public API.
func (s *Server) Start() error {
	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go s.hub.run()

	s.logger.Info("control plane listening", zap.String("addr", s.addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully drains the listener and closes all WebSocket clients.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.closeAll()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// handleHealth is an unconditional liveness probe: it answers as long
// as the process is scheduling goroutines.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports ready iff this instance holds the leader
// lock and all three heartbeats are within threshold. A standby
// replica is deliberately never ready, so load balancers never route
// traffic to it.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	isLeader := s.lock.IsLeader()
	mdAge := s.reg.MarketDataHeartbeat.Age()
	osAge := s.reg.OrderStreamHeartbeat.Age()
	scAge := s.reg.ScanHeartbeat.Age()

	ready := isLeader && mdAge <= s.heartbeatThreshold && osAge <= s.heartbeatThreshold && scAge <= s.heartbeatThreshold

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"ready":                ready,
		"isLeader":             isLeader,
		"marketDataHeartbeat":  mdAge.Seconds(),
		"orderStreamHeartbeat": osAge.Seconds(),
		"scanHeartbeat":        scAge.Seconds(),
		"threshold":            s.heartbeatThreshold.Seconds(),
	})
}

// handleState reports mode, pause state, and leadership — the small
// snapshot operators poll most often.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"mode":       s.orch.Mode(),
		"paused":     s.orch.Paused(),
		"isLeader":   s.lock.IsLeader(),
		"lastScanAt": s.orch.LastScanAt(),
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.st.ListOpenPositions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.st.ListOpenOrders(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// handleRisk surfaces the daily realized PnL that feeds the risk
// engine's daily-loss-stop gate, so operators can see how close a
// session is to tripping it.
func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Truncate(24 * time.Hour)
	pnl, err := s.st.DailyRealizedPnL(r.Context(), since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"dailyRealizedPnL": pnl,
		"paused":           s.orch.Paused(),
	})
}

// handleStrategies lists the configured strategy set and the last time
// each produced a signal, so an operator can spot a silently stalled
// strategy without cross-referencing logs.
func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Strategies())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "operator_request"
	}
	s.orch.Pause(r.Context(), body.Reason)
	s.hub.broadcast("pause", map[string]string{"reason": body.Reason})
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.orch.Resume(r.Context())
	s.hub.broadcast("resume", nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// handleFlatten triggers an emergency exit of every open position,
// bounded by cfg.FlattenMaxDuration inside the orchestrator.
func (s *Server) handleFlatten(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "operator_flatten"
	}
	summary := s.orch.Flatten(r.Context(), body.Reason)
	s.hub.broadcast("flatten", summary)
	writeJSON(w, http.StatusOK, summary)
}

// handleSetMode transitions PAPER/LIVE. A LIVE transition without the
// exact confirmation phrase is rejected with 400.
func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode    string `json:"mode"`
		Confirm string `json:"confirm"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	target := domain.Mode(body.Mode)
	if err := s.orch.SetMode(r.Context(), target, body.Confirm); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.hub.broadcast("mode", map[string]string{"mode": body.Mode})
	writeJSON(w, http.StatusOK, map[string]string{"mode": body.Mode})
}

func (s *Server) handleSupervisorStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"state": s.supervisor.State().String()})
}

// handleSupervisorStart manually restarts the scan loop, for operators
// recovering from a paused STOPPED supervisor without restarting the
// process.
func (s *Server) handleSupervisorStart(w http.ResponseWriter, r *http.Request) {
	s.supervisor.Start(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"state": s.supervisor.State().String()})
}

// handleStream upgrades to a WebSocket and registers the connection
// with the hub, which fans out every pause/resume/flatten/mode action
// handled by this server. Event bus traffic is not forwarded.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := newClient(conn, s.hub)
	s.hub.register <- client
	go client.writePump()
	go client.readPump()
}
