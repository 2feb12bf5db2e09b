// Package api exposes the engine over HTTP and WebSocket: backtest
// and walk-forward runs, the risk ledger, the current regime read and
// Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/meridianfx/trading-engine/internal/backtester"
	"github.com/meridianfx/trading-engine/internal/gateway"
	"github.com/meridianfx/trading-engine/internal/journal"
	"github.com/meridianfx/trading-engine/internal/orchestrator"
	"github.com/meridianfx/trading-engine/internal/regime"
	"github.com/meridianfx/trading-engine/internal/risk"
	"github.com/meridianfx/trading-engine/internal/strategy"
	"github.com/meridianfx/trading-engine/internal/telemetry"
	"github.com/meridianfx/trading-engine/pkg/types"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Deps carries the components the server exposes. Journal, Engine and
// Metrics may be nil; their endpoints degrade accordingly.
type Deps struct {
	Store      *gateway.Store
	Registry   *strategy.Registry
	Governor   *risk.Governor
	Classifier *regime.Classifier
	Engine     *orchestrator.Engine
	Journal    *journal.SQLite
	Metrics    *telemetry.Metrics
}

// runState tracks one asynchronous run.
type runState struct {
	ID       string                         `json:"id"`
	Kind     string                         `json:"kind"` // backtest, walkforward
	Strategy string                         `json:"strategy"`
	Symbol   string                         `json:"symbol"`
	Status   string                         `json:"status"` // running, completed, failed
	Started  time.Time                      `json:"started"`
	Error    string                         `json:"error,omitempty"`
	Result   *backtester.Result             `json:"-"`
	WFResult *backtester.WalkForwardResult  `json:"-"`
}

// Server is the HTTP/WebSocket front end.
type Server struct {
	logger      *zap.Logger
	config      types.ServerConfig
	backtestCfg types.BacktestConfig
	wfCfg       types.WalkForwardConfig
	deps        Deps

	router     *mux.Router
	httpServer *http.Server
	hub        *Hub
	upgrader   websocket.Upgrader

	mu   sync.RWMutex
	runs map[string]*runState
}

// NewServer wires the routes. Call Start to serve.
func NewServer(logger *zap.Logger, config types.ServerConfig, backtestCfg types.BacktestConfig, wfCfg types.WalkForwardConfig, deps Deps) *Server {
	s := &Server{
		logger:      logger.Named("api"),
		config:      config,
		backtestCfg: backtestCfg,
		wfCfg:       wfCfg,
		deps:        deps,
		router:      mux.NewRouter(),
		hub:         NewHub(logger),
		runs:        make(map[string]*runState),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.setupRoutes()

	if deps.Engine != nil {
		var lastRegime types.RegimeLabel
		deps.Engine.OnReport(func(r orchestrator.CycleReport) {
			if r.Regime == "" || r.Regime == lastRegime {
				return
			}
			lastRegime = r.Regime
			if current, ok := deps.Classifier.Current(); ok {
				s.hub.Broadcast(MsgTypeRegimeUpdate, current)
			}
		})
	}
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api.HandleFunc("/data/symbols", s.handleSymbols).Methods(http.MethodGet)
	api.HandleFunc("/data/history/{symbol}", s.handleHistory).Methods(http.MethodGet)

	api.HandleFunc("/strategies", s.handleStrategies).Methods(http.MethodGet)

	api.HandleFunc("/backtest/run", s.handleRunBacktest).Methods(http.MethodPost)
	api.HandleFunc("/backtest/{id}", s.handleGetRun).Methods(http.MethodGet)
	api.HandleFunc("/backtest/{id}/trades", s.handleGetTrades).Methods(http.MethodGet)
	api.HandleFunc("/backtests", s.handleListRuns).Methods(http.MethodGet)

	api.HandleFunc("/walkforward/run", s.handleRunWalkForward).Methods(http.MethodPost)
	api.HandleFunc("/walkforward/{id}", s.handleGetRun).Methods(http.MethodGet)

	api.HandleFunc("/risk/account", s.handleAccount).Methods(http.MethodGet)
	api.HandleFunc("/risk/halt", s.handleHalt).Methods(http.MethodPost)
	api.HandleFunc("/risk/resume", s.handleResume).Methods(http.MethodPost)

	api.HandleFunc("/regime", s.handleRegime).Methods(http.MethodGet)
	api.HandleFunc("/engine/status", s.handleEngineStatus).Methods(http.MethodGet)

	if s.config.EnableMetrics && s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)
	}

	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	go s.hub.Run()

	s.logger.Info("api server listening", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down, disconnecting WebSocket clients first.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSymbols(w http.ResponseWriter, _ *http.Request) {
	symbols, err := s.deps.Store.Symbols()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"symbols": symbols})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	start, end, err := parseTimeRange(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var bars []types.Bar
	if start.IsZero() && end.IsZero() {
		bars, err = s.deps.Store.Bars(symbol)
	} else {
		bars, err = s.deps.Store.Range(symbol, start, end)
	}
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"symbol": symbol,
		"bars":   bars,
		"count":  len(bars),
	})
}

func (s *Server) handleStrategies(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"strategies": s.deps.Registry.List()})
}

// parseTimeRange reads optional RFC3339 start/end query parameters.
func parseTimeRange(r *http.Request) (start, end time.Time, err error) {
	if v := r.URL.Query().Get("start"); v != "" {
		start, err = time.Parse(time.RFC3339, v)
		if err != nil {
			return start, end, fmt.Errorf("bad start: %w", err)
		}
	}
	if v := r.URL.Query().Get("end"); v != "" {
		end, err = time.Parse(time.RFC3339, v)
		if err != nil {
			return start, end, fmt.Errorf("bad end: %w", err)
		}
	}
	if !start.IsZero() && end.IsZero() {
		end = time.Now().UTC()
	}
	return start, end, nil
}
