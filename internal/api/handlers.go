package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/meridianfx/trading-engine/internal/backtester"
	"github.com/meridianfx/trading-engine/internal/journal"
	"github.com/meridianfx/trading-engine/internal/risk"
	"github.com/meridianfx/trading-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// runRequest is the body for backtest and walk-forward runs. Omitted
// fields fall back to the server's configured defaults.
type runRequest struct {
	Symbol         string          `json:"symbol"`
	Strategy       string          `json:"strategy"`
	Start          time.Time       `json:"start,omitempty"`
	End            time.Time       `json:"end,omitempty"`
	RiskFraction   decimal.Decimal `json:"riskFraction,omitempty"`
	InitialCapital decimal.Decimal `json:"initialCapital,omitempty"`
}

func (s *Server) buildConfig(req runRequest) types.BacktestConfig {
	cfg := s.backtestCfg
	cfg.ID = backtester.NewRunID()
	if req.Strategy != "" {
		cfg.Strategy = req.Strategy
	}
	if req.RiskFraction.IsPositive() {
		cfg.RiskFraction = req.RiskFraction
	}
	if req.InitialCapital.IsPositive() {
		cfg.InitialCapital = req.InitialCapital
	}
	cfg.Start = req.Start
	cfg.End = req.End
	return cfg
}

func (s *Server) loadBars(req runRequest) ([]types.Bar, error) {
	if req.Start.IsZero() && req.End.IsZero() {
		return s.deps.Store.Bars(req.Symbol)
	}
	end := req.End
	if end.IsZero() {
		end = time.Now().UTC()
	}
	return s.deps.Store.Range(req.Symbol, req.Start, end)
}

func (s *Server) handleRunBacktest(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Symbol == "" {
		req.Symbol = s.backtestCfg.Instrument.Symbol
	}

	cfg := s.buildConfig(req)
	strat, ok := s.deps.Registry.Create(cfg.Strategy)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "unknown strategy "+cfg.Strategy)
		return
	}

	bars, err := s.loadBars(req)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	state := &runState{
		ID:       cfg.ID,
		Kind:     "backtest",
		Strategy: cfg.Strategy,
		Symbol:   req.Symbol,
		Status:   "running",
		Started:  time.Now().UTC(),
	}
	s.mu.Lock()
	s.runs[cfg.ID] = state
	s.mu.Unlock()

	sim := backtester.NewSimulator(s.logger, cfg, strat)
	sim.OnProgress(func(p backtester.Progress) {
		s.hub.Broadcast(MsgTypeProgress, p)
	})

	go func() {
		result, err := sim.Run(context.Background(), bars)

		s.mu.Lock()
		if err != nil {
			state.Status = "failed"
			state.Error = err.Error()
		} else {
			state.Status = "completed"
			state.Result = result
		}
		s.mu.Unlock()

		if err != nil {
			s.logger.Error("backtest failed", zap.String("run", cfg.ID), zap.Error(err))
		} else {
			s.persistBacktest(req.Symbol, result)
			if s.deps.Metrics != nil {
				s.deps.Metrics.BacktestRuns.Inc()
			}
		}

		s.hub.Broadcast(MsgTypeRunComplete, map[string]string{
			"id":     cfg.ID,
			"kind":   "backtest",
			"status": state.Status,
		})
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"id":      cfg.ID,
		"status":  "running",
		"started": state.Started,
	})
}

// persistBacktest journals the finished run; best effort.
func (s *Server) persistBacktest(symbol string, result *backtester.Result) {
	if s.deps.Journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rec := journal.RunRecord{
		RunID:          result.ID,
		Kind:           "backtest",
		Strategy:       result.Strategy,
		Symbol:         symbol,
		InitialCapital: result.Config.InitialCapital,
		FinalCapital:   result.Account.Capital,
		TotalTrades:    result.Metrics.TotalTrades,
		WinRate:        result.Metrics.WinRate,
		ProfitFactor:   result.Metrics.ProfitFactor,
		MaxDrawdown:    result.Metrics.MaxDrawdown,
		StartedAt:      result.StartedAt,
		FinishedAt:     result.FinishedAt,
	}
	if err := s.deps.Journal.RecordRun(ctx, rec); err != nil {
		s.logger.Error("journal run failed", zap.String("run", result.ID), zap.Error(err))
		return
	}
	for _, trade := range result.Trades {
		if err := s.deps.Journal.RecordTrade(ctx, result.ID, trade); err != nil {
			s.logger.Error("journal trade failed", zap.String("run", result.ID), zap.Error(err))
			return
		}
	}
	if err := s.deps.Journal.RecordEquity(ctx, result.ID, result.EquityCurve); err != nil {
		s.logger.Error("journal equity failed", zap.String("run", result.ID), zap.Error(err))
	}
}

func (s *Server) handleRunWalkForward(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Symbol == "" {
		req.Symbol = s.backtestCfg.Instrument.Symbol
	}

	cfg := s.buildConfig(req)
	if _, ok := s.deps.Registry.Create(cfg.Strategy); !ok {
		s.writeError(w, http.StatusBadRequest, "unknown strategy "+cfg.Strategy)
		return
	}

	bars, err := s.loadBars(req)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	state := &runState{
		ID:       cfg.ID,
		Kind:     "walkforward",
		Strategy: cfg.Strategy,
		Symbol:   req.Symbol,
		Status:   "running",
		Started:  time.Now().UTC(),
	}
	s.mu.Lock()
	s.runs[cfg.ID] = state
	s.mu.Unlock()

	analyzer := backtester.NewAnalyzer(s.logger, s.deps.Registry)

	go func() {
		result, err := analyzer.Run(context.Background(), bars, cfg, s.wfCfg)

		s.mu.Lock()
		if err != nil {
			state.Status = "failed"
			state.Error = err.Error()
		} else {
			state.Status = "completed"
			state.WFResult = result
		}
		s.mu.Unlock()

		if err != nil {
			s.logger.Error("walk-forward failed", zap.String("run", cfg.ID), zap.Error(err))
		}
		s.hub.Broadcast(MsgTypeRunComplete, map[string]string{
			"id":     cfg.ID,
			"kind":   "walkforward",
			"status": state.Status,
		})
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"id":      cfg.ID,
		"status":  "running",
		"started": state.Started,
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.RLock()
	state, ok := s.runs[id]
	s.mu.RUnlock()
	if !ok {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}

	s.mu.RLock()
	response := map[string]any{
		"id":       state.ID,
		"kind":     state.Kind,
		"strategy": state.Strategy,
		"symbol":   state.Symbol,
		"status":   state.Status,
		"started":  state.Started,
	}
	if state.Error != "" {
		response["error"] = state.Error
	}
	if state.Result != nil {
		response["result"] = state.Result
	}
	if state.WFResult != nil {
		response["result"] = state.WFResult
	}
	s.mu.RUnlock()

	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.RLock()
	state, ok := s.runs[id]
	var trades []types.ClosedTrade
	if ok && state.Result != nil {
		trades = state.Result.Trades
	}
	s.mu.RUnlock()

	if !ok {
		// Fall back to the journal for runs from earlier processes.
		if s.deps.Journal != nil {
			jt, err := s.deps.Journal.TradesByRun(r.Context(), id)
			if err == nil && len(jt) > 0 {
				s.writeJSON(w, http.StatusOK, map[string]any{"id": id, "trades": jt, "count": len(jt)})
				return
			}
		}
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if trades == nil {
		s.writeError(w, http.StatusConflict, "run not complete")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"id": id, "trades": trades, "count": len(trades)})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Journal == nil {
		s.writeError(w, http.StatusNotImplemented, "journal disabled")
		return
	}
	runs, err := s.deps.Journal.ListRuns(r.Context(), 100)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

func (s *Server) handleAccount(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Governor.Summary())
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Reason == "" {
		body.Reason = risk.HaltReasonManual
	}

	s.deps.Governor.HaltTrading(body.Reason)
	if s.deps.Metrics != nil {
		s.deps.Metrics.Halts.WithLabelValues(body.Reason).Inc()
	}
	s.hub.Broadcast(MsgTypeRiskAlert, map[string]string{"event": "halt", "reason": body.Reason})
	s.writeJSON(w, http.StatusOK, s.deps.Governor.Snapshot())
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.deps.Governor.Resume()
	s.hub.Broadcast(MsgTypeRiskAlert, map[string]string{"event": "resume"})
	s.writeJSON(w, http.StatusOK, s.deps.Governor.Snapshot())
}

func (s *Server) handleRegime(w http.ResponseWriter, _ *http.Request) {
	current, ok := s.deps.Classifier.Current()
	if !ok {
		s.writeError(w, http.StatusNotFound, "no classification yet")
		return
	}
	s.writeJSON(w, http.StatusOK, current)
}

func (s *Server) handleEngineStatus(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Engine == nil {
		s.writeError(w, http.StatusNotImplemented, "live engine disabled")
		return
	}
	response := map[string]any{
		"running": s.deps.Engine.Running(),
		"last":    s.deps.Engine.LastReport(),
	}
	if pos, ok := s.deps.Engine.OpenPosition(); ok {
		response["position"] = pos
	}
	s.writeJSON(w, http.StatusOK, response)
}
