package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/meridianfx/trading-engine/internal/gateway"
	"github.com/meridianfx/trading-engine/internal/journal"
	"github.com/meridianfx/trading-engine/internal/regime"
	"github.com/meridianfx/trading-engine/internal/risk"
	"github.com/meridianfx/trading-engine/internal/strategy"
	"github.com/meridianfx/trading-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func writeHistoryCSV(t *testing.T, dir string, n int) {
	t.Helper()
	start := time.Date(2024, 2, 5, 0, 0, 0, 0, time.UTC)

	rows := "timestamp,open,high,low,close,volume\n"
	for i := 0; i < n; i++ {
		ts := start.Add(time.Duration(i) * time.Hour)
		c := 1.4500 + 0.0001*float64(i%20)
		rows += fmt.Sprintf("%s,%.4f,%.4f,%.4f,%.4f,%d\n",
			ts.Format(time.RFC3339), c-0.0002, c+0.0005, c-0.0005, c, 1000+i)
	}
	if err := os.WriteFile(filepath.Join(dir, "EURCAD.csv"), []byte(rows), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	logger := zap.NewNop()

	dir := t.TempDir()
	writeHistoryCSV(t, dir, 300)

	store, err := gateway.NewStore(logger, dir)
	if err != nil {
		t.Fatal(err)
	}
	db, err := journal.NewSQLite(filepath.Join(dir, "journal.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	instrument := types.DefaultInstrumentSpec()
	backtestCfg := types.DefaultBacktestConfig()
	backtestCfg.WarmupBars = 50

	srv := NewServer(logger, types.ServerConfig{Host: "127.0.0.1", Port: 0}, backtestCfg, types.DefaultWalkForwardConfig(), Deps{
		Store:      store,
		Registry:   strategy.NewRegistry(logger),
		Governor:   risk.NewGovernor(logger, types.DefaultRiskLimits(), instrument, decimal.NewFromInt(10000)),
		Classifier: regime.NewClassifier(logger, types.DefaultRegimeThresholds()),
		Journal:    db,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func getJSON(t *testing.T, url string, wantStatus int) map[string]any {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s = %d, want %d", url, resp.StatusCode, wantStatus)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	return body
}

func postJSON(t *testing.T, url string, payload any, wantStatus int) map[string]any {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("POST %s = %d, want %d", url, resp.StatusCode, wantStatus)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	return body
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t)
	body := getJSON(t, ts.URL+"/api/v1/health", http.StatusOK)
	if body["status"] != "healthy" {
		t.Fatalf("status = %v", body["status"])
	}
}

func TestSymbols(t *testing.T) {
	_, ts := newTestServer(t)
	body := getJSON(t, ts.URL+"/api/v1/data/symbols", http.StatusOK)
	symbols, _ := body["symbols"].([]any)
	if len(symbols) != 1 || symbols[0] != "EURCAD" {
		t.Fatalf("symbols = %v", symbols)
	}
}

func TestHistoryRange(t *testing.T) {
	_, ts := newTestServer(t)

	start := time.Date(2024, 2, 5, 0, 0, 0, 0, time.UTC)
	url := fmt.Sprintf("%s/api/v1/data/history/EURCAD?start=%s&end=%s",
		ts.URL,
		start.Format(time.RFC3339),
		start.Add(10*time.Hour).Format(time.RFC3339))

	body := getJSON(t, url, http.StatusOK)
	if body["count"] != float64(10) {
		t.Fatalf("count = %v, want 10", body["count"])
	}
}

func TestHistoryUnknownSymbol(t *testing.T) {
	_, ts := newTestServer(t)
	getJSON(t, ts.URL+"/api/v1/data/history/USDJPY", http.StatusNotFound)
}

func TestStrategiesListed(t *testing.T) {
	_, ts := newTestServer(t)
	body := getJSON(t, ts.URL+"/api/v1/strategies", http.StatusOK)
	names, _ := body["strategies"].([]any)
	found := false
	for _, n := range names {
		if n == "mean_reversion" {
			found = true
		}
	}
	if !found {
		t.Fatalf("mean_reversion missing from %v", names)
	}
}

func TestBacktestLifecycle(t *testing.T) {
	_, ts := newTestServer(t)

	body := postJSON(t, ts.URL+"/api/v1/backtest/run",
		runRequest{Symbol: "EURCAD", Strategy: "mean_reversion"},
		http.StatusAccepted)
	id, _ := body["id"].(string)
	if id == "" {
		t.Fatal("no run id returned")
	}

	deadline := time.Now().Add(10 * time.Second)
	var status string
	for time.Now().Before(deadline) {
		got := getJSON(t, ts.URL+"/api/v1/backtest/"+id, http.StatusOK)
		status, _ = got["status"].(string)
		if status == "completed" || status == "failed" {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if status != "completed" {
		t.Fatalf("final status = %q", status)
	}

	trades := getJSON(t, ts.URL+"/api/v1/backtest/"+id+"/trades", http.StatusOK)
	if trades["id"] != id {
		t.Fatalf("trades id = %v", trades["id"])
	}

	runs := getJSON(t, ts.URL+"/api/v1/backtests", http.StatusOK)
	if runs["count"] == float64(0) {
		t.Fatal("journal holds no runs after completion")
	}
}

func TestBacktestUnknownStrategy(t *testing.T) {
	_, ts := newTestServer(t)
	postJSON(t, ts.URL+"/api/v1/backtest/run",
		runRequest{Symbol: "EURCAD", Strategy: "nope"},
		http.StatusBadRequest)
}

func TestRunNotFound(t *testing.T) {
	_, ts := newTestServer(t)
	getJSON(t, ts.URL+"/api/v1/backtest/missing", http.StatusNotFound)
}

func TestHaltAndResume(t *testing.T) {
	srv, ts := newTestServer(t)

	body := postJSON(t, ts.URL+"/api/v1/risk/halt", map[string]string{"reason": "manual"}, http.StatusOK)
	if body["state"] != "halted" {
		t.Fatalf("state after halt = %v", body["state"])
	}
	if !srv.deps.Governor.Halted() {
		t.Fatal("governor not halted")
	}

	body = postJSON(t, ts.URL+"/api/v1/risk/resume", nil, http.StatusOK)
	if body["state"] != "active" {
		t.Fatalf("state after resume = %v", body["state"])
	}
}

func TestAccountSnapshot(t *testing.T) {
	_, ts := newTestServer(t)
	body := getJSON(t, ts.URL+"/api/v1/risk/account", http.StatusOK)
	if body["currentCapital"] != "10000" {
		t.Fatalf("currentCapital = %v", body["currentCapital"])
	}
	if body["initialCapital"] != "10000" {
		t.Fatalf("initialCapital = %v", body["initialCapital"])
	}
	if halted, ok := body["tradingHalted"].(bool); !ok || halted {
		t.Fatalf("tradingHalted = %v", body["tradingHalted"])
	}
}

func TestRegimeBeforeClassification(t *testing.T) {
	_, ts := newTestServer(t)
	getJSON(t, ts.URL+"/api/v1/regime", http.StatusNotFound)
}

func TestEngineDisabled(t *testing.T) {
	_, ts := newTestServer(t)
	getJSON(t, ts.URL+"/api/v1/engine/status", http.StatusNotImplemented)
}

func TestWalkForwardTooShort(t *testing.T) {
	_, ts := newTestServer(t)

	// 300 hourly bars cover well under the 7 months one window needs;
	// the run is accepted but fails during analysis.
	body := postJSON(t, ts.URL+"/api/v1/walkforward/run",
		runRequest{Symbol: "EURCAD", Strategy: "mean_reversion"},
		http.StatusAccepted)
	id, _ := body["id"].(string)

	deadline := time.Now().Add(10 * time.Second)
	var status string
	for time.Now().Before(deadline) {
		got := getJSON(t, ts.URL+"/api/v1/walkforward/"+id, http.StatusOK)
		status, _ = got["status"].(string)
		if status != "running" {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if status != "failed" {
		t.Fatalf("status = %q, want failed", status)
	}
}
