package telemetry

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func TestMetricsExposition(t *testing.T) {
	m := New()

	m.TradesOpened.WithLabelValues("mean_reversion").Inc()
	m.TradesClosed.WithLabelValues("mean_reversion", "stop_loss").Inc()
	m.Rejections.WithLabelValues("exposure").Add(3)
	m.Halts.WithLabelValues("drawdown").Inc()
	m.Equity.Set(10234.5)
	m.OpenPositions.Set(1)

	body := scrape(t, m)
	for _, want := range []string{
		`trading_trades_opened_total{strategy="mean_reversion"} 1`,
		`trading_trades_closed_total{reason="stop_loss",strategy="mean_reversion"} 1`,
		`trading_entries_rejected_total{reason="exposure"} 3`,
		`trading_halts_total{reason="drawdown"} 1`,
		`trading_equity 10234.5`,
		`trading_open_positions 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestRegimeGaugeIsOneHot(t *testing.T) {
	m := New()

	m.SetRegime("strong_trend")
	m.SetRegime("ranging")

	body := scrape(t, m)
	if !strings.Contains(body, `trading_regime{label="ranging"} 1`) {
		t.Error("current regime should read 1")
	}
	if strings.Contains(body, `trading_regime{label="strong_trend"}`) {
		t.Error("previous regime label should be cleared")
	}
}

func TestIndependentRegistries(t *testing.T) {
	a := New()
	b := New()

	a.BacktestRuns.Inc()
	if strings.Contains(scrape(t, b), "trading_backtest_runs_total 1") {
		t.Error("registries must not share state")
	}
}
