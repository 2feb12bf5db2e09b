package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/meridianfx/trading-engine/internal/gateway"
	"github.com/meridianfx/trading-engine/internal/regime"
	"github.com/meridianfx/trading-engine/internal/risk"
	"github.com/meridianfx/trading-engine/internal/strategy"
	"github.com/meridianfx/trading-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Tuesday, inside the 8-20 UTC session, not a news window.
var cycleTime = time.Date(2024, 6, 4, 10, 0, 0, 0, time.UTC)

// stubGateway serves canned bars and records order traffic.
type stubGateway struct {
	mu        sync.Mutex
	bars      []types.Bar
	fetchErr  error
	orders    []gateway.BracketOrder
	stops     []decimal.Decimal
	closeAlls []string
}

func (g *stubGateway) FetchBars(context.Context, string, time.Time, time.Time) ([]types.Bar, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fetchErr != nil {
		return nil, g.fetchErr
	}
	return g.bars, nil
}

func (g *stubGateway) CurrentQuote(context.Context, string) (*types.Quote, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fetchErr != nil {
		return nil, g.fetchErr
	}
	last := g.bars[len(g.bars)-1]
	half := decimal.NewFromFloat(0.0001)
	return &types.Quote{
		Bid:       last.Close.Sub(half),
		Ask:       last.Close.Add(half),
		Timestamp: last.Timestamp,
	}, nil
}

func (g *stubGateway) PlaceBracketOrder(_ context.Context, order gateway.BracketOrder) (*gateway.OrderAck, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.orders = append(g.orders, order)
	last := g.bars[len(g.bars)-1]
	fill := last.Close.Add(decimal.NewFromFloat(0.0001))
	if order.Direction == types.DirectionShort {
		fill = last.Close.Sub(decimal.NewFromFloat(0.0001))
	}
	return &gateway.OrderAck{OrderID: "order-1", FillPrice: fill, FilledAt: last.Timestamp}, nil
}

func (g *stubGateway) ModifyStop(_ context.Context, _ string, stop decimal.Decimal) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stops = append(g.stops, stop)
	return nil
}

func (g *stubGateway) CloseAll(_ context.Context, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closeAlls = append(g.closeAlls, reason)
	return nil
}

// scripted signals long on the last bar while armed.
type scripted struct {
	armed bool
	plan  types.EntryPlan
}

func (s *scripted) Name() string { return "scripted" }

func (s *scripted) GenerateSignals(bars []types.Bar) *strategy.Signals {
	sig := &strategy.Signals{
		Long:  make([]bool, len(bars)),
		Short: make([]bool, len(bars)),
		Exit:  make([]bool, len(bars)),
	}
	if s.armed && len(bars) > 0 {
		sig.Long[len(bars)-1] = true
	}
	return sig
}

func (s *scripted) CalculateEntryExit([]types.Bar, types.Direction) *types.EntryPlan {
	plan := s.plan
	return &plan
}

func (s *scripted) Reset() {}

func quietMarket(n int, end time.Time) []types.Bar {
	bars := make([]types.Bar, n)
	for i := range bars {
		close := decimal.NewFromFloat(1.4500)
		bars[i] = types.Bar{
			Timestamp: end.Add(-time.Duration(n-1-i) * time.Hour),
			Open:      close,
			High:      close.Add(decimal.NewFromFloat(0.0005)),
			Low:       close.Sub(decimal.NewFromFloat(0.0005)),
			Close:     close,
			Volume:    decimal.NewFromInt(1000),
		}
	}
	return bars
}

type fixture struct {
	engine   *Engine
	gateway  *stubGateway
	governor *risk.Governor
	strat    *scripted
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()
	instrument := types.DefaultInstrumentSpec()

	gw := &stubGateway{bars: quietMarket(60, cycleTime)}

	breakerCfg := types.DefaultBreakerConfig()
	breakerCfg.StaleDataTimeout = 2 * time.Hour

	governor := risk.NewGovernor(logger, types.DefaultRiskLimits(), instrument, decimal.NewFromInt(10000))
	breaker := risk.NewBreaker(logger, breakerCfg, instrument)
	classifier := regime.NewClassifier(logger, types.DefaultRegimeThresholds())

	strat := &scripted{plan: types.EntryPlan{
		Entry:        decimal.NewFromFloat(1.4500),
		StopLoss:     decimal.NewFromFloat(1.4475),
		TakeProfit1:  decimal.NewFromFloat(1.4550),
		TrailingStop: decimal.NewFromFloat(0.0030),
	}}
	registry := strategy.NewRegistry(logger)
	registry.Register("scripted", func() strategy.Strategy { return strat })

	selector := regime.NewSelector(logger, registry)
	selector.Override(types.RegimeRanging, regime.Assignment{
		Strategy:     "scripted",
		RiskFraction: decimal.NewFromFloat(0.01),
	})

	cfg := DefaultConfig()
	cfg.LookbackBars = 60

	engine := NewEngine(logger, cfg, instrument, gw, governor, breaker, classifier, selector, nil)
	return &fixture{engine: engine, gateway: gw, governor: governor, strat: strat}
}

func TestCycleOpensPosition(t *testing.T) {
	f := newFixture(t)
	f.strat.armed = true

	report := f.engine.Cycle(context.Background(), cycleTime)
	if report.Action != ActionOpened {
		t.Fatalf("action = %s (%s), want opened", report.Action, report.Detail)
	}
	if report.Regime != types.RegimeRanging {
		t.Fatalf("regime = %s, want ranging", report.Regime)
	}
	if len(f.gateway.orders) != 1 {
		t.Fatalf("orders placed = %d, want 1", len(f.gateway.orders))
	}
	order := f.gateway.orders[0]
	if order.Direction != types.DirectionLong {
		t.Fatalf("direction = %s", order.Direction)
	}
	if !order.Size.Equal(decimal.NewFromInt(40000)) {
		t.Fatalf("size = %s, want 40000", order.Size)
	}
	if f.governor.Snapshot().OpenPositions != 1 {
		t.Fatalf("governor open positions = %d", f.governor.Snapshot().OpenPositions)
	}
	if _, ok := f.engine.OpenPosition(); !ok {
		t.Fatal("engine reports no open position")
	}
}

func TestCycleHoldsSingleSlot(t *testing.T) {
	f := newFixture(t)
	f.strat.armed = true

	f.engine.Cycle(context.Background(), cycleTime)
	report := f.engine.Cycle(context.Background(), cycleTime.Add(time.Hour))
	if report.Action != ActionHold {
		t.Fatalf("second cycle action = %s, want hold", report.Action)
	}
	if len(f.gateway.orders) != 1 {
		t.Fatalf("orders placed = %d, want 1", len(f.gateway.orders))
	}
}

func TestCycleBlockedOutsideHours(t *testing.T) {
	f := newFixture(t)
	f.strat.armed = true

	late := time.Date(2024, 6, 4, 22, 0, 0, 0, time.UTC)
	f.gateway.bars = quietMarket(60, late)

	report := f.engine.Cycle(context.Background(), late)
	if report.Action != ActionBlocked {
		t.Fatalf("action = %s, want blocked", report.Action)
	}
	if len(f.gateway.orders) != 0 {
		t.Fatal("order placed during session block")
	}
}

func TestCycleStopLossCloses(t *testing.T) {
	f := newFixture(t)
	f.strat.armed = true
	f.engine.Cycle(context.Background(), cycleTime)
	f.strat.armed = false

	next := cycleTime.Add(time.Hour)
	bars := quietMarket(60, next)
	last := &bars[len(bars)-1]
	last.Low = decimal.NewFromFloat(1.4470)
	last.Close = decimal.NewFromFloat(1.4472)
	f.gateway.bars = bars

	report := f.engine.Cycle(context.Background(), next)
	if report.Action != ActionClosed || report.Detail != string(types.ExitStopLoss) {
		t.Fatalf("action = %s (%s), want closed stop_loss", report.Action, report.Detail)
	}

	snap := f.governor.Snapshot()
	if snap.OpenPositions != 0 {
		t.Fatalf("open positions = %d after stop", snap.OpenPositions)
	}
	if !snap.Capital.LessThan(decimal.NewFromInt(10000)) {
		t.Fatalf("capital = %s after losing trade", snap.Capital)
	}
	if len(f.gateway.closeAlls) != 1 || f.gateway.closeAlls[0] != string(types.ExitStopLoss) {
		t.Fatalf("closeAll calls = %v", f.gateway.closeAlls)
	}
}

func TestCycleTrailingRatchet(t *testing.T) {
	f := newFixture(t)
	f.strat.armed = true
	f.engine.Cycle(context.Background(), cycleTime)
	f.strat.armed = false

	next := cycleTime.Add(time.Hour)
	// Close between stop and target keeps the trade open while the
	// trail has room to move.
	bars := quietMarket(60, next)
	for i := range bars {
		bars[i].Close = decimal.NewFromFloat(1.4530)
		bars[i].Open = bars[i].Close
		bars[i].High = bars[i].Close.Add(decimal.NewFromFloat(0.0005))
		bars[i].Low = bars[i].Close.Sub(decimal.NewFromFloat(0.0005))
	}
	f.gateway.bars = bars

	report := f.engine.Cycle(context.Background(), next)
	if report.Action != ActionHold {
		t.Fatalf("action = %s (%s), want hold", report.Action, report.Detail)
	}
	if len(f.gateway.stops) != 1 {
		t.Fatalf("stop modifications = %d, want 1", len(f.gateway.stops))
	}
	want := decimal.NewFromFloat(1.4500)
	if !f.gateway.stops[0].Equal(want) {
		t.Fatalf("trailed stop = %s, want %s", f.gateway.stops[0], want)
	}
	pos, _ := f.engine.OpenPosition()
	if !pos.StopLoss.Equal(want) {
		t.Fatalf("position stop = %s, want %s", pos.StopLoss, want)
	}
}

func TestDataErrorsTripEmergency(t *testing.T) {
	f := newFixture(t)
	f.gateway.fetchErr = errors.New("feed down")

	var report CycleReport
	for i := 0; i < 3; i++ {
		report = f.engine.Cycle(context.Background(), cycleTime.Add(time.Duration(i)*time.Minute))
	}
	if report.Action != ActionEmergency {
		t.Fatalf("third failing cycle action = %s, want emergency_stop", report.Action)
	}
	if !f.governor.Halted() {
		t.Fatal("governor not halted after emergency")
	}
	if len(f.gateway.closeAlls) != 1 {
		t.Fatalf("closeAll calls = %d, want 1", len(f.gateway.closeAlls))
	}
}

func TestHaltBlocksEntries(t *testing.T) {
	f := newFixture(t)
	f.strat.armed = true
	f.governor.HaltTrading(risk.HaltReasonManual)

	report := f.engine.Cycle(context.Background(), cycleTime)
	if report.Action != ActionHalted {
		t.Fatalf("action = %s, want halted", report.Action)
	}
	if len(f.gateway.orders) != 0 {
		t.Fatal("order placed while halted")
	}

	f.governor.Resume()
	report = f.engine.Cycle(context.Background(), cycleTime.Add(time.Minute))
	if report.Action != ActionOpened {
		t.Fatalf("post-resume action = %s, want opened", report.Action)
	}
}
