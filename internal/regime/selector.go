package regime

import (
	"sync"

	"github.com/meridianfx/trading-engine/internal/strategy"
	"github.com/meridianfx/trading-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Assignment is the selector's verdict for one regime read: which
// strategy may trade and at what risk fraction. An empty Strategy with
// zero risk means stand aside.
type Assignment struct {
	Strategy     string          `json:"strategy"`
	RiskFraction decimal.Decimal `json:"riskFraction"`
	Regime       types.RegimeLabel `json:"regime"`
}

// Active reports whether the assignment permits trading at all.
func (a Assignment) Active() bool {
	return a.Strategy != "" && a.RiskFraction.IsPositive()
}

// Selector maps regimes to strategies. The mapping is fixed at
// construction; regimes with no entry stand aside.
type Selector struct {
	logger   *zap.Logger
	mu       sync.RWMutex
	table    map[types.RegimeLabel]Assignment
	registry *strategy.Registry
}

// NewSelector builds the default regime-to-strategy table.
func NewSelector(logger *zap.Logger, registry *strategy.Registry) *Selector {
	table := map[types.RegimeLabel]Assignment{
		types.RegimeStrongTrend: {
			Strategy:     strategy.NameTrendFollowing,
			RiskFraction: decimal.NewFromFloat(0.015),
		},
		types.RegimeWeakTrend: {
			Strategy:     strategy.NameMeanReversion,
			RiskFraction: decimal.NewFromFloat(0.01),
		},
		types.RegimeRanging: {
			Strategy:     strategy.NameMeanReversion,
			RiskFraction: decimal.NewFromFloat(0.01),
		},
		types.RegimeLowVolatility: {
			Strategy:     strategy.NameGrid,
			RiskFraction: decimal.NewFromFloat(0.008),
		},
		types.RegimeBreakoutPending: {
			Strategy:     strategy.NameBreakout,
			RiskFraction: decimal.NewFromFloat(0.01),
		},
		// High volatility stands aside; no entry on purpose.
	}
	return &Selector{logger: logger.Named("selector"), table: table, registry: registry}
}

// Select returns the assignment for a regime. Unmapped regimes, high
// volatility included, return an inactive assignment.
func (s *Selector) Select(label types.RegimeLabel) Assignment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.table[label]
	if !ok {
		return Assignment{Regime: label}
	}
	a.Regime = label
	return a
}

// Instantiate creates a fresh strategy instance for the assignment,
// or nil for a stand-aside assignment.
func (s *Selector) Instantiate(a Assignment) strategy.Strategy {
	if !a.Active() || s.registry == nil {
		return nil
	}
	st, ok := s.registry.Create(a.Strategy)
	if !ok {
		s.logger.Warn("assignment names unknown strategy", zap.String("strategy", a.Strategy))
		return nil
	}
	return st
}

// Override replaces the assignment for one regime. Used by tuning and
// the walk-forward harness.
func (s *Selector) Override(label types.RegimeLabel, a Assignment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table[label] = a
}
