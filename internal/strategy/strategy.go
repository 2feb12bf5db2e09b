// Package strategy provides the signal-provider implementations the
// regime selector chooses between.
package strategy

import (
	"sync"

	"github.com/meridianfx/trading-engine/pkg/types"
	"go.uber.org/zap"
)

// Strategy is the signal-provider capability. GenerateSignals and
// CalculateEntryExit must be callable repeatedly with growing history
// prefixes; implementations keep no hidden state across calls within
// one run, and Reset clears whatever tuning state exists between
// walk-forward windows.
type Strategy interface {
	Name() string
	GenerateSignals(bars []types.Bar) *Signals
	CalculateEntryExit(bars []types.Bar, direction types.Direction) *types.EntryPlan
	Reset()
}

// Signals annotates a bar history with per-bar entry/exit flags. It is
// a fresh value on every call; the input bars are never mutated.
type Signals struct {
	Long  []bool
	Short []bool
	Exit  []bool
}

func newSignals(n int) *Signals {
	return &Signals{
		Long:  make([]bool, n),
		Short: make([]bool, n),
		Exit:  make([]bool, n),
	}
}

// At returns the direction signalled at index i, or DirectionNone.
func (s *Signals) At(i int) types.Direction {
	if s == nil || i < 0 || i >= len(s.Long) {
		return types.DirectionNone
	}
	switch {
	case s.Long[i]:
		return types.DirectionLong
	case s.Short[i]:
		return types.DirectionShort
	default:
		return types.DirectionNone
	}
}

// ExitAt reports whether the strategy declared an exit at index i.
func (s *Signals) ExitAt(i int) bool {
	return s != nil && i >= 0 && i < len(s.Exit) && s.Exit[i]
}

// Registry manages available strategies by identifier.
type Registry struct {
	logger    *zap.Logger
	mu        sync.RWMutex
	factories map[string]func() Strategy
}

// NewRegistry creates a registry with the built-in strategies
// registered.
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{
		logger:    logger,
		factories: make(map[string]func() Strategy),
	}

	r.Register(NameMeanReversion, func() Strategy { return NewMeanReversion(logger) })
	r.Register(NameTrendFollowing, func() Strategy { return NewTrendFollowing(logger) })
	r.Register(NameGrid, func() Strategy { return NewGrid(logger) })
	r.Register(NameBreakout, func() Strategy { return NewBreakout(logger) })
	r.Register(NameOilCorrelation, func() Strategy { return NewOilCorrelation(logger, nil) })

	return r
}

// Register registers a strategy factory.
func (r *Registry) Register(name string, factory func() Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create instantiates a fresh strategy by identifier.
func (r *Registry) Create(name string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.factories[name]
	if !ok {
		return nil, false
	}
	return factory(), true
}

// List returns the registered identifiers.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

// Built-in strategy identifiers.
const (
	NameMeanReversion  = "mean_reversion"
	NameTrendFollowing = "trend_following"
	NameGrid           = "grid"
	NameBreakout       = "breakout"
	NameOilCorrelation = "oil_correlation"
)

func riskReward(entry, stop, target float64) float64 {
	risk := abs(entry - stop)
	if risk == 0 {
		return 0
	}
	return abs(target-entry) / risk
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
