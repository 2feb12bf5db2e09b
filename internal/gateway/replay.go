package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meridianfx/trading-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SimulatedOrder is a bracket order the replay gateway accepted.
type SimulatedOrder struct {
	BracketOrder
	OrderID  string          `json:"orderId"`
	Fill     decimal.Decimal `json:"fill"`
	FilledAt time.Time       `json:"filledAt"`
	Closed   bool            `json:"closed"`
	CloseTag string          `json:"closeTag,omitempty"`
}

// Replay serves stored history through the Gateway interface and
// accepts orders into a simulated book. A cursor caps how much
// history is visible, so a live cycle replayed over old data never
// sees the future.
type Replay struct {
	logger     *zap.Logger
	store      *Store
	instrument types.InstrumentSpec
	spreadPips decimal.Decimal

	mu     sync.Mutex
	cursor time.Time
	book   []SimulatedOrder
}

var _ Gateway = (*Replay)(nil)

// NewReplay creates a replay gateway. The cursor starts unset, which
// exposes the whole stored series.
func NewReplay(logger *zap.Logger, store *Store, instrument types.InstrumentSpec, spreadPips float64) *Replay {
	return &Replay{
		logger:     logger.Named("replay"),
		store:      store,
		instrument: instrument,
		spreadPips: decimal.NewFromFloat(spreadPips),
	}
}

// SetCursor caps visible history at the given instant.
func (r *Replay) SetCursor(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursor = t
}

// Advance moves the cursor forward by d and returns the new position.
func (r *Replay) Advance(d time.Duration) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursor = r.cursor.Add(d)
	return r.cursor
}

// FetchBars returns stored bars in [start, end), truncated at the
// cursor when one is set.
func (r *Replay) FetchBars(ctx context.Context, symbol string, start, end time.Time) ([]types.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	cursor := r.cursor
	r.mu.Unlock()
	if !cursor.IsZero() && (end.IsZero() || cursor.Before(end)) {
		end = cursor
	}
	return r.store.Range(symbol, start, end)
}

// CurrentQuote synthesizes a bid/ask around the last visible close
// using the configured spread.
func (r *Replay) CurrentQuote(ctx context.Context, symbol string) (*types.Quote, error) {
	bars, err := r.FetchBars(ctx, symbol, time.Time{}, time.Time{})
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("no visible bars for %s", symbol)
	}

	last := bars[len(bars)-1]
	half := r.spreadPips.Mul(r.instrument.PipSize).Div(decimal.NewFromInt(2))
	return &types.Quote{
		Bid:       last.Close.Sub(half),
		Ask:       last.Close.Add(half),
		Timestamp: last.Timestamp,
	}, nil
}

// PlaceBracketOrder fills immediately at the synthetic quote: longs
// lift the ask, shorts hit the bid.
func (r *Replay) PlaceBracketOrder(ctx context.Context, order BracketOrder) (*OrderAck, error) {
	if order.Direction != types.DirectionLong && order.Direction != types.DirectionShort {
		return nil, fmt.Errorf("order direction %q", order.Direction)
	}
	if !order.Size.IsPositive() {
		return nil, fmt.Errorf("order size %s", order.Size)
	}

	quote, err := r.CurrentQuote(ctx, order.Symbol)
	if err != nil {
		return nil, err
	}
	fill := quote.Ask
	if order.Direction == types.DirectionShort {
		fill = quote.Bid
	}

	ack := &OrderAck{
		OrderID:   uuid.New().String(),
		FillPrice: fill,
		FilledAt:  quote.Timestamp,
	}

	r.mu.Lock()
	r.book = append(r.book, SimulatedOrder{
		BracketOrder: order,
		OrderID:      ack.OrderID,
		Fill:         fill,
		FilledAt:     ack.FilledAt,
	})
	r.mu.Unlock()

	r.logger.Info("simulated fill",
		zap.String("order", ack.OrderID),
		zap.String("symbol", order.Symbol),
		zap.String("direction", string(order.Direction)),
		zap.String("size", order.Size.String()),
		zap.String("price", fill.String()))
	return ack, nil
}

// ModifyStop moves the stop on a working simulated order.
func (r *Replay) ModifyStop(_ context.Context, orderID string, stop decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.book {
		if r.book[i].OrderID == orderID && !r.book[i].Closed {
			r.book[i].StopLoss = stop
			return nil
		}
	}
	return fmt.Errorf("no working order %s", orderID)
}

// CloseAll flattens the simulated book.
func (r *Replay) CloseAll(_ context.Context, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i := range r.book {
		if !r.book[i].Closed {
			r.book[i].Closed = true
			r.book[i].CloseTag = reason
			n++
		}
	}
	if n > 0 {
		r.logger.Warn("flattened simulated book",
			zap.Int("orders", n), zap.String("reason", reason))
	}
	return nil
}

// Book returns a copy of the simulated order book.
func (r *Replay) Book() []SimulatedOrder {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SimulatedOrder, len(r.book))
	copy(out, r.book)
	return out
}

// OpenOrders returns the working (not yet closed) simulated orders.
func (r *Replay) OpenOrders() []SimulatedOrder {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []SimulatedOrder
	for _, o := range r.book {
		if !o.Closed {
			out = append(out, o)
		}
	}
	return out
}
