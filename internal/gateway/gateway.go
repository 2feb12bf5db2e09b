// Package gateway abstracts the market connection: bar history,
// quotes and bracket-order placement. The replay implementation
// drives simulations and dry runs from stored history.
package gateway

import (
	"context"
	"time"

	"github.com/meridianfx/trading-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// BracketOrder is a market entry with attached protective levels.
type BracketOrder struct {
	Symbol      string          `json:"symbol"`
	Direction   types.Direction `json:"direction"`
	Size        decimal.Decimal `json:"size"`
	StopLoss    decimal.Decimal `json:"stopLoss"`
	TakeProfit  decimal.Decimal `json:"takeProfit"`
	ClientTag   string          `json:"clientTag,omitempty"`
}

// OrderAck confirms a filled bracket order.
type OrderAck struct {
	OrderID   string          `json:"orderId"`
	FillPrice decimal.Decimal `json:"fillPrice"`
	FilledAt  time.Time       `json:"filledAt"`
}

// Gateway is the market-facing capability the orchestrator trades
// through. All calls honor the context.
type Gateway interface {
	// FetchBars returns the bar history for the symbol within
	// [start, end), oldest first.
	FetchBars(ctx context.Context, symbol string, start, end time.Time) ([]types.Bar, error)

	// CurrentQuote returns the live bid/ask snapshot.
	CurrentQuote(ctx context.Context, symbol string) (*types.Quote, error)

	// PlaceBracketOrder submits a market order with stop and target
	// attached.
	PlaceBracketOrder(ctx context.Context, order BracketOrder) (*OrderAck, error)

	// ModifyStop moves the protective stop of a working order.
	ModifyStop(ctx context.Context, orderID string, stop decimal.Decimal) error

	// CloseAll flattens every open order, recording the reason.
	CloseAll(ctx context.Context, reason string) error
}
