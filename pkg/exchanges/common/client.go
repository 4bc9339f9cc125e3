package common

import "context"

// Client abstracts a trading venue. New venues are added by implementing
// this interface, never by branching inside shared code.
type Client interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
	QueryBalance(ctx context.Context) (Balance, error)
	QueryPositions(ctx context.Context, symbol string) ([]Position, error)
	ServerTime(ctx context.Context) (int64, error)
}
