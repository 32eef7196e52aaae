package exchange

import "context"

// Adapter is the per-exchange capability interface the dispatcher depends on.
// Every operation that fails upstream returns a *exerr.DomainError; raw
// exchange payloads never cross this boundary. Operations an exchange variant
// does not provide return exerr.Unsupported rather than panicking.
type Adapter interface {
	Name() string

	// CreateFutureOrder places a futures order, first making sure the
	// account's configured leverage for (symbol, side) matches the request.
	// SetLeverage is only issued when it differs.
	CreateFutureOrder(ctx context.Context, req CreateOrderRequest) (*Order, error)

	CancelFutureOrder(ctx context.Context, orderID, symbol string) error

	// ClosePosition submits an opposite-side, reduce-only market order sized
	// to the position's amount.
	ClosePosition(ctx context.Context, pos PositionSnapshot) (*Order, error)

	// EditPosition adjusts stop-loss/take-profit. Each exchange picks its
	// native path (direct trading-stop mutation vs cancel-and-recreate).
	EditPosition(ctx context.Context, req EditRequest) error

	GetBalance(ctx context.Context, coin, tradeType string) (Balance, error)

	GetPositions(ctx context.Context, symbols []string) (*PositionSnapshot, error)

	// FetchClosedOrders pages through the closed-orders history feed.
	// An empty cursor starts from the most recent records; an empty returned
	// page together with an empty next cursor means the feed is exhausted.
	FetchClosedOrders(ctx context.Context, symbol, cursor string) ([]ClosedOrder, string, error)

	// FetchClosedPnL pages through the realized-PnL history feed.
	FetchClosedPnL(ctx context.Context, symbol, cursor string) ([]ClosedPnL, string, error)
}

// Factory builds one adapter instance scoped to one credential set.
// Constructed fresh per dispatch task; adapters are never shared between
// concurrently running tasks.
type Factory func(exchangeName string, creds Credentials, sandbox bool) (Adapter, error)
