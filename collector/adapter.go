package collector

import (
	"context"

	"tickflow/models"
)

// Credentials holds the login identity for authenticated gateways.
// Anonymous feeds ignore it.
type Credentials struct {
	BrokerID string
	UserID   string
	Password string
}

// Events is the callback surface a vendor adapter drives. Adapters call
// these from their own goroutines; the lifecycle serializes them
// internally, so implementations never need locks to invoke them.
type Events interface {
	OnConnected()
	OnDisconnected(err error)
	OnLoginResponse(ok bool, err error)
	OnSubscribeResponse(contract string, ok bool, err error)
	OnMarketData(raw models.RawRecord)
}

// Adapter abstracts one vendor gateway. Implementations translate the
// vendor API into the Events callbacks and must keep Close safe to call
// repeatedly and concurrently with any other method.
type Adapter interface {
	// SourceTag identifies the feed. It is stamped on every RawRecord
	// the adapter emits and keys the parser decoder registry.
	SourceTag() string

	// Connect establishes the transport session and registers the
	// event sink. A nil return means the attempt was started; success
	// is reported asynchronously through ev.OnConnected.
	Connect(ctx context.Context, ev Events) error

	// Login authenticates the session. Feeds without authentication
	// synthesize an immediate positive OnLoginResponse.
	Login(ctx context.Context, creds Credentials) error

	// Subscribe requests market data for the given contracts. Results
	// arrive per-contract through OnSubscribeResponse.
	Subscribe(ctx context.Context, contracts []string) error

	// Close tears the session down and releases vendor resources.
	Close() error
}
