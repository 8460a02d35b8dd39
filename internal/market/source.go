package market

import "context"

// Handler receives decoded events. It must not block for long; the source
// calls it from its read loop.
type Handler func(Event)

// Hooks are called on connection lifecycle changes.
type Hooks struct {
	OnConnect    func()
	OnDisconnect func(error)
}

type SourceStats struct {
	Reconnects      int    `json:"reconnects"`
	SubscribeErrors int    `json:"subscribe_errors"`
	LastError       string `json:"last_error,omitempty"`
}

// Source streams one connection until ctx is done or the connection's retry
// budget is exhausted.
type Source interface {
	Name() string
	Stream(ctx context.Context, conn Connection, handler Handler, hooks Hooks) error
	Stats() SourceStats
}
