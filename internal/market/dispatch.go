package market

import "quantflow/internal/dispatch"

// DispatchKind tags dispatcher events whose payload is a market Event.
const DispatchKind = "market"

// Dispatch wraps the event for the dispatcher, partitioned by Key.
func (e Event) Dispatch(source string) dispatch.Event {
	out := dispatch.NewEvent(DispatchKind, source, e.Key(), e)
	if !e.ReceivedAt.IsZero() {
		out.At = e.ReceivedAt
	}
	return out
}
