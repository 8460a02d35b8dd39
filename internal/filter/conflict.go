package filter

import (
	"context"

	"quantflow/internal/position"
	"quantflow/internal/signal"
)

// Conflict checks the signal against the current position status.
//
//	Opening/Closing          -> reject in_flight
//	Open + same direction    -> reject duplicate (strength is ignored)
//	Open + opposite          -> transform into a close, reversal_pending=<dir>
//	Open + flat              -> accept
//	Flat + flat              -> reject nothing_to_close
//	Flat + long/short        -> accept
type Conflict struct{}

func (Conflict) Meta() StageMeta { return StageMeta{Name: "conflict", Order: 20} }

func (Conflict) Evaluate(_ context.Context, sig signal.Signal, rec position.Record) signal.Decision {
	switch rec.Status {
	case position.StatusOpening, position.StatusClosing:
		return signal.Reject(signal.ReasonInFlight, "position %s is %s", rec.Key(), rec.Status)
	case position.StatusOpen:
		held := rec.Side.Direction()
		switch sig.Direction {
		case signal.DirectionFlat:
			return signal.Accept(sig)
		case held:
			return signal.Reject(signal.ReasonDuplicate, "already %s %s", held, rec.Symbol)
		default:
			closing := sig.WithDirection(signal.DirectionFlat).
				WithMetadata(signal.MetaReversalPending, sig.Direction.String())
			return signal.Transform(closing)
		}
	default:
		if sig.Direction == signal.DirectionFlat {
			return signal.Reject(signal.ReasonNothingToClose, "no position on %s", rec.Symbol)
		}
		return signal.Accept(sig)
	}
}
