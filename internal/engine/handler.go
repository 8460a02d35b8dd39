package engine

import (
	"context"

	"quantflow/internal/dispatch"
	"quantflow/internal/logger"
	"quantflow/internal/signal"
)

// KindSignal tags dispatcher events whose payload is a signal.Signal.
const KindSignal = "signal"

// SignalEvent wraps sig for the dispatcher.
func SignalEvent(source string, sig signal.Signal) dispatch.Event {
	return dispatch.NewEvent(KindSignal, source, sig.StrategyID+"/"+sig.Symbol, sig)
}

// SignalHandler is the order consumer: every signal event is submitted in
// order. Rejections are logged, not returned, so one bad signal does not fail
// the rest of a batch.
func (e *Engine) SignalHandler() dispatch.Handler {
	return dispatch.HandlerFunc(func(ctx context.Context, events []dispatch.Event) error {
		for _, ev := range events {
			sig, ok := ev.Payload.(signal.Signal)
			if !ok {
				logger.Warnf("[engine] event %s kind=%s has payload %T, want signal", ev.ID, ev.Kind, ev.Payload)
				continue
			}
			d, err := e.SubmitSignal(ctx, sig)
			if err != nil {
				logger.Warnf("[engine] submit %s: %v", sig, err)
				continue
			}
			if d.Rejected() {
				logger.Debugf("[engine] %s: %s", sig, d)
			}
		}
		return nil
	})
}
