package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"quantflow/internal/logger"
)

type consumer struct {
	spec     ConsumerSpec
	handler  Handler
	observer Observer
	q        *queue

	accepted  atomic.Uint64
	delivered atomic.Uint64
	flushes   atomic.Uint64
	overflow  atomic.Uint64
	timeouts  atomic.Uint64
	errors    atomic.Uint64
}

func newConsumer(spec ConsumerSpec, h Handler, obs Observer) *consumer {
	return &consumer{spec: spec, handler: h, observer: obs, q: newQueue(spec.QueueSize, spec.Overflow)}
}

func (c *consumer) observe(outcome string, n int) {
	if c.observer != nil && n > 0 {
		c.observer.ConsumerEvent(c.spec.Name, outcome, n)
	}
}

func (c *consumer) enqueue(e Event) error {
	dropped, err := c.q.push(e)
	if err != nil {
		if errors.Is(err, ErrQueueFull) {
			c.overflow.Add(1)
			c.observe(OutcomeOverflow, 1)
		}
		return err
	}
	c.accepted.Add(1)
	if dropped {
		c.overflow.Add(1)
		c.observe(OutcomeOverflow, 1)
	}
	return nil
}

func (c *consumer) stats() ConsumerStats {
	return ConsumerStats{
		Name:      c.spec.Name,
		Mode:      c.spec.Mode.String(),
		Enabled:   c.spec.Enabled,
		Queued:    c.q.len(),
		Accepted:  c.accepted.Load(),
		Delivered: c.delivered.Load(),
		Flushes:   c.flushes.Load(),
		Overflow:  c.overflow.Load(),
		Timeouts:  c.timeouts.Load(),
		Errors:    c.errors.Load(),
	}
}

func (c *consumer) run(ctx context.Context) {
	logger.Debugf("[dispatch] consumer %s started (%s)", c.spec.Name, c.spec.Mode)
	if c.spec.Mode == ModeBatch {
		c.runBatch(ctx)
	} else {
		c.runStream(ctx)
	}
	logger.Debugf("[dispatch] consumer %s stopped", c.spec.Name)
}

// runStream delivers one event per call. Up to MaxConcurrent calls run at
// once; with one slot events are handled strictly in queue order.
func (c *consumer) runStream(ctx context.Context) {
	slots := c.spec.MaxConcurrent
	if slots <= 0 {
		slots = 1
	}
	sem := make(chan struct{}, slots)
	var inflight sync.WaitGroup
	defer inflight.Wait()
	for {
		e, ok := c.q.pop()
		if !ok {
			if c.q.isClosed() {
				return
			}
			select {
			case <-c.q.ready:
			case <-c.q.done:
			}
			continue
		}
		if slots == 1 {
			c.deliver(ctx, e)
			continue
		}
		sem <- struct{}{}
		inflight.Add(1)
		go func(ev Event) {
			defer inflight.Done()
			defer func() { <-sem }()
			c.deliver(ctx, ev)
		}(e)
	}
}

// deliver runs the handler for a single event under ProcessTimeout. An
// overrunning handler is abandoned (its context is cancelled) and the next
// event proceeds.
func (c *consumer) deliver(ctx context.Context, e Event) {
	callCtx := ctx
	cancel := func() {}
	if c.spec.ProcessTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, c.spec.ProcessTimeout)
	}
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- c.call(callCtx, []Event{e})
	}()
	select {
	case err := <-done:
		if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			c.timedOut(e)
			return
		}
		c.record(err, 1)
	case <-callCtx.Done():
		c.timedOut(e)
	}
}

func (c *consumer) timedOut(e Event) {
	c.timeouts.Add(1)
	c.observe(OutcomeTimeout, 1)
	logger.Warnf("[dispatch] %s: %v after %s (event %s kind=%s key=%s)",
		c.spec.Name, ErrConsumerTimeout, c.spec.ProcessTimeout, e.ID, e.Kind, e.Key)
}

// runBatch collects events and flushes when BatchSize is reached or
// BatchTimeout has passed since the first buffered event was enqueued. Time
// an event spent queued behind a slow flush counts against its window.
// Flushes run on this goroutine so they stay ordered.
func (c *consumer) runBatch(ctx context.Context) {
	batch := make([]Event, 0, c.spec.BatchSize)
	timer := time.NewTimer(time.Hour)
	stopTimer(timer)
	var deadline <-chan time.Time

	flush := func(flushCtx context.Context, reason string) {
		if len(batch) == 0 {
			return
		}
		out := batch
		batch = make([]Event, 0, c.spec.BatchSize)
		stopTimer(timer)
		deadline = nil
		logger.Debugf("[dispatch] %s flush %d events (%s)", c.spec.Name, len(out), reason)
		c.flushes.Add(1)
		c.observe(OutcomeFlush, 1)
		c.record(c.call(flushCtx, out), len(out))
	}

	for {
		for len(batch) < c.spec.BatchSize {
			e, enqueued, ok := c.q.popWithTime()
			if !ok {
				break
			}
			if len(batch) == 0 {
				wait := c.spec.BatchTimeout - time.Since(enqueued)
				if wait < 0 {
					wait = 0
				}
				timer.Reset(wait)
				deadline = timer.C
			}
			batch = append(batch, e)
		}
		if len(batch) >= c.spec.BatchSize {
			flush(ctx, "size")
			continue
		}
		if c.q.isClosed() && c.q.len() == 0 {
			flushCtx, cancel := context.WithTimeout(ctx, shutdownFlushTimeout)
			flush(flushCtx, "shutdown")
			cancel()
			return
		}
		select {
		case <-c.q.ready:
		case <-c.q.done:
		case <-deadline:
			deadline = nil
			flush(ctx, "timeout")
		}
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// call invokes the handler and turns a panic into an error.
func (c *consumer) call(ctx context.Context, events []Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("consumer %s panic: %v", c.spec.Name, r)
		}
	}()
	return c.handler.Handle(ctx, events)
}

func (c *consumer) record(err error, n int) {
	if err != nil {
		c.errors.Add(1)
		c.observe(OutcomeError, 1)
		logger.Errorf("[dispatch] %s handler error: %v", c.spec.Name, err)
		return
	}
	c.delivered.Add(uint64(n))
	c.observe(OutcomeDelivered, n)
}
