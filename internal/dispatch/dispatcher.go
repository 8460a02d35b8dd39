package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"quantflow/internal/logger"
)

// Dispatcher owns the registered consumers and their workers.
type Dispatcher struct {
	defaults Defaults
	observer Observer

	mu        sync.RWMutex
	consumers map[string]*consumer
	order     []*consumer
	runCtx    context.Context
	closed    bool
	wg        sync.WaitGroup
}

type Option func(*Dispatcher)

func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

func New(defaults Defaults, opts ...Option) *Dispatcher {
	def := DefaultDefaults()
	if defaults.Mode != ModeInherit {
		def.Mode = defaults.Mode
	}
	if defaults.BatchSize > 0 {
		def.BatchSize = defaults.BatchSize
	}
	if defaults.BatchTimeout > 0 {
		def.BatchTimeout = defaults.BatchTimeout
	}
	if defaults.MaxBatchDelay > 0 {
		def.MaxBatchDelay = defaults.MaxBatchDelay
	}
	if defaults.ProcessTimeout > 0 {
		def.ProcessTimeout = defaults.ProcessTimeout
	}
	if defaults.MaxConcurrent > 0 {
		def.MaxConcurrent = defaults.MaxConcurrent
	}
	if defaults.QueueSize > 0 {
		def.QueueSize = defaults.QueueSize
	}
	d := &Dispatcher{defaults: def, consumers: make(map[string]*consumer)}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) Defaults() Defaults { return d.defaults }

// Resolve validates spec and fills every zero field from the defaults.
// Inherit is replaced by the default mode here and never seen again.
func (d *Dispatcher) Resolve(spec ConsumerSpec) (ConsumerSpec, error) {
	spec.Name = strings.TrimSpace(spec.Name)
	if spec.Name == "" {
		return spec, fmt.Errorf("%w: empty name", ErrInvalidSpec)
	}
	if spec.BatchSize < 0 || spec.QueueSize < 0 || spec.MaxConcurrent < 0 ||
		spec.BatchTimeout < 0 || spec.ProcessTimeout < 0 {
		return spec, fmt.Errorf("%w: %s has negative sizes or timeouts", ErrInvalidSpec, spec.Name)
	}
	if spec.Mode < ModeInherit || spec.Mode > ModeBatch {
		return spec, fmt.Errorf("%w: %s mode %d", ErrInvalidSpec, spec.Name, spec.Mode)
	}
	if spec.Overflow != OverflowRejectNew && spec.Overflow != OverflowDropOldest {
		return spec, fmt.Errorf("%w: %s overflow %d", ErrInvalidSpec, spec.Name, spec.Overflow)
	}
	if spec.Mode == ModeInherit {
		spec.Mode = d.defaults.Mode
	}
	if spec.BatchSize == 0 {
		spec.BatchSize = d.defaults.BatchSize
	}
	if spec.BatchTimeout == 0 {
		spec.BatchTimeout = d.defaults.BatchTimeout
	}
	if d.defaults.MaxBatchDelay > 0 && spec.BatchTimeout > d.defaults.MaxBatchDelay {
		spec.BatchTimeout = d.defaults.MaxBatchDelay
	}
	if spec.ProcessTimeout == 0 {
		spec.ProcessTimeout = d.defaults.ProcessTimeout
	}
	if spec.MaxConcurrent == 0 {
		spec.MaxConcurrent = d.defaults.MaxConcurrent
	}
	if spec.QueueSize == 0 {
		spec.QueueSize = d.defaults.QueueSize
	}
	if spec.Mode == ModeBatch && spec.QueueSize < spec.BatchSize {
		return spec, fmt.Errorf("%w: %s queue_size %d < batch_size %d", ErrInvalidSpec, spec.Name, spec.QueueSize, spec.BatchSize)
	}
	return spec, nil
}

// Register adds a consumer. Names are unique. Consumers registered after Run
// start immediately.
func (d *Dispatcher) Register(spec ConsumerSpec, h Handler) error {
	if h == nil {
		return fmt.Errorf("%w: %s has nil handler", ErrInvalidSpec, spec.Name)
	}
	resolved, err := d.Resolve(spec)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrQueueClosed
	}
	if _, exists := d.consumers[resolved.Name]; exists {
		return fmt.Errorf("%w: duplicate consumer %s", ErrInvalidSpec, resolved.Name)
	}
	c := newConsumer(resolved, h, d.observer)
	d.consumers[resolved.Name] = c
	d.order = append(d.order, c)
	if d.runCtx != nil && resolved.Enabled {
		d.start(d.runCtx, c)
	}
	logger.Infof("[dispatch] consumer %s registered mode=%s batch=%d/%s timeout=%s queue=%d overflow=%s enabled=%v",
		resolved.Name, resolved.Mode, resolved.BatchSize, resolved.BatchTimeout, resolved.ProcessTimeout,
		resolved.QueueSize, resolved.Overflow, resolved.Enabled)
	return nil
}

// Spec returns the resolved spec of a registered consumer.
func (d *Dispatcher) Spec(name string) (ConsumerSpec, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.consumers[name]
	if !ok {
		return ConsumerSpec{}, false
	}
	return c.spec, true
}

// Publish hands e to every enabled consumer that accepts its kind. It never
// blocks; consumers whose queue rejects the event are reported in the
// joined error.
func (d *Dispatcher) Publish(e Event) error {
	d.mu.RLock()
	targets := make([]*consumer, 0, len(d.order))
	for _, c := range d.order {
		if c.spec.Enabled && c.spec.accepts(e.Kind) {
			targets = append(targets, c)
		}
	}
	closed := d.closed
	d.mu.RUnlock()
	if closed {
		return ErrQueueClosed
	}
	var errs []error
	for _, c := range targets {
		if err := c.enqueue(e); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.spec.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Run starts every enabled consumer and blocks until ctx is done, then
// drains all queues before returning.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.runCtx != nil {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already running")
	}
	// workers outlive ctx long enough to drain
	d.runCtx = context.WithoutCancel(ctx)
	for _, c := range d.order {
		if c.spec.Enabled {
			d.start(d.runCtx, c)
		}
	}
	d.mu.Unlock()
	<-ctx.Done()
	d.Close()
	return nil
}

func (d *Dispatcher) start(ctx context.Context, c *consumer) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		c.run(ctx)
	}()
}

// Close stops accepting events, lets workers drain and flush, and waits.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	for _, c := range d.order {
		c.q.close()
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// Stats snapshots every consumer's counters ordered by name.
func (d *Dispatcher) Stats() []ConsumerStats {
	d.mu.RLock()
	out := make([]ConsumerStats, 0, len(d.order))
	for _, c := range d.order {
		out = append(out, c.stats())
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

const shutdownFlushTimeout = 5 * time.Second
