package market

import (
	"context"
	"fmt"
	"time"

	"quantflow/internal/logger"

	"golang.org/x/sync/errgroup"
)

// Feed runs every registered connection against a Source, keeps the kline
// store current and forwards each event to OnEvent.
type Feed struct {
	Source   Source
	Registry *Registry
	Store    KlineStore
	Max      int

	OnConnected    func(id string)
	OnDisconnected func(id string, err error)
	OnEvent        func(Event)
}

type FeedOption func(*Feed)

func WithFeedCallbacks(onConnect func(string), onDisconnect func(string, error)) FeedOption {
	return func(f *Feed) {
		f.OnConnected = onConnect
		f.OnDisconnected = onDisconnect
	}
}

func WithFeedEventHandler(handler func(Event)) FeedOption {
	return func(f *Feed) {
		f.OnEvent = handler
	}
}

func NewFeed(src Source, reg *Registry, store KlineStore, max int, opts ...FeedOption) *Feed {
	f := &Feed{Source: src, Registry: reg, Store: store, Max: max}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Run blocks until ctx is done. A connection that gives up does not stop the
// others; its error is returned once everything has stopped.
func (f *Feed) Run(ctx context.Context) error {
	if f.Source == nil {
		return fmt.Errorf("market feed missing source")
	}
	if f.Registry == nil {
		return fmt.Errorf("market feed missing registry")
	}
	conns := f.Registry.Connections()
	if len(conns) == 0 {
		logger.Warnf("[feed] no market connections configured")
		<-ctx.Done()
		return nil
	}
	var g errgroup.Group
	for _, conn := range conns {
		conn := conn
		g.Go(func() error {
			logger.Infof("[feed] %s 订阅启动 source=%s symbols=%v", conn.ID, f.Source.Name(), conn.Symbols)
			err := f.Source.Stream(ctx, conn, func(ev Event) { f.handle(ctx, conn.ID, ev) }, Hooks{
				OnConnect: func() {
					f.Registry.MarkConnected(conn.ID)
					if f.OnConnected != nil {
						f.OnConnected(conn.ID)
					}
				},
				OnDisconnect: func(err error) {
					f.Registry.MarkDisconnected(conn.ID, err)
					if f.OnDisconnected != nil {
						f.OnDisconnected(conn.ID, err)
					}
				},
			})
			if err != nil && ctx.Err() == nil {
				logger.Errorf("[feed] %s stopped: %v", conn.ID, err)
				return fmt.Errorf("%s: %w", conn.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (f *Feed) handle(ctx context.Context, id string, ev Event) {
	if ev.ConnectionID == "" {
		ev.ConnectionID = id
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	f.Registry.MarkEvent(id, ev.ReceivedAt)
	if ev.Type == EventKline && ev.Kline != nil && f.Store != nil {
		if err := f.Store.Put(ctx, *ev.Kline, f.Max); err != nil {
			logger.Warnf("[feed] 写入 %s %s 失败: %v", ev.Kline.Symbol, ev.Kline.Interval, err)
		}
	}
	if f.OnEvent != nil {
		f.OnEvent(ev)
	}
}

func (f *Feed) Stats() SourceStats {
	if f.Source == nil {
		return SourceStats{}
	}
	return f.Source.Stats()
}
