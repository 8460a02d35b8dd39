package market

import (
	"context"
	"time"

	"quantflow/internal/logger"
)

// 预热器：进程启动时用 REST 拉取最近 N 根 K 线，避免策略冷启动期间没有历史。

// HistoryFetcher loads closed klines.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
}

type Preheater struct {
	Store   KlineStore
	Max     int
	Fetcher HistoryFetcher
}

func NewPreheater(s KlineStore, max int, f HistoryFetcher) *Preheater {
	return &Preheater{Store: s, Max: max, Fetcher: f}
}

// Preheat fills the store for every symbol of every kline connection.
// Failures are logged and skipped.
func (p *Preheater) Preheat(ctx context.Context, conns []Connection, limit int) int {
	if p.Store == nil || p.Fetcher == nil {
		return 0
	}
	if limit <= 0 {
		limit = p.Max
	}
	if limit <= 0 {
		limit = 100
	}
	loaded := 0
	for _, conn := range conns {
		if conn.Type != EventKline {
			continue
		}
		for _, sym := range conn.Symbols {
			if ctx.Err() != nil {
				return loaded
			}
			batch, err := p.Fetcher.FetchHistory(ctx, sym, conn.Interval, limit)
			if err != nil {
				logger.Warnf("[预热] 获取 %s %s 失败: %v", sym, conn.Interval, err)
				continue
			}
			for _, k := range batch {
				if err := p.Store.Put(ctx, k, p.Max); err != nil {
					logger.Warnf("[预热] 写入 %s %s 失败: %v", sym, conn.Interval, err)
					break
				}
			}
			loaded += len(batch)
			if n := len(batch); n > 0 {
				last := batch[n-1]
				logger.Debugf("[预热] %s %s 条数=%d 尾收=%s@%s", sym, conn.Interval, n, last.Close,
					time.UnixMilli(last.CloseTime).UTC().Format(time.RFC3339))
			}
		}
	}
	return loaded
}
