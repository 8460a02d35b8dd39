package app

import (
	"context"
	"fmt"
	"time"

	brcfg "quantflow/internal/config"
	"quantflow/internal/gateway/binance"
	"quantflow/internal/logger"
	"quantflow/internal/market"
)

// MarketStack 汇总行情相关组件。
type MarketStack struct {
	Registry  *market.Registry
	Store     market.KlineStore
	Feed      *market.Feed
	Preheated int
}

func buildMarketStack(ctx context.Context, cfg *brcfg.Config) (*MarketStack, error) {
	conns, err := cfg.Connections()
	if err != nil {
		return nil, err
	}
	base := cfg.GlobalBase()
	src, err := binance.New(binance.Config{
		RESTBaseURL:      cfg.Exchange.RESTBaseURL,
		HTTPTimeout:      time.Duration(cfg.Exchange.HTTPTimeoutSeconds) * time.Second,
		ProxyEnabled:     cfg.Exchange.ProxyEnabled,
		RESTProxyURL:     cfg.Exchange.RESTProxyURL,
		WSProxyURL:       cfg.Exchange.WSProxyURL,
		Keepalive:        base.EnableHeartbeat,
		WebsocketTimeout: base.ConnectionTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化行情源失败: %w", err)
	}
	stack, err := assembleMarketStack(conns, src, cfg.Market.MaxCached)
	if err != nil {
		return nil, err
	}
	if cfg.Market.PreheatLimit > 0 {
		preheater := market.NewPreheater(stack.Store, cfg.Market.MaxCached, src)
		stack.Preheated = preheater.Preheat(ctx, conns, cfg.Market.PreheatLimit)
		logger.Infof("✓ 预热完成，共载入 %d 根 K 线", stack.Preheated)
	}
	return stack, nil
}

// assembleMarketStack 注册连接并用给定数据源创建 feed。
func assembleMarketStack(conns []market.Connection, src market.Source, maxCached int) (*MarketStack, error) {
	reg := market.NewRegistry()
	for _, conn := range conns {
		if err := reg.Add(conn); err != nil {
			return nil, err
		}
		logger.Infof("✓ 行情连接 %s tags=%v", conn.ID, conn.Tags)
	}
	store := market.NewMemoryKlineStore()
	return &MarketStack{
		Registry: reg,
		Store:    store,
		Feed:     market.NewFeed(src, reg, store, maxCached),
	}, nil
}
