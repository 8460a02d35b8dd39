package app

import (
	"context"
	"fmt"

	brcfg "quantflow/internal/config"
	cfgloader "quantflow/internal/config/loader"
	"quantflow/internal/engine"
	"quantflow/internal/logger"
	"quantflow/internal/market"
	"quantflow/internal/metrics"
	"quantflow/internal/order"
	apihttp "quantflow/internal/transport/http/api"

	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：加载配置→初始化依赖→启动行情、引擎与 HTTP 服务。
type App struct {
	cfg       *brcfg.Config
	engine    *engine.Engine
	paper     *order.PaperExecutor
	feed      *market.Feed
	storage   *Storage
	catalog   *cfgloader.CatalogLoader
	http      *apihttp.Server
	collector *metrics.Collector
	Summary   *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(cfg *brcfg.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run 启动所有服务，直到 ctx 取消或任一服务出错。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil || a.engine == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.Summary != nil {
		a.Summary.Print()
	}
	defer a.close()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return a.engine.Run(ctx)
	})
	if a.storage != nil && a.storage.Audit != nil {
		group.Go(func() error {
			return a.storage.Audit.Run(ctx)
		})
	}
	if a.feed != nil {
		group.Go(func() error {
			if err := a.feed.Run(ctx); err != nil {
				return fmt.Errorf("market feed error: %w", err)
			}
			return nil
		})
	}
	if a.http != nil {
		group.Go(func() error {
			if err := a.http.Start(ctx); err != nil {
				return fmt.Errorf("http server error: %w", err)
			}
			return nil
		})
	}
	return group.Wait()
}

func (a *App) close() {
	if a.paper != nil {
		a.paper.Close()
	}
	a.engine.Close()
	if err := a.storage.Close(); err != nil {
		logger.Warnf("关闭存储失败: %v", err)
	}
}

// Engine exposes the engine for tests and embedding.
func (a *App) Engine() *engine.Engine {
	if a == nil {
		return nil
	}
	return a.engine
}
