package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"quantflow/internal/checker"
	brcfg "quantflow/internal/config"
	cfgloader "quantflow/internal/config/loader"
	"quantflow/internal/dispatch"
	"quantflow/internal/engine"
	"quantflow/internal/filter"
	"quantflow/internal/logger"
	"quantflow/internal/market"
	"quantflow/internal/metrics"
	"quantflow/internal/order"
	"quantflow/internal/pkg/circuit"
	"quantflow/internal/position"
	"quantflow/internal/router"
	"quantflow/internal/signal"
	"quantflow/internal/store/audit"
	"quantflow/internal/strategy"
	apihttp "quantflow/internal/transport/http/api"
)

// signalSource 标记由计算 consumer 产生的信号。
const signalSource = "strategy"

type AppBuilder struct {
	cfg *brcfg.Config

	marketStackFn func(context.Context, *brcfg.Config) (*MarketStack, error)
	storageFn     func(brcfg.JournalConfig) (*Storage, error)
	httpFn        func(brcfg.AppConfig, apihttp.ServerConfig) (*apihttp.Server, error)
}

type AppBuilderOption func(*AppBuilder)

// WithMarketStack 替换行情栈的构建方式，测试中用于注入假数据源。
func WithMarketStack(fn func(context.Context, *brcfg.Config) (*MarketStack, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.marketStackFn = fn
		}
	}
}

func NewAppBuilder(cfg *brcfg.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:           cfg,
		marketStackFn: buildMarketStack,
		storageFn:     openStorage,
		httpFn:        buildHTTPServer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// core 是引擎及其直接依赖。
type core struct {
	positions *position.Store
	engine    *engine.Engine
	paper     *order.PaperExecutor
	breaker   *circuit.Breaker
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)
	collector := metrics.New()

	storage, err := b.storageFn(cfg.Journal)
	if err != nil {
		return nil, err
	}
	c, err := buildCore(cfg, collector, storage.Audit)
	if err != nil {
		storage.Close()
		return nil, err
	}

	strategies := buildStrategies(cfg.Strategies)
	if err := registerDefaultCheckers(c.engine, strategies); err != nil {
		storage.Close()
		return nil, err
	}
	catalog, err := loadCatalog(cfg.Strategies, c.engine)
	if err != nil {
		storage.Close()
		return nil, err
	}

	stack, err := b.marketStackFn(ctx, cfg)
	if err != nil {
		storage.Close()
		return nil, err
	}
	stack.Feed.OnEvent = func(ev market.Event) {
		collector.MarketEvent(string(ev.Type))
		if err := c.engine.Publish(ev.Dispatch(stack.Feed.Source.Name())); err != nil {
			logger.Debugf("[app] publish %s: %v", ev.Key(), err)
		}
	}
	stack.Feed.OnDisconnected = func(id string, err error) {
		collector.Reconnect(id)
		logger.Warnf("[app] %s disconnected: %v", id, err)
	}

	calc := strategy.NewCalculator(stack.Store, func(_ context.Context, sig signal.Signal) error {
		return c.engine.Publish(engine.SignalEvent(signalSource, sig))
	}, strategies...)
	if err := registerConsumers(cfg, c.engine, calc, storage); err != nil {
		storage.Close()
		return nil, err
	}

	server, err := b.httpFn(cfg.App, apihttp.ServerConfig{
		Engine:      c.engine,
		Connections: stack.Registry,
		Journal:     storage.journalLog(),
		Audit:       storage.auditLog(),
		Metrics:     collector.Handler(),
	})
	if err != nil {
		storage.Close()
		return nil, err
	}

	return &App{
		cfg:       cfg,
		engine:    c.engine,
		paper:     c.paper,
		feed:      stack.Feed,
		storage:   storage,
		catalog:   catalog,
		http:      server,
		collector: collector,
		Summary:   newStartupSummary(cfg, stack, c, calc, catalog),
	}, nil
}

func buildCore(cfg *brcfg.Config, collector *metrics.Collector, auditLog *audit.Log) (*core, error) {
	storeOpts := []position.Option{
		position.WithShards(cfg.Filter.Shards),
		position.WithObserver(collector.PositionChange),
	}
	if auditLog != nil {
		storeOpts = append(storeOpts, position.WithObserver(auditLog.Observer()))
	}
	positions := position.NewStore(storeOpts...)

	baseQty, fallback, err := cfg.BaseQuantities()
	if err != nil {
		return nil, err
	}
	generator := order.NewGenerator(baseQty, fallback)
	limits, err := cfg.RiskLimits()
	if err != nil {
		return nil, err
	}
	cooldown, perStrategy := cfg.Cooldown()
	policy := filter.NewLimitPolicy(limits, positions, generator)
	pipeline := filter.New("default",
		filter.NewCooldown(cooldown, perStrategy),
		filter.Conflict{},
		filter.Risk{Policy: policy},
	)
	rt := router.New(pipeline, checker.NewRegistry())

	paper := order.NewPaperExecutor(time.Duration(cfg.Orders.PaperFillLatencyMs) * time.Millisecond)
	breaker := circuit.New("paper-executor", cfg.Orders.SubmitFailureLimit, time.Duration(cfg.Orders.SubmitCooldownMs)*time.Millisecond)
	eng, err := engine.New(engine.Deps{
		Store:       positions,
		Router:      rt,
		Generator:   generator,
		Executor:    order.Guard(paper, breaker),
		Dispatcher:  dispatch.New(cfg.DispatchDefaults(), dispatch.WithObserver(collector)),
		Metrics:     collector,
		Risk:        policy,
		FillTimeout: cfg.FillTimeout(),
	})
	if err != nil {
		return nil, err
	}
	paper.Bind(eng)
	logger.Infof("✓ 过滤管线: %v", pipeline.Stages())
	return &core{positions: positions, engine: eng, paper: paper, breaker: breaker}, nil
}

func buildStrategies(cfg brcfg.StrategiesConfig) []strategy.Strategy {
	var out []strategy.Strategy
	if cfg.MACD.Enabled {
		out = append(out, strategy.NewMACD(strategy.MACDConfig{
			ID:       cfg.MACD.ID,
			Symbols:  cfg.MACD.Symbols,
			Interval: cfg.MACD.Interval,
			Fast:     cfg.MACD.Fast,
			Slow:     cfg.MACD.Slow,
			Signal:   cfg.MACD.Signal,
		}))
	}
	if cfg.Bollinger.Enabled {
		out = append(out, strategy.NewBollinger(strategy.BollingerConfig{
			ID:       cfg.Bollinger.ID,
			Symbols:  cfg.Bollinger.Symbols,
			Interval: cfg.Bollinger.Interval,
			Period:   cfg.Bollinger.Period,
			Width:    cfg.Bollinger.Width,
		}))
	}
	return out
}

// registerDefaultCheckers 让内置策略在目录缺省时也能通过路由，目录中的定义会覆盖它。
func registerDefaultCheckers(eng *engine.Engine, strategies []strategy.Strategy) error {
	for _, s := range strategies {
		if err := eng.RegisterChecker(s.ID(), checker.AcceptAll); err != nil {
			return fmt.Errorf("register checker %s: %w", s.ID(), err)
		}
	}
	return nil
}

// loadCatalog 加载 checker 目录并绑定到引擎；文件不存在时只告警。
func loadCatalog(cfg brcfg.StrategiesConfig, eng *engine.Engine) (*cfgloader.CatalogLoader, error) {
	if _, err := os.Stat(cfg.CheckersPath); errors.Is(err, os.ErrNotExist) {
		logger.Warnf("checker catalog %s not found, only built-in strategies are routed", cfg.CheckersPath)
		return nil, nil
	}
	loader, err := cfgloader.NewCatalogLoader(cfg.CheckersPath, cfg.WatchCheckers)
	if err != nil {
		return nil, err
	}
	if err := loader.Bind(cfgloader.RegistrarFunc(eng.RegisterChecker)); err != nil {
		return nil, fmt.Errorf("register checker catalog: %w", err)
	}
	return loader, nil
}

// registerConsumers 为配置中的每个 consumer 挂载处理器，未知名称只告警。
func registerConsumers(cfg *brcfg.Config, eng *engine.Engine, calc *strategy.Calculator, storage *Storage) error {
	for _, name := range cfg.ConsumerNames() {
		var (
			handler dispatch.Handler
			kinds   []string
		)
		switch name {
		case brcfg.ConsumerCalculation:
			handler, kinds = calc.Handler(), []string{market.DispatchKind}
		case brcfg.ConsumerOrder:
			handler, kinds = eng.SignalHandler(), []string{engine.KindSignal}
		case brcfg.ConsumerPersistence:
			if storage.Journal == nil {
				logger.Infof("[app] journal disabled, skip consumer %s", name)
				continue
			}
			handler = storage.Journal.Handler()
		default:
			logger.Warnf("[app] consumer %s has no handler, skipped", name)
			continue
		}
		spec, err := cfg.ConsumerSpec(name, kinds...)
		if err != nil {
			return err
		}
		if err := eng.RegisterConsumer(spec, handler); err != nil {
			return fmt.Errorf("register consumer %s: %w", name, err)
		}
	}
	return nil
}
