package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"quantflow/internal/logger"
	"quantflow/internal/market"
	"quantflow/internal/pkg/symbol"

	"github.com/adshao/go-binance/v2/futures"
)

const (
	maxHistoryLimit = 1500
	maxRetryDelay   = 30 * time.Second
)

var (
	errStaleStream   = errors.New("no message within message timeout")
	errStreamClosed  = errors.New("stream closed by server")
	errRetriesExceed = errors.New("retry budget exhausted")
)

// serveFunc opens one websocket subscription. onMessage must be called for
// every frame so the liveness watchdog can see traffic.
type serveFunc func(onMessage func(), errHandler futures.ErrHandler) (doneC, stopC chan struct{}, err error)

// Source 基于 go-binance SDK 实现 market.Source，每条 Connection 一个订阅循环。
type Source struct {
	cfg    Config
	client *futures.Client
	now    func() time.Time

	statsMu sync.Mutex
	stats   market.SourceStats
}

func New(cfg Config) (*Source, error) {
	final := cfg.withDefaults()
	client := futures.NewClient("", "")
	client.BaseURL = strings.TrimSpace(final.RESTBaseURL)
	httpClient := &http.Client{Timeout: final.HTTPTimeout}
	if final.ProxyEnabled && final.RESTProxyURL != "" {
		proxyURL, err := url.Parse(final.RESTProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REST proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	client.HTTPClient = httpClient
	if final.ProxyEnabled {
		wsProxy := final.WSProxyURL
		if wsProxy == "" {
			wsProxy = final.RESTProxyURL
		}
		if wsProxy != "" {
			futures.SetWsProxyUrl(wsProxy)
		}
	}
	futures.WebsocketKeepalive = final.Keepalive
	futures.WebsocketTimeout = final.WebsocketTimeout
	return &Source{
		cfg:    final,
		client: client,
		now:    time.Now,
	}, nil
}

func (s *Source) Name() string { return "binance" }

// FetchHistory 拉取已收盘的 K 线，最后一根未收盘的会被丢弃。
func (s *Source) FetchHistory(ctx context.Context, sym, interval string, limit int) ([]market.Kline, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	clean := symbol.Normalize(sym)
	if clean == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	interval = strings.TrimSpace(interval)
	if interval == "" {
		return nil, fmt.Errorf("interval is required")
	}
	kls, err := s.client.NewKlinesService().Symbol(clean).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch klines %s %s: %w", clean, interval, err)
	}
	nowMillis := s.now().UnixMilli()
	out := make([]market.Kline, 0, len(kls))
	for _, kl := range kls {
		k, ok := convertKline(clean, interval, kl, nowMillis)
		if !ok || !k.Closed {
			continue
		}
		out = append(out, k)
	}
	return out, nil
}

// Stream subscribes conn and keeps it alive according to conn.Base until ctx
// is done. It returns nil on cancellation and an error once reconnecting is
// disabled or the retry budget is used up.
func (s *Source) Stream(ctx context.Context, conn market.Connection, handler market.Handler, hooks market.Hooks) error {
	serve, err := s.serveFor(conn, handler)
	if err != nil {
		return err
	}
	return s.run(ctx, conn.ID, conn.Base, serve, hooks)
}

func (s *Source) serveFor(conn market.Connection, handler market.Handler) (serveFunc, error) {
	if handler == nil {
		handler = func(market.Event) {}
	}
	switch conn.Type {
	case market.EventKline:
		mapping := make(map[string][]string, len(conn.Symbols))
		for _, sym := range conn.Symbols {
			mapping[symbol.Normalize(sym)] = []string{conn.Interval}
		}
		return func(onMessage func(), errHandler futures.ErrHandler) (chan struct{}, chan struct{}, error) {
			return futures.WsCombinedKlineServeMultiInterval(mapping, func(ev *futures.WsKlineEvent) {
				onMessage()
				if out, ok := convertKlineEvent(conn.ID, ev, s.now()); ok {
					handler(out)
				}
			}, errHandler)
		}, nil
	case market.EventMarkPrice:
		rate, err := markPriceRate(conn.Interval)
		if err != nil {
			return nil, err
		}
		rates := make(map[string]time.Duration, len(conn.Symbols))
		for _, sym := range conn.Symbols {
			rates[symbol.Normalize(sym)] = rate
		}
		return func(onMessage func(), errHandler futures.ErrHandler) (chan struct{}, chan struct{}, error) {
			return futures.WsCombinedMarkPriceServeWithRate(rates, func(ev *futures.WsMarkPriceEvent) {
				onMessage()
				if out, ok := convertMarkPriceEvent(conn.ID, ev, s.now()); ok {
					handler(out)
				}
			}, errHandler)
		}, nil
	case market.EventPartialDepth:
		rate, err := depthRate(conn.Interval)
		if err != nil {
			return nil, err
		}
		onDepth := func(onMessage func()) futures.WsDepthHandler {
			return func(ev *futures.WsDepthEvent) {
				onMessage()
				if out, ok := convertDepthEvent(conn.ID, conn.Levels, ev, s.now()); ok {
					handler(out)
				}
			}
		}
		if len(conn.Symbols) == 1 {
			sym := symbol.Normalize(conn.Symbols[0])
			return func(onMessage func(), errHandler futures.ErrHandler) (chan struct{}, chan struct{}, error) {
				return futures.WsPartialDepthServeWithRate(sym, conn.Levels, rate, onDepth(onMessage), errHandler)
			}, nil
		}
		levels := depthStreamSuffix(conn.Levels, rate)
		symbolLevels := make(map[string]string, len(conn.Symbols))
		for _, sym := range conn.Symbols {
			symbolLevels[symbol.Normalize(sym)] = levels
		}
		return func(onMessage func(), errHandler futures.ErrHandler) (chan struct{}, chan struct{}, error) {
			return futures.WsCombinedDepthServe(symbolLevels, onDepth(onMessage), errHandler)
		}, nil
	default:
		return nil, fmt.Errorf("binance: unsupported stream type %q", conn.Type)
	}
}

func (s *Source) run(ctx context.Context, id string, base market.BaseConfig, serve serveFunc, hooks market.Hooks) error {
	initial := base.RetryDelay
	if initial <= 0 {
		initial = time.Second
	}
	delay := initial
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		var errMu sync.Mutex
		var lastErr error
		var lastMessage atomic.Int64
		lastMessage.Store(s.now().UnixNano())
		onMessage := func() { lastMessage.Store(s.now().UnixNano()) }
		errHandler := func(err error) {
			if err == nil {
				return
			}
			errMu.Lock()
			lastErr = err
			errMu.Unlock()
		}
		doneC, stopC, err := serve(onMessage, errHandler)
		if err != nil {
			s.recordSubscribeError(err)
			if hooks.OnDisconnect != nil {
				hooks.OnDisconnect(err)
			}
			failures++
			if !base.AutoReconnect {
				return fmt.Errorf("subscribe %s: %w", id, err)
			}
			if base.MaxRetries > 0 && failures > base.MaxRetries {
				return fmt.Errorf("subscribe %s after %d attempts: %w: %w", id, failures, errRetriesExceed, err)
			}
			logger.Warnf("[binance] %s 订阅失败(%d/%d): %v，%s 后重试", id, failures, base.MaxRetries, err, delay)
			if !sleepWithContext(ctx, delay) {
				return nil
			}
			delay = nextDelay(delay, initial)
			continue
		}
		failures = 0
		delay = initial
		s.clearLastError()
		if hooks.OnConnect != nil {
			hooks.OnConnect()
		}
		reason := s.wait(ctx, doneC, stopC, base.MessageTimeout, &lastMessage)
		if ctx.Err() != nil {
			return nil
		}
		errMu.Lock()
		if lastErr != nil && errors.Is(reason, errStreamClosed) {
			reason = lastErr
		}
		errMu.Unlock()
		s.recordReconnect(reason)
		if hooks.OnDisconnect != nil {
			hooks.OnDisconnect(reason)
		}
		if !base.AutoReconnect {
			return fmt.Errorf("%s disconnected: %w", id, reason)
		}
		logger.Warnf("[binance] %s 断开: %v，%s 后重连", id, reason, delay)
		if !sleepWithContext(ctx, delay) {
			return nil
		}
		delay = nextDelay(delay, initial)
	}
}

// wait blocks until the stream ends, ctx is done or the stream goes quiet
// for longer than timeout. stopC is always closed on return.
func (s *Source) wait(ctx context.Context, doneC, stopC chan struct{}, timeout time.Duration, lastMessage *atomic.Int64) error {
	var tick <-chan time.Time
	if timeout > 0 {
		interval := timeout / 4
		if interval < 10*time.Millisecond {
			interval = 10 * time.Millisecond
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			close(stopC)
			<-doneC
			return ctx.Err()
		case <-doneC:
			close(stopC)
			return errStreamClosed
		case <-tick:
			idle := s.now().Sub(time.Unix(0, lastMessage.Load()))
			if idle > timeout {
				close(stopC)
				<-doneC
				return fmt.Errorf("%w (idle %s)", errStaleStream, idle.Round(time.Millisecond))
			}
		}
	}
}

func markPriceRate(interval string) (time.Duration, error) {
	switch strings.TrimSpace(interval) {
	case "1s":
		return time.Second, nil
	case "", "3s":
		return 3 * time.Second, nil
	default:
		return 0, fmt.Errorf("binance: mark price interval must be 1s or 3s, got %q", interval)
	}
}

func depthRate(interval string) (time.Duration, error) {
	switch strings.TrimSpace(interval) {
	case "100ms":
		return 100 * time.Millisecond, nil
	case "", "250ms":
		return 250 * time.Millisecond, nil
	case "500ms":
		return 500 * time.Millisecond, nil
	default:
		return 0, fmt.Errorf("binance: partial depth interval must be 100ms, 250ms or 500ms, got %q", interval)
	}
}

// depthStreamSuffix builds the "<levels>[@rate]" part of a combined depth
// stream name; 250ms is the server default and has no suffix.
func depthStreamSuffix(levels int, rate time.Duration) string {
	out := strconv.Itoa(levels)
	if rate != 250*time.Millisecond {
		out += "@" + strconv.FormatInt(rate.Milliseconds(), 10) + "ms"
	}
	return out
}

func (s *Source) Stats() market.SourceStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

func (s *Source) clearLastError() {
	s.statsMu.Lock()
	s.stats.LastError = ""
	s.statsMu.Unlock()
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// nextDelay doubles the delay up to 30s, or up to initial when the
// configured retry delay is already longer.
func nextDelay(current, initial time.Duration) time.Duration {
	if current <= 0 {
		return time.Second
	}
	limit := maxRetryDelay
	if initial > limit {
		limit = initial
	}
	next := current * 2
	if next > limit {
		next = limit
	}
	return next
}

func (s *Source) recordSubscribeError(err error) {
	if err == nil {
		return
	}
	s.statsMu.Lock()
	s.stats.SubscribeErrors++
	s.stats.LastError = err.Error()
	s.statsMu.Unlock()
}

func (s *Source) recordReconnect(err error) {
	s.statsMu.Lock()
	s.stats.Reconnects++
	if err != nil && err.Error() != "" {
		s.stats.LastError = err.Error()
	}
	s.statsMu.Unlock()
}
