package apihttp

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"quantflow/internal/dispatch"
	"quantflow/internal/logger"
	"quantflow/internal/market"
	"quantflow/internal/position"
	"quantflow/internal/router"
	"quantflow/internal/signal"
	"quantflow/internal/store/audit"
	"quantflow/internal/store/journal"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// Pipeline 是 HTTP 层依赖的引擎能力，*engine.Engine 满足该接口。
type Pipeline interface {
	SubmitSignal(ctx context.Context, sig signal.Signal) (signal.Decision, error)
	NotifyFill(strategyID, symbol string, fill position.Fill) (position.Record, error)
	PositionOf(strategyID, symbol string) position.Record
	Positions(q position.Query) []position.Record
	Consumers() []dispatch.ConsumerStats
	Strategies() []string
}

type ConnectionQuerier interface {
	Query(q market.ConnectionQuery) []market.ConnectionState
}

type EventLog interface {
	Recent(ctx context.Context, q journal.Query) ([]journal.EventModel, error)
}

type AuditLog interface {
	History(ctx context.Context, strategyID, symbol string, limit int) ([]audit.Entry, error)
}

// Router 挂载 /api 下的全部接口。
type Router struct {
	engine      Pipeline
	connections ConnectionQuerier
	journal     EventLog
	audit       AuditLog
	now         func() time.Time
}

func NewRouter(cfg ServerConfig) *Router {
	return &Router{
		engine:      cfg.Engine,
		connections: cfg.Connections,
		journal:     cfg.Journal,
		audit:       cfg.Audit,
		now:         time.Now,
	}
}

func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/positions", r.handlePositions)
	group.GET("/positions/:strategy/:symbol", r.handlePosition)
	group.GET("/positions/:strategy/:symbol/history", r.handlePositionHistory)
	group.POST("/signals", r.handleSignal)
	group.POST("/fills", r.handleFill)
	group.GET("/consumers", r.handleConsumers)
	group.GET("/strategies", r.handleStrategies)
	group.GET("/connections", r.handleConnections)
	group.GET("/events", r.handleEvents)
}

func (r *Router) handlePositions(c *gin.Context) {
	q := position.Query{
		StrategyID: strings.TrimSpace(c.Query("strategy")),
		Symbol:     strings.TrimSpace(c.Query("symbol")),
		Tag:        strings.TrimSpace(c.Query("tag")),
	}
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		st, err := position.ParseStatus(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		q.Status = &st
	}
	records := r.engine.Positions(q)
	out := make([]PositionView, 0, len(records))
	for _, rec := range records {
		out = append(out, newPositionView(rec))
	}
	c.JSON(http.StatusOK, gin.H{"positions": out, "count": len(out)})
}

func (r *Router) handlePosition(c *gin.Context) {
	rec := r.engine.PositionOf(c.Param("strategy"), c.Param("symbol"))
	c.JSON(http.StatusOK, newPositionView(rec))
}

func (r *Router) handlePositionHistory(c *gin.Context) {
	if r.audit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit log disabled"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	entries, err := r.audit.History(c.Request.Context(), c.Param("strategy"), c.Param("symbol"), limit)
	if err != nil {
		logger.Errorf("[api] position history failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": entries})
}

func (r *Router) handleSignal(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validateBody(signalValidator, raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sig, err := parseSignal(raw, r.now())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d, err := r.engine.SubmitSignal(c.Request.Context(), sig)
	if err != nil {
		status := signalErrorStatus(err)
		logger.Warnf("[api] signal %s failed ip=%s status=%d err=%v", sig, c.ClientIP(), status, err)
		body := gin.H{"error": err.Error()}
		if d.Rejected() {
			body["decision"] = newDecisionView(d)
		}
		c.JSON(status, body)
		return
	}
	view := newDecisionView(d)
	logger.Infof("[api] signal %s ip=%s verdict=%s reason=%s", sig, c.ClientIP(), view.Verdict, view.Reason)
	c.JSON(http.StatusOK, gin.H{"decision": view})
}

func signalErrorStatus(err error) int {
	switch {
	case errors.Is(err, signal.ErrInvalidSignal):
		return http.StatusBadRequest
	case errors.Is(err, router.ErrUnregisteredStrategy):
		return http.StatusNotFound
	case errors.Is(err, position.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// parseSignal 读取已通过 schema 校验的 JSON。数值型 metadata 会转成字符串，
// 顶层 stop_price/take_profit/limit_price 并入 metadata。
func parseSignal(raw []byte, now time.Time) (signal.Signal, error) {
	doc := gjson.ParseBytes(raw)
	dir, err := signal.ParseDirection(doc.Get("direction").String())
	if err != nil {
		return signal.Signal{}, err
	}
	strength := 1.0
	if v := doc.Get("strength"); v.Exists() {
		strength = v.Float()
	}
	producedAt := now
	if v := doc.Get("produced_at"); v.Exists() {
		ts, err := time.Parse(time.RFC3339Nano, v.String())
		if err != nil {
			return signal.Signal{}, err
		}
		producedAt = ts
	}
	meta := make(map[string]string)
	doc.Get("metadata").ForEach(func(key, value gjson.Result) bool {
		meta[key.String()] = value.String()
		return true
	})
	// 顶层保护价覆盖 metadata 中的同名字段。
	for _, key := range []string{signal.MetaStopPrice, signal.MetaTakeProfit, signal.MetaLimitPrice} {
		if v := doc.Get(key); v.Exists() {
			meta[key] = v.String()
		}
	}
	return signal.New(doc.Get("strategy_id").String(), doc.Get("symbol").String(), dir, strength, producedAt, meta), nil
}

func (r *Router) handleFill(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validateBody(fillValidator, raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	doc := gjson.ParseBytes(raw)
	fill, err := parseFill(doc, r.now())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	strategyID, sym := doc.Get("strategy_id").String(), doc.Get("symbol").String()
	rec, err := r.engine.NotifyFill(strategyID, sym, fill)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, position.ErrStaleFill) || errors.Is(err, position.ErrInvalidTransition) {
			status = http.StatusConflict
		}
		logger.Warnf("[api] fill %s %s/%s rejected ip=%s err=%v", fill.OrderID, strategyID, sym, c.ClientIP(), err)
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	logger.Infof("[api] fill %s %s/%s status=%s qty=%s", fill.OrderID, strategyID, sym, fill.Status, fill.Quantity)
	c.JSON(http.StatusOK, newPositionView(rec))
}

func parseFill(doc gjson.Result, now time.Time) (position.Fill, error) {
	status, err := position.ParseFillStatus(doc.Get("status").String())
	if err != nil {
		return position.Fill{}, err
	}
	qty, err := decimalField(doc, "quantity")
	if err != nil {
		return position.Fill{}, err
	}
	price, err := decimalField(doc, "price")
	if err != nil {
		return position.Fill{}, err
	}
	return position.Fill{
		OrderID:  doc.Get("order_id").String(),
		Status:   status,
		Quantity: qty,
		Price:    price,
		At:       now,
		Reason:   doc.Get("reason").String(),
	}, nil
}

// decimalField 同时接受字符串和数字；缺省为 0。
func decimalField(doc gjson.Result, key string) (decimal.Decimal, error) {
	v := doc.Get(key)
	if !v.Exists() || v.Raw == `""` {
		return decimal.Zero, nil
	}
	raw := v.Raw
	if v.Type == gjson.String {
		raw = v.Str
	}
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, errors.New(key + ": invalid decimal")
	}
	return d, nil
}

func (r *Router) handleConsumers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"consumers": r.engine.Consumers()})
}

func (r *Router) handleStrategies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"strategies": r.engine.Strategies()})
}

func (r *Router) handleConnections(c *gin.Context) {
	if r.connections == nil {
		c.JSON(http.StatusOK, gin.H{"connections": []market.ConnectionState{}})
		return
	}
	q := market.ConnectionQuery{
		Tag:    strings.TrimSpace(c.Query("tag")),
		Type:   market.EventType(strings.TrimSpace(c.Query("type"))),
		Symbol: strings.TrimSpace(c.Query("symbol")),
	}
	if q.Type != "" && !q.Type.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown connection type " + string(q.Type)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"connections": r.connections.Query(q)})
}

func (r *Router) handleEvents(c *gin.Context) {
	if r.journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal disabled"})
		return
	}
	q := journal.Query{
		Kind:   strings.TrimSpace(c.Query("kind")),
		Symbol: strings.TrimSpace(c.Query("symbol")),
	}
	q.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "100"))
	if raw := strings.TrimSpace(c.Query("since")); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		q.Since = since
	}
	rows, err := r.journal.Recent(c.Request.Context(), q)
	if err != nil {
		logger.Errorf("[api] journal query failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": rows})
}
