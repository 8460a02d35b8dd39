// Package audit 记录仓位状态机的每一次提交，供事后排查。
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"quantflow/internal/logger"
	"quantflow/internal/position"

	_ "modernc.org/sqlite"
)

const (
	defaultBuffer = 1024
	writeBatch    = 64
)

// Entry is one persisted position change.
type Entry struct {
	ID             int64     `json:"id"`
	At             time.Time `json:"at"`
	StrategyID     string    `json:"strategy_id"`
	Symbol         string    `json:"symbol"`
	Cause          string    `json:"cause"`
	FromStatus     string    `json:"from_status"`
	ToStatus       string    `json:"to_status"`
	Side           string    `json:"side"`
	Size           string    `json:"size"`
	EntryPrice     string    `json:"entry_price"`
	PendingOrderID string    `json:"pending_order_id,omitempty"`
	Version        uint64    `json:"version"`
}

// Log buffers position changes from the store observer and writes them from
// its own goroutine, so observers never wait on disk.
type Log struct {
	db      *sql.DB
	ch      chan position.Change
	dropped atomic.Uint64
	written atomic.Uint64
}

func Open(path string, buffer int) (*Log, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("audit log path 不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Log{db: db, ch: make(chan position.Change, buffer)}, nil
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS position_audit (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			strategy_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			cause TEXT NOT NULL,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			side TEXT NOT NULL,
			size TEXT NOT NULL,
			entry_price TEXT NOT NULL,
			pending_order_id TEXT,
			version INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_position_audit_key ON position_audit(strategy_id, symbol, id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("audit schema: %w", err)
		}
	}
	return nil
}

// Observer hands changes to the writer. A full buffer drops the change and
// counts it.
func (l *Log) Observer() position.Observer {
	return func(c position.Change) {
		select {
		case l.ch <- c:
		default:
			if n := l.dropped.Add(1); n == 1 || n%100 == 0 {
				logger.Warnf("[audit] 缓冲已满，已丢弃 %d 条仓位变更", n)
			}
		}
	}
}

// Run writes buffered changes until ctx is done, then flushes what is left.
// Writes are not cut short by ctx.
func (l *Log) Run(ctx context.Context) error {
	batch := make([]position.Change, 0, writeBatch)
	writeCtx := context.WithoutCancel(ctx)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := l.Write(writeCtx, batch); err != nil {
			logger.Errorf("[audit] 写入 %d 条失败: %v", len(batch), err)
		}
		batch = batch[:0]
	}
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case c := <-l.ch:
					batch = append(batch, c)
					if len(batch) >= writeBatch {
						flush()
					}
				default:
					flush()
					return nil
				}
			}
		case c := <-l.ch:
			batch = append(batch, c)
		collect:
			for len(batch) < writeBatch {
				select {
				case c := <-l.ch:
					batch = append(batch, c)
				default:
					break collect
				}
			}
			flush()
		}
	}
}

// Write persists changes in one transaction.
func (l *Log) Write(ctx context.Context, changes []position.Change) error {
	if len(changes) == 0 {
		return nil
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO position_audit
		(ts, strategy_id, symbol, cause, from_status, to_status, side, size, entry_price, pending_order_id, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, c := range changes {
		after := c.After
		at := c.At
		if at.IsZero() {
			at = time.Now()
		}
		if _, err := stmt.ExecContext(ctx,
			at.UnixMilli(), after.StrategyID, after.Symbol, c.Cause,
			c.Before.Status.String(), after.Status.String(), after.Side.String(),
			after.Size.String(), after.EntryPrice.String(), after.PendingOrderID, after.Version,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	l.written.Add(uint64(len(changes)))
	return nil
}

// History returns the most recent changes for one key, newest first.
func (l *Log) History(ctx context.Context, strategyID, symbol string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx, `SELECT id, ts, strategy_id, symbol, cause, from_status, to_status,
		side, size, entry_price, COALESCE(pending_order_id, ''), version
		FROM position_audit WHERE strategy_id = ? AND symbol = ? ORDER BY id DESC LIMIT ?`,
		strategyID, strings.ToUpper(strings.TrimSpace(symbol)), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			e  Entry
			ts int64
		)
		if err := rows.Scan(&e.ID, &ts, &e.StrategyID, &e.Symbol, &e.Cause, &e.FromStatus, &e.ToStatus,
			&e.Side, &e.Size, &e.EntryPrice, &e.PendingOrderID, &e.Version); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(ts).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Dropped is the number of changes lost to a full buffer.
func (l *Log) Dropped() uint64 { return l.dropped.Load() }

func (l *Log) Written() uint64 { return l.written.Load() }

func (l *Log) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}
