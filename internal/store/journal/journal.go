// Package journal 是持久化 consumer：把分发器送来的事件批量写入 SQLite。
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"quantflow/internal/dispatch"
	"quantflow/internal/logger"
	"quantflow/internal/market"
	"quantflow/internal/signal"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const insertBatchSize = 200

// Journal stores dispatched events. Re-delivered events are ignored by id.
type Journal struct {
	db *gorm.DB
}

func Open(path string) (*Journal, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("journal: 路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	return OpenDB(db)
}

// OpenDB migrates the journal table on an existing connection.
func OpenDB(db *gorm.DB) (*Journal, error) {
	if db == nil {
		return nil, fmt.Errorf("journal: gorm db 不能为空")
	}
	if err := db.AutoMigrate(&EventModel{}); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(2)
		sqlDB.SetMaxIdleConns(2)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Append writes events in one transaction and returns how many were new.
func (j *Journal) Append(ctx context.Context, events []dispatch.Event) (int, error) {
	if j == nil || j.db == nil || len(events) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	rows := make([]EventModel, 0, len(events))
	for _, ev := range events {
		row, err := newEventModel(ev, now)
		if err != nil {
			logger.Warnf("[journal] 跳过事件 %s: %v", ev.ID, err)
			continue
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	res := j.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		CreateInBatches(&rows, insertBatchSize)
	if res.Error != nil {
		return 0, fmt.Errorf("journal: insert %d events: %w", len(rows), res.Error)
	}
	return int(res.RowsAffected), nil
}

// Handler is the persistence consumer; it is meant to run in batch mode.
func (j *Journal) Handler() dispatch.Handler {
	return dispatch.HandlerFunc(func(ctx context.Context, events []dispatch.Event) error {
		n, err := j.Append(ctx, events)
		if err != nil {
			return err
		}
		logger.Debugf("[journal] 写入 %d/%d 条事件", n, len(events))
		return nil
	})
}

// Query filters Recent. Empty fields match everything.
type Query struct {
	Kind   string
	Symbol string
	Since  time.Time
	Limit  int
}

// Recent returns matching rows, newest first.
func (j *Journal) Recent(ctx context.Context, q Query) ([]EventModel, error) {
	if j == nil || j.db == nil {
		return nil, nil
	}
	tx := j.db.WithContext(ctx).Model(&EventModel{})
	if q.Kind != "" {
		tx = tx.Where("kind = ?", q.Kind)
	}
	if q.Symbol != "" {
		tx = tx.Where("symbol = ?", strings.ToUpper(strings.TrimSpace(q.Symbol)))
	}
	if !q.Since.IsZero() {
		tx = tx.Where("at >= ?", q.Since.UTC())
	}
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var rows []EventModel
	if err := tx.Order("at DESC, id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (j *Journal) Count(ctx context.Context, kind string) (int64, error) {
	if j == nil || j.db == nil {
		return 0, nil
	}
	var n int64
	tx := j.db.WithContext(ctx).Model(&EventModel{})
	if kind != "" {
		tx = tx.Where("kind = ?", kind)
	}
	err := tx.Count(&n).Error
	return n, err
}

func newEventModel(ev dispatch.Event, now time.Time) (EventModel, error) {
	if strings.TrimSpace(ev.ID) == "" {
		return EventModel{}, fmt.Errorf("missing event id")
	}
	raw, err := json.Marshal(ev.Payload)
	if err != nil {
		return EventModel{}, err
	}
	at := ev.At
	if at.IsZero() {
		at = now
	}
	row := EventModel{
		EventID:   ev.ID,
		Kind:      ev.Kind,
		Source:    ev.Source,
		Key:       ev.Key,
		At:        at.UTC(),
		Payload:   datatypes.JSON(raw),
		CreatedAt: now,
	}
	switch p := ev.Payload.(type) {
	case market.Event:
		row.Type = string(p.Type)
		row.Symbol = p.Symbol
		row.ConnectionID = p.ConnectionID
	case signal.Signal:
		row.Type = p.Direction.String()
		row.Symbol = p.Symbol
	}
	return row, nil
}
