package journal

import (
	"time"

	"gorm.io/datatypes"
)

// EventModel is one dispatched event as written by the persistence consumer.
type EventModel struct {
	ID           int64          `gorm:"column:id;primaryKey" json:"id"`
	EventID      string         `gorm:"column:event_id;uniqueIndex;size:64" json:"event_id"`
	Kind         string         `gorm:"column:kind;index:idx_journal_kind_at" json:"kind"`
	Source       string         `gorm:"column:source" json:"source"`
	Key          string         `gorm:"column:event_key" json:"key"`
	Type         string         `gorm:"column:type" json:"type"`
	Symbol       string         `gorm:"column:symbol;index" json:"symbol"`
	ConnectionID string         `gorm:"column:connection_id" json:"connection_id,omitempty"`
	At           time.Time      `gorm:"column:at;index:idx_journal_kind_at" json:"at"`
	Payload      datatypes.JSON `gorm:"column:payload" json:"payload"`
	CreatedAt    time.Time      `gorm:"column:created_at" json:"created_at"`
}

func (EventModel) TableName() string { return "event_journal" }
