package domain

import (
	"time"

	"gorm.io/datatypes"
)

// QueueStatus is the closed set of states a QueueEntry moves through:
// ready -> leased -> (completed | ready on nack | dead on attempts_exhausted).
type QueueStatus string

const (
	QueueReady     QueueStatus = "ready"
	QueueLeased    QueueStatus = "leased"
	QueueCompleted QueueStatus = "completed"
	QueueFailed    QueueStatus = "failed"
	QueueDead      QueueStatus = "dead"
)

// QueueEntry is one unit of work awaiting a worker lease. It is always
// created in the same transaction as the event that triggered it.
type QueueEntry struct {
	QueueID         int64          `gorm:"column:queue_id;primaryKey;autoIncrement" json:"queue_id"`
	ExecutionID     int64          `gorm:"column:execution_id;not null;index" json:"execution_id"`
	NodeID          string         `gorm:"column:node_id;not null" json:"node_id"`
	IteratorIndex   *int           `gorm:"column:iterator_index" json:"iterator_index,omitempty"`
	ActionSpec      datatypes.JSON `gorm:"column:action_spec_json;type:jsonb" json:"action_spec"`
	Pool            string         `gorm:"column:pool;index" json:"pool,omitempty"`
	Runtime         string         `gorm:"column:runtime;index" json:"runtime,omitempty"`
	EnqueuedAt      time.Time      `gorm:"column:enqueued_at;not null;default:now()" json:"enqueued_at"`
	AvailableAt     time.Time      `gorm:"column:available_at;not null;default:now();index" json:"available_at"`
	LeaseOwner      string         `gorm:"column:lease_owner" json:"lease_owner,omitempty"`
	LeaseExpiresAt  *time.Time     `gorm:"column:lease_expires_at" json:"lease_expires_at,omitempty"`
	AttemptCount    int            `gorm:"column:attempt_count;not null;default:0" json:"attempt_count"`
	MaxAttempts     int            `gorm:"column:max_attempts;not null;default:1" json:"max_attempts"`
	Status          QueueStatus    `gorm:"column:status;not null;index:idx_queue_status_available" json:"status"`
	Fingerprint     string         `gorm:"column:fingerprint;uniqueIndex" json:"fingerprint"`
}

func (QueueEntry) TableName() string { return "queue" }

// Retryable reports whether another attempt remains before the entry
// would be marked dead.
func (q *QueueEntry) Retryable() bool {
	return q.AttemptCount < q.MaxAttempts
}
