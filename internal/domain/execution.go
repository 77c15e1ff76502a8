package domain

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ExecutionStatus is the closed set of states an Execution can occupy.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning    ExecutionStatus = "running"
	ExecutionCompleted  ExecutionStatus = "completed"
	ExecutionFailed     ExecutionStatus = "failed"
	ExecutionCancelled  ExecutionStatus = "cancelled"
)

// Execution is the runtime instance of one playbook invocation. event_id
// ordering and all other state live in the event stream; this row is a
// thin index the broker and API read to avoid replaying every execution
// on every request.
type Execution struct {
	ExecutionID       int64           `gorm:"column:execution_id;primaryKey;autoIncrement" json:"execution_id"`
	RootExecutionID   int64           `gorm:"column:root_execution_id;not null;index" json:"root_execution_id"`
	ParentExecutionID *int64          `gorm:"column:parent_execution_id;index" json:"parent_execution_id,omitempty"`
	Path              string          `gorm:"column:path;not null;index" json:"path"`
	Version           int64           `gorm:"column:version;not null" json:"version"`
	Status            ExecutionStatus `gorm:"column:status;not null;index" json:"status"`
	Payload           datatypes.JSON  `gorm:"column:payload;type:jsonb" json:"payload,omitempty"`
	CreatedAt         time.Time       `gorm:"column:created_at;not null;default:now();index" json:"created_at"`
	EndedAt           *time.Time      `gorm:"column:ended_at" json:"ended_at,omitempty"`
	DeletedAt         gorm.DeletedAt  `gorm:"index" json:"-"`
}

func (Execution) TableName() string { return "execution" }

// IsTerminal reports whether the execution has reached one of its
// terminal statuses and will never transition again.
func (e *Execution) IsTerminal() bool {
	switch e.Status {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}
