// Package execution manages the Execution row (§3): the thin index the
// Broker and HTTP API read so they don't have to replay every execution
// in the system to find one by id or list a child tree. The event log
// remains the source of truth for an execution's internal state; this
// table only tracks identity, the playbook version it is bound to, and
// terminal status/timestamps.
package execution

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/conduitrun/conduit/internal/domain"
	"github.com/conduitrun/conduit/internal/platform/dbctx"
)

var ErrNotFound = errors.New("execution: not found")

type Store interface {
	// Create inserts a new execution row. If parentExecutionID is nil the
	// new row is its own root (RootExecutionID == its own ExecutionID);
	// otherwise it inherits the parent's root.
	Create(dbc dbctx.Context, path string, version int64, parentExecutionID *int64, payload []byte) (*domain.Execution, error)

	Get(dbc dbctx.Context, executionID int64) (*domain.Execution, error)

	// SetStatus transitions status, stamping EndedAt when the status is
	// terminal. No-op (not an error) if the execution is already terminal,
	// since executions never resurrect (§3 Lifecycles).
	SetStatus(dbc dbctx.Context, executionID int64, status domain.ExecutionStatus) error

	// Children lists executions whose ParentExecutionID == executionID.
	// Neither Broker.Cancel nor the sub-playbook path calls it.
	Children(dbc dbctx.Context, executionID int64) ([]domain.Execution, error)
}

type store struct{ db *gorm.DB }

func NewStore(db *gorm.DB) Store { return &store{db: db} }

func (s *store) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return s.db
}

func (s *store) Create(dbc dbctx.Context, path string, version int64, parentExecutionID *int64, payload []byte) (*domain.Execution, error) {
	exec := &domain.Execution{
		Path:      path,
		Version:   version,
		Status:    domain.ExecutionPending,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	txx := s.tx(dbc).WithContext(dbc.Ctx)
	if err := txx.Create(exec).Error; err != nil {
		return nil, err
	}
	root := exec.ExecutionID
	if parentExecutionID != nil {
		parent, err := s.Get(dbc, *parentExecutionID)
		if err != nil {
			return nil, err
		}
		root = parent.RootExecutionID
		exec.ParentExecutionID = parentExecutionID
	}
	exec.RootExecutionID = root
	if err := txx.Model(exec).Updates(map[string]any{
		"root_execution_id":   root,
		"parent_execution_id": parentExecutionID,
	}).Error; err != nil {
		return nil, err
	}
	return exec, nil
}

func (s *store) Get(dbc dbctx.Context, executionID int64) (*domain.Execution, error) {
	var row domain.Execution
	if err := s.tx(dbc).WithContext(dbc.Ctx).Where("execution_id = ?", executionID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &row, nil
}

func (s *store) SetStatus(dbc dbctx.Context, executionID int64, status domain.ExecutionStatus) error {
	exec, err := s.Get(dbc, executionID)
	if err != nil {
		return err
	}
	if exec.IsTerminal() {
		return nil
	}
	updates := map[string]any{"status": status}
	terminal := domain.Execution{Status: status}
	if terminal.IsTerminal() {
		now := time.Now().UTC()
		updates["ended_at"] = now
	}
	return s.tx(dbc).WithContext(dbc.Ctx).Model(&domain.Execution{}).
		Where("execution_id = ?", executionID).Updates(updates).Error
}

func (s *store) Children(dbc dbctx.Context, executionID int64) ([]domain.Execution, error) {
	var rows []domain.Execution
	if err := s.tx(dbc).WithContext(dbc.Ctx).Where("parent_execution_id = ?", executionID).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
