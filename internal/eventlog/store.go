// Package eventlog implements the append-only Event Log (C1): the
// engine's single source of truth. Every other component — the Queue,
// the State Reconstructor, the Broker — either writes to it inside a
// shared transaction or derives its view by replaying it.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/conduitrun/conduit/internal/domain"
	"github.com/conduitrun/conduit/internal/platform/dbctx"
	"github.com/conduitrun/conduit/internal/platform/logger"
)

// pgUniqueViolation is Postgres's SQLSTATE for a unique_violation.
// isUniqueViolation unwraps the driver's *pgconn.PgError with errors.As
// and compares its Code against this value.
const pgUniqueViolation = "23505"

// Store is the Event Log contract from the component design: append,
// range, and latest. Appends that collide on the idempotency key return
// the previously written event_id without writing a duplicate row.
type Store interface {
	// Append assigns the next event_id for execution_id and persists ev
	// within dbc's transaction (the caller is expected to have opened one
	// alongside any queue mutation the event triggers). Returns the
	// assigned event_id, or the prior one if this is a duplicate delivery.
	Append(dbc dbctx.Context, executionID int64, ev *domain.Event) (int64, error)

	// Range returns events for executionID in event_id order, optionally
	// starting strictly after sinceEventID.
	Range(dbc dbctx.Context, executionID int64, sinceEventID int64) ([]domain.Event, error)

	// Latest returns the highest-event_id event matching pred, or nil if
	// none match.
	Latest(dbc dbctx.Context, executionID int64, pred func(domain.Event) bool) (*domain.Event, error)
}

type store struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewStore(db *gorm.DB, log *logger.Logger) Store {
	return &store{db: db, log: log.With("component", "eventlog")}
}

func (s *store) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return s.db
}

func (s *store) Append(dbc dbctx.Context, executionID int64, ev *domain.Event) (int64, error) {
	tx := s.tx(dbc).WithContext(dbc.Ctx)

	var nextID int64
	row := tx.Raw(`SELECT COALESCE(MAX(event_id), 0) + 1 FROM event WHERE execution_id = ?`, executionID).Row()
	if err := row.Scan(&nextID); err != nil {
		return 0, err
	}
	ev.ExecutionID = executionID
	ev.EventID = nextID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	err := tx.Create(ev).Error
	if err == nil {
		return ev.EventID, nil
	}
	if !isUniqueViolation(err) {
		return 0, err
	}

	// Duplicate delivery of the same logical event: look up the row that
	// already holds this fingerprint and return its event_id unchanged.
	idx := -1
	if ev.IteratorIndex != nil {
		idx = *ev.IteratorIndex
	}
	var existing domain.Event
	q := tx.Where("execution_id = ? AND node_id = ? AND event_type = ? AND attempt_count = ?",
		executionID, ev.NodeID, ev.EventType, ev.AttemptCount)
	if idx >= 0 {
		q = q.Where("iterator_index = ?", idx)
	} else {
		q = q.Where("iterator_index IS NULL")
	}
	if findErr := q.First(&existing).Error; findErr != nil {
		return 0, err
	}
	s.log.Debug("duplicate event append suppressed", "execution_id", executionID, "node_id", ev.NodeID, "event_type", ev.EventType)
	return existing.EventID, nil
}

func (s *store) Range(dbc dbctx.Context, executionID int64, sinceEventID int64) ([]domain.Event, error) {
	var events []domain.Event
	q := s.tx(dbc).WithContext(dbc.Ctx).
		Where("execution_id = ?", executionID).
		Order("event_id ASC")
	if sinceEventID > 0 {
		q = q.Where("event_id > ?", sinceEventID)
	}
	if err := q.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

func (s *store) Latest(dbc dbctx.Context, executionID int64, pred func(domain.Event) bool) (*domain.Event, error) {
	events, err := s.Range(dbc, executionID, 0)
	if err != nil {
		return nil, err
	}
	for i := len(events) - 1; i >= 0; i-- {
		if pred == nil || pred(events[i]) {
			return &events[i], nil
		}
	}
	return nil, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return false
}

// MustMarshalPayload is a small convenience used by callers building
// events from typed Go values; it never fails on values produced by this
// codebase, so it panics rather than threading an error through every
// call site, matching how json.Marshal is used elsewhere for trusted
// internal types.
func MustMarshalPayload(v any) datatypes.JSON {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return datatypes.JSON(raw)
}
