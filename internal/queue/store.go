// Package queue implements the durable PostgreSQL-backed work queue
// (C2): lease, heartbeat, ack, nack, and reap over the same database the
// Event Log uses. Lease is the one operation with real concurrency
// stakes — many workers and brokers race for the same ready rows — so it
// is built on the same SELECT ... FOR UPDATE SKIP LOCKED pattern this
// codebase already used for single-row job claiming, generalized to
// claim up to N rows filtered by pool.
package queue

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/conduitrun/conduit/internal/domain"
	"github.com/conduitrun/conduit/internal/platform/dbctx"
	"github.com/conduitrun/conduit/internal/platform/logger"
)

// Store is the Queue contract from the component design.
type Store interface {
	// Enqueue inserts entry within dbc's transaction — callers always
	// enqueue in the same transaction as the event append that triggered it.
	Enqueue(dbc dbctx.Context, entry *domain.QueueEntry) (int64, error)

	// Lease atomically selects up to maxN ready entries whose
	// available_at <= now and whose pool/runtime match poolFilter, marks
	// them leased with the given lease duration, and returns them.
	Lease(dbc dbctx.Context, workerID string, poolFilter PoolFilter, maxN int, leaseDuration time.Duration) ([]domain.QueueEntry, error)

	// Heartbeat extends a held lease. Returns false if workerID is no
	// longer the owner (lease expired and was reclaimed, or never held).
	Heartbeat(dbc dbctx.Context, queueID int64, workerID string, leaseDuration time.Duration) (bool, error)

	// Ack marks queueID completed. The caller appends the terminal event
	// in the same transaction via dbc.
	Ack(dbc dbctx.Context, queueID int64, workerID string) error

	// Nack returns queueID to ready with available_at = now + backoff;
	// attempt_count is not changed here (Lease increments it). Once
	// attempt_count has reached max_attempts the entry is marked dead
	// instead and deadLettered is returned true.
	// forceDeadLetter marks the entry dead on this call regardless of
	// attempt_count/max_attempts — the caller's way of saying the failure
	// itself, not the retry budget, rules out another attempt (e.g. an
	// action that declares itself unsafe returning an action_error, §4.10,
	// §7).
	Nack(dbc dbctx.Context, queueID int64, workerID string, backoff time.Duration, forceDeadLetter bool) (deadLettered bool, err error)

	// Reap returns to ready any entry whose lease has expired, applying
	// the same retry/dead-letter rule as Nack. Returns the entries that
	// were dead-lettered (attempts exhausted) so the caller can append
	// their terminal step_failed event, and the total count reaped.
	Reap(dbc dbctx.Context, now time.Time) (deadLettered []domain.QueueEntry, reaped int, err error)

	// CancelReady deletes all ready entries for executionID, used by
	// cooperative cancellation; leased entries are left alone.
	CancelReady(dbc dbctx.Context, executionID int64) error
}

// PoolFilter narrows Lease to queue entries a given worker is capable of
// running.
type PoolFilter struct {
	Pool    string // empty matches any pool
	Runtime string // empty matches any runtime
}

type store struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewStore(db *gorm.DB, log *logger.Logger) Store {
	return &store{db: db, log: log.With("component", "queue")}
}

func (s *store) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return s.db
}

func (s *store) Enqueue(dbc dbctx.Context, entry *domain.QueueEntry) (int64, error) {
	if entry.Status == "" {
		entry.Status = domain.QueueReady
	}
	if entry.AvailableAt.IsZero() {
		entry.AvailableAt = time.Now().UTC()
	}
	if entry.MaxAttempts <= 0 {
		entry.MaxAttempts = 1
	}
	if err := s.tx(dbc).WithContext(dbc.Ctx).Create(entry).Error; err != nil {
		return 0, err
	}
	return entry.QueueID, nil
}

// Lease is the generalization of the single-row SKIP LOCKED claim: one
// transaction, one locking SELECT ordered by (available_at, enqueued_at)
// so FIFO and backoff share an ordering, then a bulk UPDATE of exactly
// the rows that were locked.
func (s *store) Lease(dbc dbctx.Context, workerID string, filter PoolFilter, maxN int, leaseDuration time.Duration) ([]domain.QueueEntry, error) {
	if maxN <= 0 {
		return nil, nil
	}
	txRoot := s.tx(dbc)
	now := time.Now().UTC()
	var leased []domain.QueueEntry

	err := txRoot.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var candidates []domain.QueueEntry
		q := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND available_at <= ?", domain.QueueReady, now)
		if filter.Pool != "" {
			q = q.Where("pool = ?", filter.Pool)
		}
		if filter.Runtime != "" {
			q = q.Where("runtime = ?", filter.Runtime)
		}
		if err := q.Order("available_at ASC, enqueued_at ASC").Limit(maxN).Find(&candidates).Error; err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}

		ids := make([]int64, 0, len(candidates))
		for _, c := range candidates {
			ids = append(ids, c.QueueID)
		}
		expiresAt := now.Add(leaseDuration)
		if err := txx.Model(&domain.QueueEntry{}).Where("queue_id IN ?", ids).Updates(map[string]any{
			"status":           domain.QueueLeased,
			"lease_owner":      workerID,
			"lease_expires_at": expiresAt,
			"attempt_count":    gorm.Expr("attempt_count + 1"),
		}).Error; err != nil {
			return err
		}

		for i := range candidates {
			candidates[i].Status = domain.QueueLeased
			candidates[i].LeaseOwner = workerID
			candidates[i].LeaseExpiresAt = &expiresAt
			candidates[i].AttemptCount++
		}
		leased = candidates
		return nil
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

func (s *store) Heartbeat(dbc dbctx.Context, queueID int64, workerID string, leaseDuration time.Duration) (bool, error) {
	now := time.Now().UTC()
	res := s.tx(dbc).WithContext(dbc.Ctx).Model(&domain.QueueEntry{}).
		Where("queue_id = ? AND lease_owner = ? AND status = ?", queueID, workerID, domain.QueueLeased).
		Updates(map[string]any{"lease_expires_at": now.Add(leaseDuration)})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *store) Ack(dbc dbctx.Context, queueID int64, workerID string) error {
	res := s.tx(dbc).WithContext(dbc.Ctx).Model(&domain.QueueEntry{}).
		Where("queue_id = ? AND lease_owner = ? AND status = ?", queueID, workerID, domain.QueueLeased).
		Updates(map[string]any{"status": domain.QueueCompleted})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return fmt.Errorf("queue: ack %d: not owned by %q or already settled", queueID, workerID)
	}
	return nil
}

func (s *store) Nack(dbc dbctx.Context, queueID int64, workerID string, backoff time.Duration, forceDeadLetter bool) (bool, error) {
	var entry domain.QueueEntry
	txx := s.tx(dbc).WithContext(dbc.Ctx)
	if err := txx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("queue_id = ? AND lease_owner = ?", queueID, workerID).
		First(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, fmt.Errorf("queue: nack %d: not owned by %q", queueID, workerID)
		}
		return false, err
	}

	if forceDeadLetter || !entry.Retryable() {
		if err := txx.Model(&domain.QueueEntry{}).Where("queue_id = ?", queueID).
			Updates(map[string]any{"status": domain.QueueDead, "lease_owner": ""}).Error; err != nil {
			return false, err
		}
		return true, nil
	}

	if err := txx.Model(&domain.QueueEntry{}).Where("queue_id = ?", queueID).
		Updates(map[string]any{
			"status":      domain.QueueReady,
			"lease_owner": "",
			"available_at": time.Now().UTC().Add(backoff),
		}).Error; err != nil {
		return false, err
	}
	return false, nil
}

func (s *store) Reap(dbc dbctx.Context, now time.Time) ([]domain.QueueEntry, int, error) {
	var expired []domain.QueueEntry
	txx := s.tx(dbc).WithContext(dbc.Ctx)
	if err := txx.Where("status = ? AND lease_expires_at < ?", domain.QueueLeased, now).Find(&expired).Error; err != nil {
		return nil, 0, err
	}
	count := 0
	var dead []domain.QueueEntry
	for _, e := range expired {
		deadLettered, err := s.Nack(dbc, e.QueueID, e.LeaseOwner, 0, false)
		if err != nil {
			s.log.Warn("reap: failed to nack expired lease", "queue_id", e.QueueID, "error", err)
			continue
		}
		count++
		if deadLettered {
			dead = append(dead, e)
		}
	}
	return dead, count, nil
}

func (s *store) CancelReady(dbc dbctx.Context, executionID int64) error {
	return s.tx(dbc).WithContext(dbc.Ctx).
		Where("execution_id = ? AND status = ?", executionID, domain.QueueReady).
		Delete(&domain.QueueEntry{}).Error
}
