package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tradepost/backend/internal/errs"
	"github.com/tradepost/backend/internal/models"
)

// Outcome of CheckOrReserve. When FirstSeen is false, Prior carries the
// completed result recorded by the first writer.
type Outcome struct {
	FirstSeen bool
	Prior     *models.IdempotencyRecord
}

type Config struct {
	Lease        time.Duration
	WaitTimeout  time.Duration
	PollInterval time.Duration
}

// Registry implements first-writer-wins over idempotency keys.
type Registry struct {
	repo Repository
	cfg  Config
	log  *slog.Logger
	now  func() time.Time
}

func NewRegistry(repo Repository, cfg Config, log *slog.Logger) *Registry {
	if cfg.Lease <= 0 {
		cfg.Lease = 30 * time.Second
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 5 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{repo: repo, cfg: cfg, log: log, now: time.Now}
}

// CheckOrReserve claims key for the caller or reports the prior result.
// While another caller holds an unexpired claim it waits up to WaitTimeout
// for that caller to finish, then fails with errs.ErrConflict.
func (r *Registry) CheckOrReserve(ctx context.Context, key string) (Outcome, error) {
	if key == "" {
		return Outcome{}, errs.Invalid("idempotency_key", "is required")
	}

	deadline := r.now().Add(r.cfg.WaitTimeout)
	for {
		now := r.now().UTC()
		err := r.repo.Insert(ctx, &models.IdempotencyRecord{
			Key:            key,
			Scope:          Scope(key),
			Status:         models.IdempotencyInProgress,
			LeaseExpiresAt: now.Add(r.cfg.Lease),
			CreatedAt:      now,
			UpdatedAt:      now,
		})
		if err == nil {
			return Outcome{FirstSeen: true}, nil
		}
		if !errors.Is(err, errs.ErrDuplicateOperation) {
			return Outcome{}, err
		}

		existing, err := r.repo.Get(ctx, key)
		if errors.Is(err, errs.ErrNotFound) {
			// abandoned between our insert and read
			continue
		}
		if err != nil {
			return Outcome{}, err
		}

		if existing.Status == models.IdempotencyCompleted {
			return Outcome{FirstSeen: false, Prior: existing}, nil
		}

		if now.After(existing.LeaseExpiresAt) {
			took, err := r.repo.TakeOver(ctx, key, now, now.Add(r.cfg.Lease))
			if err != nil {
				return Outcome{}, err
			}
			if took {
				r.log.Warn("took over expired idempotency lease", "key", key, "expired_at", existing.LeaseExpiresAt)
				return Outcome{FirstSeen: true}, nil
			}
			continue
		}

		if !now.Before(deadline) {
			return Outcome{}, fmt.Errorf("operation %s still in progress: %w", key, errs.ErrConflict)
		}

		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-time.After(r.cfg.PollInterval):
		}
	}
}

// Complete records the result of the claimed operation.
func (r *Registry) Complete(ctx context.Context, key, resultType, resultID string) error {
	return r.repo.Complete(ctx, key, resultType, resultID, r.now().UTC())
}

// Abandon drops an in-progress claim whose operation failed without
// effects, so a retry can run it again.
func (r *Registry) Abandon(ctx context.Context, key string) error {
	return r.repo.Delete(ctx, key)
}
