package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tradepost/backend/internal/audit"
	"github.com/tradepost/backend/internal/errs"
	"github.com/tradepost/backend/internal/models"
	"golang.org/x/sync/errgroup"
)

// Handler processes one claimed event. A nil error completes it; any error
// schedules a retry until the attempt budget is spent.
type Handler func(ctx context.Context, event *models.AsyncEvent) error

type EnqueueRequest struct {
	Source         string
	Type           string
	ExternalID     string
	IdempotencyKey string
	TenantID       string
	// Payload is stored as JSON. json.RawMessage and []byte are stored as is.
	Payload     any
	MaxAttempts int
}

type Config struct {
	Backoff     Backoff
	MaxAttempts int
	StaleAfter  time.Duration
	BatchSize   int
	Concurrency int
}

// SweepResult counts what one RunOnce pass did.
type SweepResult struct {
	Reclaimed    int64
	Claimed      int
	Completed    int
	Failed       int
	DeadLettered int64
}

// Engine is the poll-driven async retry engine.
type Engine struct {
	repo  Repository
	cfg   Config
	log   *slog.Logger
	audit *audit.Logger
	now   func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewEngine(repo Repository, cfg Config, log *slog.Logger) *Engine {
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		repo:     repo,
		cfg:      cfg,
		log:      log,
		audit:    audit.NewLogger(log),
		now:      time.Now,
		handlers: make(map[string]Handler),
	}
}

// Handle registers h for eventType, replacing any previous handler.
func (e *Engine) Handle(eventType string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[eventType] = h
}

func (e *Engine) handler(eventType string) Handler {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.handlers[eventType]
}

// Enqueue stores an event for asynchronous processing. A second enqueue
// with the same idempotency key returns the existing event.
func (e *Engine) Enqueue(ctx context.Context, req EnqueueRequest) (*models.AsyncEvent, error) {
	if req.Type == "" {
		return nil, errs.Invalid("type", "is required")
	}
	if req.IdempotencyKey == "" {
		return nil, errs.Invalid("idempotency_key", "is required")
	}

	payload, err := encodePayload(req.Payload)
	if err != nil {
		return nil, err
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.cfg.MaxAttempts
	}

	now := e.now().UTC()
	event := &models.AsyncEvent{
		ID:             uuid.NewString(),
		Source:         req.Source,
		Type:           req.Type,
		ExternalID:     req.ExternalID,
		IdempotencyKey: req.IdempotencyKey,
		TenantID:       req.TenantID,
		Payload:        payload,
		Status:         models.EventPending,
		MaxAttempts:    maxAttempts,
		NextRetryAt:    now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	inserted, err := e.repo.Insert(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", req.Type, err)
	}
	if !inserted {
		return e.repo.GetByKey(ctx, req.IdempotencyKey)
	}

	e.log.Info("event enqueued", "event_id", event.ID, "type", event.Type, "key", event.IdempotencyKey)
	return event, nil
}

func encodePayload(p any) (json.RawMessage, error) {
	switch v := p.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	return b, nil
}

// RunOnce performs one sweep: reclaim stale claims, claim due events and
// process each of them exactly once.
func (e *Engine) RunOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := e.now().UTC()

	requeued, dead, err := e.repo.ReclaimStale(ctx, now.Add(-e.cfg.StaleAfter), now)
	if err != nil {
		return res, fmt.Errorf("reclaim stale events: %w", err)
	}
	res.Reclaimed = requeued
	res.DeadLettered = dead
	if requeued+dead > 0 {
		e.log.Warn("reclaimed stale events", "requeued", requeued, "dead_lettered", dead)
	}

	claimed, err := e.repo.ClaimDue(ctx, now, e.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("claim due events: %w", err)
	}
	res.Claimed = len(claimed)
	if len(claimed) == 0 {
		return res, nil
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(e.cfg.Concurrency)
	for i := range claimed {
		event := claimed[i]
		g.Go(func() error {
			outcome, err := e.process(ctx, &event)
			mu.Lock()
			switch outcome {
			case models.EventCompleted:
				res.Completed++
			case models.EventFailed:
				res.Failed++
			case models.EventDeadLetter:
				res.DeadLettered++
			}
			mu.Unlock()
			return err
		})
	}
	err = g.Wait()
	return res, err
}

func (e *Engine) process(ctx context.Context, event *models.AsyncEvent) (models.EventStatus, error) {
	herr := e.invoke(ctx, event)
	now := e.now().UTC()

	if herr == nil {
		if err := e.repo.MarkCompleted(ctx, event.ID, now); err != nil {
			return "", fmt.Errorf("complete event %s: %w", event.ID, err)
		}
		e.log.Info("event processed", "event_id", event.ID, "type", event.Type, "attempt", event.Attempts)
		return models.EventCompleted, nil
	}

	if event.Attempts >= event.MaxAttempts {
		if err := e.repo.MarkDeadLetter(ctx, event.ID, herr.Error(), now); err != nil {
			return "", fmt.Errorf("dead-letter event %s: %w", event.ID, err)
		}
		e.log.Error("event dead-lettered",
			"event_id", event.ID,
			"type", event.Type,
			"attempts", event.Attempts,
			"error", herr)
		e.audit.LogError(event.ID, event.TenantID, fmt.Errorf("dead letter %s: %w", event.Type, herr))
		return models.EventDeadLetter, nil
	}

	next := now.Add(e.cfg.Backoff.Delay(event.Attempts))
	if err := e.repo.MarkFailed(ctx, event.ID, herr.Error(), next, now); err != nil {
		return "", fmt.Errorf("fail event %s: %w", event.ID, err)
	}
	e.log.Warn("event failed, retry scheduled",
		"event_id", event.ID,
		"type", event.Type,
		"attempt", event.Attempts,
		"next_retry_at", next,
		"error", herr)
	return models.EventFailed, nil
}

func (e *Engine) invoke(ctx context.Context, event *models.AsyncEvent) (err error) {
	h := e.handler(event.Type)
	if h == nil {
		return fmt.Errorf("no handler registered for %q", event.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, event)
}

// Run sweeps every interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.log.Info("retry engine started", "interval", interval, "concurrency", e.cfg.Concurrency)
	for {
		if _, err := e.RunOnce(ctx); err != nil && ctx.Err() == nil {
			e.log.Error("sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			e.log.Info("retry engine stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Engine) Get(ctx context.Context, id string) (*models.AsyncEvent, error) {
	return e.repo.Get(ctx, id)
}

func (e *Engine) DeadLetters(ctx context.Context, limit int) ([]models.AsyncEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return e.repo.ListByStatus(ctx, models.EventDeadLetter, limit)
}

// Replay gives a failed or dead-lettered event a fresh attempt budget.
func (e *Engine) Replay(ctx context.Context, id string) (*models.AsyncEvent, error) {
	if err := e.repo.Requeue(ctx, id, e.now().UTC()); err != nil {
		return nil, err
	}
	e.audit.LogOperation(id, "EVENT_REPLAYED", "")
	return e.repo.Get(ctx, id)
}
