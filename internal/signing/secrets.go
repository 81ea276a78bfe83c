package signing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tradepost/backend/internal/models"
	"github.com/tradepost/backend/internal/vault"
)

const secretBytes = 32

type SecretRepository interface {
	// Usable returns ACTIVE secrets and RETIRING secrets not yet expired.
	Usable(ctx context.Context, storeID string, now time.Time) ([]models.SigningSecret, error)
	// Rotate retires the store's ACTIVE secret until graceUntil and inserts
	// next as the new ACTIVE secret, atomically.
	Rotate(ctx context.Context, next *models.SigningSecret, graceUntil time.Time) (retired int64, err error)
	DeactivateExpired(ctx context.Context, now time.Time) (int64, error)
}

// Sealer protects secrets at rest.
type Sealer interface {
	Seal(data []byte) ([]byte, error)
	Open(data []byte) ([]byte, error)
}

type SecretStore struct {
	repo  SecretRepository
	seal  Sealer
	grace time.Duration
	now   func() time.Time
	log   *slog.Logger
}

func NewSecretStore(repo SecretRepository, seal Sealer, grace time.Duration, log *slog.Logger) *SecretStore {
	if log == nil {
		log = slog.Default()
	}
	return &SecretStore{repo: repo, seal: seal, grace: grace, now: time.Now, log: log}
}

func (s *SecretStore) ValidSecrets(ctx context.Context, storeID string, now time.Time) ([][]byte, error) {
	rows, err := s.repo.Usable(ctx, storeID, now)
	if err != nil {
		return nil, err
	}

	out := make([][]byte, 0, len(rows))
	for _, row := range rows {
		secret, err := s.seal.Open(row.Sealed)
		if err != nil {
			s.log.Error("failed to unseal signing secret", "store_id", storeID, "secret_id", row.ID, "error", err)
			continue
		}
		out = append(out, secret)
	}
	return out, nil
}

// Rotation is returned once to the operator; the plaintext is never stored.
type Rotation struct {
	StoreID        string    `json:"store_id"`
	SecretID       string    `json:"secret_id"`
	Secret         string    `json:"secret"`
	PreviousValid  bool      `json:"previous_valid"`
	PreviousExpiry time.Time `json:"previous_expires_at,omitempty"`
}

// Rotate issues a new secret for storeID. The previous secret stays valid
// for the grace window. It is also how a store's first secret is issued.
func (s *SecretStore) Rotate(ctx context.Context, storeID string) (Rotation, error) {
	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return Rotation{}, fmt.Errorf("generate secret: %w", err)
	}
	secret := hex.EncodeToString(raw)

	sealed, err := s.seal.Seal([]byte(secret))
	if err != nil {
		return Rotation{}, fmt.Errorf("seal secret: %w", err)
	}

	now := s.now().UTC()
	next := &models.SigningSecret{
		ID:         uuid.NewString(),
		StoreID:    storeID,
		SecretHash: vault.Fingerprint([]byte(secret)),
		Sealed:     sealed,
		Status:     models.SecretActive,
		CreatedAt:  now,
	}
	graceUntil := now.Add(s.grace)

	retired, err := s.repo.Rotate(ctx, next, graceUntil)
	if err != nil {
		return Rotation{}, err
	}

	s.log.Info("signing secret rotated", "store_id", storeID, "secret_id", next.ID, "retired", retired)
	rot := Rotation{StoreID: storeID, SecretID: next.ID, Secret: secret}
	if retired > 0 {
		rot.PreviousValid = true
		rot.PreviousExpiry = graceUntil
	}
	return rot, nil
}

func (s *SecretStore) DeactivateExpired(ctx context.Context) (int64, error) {
	n, err := s.repo.DeactivateExpired(ctx, s.now().UTC())
	if err == nil && n > 0 {
		s.log.Info("retired signing secrets deactivated", "count", n)
	}
	return n, err
}
