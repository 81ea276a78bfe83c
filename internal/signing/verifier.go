package signing

import (
	"context"
	"crypto/hmac"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/tradepost/backend/internal/errs"
)

// SecretSource resolves the secrets currently accepted for a store. During
// a rotation grace window it returns both the new and the previous secret.
type SecretSource interface {
	ValidSecrets(ctx context.Context, storeID string, now time.Time) ([][]byte, error)
}

// NonceCache remembers nonces for the freshness window. Remember reports
// false when the nonce was already seen.
type NonceCache interface {
	Remember(ctx context.Context, storeID, nonce string, ttl time.Duration) (bool, error)
}

type Verifier struct {
	secrets SecretSource
	nonces  NonceCache
	window  time.Duration
	now     func() time.Time
	log     *slog.Logger
}

func NewVerifier(secrets SecretSource, nonces NonceCache, window time.Duration, log *slog.Logger) *Verifier {
	if window <= 0 {
		window = DefaultWindow
	}
	if log == nil {
		log = slog.Default()
	}
	return &Verifier{secrets: secrets, nonces: nonces, window: window, now: time.Now, log: log}
}

// Verify authenticates a signed request. Authentication failures are
// errs.ErrSignatureInvalid or errs.ErrSignatureExpired; any other error is
// infrastructure failure.
func (v *Verifier) Verify(ctx context.Context, h Headers, body []byte) error {
	if h.StoreID == "" || h.Timestamp == "" || h.Nonce == "" || h.Signature == "" {
		return fmt.Errorf("missing signing headers: %w", errs.ErrSignatureInvalid)
	}

	ms, err := strconv.ParseInt(h.Timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed timestamp: %w", errs.ErrSignatureInvalid)
	}
	now := v.now()
	skew := now.Sub(time.UnixMilli(ms))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.window {
		return fmt.Errorf("timestamp skew %s: %w", skew, errs.ErrSignatureExpired)
	}

	if raw, err := hex.DecodeString(h.Nonce); err != nil || len(raw) < MinNonceBytes {
		return fmt.Errorf("nonce must be at least %d hex-encoded bytes: %w", MinNonceBytes, errs.ErrSignatureInvalid)
	}

	provided, err := hex.DecodeString(h.Signature)
	if err != nil {
		return fmt.Errorf("malformed signature: %w", errs.ErrSignatureInvalid)
	}

	secrets, err := v.secrets.ValidSecrets(ctx, h.StoreID, now)
	if errors.Is(err, errs.ErrNotFound) || (err == nil && len(secrets) == 0) {
		return fmt.Errorf("no secret for store %s: %w", h.StoreID, errs.ErrSignatureInvalid)
	}
	if err != nil {
		return fmt.Errorf("resolve secrets: %w", err)
	}

	canonical := CanonicalString(h.StoreID, h.Timestamp, h.Nonce, body)
	matched := false
	for _, secret := range secrets {
		expected, _ := hex.DecodeString(ComputeSignature(secret, canonical))
		if hmac.Equal(expected, provided) {
			matched = true
			break
		}
	}
	if !matched {
		return fmt.Errorf("store %s: %w", h.StoreID, errs.ErrSignatureInvalid)
	}

	if v.nonces != nil {
		fresh, err := v.nonces.Remember(ctx, h.StoreID, h.Nonce, v.window)
		if err != nil {
			return fmt.Errorf("nonce cache: %w", err)
		}
		if !fresh {
			v.log.Warn("replayed nonce rejected", "store_id", h.StoreID)
			return fmt.Errorf("nonce replay: %w", errs.ErrSignatureInvalid)
		}
	}
	return nil
}

// StaticSecrets is a fixed SecretSource, used for provider webhooks that
// share one configured secret.
type StaticSecrets map[string][]byte

func (s StaticSecrets) ValidSecrets(_ context.Context, storeID string, _ time.Time) ([][]byte, error) {
	secret, ok := s[storeID]
	if !ok || len(secret) == 0 {
		return nil, errs.ErrNotFound
	}
	return [][]byte{secret}, nil
}
