package signing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

const (
	HeaderStoreID   = "X-Store-Id"
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
	HeaderSignature = "X-Signature"

	DefaultWindow = 5 * time.Minute
	MinNonceBytes = 16
)

// BodyHash is the lowercase hex SHA-256 of the raw body.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// CanonicalString is storeId:timestamp:nonce:sha256hex(body).
func CanonicalString(storeID, timestamp, nonce string, body []byte) string {
	return storeID + ":" + timestamp + ":" + nonce + ":" + BodyHash(body)
}

func ComputeSignature(secret []byte, canonical string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

func NewNonce() (string, error) {
	b := make([]byte, MinNonceBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Headers carries the four signed-request headers.
type Headers struct {
	StoreID   string
	Timestamp string
	Nonce     string
	Signature string
}

// Sign produces headers for body sent on behalf of storeID at now.
func Sign(secret []byte, storeID string, body []byte, now time.Time) (Headers, error) {
	nonce, err := NewNonce()
	if err != nil {
		return Headers{}, err
	}
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	return Headers{
		StoreID:   storeID,
		Timestamp: ts,
		Nonce:     nonce,
		Signature: ComputeSignature(secret, CanonicalString(storeID, ts, nonce, body)),
	}, nil
}

func (h Headers) Apply(req *http.Request) {
	req.Header.Set(HeaderStoreID, h.StoreID)
	req.Header.Set(HeaderTimestamp, h.Timestamp)
	req.Header.Set(HeaderNonce, h.Nonce)
	req.Header.Set(HeaderSignature, h.Signature)
}

func HeadersFrom(r *http.Request) Headers {
	return Headers{
		StoreID:   r.Header.Get(HeaderStoreID),
		Timestamp: r.Header.Get(HeaderTimestamp),
		Nonce:     r.Header.Get(HeaderNonce),
		Signature: r.Header.Get(HeaderSignature),
	}
}
