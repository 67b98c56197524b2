package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"coursepay/internal/common/api"
)

const (
	IdempotencyKeyHeader = "Idempotency-Key"
	ReplayedHeader       = "X-Idempotency-Replayed"
)

// IdempotencyStore keeps replayable responses. Set must not overwrite an
// entry that has not expired.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (response []byte, found bool, err error)
	Set(ctx context.Context, key string, response []byte, ttl time.Duration) error
}

// storedResponse is what an idempotency store keeps per key. Fingerprint is
// the SHA-256 of the request body that produced it.
type storedResponse struct {
	Status      int             `json:"status"`
	Fingerprint string          `json:"fingerprint"`
	Body        json.RawMessage `json:"body"`
}

// Idempotency replays the first successful response for a repeated
// Idempotency-Key, so a retried initialize does not open a second checkout.
// Reusing a key with a different body is rejected with 422. Store failures
// are logged and the request goes through unprotected.
func Idempotency(store IdempotencyStore, ttl time.Duration, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
			if clientKey == "" || r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				api.BadRequest(w, "unreadable body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			sum := sha256.Sum256(body)
			fingerprint := hex.EncodeToString(sum[:])
			key := r.URL.Path + "|" + clientKey
			log := logger.With("idempotency_key", clientKey, "correlation_id", GetCorrelationID(r.Context()))

			cached, found, err := store.Get(r.Context(), key)
			switch {
			case err != nil:
				log.Warn("idempotency lookup failed", "error", err)
			case found:
				var prev storedResponse
				if err := json.Unmarshal(cached, &prev); err != nil {
					log.Warn("discarding unreadable idempotency entry", "error", err)
					break
				}
				if prev.Fingerprint != fingerprint {
					api.WriteError(w, http.StatusUnprocessableEntity, api.CodeValidation,
						"Idempotency-Key was already used with a different request body")
					return
				}
				w.Header().Set(ReplayedHeader, "true")
				api.WriteJSON(w, prev.Status, prev.Body)
				return
			}

			rec := &capture{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status < 200 || rec.status > 299 || !json.Valid(rec.body.Bytes()) {
				return
			}
			entry, err := json.Marshal(storedResponse{
				Status:      rec.status,
				Fingerprint: fingerprint,
				Body:        rec.body.Bytes(),
			})
			if err == nil {
				err = store.Set(r.Context(), key, entry, ttl)
			}
			if err != nil {
				log.Warn("idempotency store failed", "error", err)
			}
		})
	}
}

// capture tees the response so it can be stored after the handler returns.
type capture struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (c *capture) WriteHeader(code int) {
	c.status = code
	c.ResponseWriter.WriteHeader(code)
}

func (c *capture) Write(b []byte) (int, error) {
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}

// MemoryIdempotencyStore is an IdempotencyStore for single-replica and test runs.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	response  []byte
	expiresAt time.Time
}

func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{entries: make(map[string]memoryEntry), now: time.Now}
}

func (s *MemoryIdempotencyStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || !s.now().Before(e.expiresAt) {
		return nil, false, nil
	}
	return e.response, true, nil
}

func (s *MemoryIdempotencyStore) Set(_ context.Context, key string, response []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.entries[key]; ok && now.Before(e.expiresAt) {
		return nil
	}
	// expired entries are swept on write
	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
		}
	}
	s.entries[key] = memoryEntry{response: append([]byte(nil), response...), expiresAt: now.Add(ttl)}
	return nil
}
