package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"solescrow/escrow"
)

// corsMiddleware answers preflight requests and stamps CORS headers on every
// response. Wallet frontends call these routes from the browser, so every
// route must be reachable cross-origin.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// idempotencyStore is the subset of the escrow store the replay middleware
// needs.
type idempotencyStore interface {
	LookupIdempotency(ctx context.Context, key string) (*escrow.IdempotencyRecord, error)
	SaveIdempotency(ctx context.Context, record escrow.IdempotencyRecord) error
}

// withIdempotency replays the stored response for a repeated Idempotency-Key
// instead of executing the handler again. A replayed release must never
// re-broadcast a transaction.
func withIdempotency(store idempotencyStore, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
		if key == "" || store == nil {
			next.ServeHTTP(w, r)
			return
		}
		if record, err := store.LookupIdempotency(r.Context(), key); err == nil && record != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(record.Status)
			_, _ = w.Write([]byte(record.Response))
			return
		}

		recorder := &responseRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		// Only completed operations are cached. A failed or unknown-outcome
		// response must not pin the key: retrying under the same key is
		// exactly how a caller recovers from a 504.
		if status < 200 || status >= 300 {
			return
		}
		_ = store.SaveIdempotency(r.Context(), escrow.IdempotencyRecord{
			Key:       key,
			RequestID: uuid.NewString(),
			Method:    r.Method,
			Path:      r.URL.Path,
			Status:    status,
			Response:  recorder.buf.String(),
			CreatedAt: time.Now().UTC(),
		})
	})
}

type responseRecorder struct {
	http.ResponseWriter
	buf    strings.Builder
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}
