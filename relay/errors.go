package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

// ErrorKind classifies RPC failures into the closed set the rest of the
// relay dispatches on. Classification happens once, at the adapter boundary;
// callers never inspect error strings.
type ErrorKind int

const (
	// KindUnavailable covers transport failures, timeouts and any other
	// condition where the endpoint could not service the call. Transient:
	// the failover executor moves on to the next endpoint.
	KindUnavailable ErrorKind = iota
	// KindRateLimited covers HTTP 403/429 style access rejections from
	// public endpoints. Transient for polling purposes.
	KindRateLimited
	// KindInvalidTransaction covers structural rejections detected before
	// any network call (empty payload, oversize, undecodable). Never retried.
	KindInvalidTransaction
	// KindOnChain covers errors reported by the ledger itself, either from
	// a preflight simulation or from an executed transaction. Terminal.
	KindOnChain
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindRateLimited:
		return "rate_limited"
	case KindInvalidTransaction:
		return "invalid_transaction"
	case KindOnChain:
		return "on_chain"
	default:
		return "unknown"
	}
}

// Error is the classified form every relay operation returns on failure.
type Error struct {
	Kind     ErrorKind
	Endpoint string
	// Payload carries the ledger error object for KindOnChain errors so the
	// caller can surface it without re-querying.
	Payload interface{}
	Err     error
}

func (e *Error) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("relay: %s (%s): %v", e.Kind, e.Endpoint, e.Err)
	}
	return fmt.Sprintf("relay: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether the failure class may be retried against another
// endpoint or on a later poll attempt.
func (e *Error) Transient() bool {
	return e.Kind == KindUnavailable || e.Kind == KindRateLimited
}

// ErrInvalidTransaction is the sentinel wrapped by structural rejections.
var ErrInvalidTransaction = errors.New("relay: invalid transaction")

// classify wraps an error returned by a solana-go RPC call into a typed
// relay error. JSON-RPC level errors carry a ledger error object and are
// terminal; HTTP access errors and transport failures are transient.
func classify(endpoint string, err error) *Error {
	var httpErr *jsonrpc.HTTPError
	if errors.As(err, &httpErr) {
		kind := KindUnavailable
		if httpErr.Code == 403 || httpErr.Code == 429 {
			kind = KindRateLimited
		}
		return &Error{Kind: kind, Endpoint: endpoint, Err: err}
	}
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return &Error{Kind: KindOnChain, Endpoint: endpoint, Payload: rpcErr.Data, Err: err}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindUnavailable, Endpoint: endpoint, Err: err}
	}
	return &Error{Kind: KindUnavailable, Endpoint: endpoint, Err: err}
}

// FailoverError aggregates the per-endpoint failures collected while a call
// walked the pool. The last underlying error is preserved for unwrapping.
type FailoverError struct {
	Attempts []*Error
}

func (e *FailoverError) Error() string {
	if len(e.Attempts) == 0 {
		return "relay: no endpoints configured"
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, attempt := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", attempt.Endpoint, attempt.Err))
	}
	return fmt.Sprintf("relay: all %d endpoints failed: %s", len(e.Attempts), strings.Join(parts, "; "))
}

// Unwrap exposes the last underlying error.
func (e *FailoverError) Unwrap() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1]
}

// Transient reports whether every recorded failure was transient. A single
// terminal failure (an on-chain rejection, for instance) makes the aggregate
// terminal as well.
func (e *FailoverError) Transient() bool {
	for _, attempt := range e.Attempts {
		if !attempt.Transient() {
			return false
		}
	}
	return len(e.Attempts) > 0
}
