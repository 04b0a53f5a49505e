package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"solescrow/observability"
)

// Executor walks the pool in priority order and returns the first success.
// No endpoint is retried within a single call and nothing is cached between
// calls; an endpoint that was down is retried from the top on the next call.
type Executor struct {
	pool    *Pool
	log     *slog.Logger
	metrics *observability.RelayMetrics
}

// NewExecutor wires an executor over the shared pool.
func NewExecutor(pool *Pool, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{pool: pool, log: log, metrics: observability.Relay()}
}

// Pool exposes the underlying endpoint list.
func (x *Executor) Pool() *Pool { return x.pool }

// execute runs op against each endpoint in order, short-circuiting on the
// first success or the first terminal error. On exhaustion it returns a
// FailoverError preserving every attempt.
func execute[T any](ctx context.Context, x *Executor, method string, op func(ctx context.Context, cl Client) (T, error)) (T, error) {
	var zero T
	if x == nil || x.pool == nil || x.pool.Len() == 0 {
		return zero, &FailoverError{}
	}
	agg := &FailoverError{}
	for _, ep := range x.pool.Endpoints() {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if !ep.Ready() {
			attempt := &Error{Kind: KindRateLimited, Endpoint: ep.URL, Err: errors.New("local rate limit exceeded")}
			agg.Attempts = append(agg.Attempts, attempt)
			x.observe(method, ep.URL, attempt, 0)
			continue
		}
		start := time.Now()
		out, err := op(ctx, ep.Client())
		if err == nil {
			x.observe(method, ep.URL, nil, time.Since(start))
			return out, nil
		}
		classified := asRelayError(ep.URL, err)
		x.observe(method, ep.URL, classified, time.Since(start))
		agg.Attempts = append(agg.Attempts, classified)
		if !classified.Transient() {
			// A terminal answer from one endpoint is an answer from the
			// ledger; trying another endpoint cannot change it.
			return zero, classified
		}
		x.log.Debug("endpoint failed, trying next",
			"method", method, "endpoint", ep.URL, "kind", classified.Kind.String(), "err", classified.Err)
	}
	return zero, agg
}

// Execute runs an operation that yields no result value.
func (x *Executor) Execute(ctx context.Context, method string, op func(ctx context.Context, cl Client) error) error {
	_, err := execute(ctx, x, method, func(ctx context.Context, cl Client) (struct{}, error) {
		return struct{}{}, op(ctx, cl)
	})
	return err
}

// LatestBlockhash fetches a fresh blockhash, failing over across the pool.
func (x *Executor) LatestBlockhash(ctx context.Context) (Blockhash, error) {
	return execute(ctx, x, "getLatestBlockhash", func(ctx context.Context, cl Client) (Blockhash, error) {
		return cl.LatestBlockhash(ctx)
	})
}

// PrimaryBlockhash fetches a blockhash from the primary endpoint only.
func (x *Executor) PrimaryBlockhash(ctx context.Context) (Blockhash, error) {
	ep := x.pool.Primary()
	bh, err := ep.Client().LatestBlockhash(ctx)
	if err != nil {
		return Blockhash{}, asRelayError(ep.URL, err)
	}
	return bh, nil
}

// AccountBalance combines balance and account info from whichever endpoint
// answers first.
func (x *Executor) AccountBalance(ctx context.Context, address string) (Account, error) {
	return execute(ctx, x, "getBalance", func(ctx context.Context, cl Client) (Account, error) {
		acct, err := cl.AccountInfo(ctx, address)
		if err != nil {
			return Account{}, err
		}
		if !acct.Exists {
			return acct, nil
		}
		lamports, err := cl.Balance(ctx, address)
		if err != nil {
			return Account{}, err
		}
		acct.Lamports = lamports
		return acct, nil
	})
}

// SignatureStatus performs a single-shot status query across the pool.
func (x *Executor) SignatureStatus(ctx context.Context, signature string) (SignatureStatus, error) {
	return execute(ctx, x, "getSignatureStatus", func(ctx context.Context, cl Client) (SignatureStatus, error) {
		return cl.SignatureStatus(ctx, signature)
	})
}

// BlockHeight queries the current block height across the pool.
func (x *Executor) BlockHeight(ctx context.Context) (uint64, error) {
	return execute(ctx, x, "getBlockHeight", func(ctx context.Context, cl Client) (uint64, error) {
		return cl.BlockHeight(ctx)
	})
}

// Send broadcasts raw transaction bytes across the pool.
func (x *Executor) Send(ctx context.Context, raw []byte, opts SendOptions) (string, error) {
	return execute(ctx, x, "sendRawTransaction", func(ctx context.Context, cl Client) (string, error) {
		return cl.SendRawTransaction(ctx, raw, opts)
	})
}

// Simulate dry-runs raw transaction bytes across the pool.
func (x *Executor) Simulate(ctx context.Context, raw []byte) (Simulation, error) {
	return execute(ctx, x, "simulateTransaction", func(ctx context.Context, cl Client) (Simulation, error) {
		return cl.SimulateTransaction(ctx, raw)
	})
}

func (x *Executor) observe(method, endpoint string, failure *Error, dur time.Duration) {
	if x.metrics == nil {
		return
	}
	outcome := "success"
	if failure != nil {
		outcome = failure.Kind.String()
	}
	x.metrics.ObserveCall(endpoint, method, outcome, dur)
}

// asRelayError normalises an op error into a classified *Error. Ops running
// against real clients already return classified errors; fakes in tests may
// return plain errors.
func asRelayError(endpoint string, err error) *Error {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr
	}
	return classify(endpoint, err)
}
