package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"solescrow/observability"
)

// PollOutcome is the terminal state of a confirmation poll.
type PollOutcome int

const (
	// OutcomeConfirmed: the signature landed with no execution error at the
	// requested commitment level.
	OutcomeConfirmed PollOutcome = iota
	// OutcomeFailed: the ledger reports an execution error. Final; an
	// on-chain failure is never retried.
	OutcomeFailed
	// OutcomeNotFound: every attempt was exhausted without a terminal
	// answer. The caller must treat this as status unknown, not failure:
	// broadcast-and-forget submissions carry no delivery guarantee.
	OutcomeNotFound
)

func (o PollOutcome) String() string {
	switch o {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeFailed:
		return "failed"
	case OutcomeNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// PollResult reports how a poll terminated. Err carries the ledger error
// payload when Outcome is OutcomeFailed.
type PollResult struct {
	Outcome  PollOutcome
	Slot     uint64
	Level    CommitmentLevel
	Err      interface{}
	Attempts int
}

// ErrBlockhashExpired is returned by WaitWithBlockhash once the chain height
// passes lastValidBlockHeight without the signature landing.
var ErrBlockhashExpired = errors.New("relay: blockhash expired before confirmation")

// Poller resolves a submitted signature into a terminal outcome with a
// bounded number of status queries. Transient RPC-access failures consume an
// attempt and continue; genuine ledger outcomes stop the loop immediately.
type Poller struct {
	exec     *Executor
	attempts int
	interval time.Duration
	target   CommitmentLevel
	log      *slog.Logger
	metrics  *observability.RelayMetrics
	sleep    func(ctx context.Context, d time.Duration) error
}

const (
	defaultPollAttempts = 10
	defaultPollInterval = time.Second
	maxPollInterval     = 3 * time.Second
)

// NewPoller builds a poller. Zero values fall back to defaults; the interval
// is capped so a misconfigured service cannot stall requests.
func NewPoller(exec *Executor, attempts int, interval time.Duration, target CommitmentLevel, log *slog.Logger) *Poller {
	if attempts <= 0 {
		attempts = defaultPollAttempts
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if interval > maxPollInterval {
		interval = maxPollInterval
	}
	if target == "" {
		target = CommitmentConfirmed
	}
	if log == nil {
		log = slog.Default()
	}
	return &Poller{
		exec:     exec,
		attempts: attempts,
		interval: interval,
		target:   target,
		log:      log,
		metrics:  observability.Relay(),
		sleep:    sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Wait polls the signature status until a terminal outcome or attempt
// exhaustion. Context cancellation aborts between attempts and is returned
// as an error; exhaustion is not an error, it is OutcomeNotFound.
func (p *Poller) Wait(ctx context.Context, signature string) (PollResult, error) {
	result := PollResult{Outcome: OutcomeNotFound}
	for attempt := 1; attempt <= p.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Attempts = attempt
		status, err := p.exec.SignatureStatus(ctx, signature)
		switch {
		case err != nil:
			if terminal := p.terminalQueryError(err); terminal != nil {
				return result, terminal
			}
			// Access or transport failure on every endpoint. Not a ledger
			// answer; keep polling.
			p.log.Debug("status query failed, continuing", "signature", signature, "attempt", attempt, "err", err)
		case status.Found && status.Err != nil:
			result.Outcome = OutcomeFailed
			result.Slot = status.Slot
			result.Err = status.Err
			p.observe(result)
			return result, nil
		case status.Found && status.Level.Satisfies(p.target):
			result.Outcome = OutcomeConfirmed
			result.Slot = status.Slot
			result.Level = status.Level
			p.observe(result)
			return result, nil
		default:
			// Absent or below the requested commitment; it may not have
			// propagated yet.
		}
		if attempt < p.attempts {
			if err := p.sleep(ctx, p.interval); err != nil {
				return result, err
			}
		}
	}
	p.observe(result)
	return result, nil
}

// blockhashAttemptsFactor widens the attempt budget for blockhash-bounded
// polls: the expiry window is the intended bound, but the loop still needs a
// hard cap for when every endpoint is down and the height check cannot run.
const blockhashAttemptsFactor = 6

// WaitWithBlockhash polls until the requested commitment is reached or the
// chain height passes lastValidBlockHeight, whichever comes first. This is
// the ledger-native confirmation bound: once the blockhash expires the
// transaction can no longer land. The loop additionally carries its own
// attempt cap so unreachable endpoints cannot keep a server-side retry loop
// alive for as long as the caller stays connected; exhaustion yields
// OutcomeNotFound, same as Wait.
func (p *Poller) WaitWithBlockhash(ctx context.Context, signature string, lastValidBlockHeight uint64) (PollResult, error) {
	result := PollResult{Outcome: OutcomeNotFound}
	maxAttempts := p.attempts * blockhashAttemptsFactor
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Attempts = attempt
		status, err := p.exec.SignatureStatus(ctx, signature)
		if err == nil {
			switch {
			case status.Found && status.Err != nil:
				result.Outcome = OutcomeFailed
				result.Slot = status.Slot
				result.Err = status.Err
				p.observe(result)
				return result, nil
			case status.Found && status.Level.Satisfies(p.target):
				result.Outcome = OutcomeConfirmed
				result.Slot = status.Slot
				result.Level = status.Level
				p.observe(result)
				return result, nil
			}
		} else if terminal := p.terminalQueryError(err); terminal != nil {
			return result, terminal
		}
		height, err := p.exec.BlockHeight(ctx)
		if err == nil && height > lastValidBlockHeight {
			p.observe(result)
			return result, fmt.Errorf("%w: height %d past %d", ErrBlockhashExpired, height, lastValidBlockHeight)
		}
		if attempt < maxAttempts {
			if err := p.sleep(ctx, p.interval); err != nil {
				return result, err
			}
		}
	}
	p.observe(result)
	return result, nil
}

// terminalQueryError reports whether a status-query failure ends the poll:
// context cancellation and terminal classifications (a structurally invalid
// signature, for instance) cannot improve with further attempts. Transient
// access failures return nil and the poll continues.
func (p *Poller) terminalQueryError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var relayErr *Error
	if errors.As(err, &relayErr) && !relayErr.Transient() {
		return err
	}
	return nil
}

func (p *Poller) observe(result PollResult) {
	if p.metrics != nil {
		p.metrics.ObservePoll(result.Outcome.String(), result.Attempts)
	}
}
