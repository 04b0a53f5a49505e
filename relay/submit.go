package relay

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// MaxTransactionSize is the network's hard cap on a serialized transaction
// (an IPv6 MTU of 1280 minus packet headers).
const MaxTransactionSize = 1232

// SubmitOptions selects the broadcast policy for a single submission.
type SubmitOptions struct {
	// SkipPreflight broadcasts without server-side simulation: lower
	// latency, higher odds of a silently dropped transaction. Appropriate
	// when the caller already simulated client-side.
	SkipPreflight bool
	// SimulateFirst dry-runs the transaction and aborts before broadcast if
	// the simulation reports an error. Used for high-cost operations such
	// as payment release.
	SimulateFirst bool
	// MaxRetries caps the RPC node's own rebroadcast attempts.
	MaxRetries          *uint
	PreflightCommitment CommitmentLevel
}

// Submitter validates a signed transaction blob and broadcasts it through
// the failover executor. Broadcast success only proves the network accepted
// the bytes; outcome determination belongs to the Poller.
type Submitter struct {
	exec *Executor
	log  *slog.Logger
}

// NewSubmitter wires a submitter over the shared executor.
func NewSubmitter(exec *Executor, log *slog.Logger) *Submitter {
	if log == nil {
		log = slog.Default()
	}
	return &Submitter{exec: exec, log: log}
}

// DecodeBase64Transaction decodes and structurally validates a base64
// transaction payload without touching the network.
func DecodeBase64Transaction(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidTransaction)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: not valid base64: %v", ErrInvalidTransaction, err)
	}
	if err := ValidateRawTransaction(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// ValidateRawTransaction enforces the structural checks that are cheap
// enough to run before spending an RPC round-trip: size bounds, a decodable
// wire format, and at least one populated signature slot.
func ValidateRawTransaction(raw []byte) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidTransaction)
	}
	if len(raw) > MaxTransactionSize {
		return fmt.Errorf("%w: %d bytes exceeds maximum of %d", ErrInvalidTransaction, len(raw), MaxTransactionSize)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return fmt.Errorf("%w: undecodable: %v", ErrInvalidTransaction, err)
	}
	if len(tx.Signatures) == 0 {
		return fmt.Errorf("%w: no signatures", ErrInvalidTransaction)
	}
	signed := false
	for _, sig := range tx.Signatures {
		if !sig.IsZero() {
			signed = true
			break
		}
	}
	if !signed {
		return fmt.Errorf("%w: all signature slots empty", ErrInvalidTransaction)
	}
	return nil
}

// Submit validates and broadcasts raw transaction bytes, returning the
// ledger-assigned transaction identifier.
func (s *Submitter) Submit(ctx context.Context, raw []byte, opts SubmitOptions) (string, error) {
	if err := ValidateRawTransaction(raw); err != nil {
		return "", err
	}
	if opts.SimulateFirst {
		sim, err := s.exec.Simulate(ctx, raw)
		if err != nil {
			return "", err
		}
		if sim.Err != nil {
			s.log.Warn("preflight simulation failed", "err", sim.Err)
			return "", &Error{Kind: KindOnChain, Payload: sim.Err, Err: fmt.Errorf("simulation failed: %v", sim.Err)}
		}
	}
	sig, err := s.exec.Send(ctx, raw, SendOptions{
		SkipPreflight:       opts.SkipPreflight,
		PreflightCommitment: opts.PreflightCommitment,
		MaxRetries:          opts.MaxRetries,
	})
	if err != nil {
		return "", err
	}
	s.log.Info("transaction broadcast", "signature", sig, "skip_preflight", opts.SkipPreflight)
	return sig, nil
}

// SubmitBase64 decodes a base64 payload and submits it.
func (s *Submitter) SubmitBase64(ctx context.Context, encoded string, opts SubmitOptions) (string, error) {
	raw, err := DecodeBase64Transaction(encoded)
	if err != nil {
		return "", err
	}
	return s.Submit(ctx, raw, opts)
}
