package relay

import (
	"context"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// CommitmentLevel names the durability tier requested from the ledger.
type CommitmentLevel string

const (
	CommitmentProcessed CommitmentLevel = "processed"
	CommitmentConfirmed CommitmentLevel = "confirmed"
	CommitmentFinalized CommitmentLevel = "finalized"
)

func (c CommitmentLevel) rpc() rpc.CommitmentType {
	switch c {
	case CommitmentProcessed:
		return rpc.CommitmentProcessed
	case CommitmentFinalized:
		return rpc.CommitmentFinalized
	default:
		return rpc.CommitmentConfirmed
	}
}

// Satisfies reports whether an observed confirmation level meets the
// requested one. Finalized satisfies confirmed, confirmed satisfies
// processed.
func (c CommitmentLevel) Satisfies(target CommitmentLevel) bool {
	rank := func(l CommitmentLevel) int {
		switch l {
		case CommitmentProcessed:
			return 0
		case CommitmentConfirmed:
			return 1
		case CommitmentFinalized:
			return 2
		default:
			return -1
		}
	}
	return rank(c) >= rank(target)
}

// Blockhash is a recent ledger checkpoint plus the height after which it is
// no longer accepted. Single use: fetch fresh per submission.
type Blockhash struct {
	Hash                 string
	LastValidBlockHeight uint64
	Slot                 uint64
}

// Account is the subset of on-ledger account state the relay surfaces.
type Account struct {
	Exists   bool
	Lamports uint64
	Owner    string
}

// SignatureStatus is the closed-variant result of a status query. Found is
// false when the ledger has no record of the signature yet; Err carries the
// execution error payload when the transaction landed but failed.
type SignatureStatus struct {
	Found         bool
	Slot          uint64
	Confirmations *uint64
	Level         CommitmentLevel
	Err           interface{}
}

// Simulation is the result of a preflight dry run.
type Simulation struct {
	Err  interface{}
	Logs []string
}

// SendOptions tunes a broadcast. MaxRetries caps the RPC node's own
// rebroadcast attempts, not ours.
type SendOptions struct {
	SkipPreflight       bool
	PreflightCommitment CommitmentLevel
	MaxRetries          *uint
}

// Client is the uniform call surface issued against a single endpoint.
// Implemented for real endpoints by solanaClient and by fakes in tests.
type Client interface {
	LatestBlockhash(ctx context.Context) (Blockhash, error)
	Balance(ctx context.Context, address string) (uint64, error)
	AccountInfo(ctx context.Context, address string) (Account, error)
	SendRawTransaction(ctx context.Context, raw []byte, opts SendOptions) (string, error)
	SignatureStatus(ctx context.Context, signature string) (SignatureStatus, error)
	BlockHeight(ctx context.Context) (uint64, error)
	SimulateTransaction(ctx context.Context, raw []byte) (Simulation, error)
}

// solanaClient adapts a gagliardetto rpc.Client to the Client surface and
// classifies every error on the way out.
type solanaClient struct {
	url        string
	cl         *rpc.Client
	commitment CommitmentLevel
}

func newSolanaClient(url string, commitment CommitmentLevel) *solanaClient {
	return &solanaClient{url: url, cl: rpc.New(url), commitment: commitment}
}

func (c *solanaClient) LatestBlockhash(ctx context.Context) (Blockhash, error) {
	out, err := c.cl.GetLatestBlockhash(ctx, c.commitment.rpc())
	if err != nil {
		return Blockhash{}, classify(c.url, err)
	}
	if out == nil || out.Value == nil {
		return Blockhash{}, classify(c.url, errors.New("empty blockhash response"))
	}
	return Blockhash{
		Hash:                 out.Value.Blockhash.String(),
		LastValidBlockHeight: out.Value.LastValidBlockHeight,
		Slot:                 out.Context.Slot,
	}, nil
}

func (c *solanaClient) Balance(ctx context.Context, address string) (uint64, error) {
	pub, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return 0, &Error{Kind: KindInvalidTransaction, Endpoint: c.url, Err: fmt.Errorf("invalid address: %w", err)}
	}
	out, err := c.cl.GetBalance(ctx, pub, c.commitment.rpc())
	if err != nil {
		return 0, classify(c.url, err)
	}
	return out.Value, nil
}

func (c *solanaClient) AccountInfo(ctx context.Context, address string) (Account, error) {
	pub, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return Account{}, &Error{Kind: KindInvalidTransaction, Endpoint: c.url, Err: fmt.Errorf("invalid address: %w", err)}
	}
	out, err := c.cl.GetAccountInfoWithOpts(ctx, pub, &rpc.GetAccountInfoOpts{Commitment: c.commitment.rpc()})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return Account{Exists: false}, nil
		}
		return Account{}, classify(c.url, err)
	}
	if out == nil || out.Value == nil {
		return Account{Exists: false}, nil
	}
	return Account{
		Exists:   true,
		Lamports: out.Value.Lamports,
		Owner:    out.Value.Owner.String(),
	}, nil
}

func (c *solanaClient) SendRawTransaction(ctx context.Context, raw []byte, opts SendOptions) (string, error) {
	preflight := opts.PreflightCommitment
	if preflight == "" {
		preflight = c.commitment
	}
	sig, err := c.cl.SendRawTransactionWithOpts(ctx, raw, rpc.TransactionOpts{
		SkipPreflight:       opts.SkipPreflight,
		PreflightCommitment: preflight.rpc(),
		MaxRetries:          opts.MaxRetries,
	})
	if err != nil {
		return "", classify(c.url, err)
	}
	return sig.String(), nil
}

func (c *solanaClient) SignatureStatus(ctx context.Context, signature string) (SignatureStatus, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return SignatureStatus{}, &Error{Kind: KindInvalidTransaction, Endpoint: c.url, Err: fmt.Errorf("invalid signature: %w", err)}
	}
	out, err := c.cl.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return SignatureStatus{}, classify(c.url, err)
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return SignatureStatus{Found: false}, nil
	}
	st := out.Value[0]
	return SignatureStatus{
		Found:         true,
		Slot:          st.Slot,
		Confirmations: st.Confirmations,
		Level:         CommitmentLevel(st.ConfirmationStatus),
		Err:           st.Err,
	}, nil
}

func (c *solanaClient) BlockHeight(ctx context.Context) (uint64, error) {
	height, err := c.cl.GetBlockHeight(ctx, c.commitment.rpc())
	if err != nil {
		return 0, classify(c.url, err)
	}
	return height, nil
}

func (c *solanaClient) SimulateTransaction(ctx context.Context, raw []byte) (Simulation, error) {
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return Simulation{}, &Error{Kind: KindInvalidTransaction, Endpoint: c.url, Err: fmt.Errorf("decode transaction: %w", err)}
	}
	out, err := c.cl.SimulateTransactionWithOpts(ctx, tx, &rpc.SimulateTransactionOpts{
		Commitment: c.commitment.rpc(),
	})
	if err != nil {
		return Simulation{}, classify(c.url, err)
	}
	if out == nil || out.Value == nil {
		return Simulation{}, nil
	}
	return Simulation{Err: out.Value.Err, Logs: out.Value.Logs}, nil
}
