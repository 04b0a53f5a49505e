package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"solescrow/observability"
	"solescrow/relay"
)

// ProjectStatusInProgress is the only project state in which funds may be
// released.
const ProjectStatusInProgress = "in_progress"

// TransactionSubmitter broadcasts validated transaction bytes. Satisfied by
// relay.Submitter.
type TransactionSubmitter interface {
	Submit(ctx context.Context, raw []byte, opts relay.SubmitOptions) (string, error)
}

// ConfirmationPoller resolves a broadcast signature into a terminal poll
// result. Satisfied by relay.Poller.
type ConfirmationPoller interface {
	Wait(ctx context.Context, signature string) (relay.PollResult, error)
}

// ChallengeVerifier checks a wallet's signed challenge. Satisfied by
// auth.Authenticator.
type ChallengeVerifier interface {
	Verify(ctx context.Context, wallet, token, signature string) bool
}

// Engine owns the escrow lifecycle. It is the only writer of escrow status:
// transitions commit exclusively after a confirmed ledger outcome, and every
// write is conditional on the status the guards observed.
type Engine struct {
	store     Store
	projects  ProjectDirectory
	submitter TransactionSubmitter
	poller    ConfirmationPoller
	verifier  ChallengeVerifier
	log       *slog.Logger
	metrics   *observability.EscrowMetrics
	nowFn     func() time.Time
}

// NewEngine wires the lifecycle engine. projects may be nil when no external
// project directory exists, in which case the project-state guard is skipped.
func NewEngine(store Store, projects ProjectDirectory, submitter TransactionSubmitter, poller ConfirmationPoller, verifier ChallengeVerifier, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:     store,
		projects:  projects,
		submitter: submitter,
		poller:    poller,
		verifier:  verifier,
		log:       log,
		metrics:   observability.Escrow(),
		nowFn:     time.Now,
	}
}

// CreateParams describes a new pending escrow.
type CreateParams struct {
	ProjectID        string
	ClientWallet     string
	FreelancerWallet string
	Amount           uint64
	PlatformFee      uint64
	PaymentCurrency  string
	EscrowAccount    string
}

// Create records a pending escrow. No funds move here; funding is proven
// on-ledger and committed by Fund.
func (e *Engine) Create(ctx context.Context, params CreateParams) (*Escrow, error) {
	if strings.TrimSpace(params.ProjectID) == "" {
		return nil, fmt.Errorf("escrow: project id required")
	}
	if strings.TrimSpace(params.ClientWallet) == "" {
		return nil, fmt.Errorf("escrow: client wallet required")
	}
	if params.Amount == 0 {
		return nil, fmt.Errorf("escrow: amount required")
	}
	currency := params.PaymentCurrency
	if currency == "" {
		currency = "SOL"
	}
	record := &Escrow{
		ID:               uuid.New(),
		ProjectID:        strings.TrimSpace(params.ProjectID),
		ClientWallet:     strings.TrimSpace(params.ClientWallet),
		FreelancerWallet: strings.TrimSpace(params.FreelancerWallet),
		Amount:           params.Amount,
		PlatformFee:      params.PlatformFee,
		TotalLocked:      params.Amount + params.PlatformFee,
		PaymentCurrency:  currency,
		EscrowAccount:    strings.TrimSpace(params.EscrowAccount),
		Status:           StatusPending,
	}
	if err := e.store.Create(ctx, record); err != nil {
		return nil, err
	}
	e.log.Info("escrow created", "escrow_id", record.ID, "project_id", record.ProjectID, "total_locked", record.TotalLocked)
	return record, nil
}

// Get loads a record.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*Escrow, error) {
	return e.store.Get(ctx, id)
}

// Fund confirms the funding transaction on-ledger and commits
// pending→funded. The signature must already have been broadcast by the
// client's wallet; the engine only verifies the outcome.
func (e *Engine) Fund(ctx context.Context, id uuid.UUID, signature string) (*Escrow, error) {
	if strings.TrimSpace(signature) == "" {
		return nil, fmt.Errorf("escrow: funding signature required")
	}
	record, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.Status != StatusPending {
		e.reject("fund", "invalid_status")
		if record.Status == StatusFunded {
			return nil, fmt.Errorf("%w: already funded", ErrInvalidStatus)
		}
		return nil, fmt.Errorf("%w: status %q", ErrInvalidStatus, record.Status)
	}
	result, err := e.poller.Wait(ctx, signature)
	if err != nil {
		return nil, err
	}
	switch result.Outcome {
	case relay.OutcomeConfirmed:
	case relay.OutcomeFailed:
		e.reject("fund", "on_chain_failure")
		return nil, &relay.Error{Kind: relay.KindOnChain, Payload: result.Err, Err: fmt.Errorf("funding transaction failed: %v", result.Err)}
	default:
		e.reject("fund", "outcome_unknown")
		return nil, fmt.Errorf("%w: signature %s", ErrOutcomeUnknown, signature)
	}
	now := e.nowFn().UTC()
	err = e.store.Transition(ctx, id, StatusPending, StatusFunded, map[string]any{
		"transaction_signature": signature,
		"funded_at":             now,
	})
	if err != nil {
		return nil, err
	}
	e.transition(StatusPending, StatusFunded)
	e.log.Info("escrow funded", "escrow_id", id, "signature", signature, "slot", result.Slot)
	return e.store.Get(ctx, id)
}

// ReleaseRequest carries everything a release needs: the caller's claimed
// wallet, the signed challenge proving key possession, and the signed
// release transaction built by the caller's wallet.
type ReleaseRequest struct {
	Wallet    string
	Token     string
	Signature string
	// Transaction is the base64-encoded signed release transaction.
	Transaction string
}

// Release drives the full funded→released flow: guard checks, challenge
// verification, simulate-first broadcast, bounded confirmation, and a
// conditional commit. A release that never confirms leaves the record in
// funded; the record changes only on a confirmed terminal outcome.
func (e *Engine) Release(ctx context.Context, id uuid.UUID, req ReleaseRequest) (*Escrow, error) {
	record, err := e.store.Get(ctx, id)
	if err != nil {
		e.reject("release", "not_found")
		return nil, err
	}
	if strings.TrimSpace(record.EscrowAccount) == "" {
		e.reject("release", "no_escrow_account")
		return nil, ErrNoEscrowAccount
	}
	switch record.Status {
	case StatusFunded:
	case StatusReleased:
		e.reject("release", "already_released")
		return nil, ErrAlreadyReleased
	case StatusPending:
		e.reject("release", "not_yet_funded")
		return nil, ErrNotYetFunded
	default:
		e.reject("release", "invalid_status")
		return nil, fmt.Errorf("%w: status %q", ErrInvalidStatus, record.Status)
	}
	wallet := strings.TrimSpace(req.Wallet)
	if wallet == "" || wallet != record.ClientWallet {
		e.reject("release", "wallet_mismatch")
		return nil, ErrUnauthorized
	}
	if err := e.checkProject(ctx, record.ProjectID); err != nil {
		e.reject("release", "project_state")
		return nil, err
	}
	// Address equality alone proves nothing; the caller must demonstrate
	// possession of the client key over a fresh challenge.
	if e.verifier == nil || !e.verifier.Verify(ctx, wallet, req.Token, req.Signature) {
		e.reject("release", "challenge_failed")
		return nil, ErrUnauthorized
	}

	raw, err := relay.DecodeBase64Transaction(req.Transaction)
	if err != nil {
		e.reject("release", "invalid_transaction")
		return nil, err
	}
	sig, err := e.submitter.Submit(ctx, raw, relay.SubmitOptions{SimulateFirst: true})
	if err != nil {
		return nil, err
	}
	result, err := e.poller.Wait(ctx, sig)
	if err != nil {
		return nil, err
	}
	switch result.Outcome {
	case relay.OutcomeConfirmed:
	case relay.OutcomeFailed:
		e.reject("release", "on_chain_failure")
		e.log.Warn("release transaction failed on chain", "escrow_id", id, "signature", sig, "err", result.Err)
		return nil, &relay.Error{Kind: relay.KindOnChain, Payload: result.Err, Err: fmt.Errorf("release transaction failed: %v", result.Err)}
	default:
		e.reject("release", "outcome_unknown")
		e.log.Warn("release outcome unknown after polling", "escrow_id", id, "signature", sig, "attempts", result.Attempts)
		return nil, fmt.Errorf("%w: signature %s", ErrOutcomeUnknown, sig)
	}
	now := e.nowFn().UTC()
	err = e.store.Transition(ctx, id, StatusFunded, StatusReleased, map[string]any{
		"transaction_signature": sig,
		"released_at":           now,
	})
	if err != nil {
		// Another request moved the record between our guard read and the
		// commit. The ledger transfer happened exactly once either way.
		if errors.Is(err, ErrConflict) {
			e.reject("release", "conflict")
			return nil, ErrAlreadyReleased
		}
		return nil, err
	}
	e.transition(StatusFunded, StatusReleased)
	e.log.Info("escrow released", "escrow_id", id, "signature", sig, "slot", result.Slot)
	return e.store.Get(ctx, id)
}

// Dispute moves a funded escrow to disputed. Either party may open a
// dispute, but the caller must prove possession of the wallet it claims.
func (e *Engine) Dispute(ctx context.Context, id uuid.UUID, wallet, token, signature string) (*Escrow, error) {
	record, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.Status != StatusFunded {
		e.reject("dispute", "invalid_status")
		return nil, fmt.Errorf("%w: status %q", ErrInvalidStatus, record.Status)
	}
	trimmed := strings.TrimSpace(wallet)
	if trimmed != record.ClientWallet && (record.FreelancerWallet == "" || trimmed != record.FreelancerWallet) {
		e.reject("dispute", "wallet_mismatch")
		return nil, ErrUnauthorized
	}
	if e.verifier == nil || !e.verifier.Verify(ctx, trimmed, token, signature) {
		e.reject("dispute", "challenge_failed")
		return nil, ErrUnauthorized
	}
	if err := e.store.Transition(ctx, id, StatusFunded, StatusDisputed, nil); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("%w: record moved concurrently", ErrInvalidStatus)
		}
		return nil, err
	}
	e.transition(StatusFunded, StatusDisputed)
	e.log.Info("escrow disputed", "escrow_id", id, "wallet", trimmed)
	return e.store.Get(ctx, id)
}

// Refund confirms an on-chain refund transaction and commits
// funded→refunded. The flow mirrors Release except funds return to the
// client, so only the client wallet may authorize it.
func (e *Engine) Refund(ctx context.Context, id uuid.UUID, req ReleaseRequest) (*Escrow, error) {
	record, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(record.EscrowAccount) == "" {
		e.reject("refund", "no_escrow_account")
		return nil, ErrNoEscrowAccount
	}
	if record.Status != StatusFunded {
		e.reject("refund", "invalid_status")
		if record.Status == StatusReleased {
			return nil, ErrAlreadyReleased
		}
		return nil, fmt.Errorf("%w: status %q", ErrInvalidStatus, record.Status)
	}
	wallet := strings.TrimSpace(req.Wallet)
	if wallet == "" || wallet != record.ClientWallet {
		e.reject("refund", "wallet_mismatch")
		return nil, ErrUnauthorized
	}
	if e.verifier == nil || !e.verifier.Verify(ctx, wallet, req.Token, req.Signature) {
		e.reject("refund", "challenge_failed")
		return nil, ErrUnauthorized
	}
	raw, err := relay.DecodeBase64Transaction(req.Transaction)
	if err != nil {
		e.reject("refund", "invalid_transaction")
		return nil, err
	}
	sig, err := e.submitter.Submit(ctx, raw, relay.SubmitOptions{SimulateFirst: true})
	if err != nil {
		return nil, err
	}
	result, err := e.poller.Wait(ctx, sig)
	if err != nil {
		return nil, err
	}
	switch result.Outcome {
	case relay.OutcomeConfirmed:
	case relay.OutcomeFailed:
		e.reject("refund", "on_chain_failure")
		return nil, &relay.Error{Kind: relay.KindOnChain, Payload: result.Err, Err: fmt.Errorf("refund transaction failed: %v", result.Err)}
	default:
		e.reject("refund", "outcome_unknown")
		return nil, fmt.Errorf("%w: signature %s", ErrOutcomeUnknown, sig)
	}
	err = e.store.Transition(ctx, id, StatusFunded, StatusRefunded, map[string]any{
		"transaction_signature": sig,
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("%w: record moved concurrently", ErrInvalidStatus)
		}
		return nil, err
	}
	e.transition(StatusFunded, StatusRefunded)
	e.log.Info("escrow refunded", "escrow_id", id, "signature", sig)
	return e.store.Get(ctx, id)
}

func (e *Engine) checkProject(ctx context.Context, projectID string) error {
	if e.projects == nil {
		return nil
	}
	status, err := e.projects.ProjectStatus(ctx, projectID)
	if err != nil {
		return fmt.Errorf("escrow: resolve project state: %w", err)
	}
	if status != ProjectStatusInProgress {
		return fmt.Errorf("%w: project status %q", ErrInvalidProjectState, status)
	}
	return nil
}

func (e *Engine) transition(from, to Status) {
	if e.metrics != nil {
		e.metrics.RecordTransition(string(from), string(to))
	}
}

func (e *Engine) reject(operation, reason string) {
	if e.metrics != nil {
		e.metrics.RecordRejection(operation, reason)
	}
}
