package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"solescrow/auth"
	"solescrow/escrow"
	"solescrow/relay"
)

const maxRequestBody = 64 * 1024

// lamportsPerSol converts raw balances for display.
const lamportsPerSol = 1_000_000_000

// Server is the HTTP surface over the relay primitives and the escrow
// engine.
type Server struct {
	exec          *relay.Executor
	submitter     *relay.Submitter
	engine        *escrow.Engine
	authenticator *auth.Authenticator
	store         *escrow.GormStore
	log           *slog.Logger

	pollAttempts int
	pollInterval time.Duration
	commitment   relay.CommitmentLevel

	router chi.Router
}

// NewServer wires the routes. store may be nil in tests that exercise only
// the relay routes.
func NewServer(exec *relay.Executor, submitter *relay.Submitter, engine *escrow.Engine, authenticator *auth.Authenticator, store *escrow.GormStore, pollAttempts int, pollInterval time.Duration, commitment relay.CommitmentLevel, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		exec:          exec,
		submitter:     submitter,
		engine:        engine,
		authenticator: authenticator,
		store:         store,
		log:           log,
		pollAttempts:  pollAttempts,
		pollInterval:  pollInterval,
		commitment:    commitment,
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(corsMiddleware)

	r.Post("/blockhash", s.handleBlockhash)
	r.Post("/account-balance", s.handleAccountBalance)
	r.Post("/verify-transaction", s.handleVerifyTransaction)
	r.Post("/confirm-transaction", s.handleConfirmTransaction)
	r.Post("/send-transaction", s.handleSendTransaction)

	r.Post("/challenge", s.handleChallenge)

	if engine != nil {
		r.Post("/escrow", s.handleEscrowCreate)
		r.Get("/escrow/{id}", s.handleEscrowGet)
		r.Post("/escrow/{id}/fund", s.handleEscrowFund)
		r.With(s.idempotent).Post("/escrow/{id}/release", s.handleEscrowRelease)
		r.Post("/escrow/{id}/dispute", s.handleEscrowDispute)
		r.With(s.idempotent).Post("/escrow/{id}/refund", s.handleEscrowRefund)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) idempotent(next http.Handler) http.Handler {
	if s.store == nil {
		return next
	}
	return withIdempotency(s.store, next)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, maxRequestBody+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("read request body: %w", err))
		return false
	}
	if len(data) > maxRequestBody {
		s.writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("request body exceeds %d bytes", maxRequestBody))
		return false
	}
	if len(data) == 0 {
		return true
	}
	if err := json.Unmarshal(data, dst); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err))
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError renders a terminal failure. Messages are user-facing; endpoint
// URLs and internals must not leak through here.
func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeDomainError maps taxonomy errors onto HTTP statuses. An unknown
// outcome maps to 504 and is never coerced into success or failure.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var relayErr *relay.Error
	var failover *relay.FailoverError
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, escrow.ErrUnauthorized):
		s.writeError(w, http.StatusUnauthorized, err)
	case errors.Is(err, escrow.ErrAlreadyReleased),
		errors.Is(err, escrow.ErrNotYetFunded),
		errors.Is(err, escrow.ErrNoEscrowAccount),
		errors.Is(err, escrow.ErrInvalidStatus),
		errors.Is(err, escrow.ErrInvalidProjectState),
		errors.Is(err, escrow.ErrConflict):
		s.writeError(w, http.StatusConflict, err)
	case errors.Is(err, escrow.ErrOutcomeUnknown):
		s.writeError(w, http.StatusGatewayTimeout, err)
	case errors.Is(err, relay.ErrInvalidTransaction):
		s.writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, relay.ErrBlockhashExpired):
		s.writeError(w, http.StatusGatewayTimeout, err)
	case errors.As(err, &failover):
		s.writeError(w, http.StatusServiceUnavailable, errors.New("all ledger endpoints unavailable"))
	case errors.As(err, &relayErr):
		switch relayErr.Kind {
		case relay.KindOnChain:
			s.writeError(w, http.StatusUnprocessableEntity, err)
		case relay.KindInvalidTransaction:
			s.writeError(w, http.StatusBadRequest, err)
		default:
			s.writeError(w, http.StatusServiceUnavailable, errors.New("ledger endpoint unavailable"))
		}
	default:
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleBlockhash(w http.ResponseWriter, r *http.Request) {
	bh, err := s.exec.PrimaryBlockhash(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"blockhash":            bh.Hash,
		"lastValidBlockHeight": bh.LastValidBlockHeight,
	})
}

func (s *Server) handleAccountBalance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Address) == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("address required"))
		return
	}
	account, err := s.exec.AccountBalance(r.Context(), req.Address)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"balance":       account.Lamports,
		"balanceSOL":    float64(account.Lamports) / lamportsPerSol,
		"accountExists": account.Exists,
		"owner":         account.Owner,
	})
}

func (s *Server) handleVerifyTransaction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Signature string `json:"signature"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Signature) == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("signature required"))
		return
	}
	status, err := s.exec.SignatureStatus(r.Context(), req.Signature)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	resp := map[string]any{"confirmed": false}
	switch {
	case !status.Found:
	case status.Err != nil:
		resp["transactionFailed"] = true
		resp["error"] = fmt.Sprintf("%v", status.Err)
	case status.Level.Satisfies(s.commitment):
		resp["confirmed"] = true
		resp["confirmationStatus"] = string(status.Level)
	default:
		resp["confirmationStatus"] = string(status.Level)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConfirmTransaction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Signature            string `json:"signature"`
		Blockhash            string `json:"blockhash"`
		LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
		Commitment           string `json:"commitment"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Signature) == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("signature required"))
		return
	}
	if req.LastValidBlockHeight == 0 {
		s.writeError(w, http.StatusBadRequest, errors.New("lastValidBlockHeight required"))
		return
	}
	target := s.commitment
	if req.Commitment != "" {
		switch relay.CommitmentLevel(req.Commitment) {
		case relay.CommitmentProcessed, relay.CommitmentConfirmed, relay.CommitmentFinalized:
			target = relay.CommitmentLevel(req.Commitment)
		default:
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("unknown commitment level %q", req.Commitment))
			return
		}
	}
	poller := relay.NewPoller(s.exec, s.pollAttempts, s.pollInterval, target, s.log)
	result, err := poller.WaitWithBlockhash(r.Context(), req.Signature, req.LastValidBlockHeight)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	switch result.Outcome {
	case relay.OutcomeConfirmed:
		s.writeJSON(w, http.StatusOK, map[string]any{"confirmed": true, "slot": result.Slot})
	case relay.OutcomeFailed:
		s.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"confirmed": false,
			"error":     fmt.Sprintf("transaction failed: %v", result.Err),
		})
	default:
		s.writeError(w, http.StatusGatewayTimeout, errors.New("transaction outcome unknown, please verify"))
	}
}

func (s *Server) handleSendTransaction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Transaction string `json:"transaction"`
		Options     struct {
			SkipPreflight bool  `json:"skipPreflight"`
			SimulateFirst bool  `json:"simulateFirst"`
			MaxRetries    *uint `json:"maxRetries"`
		} `json:"options"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	sig, err := s.submitter.SubmitBase64(r.Context(), req.Transaction, relay.SubmitOptions{
		SkipPreflight: req.Options.SkipPreflight,
		SimulateFirst: req.Options.SimulateFirst,
		MaxRetries:    req.Options.MaxRetries,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"signature": sig})
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Wallet string `json:"wallet"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	challenge, err := s.authenticator.Challenge(req.Wallet)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, challenge)
}

func (s *Server) handleEscrowCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectID        string `json:"projectId"`
		ClientWallet     string `json:"clientWallet"`
		FreelancerWallet string `json:"freelancerWallet"`
		Amount           uint64 `json:"amount"`
		PlatformFee      uint64 `json:"platformFee"`
		PaymentCurrency  string `json:"paymentCurrency"`
		EscrowAccount    string `json:"escrowAccount"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	record, err := s.engine.Create(r.Context(), escrow.CreateParams{
		ProjectID:        req.ProjectID,
		ClientWallet:     req.ClientWallet,
		FreelancerWallet: req.FreelancerWallet,
		Amount:           req.Amount,
		PlatformFee:      req.PlatformFee,
		PaymentCurrency:  req.PaymentCurrency,
		EscrowAccount:    req.EscrowAccount,
	})
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, record)
}

func (s *Server) escrowID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid escrow id"))
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.escrowID(w, r)
	if !ok {
		return
	}
	record, err := s.engine.Get(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleEscrowFund(w http.ResponseWriter, r *http.Request) {
	id, ok := s.escrowID(w, r)
	if !ok {
		return
	}
	var req struct {
		Signature string `json:"signature"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	record, err := s.engine.Fund(r.Context(), id, req.Signature)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.audit(r, record.ClientWallet, "fund", fmt.Sprintf("escrow %s funded by %s", id, req.Signature))
	s.writeJSON(w, http.StatusOK, record)
}

type escrowActionRequest struct {
	Wallet      string `json:"wallet"`
	Token       string `json:"token"`
	Signature   string `json:"signature"`
	Transaction string `json:"transaction"`
}

func (s *Server) handleEscrowRelease(w http.ResponseWriter, r *http.Request) {
	id, ok := s.escrowID(w, r)
	if !ok {
		return
	}
	var req escrowActionRequest
	if !s.decode(w, r, &req) {
		return
	}
	record, err := s.engine.Release(r.Context(), id, escrow.ReleaseRequest{
		Wallet:      req.Wallet,
		Token:       req.Token,
		Signature:   req.Signature,
		Transaction: req.Transaction,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.audit(r, req.Wallet, "release", fmt.Sprintf("escrow %s released, signature %s", id, record.TransactionSignature))
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleEscrowDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := s.escrowID(w, r)
	if !ok {
		return
	}
	var req escrowActionRequest
	if !s.decode(w, r, &req) {
		return
	}
	record, err := s.engine.Dispute(r.Context(), id, req.Wallet, req.Token, req.Signature)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.audit(r, req.Wallet, "dispute", fmt.Sprintf("escrow %s disputed", id))
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleEscrowRefund(w http.ResponseWriter, r *http.Request) {
	id, ok := s.escrowID(w, r)
	if !ok {
		return
	}
	var req escrowActionRequest
	if !s.decode(w, r, &req) {
		return
	}
	record, err := s.engine.Refund(r.Context(), id, escrow.ReleaseRequest{
		Wallet:      req.Wallet,
		Token:       req.Token,
		Signature:   req.Signature,
		Transaction: req.Transaction,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.audit(r, req.Wallet, "refund", fmt.Sprintf("escrow %s refunded, signature %s", id, record.TransactionSignature))
	s.writeJSON(w, http.StatusOK, record)
}

// audit records a privileged action; failures log and never fail the
// request.
func (s *Server) audit(r *http.Request, wallet, action, details string) {
	if s.store == nil {
		return
	}
	var escrowID *uuid.UUID
	if id, err := uuid.Parse(chi.URLParam(r, "id")); err == nil {
		escrowID = &id
	}
	if err := s.store.AppendAudit(r.Context(), escrow.AuditEvent{
		EscrowID: escrowID,
		Wallet:   wallet,
		Action:   action,
		Details:  details,
	}); err != nil {
		s.log.Warn("audit append failed", "action", action, "err", err)
	}
}
