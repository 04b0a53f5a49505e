package escrow

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is an escrow lifecycle state. Transitions are pending→funded→
// released, with side branches funded→disputed and funded→refunded.
// Released is terminal.
type Status string

const (
	StatusPending  Status = "pending"
	StatusFunded   Status = "funded"
	StatusReleased Status = "released"
	StatusDisputed Status = "disputed"
	StatusRefunded Status = "refunded"
)

// Valid reports whether the status is a known lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusFunded, StatusReleased, StatusDisputed, StatusRefunded:
		return true
	}
	return false
}

// CanTransition reports whether the lifecycle permits moving from s to next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusFunded
	case StatusFunded:
		return next == StatusReleased || next == StatusDisputed || next == StatusRefunded
	default:
		return false
	}
}

// Escrow is the persisted record of locked funds for a project. Amounts are
// lamports. Mutated only by the Engine after a confirmed ledger outcome,
// never deleted.
type Escrow struct {
	ID                   uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID            string    `gorm:"size:64;index" json:"projectId"`
	ClientWallet         string    `gorm:"size:64;index" json:"clientWallet"`
	FreelancerWallet     string    `gorm:"size:64" json:"freelancerWallet,omitempty"`
	Amount               uint64    `gorm:"not null" json:"amount"`
	PlatformFee          uint64    `json:"platformFee"`
	TotalLocked          uint64    `gorm:"not null" json:"totalLocked"`
	PaymentCurrency      string    `gorm:"size:16" json:"paymentCurrency"`
	EscrowAccount        string    `gorm:"size:64" json:"escrowAccount"`
	TransactionSignature string    `gorm:"size:128" json:"transactionSignature,omitempty"`
	Status               Status    `gorm:"size:16;index" json:"status"`
	FundedAt             *time.Time `json:"fundedAt,omitempty"`
	ReleasedAt           *time.Time `json:"releasedAt,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

// Guard and outcome errors. Terminal classes; callers surface these to the
// user without retrying.
var (
	ErrNotFound            = errors.New("escrow: record not found")
	ErrNoEscrowAccount     = errors.New("escrow: record has no on-ledger holding account")
	ErrAlreadyReleased     = errors.New("escrow: already released")
	ErrNotYetFunded        = errors.New("escrow: not yet funded")
	ErrInvalidStatus       = errors.New("escrow: status does not permit this transition")
	ErrUnauthorized        = errors.New("escrow: unauthorized")
	ErrInvalidProjectState = errors.New("escrow: project is not in progress")
	// ErrOutcomeUnknown: the broadcast went out but no terminal ledger answer
	// arrived within the polling budget. The record is left untouched; the
	// caller must re-verify, never assume success or failure.
	ErrOutcomeUnknown = errors.New("escrow: transaction outcome unknown, please verify")
	// ErrConflict: a conditional update matched no row, meaning another
	// request moved the record first.
	ErrConflict = errors.New("escrow: concurrent update conflict")
)
