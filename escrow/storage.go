package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store is the narrow persistence contract the Engine depends on. All status
// mutations are conditional on the previously read status so two concurrent
// transitions resolve to exactly one winner.
type Store interface {
	Create(ctx context.Context, record *Escrow) error
	Get(ctx context.Context, id uuid.UUID) (*Escrow, error)
	// Transition applies updates to the record only if its status still
	// equals from. Returns ErrConflict when no row matched.
	Transition(ctx context.Context, id uuid.UUID, from, to Status, updates map[string]any) error
}

// ProjectDirectory resolves the lifecycle state of the project an escrow
// belongs to. Project records live in the external marketplace store; only
// this narrow read contract crosses the boundary.
type ProjectDirectory interface {
	ProjectStatus(ctx context.Context, projectID string) (string, error)
}

// IdempotencyRecord caches the response of a completed mutating request so a
// replay with the same key returns the original answer instead of running
// the operation again.
type IdempotencyRecord struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AuditEvent is an append-only trail of privileged escrow actions.
type AuditEvent struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	EscrowID  *uuid.UUID `gorm:"type:uuid;index"`
	Wallet    string     `gorm:"size:64;index"`
	Action    string     `gorm:"size:64"`
	Details   string     `gorm:"type:text"`
	CreatedAt time.Time
}

// GormStore persists escrow records, idempotency keys, and the audit trail
// in a single sqlite database.
type GormStore struct {
	db *gorm.DB
}

// OpenStore opens (or creates) the sqlite database at path and migrates the
// schema.
func OpenStore(path string) (*GormStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("escrow: store path required")
	}
	db, err := gorm.Open(sqlite.Open(trimmed), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("escrow: open store: %w", err)
	}
	if err := db.AutoMigrate(&Escrow{}, &IdempotencyRecord{}, &AuditEvent{}); err != nil {
		return nil, fmt.Errorf("escrow: migrate store: %w", err)
	}
	return &GormStore{db: db}, nil
}

// DB exposes the underlying handle for middleware that shares the database.
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

func (s *GormStore) Create(ctx context.Context, record *Escrow) error {
	if record == nil {
		return fmt.Errorf("escrow: nil record")
	}
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.Status == "" {
		record.Status = StatusPending
	}
	if !record.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, record.Status)
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("escrow: create record: %w", err)
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, id uuid.UUID) (*Escrow, error) {
	var record Escrow
	err := s.db.WithContext(ctx).First(&record, "id = ?", id).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("escrow: load record: %w", err)
	}
	return &record, nil
}

// Transition is the optimistic concurrency primitive: a conditional UPDATE
// keyed on the expected current status. RowsAffected == 0 means another
// request won the race and the caller must re-read to learn the new state.
func (s *GormStore) Transition(ctx context.Context, id uuid.UUID, from, to Status, updates map[string]any) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("%w: %q -> %q", ErrInvalidStatus, from, to)
	}
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %q -> %q", ErrInvalidStatus, from, to)
	}
	if updates == nil {
		updates = make(map[string]any)
	}
	updates["status"] = to
	res := s.db.WithContext(ctx).
		Model(&Escrow{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("escrow: transition %q -> %q: %w", from, to, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// AppendAudit records a privileged action. Audit failures are reported but
// must not abort the action they describe; callers log and continue.
func (s *GormStore) AppendAudit(ctx context.Context, event AuditEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(&event).Error; err != nil {
		return fmt.Errorf("escrow: append audit event: %w", err)
	}
	return nil
}

// LookupIdempotency returns the cached response for a key, or nil.
func (s *GormStore) LookupIdempotency(ctx context.Context, key string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	err := s.db.WithContext(ctx).First(&record, "key = ?", key).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("escrow: load idempotency key: %w", err)
	}
	return &record, nil
}

// SaveIdempotency stores the response produced under a key. Duplicate keys
// keep the first stored response.
func (s *GormStore) SaveIdempotency(ctx context.Context, record IdempotencyRecord) error {
	if strings.TrimSpace(record.Key) == "" {
		return fmt.Errorf("escrow: idempotency key required")
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	err := s.db.WithContext(ctx).Create(&record).Error
	if err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
		// Unique violations surface differently across drivers; a replayed
		// key is not an error worth failing the request over.
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return nil
		}
		return fmt.Errorf("escrow: save idempotency key: %w", err)
	}
	return nil
}
