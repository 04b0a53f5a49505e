package auth

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	messageHeader = "solescrow wallet verification"

	claimNonce = "nonce"

	defaultChallengeTTL = 5 * time.Minute
	maxChallengeTTL     = 15 * time.Minute
)

// Challenge is the material a wallet must sign to prove key possession. The
// message is human readable so wallets can display it; the token binds the
// nonce to this server and makes the challenge single use.
type Challenge struct {
	Wallet    string    `json:"wallet"`
	Nonce     string    `json:"nonce"`
	Message   string    `json:"message"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Authenticator issues challenges and verifies detached ed25519 signatures
// over them. Challenges are never stored server-side: the signed token
// carries everything needed to rebuild the message, and the nonce ledger
// guarantees each token verifies at most once.
type Authenticator struct {
	secret      []byte
	ttl         time.Duration
	nonces      *nonceLedger
	persistence NoncePersistence
	nowFn       func() time.Time

	pruneMu    sync.Mutex
	lastPruned time.Time
}

// NewAuthenticator builds an authenticator. The secret signs challenge
// tokens; persistence is optional and makes nonce consumption survive
// restarts.
func NewAuthenticator(secret []byte, ttl time.Duration, capacity int, persistence NoncePersistence, nowFn func() time.Time) (*Authenticator, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: challenge secret required")
	}
	if ttl <= 0 {
		ttl = defaultChallengeTTL
	}
	if ttl > maxChallengeTTL {
		ttl = maxChallengeTTL
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Authenticator{
		secret:      append([]byte(nil), secret...),
		ttl:         ttl,
		nonces:      newNonceLedger(2*ttl, capacity),
		persistence: persistence,
		nowFn:       nowFn,
	}, nil
}

// BuildMessage renders the canonical challenge message for a wallet, nonce,
// and issue time. Both sides must produce identical bytes.
func BuildMessage(wallet, nonce string, issued time.Time) string {
	return fmt.Sprintf("%s\nwallet: %s\nnonce: %s\nissued-at: %s",
		messageHeader, wallet, nonce, issued.UTC().Format(time.RFC3339))
}

// Challenge issues a fresh challenge for the supplied wallet address.
func (a *Authenticator) Challenge(wallet string) (*Challenge, error) {
	trimmed := strings.TrimSpace(wallet)
	if _, err := solana.PublicKeyFromBase58(trimmed); err != nil {
		return nil, fmt.Errorf("auth: invalid wallet address: %w", err)
	}
	now := a.nowFn().UTC().Truncate(time.Second)
	nonce := uuid.NewString()
	expires := now.Add(a.ttl)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":      trimmed,
		claimNonce: nonce,
		"iat":      now.Unix(),
		"exp":      expires.Unix(),
	})
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return nil, fmt.Errorf("auth: sign challenge token: %w", err)
	}
	return &Challenge{
		Wallet:    trimmed,
		Nonce:     nonce,
		Message:   BuildMessage(trimmed, nonce, now),
		Token:     signed,
		ExpiresAt: expires,
	}, nil
}

// VerifyMessage checks a detached ed25519 signature over message against the
// claimed wallet public key. It returns false, never an error, on any
// malformed input or mismatch: a caller must not be able to distinguish a
// decoding failure from a wrong signer.
func VerifyMessage(wallet, message, signature string) bool {
	pub, err := solana.PublicKeyFromBase58(strings.TrimSpace(wallet))
	if err != nil {
		return false
	}
	sig, err := solana.SignatureFromBase58(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	if message == "" {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub[:]), []byte(message), sig[:])
}

// Verify authorises a privileged action: it validates the challenge token,
// rebuilds the canonical message from the token's claims, checks the wallet
// signature over it, and consumes the nonce. Each issued challenge verifies
// at most once; a replayed token fails even with a valid signature.
func (a *Authenticator) Verify(ctx context.Context, wallet, token, signature string) bool {
	trimmed := strings.TrimSpace(wallet)
	if trimmed == "" || token == "" {
		return false
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return a.nowFn() }), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return false
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return false
	}
	subject, err := claims.GetSubject()
	if err != nil || subject != trimmed {
		return false
	}
	nonce, _ := claims[claimNonce].(string)
	if nonce == "" {
		return false
	}
	issued, err := claims.GetIssuedAt()
	if err != nil || issued == nil {
		return false
	}
	message := BuildMessage(trimmed, nonce, issued.Time)
	if !VerifyMessage(trimmed, message, signature) {
		return false
	}
	return a.consumeNonce(ctx, nonce)
}

// consumeNonce marks a nonce as used. Returns false when the nonce was
// already consumed or when durable consumption could not be guaranteed.
func (a *Authenticator) consumeNonce(ctx context.Context, nonce string) bool {
	now := a.nowFn().UTC()
	if a.persistence == nil {
		return !a.nonces.Seen(nonce, now)
	}
	if a.nonces.Contains(nonce, now) {
		return false
	}
	a.prune(ctx, now)
	existed, err := a.persistence.EnsureNonce(ctx, NonceRecord{Nonce: nonce, ObservedAt: now})
	if err != nil || existed {
		if existed {
			a.nonces.Add(nonce, now)
		}
		return false
	}
	a.nonces.Add(nonce, now)
	return true
}

const persistencePruneInterval = time.Minute

func (a *Authenticator) prune(ctx context.Context, now time.Time) {
	if a.persistence == nil {
		return
	}
	a.pruneMu.Lock()
	if !a.lastPruned.IsZero() && now.Sub(a.lastPruned) < persistencePruneInterval {
		a.pruneMu.Unlock()
		return
	}
	a.lastPruned = now
	a.pruneMu.Unlock()

	cutoff := now.Add(-2 * a.ttl)
	_ = a.persistence.PruneNonces(ctx, cutoff)
}

// Hydrate warms the in-memory nonce ledger from persisted records so a
// restart does not reopen the replay window.
func (a *Authenticator) Hydrate(ctx context.Context) error {
	if a.persistence == nil {
		return nil
	}
	cutoff := a.nowFn().UTC().Add(-2 * a.ttl)
	records, err := a.persistence.RecentNonces(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("auth: load persisted nonces: %w", err)
	}
	for _, rec := range records {
		if strings.TrimSpace(rec.Nonce) == "" {
			continue
		}
		observed := rec.ObservedAt
		if observed.IsZero() {
			observed = cutoff
		}
		a.nonces.Add(rec.Nonce, observed)
	}
	return nil
}
