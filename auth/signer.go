package auth

import (
	"context"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// TransactionSender broadcasts signed transaction bytes and returns the
// ledger-assigned identifier.
type TransactionSender interface {
	Submit(ctx context.Context, raw []byte) (string, error)
}

// Signer is the capability surface of an external wallet. The relay core
// never depends on a concrete wallet implementation; production signatures
// arrive over the wire from user-controlled wallets.
type Signer interface {
	PublicKey() string
	// SignMessage produces a base58 detached signature over the message bytes.
	SignMessage(message []byte) (string, error)
	// SignAndSendTransaction signs the transaction and broadcasts it.
	SignAndSendTransaction(ctx context.Context, raw []byte) (string, error)
}

// KeypairSigner implements Signer with an in-process keypair. Intended for
// tests and operational tooling only; the service itself holds no user keys.
type KeypairSigner struct {
	key    solana.PrivateKey
	sender TransactionSender
}

// NewKeypairSigner wraps a private key. The sender may be nil when only
// message signing is needed.
func NewKeypairSigner(key solana.PrivateKey, sender TransactionSender) *KeypairSigner {
	return &KeypairSigner{key: key, sender: sender}
}

func (s *KeypairSigner) PublicKey() string {
	return s.key.PublicKey().String()
}

func (s *KeypairSigner) SignMessage(message []byte) (string, error) {
	sig, err := s.key.Sign(message)
	if err != nil {
		return "", fmt.Errorf("auth: sign message: %w", err)
	}
	return sig.String(), nil
}

func (s *KeypairSigner) SignAndSendTransaction(ctx context.Context, raw []byte) (string, error) {
	if s.sender == nil {
		return "", fmt.Errorf("auth: no transaction sender configured")
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return "", fmt.Errorf("auth: decode transaction: %w", err)
	}
	pub := s.key.PublicKey()
	if _, err := tx.Sign(func(pk solana.PublicKey) *solana.PrivateKey {
		if pk.Equals(pub) {
			return &s.key
		}
		return nil
	}); err != nil {
		return "", fmt.Errorf("auth: sign transaction: %w", err)
	}
	signed, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("auth: serialize transaction: %w", err)
	}
	return s.sender.Submit(ctx, signed)
}
