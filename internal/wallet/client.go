package wallet

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/yield402/treasury/internal/chain"
	"github.com/yield402/treasury/internal/logger"
)

var walletLogger = logger.GetForComponent("wallet")

var (
	ErrEmptySecret     = errors.New("wallet secret cannot be empty")
	ErrInvalidSecret   = errors.New("wallet secret is neither base58 nor a JSON byte array")
	ErrAddressMismatch = errors.New("wallet secret does not match the configured address")
	ErrNilSubmitter    = errors.New("transaction submitter cannot be nil")
	ErrInvalidTimeout  = errors.New("confirmation timeout must be positive")
)

const (
	defaultPollInterval    = 500 * time.Millisecond
	defaultMaxPollInterval = 5 * time.Second
)

// SigningClient signs transactions with the merchant key and submits them.
type SigningClient struct {
	key            solana.PrivateKey
	submitter      chain.Submitter
	confirmTimeout time.Duration

	pollInterval    time.Duration
	maxPollInterval time.Duration
}

// NewSigningClient loads secret and validates it against expectedAddress when that is set.
func NewSigningClient(secret, expectedAddress string, submitter chain.Submitter, confirmTimeout time.Duration) (*SigningClient, error) {
	if submitter == nil {
		return nil, ErrNilSubmitter
	}
	if confirmTimeout <= 0 {
		return nil, ErrInvalidTimeout
	}
	key, err := ParsePrivateKey(secret)
	if err != nil {
		return nil, err
	}
	if expectedAddress != "" && key.PublicKey().String() != expectedAddress {
		return nil, fmt.Errorf("%w: secret is for %s, configured %s", ErrAddressMismatch, key.PublicKey(), expectedAddress)
	}

	walletLogger.Info().
		Str("address", key.PublicKey().String()).
		Dur("confirmTimeout", confirmTimeout).
		Msg("Signing client initialized")

	return &SigningClient{
		key:             key,
		submitter:       submitter,
		confirmTimeout:  confirmTimeout,
		pollInterval:    defaultPollInterval,
		maxPollInterval: defaultMaxPollInterval,
	}, nil
}

// ParsePrivateKey accepts a base58 secret or a JSON array of 64 bytes as exported by solana-keygen.
func ParsePrivateKey(secret string) (solana.PrivateKey, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrEmptySecret
	}

	if strings.HasPrefix(secret, "[") {
		var raw []int
		if err := json.Unmarshal([]byte(secret), &raw); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidSecret, err)
		}
		if len(raw) != 64 {
			return nil, fmt.Errorf("%w: expected 64 bytes, got %d", ErrInvalidSecret, len(raw))
		}
		key := make([]byte, 64)
		for i, b := range raw {
			if b < 0 || b > 255 {
				return nil, fmt.Errorf("%w: byte %d out of range", ErrInvalidSecret, i)
			}
			key[i] = byte(b)
		}
		return solana.PrivateKey(key), nil
	}

	key, err := solana.PrivateKeyFromBase58(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSecret, err)
	}
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: expected 64 bytes, got %d", ErrInvalidSecret, len(key))
	}
	return key, nil
}

// AddressFromSecret derives the wallet address without creating a client.
func AddressFromSecret(secret string) (string, error) {
	key, err := ParsePrivateKey(secret)
	if err != nil {
		return "", err
	}
	return key.PublicKey().String(), nil
}

func (s *SigningClient) PublicKey() solana.PublicKey {
	return s.key.PublicKey()
}

func (s *SigningClient) Address() string {
	return s.key.PublicKey().String()
}
