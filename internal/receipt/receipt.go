// Package receipt issues signed statements recording the outcome of a
// verification, so a result can be handed to a third party and checked later
// without repeating the ledger round trip.
package receipt

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jmerrifield20/ledgerproof/pkg/verifier"
	"golang.org/x/crypto/hkdf"
)

const keyInfo = "ledgerproof receipt signing key v1"

// ErrNoSecret is returned when an Issuer is created without a secret.
var ErrNoSecret = errors.New("receipt secret is empty")

// Claims are the JWT claims of a verification receipt.
type Claims struct {
	jwt.RegisteredClaims
	Ledger       string `json:"lp:ledger"`
	DocumentID   string `json:"lp:document_id"`
	BlockAddress string `json:"lp:block_address"`
	RevisionHash string `json:"lp:revision_hash"`
	Digest       string `json:"lp:digest"`
	Verified     bool   `json:"lp:verified"`
}

// Issuer signs and checks receipts with an HS256 key derived from a shared
// secret.
type Issuer struct {
	key    []byte
	issuer string
	ttl    time.Duration
}

// DeriveKey expands secret into a 32-byte HMAC key.
func DeriveKey(secret []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, ErrNoSecret
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// NewIssuer creates an Issuer. ttl defaults to 24 hours.
func NewIssuer(secret []byte, issuer string, ttl time.Duration) (*Issuer, error) {
	key, err := DeriveKey(secret)
	if err != nil {
		return nil, err
	}
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &Issuer{key: key, issuer: issuer, ttl: ttl}, nil
}

// Issue signs a receipt for md with the given outcome.
func (i *Issuer) Issue(md verifier.RevisionMetadata, verified bool) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   md.DocumentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			ID:        uuid.New().String(),
		},
		Ledger:       md.LedgerName,
		DocumentID:   md.DocumentID,
		BlockAddress: md.BlockAddress.String(),
		RevisionHash: md.RevisionHash.String(),
		Digest:       md.LedgerDigest.Digest.String(),
		Verified:     verified,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("sign receipt: %w", err)
	}
	return signed, nil
}

// Parse validates a receipt and returns its claims.
func (i *Issuer) Parse(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return i.key, nil
		},
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("parse receipt: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid receipt claims")
	}
	return claims, nil
}
