package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// Commit-reveal bid protocol. A bidder publishes a one-way commitment that
// binds their identity, the card, the intended amount, and a secret nonce;
// only a later reveal with the exact same tuple opens it. The byte encoding
// below is fixed - commitments stored by one build must verify against
// reveals checked by another.

// Commitment is a keccak256 digest of the canonical bid encoding.
type Commitment [32]byte

// Nonce is the bidder's secret blinding value.
type Nonce [32]byte

// ComputeCommitment hashes the canonical encoding
//
//	bidder (20 bytes) || cardID (8 bytes BE) || amount (8 bytes BE) || nonce (32 bytes)
//
// with keccak256. Amount is reinterpreted as uint64; amounts are validated
// positive before any commitment is checked.
func ComputeCommitment(bidder common.Address, cardID uint64, amount int64, nonce Nonce) Commitment {
	h := sha3.NewLegacyKeccak256()
	h.Write(bidder.Bytes())

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], cardID)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(amount))
	h.Write(buf[:])

	h.Write(nonce[:])

	var c Commitment
	copy(c[:], h.Sum(nil))
	return c
}

// RandomNonce draws a fresh nonce from crypto/rand.
func RandomNonce() (Nonce, error) {
	var n Nonce
	if _, err := rand.Read(n[:]); err != nil {
		return Nonce{}, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return n, nil
}

func (c Commitment) Hex() string { return "0x" + hex.EncodeToString(c[:]) }
func (n Nonce) Hex() string      { return "0x" + hex.EncodeToString(n[:]) }

func (c Commitment) IsZero() bool { return c == Commitment{} }

// ParseCommitment parses a 0x-prefixed or bare 64-char hex string.
func ParseCommitment(s string) (Commitment, error) {
	raw, err := parseHex32(s)
	if err != nil {
		return Commitment{}, fmt.Errorf("invalid commitment: %w", err)
	}
	var c Commitment
	copy(c[:], raw)
	return c, nil
}

// ParseNonce parses a 0x-prefixed or bare 64-char hex string.
func ParseNonce(s string) (Nonce, error) {
	raw, err := parseHex32(s)
	if err != nil {
		return Nonce{}, fmt.Errorf("invalid nonce: %w", err)
	}
	var n Nonce
	copy(n[:], raw)
	return n, nil
}

func parseHex32(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("want 32 bytes, got %d", len(raw))
	}
	return raw, nil
}
