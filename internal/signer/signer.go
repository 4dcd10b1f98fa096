// Package signer signs and verifies anonymizer API requests with secp256k1
// keys. The signer's identity is its Ethereum-style address, so an allow
// list of addresses is all the server needs to authenticate callers.
package signer

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// ErrBadSignature is returned when a signature does not decode or does not
// recover a public key.
var ErrBadSignature = errors.New("bad signature")

// Signer produces recoverable ECDSA signatures over secp256k1.
type Signer struct {
	key     *ecdsa.PrivateKey
	address string
}

// New creates a Signer from a hex-encoded private key (0x prefix optional).
func New(hexKey string) (*Signer, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("signer: invalid hex key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("signer: key must be 32 bytes, got %d", len(raw))
	}
	key, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("signer: %w", err)
	}
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey).Hex()}, nil
}

// Address returns the checksummed address derived from the public key.
func (s *Signer) Address() string {
	return s.address
}

// Sign returns (base64-encoded signature, timestamp in nanoseconds).
//
// Signing scheme:
//  1. payload_hash = hex(SHA256(payload))
//  2. signature_input = payload_hash + str(timestamp_ns) + method + path
//  3. Sign SHA256(signature_input), encoded as r(32) || s(32) || v(1) in base64
func (s *Signer) Sign(payload []byte, method, path string) (sig string, tsNano int64) {
	ts := time.Now().UnixNano()
	return s.SignAt(payload, method, path, ts), ts
}

// SignAt is Sign with a caller-supplied timestamp.
func (s *Signer) SignAt(payload []byte, method, path string, tsNano int64) string {
	digest := digest(payload, method, path, tsNano)
	out, err := crypto.Sign(digest, s.key)
	if err != nil {
		// crypto.Sign only fails for a malformed digest length or key,
		// both of which are fixed here.
		panic(fmt.Sprintf("signer: %v", err))
	}
	return base64.StdEncoding.EncodeToString(out)
}

// Verify recovers the address that produced sig over the request. The
// caller decides whether that address is allowed.
func Verify(sig string, payload []byte, tsNano int64, method, path string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if len(raw) != crypto.SignatureLength {
		return "", fmt.Errorf("%w: want %d bytes, got %d", ErrBadSignature, crypto.SignatureLength, len(raw))
	}
	pub, err := crypto.SigToPub(digest(payload, method, path, tsNano), raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

func digest(payload []byte, method, path string, tsNano int64) []byte {
	payloadHash := sha256.Sum256(payload)
	input := hex.EncodeToString(payloadHash[:]) + strconv.FormatInt(tsNano, 10) + method + path
	sum := sha256.Sum256([]byte(input))
	return sum[:]
}
