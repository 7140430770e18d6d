// Package votesig encodes arbiter vote messages and recovers their signers.
//
// A vote message is the decimal dispute index followed by "A" (payer side)
// or "B" (payee side). Arbiters sign keccak256(message) as an Ethereum
// personal message, so the digest checked here is the EIP-191 hash of the
// keccak of the message bytes.
package votesig

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	SidePayer = "A"
	SidePayee = "B"
)

var (
	ErrMalformedMessage   = errors.New("votesig: malformed message")
	ErrMalformedSignature = errors.New("votesig: malformed signature")
)

// Message returns the canonical vote message for index and choice.
func Message(index uint64, choice bool) string {
	side := SidePayee
	if choice {
		side = SidePayer
	}
	return strconv.FormatUint(index, 10) + side
}

// ParseMessage splits a vote message into dispute index and choice.
func ParseMessage(msg string) (uint64, bool, error) {
	if len(msg) < 2 {
		return 0, false, fmt.Errorf("%w: %q", ErrMalformedMessage, msg)
	}
	digits, side := msg[:len(msg)-1], msg[len(msg)-1:]
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, false, fmt.Errorf("%w: %q", ErrMalformedMessage, msg)
		}
	}
	if len(digits) > 1 && digits[0] == '0' {
		return 0, false, fmt.Errorf("%w: leading zero in %q", ErrMalformedMessage, msg)
	}
	index, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch side {
	case SidePayer:
		return index, true, nil
	case SidePayee:
		return index, false, nil
	default:
		return 0, false, fmt.Errorf("%w: unknown side %q", ErrMalformedMessage, side)
	}
}

// Digest is the hash an arbiter's wallet signs for msg.
func Digest(msg string) []byte {
	return accounts.TextHash(crypto.Keccak256([]byte(msg)))
}

// Sign produces a 65-byte R||S||V signature with V in {27,28}, the form
// wallets hand back from personal_sign.
func Sign(key *ecdsa.PrivateKey, msg string) ([]byte, error) {
	sig, err := crypto.Sign(Digest(msg), key)
	if err != nil {
		return nil, fmt.Errorf("votesig: sign: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Recover returns the address that signed msg.
func Recover(msg string, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrMalformedSignature, len(sig))
	}
	normalized := make([]byte, crypto.SignatureLength)
	copy(normalized, sig)
	v := normalized[crypto.RecoveryIDOffset]
	if v >= 27 {
		v -= 27
	}
	normalized[crypto.RecoveryIDOffset] = v

	r := new(big.Int).SetBytes(normalized[:32])
	s := new(big.Int).SetBytes(normalized[32:64])
	if !crypto.ValidateSignatureValues(v, r, s, true) {
		return common.Address{}, fmt.Errorf("%w: invalid r, s or v", ErrMalformedSignature)
	}

	pub, err := crypto.SigToPub(Digest(msg), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
