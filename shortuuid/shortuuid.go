// Package shortuuid encodes RFC-4122 UUIDs as compact base57 strings.
//
// The alphabet is the de-facto short-UUID one: base62 minus the lookalike
// characters l, 1, I, O and 0. Encoded ids are always 22 characters, left
// padded with the first alphabet character, so they sort and parse uniformly.
package shortuuid

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// Alphabet is the base57 digit set, in ascending digit order.
const Alphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// EncodedLen is the fixed length of an encoded UUID.
const EncodedLen = 22

var alphabetBase = big.NewInt(int64(len(Alphabet)))

// New returns the base57 encoding of a fresh random (v4) UUID.
func New() (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate UUID: %w", err)
	}
	return Encode(u), nil
}

// Encode converts u into its fixed-length base57 representation.
func Encode(u uuid.UUID) string {
	n := new(big.Int).SetBytes(u[:])

	var buf [EncodedLen]byte
	for i := range buf {
		buf[i] = Alphabet[0]
	}

	rem := new(big.Int)
	for i := EncodedLen - 1; n.Sign() > 0; i-- {
		n.DivMod(n, alphabetBase, rem)
		buf[i] = Alphabet[rem.Int64()]
	}
	return string(buf[:])
}

// Decode parses a string produced by Encode back into a UUID.
// It rejects wrong lengths, characters outside the alphabet and values that
// do not fit in 128 bits. The UUID version is not checked, Decode accepts any
// encoded RFC-4122 value.
func Decode(s string) (uuid.UUID, error) {
	var u uuid.UUID
	if len(s) != EncodedLen {
		return u, fmt.Errorf("invalid short UUID %q: length %d, want %d", s, len(s), EncodedLen)
	}

	n := new(big.Int)
	for i := 0; i < len(s); i++ {
		idx := strings.IndexByte(Alphabet, s[i])
		if idx < 0 {
			return u, fmt.Errorf("invalid short UUID %q: character %q not in alphabet", s, s[i])
		}
		n.Mul(n, alphabetBase)
		n.Add(n, big.NewInt(int64(idx)))
	}
	if n.BitLen() > 128 {
		return u, fmt.Errorf("invalid short UUID %q: value overflows 128 bits", s)
	}

	n.FillBytes(u[:])
	return u, nil
}
