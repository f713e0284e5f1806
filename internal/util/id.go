package util

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
)

const codeAlphabet = "abcdefghijkmnopqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// NewCode returns a random short code of length n drawn from an alphabet
// without look-alike characters.
func NewCode(n int) string {
	if n <= 0 {
		n = 8
	}
	max := big.NewInt(int64(len(codeAlphabet)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			idx = big.NewInt(int64(i % len(codeAlphabet)))
		}
		out[i] = codeAlphabet[idx.Int64()]
	}
	return string(out)
}
