// Package pow implements the proof-of-work puzzle: salts, digests, the difficulty predicate, and a reference solver.
package pow

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// MaxDifficulty is the largest difficulty a SHA-256 digest can satisfy (64 hex characters).
const MaxDifficulty = sha256.Size * 2

// solveCheckInterval is how many nonces Solve tries between context checks.
const solveCheckInterval = 1 << 12

// NewSalt returns size random lowercase hex characters. Uses crypto/rand.
func NewSalt(size int) (string, error) {
	if size <= 0 {
		return "", nil
	}
	b := make([]byte, (size+1)/2)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b)[:size], nil
}

// Digest returns SHA-256 over salt followed by the decimal form of nonce.
func Digest(salt string, nonce uint64) [sha256.Size]byte {
	var buf [20]byte
	h := sha256.New()
	h.Write([]byte(salt))
	h.Write(strconv.AppendUint(buf[:0], nonce, 10))
	var out [sha256.Size]byte
	h.Sum(out[:0])
	return out
}

// Satisfies reports whether the first difficulty nibbles of digest are zero.
// Nibbles are read high to low within each byte (0x12 -> 0x1, 0x2). Difficulty 0 is always satisfied.
func Satisfies(digest []byte, difficulty int) bool {
	if difficulty <= 0 {
		return true
	}
	count := 0
	for _, b := range digest {
		if b>>4 != 0 {
			break
		}
		count++
		if count >= difficulty {
			return true
		}
		if b&0x0F != 0 {
			break
		}
		count++
		if count >= difficulty {
			return true
		}
	}
	return count >= difficulty
}

// Check reports whether nonce solves the sub-puzzle for salt at difficulty.
func Check(salt string, nonce uint64, difficulty int) bool {
	d := Digest(salt, nonce)
	return Satisfies(d[:], difficulty)
}

// Solve returns the smallest nonce that solves the sub-puzzle for salt at difficulty.
// It returns ctx.Err() if the context is cancelled first.
func Solve(ctx context.Context, salt string, difficulty int) (uint64, error) {
	for nonce := uint64(0); ; nonce++ {
		if nonce%solveCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		if Check(salt, nonce, difficulty) {
			return nonce, nil
		}
	}
}

// SolveAll solves every salt in order and returns one nonce per salt.
func SolveAll(ctx context.Context, salts []string, difficulty int) ([]uint64, error) {
	out := make([]uint64, len(salts))
	for i, salt := range salts {
		n, err := Solve(ctx, salt, difficulty)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}
