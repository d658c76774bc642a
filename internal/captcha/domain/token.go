package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind tags a stored token as an issued challenge or a redemption receipt.
type Kind string

const (
	KindChallenge Kind = "challenge"
	KindSolution  Kind = "solution"
)

// Valid reports whether k is a known token kind.
func (k Kind) Valid() bool {
	return k == KindChallenge || k == KindSolution
}

// Token is a single record in the token store (captcha_tokens table).
// Payload holds the JSON encoding of a ChallengeSpec or a SolutionReceipt depending on Kind.
type Token struct {
	ID        string
	Kind      Kind
	Payload   []byte
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Expired reports whether the token is dead at now. A token expiring exactly at now is dead.
func (t *Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}

// ChallengeSpec is the puzzle a client must solve: Count sub-puzzles, one salt each,
// every digest needing Difficulty leading zero hex characters.
type ChallengeSpec struct {
	Count      int      `json:"c"`
	SaltSize   int      `json:"s"`
	Difficulty int      `json:"d"`
	Salts      []string `json:"salts"`
}

// SolutionReceipt is the payload of a solution token minted after a successful redemption.
type SolutionReceipt struct {
	ChallengePrefix string `json:"challenge"`
	ExpiresAt       int64  `json:"expires"`
}

// EncodeChallenge returns the JSON payload for spec.
func EncodeChallenge(spec ChallengeSpec) ([]byte, error) {
	return json.Marshal(spec)
}

// DecodeChallenge parses a challenge token payload and checks that it is self-consistent.
func DecodeChallenge(payload []byte) (ChallengeSpec, error) {
	var spec ChallengeSpec
	if err := json.Unmarshal(payload, &spec); err != nil {
		return ChallengeSpec{}, fmt.Errorf("decode challenge payload: %w", err)
	}
	if spec.Count != len(spec.Salts) {
		return ChallengeSpec{}, fmt.Errorf("decode challenge payload: count %d does not match %d salts", spec.Count, len(spec.Salts))
	}
	return spec, nil
}

// EncodeReceipt returns the JSON payload for r.
func EncodeReceipt(r SolutionReceipt) ([]byte, error) {
	return json.Marshal(r)
}
