package domain

import "time"

// Actions recorded by the captcha service.
const (
	ActionChallengeIssued   = "challenge_issued"
	ActionChallengeRedeemed = "challenge_redeemed"
	ActionTokenValidated    = "token_validated"
	ActionTokensSwept       = "tokens_swept"
)

// Event is one audit record. TokenPrefix is at most the first 8 characters of a token id;
// full tokens and solutions never appear here.
type Event struct {
	ID          string    `json:"id"`
	Action      string    `json:"action"`
	TokenPrefix string    `json:"token_prefix,omitempty"`
	Outcome     string    `json:"outcome"`
	Count       int64     `json:"count,omitempty"`
	Source      string    `json:"source"`
	CreatedAt   time.Time `json:"created_at"`
}
