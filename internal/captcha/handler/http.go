// Package handler exposes the captcha service over HTTP JSON:
//
//	POST /api/cap/challenge  issue a challenge
//	POST /api/cap/redeem     redeem solutions for a redemption token
//	POST /api/cap/validate   spend a redemption token
//
// RequireSolution guards a dependent endpoint with the X-Cap-Token header.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"capgate/internal/captcha/domain"
	"capgate/internal/captcha/service"
	"capgate/internal/logging"
)

// TokenHeader carries a redemption token to endpoints wrapped by RequireSolution.
const TokenHeader = "X-Cap-Token"

// maxBodyBytes bounds request bodies; a redeem body of 50 uint64 nonces is well under 2 KiB.
const maxBodyBytes = 64 << 10

// Service is the captcha service the handler needs. *service.Service implements it.
type Service interface {
	IssueChallenge(ctx context.Context) (*service.Challenge, error)
	RedeemChallenge(ctx context.Context, token string, solutions []uint64) (*service.RedeemResult, error)
	ValidateToken(ctx context.Context, token string) (bool, error)
}

// ChallengeResponse is the body of a successful POST /api/cap/challenge.
type ChallengeResponse struct {
	Token     string               `json:"token"`
	Challenge domain.ChallengeSpec `json:"challenge"`
	// Expires is unix milliseconds.
	Expires int64 `json:"expires"`
}

// RedeemRequest is the body of POST /api/cap/redeem.
type RedeemRequest struct {
	Token     string   `json:"token"`
	Solutions []uint64 `json:"solutions"`
}

// RedeemResponse is the body of POST /api/cap/redeem. Token and Expires are set only on success.
type RedeemResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token,omitempty"`
	Expires int64  `json:"expires,omitempty"`
}

// ValidateRequest is the body of POST /api/cap/validate.
type ValidateRequest struct {
	Token string `json:"token"`
}

// ValidateResponse is the body of POST /api/cap/validate.
type ValidateResponse struct {
	Success bool `json:"success"`
}

// ErrorResponse is written on 5xx and 403. Message is set only outside production.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Handler serves the captcha endpoints.
type Handler struct {
	svc    Service
	logger *slog.Logger
	// exposeErrors adds the internal error text to 500 bodies; off in production.
	exposeErrors bool
}

// New returns a Handler. production hides internal error details from responses.
func New(svc Service, logger *slog.Logger, production bool) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger.With("component", "captcha_http"), exposeErrors: !production}
}

// Register mounts the captcha routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/cap/challenge", h.Challenge)
	mux.HandleFunc("POST /api/cap/redeem", h.Redeem)
	mux.HandleFunc("POST /api/cap/validate", h.Validate)
}

// Challenge issues a new challenge.
func (h *Handler) Challenge(w http.ResponseWriter, r *http.Request) {
	ch, err := h.svc.IssueChallenge(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "Failed to create CAPTCHA challenge", "err", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to create challenge", err)
		return
	}
	h.logger.InfoContext(r.Context(), "CAPTCHA challenge created", "token_prefix", logging.TokenPrefix(ch.Token))
	writeJSON(w, http.StatusOK, ChallengeResponse{
		Token:     ch.Token,
		Challenge: ch.Spec,
		Expires:   ch.Expires.UnixMilli(),
	})
}

// Redeem verifies solutions. Invalid, expired and malformed input is 400; a wrong solution is
// 200 with success false; both bodies are identical so nothing reveals which check failed.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, RedeemResponse{})
		return
	}
	res, err := h.svc.RedeemChallenge(r.Context(), req.Token, req.Solutions)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "Failed to redeem CAPTCHA challenge",
			"token_prefix", logging.TokenPrefix(req.Token), "err", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to redeem challenge", err)
		return
	}
	if res.Success {
		writeJSON(w, http.StatusOK, RedeemResponse{Success: true, Token: res.Token, Expires: res.Expires.UnixMilli()})
		return
	}
	writeJSON(w, redeemStatus(res.Outcome), RedeemResponse{})
}

// Validate spends a redemption token.
func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ValidateResponse{})
		return
	}
	ok, err := h.svc.ValidateToken(r.Context(), req.Token)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "Failed to validate CAPTCHA token",
			"token_prefix", logging.TokenPrefix(req.Token), "err", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to validate token", err)
		return
	}
	writeJSON(w, http.StatusOK, ValidateResponse{Success: ok})
}

// RequireSolution admits a request only if its X-Cap-Token header holds an unspent
// redemption token. The token is spent whether or not next succeeds.
func (h *Handler) RequireSolution(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(TokenHeader)
		ok, err := h.svc.ValidateToken(r.Context(), token)
		if err != nil {
			h.logger.ErrorContext(r.Context(), "Failed to validate CAPTCHA token",
				"token_prefix", logging.TokenPrefix(token), "err", err)
			h.writeError(w, http.StatusInternalServerError, "Failed to validate token", err)
			return
		}
		if !ok {
			writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "CAPTCHA verification failed"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func redeemStatus(o service.Outcome) int {
	switch o {
	case service.OutcomeInvalidChallenge, service.OutcomeMalformedSolutions:
		return http.StatusBadRequest
	default:
		return http.StatusOK
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string, err error) {
	body := ErrorResponse{Error: msg}
	if h.exposeErrors && err != nil {
		body.Message = err.Error()
	}
	writeJSON(w, status, body)
}

var errTrailingData = errors.New("unexpected data after JSON body")

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errTrailingData
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
