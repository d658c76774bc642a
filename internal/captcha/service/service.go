// Package service issues proof-of-work challenges, verifies solutions and mints single-use
// redemption tokens. All state lives in the token store; the service keeps none between calls.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"capgate/internal/audit"
	auditdomain "capgate/internal/audit/domain"
	"capgate/internal/captcha/domain"
	"capgate/internal/captcha/pow"
	"capgate/internal/captcha/repository"
	"capgate/internal/logging"
)

// ErrStore wraps every token store failure returned by the service; handler maps it to 500.
var ErrStore = errors.New("token store failure")

// BypassMessage is the warning logged each time bypass mode short-circuits verification.
const BypassMessage = "challenge bypassed — test mode"

// Defaults used when an Options field is left zero.
const (
	DefaultCount      = 50
	DefaultSaltSize   = 32
	DefaultDifficulty = 4
)

// Outcome classifies a redemption attempt for status mapping, metrics and audit.
// It is never part of a response body.
type Outcome string

const (
	OutcomeRedeemed           Outcome = "redeemed"
	OutcomeBypassed           Outcome = "bypassed"
	OutcomeInvalidChallenge   Outcome = "invalid_challenge"
	OutcomeMalformedSolutions Outcome = "malformed_solutions"
	OutcomeRejected           Outcome = "rejected"
)

// Options configures a Service. Bypass is fixed for the Service's lifetime.
type Options struct {
	// Count is the number of sub-puzzles per challenge. Zero is allowed and yields an empty challenge.
	Count      int
	SaltSize   int
	Difficulty int
	// ChallengeTTL and SolutionTTL default to repository.DefaultChallengeTTL and DefaultSolutionTTL.
	ChallengeTTL time.Duration
	SolutionTTL  time.Duration
	// Bypass makes every redemption and validation succeed without touching the store.
	// Only for automated tests; every use is logged at warn level.
	Bypass bool
	// Now overrides the clock in tests.
	Now func() time.Time
}

// DefaultOptions returns the production defaults: 50 salts of 32 hex chars at difficulty 4.
func DefaultOptions() Options {
	return Options{
		Count:        DefaultCount,
		SaltSize:     DefaultSaltSize,
		Difficulty:   DefaultDifficulty,
		ChallengeTTL: repository.DefaultChallengeTTL,
		SolutionTTL:  repository.DefaultSolutionTTL,
	}
}

// Metrics receives counters from the service. *metrics.Metrics implements it.
type Metrics interface {
	ChallengeIssued()
	Redeemed(outcome string)
	Validated(ok bool)
	Swept(n int64)
	Bypassed()
	StoreError(op string)
}

// Challenge is what IssueChallenge hands to the client.
type Challenge struct {
	Token   string
	Spec    domain.ChallengeSpec
	Expires time.Time
}

// RedeemResult is the structured result of RedeemChallenge. Token and Expires are set only on success.
type RedeemResult struct {
	Success bool
	Token   string
	Expires time.Time
	Outcome Outcome
}

// Service implements challenge issuance, redemption, token validation and sweeping.
type Service struct {
	repo    repository.Repository
	opts    Options
	logger  *slog.Logger
	metrics Metrics
	audit   audit.Recorder
	tracer  trace.Tracer
}

// NewService returns a Service over repo. logger, m and rec may be nil.
func NewService(repo repository.Repository, opts Options, logger *slog.Logger, m Metrics, rec audit.Recorder) *Service {
	if opts.Count < 0 {
		opts.Count = 0
	}
	if opts.SaltSize <= 0 {
		opts.SaltSize = DefaultSaltSize
	}
	if opts.Difficulty < 0 {
		opts.Difficulty = 0
	}
	if opts.Difficulty > pow.MaxDifficulty {
		opts.Difficulty = pow.MaxDifficulty
	}
	if opts.ChallengeTTL <= 0 {
		opts.ChallengeTTL = repository.DefaultChallengeTTL
	}
	if opts.SolutionTTL <= 0 {
		opts.SolutionTTL = repository.DefaultSolutionTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = noopMetrics{}
	}
	if rec == nil {
		rec = audit.Nop{}
	}
	return &Service{
		repo:    repo,
		opts:    opts,
		logger:  logger.With("component", "captcha"),
		metrics: m,
		audit:   rec,
		tracer:  otel.Tracer("capgate/captcha"),
	}
}

// BypassEnabled reports whether bypass mode is on.
func (s *Service) BypassEnabled() bool {
	return s.opts.Bypass
}

// Options returns the effective options after defaults were applied.
func (s *Service) Options() Options {
	return s.opts
}

// IssueChallenge creates Count fresh salts, stores them under a new token and returns the puzzle.
func (s *Service) IssueChallenge(ctx context.Context) (*Challenge, error) {
	ctx, span := s.tracer.Start(ctx, "captcha.IssueChallenge")
	defer span.End()

	spec := domain.ChallengeSpec{
		Count:      s.opts.Count,
		SaltSize:   s.opts.SaltSize,
		Difficulty: s.opts.Difficulty,
		Salts:      make([]string, s.opts.Count),
	}
	for i := range spec.Salts {
		salt, err := pow.NewSalt(s.opts.SaltSize)
		if err != nil {
			span.SetStatus(codes.Error, "salt generation failed")
			return nil, fmt.Errorf("issue challenge: salt: %w", err)
		}
		spec.Salts[i] = salt
	}
	payload, err := domain.EncodeChallenge(spec)
	if err != nil {
		return nil, fmt.Errorf("issue challenge: %w", err)
	}

	now := s.now()
	tok := &domain.Token{
		ID:        uuid.NewString(),
		Kind:      domain.KindChallenge,
		Payload:   payload,
		ExpiresAt: now.Add(s.opts.ChallengeTTL),
		CreatedAt: now,
	}
	if err := s.repo.Upsert(ctx, tok); err != nil {
		return nil, s.storeFailure(ctx, span, "upsert_challenge", err)
	}

	prefix := logging.TokenPrefix(tok.ID)
	span.SetAttributes(attribute.String("captcha.token_prefix", prefix), attribute.Int("captcha.count", spec.Count))
	s.metrics.ChallengeIssued()
	s.logger.InfoContext(ctx, "challenge created", "token_prefix", prefix, "count", spec.Count, "difficulty", spec.Difficulty)
	s.audit.Record(ctx, auditdomain.Event{
		Action:      auditdomain.ActionChallengeIssued,
		TokenPrefix: prefix,
		Outcome:     "issued",
	})
	return &Challenge{Token: tok.ID, Spec: spec, Expires: tok.ExpiresAt}, nil
}

// RedeemChallenge checks one nonce per sub-puzzle against the challenge stored under token.
// On success the challenge is consumed and a solution token is minted. A wrong nonce or a
// length mismatch leaves the challenge in place for a retry. Only store failures return an error.
func (s *Service) RedeemChallenge(ctx context.Context, token string, solutions []uint64) (*RedeemResult, error) {
	ctx, span := s.tracer.Start(ctx, "captcha.RedeemChallenge")
	defer span.End()

	if s.opts.Bypass {
		s.bypass(ctx, span, auditdomain.ActionChallengeRedeemed)
		s.metrics.Redeemed(string(OutcomeBypassed))
		return &RedeemResult{
			Success: true,
			Token:   uuid.NewString(),
			Expires: s.now().Add(s.opts.SolutionTTL),
			Outcome: OutcomeBypassed,
		}, nil
	}

	prefix := logging.TokenPrefix(token)
	span.SetAttributes(attribute.String("captcha.token_prefix", prefix))

	res, err := s.redeem(ctx, token, solutions)
	if err != nil {
		return nil, s.storeFailure(ctx, span, "redeem", err)
	}
	span.SetAttributes(attribute.String("captcha.outcome", string(res.Outcome)))
	s.metrics.Redeemed(string(res.Outcome))
	s.logger.InfoContext(ctx, "challenge redeem", "token_prefix", prefix, "outcome", res.Outcome, "success", res.Success)
	s.audit.Record(ctx, auditdomain.Event{
		Action:      auditdomain.ActionChallengeRedeemed,
		TokenPrefix: prefix,
		Outcome:     string(res.Outcome),
	})
	return res, nil
}

func (s *Service) redeem(ctx context.Context, token string, solutions []uint64) (*RedeemResult, error) {
	fail := func(o Outcome) (*RedeemResult, error) { return &RedeemResult{Outcome: o}, nil }

	if token == "" {
		return fail(OutcomeInvalidChallenge)
	}
	now := s.now()
	tok, err := s.repo.GetByID(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("get challenge: %w", err)
	}
	if tok == nil || tok.Kind != domain.KindChallenge || tok.Expired(now) {
		return fail(OutcomeInvalidChallenge)
	}
	spec, err := domain.DecodeChallenge(tok.Payload)
	if err != nil {
		s.logger.ErrorContext(ctx, "stored challenge is corrupt", "token_prefix", logging.TokenPrefix(token), "err", err)
		return fail(OutcomeInvalidChallenge)
	}
	if len(solutions) != spec.Count {
		return fail(OutcomeMalformedSolutions)
	}
	for i, salt := range spec.Salts {
		if !pow.Check(salt, solutions[i], spec.Difficulty) {
			return fail(OutcomeRejected)
		}
	}

	// The store arbitrates concurrent redeemers: only one Consume returns the record.
	consumed, err := s.repo.Consume(ctx, token, domain.KindChallenge, now)
	if err != nil {
		return nil, fmt.Errorf("consume challenge: %w", err)
	}
	if consumed == nil {
		return fail(OutcomeInvalidChallenge)
	}

	expires := now.Add(s.opts.SolutionTTL)
	payload, err := domain.EncodeReceipt(domain.SolutionReceipt{
		ChallengePrefix: logging.TokenPrefix(token),
		ExpiresAt:       expires.UnixMilli(),
	})
	if err != nil {
		return nil, err
	}
	sol := &domain.Token{
		ID:        uuid.NewString(),
		Kind:      domain.KindSolution,
		Payload:   payload,
		ExpiresAt: expires,
		CreatedAt: now,
	}
	if err := s.repo.Upsert(ctx, sol); err != nil {
		return nil, fmt.Errorf("upsert solution: %w", err)
	}
	return &RedeemResult{Success: true, Token: sol.ID, Expires: expires, Outcome: OutcomeRedeemed}, nil
}

// ValidateToken spends a redemption token. It returns true at most once per token, and only
// before the token expires.
func (s *Service) ValidateToken(ctx context.Context, token string) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "captcha.ValidateToken")
	defer span.End()

	if s.opts.Bypass {
		s.bypass(ctx, span, auditdomain.ActionTokenValidated)
		s.metrics.Validated(true)
		return true, nil
	}
	prefix := logging.TokenPrefix(token)
	span.SetAttributes(attribute.String("captcha.token_prefix", prefix))

	ok := false
	if token != "" {
		tok, err := s.repo.Consume(ctx, token, domain.KindSolution, s.now())
		if err != nil {
			return false, s.storeFailure(ctx, span, "consume_solution", err)
		}
		ok = tok != nil
	}
	outcome := "rejected"
	if ok {
		outcome = "accepted"
	}
	span.SetAttributes(attribute.Bool("captcha.valid", ok))
	s.metrics.Validated(ok)
	s.logger.InfoContext(ctx, "redemption token validated", "token_prefix", prefix, "outcome", outcome)
	s.audit.Record(ctx, auditdomain.Event{
		Action:      auditdomain.ActionTokenValidated,
		TokenPrefix: prefix,
		Outcome:     outcome,
	})
	return ok, nil
}

// Sweep removes every expired token and returns how many the store deleted.
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "captcha.Sweep")
	defer span.End()

	n, err := s.repo.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, s.storeFailure(ctx, span, "delete_expired", err)
	}
	span.SetAttributes(attribute.Int64("captcha.swept", n))
	s.metrics.Swept(n)
	if n > 0 {
		s.logger.InfoContext(ctx, "expired tokens swept", "count", n)
		s.audit.Record(ctx, auditdomain.Event{
			Action:  auditdomain.ActionTokensSwept,
			Outcome: "swept",
			Count:   n,
		})
	}
	return n, nil
}

func (s *Service) bypass(ctx context.Context, span trace.Span, action string) {
	span.SetAttributes(attribute.Bool("captcha.bypass", true))
	s.metrics.Bypassed()
	s.logger.WarnContext(ctx, BypassMessage, "action", action)
	s.audit.Record(ctx, auditdomain.Event{Action: action, Outcome: string(OutcomeBypassed)})
}

func (s *Service) storeFailure(ctx context.Context, span trace.Span, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, op)
	s.metrics.StoreError(op)
	s.logger.ErrorContext(ctx, "token store failure", "op", op, "err", err)
	return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
}

func (s *Service) now() time.Time {
	return s.opts.Now().UTC()
}

type noopMetrics struct{}

func (noopMetrics) ChallengeIssued()  {}
func (noopMetrics) Redeemed(string)   {}
func (noopMetrics) Validated(bool)    {}
func (noopMetrics) Swept(int64)       {}
func (noopMetrics) Bypassed()         {}
func (noopMetrics) StoreError(string) {}
