package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"capgate/internal/captcha/domain"
	"capgate/internal/captcha/pow"
	"capgate/internal/captcha/repository"
	"capgate/internal/metrics"
)

// fakeClock is a settable clock for expiry tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// failingRepo fails every call; used for store-failure paths and to prove bypass never touches the store.
type failingRepo struct {
	err   error
	calls int
}

func (r *failingRepo) Upsert(context.Context, *domain.Token) error { r.calls++; return r.err }
func (r *failingRepo) GetByID(context.Context, string) (*domain.Token, error) {
	r.calls++
	return nil, r.err
}
func (r *failingRepo) Delete(context.Context, string) error { r.calls++; return r.err }
func (r *failingRepo) Consume(context.Context, string, domain.Kind, time.Time) (*domain.Token, error) {
	r.calls++
	return nil, r.err
}
func (r *failingRepo) DeleteExpired(context.Context, time.Time) (int64, error) {
	r.calls++
	return 0, r.err
}
func (r *failingRepo) Ping(context.Context) error { r.calls++; return r.err }

func testOptions(clock *fakeClock) Options {
	return Options{
		Count:        3,
		SaltSize:     16,
		Difficulty:   2,
		ChallengeTTL: 10 * time.Minute,
		SolutionTTL:  5 * time.Minute,
		Now:          clock.Now,
	}
}

func newTestService(t *testing.T, repo repository.Repository, opts Options) (*Service, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewService(repo, opts, logger, nil, nil), &buf
}

func solve(t *testing.T, ch *Challenge) []uint64 {
	t.Helper()
	sols, err := pow.SolveAll(context.Background(), ch.Spec.Salts, ch.Spec.Difficulty)
	if err != nil {
		t.Fatalf("SolveAll: %v", err)
	}
	return sols
}

// logRecords decodes every JSON log line in buf.
func logRecords(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("bad log line %q: %v", line, err)
		}
		out = append(out, rec)
	}
	return out
}

func countBypassWarnings(t *testing.T, buf *bytes.Buffer) int {
	t.Helper()
	n := 0
	for _, rec := range logRecords(t, buf) {
		if rec["level"] == "WARN" && rec["msg"] == BypassMessage {
			n++
		}
	}
	return n
}

func TestIssueChallenge(t *testing.T) {
	clock := newFakeClock()
	repo := repository.NewMemoryRepository()
	svc, _ := newTestService(t, repo, testOptions(clock))

	ch, err := svc.IssueChallenge(context.Background())
	if err != nil {
		t.Fatalf("IssueChallenge: %v", err)
	}
	if len(ch.Token) != 36 {
		t.Errorf("token length = %d, want 36", len(ch.Token))
	}
	if ch.Spec.Count != 3 || len(ch.Spec.Salts) != 3 {
		t.Errorf("spec count = %d with %d salts, want 3/3", ch.Spec.Count, len(ch.Spec.Salts))
	}
	for i, salt := range ch.Spec.Salts {
		if len(salt) != 16 {
			t.Errorf("salt[%d] length = %d, want 16", i, len(salt))
		}
	}
	if ch.Spec.Difficulty != 2 {
		t.Errorf("difficulty = %d, want 2", ch.Spec.Difficulty)
	}
	if want := clock.Now().Add(10 * time.Minute); !ch.Expires.Equal(want) {
		t.Errorf("expires = %v, want %v", ch.Expires, want)
	}

	stored, err := repo.GetByID(context.Background(), ch.Token)
	if err != nil || stored == nil {
		t.Fatalf("stored challenge = %v, %v", stored, err)
	}
	if stored.Kind != domain.KindChallenge {
		t.Errorf("stored kind = %q, want challenge", stored.Kind)
	}
	spec, err := domain.DecodeChallenge(stored.Payload)
	if err != nil {
		t.Fatalf("DecodeChallenge: %v", err)
	}
	if spec.Salts[0] != ch.Spec.Salts[0] {
		t.Error("stored salts differ from issued salts")
	}
}

func TestIssueChallenge_UniqueTokensAndSalts(t *testing.T) {
	svc, _ := newTestService(t, repository.NewMemoryRepository(), testOptions(newFakeClock()))
	a, err := svc.IssueChallenge(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	b, err := svc.IssueChallenge(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if a.Token == b.Token {
		t.Error("two challenges share a token")
	}
	if a.Spec.Salts[0] == b.Spec.Salts[0] {
		t.Error("two challenges share a salt")
	}
}

func TestRedeemChallenge_SuccessThenReplayFails(t *testing.T) {
	clock := newFakeClock()
	repo := repository.NewMemoryRepository()
	svc, buf := newTestService(t, repo, testOptions(clock))
	ctx := context.Background()

	ch, err := svc.IssueChallenge(ctx)
	if err != nil {
		t.Fatal(err)
	}
	sols := solve(t, ch)

	res, err := svc.RedeemChallenge(ctx, ch.Token, sols)
	if err != nil {
		t.Fatalf("RedeemChallenge: %v", err)
	}
	if !res.Success || res.Outcome != OutcomeRedeemed {
		t.Fatalf("result = %+v, want success", res)
	}
	if len(res.Token) != 36 {
		t.Errorf("solution token length = %d, want 36", len(res.Token))
	}
	if res.Token == ch.Token {
		t.Error("solution token should differ from the challenge token")
	}
	if want := clock.Now().Add(5 * time.Minute); !res.Expires.Equal(want) {
		t.Errorf("expires = %v, want %v", res.Expires, want)
	}
	if left, _ := repo.GetByID(ctx, ch.Token); left != nil {
		t.Error("challenge should be consumed after a successful redeem")
	}
	sol, _ := repo.GetByID(ctx, res.Token)
	if sol == nil || sol.Kind != domain.KindSolution {
		t.Fatalf("solution token = %+v, want kind solution", sol)
	}

	again, err := svc.RedeemChallenge(ctx, ch.Token, sols)
	if err != nil {
		t.Fatalf("RedeemChallenge (replay): %v", err)
	}
	if again.Success || again.Outcome != OutcomeInvalidChallenge {
		t.Errorf("replay result = %+v, want invalid challenge", again)
	}
	if again.Token != "" {
		t.Error("failed redeem should not return a token")
	}

	if strings.Contains(buf.String(), ch.Token) {
		t.Error("full challenge token leaked into logs")
	}
	if strings.Contains(buf.String(), res.Token) {
		t.Error("full solution token leaked into logs")
	}
}

func TestRedeemChallenge_Expired(t *testing.T) {
	clock := newFakeClock()
	repo := repository.NewMemoryRepository()
	svc, _ := newTestService(t, repo, testOptions(clock))
	ctx := context.Background()

	ch, err := svc.IssueChallenge(ctx)
	if err != nil {
		t.Fatal(err)
	}
	sols := solve(t, ch)
	clock.Advance(10 * time.Minute)

	res, err := svc.RedeemChallenge(ctx, ch.Token, sols)
	if err != nil {
		t.Fatalf("RedeemChallenge: %v", err)
	}
	if res.Success || res.Outcome != OutcomeInvalidChallenge {
		t.Errorf("result = %+v, want invalid challenge at expiry", res)
	}
}

func TestRedeemChallenge_LengthMismatchKeepsChallenge(t *testing.T) {
	clock := newFakeClock()
	repo := repository.NewMemoryRepository()
	svc, _ := newTestService(t, repo, testOptions(clock))
	ctx := context.Background()

	ch, err := svc.IssueChallenge(ctx)
	if err != nil {
		t.Fatal(err)
	}
	sols := solve(t, ch)

	for _, bad := range [][]uint64{nil, sols[:2], append(append([]uint64{}, sols...), 0)} {
		res, err := svc.RedeemChallenge(ctx, ch.Token, bad)
		if err != nil {
			t.Fatalf("RedeemChallenge: %v", err)
		}
		if res.Success || res.Outcome != OutcomeMalformedSolutions {
			t.Errorf("len %d: result = %+v, want malformed solutions", len(bad), res)
		}
	}
	if left, _ := repo.GetByID(ctx, ch.Token); left == nil {
		t.Fatal("challenge should survive a length mismatch")
	}
	res, err := svc.RedeemChallenge(ctx, ch.Token, sols)
	if err != nil || !res.Success {
		t.Errorf("retry with correct solutions = %+v, %v; want success", res, err)
	}
}

func TestRedeemChallenge_WrongNonceKeepsChallenge(t *testing.T) {
	clock := newFakeClock()
	repo := repository.NewMemoryRepository()
	svc, _ := newTestService(t, repo, testOptions(clock))
	ctx := context.Background()

	ch, err := svc.IssueChallenge(ctx)
	if err != nil {
		t.Fatal(err)
	}
	sols := solve(t, ch)
	wrong := append([]uint64{}, sols...)
	bad := wrong[1] + 1
	for pow.Check(ch.Spec.Salts[1], bad, ch.Spec.Difficulty) {
		bad++
	}
	wrong[1] = bad

	res, err := svc.RedeemChallenge(ctx, ch.Token, wrong)
	if err != nil {
		t.Fatalf("RedeemChallenge: %v", err)
	}
	if res.Success || res.Outcome != OutcomeRejected {
		t.Errorf("result = %+v, want rejected", res)
	}
	if left, _ := repo.GetByID(ctx, ch.Token); left == nil {
		t.Fatal("challenge should survive a wrong nonce")
	}
	res, err = svc.RedeemChallenge(ctx, ch.Token, sols)
	if err != nil || !res.Success {
		t.Errorf("retry with correct solutions = %+v, %v; want success", res, err)
	}
}

func TestRedeemChallenge_ZeroCount(t *testing.T) {
	clock := newFakeClock()
	opts := testOptions(clock)
	opts.Count = 0
	opts.Difficulty = 0
	svc, _ := newTestService(t, repository.NewMemoryRepository(), opts)
	ctx := context.Background()

	for _, sols := range [][]uint64{nil, {}} {
		ch, err := svc.IssueChallenge(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(ch.Spec.Salts) != 0 {
			t.Fatalf("salts = %v, want none", ch.Spec.Salts)
		}
		res, err := svc.RedeemChallenge(ctx, ch.Token, sols)
		if err != nil {
			t.Fatalf("RedeemChallenge: %v", err)
		}
		if !res.Success {
			t.Errorf("count 0 redeem = %+v, want success", res)
		}
	}
}

func TestRedeemChallenge_UnknownOrWrongKind(t *testing.T) {
	clock := newFakeClock()
	repo := repository.NewMemoryRepository()
	svc, _ := newTestService(t, repo, testOptions(clock))
	ctx := context.Background()

	ch, err := svc.IssueChallenge(ctx)
	if err != nil {
		t.Fatal(err)
	}
	res, err := svc.RedeemChallenge(ctx, ch.Token, solve(t, ch))
	if err != nil || !res.Success {
		t.Fatalf("redeem = %+v, %v", res, err)
	}

	for _, token := range []string{"", "does-not-exist", res.Token} {
		got, err := svc.RedeemChallenge(ctx, token, nil)
		if err != nil {
			t.Fatalf("RedeemChallenge(%q): %v", token, err)
		}
		if got.Success || got.Outcome != OutcomeInvalidChallenge {
			t.Errorf("RedeemChallenge(%q) = %+v, want invalid challenge", token, got)
		}
	}
}

func TestRedeemChallenge_ConcurrentSingleWinner(t *testing.T) {
	clock := newFakeClock()
	repo := repository.NewMemoryRepository()
	svc := NewService(repo, testOptions(clock), slog.New(slog.NewTextHandler(io.Discard, nil)), nil, nil)
	ctx := context.Background()

	ch, err := svc.IssueChallenge(ctx)
	if err != nil {
		t.Fatal(err)
	}
	sols := solve(t, ch)

	const callers = 20
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.RedeemChallenge(ctx, ch.Token, sols)
			if err != nil {
				t.Errorf("RedeemChallenge: %v", err)
				return
			}
			if res.Success {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("successful redeems = %d, want 1", wins)
	}
	if repo.Len() != 1 {
		t.Errorf("store holds %d tokens, want exactly the one solution token", repo.Len())
	}
}

func TestBypass_RedeemNeverTouchesStore(t *testing.T) {
	repo := &failingRepo{err: errors.New("store must not be called")}
	opts := testOptions(newFakeClock())
	opts.Bypass = true
	svc, buf := newTestService(t, repo, opts)
	ctx := context.Background()

	if !svc.BypassEnabled() {
		t.Fatal("BypassEnabled = false, want true")
	}

	inputs := []struct {
		token string
		sols  []uint64
	}{
		{"", nil},
		{"nonexistent", []uint64{1, 2, 3, 4, 5}},
		{"3f2a9c1e-0000-4000-8000-000000000000", []uint64{}},
	}
	for i, in := range inputs {
		buf.Reset()
		res, err := svc.RedeemChallenge(ctx, in.token, in.sols)
		if err != nil {
			t.Fatalf("bypass redeem %d: %v", i, err)
		}
		if !res.Success || res.Outcome != OutcomeBypassed || res.Token == "" {
			t.Errorf("bypass redeem %d = %+v, want success with a token", i, res)
		}
		if n := countBypassWarnings(t, buf); n != 1 {
			t.Errorf("bypass redeem %d logged %d warnings, want 1", i, n)
		}
	}
	if repo.calls != 0 {
		t.Errorf("store called %d times in bypass mode, want 0", repo.calls)
	}
}

func TestBypass_ValidateToken(t *testing.T) {
	repo := &failingRepo{err: errors.New("store must not be called")}
	opts := testOptions(newFakeClock())
	opts.Bypass = true
	svc, buf := newTestService(t, repo, opts)

	ok, err := svc.ValidateToken(context.Background(), "")
	if err != nil || !ok {
		t.Errorf("ValidateToken in bypass = %v, %v; want true, nil", ok, err)
	}
	if n := countBypassWarnings(t, buf); n != 1 {
		t.Errorf("logged %d bypass warnings, want 1", n)
	}
	if repo.calls != 0 {
		t.Errorf("store called %d times in bypass mode, want 0", repo.calls)
	}
}

func TestBypass_OffByDefault(t *testing.T) {
	svc, buf := newTestService(t, repository.NewMemoryRepository(), testOptions(newFakeClock()))
	if svc.BypassEnabled() {
		t.Error("BypassEnabled = true, want false")
	}
	res, err := svc.RedeemChallenge(context.Background(), "nonexistent", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Error("redeem of unknown token should fail without bypass")
	}
	if n := countBypassWarnings(t, buf); n != 0 {
		t.Errorf("bypass warnings = %d, want 0", n)
	}
}

func TestValidateToken_SingleUse(t *testing.T) {
	clock := newFakeClock()
	svc, _ := newTestService(t, repository.NewMemoryRepository(), testOptions(clock))
	ctx := context.Background()

	ch, err := svc.IssueChallenge(ctx)
	if err != nil {
		t.Fatal(err)
	}
	res, err := svc.RedeemChallenge(ctx, ch.Token, solve(t, ch))
	if err != nil || !res.Success {
		t.Fatalf("redeem = %+v, %v", res, err)
	}

	ok, err := svc.ValidateToken(ctx, res.Token)
	if err != nil || !ok {
		t.Fatalf("first ValidateToken = %v, %v; want true", ok, err)
	}
	ok, err = svc.ValidateToken(ctx, res.Token)
	if err != nil || ok {
		t.Errorf("second ValidateToken = %v, %v; want false", ok, err)
	}
}

func TestValidateToken_Rejects(t *testing.T) {
	clock := newFakeClock()
	svc, _ := newTestService(t, repository.NewMemoryRepository(), testOptions(clock))
	ctx := context.Background()

	ch, err := svc.IssueChallenge(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// A challenge token is not a redemption token.
	if ok, _ := svc.ValidateToken(ctx, ch.Token); ok {
		t.Error("challenge token should not validate")
	}
	res, err := svc.RedeemChallenge(ctx, ch.Token, solve(t, ch))
	if err != nil || !res.Success {
		t.Fatalf("redeem = %+v, %v", res, err)
	}
	for _, token := range []string{"", "unknown"} {
		if ok, err := svc.ValidateToken(ctx, token); err != nil || ok {
			t.Errorf("ValidateToken(%q) = %v, %v; want false", token, ok, err)
		}
	}
	clock.Advance(5 * time.Minute)
	if ok, err := svc.ValidateToken(ctx, res.Token); err != nil || ok {
		t.Errorf("expired ValidateToken = %v, %v; want false", ok, err)
	}
}

func TestSweep_Idempotent(t *testing.T) {
	clock := newFakeClock()
	repo := repository.NewMemoryRepository()
	svc, _ := newTestService(t, repo, testOptions(clock))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := svc.IssueChallenge(ctx); err != nil {
			t.Fatal(err)
		}
	}
	n, err := svc.Sweep(ctx)
	if err != nil || n != 0 {
		t.Fatalf("Sweep before expiry = %d, %v; want 0", n, err)
	}

	clock.Advance(11 * time.Minute)
	if _, err := svc.IssueChallenge(ctx); err != nil {
		t.Fatal(err)
	}
	n, err = svc.Sweep(ctx)
	if err != nil || n != 2 {
		t.Fatalf("Sweep = %d, %v; want 2", n, err)
	}
	n, err = svc.Sweep(ctx)
	if err != nil || n != 0 {
		t.Errorf("second Sweep = %d, %v; want 0", n, err)
	}
	if repo.Len() != 1 {
		t.Errorf("store holds %d tokens, want the 1 live challenge", repo.Len())
	}
}

func TestStoreFailure(t *testing.T) {
	storeErr := errors.New("connection refused")
	svc, _ := newTestService(t, &failingRepo{err: storeErr}, testOptions(newFakeClock()))
	ctx := context.Background()

	if _, err := svc.IssueChallenge(ctx); !errors.Is(err, ErrStore) || !errors.Is(err, storeErr) {
		t.Errorf("IssueChallenge error = %v, want ErrStore wrapping the cause", err)
	}
	if _, err := svc.RedeemChallenge(ctx, "some-token", []uint64{1}); !errors.Is(err, ErrStore) {
		t.Errorf("RedeemChallenge error = %v, want ErrStore", err)
	}
	if _, err := svc.ValidateToken(ctx, "some-token"); !errors.Is(err, ErrStore) {
		t.Errorf("ValidateToken error = %v, want ErrStore", err)
	}
	if _, err := svc.Sweep(ctx); !errors.Is(err, ErrStore) {
		t.Errorf("Sweep error = %v, want ErrStore", err)
	}
}

func TestNewService_Defaults(t *testing.T) {
	svc := NewService(repository.NewMemoryRepository(), Options{Count: -1, Difficulty: 99}, nil, nil, nil)
	opts := svc.Options()
	if opts.Count != 0 {
		t.Errorf("Count = %d, want 0", opts.Count)
	}
	if opts.SaltSize != DefaultSaltSize {
		t.Errorf("SaltSize = %d, want %d", opts.SaltSize, DefaultSaltSize)
	}
	if opts.Difficulty != pow.MaxDifficulty {
		t.Errorf("Difficulty = %d, want %d", opts.Difficulty, pow.MaxDifficulty)
	}
	if opts.ChallengeTTL != repository.DefaultChallengeTTL || opts.SolutionTTL != repository.DefaultSolutionTTL {
		t.Errorf("TTLs = %v/%v, want defaults", opts.ChallengeTTL, opts.SolutionTTL)
	}
	d := DefaultOptions()
	if d.Count != 50 || d.SaltSize != 32 || d.Difficulty != 4 {
		t.Errorf("DefaultOptions = %+v, want 50/32/4", d)
	}
}

func TestService_Metrics(t *testing.T) {
	clock := newFakeClock()
	m := metrics.New(prometheus.NewRegistry())
	svc := NewService(repository.NewMemoryRepository(), testOptions(clock), slog.New(slog.NewTextHandler(io.Discard, nil)), m, nil)
	ctx := context.Background()

	ch, err := svc.IssueChallenge(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RedeemChallenge(ctx, ch.Token, nil); err != nil {
		t.Fatal(err)
	}
	res, err := svc.RedeemChallenge(ctx, ch.Token, solve(t, ch))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ValidateToken(ctx, res.Token); err != nil {
		t.Fatal(err)
	}

	if got := testutil.ToFloat64(m.ChallengesIssued); got != 1 {
		t.Errorf("challenges issued = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Redemptions.WithLabelValues(string(OutcomeMalformedSolutions))); got != 1 {
		t.Errorf("malformed redemptions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Redemptions.WithLabelValues(string(OutcomeRedeemed))); got != 1 {
		t.Errorf("redeemed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Validations.WithLabelValues("accepted")); got != 1 {
		t.Errorf("accepted validations = %v, want 1", got)
	}
}
