// Package metrics holds the Prometheus collectors for challenge issuance and redemption.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "capgate"

// Metrics is the set of captcha counters. A nil *Metrics records nothing.
type Metrics struct {
	ChallengesIssued prometheus.Counter
	Redemptions      *prometheus.CounterVec
	Validations      *prometheus.CounterVec
	TokensSwept      prometheus.Counter
	Bypasses         prometheus.Counter
	StoreErrors      *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
// Pass prometheus.DefaultRegisterer in binaries and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ChallengesIssued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "challenges_issued_total",
			Help:      "Challenges issued",
		}),
		Redemptions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redemptions_total",
			Help:      "Redemption attempts by outcome",
		}, []string{"outcome"}),
		Validations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validations_total",
			Help:      "Redemption token validations by result",
		}, []string{"result"}),
		TokensSwept: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_swept_total",
			Help:      "Expired tokens removed by sweeps",
		}),
		Bypasses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bypass_total",
			Help:      "Verifications short-circuited by bypass mode",
		}),
		StoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Token store failures by operation",
		}, []string{"op"}),
	}
}

func (m *Metrics) ChallengeIssued() {
	if m == nil {
		return
	}
	m.ChallengesIssued.Inc()
}

func (m *Metrics) Redeemed(outcome string) {
	if m == nil {
		return
	}
	m.Redemptions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Validated(ok bool) {
	if m == nil {
		return
	}
	result := "rejected"
	if ok {
		result = "accepted"
	}
	m.Validations.WithLabelValues(result).Inc()
}

func (m *Metrics) Swept(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.TokensSwept.Add(float64(n))
}

func (m *Metrics) Bypassed() {
	if m == nil {
		return
	}
	m.Bypasses.Inc()
}

func (m *Metrics) StoreError(op string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(op).Inc()
}
