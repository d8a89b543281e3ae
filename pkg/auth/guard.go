// Package auth protects the inbound events endpoint: platform request
// signatures and per-remote rate limiting. The Guard is transport-neutral
// so both HTTP fronts share it.
package auth

import (
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// Defaults applied when the rate-limit settings are zero.
const (
	defaultRPS   = 5
	defaultBurst = 10
)

// SecConfig holds the settings the Guard needs.
type SecConfig struct {
	// SigningSecret enables signature verification when non-empty.
	SigningSecret string
	RPS           float64
	Burst         int
}

// Guard bundles signature checking with a token bucket per remote host.
// Buckets are created lazily on first sight of a host and never expire;
// the endpoint's remote set is small (the platform's egress IPs).
type Guard struct {
	secret string
	limit  rate.Limit
	burst  int

	mu      sync.Mutex
	remotes map[string]*rate.Limiter
}

// NewGuard builds a Guard from cfg, resolving rate-limit defaults once.
func NewGuard(cfg SecConfig) *Guard {
	rps := cfg.RPS
	if rps <= 0 {
		rps = defaultRPS
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	return &Guard{
		secret:  cfg.SigningSecret,
		limit:   rate.Limit(rps),
		burst:   burst,
		remotes: make(map[string]*rate.Limiter),
	}
}

// AllowRemote applies the token-bucket limit for the remote address
// (host:port or bare host). All ports of one host share a bucket.
func (g *Guard) AllowRemote(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return g.limiterFor(host).Allow()
}

func (g *Guard) limiterFor(host string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.remotes[host]
	if !ok {
		l = rate.NewLimiter(g.limit, g.burst)
		g.remotes[host] = l
	}
	return l
}

// VerifyRequest checks the platform signature headers against body.
// Verification is a no-op (always true) when no signing secret is
// configured, e.g. in local runs.
func (g *Guard) VerifyRequest(hdr http.Header, body []byte) bool {
	if g.secret == "" {
		return true
	}
	ts := hdr.Get("X-Slack-Request-Timestamp")
	sig := hdr.Get("X-Slack-Signature")
	return VerifySignature(g.secret, ts, sig, body)
}
