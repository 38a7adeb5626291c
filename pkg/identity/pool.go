// Package identity generates and rotates synthetic client identities:
// a browser header set, the matching transport profile, and a fresh
// session token, rotated as a unit every N dispatched requests.
package identity

import (
	"encoding/hex"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for identity rotation.
var (
	identityRotationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shelfwatch_identity_rotations_total",
		Help: "Total identity rotations by reason",
	}, []string{"reason"})
)

// Identity is a synthetic client signature. It is immutable once issued;
// rotation replaces it wholesale.
type Identity struct {
	// Archetype is the catalog entry this identity was drawn from.
	Archetype string

	// Headers is the full header set including User-Agent. The declared
	// client family always matches Profile.
	Headers map[string]string

	// Profile is the transport profile paired with the header set.
	Profile Profile

	// SessionToken is the per-identity correlation value sent to the
	// remote service. Format: "01" followed by 30 uppercase hex characters.
	SessionToken string

	// Generation increments on every rotation, for post-hoc diagnosis.
	Generation int
}

// Pool issues identities and rotates them on a request-count schedule.
// Safe for concurrent use.
type Pool struct {
	mu           sync.Mutex
	rng          *rand.Rand
	counter      uint64
	mintedWindow uint64
	current      Identity
	minted       bool
	logger       zerolog.Logger
}

// NewPool creates an identity pool seeded from the current time.
func NewPool() *Pool {
	return NewPoolWithSource(rand.NewSource(time.Now().UnixNano()))
}

// NewPoolWithSource creates a pool with a caller-supplied random source,
// used by tests that need a deterministic archetype sequence.
func NewPoolWithSource(src rand.Source) *Pool {
	return &Pool{
		rng:    rand.New(src),
		logger: log.With().Str("component", "identity-pool").Logger(),
	}
}

// Next returns the identity for the next dispatched request. The pool keeps
// an internal request counter; a new identity is minted whenever the counter
// crosses a rotateEvery boundary, otherwise the cached identity is returned.
// rotateEvery values below 1 are treated as 1.
func (p *Pool) Next(rotateEvery int) Identity {
	return p.NextN(rotateEvery, 1)
}

// NextN returns the identity for the next n dispatched requests and
// advances the request counter by n, so rotation windows count individual
// requests even when they go out in batches. All n requests share one
// identity; a window boundary inside the batch takes effect on the next
// call.
func (p *Pool) NextN(rotateEvery, n int) Identity {
	if rotateEvery < 1 {
		rotateEvery = 1
	}
	if n < 1 {
		n = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	window := p.counter / uint64(rotateEvery)
	if !p.minted || window != p.mintedWindow {
		p.rotateLocked("scheduled")
		p.mintedWindow = window
	}
	p.counter += uint64(n)

	return p.current
}

// ForceRotate discards the current identity immediately, bypassing the
// counter. Used when a Blocked classification indicates the identity has
// been burned.
func (p *Pool) ForceRotate() Identity {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.rotateLocked("forced")
	return p.current
}

// Current returns the cached identity without advancing the counter.
// Mints one if the pool has never rotated.
func (p *Pool) Current() Identity {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.minted {
		p.rotateLocked("scheduled")
	}
	return p.current
}

func (p *Pool) rotateLocked(reason string) {
	arch := catalog[p.rng.Intn(len(catalog))]

	headers := make(map[string]string, len(arch.Headers)+1)
	for k, v := range arch.Headers {
		headers[k] = v
	}
	headers["User-Agent"] = arch.UserAgent

	p.current = Identity{
		Archetype:    arch.Name,
		Headers:      headers,
		Profile:      arch.Profile,
		SessionToken: mintSessionToken(),
		Generation:   p.current.Generation + 1,
	}
	p.minted = true

	identityRotationsTotal.WithLabelValues(reason).Inc()
	p.logger.Debug().
		Str("archetype", arch.Name).
		Str("reason", reason).
		Int("generation", p.current.Generation).
		Msg("Rotated identity")
}

// mintSessionToken produces a 32-character uppercase hex token with the
// fixed "01" prefix the remote service expects for visitor correlation.
func mintSessionToken() string {
	id := uuid.New()
	id[0] = 0x01
	return strings.ToUpper(hex.EncodeToString(id[:]))
}
