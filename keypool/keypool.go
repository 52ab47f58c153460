package keypool

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// ProviderClass selects which key ring Acquire draws from.
type ProviderClass string

const (
	ProviderPrimary  ProviderClass = "primary"
	ProviderFallback ProviderClass = "fallback"
)

// CredentialState tracks whether a key is usable right now.
type CredentialState string

const (
	StateAvailable   CredentialState = "available"
	StateRateLimited CredentialState = "rate_limited"
	StateDisabled    CredentialState = "disabled"
)

// Outcome is what the caller observed using a credential.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRateLimited
	OutcomeAuthError
	OutcomeTransientError
)

// ErrProviderRateLimited means every credential across every provider class is
// rate-limited or disabled. Callers surface this as a terminal task failure.
var ErrProviderRateLimited = errors.New("all provider credentials are rate-limited or disabled")

// ErrNoCredentials means the pool was built with no keys at all.
var ErrNoCredentials = errors.New("no credentials configured")

// Credential is one API key plus its rotation state. Lifecycle is tied to
// process uptime; nothing here is persisted.
type Credential struct {
	Provider      ProviderClass
	Endpoint      string
	Model         string
	KeyMaterial   string
	State         CredentialState
	CooldownUntil time.Time
	strikes       int
}

func (c *Credential) usable(now time.Time) bool {
	switch c.State {
	case StateAvailable:
		return true
	case StateRateLimited:
		return now.After(c.CooldownUntil)
	default:
		return false
	}
}

// Pool holds the credential table for all provider classes. It is the only
// cross-task shared state besides the cache, so every transition happens
// under the mutex.
type Pool struct {
	mu          sync.Mutex
	creds       map[ProviderClass][]*Credential
	cursor      map[ProviderClass]int
	backoffBase time.Duration
	backoffMax  time.Duration
}

// Option configures a Pool at construction.
type Option func(*Pool)

// WithBackoff overrides the rate-limit cooldown curve.
func WithBackoff(base, max time.Duration) Option {
	return func(p *Pool) {
		if base > 0 {
			p.backoffBase = base
		}
		if max > 0 {
			p.backoffMax = max
		}
	}
}

func New(opts ...Option) *Pool {
	p := &Pool{
		creds:       make(map[ProviderClass][]*Credential),
		cursor:      make(map[ProviderClass]int),
		backoffBase: 5 * time.Second,
		backoffMax:  5 * time.Minute,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AddKeys registers keys for a provider class. Order is preserved; Acquire
// round-robins across them.
func (p *Pool) AddKeys(class ProviderClass, endpoint, model string, keys []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, key := range keys {
		p.creds[class] = append(p.creds[class], &Credential{
			Provider:    class,
			Endpoint:    endpoint,
			Model:       model,
			KeyMaterial: key,
			State:       StateAvailable,
		})
	}
	log.Printf("🔑 [KEYPOOL] Registered %d %s credential(s)", len(keys), class)
}

// Acquire returns the next usable credential for the class, cycling
// round-robin to spread load. When the primary ring is exhausted it falls
// over to the fallback ring instead of failing; only when both rings are
// empty does it return ErrProviderRateLimited.
func (p *Pool) Acquire(class ProviderClass) (*Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.total() == 0 {
		return nil, ErrNoCredentials
	}

	if cred := p.acquireLocked(class); cred != nil {
		return cred, nil
	}
	if class == ProviderPrimary {
		if cred := p.acquireLocked(ProviderFallback); cred != nil {
			log.Printf("🔁 [KEYPOOL] Primary exhausted, failing over to fallback provider")
			return cred, nil
		}
	}
	return nil, ErrProviderRateLimited
}

func (p *Pool) acquireLocked(class ProviderClass) *Credential {
	ring := p.creds[class]
	if len(ring) == 0 {
		return nil
	}
	now := time.Now()
	start := p.cursor[class]
	for i := 0; i < len(ring); i++ {
		idx := (start + i) % len(ring)
		cred := ring[idx]
		if cred.usable(now) {
			if cred.State == StateRateLimited {
				// Cooldown elapsed; the key is back in rotation.
				cred.State = StateAvailable
			}
			p.cursor[class] = (idx + 1) % len(ring)
			return cred
		}
	}
	return nil
}

// ReportOutcome transitions credential state after a call. Rate limits apply
// an exponential cooldown; auth errors disable the key for the process
// lifetime; success resets the strike counter.
func (p *Pool) ReportOutcome(cred *Credential, outcome Outcome) {
	if cred == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	switch outcome {
	case OutcomeSuccess:
		cred.strikes = 0
		if cred.State == StateRateLimited {
			cred.State = StateAvailable
		}
	case OutcomeRateLimited:
		cred.strikes++
		cooldown := p.backoffBase << uint(cred.strikes-1)
		if cooldown > p.backoffMax || cooldown <= 0 {
			cooldown = p.backoffMax
		}
		cred.State = StateRateLimited
		cred.CooldownUntil = time.Now().Add(cooldown)
		log.Printf("⏳ [KEYPOOL] %s credential rate-limited, cooling down %v (strike %d)",
			cred.Provider, cooldown, cred.strikes)
	case OutcomeAuthError:
		cred.State = StateDisabled
		log.Printf("🚫 [KEYPOOL] %s credential disabled after auth error", cred.Provider)
	case OutcomeTransientError:
		// Transient network failures do not poison the key.
	}
}

// Available counts usable credentials in a class right now.
func (p *Pool) Available(class ProviderClass) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	n := 0
	for _, cred := range p.creds[class] {
		if cred.usable(now) {
			n++
		}
	}
	return n
}

// Snapshot returns a diagnostic view of every credential without exposing
// key material.
func (p *Pool) Snapshot() []CredentialInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []CredentialInfo
	for class, ring := range p.creds {
		for i, cred := range ring {
			out = append(out, CredentialInfo{
				Provider:      string(class),
				Index:         i,
				State:         string(cred.State),
				CooldownUntil: cred.CooldownUntil,
			})
		}
	}
	return out
}

// CredentialInfo is the redacted form used by Snapshot.
type CredentialInfo struct {
	Provider      string    `json:"provider"`
	Index         int       `json:"index"`
	State         string    `json:"state"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
}

func (p *Pool) total() int {
	n := 0
	for _, ring := range p.creds {
		n += len(ring)
	}
	return n
}

// String implements fmt.Stringer for log lines.
func (p *Pool) String() string {
	return fmt.Sprintf("keypool{primary=%d fallback=%d}",
		p.Available(ProviderPrimary), p.Available(ProviderFallback))
}
