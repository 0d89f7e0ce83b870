// Package circuitbreaker stops sending to a provider that keeps failing
// with transport errors, then lets a few probe calls through after a
// cool-down to detect recovery.
package circuitbreaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/felipepmaragno/llm-orchestrator/internal/domain"
	"github.com/felipepmaragno/llm-orchestrator/internal/metrics"
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	// FailureThreshold consecutive transport failures open the breaker.
	FailureThreshold int
	// Probes is how many calls half-open admits; that many successes close it.
	Probes   int
	Cooldown time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Probes:           2,
		Cooldown:         30 * time.Second,
	}
}

// Breaker guards one provider. The zero value is not usable; see New.
type Breaker struct {
	provider domain.ProviderID
	cfg      Config
	now      func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	inFlight  int
	successes int
	openedAt  time.Time
}

func New(provider domain.ProviderID, cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Probes <= 0 {
		cfg.Probes = def.Probes
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	b := &Breaker{provider: provider, cfg: cfg, now: time.Now}
	metrics.SetCircuitBreakerState(string(provider), int(StateClosed))
	return b
}

// Allow admits a call or returns an error wrapping ErrCircuitBreakerOpen.
// Every admitted call must be followed by Success or Failure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		wait := b.cfg.Cooldown - b.now().Sub(b.openedAt)
		if wait > 0 {
			return fmt.Errorf("%w: %s, retry in %s", domain.ErrCircuitBreakerOpen, b.provider, wait.Round(time.Second))
		}
		b.transition(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if b.inFlight >= b.cfg.Probes {
			return fmt.Errorf("%w: %s, probe in flight", domain.ErrCircuitBreakerOpen, b.provider)
		}
		b.inFlight++
	}
	return nil
}

func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.inFlight--
		b.successes++
		if b.successes >= b.cfg.Probes {
			b.transition(StateClosed)
		}
	}
}

// Failure records a transport failure. Other error kinds say nothing about
// provider health and should not be reported.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
	}
}

// Release returns a half-open probe slot without judging the provider,
// e.g. when the caller gave up.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.inFlight > 0 {
		b.inFlight--
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transition must be called with mu held.
func (b *Breaker) transition(s State) {
	b.state = s
	b.failures = 0
	b.successes = 0
	b.inFlight = 0
	if s == StateOpen {
		b.openedAt = b.now()
	}
	metrics.SetCircuitBreakerState(string(b.provider), int(s))
}

// Set hands out one breaker per provider, created on first use.
type Set struct {
	cfg Config

	mu       sync.Mutex
	breakers map[domain.ProviderID]*Breaker
}

func NewSet(cfg Config) *Set {
	return &Set{cfg: cfg, breakers: make(map[domain.ProviderID]*Breaker)}
}

func (s *Set) Get(provider domain.ProviderID) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[provider]
	if !ok {
		b = New(provider, s.cfg)
		s.breakers[provider] = b
	}
	return b
}

// States reports every breaker created so far.
func (s *Set) States() map[domain.ProviderID]State {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[domain.ProviderID]State, len(s.breakers))
	for id, b := range s.breakers {
		out[id] = b.State()
	}
	return out
}
