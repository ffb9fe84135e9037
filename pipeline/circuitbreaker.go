package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/erfanmomeniii/entsync"
)

// CircuitState is the state of a CircuitBreaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned while the breaker rejects batches.
var ErrCircuitOpen = errors.New("pipeline: circuit breaker is open")

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold int
	// SuccessThreshold is the number of successes in half-open state
	// that closes it again.
	SuccessThreshold int
	// Timeout is how long the circuit stays open before a trial.
	Timeout time.Duration
	// OnStateChange is called on every transition.
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig opens after 5 failures for 30s and closes
// after 2 trial successes.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// CircuitBreaker stops calls to a failing destination for a while.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	now    func() time.Time

	mu          sync.Mutex
	state       CircuitState
	failures    int
	successes   int
	lastFailure time.Time
}

// NewCircuitBreaker creates a closed breaker. Panics if a threshold is
// not positive or the timeout is negative.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		panic("pipeline: failure threshold must be positive")
	}
	if config.SuccessThreshold <= 0 {
		panic("pipeline: success threshold must be positive")
	}
	if config.Timeout < 0 {
		panic("pipeline: timeout cannot be negative")
	}
	return &CircuitBreaker{config: config, now: time.Now}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow reports whether a call may proceed. An open circuit whose timeout
// has elapsed moves to half-open and allows the call.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen {
		if cb.now().Sub(cb.lastFailure) < cb.config.Timeout {
			return false
		}
		cb.transition(CircuitHalfOpen)
	}
	return true
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transition(CircuitClosed)
		}
	case CircuitClosed:
		cb.failures = 0
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = cb.now()
	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.transition(CircuitOpen)
	}
}

// Reset closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(CircuitClosed)
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state, cb.failures, cb.successes = to, 0, 0
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(from, to)
	}
}

// CircuitBreakerApplier guards an Applier with a CircuitBreaker. A batch
// counts as a failure when it returns a fatal error or more changes
// failed than succeeded.
type CircuitBreakerApplier struct {
	next Applier
	cb   *CircuitBreaker
}

// NewCircuitBreakerApplier wraps next. Panics if next is nil.
func NewCircuitBreakerApplier(next Applier, config CircuitBreakerConfig) *CircuitBreakerApplier {
	if next == nil {
		panic("pipeline: applier cannot be nil")
	}
	return &CircuitBreakerApplier{next: next, cb: NewCircuitBreaker(config)}
}

// Apply implements Applier. While open it fails the batch with ErrCircuitOpen.
func (c *CircuitBreakerApplier) Apply(ctx context.Context, changes []Change) ([]Change, []Change, error) {
	if !c.cb.Allow() {
		return nil, changes, ErrCircuitOpen
	}
	synced, failed, err := c.next.Apply(ctx, changes)
	if err != nil || len(failed) > len(synced) {
		c.cb.RecordFailure()
	} else {
		c.cb.RecordSuccess()
	}
	return synced, failed, err
}

// CircuitBreaker returns the underlying breaker.
func (c *CircuitBreakerApplier) CircuitBreaker() *CircuitBreaker { return c.cb }

// ProviderBreakerApplier keeps one CircuitBreaker per provider, so an
// outage of one backend does not hold back changes bound for the others.
// Changes for a provider whose circuit is open fail without reaching next.
type ProviderBreakerApplier struct {
	next     Applier
	registry *entsync.Registry
	config   CircuitBreakerConfig
	onChange func(provider string, from, to CircuitState)

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewProviderBreakerApplier wraps next. Changes are attributed to their
// Provider field or to the provider registry binds their entity to.
// Panics if next or registry is nil.
func NewProviderBreakerApplier(next Applier, registry *entsync.Registry, config CircuitBreakerConfig) *ProviderBreakerApplier {
	if next == nil {
		panic("pipeline: applier cannot be nil")
	}
	if registry == nil {
		panic("pipeline: registry cannot be nil")
	}
	NewCircuitBreaker(config) // panics on an invalid config
	return &ProviderBreakerApplier{
		next:     next,
		registry: registry,
		config:   config,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// OnStateChange sets a callback for transitions of any provider's circuit.
// It must be set before the first Apply.
func (p *ProviderBreakerApplier) OnStateChange(fn func(provider string, from, to CircuitState)) *ProviderBreakerApplier {
	p.onChange = fn
	return p
}

// Breaker returns the breaker of provider, creating a closed one if needed.
func (p *ProviderBreakerApplier) Breaker(provider string) *CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cb, ok := p.breakers[provider]; ok {
		return cb
	}
	config := p.config
	if p.onChange != nil {
		config.OnStateChange = func(from, to CircuitState) {
			p.onChange(provider, from, to)
		}
	}
	cb := NewCircuitBreaker(config)
	p.breakers[provider] = cb
	return cb
}

func (p *ProviderBreakerApplier) providerOf(c Change) string {
	if c.Provider != "" {
		return c.Provider
	}
	if d, err := p.registry.For(c.Entity); err == nil {
		return d.Name()
	}
	return ""
}

// Apply implements Applier. A provider's circuit records a failure when
// more of its changes failed than succeeded. Fatal errors from next are
// not attributed to any provider.
func (p *ProviderBreakerApplier) Apply(ctx context.Context, changes []Change) ([]Change, []Change, error) {
	owner := make(map[string]string, len(changes))
	allowed := make(map[string]bool)
	var pass, rejected []Change
	for _, c := range changes {
		name := p.providerOf(c)
		owner[c.ID] = name
		ok, seen := allowed[name]
		if !seen {
			ok = p.Breaker(name).Allow()
			allowed[name] = ok
		}
		if ok {
			pass = append(pass, c)
		} else {
			rejected = append(rejected, c)
		}
	}

	var synced, failed []Change
	if len(pass) > 0 {
		var err error
		synced, failed, err = p.next.Apply(ctx, pass)
		if err != nil {
			return synced, append(failed, rejected...), err
		}
	}

	balance := make(map[string]int)
	for _, c := range synced {
		balance[owner[c.ID]]++
	}
	for _, c := range failed {
		balance[owner[c.ID]]--
	}
	for name, n := range balance {
		if n < 0 {
			p.Breaker(name).RecordFailure()
		} else {
			p.Breaker(name).RecordSuccess()
		}
	}
	return synced, append(failed, rejected...), nil
}
