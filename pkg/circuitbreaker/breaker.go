// Package circuitbreaker guards calls to an external dependency. After
// FailureThreshold consecutive failures the breaker opens and rejects calls
// for Timeout; it then lets MaxRequests probes through (half-open) and
// closes again after SuccessThreshold consecutive successes.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
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

var (
	ErrOpen            = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

type Settings struct {
	FailureThreshold uint32
	SuccessThreshold uint32
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// MaxRequests bounds concurrent probes while half-open.
	MaxRequests uint32
	// OnStateChange is called after each transition, outside the lock.
	OnStateChange func(name string, from, to State)
}

func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		MaxRequests:      1,
	}
}

type Breaker struct {
	name     string
	settings Settings
	now      func() time.Time

	mu          sync.Mutex
	state       State
	expiry      time.Time
	inFlight    uint32
	consecFail  uint32
	consecSucc  uint32
	lastFailure error
}

// New fills zero settings from DefaultSettings.
func New(name string, settings Settings) *Breaker {
	def := DefaultSettings()
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = def.FailureThreshold
	}
	if settings.SuccessThreshold == 0 {
		settings.SuccessThreshold = def.SuccessThreshold
	}
	if settings.Timeout == 0 {
		settings.Timeout = def.Timeout
	}
	if settings.MaxRequests == 0 {
		settings.MaxRequests = def.MaxRequests
	}
	return &Breaker{name: name, settings: settings, now: time.Now}
}

func (b *Breaker) Name() string { return b.name }

// Execute runs fn unless the breaker rejects it with ErrOpen or
// ErrTooManyRequests. A nil return counts as success.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			b.after(errors.New("panic"))
			panic(r)
		}
	}()
	err := fn()
	b.after(err)
	return err
}

func (b *Breaker) State() State {
	b.mu.Lock()
	from := b.state
	state := b.current(b.now())
	b.mu.Unlock()
	b.notify(from, state)
	return state
}

// LastFailure returns the most recent error that counted against the breaker.
func (b *Breaker) LastFailure() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastFailure
}

func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.consecFail, b.consecSucc, b.inFlight = 0, 0, 0
	b.mu.Unlock()
	b.notify(from, StateClosed)
}

func (b *Breaker) before() error {
	b.mu.Lock()
	from := b.state
	state := b.current(b.now())
	var err error
	switch state {
	case StateOpen:
		err = ErrOpen
	case StateHalfOpen:
		if b.inFlight >= b.settings.MaxRequests {
			err = ErrTooManyRequests
		} else {
			b.inFlight++
		}
	}
	b.mu.Unlock()
	b.notify(from, state)
	return err
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	from := b.state
	if from == StateHalfOpen && b.inFlight > 0 {
		b.inFlight--
	}
	if err == nil {
		b.consecFail = 0
		b.consecSucc++
		if from == StateHalfOpen && b.consecSucc >= b.settings.SuccessThreshold {
			b.state = StateClosed
		}
	} else {
		b.consecSucc = 0
		b.consecFail++
		b.lastFailure = err
		if from == StateHalfOpen || b.consecFail >= b.settings.FailureThreshold {
			b.state = StateOpen
			b.expiry = b.now().Add(b.settings.Timeout)
		}
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
}

// current moves an expired open breaker to half-open. Callers hold mu.
func (b *Breaker) current(now time.Time) State {
	if b.state == StateOpen && !now.Before(b.expiry) {
		b.state = StateHalfOpen
		b.consecSucc = 0
		b.inFlight = 0
	}
	return b.state
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.name, from, to)
	}
}
