// Package security implements the seed/key challenge that gates write class
// diagnostic operations.
package security

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/roffe/goscan"
	"github.com/roffe/goscan/pkg/uds"
)

const (
	DefaultMaxAttempts     = 3
	DefaultDenialDelay     = 10 * time.Second
	DefaultLockoutDuration = 10 * time.Minute
)

// Transport carries the two protocol steps. Both calls of one RequestAccess
// run inside one exclusive channel section.
type Transport interface {
	RequestSeed(ctx context.Context, level byte) ([]byte, error)
	SendKey(ctx context.Context, level byte, key []byte) error
}

type Config struct {
	// MaxAttempts is the number of consecutive denials that lock a level out.
	MaxAttempts     int
	DenialDelay     time.Duration
	LockoutDuration time.Duration
	Now             func() time.Time
	OnMessage       func(string)
}

// Session is the result of one access request. It must never outlive the
// diagnostic session it was granted in.
type Session struct {
	Level   byte
	Seed    []byte
	Key     []byte
	Granted bool
	At      time.Time
}

func (s *Session) String() string {
	if !s.Granted {
		return fmt.Sprintf("level 0x%02X not granted", s.Level)
	}
	return fmt.Sprintf("level 0x%02X granted at %s", s.Level, s.At.Format(time.TimeOnly))
}

type levelState struct {
	failures             int
	nextAttemptAllowedAt time.Time
	lockedUntil          time.Time
}

type Engine struct {
	mu       sync.Mutex
	cfg      Config
	strategy KeyDerivationStrategy
	levels   map[byte]*levelState
	session  *Session
}

func NewEngine(strategy KeyDerivationStrategy, cfg Config) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.DenialDelay <= 0 {
		cfg.DenialDelay = DefaultDenialDelay
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = DefaultLockoutDuration
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.OnMessage == nil {
		cfg.OnMessage = func(string) {}
	}
	return &Engine{
		cfg:      cfg,
		strategy: strategy,
		levels:   make(map[byte]*levelState),
	}
}

// SetStrategy swaps the key derivation used for the next requests.
func (e *Engine) SetStrategy(s KeyDerivationStrategy) {
	e.mu.Lock()
	e.strategy = s
	e.mu.Unlock()
}

func (e *Engine) state(level byte) *levelState {
	st, ok := e.levels[level]
	if !ok {
		st = &levelState{}
		e.levels[level] = st
	}
	return st
}

// Check reports, without touching the vehicle, whether an attempt for level
// would be refused locally.
func (e *Engine) Check(level byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.check(level, e.cfg.Now())
}

func (e *Engine) check(level byte, now time.Time) error {
	st := e.state(level)
	if now.Before(st.lockedUntil) {
		return &Error{Kind: LockedOut, Level: level, Remaining: st.lockedUntil.Sub(now), Failures: st.failures}
	}
	if now.Before(st.nextAttemptAllowedAt) {
		return &Error{Kind: DelayActive, Level: level, Remaining: st.nextAttemptAllowedAt.Sub(now), Failures: st.failures}
	}
	if !st.lockedUntil.IsZero() {
		// lockout elapsed
		st.lockedUntil = time.Time{}
		st.failures = 0
	}
	return nil
}

// RequestAccess runs seed request, key derivation and key send for level.
// Attempts refused locally never reach the transport.
func (e *Engine) RequestAccess(ctx context.Context, t Transport, level byte) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.check(level, e.cfg.Now()); err != nil {
		return nil, err
	}
	e.session = nil

	seed, err := t.RequestSeed(ctx, level)
	if err != nil {
		return nil, e.ecuError(level, err)
	}
	if len(seed) == 0 {
		return nil, &Error{Kind: InvalidSeed, Level: level, Err: fmt.Errorf("empty seed")}
	}
	if zero(seed) {
		e.cfg.OnMessage("security access already granted")
		return e.grant(level, seed, nil), nil
	}
	if e.strategy == nil {
		return nil, &Error{Kind: NoStrategy, Level: level}
	}
	key, err := e.strategy.DeriveKey(seed, level)
	if err != nil {
		return nil, &Error{Kind: NoStrategy, Level: level, Err: err}
	}
	if err := t.SendKey(ctx, level, key); err != nil {
		return nil, e.ecuError(level, err)
	}
	return e.grant(level, seed, key), nil
}

func (e *Engine) grant(level byte, seed, key []byte) *Session {
	st := e.state(level)
	st.failures = 0
	st.nextAttemptAllowedAt = time.Time{}
	e.session = &Session{Level: level, Seed: seed, Key: key, Granted: true, At: e.cfg.Now()}
	out := *e.session
	return &out
}

// ecuError updates the level bookkeeping from a failed step.
func (e *Engine) ecuError(level byte, err error) error {
	nrc, ok := goscan.IsNegative(err)
	if !ok {
		return err
	}
	now := e.cfg.Now()
	st := e.state(level)
	switch nrc.Code {
	case uds.InvalidKey, uds.SecurityAccessDenied:
		st.failures++
		st.nextAttemptAllowedAt = now.Add(e.cfg.DenialDelay)
		if st.failures >= e.cfg.MaxAttempts {
			st.lockedUntil = now.Add(e.cfg.LockoutDuration)
		}
		return &Error{Kind: Denied, Level: level, Remaining: e.cfg.DenialDelay, Failures: st.failures, Err: err}
	case uds.ExceededNumberOfAttempts:
		st.failures = e.cfg.MaxAttempts
		st.lockedUntil = now.Add(e.cfg.LockoutDuration)
		return &Error{Kind: LockedOut, Level: level, Remaining: e.cfg.LockoutDuration, Failures: st.failures, Err: err}
	case uds.RequiredTimeDelayNotExpired:
		st.nextAttemptAllowedAt = now.Add(e.cfg.DenialDelay)
		return &Error{Kind: DelayActive, Level: level, Remaining: e.cfg.DenialDelay, Failures: st.failures, Err: err}
	}
	return &Error{Kind: Rejected, Level: level, Failures: st.failures, Err: err}
}

// Granted reports whether access for level is currently held.
func (e *Engine) Granted(level byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session != nil && e.session.Granted && e.session.Level == level
}

// Current returns a copy of the active session, nil when none.
func (e *Engine) Current() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	out := *e.session
	return &out
}

// Invalidate drops any granted session. Attempt counters and timers are
// kept since the ECU keeps them too.
func (e *Engine) Invalidate() {
	e.mu.Lock()
	e.session = nil
	e.mu.Unlock()
}

// Status reports the bookkeeping of level.
func (e *Engine) Status(level byte) (failures int, nextAttemptAllowedAt, lockedUntil time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.state(level)
	return st.failures, st.nextAttemptAllowedAt, st.lockedUntil
}

func zero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
