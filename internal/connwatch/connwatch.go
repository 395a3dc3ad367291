// Package connwatch tracks the health of stacked connection layers and
// paces their reconnect attempts.
//
// A [Layer] is one level of a connection stack (the LAN link, the MQTT
// session on top of it, a subscription on top of that). It is driven
// from the owner's poll loop rather than from its own goroutine:
//
//  1. While down, [Layer.Reconnect] issues at most one connect attempt
//     per RetryInterval. The first attempt is never delayed.
//  2. While up, [Layer.Verify] runs the optional health check at most
//     once per CheckInterval.
//
// When a layer goes down every layer that requires it is taken down in
// the same call, so a lost link always invalidates the session above it.
package connwatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/kwlctl/netclient/internal/config"
)

// ErrRequiredDown is recorded on a layer that was taken down because a
// layer beneath it went down.
var ErrRequiredDown = errors.New("required layer is down")

// ConnectFunc attempts to establish a layer. Return nil on success.
type ConnectFunc func(ctx context.Context) error

// CheckFunc reports whether an established layer is still healthy.
type CheckFunc func(ctx context.Context) error

// LayerConfig configures a single layer.
type LayerConfig struct {
	// Name is a human-readable identifier for logging and metrics (e.g., "lan").
	Name string

	// Connect establishes the layer. Required.
	Connect ConnectFunc

	// Check verifies an established layer. Optional.
	Check CheckFunc

	// RetryInterval is the minimum time between two connect attempts.
	// Zero allows an attempt on every call.
	RetryInterval time.Duration

	// CheckInterval is the minimum time between two health checks.
	// Zero checks on every call.
	CheckInterval time.Duration

	// Requires is the layer this one is stacked on. Optional.
	Requires *Layer

	// OnUp is called synchronously after the layer comes up. Optional.
	OnUp func()

	// OnDown is called synchronously after the layer goes down, before
	// dependent layers are taken down. Optional.
	OnDown func(err error)

	// OnAttempt is called after every connect attempt with its result. Optional.
	OnAttempt func(err error)

	// Clock defaults to the wall clock.
	Clock clock.Clock

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// ServiceStatus is the health status of a layer, suitable for JSON
// serialization in health endpoints.
type ServiceStatus struct {
	Name        string    `json:"name"`
	Ready       bool      `json:"ready"`
	Attempts    int       `json:"attempts"`
	LastAttempt time.Time `json:"last_attempt,omitzero"`
	LastCheck   time.Time `json:"last_check,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
}

// Layer is one level of a connection stack.
type Layer struct {
	config     LayerConfig
	up         atomic.Bool
	dependents []*Layer

	mu          sync.Mutex
	attempted   bool
	lastAttempt time.Time
	lastCheck   time.Time
	lastErr     error
	attempts    int
}

// NewLayer creates a layer in the down state.
//
// Panics if Name is empty or Connect is nil; these are programming
// errors that should be caught during development.
func NewLayer(cfg LayerConfig) *Layer {
	if cfg.Name == "" {
		panic("connwatch: LayerConfig.Name must not be empty")
	}
	if cfg.Connect == nil {
		panic("connwatch: LayerConfig.Connect must not be nil")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	l := &Layer{config: cfg}
	if cfg.Requires != nil {
		cfg.Requires.dependents = append(cfg.Requires.dependents, l)
	}
	return l
}

// Name returns the configured layer name.
func (l *Layer) Name() string {
	return l.config.Name
}

// IsUp reports whether the layer is currently established. Safe to call
// from any goroutine.
func (l *Layer) IsUp() bool {
	return l.up.Load()
}

// LastError returns the most recent attempt or check error, or nil.
func (l *Layer) LastError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// Attempts returns the number of connect attempts issued so far.
func (l *Layer) Attempts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts
}

// Status returns the current health status.
func (l *Layer) Status() ServiceStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := ServiceStatus{
		Name:        l.config.Name,
		Ready:       l.up.Load(),
		Attempts:    l.attempts,
		LastAttempt: l.lastAttempt,
		LastCheck:   l.lastCheck,
	}
	if l.lastErr != nil {
		s.LastError = l.lastErr.Error()
	}
	return s
}

// Due reports whether a connect attempt would be issued now: the layer is
// down, the layer it requires is up, and the retry interval has elapsed.
func (l *Layer) Due() bool {
	if l.up.Load() {
		return false
	}
	if r := l.config.Requires; r != nil && !r.IsUp() {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dueLocked(l.config.Clock.Now())
}

func (l *Layer) dueLocked(now time.Time) bool {
	if !l.attempted {
		return true
	}
	return now.Sub(l.lastAttempt) >= l.config.RetryInterval
}

// Reconnect issues one connect attempt if [Layer.Due]. It reports
// whether an attempt was made. The attempt time is recorded before the
// connect call, whether or not it succeeds.
func (l *Layer) Reconnect(ctx context.Context) bool {
	if !l.Due() {
		l.config.Logger.Log(ctx, config.LevelTrace, "reconnect gated", "layer", l.config.Name)
		return false
	}
	l.Attempt(ctx, l.config.Connect)
	return true
}

// Attempt runs connect unconditionally as this layer's next attempt,
// bypassing the retry gate. It is used for blocking bring-up paths that
// share the layer's bookkeeping. It returns the connect error.
func (l *Layer) Attempt(ctx context.Context, connect ConnectFunc) error {
	now := l.config.Clock.Now()
	l.mu.Lock()
	l.attempted = true
	l.lastAttempt = now
	l.attempts++
	n := l.attempts
	l.mu.Unlock()

	err := connect(ctx)

	l.mu.Lock()
	l.lastErr = err
	l.lastCheck = now
	l.mu.Unlock()

	if l.config.OnAttempt != nil {
		l.config.OnAttempt(err)
	}

	if err != nil {
		l.config.Logger.Debug("connect attempt failed",
			"layer", l.config.Name,
			"attempt", n,
			"next_in", l.config.RetryInterval.String(),
			"error", err,
		)
		return err
	}

	l.markUp(n)
	return nil
}

func (l *Layer) markUp(attempt int) {
	if l.up.Swap(true) {
		return
	}
	l.config.Logger.Info("layer up",
		"layer", l.config.Name,
		"attempt", attempt,
	)
	if l.config.OnUp != nil {
		l.config.OnUp()
	}
}

// Verify runs the health check if the layer is up and the check
// interval has elapsed. A failing check takes the layer (and its
// dependents) down. It reports whether the layer is up afterwards.
func (l *Layer) Verify(ctx context.Context) bool {
	if !l.up.Load() {
		return false
	}
	if l.config.Check == nil {
		return true
	}

	now := l.config.Clock.Now()
	l.mu.Lock()
	if !l.lastCheck.IsZero() && now.Sub(l.lastCheck) < l.config.CheckInterval {
		l.mu.Unlock()
		return true
	}
	l.lastCheck = now
	l.mu.Unlock()

	if err := l.config.Check(ctx); err != nil {
		l.MarkDown(err)
		return false
	}
	return true
}

// MarkDown takes the layer down, records err and cascades to every
// dependent layer. It is a no-op on a layer that is already down apart
// from recording err.
func (l *Layer) MarkDown(err error) {
	l.mu.Lock()
	l.lastErr = err
	l.mu.Unlock()

	if !l.up.Swap(false) {
		return
	}

	l.config.Logger.Info("layer down",
		"layer", l.config.Name,
		"error", err,
	)
	if l.config.OnDown != nil {
		l.config.OnDown(err)
	}
	for _, d := range l.dependents {
		d.MarkDown(ErrRequiredDown)
	}
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, c clock.Clock, d time.Duration) bool {
	timer := c.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Until calls try every interval until it succeeds or ctx is done. On
// cancellation it returns the last error from try joined with ctx.Err().
func Until(ctx context.Context, c clock.Clock, interval time.Duration, try func(ctx context.Context) error) error {
	if c == nil {
		c = clock.New()
	}
	var err error
	for {
		if err = try(ctx); err == nil {
			return nil
		}
		if !sleepCtx(ctx, c, interval) {
			return errors.Join(err, ctx.Err())
		}
	}
}
