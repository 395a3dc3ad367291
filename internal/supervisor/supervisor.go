// Package supervisor keeps the controller's network connectivity alive.
//
// A [Supervisor] owns the LAN transport and the MQTT session on top of
// it and is driven as a cooperative scheduler task. Each poll moves the
// connection stack at most one step forward: bring up the LAN, then the
// session, then service the session and (re)subscribe the command
// topics. Losing a lower layer immediately invalidates everything above
// it. Health is exposed as two flags, [Supervisor.IsLANOk] and
// [Supervisor.IsMQTTOk], and the session is shared with the rest of the
// process through [HasClient] and [Client].
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"

	"github.com/kwlctl/netclient/internal/config"
	"github.com/kwlctl/netclient/internal/connwatch"
	"github.com/kwlctl/netclient/internal/scheduler"
)

// TaskName is the name the supervisor registers under with the scheduler.
const TaskName = "network"

// Layer names used in logs, status output and metrics labels.
const (
	LayerLAN              = "lan"
	LayerMQTT             = "mqtt"
	LayerSubscribeCommand = "subscribe:command"
	LayerSubscribeDebug   = "subscribe:debug"
)

var (
	// ErrSessionDropped is recorded when the session loop reports the
	// connection gone.
	ErrSessionDropped = errors.New("session dropped")

	errShutdown = errors.New("supervisor shut down")
)

// Transport is the link layer the supervisor keeps up.
type Transport interface {
	// Begin brings the link up, blocking until an address is acquired
	// or its own timeout expires.
	Begin(ctx context.Context) error
	// LinkUp reports link presence without blocking.
	LinkUp() bool
	// Maintain checks link and address, recording the address, without
	// blocking beyond a single driver round trip. A missing link is an
	// error.
	Maintain(ctx context.Context) error
	// Addr is the acquired address, or nil.
	Addr() net.IP
}

// Publisher is the narrow view of the session shared with the rest of
// the process.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, retain bool) error
	Connected() bool
}

// Session is the application session the supervisor keeps up.
type Session interface {
	Publisher
	Connect(ctx context.Context, clientID string) error
	// Loop services the session once without blocking and reports
	// whether it is still connected.
	Loop() bool
	Subscribe(ctx context.Context, topic string) error
	// Err reports why the last session was lost, or nil.
	Err() error
	Close()
	Shutdown(ctx context.Context)
}

// Registrar is the part of the scheduler the supervisor needs.
type Registrar interface {
	Add(name string, t scheduler.Task)
	Trigger(name string)
}

// Supervisor maintains LAN and MQTT connectivity.
type Supervisor struct {
	cfg       *config.Config
	clientID  string
	transport Transport
	session   Session
	sched     Registrar
	metrics   *Metrics
	clock     clock.Clock
	logger    *slog.Logger

	lan  *connwatch.Layer
	mqtt *connwatch.Layer
	subs []*connwatch.Layer

	bringUp atomic.Bool

	mu   sync.Mutex
	sink io.Writer
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithClock replaces the wall clock used for retry pacing.
func WithClock(c clock.Clock) Option {
	return func(s *Supervisor) { s.clock = c }
}

// WithMetrics records layer state and attempts in m.
func WithMetrics(m *Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithScheduler registers the supervisor with r on Start.
func WithScheduler(r Registrar) Option {
	return func(s *Supervisor) { s.sched = r }
}

// New creates a supervisor with both layers down. It opens no
// connection.
func New(cfg *config.Config, clientID string, transport Transport, session Session, logger *slog.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:       cfg,
		clientID:  clientID,
		transport: transport,
		session:   session,
		clock:     clock.New(),
		logger:    logger,
		sink:      io.Discard,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.lan = connwatch.NewLayer(s.layerConfig(connwatch.LayerConfig{
		Name:          LayerLAN,
		Connect:       s.transport.Maintain,
		Check:         s.transport.Maintain,
		RetryInterval: config.Seconds(cfg.LAN.RetryIntervalSec),
		CheckInterval: config.Seconds(cfg.LAN.CheckIntervalSec),
	}))

	s.mqtt = connwatch.NewLayer(s.layerConfig(connwatch.LayerConfig{
		Name:          LayerMQTT,
		Connect:       s.connectSession,
		RetryInterval: config.Seconds(cfg.MQTT.RetryIntervalSec),
		Requires:      s.lan,
		OnDown:        func(error) { s.session.Close() },
	}))

	for _, sub := range []struct{ name, topic string }{
		{LayerSubscribeCommand, cfg.MQTT.CommandTopic},
		{LayerSubscribeDebug, cfg.MQTT.DebugTopic},
	} {
		topic := sub.topic
		s.subs = append(s.subs, connwatch.NewLayer(s.layerConfig(connwatch.LayerConfig{
			Name: sub.name,
			Connect: func(ctx context.Context) error {
				return s.session.Subscribe(ctx, topic)
			},
			Requires: s.mqtt,
		})))
	}

	return s
}

// layerConfig fills in the shared clock, logger and metric hooks.
func (s *Supervisor) layerConfig(lc connwatch.LayerConfig) connwatch.LayerConfig {
	lc.Clock = s.clock
	lc.Logger = s.logger
	if m := s.metrics; m != nil {
		name := lc.Name
		onDown := lc.OnDown
		lc.OnUp = func() { m.setUp(name, true) }
		lc.OnDown = func(err error) {
			m.setUp(name, false)
			if onDown != nil {
				onDown(err)
			}
		}
		lc.OnAttempt = func(err error) { m.attempt(name, err) }
		m.setUp(name, false)
	}
	return lc
}

func (s *Supervisor) connectSession(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, config.Seconds(s.cfg.MQTT.ConnectTimeoutSec))
	defer cancel()
	return s.session.Connect(ctx, s.clientID)
}

// Start performs the one-time blocking transport initialization,
// writing progress to sink, then registers the supervisor with the
// scheduler and installs it as the process-wide session owner. A failed
// initialization is not an error: the transport stays down and Poll
// retries it.
func (s *Supervisor) Start(ctx context.Context, sink io.Writer) {
	if sink == nil {
		sink = io.Discard
	}
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()

	s.bringUpTransport(ctx)

	if s.sched != nil {
		s.sched.Add(TaskName, s)
	}
	installed.Store(s)
}

func (s *Supervisor) bringUpTransport(ctx context.Context) {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()

	fmt.Fprintf(sink, "Initializing LAN on %s...\n", s.cfg.LAN.Interface)
	if err := s.lan.Attempt(ctx, s.transport.Begin); err != nil {
		if !s.transport.LinkUp() {
			fmt.Fprintln(sink, "LAN cable not connected")
		}
		fmt.Fprintln(sink, "LAN not available, will retry")
		s.logger.Warn("lan initialization failed", "interface", s.cfg.LAN.Interface, "error", err)
		return
	}
	fmt.Fprintf(sink, "LAN OK, address %s\n", s.transport.Addr())
}

// RequestBringUp asks for one blocking transport initialization on the
// scheduler's run path. It is ignored while the transport is up.
func (s *Supervisor) RequestBringUp() {
	s.bringUp.Store(true)
	if s.sched != nil {
		s.sched.Trigger(TaskName)
	}
}

// Poll advances the connection stack by at most one step. It never
// blocks beyond a single driver call. It returns true only when a
// blocking bring-up has been requested.
func (s *Supervisor) Poll(ctx context.Context) bool {
	if s.bringUp.Load() {
		if !s.lan.IsUp() {
			return true
		}
		s.bringUp.Store(false)
	}

	switch {
	case !s.lan.IsUp():
		s.lan.Reconnect(ctx)
		return false
	case !s.lan.Verify(ctx):
		// Lost; Verify already cascaded to the session and subscriptions.
		return false
	case !s.mqtt.IsUp():
		s.mqtt.Reconnect(ctx)
		return false
	}

	if !s.session.Loop() {
		err := ErrSessionDropped
		if cause := s.session.Err(); cause != nil {
			err = fmt.Errorf("%w: %w", ErrSessionDropped, cause)
		}
		s.mqtt.MarkDown(err)
		return false
	}

	for _, sub := range s.subs {
		if !sub.IsUp() {
			sub.Reconnect(ctx)
		}
	}
	return false
}

// Run is the blocking phase: it repeats the transport initialization of
// Start if the transport is down. Later reconnects go through Poll.
func (s *Supervisor) Run(ctx context.Context) {
	defer s.bringUp.Store(false)
	if s.lan.IsUp() {
		return
	}
	s.bringUpTransport(ctx)
}

// IsLANOk reports whether the transport layer is up.
func (s *Supervisor) IsLANOk() bool {
	return s.lan.IsUp()
}

// IsMQTTOk reports whether the session is established.
func (s *Supervisor) IsMQTTOk() bool {
	return s.mqtt.IsUp()
}

// Subscribed reports whether the command and debug subscriptions are
// active on the current session.
func (s *Supervisor) Subscribed() (command, debug bool) {
	return s.subs[0].IsUp(), s.subs[1].IsUp()
}

// Status returns the health of every layer, lowest first.
func (s *Supervisor) Status() []connwatch.ServiceStatus {
	out := []connwatch.ServiceStatus{s.lan.Status(), s.mqtt.Status()}
	for _, sub := range s.subs {
		out = append(out, sub.Status())
	}
	return out
}

// Shutdown publishes the offline availability, drops the session and
// uninstalls the process-wide accessor.
func (s *Supervisor) Shutdown(ctx context.Context) {
	installed.CompareAndSwap(s, nil)
	if s.mqtt.IsUp() {
		s.session.Shutdown(ctx)
	}
	s.mqtt.MarkDown(errShutdown)
}

// installed is the process-wide supervisor whose session is shared. It
// does not own the supervisor; main does.
var installed atomic.Pointer[Supervisor]

// HasClient reports whether a supervisor has been started and its
// session handle can be retrieved with [Client].
func HasClient() bool {
	return installed.Load() != nil
}

// Client returns the shared session of the started supervisor, or nil
// if none has been started. Use it for one outbound operation at a
// time and do not keep it: the session is re-established underneath.
// Publishing while the session is down fails with the session's
// not-connected error.
func Client() Publisher {
	if s := installed.Load(); s != nil {
		return s.session
	}
	return nil
}
