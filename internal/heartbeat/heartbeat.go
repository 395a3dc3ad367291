// Package heartbeat periodically publishes the controller's connectivity
// state through the shared MQTT session.
package heartbeat

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/kwlctl/netclient/internal/buildinfo"
	"github.com/kwlctl/netclient/internal/config"
	"github.com/kwlctl/netclient/internal/supervisor"
)

// TaskName is the name the heartbeat registers under with the scheduler.
const TaskName = "heartbeat"

// HealthSource reports connectivity health.
type HealthSource interface {
	IsLANOk() bool
	IsMQTTOk() bool
}

// State is the published heartbeat payload.
type State struct {
	LAN     bool   `json:"lan"`
	MQTT    bool   `json:"mqtt"`
	Uptime  string `json:"uptime"`
	Version string `json:"version"`
}

// Heartbeat is a scheduler task that publishes [State] to a topic once
// per interval.
type Heartbeat struct {
	topic    string
	interval time.Duration
	health   HealthSource
	client   func() supervisor.Publisher
	uptime   func() time.Duration
	clock    clock.Clock
	logger   *slog.Logger

	mu   sync.Mutex
	last time.Time
	sent bool
}

// Option configures a Heartbeat.
type Option func(*Heartbeat)

// WithClock replaces the wall clock used for pacing.
func WithClock(c clock.Clock) Option {
	return func(h *Heartbeat) { h.clock = c }
}

// WithClient replaces the shared session lookup. The default is
// [supervisor.Client].
func WithClient(f func() supervisor.Publisher) Option {
	return func(h *Heartbeat) { h.client = f }
}

// WithUptime replaces the process uptime source.
func WithUptime(f func() time.Duration) Option {
	return func(h *Heartbeat) { h.uptime = f }
}

// New creates a heartbeat publishing health to cfg.Topic.
func New(cfg config.HeartbeatConfig, health HealthSource, logger *slog.Logger, opts ...Option) *Heartbeat {
	h := &Heartbeat{
		topic:    cfg.Topic,
		interval: config.Seconds(cfg.IntervalSec),
		health:   health,
		client: func() supervisor.Publisher {
			if !supervisor.HasClient() {
				return nil
			}
			return supervisor.Client()
		},
		uptime: buildinfo.Uptime,
		clock:  clock.New(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Poll asks for a run once the interval has elapsed. The first poll is
// always due.
func (h *Heartbeat) Poll(ctx context.Context) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.sent || h.clock.Now().Sub(h.last) >= h.interval
}

// Run publishes one heartbeat. Failures are logged and otherwise
// ignored; the next one is attempted an interval later.
func (h *Heartbeat) Run(ctx context.Context) {
	h.mu.Lock()
	h.last = h.clock.Now()
	h.sent = true
	h.mu.Unlock()

	c := h.client()
	if c == nil {
		return
	}

	payload, err := json.Marshal(h.State())
	if err != nil {
		h.logger.Debug("heartbeat encode failed", "error", err)
		return
	}
	if err := c.Publish(ctx, h.topic, payload, false); err != nil {
		h.logger.Debug("heartbeat publish failed", "topic", h.topic, "error", err)
		return
	}
	h.logger.Log(ctx, config.LevelTrace, "heartbeat published", "topic", h.topic)
}

// State returns the current heartbeat payload.
func (h *Heartbeat) State() State {
	return State{
		LAN:     h.health.IsLANOk(),
		MQTT:    h.health.IsMQTTOk(),
		Uptime:  h.uptime().Truncate(time.Second).String(),
		Version: buildinfo.Version,
	}
}
