package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/eclipse/paho.golang/paho"

	"github.com/kwlctl/netclient/internal/config"
)

var (
	// ErrNotConnected is returned by Publish and Subscribe while no
	// session is established.
	ErrNotConnected = errors.New("mqtt not connected")

	// ErrSessionLost is recorded when an established session drops.
	ErrSessionLost = errors.New("mqtt session lost")

	// ErrRefused wraps a CONNACK with a failure reason code.
	ErrRefused = errors.New("mqtt connection refused")

	// ErrSubscribeRejected wraps a SUBACK with a failure reason code.
	ErrSubscribeRejected = errors.New("mqtt subscription rejected")
)

// Message result labels passed to the message observer.
const (
	ResultHandled     = "handled"
	ResultRateLimited = "rate_limited"
	ResultQueueFull   = "queue_full"
)

// Dialer opens the byte stream the session runs over. The LAN
// interface provides one bound to its acquired address.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Session is a single MQTT v5 session that is re-established on demand.
// Connect, Loop, Subscribe and Close are meant to be called from one
// goroutine (the scheduler); Publish and Connected may be called from
// anywhere.
type Session struct {
	cfg       config.MQTTConfig
	brokerURL *url.URL
	dialer    Dialer
	handler   MessageHandler
	observe   func(result string)
	limiter   *messageRateLimiter
	clock     clock.Clock
	logger    *slog.Logger

	inbound   chan inboundMessage
	connected atomic.Bool
	// gen counts clients created by Connect.
	gen atomic.Uint64

	mu     sync.Mutex
	client *paho.Client
	conn   net.Conn
	lost   error
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithHandler sets the handler for inbound messages.
func WithHandler(h MessageHandler) SessionOption {
	return func(s *Session) { s.handler = h }
}

// WithMessageObserver sets a callback receiving one result label per
// inbound message. It is used for metrics.
func WithMessageObserver(f func(result string)) SessionOption {
	return func(s *Session) { s.observe = f }
}

// WithSessionClock replaces the wall clock used for rate limiting.
func WithSessionClock(c clock.Clock) SessionOption {
	return func(s *Session) { s.clock = c }
}

// NewSession creates a disconnected session. The broker URL must have
// been validated by config.Validate.
func NewSession(cfg config.MQTTConfig, dialer Dialer, logger *slog.Logger, opts ...SessionOption) (*Session, error) {
	u, err := url.Parse(cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	s := &Session{
		cfg:       cfg,
		brokerURL: u,
		dialer:    dialer,
		handler:   LogHandler(logger),
		clock:     clock.New(),
		logger:    logger,
		inbound:   make(chan inboundMessage, cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.limiter = newMessageRateLimiter(int64(cfg.RateLimit), config.Seconds(cfg.RateIntervalSec), logger)
	return s, nil
}

func (s *Session) brokerAddr() string {
	host := s.brokerURL.Host
	if s.brokerURL.Port() != "" {
		return host
	}
	switch s.brokerURL.Scheme {
	case "mqtts", "ssl":
		return net.JoinHostPort(s.brokerURL.Hostname(), "8883")
	default:
		return net.JoinHostPort(s.brokerURL.Hostname(), "1883")
	}
}

func (s *Session) tlsEnabled() bool {
	return s.brokerURL.Scheme == "mqtts" || s.brokerURL.Scheme == "ssl"
}

// Connect dials the broker and performs the MQTT handshake as clientID.
// Any previous session is closed first. On success it publishes the
// retained "online" availability message.
func (s *Session) Connect(ctx context.Context, clientID string) error {
	s.Close()

	conn, err := s.dialer.DialContext(ctx, "tcp", s.brokerAddr())
	if err != nil {
		return fmt.Errorf("dial mqtt broker %s: %w", s.brokerAddr(), err)
	}

	if s.tlsEnabled() {
		tc := tls.Client(conn, &tls.Config{
			ServerName: s.brokerURL.Hostname(),
			MinVersion: tls.VersionTLS12,
		})
		if err := tc.HandshakeContext(ctx); err != nil {
			conn.Close()
			return fmt.Errorf("mqtt tls handshake: %w", err)
		}
		conn = tc
	}

	gen := s.gen.Add(1)
	c := paho.NewClient(paho.ClientConfig{
		ClientID: clientID,
		Conn:     conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			s.onPublishReceived,
		},
		OnClientError:      s.onClientError(gen),
		OnServerDisconnect: s.onServerDisconnect(gen),
	})

	cp := &paho.Connect{
		ClientID:   clientID,
		KeepAlive:  uint16(s.cfg.KeepAliveSec),
		CleanStart: true,
		WillMessage: &paho.WillMessage{
			Topic:   s.cfg.AvailabilityTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
	}
	if s.cfg.Username != "" {
		cp.Username = s.cfg.Username
		cp.UsernameFlag = true
	}
	if s.cfg.Password != "" {
		cp.Password = []byte(s.cfg.Password)
		cp.PasswordFlag = true
	}

	ca, err := c.Connect(ctx, cp)
	if err != nil {
		conn.Close()
		if ca != nil && ca.ReasonCode >= 0x80 {
			return fmt.Errorf("%w: reason %d: %v", ErrRefused, ca.ReasonCode, err)
		}
		return fmt.Errorf("mqtt connect: %w", err)
	}

	s.mu.Lock()
	s.client = c
	s.conn = conn
	s.lost = nil
	s.mu.Unlock()
	s.connected.Store(true)

	s.logger.Info("mqtt connected to broker", "broker", s.cfg.Broker, "client_id", clientID)
	s.publishAvailability(ctx, "online")
	return nil
}

// onClientError and onServerDisconnect run on paho goroutines, possibly
// after the client they belong to has been replaced. gen ties them to
// that client.
func (s *Session) onClientError(gen uint64) func(error) {
	return func(err error) {
		s.markLost(gen, fmt.Errorf("%w: %v", ErrSessionLost, err))
	}
}

func (s *Session) onServerDisconnect(gen uint64) func(*paho.Disconnect) {
	return func(d *paho.Disconnect) {
		s.markLost(gen, fmt.Errorf("%w: server disconnect reason %d", ErrSessionLost, d.ReasonCode))
	}
}

// markLost records err and marks the session down, unless gen is no
// longer the current client.
func (s *Session) markLost(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen.Load() {
		s.logger.Log(context.Background(), config.LevelTrace,
			"ignoring loss report from replaced mqtt client", "error", err)
		return
	}
	if s.lost == nil {
		s.lost = err
	}
	s.connected.Store(false)
}

// onPublishReceived runs on a paho goroutine. It only queues; handling
// happens in Loop.
func (s *Session) onPublishReceived(pr paho.PublishReceived) (bool, error) {
	msg := inboundMessage{topic: pr.Packet.Topic, payload: pr.Packet.Payload}
	select {
	case s.inbound <- msg:
	default:
		s.logger.Warn("mqtt inbound queue full, message dropped", "topic", msg.topic)
		s.observeResult(ResultQueueFull)
	}
	return true, nil
}

func (s *Session) observeResult(result string) {
	if s.observe != nil {
		s.observe(result)
	}
}

// Loop services the session once: it notices a dropped connection and
// hands at most LoopBatch queued messages to the handler. It never
// blocks. It reports whether the session is still connected.
func (s *Session) Loop() bool {
	s.mu.Lock()
	c := s.client
	s.mu.Unlock()
	if c == nil {
		return false
	}

	select {
	case <-c.Done():
		s.markLost(s.gen.Load(), ErrSessionLost)
	default:
	}
	if !s.connected.Load() {
		return false
	}

	for n := 0; n < s.cfg.LoopBatch; n++ {
		select {
		case msg := <-s.inbound:
			s.logger.Log(context.Background(), config.LevelTrace, "mqtt message dequeued",
				"topic", msg.topic, "payload_size", len(msg.payload))
			if !s.limiter.allow(s.clock.Now()) {
				s.observeResult(ResultRateLimited)
				continue
			}
			s.handler(msg.topic, msg.payload)
			s.observeResult(ResultHandled)
		default:
			return true
		}
	}
	return true
}

// Connected reports whether the session is established.
func (s *Session) Connected() bool {
	return s.connected.Load()
}

// Err returns why the last session was lost, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lost
}

func (s *Session) current() (*paho.Client, error) {
	if !s.connected.Load() {
		return nil, ErrNotConnected
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil, ErrNotConnected
	}
	return s.client, nil
}

// Publish sends payload to topic at QoS 0. It fails with
// [ErrNotConnected] while no session is established and does not retry.
func (s *Session) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	c, err := s.current()
	if err != nil {
		return err
	}
	if _, err := c.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
		Retain:  retain,
	}); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe subscribes to a topic filter at QoS 1.
func (s *Session) Subscribe(ctx context.Context, topic string) error {
	c, err := s.current()
	if err != nil {
		return err
	}

	sa, err := c.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
	})
	// paho returns the SUBACK alongside its error on rejection.
	if sa != nil {
		for _, reason := range sa.Reasons {
			if reason >= 0x80 {
				return fmt.Errorf("%w: %s reason %d", ErrSubscribeRejected, topic, reason)
			}
		}
	}
	if err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", topic, err)
	}

	s.logger.Info("mqtt subscribed", "topic", topic)
	return nil
}

func (s *Session) publishAvailability(ctx context.Context, status string) {
	c, err := s.current()
	if err != nil {
		return
	}
	if _, err := c.Publish(ctx, &paho.Publish{
		Topic:   s.cfg.AvailabilityTopic,
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		s.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		s.logger.Debug("mqtt availability published", "status", status)
	}
}

// Close drops the current session without publishing anything. Queued
// inbound messages are discarded. It is safe to call when not connected.
func (s *Session) Close() {
	s.mu.Lock()
	c, conn := s.client, s.conn
	s.client, s.conn = nil, nil
	s.mu.Unlock()

	wasConnected := s.connected.Swap(false)
	if c != nil && wasConnected {
		_ = c.Disconnect(&paho.Disconnect{ReasonCode: 0})
	}
	if conn != nil {
		conn.Close()
	}

	for {
		select {
		case <-s.inbound:
		default:
			return
		}
	}
}

// Shutdown publishes the retained "offline" availability message and
// closes the session. ctx bounds the publish.
func (s *Session) Shutdown(ctx context.Context) {
	s.publishAvailability(ctx, "offline")
	s.Close()
}
