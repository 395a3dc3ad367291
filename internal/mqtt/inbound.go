package mqtt

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// MessageHandler is called for each message received on a subscribed
// topic. It runs on the scheduler goroutine from [Session.Loop] and must
// not block.
type MessageHandler func(topic string, payload []byte)

// LogHandler returns a [MessageHandler] that logs received messages at
// debug level. Command routing is done by the firmware; this is the
// fallback when nothing else is wired.
func LogHandler(logger *slog.Logger) MessageHandler {
	return func(topic string, payload []byte) {
		if !logger.Enabled(context.Background(), slog.LevelDebug) {
			return
		}

		fields := []any{
			"topic", topic,
			"payload_size", len(payload),
		}
		// Commands are short ASCII values; show them verbatim.
		if len(payload) <= 64 && isPrintable(payload) {
			fields = append(fields, "payload", string(payload))
		}
		logger.Debug("mqtt message received", fields...)
	}
}

func isPrintable(b []byte) bool {
	return strings.IndexFunc(string(b), func(r rune) bool {
		return r < 0x20 || r > 0x7e
	}) < 0
}

type inboundMessage struct {
	topic   string
	payload []byte
}

// messageRateLimiter counts inbound messages in fixed windows and
// rejects messages once the window's limit is reached. The window rolls
// over lazily on the next allow call, so it needs no goroutine of its
// own.
type messageRateLimiter struct {
	limit    int64
	interval time.Duration
	logger   *slog.Logger

	windowStart time.Time
	count       int64
	dropped     int64
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// allow reports whether a message arriving at now is within the limit.
// When a window closes with drops it logs a warning.
func (r *messageRateLimiter) allow(now time.Time) bool {
	if r.windowStart.IsZero() || now.Sub(r.windowStart) >= r.interval {
		if r.dropped > 0 {
			r.logger.Warn("mqtt messages dropped due to rate limit",
				"received", r.count,
				"dropped", r.dropped,
				"interval", r.interval.String(),
				"limit", r.limit,
			)
		}
		r.windowStart = now
		r.count = 0
		r.dropped = 0
	}

	r.count++
	if r.count > r.limit {
		r.dropped++
		return false
	}
	return true
}
