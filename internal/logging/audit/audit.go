// Package audit records connection-level events: who connected, which zone
// proxy was assigned, and requests refused by policy.
package audit

import (
	"time"

	"github.com/rs/zerolog"
)

// Logger writes audit events with an event_type field for filtering.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates an audit logger on top of logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger.With().Str("component", "audit").Logger()}
}

// Peer identifies the remote end of a session.
type Peer struct {
	Session uint64
	Name    string
	Zone    string
	Address string
	IsProxy bool
}

func (l *Logger) peer(level zerolog.Level, eventType string, p Peer) *zerolog.Event {
	return l.logger.WithLevel(level).
		Str("event_type", eventType).
		Uint64("session", p.Session).
		Str("name", p.Name).
		Str("zone", p.Zone).
		Str("source", p.Address)
}

// LogConnect logs a Connect handshake. result is "accepted" or "rejected".
func (l *Logger) LogConnect(p Peer, protocolVersion uint16, result, details string) {
	level := zerolog.InfoLevel
	if result != "accepted" {
		level = zerolog.WarnLevel
	}
	event := l.peer(level, "connect", p).
		Bool("is_proxy", p.IsProxy).
		Uint16("protocol_version", protocolVersion).
		Str("result", result)
	if details != "" {
		event = event.Str("details", details)
	}
	event.Msg("Client connect")
}

// LogDisconnect logs the end of a session and how many transfers it still
// owned.
func (l *Logger) LogDisconnect(p Peer, released int, duration time.Duration) {
	level := zerolog.InfoLevel
	if released > 0 {
		level = zerolog.WarnLevel
	}
	l.peer(level, "disconnect", p).
		Int("released_transfers", released).
		Dur("duration", duration).
		Msg("Client disconnect")
}

// LogProxyAssignment logs a zone proxy change. action is "assigned" or
// "released".
func (l *Logger) LogProxyAssignment(p Peer, address, action string) {
	l.peer(zerolog.InfoLevel, "proxy_assignment", p).
		Str("proxy_address", address).
		Str("action", action).
		Msg("Zone proxy " + action)
}

// LogDisallowed logs a request for a disallow-listed key.
func (l *Logger) LogDisallowed(p Peer, operation, key string) {
	l.peer(zerolog.WarnLevel, "disallowed", p).
		Str("operation", operation).
		Str("key", key).
		Msg("Disallowed key requested")
}
