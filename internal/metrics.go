package internal

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

type Metrics struct {
	connections     atomic.Uint64
	authFailures    atomic.Uint64
	handshakeDenied atomic.Uint64
	delivered       atomic.Uint64
	dropped         atomic.Uint64
	directMessages  atomic.Uint64
	rejectedEvents  atomic.Uint64
	activeConns     atomic.Int64
	onlineUsers     atomic.Int64
	rooms           atomic.Int64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncConnections() {
	m.connections.Add(1)
}

func (m *Metrics) IncAuthFailure() {
	m.authFailures.Add(1)
}

func (m *Metrics) IncHandshakeDenied() {
	m.handshakeDenied.Add(1)
}

func (m *Metrics) IncDelivered() {
	m.delivered.Add(1)
}

func (m *Metrics) IncDropped() {
	m.dropped.Add(1)
}

func (m *Metrics) IncDirectMessage() {
	m.directMessages.Add(1)
}

func (m *Metrics) IncRejected() {
	m.rejectedEvents.Add(1)
}

// SetGauges records the hub's sizes after each operation.
func (m *Metrics) SetGauges(activeConns, onlineUsers, rooms int) {
	m.activeConns.Store(int64(activeConns))
	m.onlineUsers.Store(int64(onlineUsers))
	m.rooms.Store(int64(rooms))
}

func (m *Metrics) Snapshot() map[string]any {
	return map[string]any{
		"connections_total":       m.connections.Load(),
		"auth_failures_total":     m.authFailures.Load(),
		"handshakes_denied_total": m.handshakeDenied.Load(),
		"frames_delivered_total":  m.delivered.Load(),
		"frames_dropped_total":    m.dropped.Load(),
		"direct_messages_total":   m.directMessages.Load(),
		"rejected_events_total":   m.rejectedEvents.Load(),
		"active_connections":      m.activeConns.Load(),
		"online_users":            m.onlineUsers.Load(),
		"rooms":                   m.rooms.Load(),
	}
}

func (m *Metrics) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(m.Snapshot())
}
