package internal

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ConnState is the lifecycle position of a single connection.
type ConnState int32

const (
	StatePending ConnState = iota
	StateAuthenticated
	StateActive
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	writeWait          = 10 * time.Second
	pongWait           = 60 * time.Second
	pingPeriod         = (pongWait * 9) / 10
	maxMsgSize         = 8192
	defaultSendBuffer  = 256
	defaultEventBurst  = 20
	defaultEventWindow = 3 * time.Second
)

// Client wraps one websocket session and its buffered outbound queue.
type Client struct {
	id       string
	conn     *websocket.Conn
	send     chan []byte
	identity Identity
	state    atomic.Int32
	logger   zerolog.Logger

	// owned by the hub goroutine
	presence PresencePayload

	// owned by the read goroutine
	messageTimes []time.Time
	eventBurst   int
	eventWindow  time.Duration
}

func newClient(conn *websocket.Conn, sendBuffer int, logger zerolog.Logger) *Client {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	id := uuid.NewString()
	return &Client{
		id:           id,
		conn:         conn,
		send:         make(chan []byte, sendBuffer),
		logger:       logger.With().Str("connection_id", id).Logger(),
		messageTimes: make([]time.Time, 0, defaultEventBurst),
		eventBurst:   defaultEventBurst,
		eventWindow:  defaultEventWindow,
	}
}

// ID returns the process-unique connection id.
func (client *Client) ID() string {
	return client.id
}

// Identity returns the authenticated identity; empty while pending.
func (client *Client) Identity() Identity {
	return client.identity
}

func (client *Client) State() ConnState {
	return ConnState(client.state.Load())
}

func (client *Client) setState(state ConnState) {
	client.state.Store(int32(state))
}

// enqueue hands a frame to the write pump without blocking the hub.
// A full queue drops the frame for this connection only.
func (client *Client) enqueue(frame []byte) bool {
	select {
	case client.send <- frame:
		return true
	default:
		return false
	}
}

func (client *Client) readPump(ctx context.Context, router *Router) {
	client.conn.SetReadLimit(maxMsgSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		messageType, payload, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				client.logger.Debug().Err(err).Msg("read failed")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if !client.allowEvent(time.Now()) {
			router.reject(client, "", "rate limit exceeded, slow down")
			continue
		}
		var frame Frame
		if err := json.Unmarshal(payload, &frame); err != nil || frame.Event == "" {
			router.reject(client, "", "malformed frame")
			continue
		}
		router.Dispatch(ctx, client, frame)
	}
}

func (client *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()
	for {
		select {
		case message, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// the hub closed the queue during teardown
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// allowEvent is a sliding window limiter over inbound frames.
func (client *Client) allowEvent(now time.Time) bool {
	if client.eventBurst <= 0 {
		return true
	}
	cutoff := now.Add(-client.eventWindow)
	idx := 0
	for _, ts := range client.messageTimes {
		if ts.After(cutoff) {
			client.messageTimes[idx] = ts
			idx++
		}
	}
	client.messageTimes = client.messageTimes[:idx]
	if len(client.messageTimes) >= client.eventBurst {
		return false
	}
	client.messageTimes = append(client.messageTimes, now)
	return true
}
