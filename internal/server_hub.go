package internal

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrHubClosed         = errors.New("hub is closed")
	ErrUnknownConnection = errors.New("unknown connection")
)

// Hub is the single owner of the connection registry and the room table.
// Every read-modify-write on either structure runs as an operation on the
// hub goroutine, so admission and teardown are atomic across both.
type Hub struct {
	ops     chan func(*hubState)
	stopped chan struct{}
	state   *hubState
	logger  zerolog.Logger
}

type hubState struct {
	clients  map[string]*Client
	registry *connectionRegistry
	rooms    *roomTable
	lastSeen map[string]time.Time
	presence presenceAggregator
	metrics  *Metrics
	now      func() time.Time
	logger   zerolog.Logger
}

// NewHub builds an idle hub; call Run to start serving operations.
func NewHub(logger zerolog.Logger, metrics *Metrics) *Hub {
	if metrics == nil {
		metrics = NewMetrics()
	}
	logger = logger.With().Str("component", "hub").Logger()
	return &Hub{
		ops:     make(chan func(*hubState)),
		stopped: make(chan struct{}),
		logger:  logger,
		state: &hubState{
			clients:  make(map[string]*Client),
			registry: newConnectionRegistry(),
			rooms:    newRoomTable(),
			lastSeen: make(map[string]time.Time),
			metrics:  metrics,
			now:      time.Now,
			logger:   logger,
		},
	}
}

// Run executes operations until ctx is cancelled, then closes every connection queue.
func (hub *Hub) Run(ctx context.Context) error {
	defer close(hub.stopped)
	hub.logger.Info().Msg("hub started")
	for {
		select {
		case op := <-hub.ops:
			op(hub.state)
		case <-ctx.Done():
			hub.state.closeAll()
			hub.logger.Info().Msg("hub stopped")
			return nil
		}
	}
}

// exec runs fn on the hub goroutine and waits for it to finish.
func (hub *Hub) exec(fn func(*hubState)) error {
	done := make(chan struct{})
	op := func(state *hubState) {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				hub.logger.Error().Interface("panic", r).Msg("hub operation panicked")
			}
		}()
		fn(state)
		state.observe()
	}
	select {
	case hub.ops <- op:
	case <-hub.stopped:
		return ErrHubClosed
	}
	<-done
	return nil
}

// Admit registers an authenticated client, joins its identity rooms and
// reports whether it is the user's first live connection.
func (hub *Hub) Admit(client *Client) (bool, error) {
	var first bool
	err := hub.exec(func(state *hubState) {
		first = state.admit(client)
	})
	return first, err
}

// Teardown removes a connection from every room and from the registry.
// It reports whether the user went offline; unknown ids are a no-op.
func (hub *Hub) Teardown(connID string) (bool, error) {
	var offline bool
	err := hub.exec(func(state *hubState) {
		offline = state.teardown(connID)
	})
	return offline, err
}

func (hub *Hub) Join(connID, room string) error {
	var joinErr error
	if err := hub.exec(func(state *hubState) {
		if _, ok := state.clients[connID]; !ok {
			joinErr = ErrUnknownConnection
			return
		}
		state.rooms.join(room, connID)
	}); err != nil {
		return err
	}
	return joinErr
}

func (hub *Hub) Leave(connID, room string) error {
	var leaveErr error
	if err := hub.exec(func(state *hubState) {
		if _, ok := state.clients[connID]; !ok {
			leaveErr = ErrUnknownConnection
			return
		}
		state.rooms.leave(room, connID)
	}); err != nil {
		return err
	}
	return leaveErr
}

// SendTo delivers a frame to one connection; stale ids are ignored.
func (hub *Hub) SendTo(connID string, frame []byte) bool {
	var delivered bool
	_ = hub.exec(func(state *hubState) {
		if client, ok := state.clients[connID]; ok {
			delivered = state.deliver(client, frame)
		}
	})
	return delivered
}

// SendToUser delivers a frame to every live connection of a user.
func (hub *Hub) SendToUser(userID string, frame []byte) int {
	var delivered int
	_ = hub.exec(func(state *hubState) {
		delivered = state.sendToUser(userID, frame)
	})
	return delivered
}

// Broadcast delivers a frame to the members of a room present at call time.
func (hub *Hub) Broadcast(room string, frame []byte, excludeConnID string) int {
	var delivered int
	_ = hub.exec(func(state *hubState) {
		delivered = state.broadcast(room, frame, excludeConnID)
	})
	return delivered
}

func (hub *Hub) Members(room string) []string {
	var members []string
	_ = hub.exec(func(state *hubState) {
		members = state.rooms.membersOf(room)
	})
	return members
}

func (hub *Hub) RoomExists(room string) bool {
	var exists bool
	_ = hub.exec(func(state *hubState) {
		exists = state.rooms.exists(room)
	})
	return exists
}

func (hub *Hub) RoomCount() int {
	var count int
	_ = hub.exec(func(state *hubState) {
		count = state.rooms.roomCount()
	})
	return count
}

func (hub *Hub) ConnectionsOf(userID string) []string {
	var conns []string
	_ = hub.exec(func(state *hubState) {
		conns = state.registry.connectionsOf(userID)
	})
	return conns
}

func (hub *Hub) IsOnline(userID string) bool {
	var online bool
	_ = hub.exec(func(state *hubState) {
		online = state.registry.isOnline(userID)
	})
	return online
}

func (hub *Hub) OnlineCount() int {
	var count int
	_ = hub.exec(func(state *hubState) {
		count = state.registry.onlineCount()
	})
	return count
}

// Presence returns the derived presence of a user, including the last offline time seen by this process.
func (hub *Hub) Presence(userID string) PresenceSnapshot {
	snapshot := PresenceSnapshot{UserID: userID}
	_ = hub.exec(func(state *hubState) {
		snapshot.Connections = len(state.registry.connectionsOf(userID))
		snapshot.Online = snapshot.Connections > 0
		if seen, ok := state.lastSeen[userID]; ok {
			seen := seen
			snapshot.LastSeen = &seen
		}
	})
	return snapshot
}

func (state *hubState) admit(client *Client) bool {
	if _, exists := state.clients[client.id]; exists {
		return false
	}
	identity := client.identity
	state.clients[client.id] = client
	first := state.registry.register(identity.UserID, client.id)
	for _, room := range identityRooms(identity) {
		state.rooms.join(room, client.id)
	}
	client.setState(StateActive)
	state.metrics.IncConnections()

	now := state.now()
	if frame, err := encodeFrame(EventConnected, connectedEvent{
		UserID:       identity.UserID,
		ConnectionID: client.id,
		Online:       true,
		Timestamp:    timestamp(now),
	}); err == nil {
		state.deliver(client, frame)
	}
	if first {
		if room, frame := state.presence.online(identity.UserID, now); frame != nil {
			state.broadcast(room, frame, client.id)
		}
	}
	state.logger.Debug().
		Str("connection_id", client.id).
		Str("user_id", identity.UserID).
		Bool("first", first).
		Msg("connection admitted")
	return first
}

func (state *hubState) teardown(connID string) bool {
	client, ok := state.clients[connID]
	if !ok {
		return false
	}
	userID := client.identity.UserID
	state.rooms.leaveAll(connID)
	offline := state.registry.unregister(userID, connID)
	delete(state.clients, connID)
	client.setState(StateClosed)
	close(client.send)

	if offline {
		now := state.now()
		state.lastSeen[userID] = now
		if room, frame := state.presence.offline(userID, now); frame != nil {
			state.broadcast(room, frame, "")
		}
	}
	state.logger.Debug().
		Str("connection_id", connID).
		Str("user_id", userID).
		Bool("offline", offline).
		Msg("connection torn down")
	return offline
}

func (state *hubState) deliver(client *Client, frame []byte) bool {
	if client.enqueue(frame) {
		state.metrics.IncDelivered()
		return true
	}
	state.metrics.IncDropped()
	client.logger.Warn().Msg("send queue full, frame dropped")
	return false
}

func (state *hubState) sendToUser(userID string, frame []byte) int {
	delivered := 0
	for _, connID := range state.registry.connectionsOf(userID) {
		if client, ok := state.clients[connID]; ok && state.deliver(client, frame) {
			delivered++
		}
	}
	return delivered
}

func (state *hubState) broadcast(room string, frame []byte, excludeConnID string) int {
	delivered := 0
	for _, connID := range state.rooms.membersOf(room) {
		if connID == excludeConnID {
			continue
		}
		if client, ok := state.clients[connID]; ok && state.deliver(client, frame) {
			delivered++
		}
	}
	return delivered
}

func (state *hubState) observe() {
	state.metrics.SetGauges(len(state.clients), state.registry.onlineCount(), state.rooms.roomCount())
}

func (state *hubState) closeAll() {
	for id, client := range state.clients {
		client.setState(StateClosed)
		close(client.send)
		delete(state.clients, id)
	}
	state.registry = newConnectionRegistry()
	state.rooms = newRoomTable()
	state.observe()
}
