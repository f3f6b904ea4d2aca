package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrForbiddenRoom    = errors.New("room not allowed")
	ErrReceiverNotFound = errors.New("receiver not found")
	ErrMalformedPayload = errors.New("malformed payload")
)

// Router turns inbound frames from active connections into hub operations.
type Router struct {
	hub       *Hub
	directory UserDirectory
	metrics   *Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

func NewRouter(hub *Hub, directory UserDirectory, metrics *Metrics, logger zerolog.Logger) *Router {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Router{
		hub:       hub,
		directory: directory,
		metrics:   metrics,
		logger:    logger.With().Str("component", "router").Logger(),
		now:       time.Now,
	}
}

// Dispatch handles one inbound frame. Failures are answered with an error
// frame to the originating connection and never reach anyone else.
func (router *Router) Dispatch(ctx context.Context, client *Client, frame Frame) {
	var err error
	switch frame.Event {
	case EventSubscribe:
		err = router.handleSubscribe(client, frame.Data, true)
	case EventUnsubscribe:
		err = router.handleSubscribe(client, frame.Data, false)
	case EventSubscribeProperty:
		err = router.handleRoom(client, RoomProperty, frame.Data, true)
	case EventUnsubscribeProperty:
		err = router.handleRoom(client, RoomProperty, frame.Data, false)
	case EventSubscribeTask:
		err = router.handleRoom(client, RoomTask, frame.Data, true)
	case EventUnsubscribeTask:
		err = router.handleRoom(client, RoomTask, frame.Data, false)
	case EventSubscribeCompany:
		err = router.handleRoom(client, RoomCompany, frame.Data, true)
	case EventUnsubscribeCompany:
		err = router.handleRoom(client, RoomCompany, frame.Data, false)
	case EventJoinConversation:
		err = router.handleRoom(client, RoomConversation, frame.Data, true)
	case EventLeaveConversation:
		err = router.handleRoom(client, RoomConversation, frame.Data, false)
	case EventSendMessage:
		err = router.handleSendMessage(ctx, client, frame.Data)
	case EventTyping:
		err = router.handleTyping(client, frame.Data)
	case EventUpdatePresence:
		err = router.handleUpdatePresence(client, frame.Data)
	case EventMarkNotificationRead:
		err = router.handleNotificationRead(client, frame.Data)
	case EventAuthenticate:
		err = errors.New("already authenticated")
	default:
		err = fmt.Errorf("unknown event %q", frame.Event)
	}
	if err != nil {
		router.reject(client, frame.Event, errorMessage(err))
	}
}

// Subscribe joins a connection to a room after checking the identity may see it.
func (router *Router) Subscribe(client *Client, ref RoomRef) error {
	if err := authorizeJoin(client.identity, ref); err != nil {
		return err
	}
	return router.hub.Join(client.id, ref.Name())
}

// Unsubscribe leaves a room; rooms derived from the identity stay joined.
func (router *Router) Unsubscribe(client *Client, ref RoomRef) error {
	if err := authorizeLeave(client.identity, ref); err != nil {
		return err
	}
	return router.hub.Leave(client.id, ref.Name())
}

// BroadcastToRoom fans an event out to the current members of a room.
func (router *Router) BroadcastToRoom(room, event string, payload any) (int, error) {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		router.logger.Error().Err(err).Str("room", room).Str("event", event).Msg("encode broadcast")
		return 0, err
	}
	return router.hub.Broadcast(room, frame, ""), nil
}

func (router *Router) handleSubscribe(client *Client, data json.RawMessage, join bool) error {
	var req subscribeRequest
	if err := decodePayload(data, &req); err != nil {
		return err
	}
	kind, err := ParseRoomKind(req.Kind)
	if err != nil {
		return err
	}
	return router.handleRoom(client, kind, req.ID, join)
}

func (router *Router) handleRoom(client *Client, kind RoomKind, rawID json.RawMessage, join bool) error {
	id, err := decodeEntityID(rawID)
	if err != nil {
		return err
	}
	ref, err := NewRoomRef(kind, id)
	if err != nil {
		return err
	}
	event := EventSubscribed
	if join {
		err = router.Subscribe(client, ref)
	} else {
		event = EventUnsubscribed
		err = router.Unsubscribe(client, ref)
	}
	if err != nil {
		return err
	}
	if frame, err := encodeFrame(event, roomEvent{Room: ref.Name()}); err == nil {
		router.hub.SendTo(client.id, frame)
	}
	client.logger.Debug().Str("room", ref.Name()).Bool("join", join).Msg("membership changed")
	return nil
}

// handleSendMessage validates the receiver off the hub goroutine, then
// delivers the echo, the receiver copies and the room copy in one operation.
func (router *Router) handleSendMessage(ctx context.Context, client *Client, data json.RawMessage) error {
	var req sendMessageRequest
	if err := decodePayload(data, &req); err != nil {
		return err
	}
	receiverID, err := decodeEntityID(req.ReceiverID)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(req.Message)) == 0 {
		return fmt.Errorf("%w: message is required", ErrMalformedPayload)
	}
	sender := client.identity.UserID
	conversationID := strings.TrimSpace(req.ConversationID)
	if conversationID == "" {
		conversationID = ConversationID(sender, receiverID)
	}
	room, err := NewRoomRef(RoomConversation, conversationID)
	if err != nil {
		return err
	}

	receiver, err := router.directory.LookupUser(ctx, receiverID)
	if err != nil {
		client.logger.Error().Err(err).Str("receiver_id", receiverID).Msg("receiver lookup failed")
		return errors.New("failed to send message")
	}
	if receiver == nil {
		return ErrReceiverNotFound
	}

	message := DirectMessage{
		SenderID:       sender,
		ReceiverID:     receiverID,
		Message:        req.Message,
		ConversationID: conversationID,
		Timestamp:      timestamp(router.now()),
	}
	sent, err := encodeFrame(EventMessageSent, message)
	if err != nil {
		return err
	}
	received, err := encodeFrame(EventReceiveMessage, message)
	if err != nil {
		return err
	}
	posted, err := encodeFrame(EventNewMessage, message)
	if err != nil {
		return err
	}
	var devices int
	if err := router.hub.exec(func(state *hubState) {
		if self, ok := state.clients[client.id]; ok {
			state.deliver(self, sent)
		}
		devices = state.sendToUser(receiverID, received)
		state.broadcast(room.Name(), posted, "")
	}); err != nil {
		return err
	}
	router.metrics.IncDirectMessage()
	client.logger.Debug().
		Str("receiver_id", receiverID).
		Int("receiver_devices", devices).
		Str("conversation_id", conversationID).
		Msg("direct message routed")
	return nil
}

func (router *Router) handleTyping(client *Client, data json.RawMessage) error {
	var req typingRequest
	if err := decodePayload(data, &req); err != nil {
		return err
	}
	room, err := NewRoomRef(RoomConversation, req.ConversationID)
	if err != nil {
		return err
	}
	frame, err := encodeFrame(EventUserTyping, typingEvent{
		UserID:         client.identity.UserID,
		IsTyping:       req.IsTyping,
		ConversationID: room.ID,
	})
	if err != nil {
		return err
	}
	router.hub.Broadcast(room.Name(), frame, client.id)
	return nil
}

func (router *Router) handleUpdatePresence(client *Client, data json.RawMessage) error {
	var req PresencePayload
	if len(bytes.TrimSpace(data)) > 0 && !bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		if err := decodePayload(data, &req); err != nil {
			return err
		}
	}
	if strings.TrimSpace(req.Status) == "" {
		req.Status = "online"
	}
	if strings.TrimSpace(req.LastSeen) == "" {
		req.LastSeen = timestamp(router.now())
	}
	userID := client.identity.UserID
	frame, err := encodeFrame(EventPresenceUpdate, presenceUpdateEvent{UserID: userID, Presence: req})
	if err != nil {
		return err
	}
	return router.hub.exec(func(state *hubState) {
		self, ok := state.clients[client.id]
		if !ok {
			return
		}
		self.presence = req
		state.broadcast(userRoom(userID), frame, client.id)
	})
}

func (router *Router) handleNotificationRead(client *Client, data json.RawMessage) error {
	notificationID := bytes.TrimSpace(data)
	var wrapped struct {
		NotificationID json.RawMessage `json:"notificationId"`
	}
	if len(notificationID) > 0 && notificationID[0] == '{' {
		if err := json.Unmarshal(notificationID, &wrapped); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		notificationID = bytes.TrimSpace(wrapped.NotificationID)
	}
	if len(notificationID) == 0 || bytes.Equal(notificationID, []byte("null")) {
		return fmt.Errorf("%w: notification id is required", ErrMalformedPayload)
	}
	userID := client.identity.UserID
	frame, err := encodeFrame(EventNotificationRead, notificationReadEvent{
		NotificationID: json.RawMessage(notificationID),
		UserID:         userID,
	})
	if err != nil {
		return err
	}
	router.hub.SendToUser(userID, frame)
	return nil
}

// reject answers the originating connection only.
func (router *Router) reject(client *Client, event, message string) {
	router.metrics.IncRejected()
	client.logger.Debug().Str("event", event).Str("reason", message).Msg("event rejected")
	if frame := errorFrame(event, message); frame != nil {
		router.hub.SendTo(client.id, frame)
	}
}

func authorizeJoin(identity Identity, ref RoomRef) error {
	switch ref.Kind {
	case RoomRole:
		if !identity.HasRole(ref.ID) {
			return fmt.Errorf("%w: %s", ErrForbiddenRoom, ref.Name())
		}
	case RoomCompany:
		if identity.CompanyID == "" || identity.CompanyID != ref.ID {
			return fmt.Errorf("%w: %s", ErrForbiddenRoom, ref.Name())
		}
	}
	return nil
}

func authorizeLeave(identity Identity, ref RoomRef) error {
	if !ref.Kind.identityDerived() {
		return nil
	}
	for _, room := range identityRooms(identity) {
		if room == ref.Name() {
			return fmt.Errorf("%w: %s is joined for the lifetime of the connection", ErrForbiddenRoom, ref.Name())
		}
	}
	return nil
}

func decodePayload(data json.RawMessage, out any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("%w: missing data", ErrMalformedPayload)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}

// decodeEntityID accepts a bare string, a bare number or an object with an id field.
func decodeEntityID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", fmt.Errorf("%w: missing id", ErrInvalidEntityID)
	}
	switch raw[0] {
	case '"':
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return id, nil
	case '{':
		var wrapped struct {
			ID json.RawMessage `json:"id"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if len(bytes.TrimSpace(wrapped.ID)) > 0 && bytes.TrimSpace(wrapped.ID)[0] == '{' {
			return "", fmt.Errorf("%w: nested id", ErrInvalidEntityID)
		}
		return decodeEntityID(wrapped.ID)
	default:
		var number json.Number
		if err := json.Unmarshal(raw, &number); err != nil {
			return "", fmt.Errorf("%w: %s", ErrInvalidEntityID, raw)
		}
		return number.String(), nil
	}
}

func errorMessage(err error) string {
	switch {
	case errors.Is(err, ErrReceiverNotFound):
		return "Receiver not found"
	case errors.Is(err, ErrHubClosed):
		return "server shutting down"
	default:
		return err.Error()
	}
}
