package internal

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/tj/assert"
)

type fakeDirectory struct {
	users map[string]Identity
	err   error
}

func (d fakeDirectory) LookupUser(_ context.Context, userID string) (*Identity, error) {
	if d.err != nil {
		return nil, d.err
	}
	identity, ok := d.users[userID]
	if !ok {
		return nil, nil
	}
	return &identity, nil
}

func newDirectory(identities ...Identity) fakeDirectory {
	users := make(map[string]Identity, len(identities))
	for _, identity := range identities {
		users[identity.UserID] = identity
	}
	return fakeDirectory{users: users}
}

func newTestRouter(t *testing.T, directory UserDirectory) (*Router, *Hub) {
	t.Helper()
	hub := startHub(t)
	return NewRouter(hub, directory, NewMetrics(), zerolog.Nop()), hub
}

func frameOf(t *testing.T, event string, payload any) Frame {
	t.Helper()
	data, err := json.Marshal(payload)
	assert.NoError(t, err)
	return Frame{Event: event, Data: data}
}

func errorText(t *testing.T, frame Frame) string {
	t.Helper()
	var payload errorEvent
	assert.NoError(t, json.Unmarshal(frame.Data, &payload))
	return payload.Message
}

func TestDirectMessageFansOutToEveryDevice(t *testing.T) {
	sender := Identity{UserID: "s1", IsActive: true}
	receiver := Identity{UserID: "r1", IsActive: true}
	router, hub := newTestRouter(t, newDirectory(sender, receiver))

	from := admit(t, hub, sender)
	devices := []*Client{admit(t, hub, receiver), admit(t, hub, receiver), admit(t, hub, receiver)}
	drain(t, from)
	for _, device := range devices {
		drain(t, device)
	}

	router.Dispatch(context.Background(), from, frameOf(t, EventSendMessage, map[string]any{
		"receiverId": "r1",
		"message":    "hello",
	}))

	received := 0
	for _, device := range devices {
		frames := drain(t, device)
		assert.Equal(t, []string{EventReceiveMessage}, eventsOf(frames))
		received += len(frames)

		var message DirectMessage
		assert.NoError(t, json.Unmarshal(frames[0].Data, &message))
		assert.Equal(t, "s1", message.SenderID)
		assert.Equal(t, "r1_s1", message.ConversationID)
		assert.Equal(t, `"hello"`, string(message.Message))
	}
	assert.Equal(t, 3, received)
	assert.Equal(t, []string{EventMessageSent}, eventsOf(drain(t, from)))
}

func TestDirectMessageReachesConversationRoom(t *testing.T) {
	sender := Identity{UserID: "s1", IsActive: true}
	receiver := Identity{UserID: "r1", IsActive: true}
	router, hub := newTestRouter(t, newDirectory(sender, receiver))

	from := admit(t, hub, sender)
	to := admit(t, hub, receiver)
	router.Dispatch(context.Background(), to, frameOf(t, EventJoinConversation, "thread-9"))
	drain(t, from)
	drain(t, to)

	router.Dispatch(context.Background(), from, frameOf(t, EventSendMessage, map[string]any{
		"receiverId":     "r1",
		"message":        map[string]string{"text": "hi"},
		"conversationId": "thread-9",
	}))

	// receiver is addressed both directly and through the room
	assert.Equal(t, []string{EventReceiveMessage, EventNewMessage}, eventsOf(drain(t, to)))
	assert.Equal(t, []string{EventMessageSent}, eventsOf(drain(t, from)))
}

func TestDirectMessageUnknownReceiver(t *testing.T) {
	sender := Identity{UserID: "s1", IsActive: true}
	bystander := Identity{UserID: "b1", IsActive: true}
	router, hub := newTestRouter(t, newDirectory(sender, bystander))

	from := admit(t, hub, sender)
	other := admit(t, hub, bystander)
	drain(t, from)
	drain(t, other)

	router.Dispatch(context.Background(), from, frameOf(t, EventSendMessage, map[string]any{
		"receiverId": "ghost",
		"message":    "anyone?",
	}))

	frames := drain(t, from)
	assert.Equal(t, []string{EventError}, eventsOf(frames))
	assert.Equal(t, "Receiver not found", errorText(t, frames[0]))
	assert.Empty(t, drain(t, other))
	assert.False(t, hub.RoomExists("conversation:ghost_s1"))
}

func TestDirectMessageLookupFailure(t *testing.T) {
	router, hub := newTestRouter(t, fakeDirectory{err: errors.New("db down")})
	from := admit(t, hub, Identity{UserID: "s1", IsActive: true})
	drain(t, from)

	router.Dispatch(context.Background(), from, frameOf(t, EventSendMessage, map[string]any{
		"receiverId": 7,
		"message":    "x",
	}))
	frames := drain(t, from)
	assert.Len(t, frames, 1)
	assert.Equal(t, "failed to send message", errorText(t, frames[0]))
}

func TestTypingExcludesSender(t *testing.T) {
	router, hub := newTestRouter(t, newDirectory())
	alice := admit(t, hub, Identity{UserID: "alice", IsActive: true})
	bob := admit(t, hub, Identity{UserID: "bob", IsActive: true})
	for _, client := range []*Client{alice, bob} {
		router.Dispatch(context.Background(), client, frameOf(t, EventJoinConversation, map[string]string{"id": "c1"}))
		drain(t, client)
	}

	router.Dispatch(context.Background(), alice, frameOf(t, EventTyping, map[string]any{
		"conversationId": "c1",
		"isTyping":       true,
	}))

	assert.Empty(t, drain(t, alice))
	frames := drain(t, bob)
	assert.Equal(t, []string{EventUserTyping}, eventsOf(frames))
	var payload typingEvent
	assert.NoError(t, json.Unmarshal(frames[0].Data, &payload))
	assert.Equal(t, typingEvent{UserID: "alice", IsTyping: true, ConversationID: "c1"}, payload)
}

func TestSubscribeAcksWithCanonicalRoom(t *testing.T) {
	router, hub := newTestRouter(t, newDirectory())
	client := admit(t, hub, Identity{UserID: "u1", IsActive: true})
	drain(t, client)

	router.Dispatch(context.Background(), client, frameOf(t, EventSubscribeProperty, 42))
	frames := drain(t, client)
	assert.Equal(t, []string{EventSubscribed}, eventsOf(frames))
	var ack roomEvent
	assert.NoError(t, json.Unmarshal(frames[0].Data, &ack))
	assert.Equal(t, "property:42", ack.Room)
	assert.Equal(t, []string{client.id}, hub.Members("property:42"))

	router.Dispatch(context.Background(), client, frameOf(t, EventUnsubscribe, map[string]any{"kind": "property", "id": "42"}))
	assert.Equal(t, []string{EventUnsubscribed}, eventsOf(drain(t, client)))
	assert.False(t, hub.RoomExists("property:42"))
}

func TestSubscribeForeignCompanyIsForbidden(t *testing.T) {
	router, hub := newTestRouter(t, newDirectory())
	client := admit(t, hub, Identity{UserID: "u1", CompanyID: "c1", IsActive: true})
	drain(t, client)

	router.Dispatch(context.Background(), client, frameOf(t, EventSubscribeCompany, "c2"))
	frames := drain(t, client)
	assert.Equal(t, []string{EventError}, eventsOf(frames))
	assert.Contains(t, errorText(t, frames[0]), ErrForbiddenRoom.Error())
	assert.False(t, hub.RoomExists("company:c2"))

	router.Dispatch(context.Background(), client, frameOf(t, EventSubscribe, map[string]string{"kind": "role", "id": "admin"}))
	assert.Equal(t, []string{EventError}, eventsOf(drain(t, client)))
	assert.False(t, hub.RoomExists("role:admin"))
}

func TestSubscribeUnknownKind(t *testing.T) {
	router, hub := newTestRouter(t, newDirectory())
	client := admit(t, hub, Identity{UserID: "u1", IsActive: true})
	drain(t, client)

	router.Dispatch(context.Background(), client, frameOf(t, EventSubscribe, map[string]string{"kind": "galaxy", "id": "1"}))
	frames := drain(t, client)
	assert.Len(t, frames, 1)
	assert.Contains(t, errorText(t, frames[0]), ErrUnknownRoomKind.Error())
}

func TestIdentityRoomsCannotBeLeft(t *testing.T) {
	router, hub := newTestRouter(t, newDirectory())
	client := admit(t, hub, Identity{UserID: "u1", Roles: []string{"tenant"}, CompanyID: "c1", IsActive: true})
	drain(t, client)

	for _, event := range []Frame{
		frameOf(t, EventUnsubscribe, map[string]string{"kind": "user", "id": "u1"}),
		frameOf(t, EventUnsubscribe, map[string]string{"kind": "role", "id": "tenant"}),
		frameOf(t, EventUnsubscribeCompany, "c1"),
	} {
		router.Dispatch(context.Background(), client, event)
		assert.Equal(t, []string{EventError}, eventsOf(drain(t, client)))
	}
	assert.Equal(t, []string{client.id}, hub.Members("user:u1"))
	assert.Equal(t, []string{client.id}, hub.Members("role:tenant"))
	assert.Equal(t, []string{client.id}, hub.Members("company:c1"))
}

func TestWatchingAnotherUsersPresence(t *testing.T) {
	router, hub := newTestRouter(t, newDirectory())
	watcher := admit(t, hub, Identity{UserID: "w1", IsActive: true})
	router.Dispatch(context.Background(), watcher, frameOf(t, EventSubscribe, map[string]string{"kind": "user", "id": "alice"}))
	drain(t, watcher)

	alice := admit(t, hub, Identity{UserID: "alice", IsActive: true})
	assert.Equal(t, []string{EventUserOnline}, eventsOf(drain(t, watcher)))
	_, err := hub.Teardown(alice.id)
	assert.NoError(t, err)
	assert.Equal(t, []string{EventUserOffline}, eventsOf(drain(t, watcher)))
}

func TestUpdatePresenceReachesOtherDevices(t *testing.T) {
	router, hub := newTestRouter(t, newDirectory())
	phone := admit(t, hub, Identity{UserID: "u1", IsActive: true})
	laptop := admit(t, hub, Identity{UserID: "u1", IsActive: true})
	drain(t, phone)
	drain(t, laptop)

	router.Dispatch(context.Background(), phone, frameOf(t, EventUpdatePresence, map[string]string{"status": "away"}))
	assert.Empty(t, drain(t, phone))
	frames := drain(t, laptop)
	assert.Equal(t, []string{EventPresenceUpdate}, eventsOf(frames))

	var payload presenceUpdateEvent
	assert.NoError(t, json.Unmarshal(frames[0].Data, &payload))
	assert.Equal(t, "u1", payload.UserID)
	assert.Equal(t, "away", payload.Presence.Status)
	assert.NotEmpty(t, payload.Presence.LastSeen)

	router.Dispatch(context.Background(), phone, Frame{Event: EventUpdatePresence})
	frames = drain(t, laptop)
	assert.NoError(t, json.Unmarshal(frames[0].Data, &payload))
	assert.Equal(t, "online", payload.Presence.Status)
}

func TestMarkNotificationReadSyncsDevices(t *testing.T) {
	router, hub := newTestRouter(t, newDirectory())
	phone := admit(t, hub, Identity{UserID: "u1", IsActive: true})
	laptop := admit(t, hub, Identity{UserID: "u1", IsActive: true})
	other := admit(t, hub, Identity{UserID: "u2", IsActive: true})
	for _, client := range []*Client{phone, laptop, other} {
		drain(t, client)
	}

	router.Dispatch(context.Background(), phone, frameOf(t, EventMarkNotificationRead, 55))
	for _, client := range []*Client{phone, laptop} {
		frames := drain(t, client)
		assert.Equal(t, []string{EventNotificationRead}, eventsOf(frames))
		var payload notificationReadEvent
		assert.NoError(t, json.Unmarshal(frames[0].Data, &payload))
		assert.Equal(t, "55", string(payload.NotificationID))
		assert.Equal(t, "u1", payload.UserID)
	}
	assert.Empty(t, drain(t, other))
}

func TestUnknownEventAndMalformedPayload(t *testing.T) {
	router, hub := newTestRouter(t, newDirectory())
	client := admit(t, hub, Identity{UserID: "u1", IsActive: true})
	drain(t, client)

	router.Dispatch(context.Background(), client, Frame{Event: "teleport"})
	frames := drain(t, client)
	assert.Len(t, frames, 1)
	var payload errorEvent
	assert.NoError(t, json.Unmarshal(frames[0].Data, &payload))
	assert.Equal(t, "teleport", payload.Event)

	router.Dispatch(context.Background(), client, Frame{Event: EventTyping, Data: json.RawMessage(`{"conversationId":`)})
	assert.Equal(t, []string{EventError}, eventsOf(drain(t, client)))

	router.Dispatch(context.Background(), client, frameOf(t, EventSubscribeTask, "has space"))
	frames = drain(t, client)
	assert.Contains(t, errorText(t, frames[0]), ErrInvalidEntityID.Error())
	assert.EqualValues(t, 3, router.metrics.Snapshot()["rejected_events_total"])
}

func TestDecodeEntityID(t *testing.T) {
	cases := map[string]string{
		`"p-1"`:        "p-1",
		`42`:           "42",
		`{"id":"t-9"}`: "t-9",
		`{"id":17}`:    "17",
	}
	for raw, want := range cases {
		got, err := decodeEntityID(json.RawMessage(raw))
		assert.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
	for _, raw := range []string{``, `true`, `[1]`, `{"id":{"id":1}}`} {
		_, err := decodeEntityID(json.RawMessage(raw))
		assert.Error(t, err, raw)
	}
}
