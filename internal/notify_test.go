package internal

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/tj/assert"
)

func newNotifyServer(t *testing.T) *Server {
	t.Helper()
	hub := startHub(t)
	server := NewServer(hub, NewJWTAuthenticator(testSecret, newDirectory()), newDirectory(), nil, Options{}, zerolog.Nop())
	server.router.now = func() time.Time {
		return time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	}
	return server
}

func TestEmitPropertyUpdateStampsPayload(t *testing.T) {
	server := newNotifyServer(t)
	member := admit(t, server.Hub(), Identity{UserID: "u1", IsActive: true})
	outsider := admit(t, server.Hub(), Identity{UserID: "u2", IsActive: true})
	assert.NoError(t, server.Hub().Join(member.id, "property:P1"))
	drain(t, member)
	drain(t, outsider)

	delivered, err := server.EmitPropertyUpdate("P1", map[string]any{"status": "listed", "propertyId": "spoofed"})
	assert.NoError(t, err)
	assert.Equal(t, 1, delivered)

	frames := drain(t, member)
	assert.Equal(t, []string{EventPropertyUpdated}, eventsOf(frames))
	var payload map[string]any
	assert.NoError(t, json.Unmarshal(frames[0].Data, &payload))
	assert.Equal(t, "P1", payload["propertyId"])
	assert.Equal(t, "listed", payload["status"])
	assert.Equal(t, "2024-05-01T09:30:00Z", payload["timestamp"])
	assert.Empty(t, drain(t, outsider))
}

func TestEmitUpdatesReachIdentityRooms(t *testing.T) {
	server := newNotifyServer(t)
	client := admit(t, server.Hub(), Identity{UserID: "u1", Roles: []string{"admin"}, CompanyID: "c1", IsActive: true})
	drain(t, client)

	delivered, err := server.EmitCompanyUpdate("c1", nil)
	assert.NoError(t, err)
	assert.Equal(t, 1, delivered)
	delivered, err = server.EmitRoleUpdate("admin", map[string]any{"action": "refresh"})
	assert.NoError(t, err)
	assert.Equal(t, 1, delivered)
	delivered, err = server.EmitTaskUpdate("T1", nil)
	assert.NoError(t, err)
	assert.Equal(t, 0, delivered)

	assert.Equal(t, []string{EventCompanyUpdated, EventRoleUpdate}, eventsOf(drain(t, client)))
	assert.False(t, server.Hub().RoomExists("task:T1"))
}

func TestEmitRejectsInvalidEntityID(t *testing.T) {
	server := newNotifyServer(t)
	_, err := server.EmitTaskUpdate("", map[string]any{"x": 1})
	assert.True(t, errors.Is(err, ErrInvalidEntityID))
	_, err = server.EmitToRoom(RoomKind(42), "1", "custom", nil)
	assert.True(t, errors.Is(err, ErrUnknownRoomKind))
}

func TestEmitNotificationFansOutToDevices(t *testing.T) {
	server := newNotifyServer(t)
	phone := admit(t, server.Hub(), Identity{UserID: "u1", IsActive: true})
	laptop := admit(t, server.Hub(), Identity{UserID: "u1", IsActive: true})
	drain(t, phone)
	drain(t, laptop)

	delivered := server.EmitNotification("u1", map[string]any{"id": 5, "title": "Rent due"})
	assert.Equal(t, 2, delivered)
	assert.Equal(t, []string{EventNewNotification}, eventsOf(drain(t, phone)))
	assert.Equal(t, []string{EventNewNotification}, eventsOf(drain(t, laptop)))

	assert.Equal(t, 0, server.EmitNotification("offline-user", map[string]any{"id": 6}))
	assert.True(t, server.IsOnline("u1"))
	assert.Equal(t, 1, server.OnlineCount())
	assert.True(t, server.Presence("u1").Online)
}
