package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tj/assert"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(zerolog.Nop(), NewMetrics())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return hub
}

func newTestClient(identity Identity, buffer int) *Client {
	return &Client{
		id:          uuid.NewString(),
		send:        make(chan []byte, buffer),
		identity:    identity,
		logger:      zerolog.Nop(),
		eventBurst:  defaultEventBurst,
		eventWindow: defaultEventWindow,
	}
}

func admit(t *testing.T, hub *Hub, identity Identity) *Client {
	t.Helper()
	client := newTestClient(identity, 64)
	_, err := hub.Admit(client)
	assert.NoError(t, err)
	return client
}

// drain returns every frame queued for the client without blocking.
func drain(t *testing.T, client *Client) []Frame {
	t.Helper()
	var frames []Frame
	for {
		select {
		case raw, ok := <-client.send:
			if !ok {
				return frames
			}
			var frame Frame
			assert.NoError(t, json.Unmarshal(raw, &frame))
			frames = append(frames, frame)
		default:
			return frames
		}
	}
}

func eventsOf(frames []Frame) []string {
	events := make([]string, 0, len(frames))
	for _, frame := range frames {
		events = append(events, frame.Event)
	}
	return events
}

func TestAdmitJoinsIdentityRooms(t *testing.T) {
	hub := startHub(t)
	client := admit(t, hub, Identity{UserID: "u1", Roles: []string{"landlord"}, CompanyID: "c1", IsActive: true})

	assert.Equal(t, StateActive, client.State())
	assert.True(t, hub.IsOnline("u1"))
	assert.Equal(t, []string{client.id}, hub.Members("user:u1"))
	assert.Equal(t, []string{client.id}, hub.Members("role:landlord"))
	assert.Equal(t, []string{client.id}, hub.Members("company:c1"))
	assert.Equal(t, []string{EventConnected}, eventsOf(drain(t, client)))
}

func TestOnlineAndOfflineFollowFirstAndLastConnection(t *testing.T) {
	hub := startHub(t)
	watcher := admit(t, hub, Identity{UserID: "watcher", IsActive: true})
	assert.NoError(t, hub.Join(watcher.id, "user:alice"))
	drain(t, watcher)

	first := admit(t, hub, Identity{UserID: "alice", IsActive: true})
	second := admit(t, hub, Identity{UserID: "alice", IsActive: true})
	assert.Equal(t, []string{EventUserOnline}, eventsOf(drain(t, watcher)))
	assert.Equal(t, []string{EventConnected}, eventsOf(drain(t, first)))

	offline, err := hub.Teardown(first.id)
	assert.NoError(t, err)
	assert.False(t, offline)
	assert.Empty(t, drain(t, watcher))
	assert.Equal(t, StateClosed, first.State())

	offline, err = hub.Teardown(second.id)
	assert.NoError(t, err)
	assert.True(t, offline)
	frames := drain(t, watcher)
	assert.Equal(t, []string{EventUserOffline}, eventsOf(frames))

	var payload offlineEvent
	assert.NoError(t, json.Unmarshal(frames[0].Data, &payload))
	assert.Equal(t, "alice", payload.UserID)
	assert.False(t, payload.Online)
	assert.NotEmpty(t, payload.LastSeen)

	snapshot := hub.Presence("alice")
	assert.False(t, snapshot.Online)
	assert.NotNil(t, snapshot.LastSeen)
}

func TestTeardownIsIdempotent(t *testing.T) {
	hub := startHub(t)
	watcher := admit(t, hub, Identity{UserID: "watcher", IsActive: true})
	assert.NoError(t, hub.Join(watcher.id, "user:bob"))
	client := admit(t, hub, Identity{UserID: "bob", IsActive: true})
	drain(t, watcher)

	offline, err := hub.Teardown(client.id)
	assert.NoError(t, err)
	assert.True(t, offline)
	offline, err = hub.Teardown(client.id)
	assert.NoError(t, err)
	assert.False(t, offline)
	offline, err = hub.Teardown("never-existed")
	assert.NoError(t, err)
	assert.False(t, offline)

	assert.Equal(t, []string{EventUserOffline}, eventsOf(drain(t, watcher)))
}

func TestTeardownRemovesEmptyRooms(t *testing.T) {
	hub := startHub(t)
	client := admit(t, hub, Identity{UserID: "u1", CompanyID: "c1", IsActive: true})
	assert.NoError(t, hub.Join(client.id, "property:P1"))
	assert.True(t, hub.RoomExists("property:P1"))
	assert.Equal(t, 3, hub.RoomCount())

	_, err := hub.Teardown(client.id)
	assert.NoError(t, err)
	assert.False(t, hub.RoomExists("property:P1"))
	assert.Equal(t, 0, hub.RoomCount())
	assert.Equal(t, 0, hub.OnlineCount())
}

func TestJoinUnknownConnection(t *testing.T) {
	hub := startHub(t)
	err := hub.Join("ghost", "property:P1")
	assert.Equal(t, ErrUnknownConnection, err)
	assert.False(t, hub.RoomExists("property:P1"))
}

func TestBroadcastIsScopedToRoom(t *testing.T) {
	hub := startHub(t)
	first := admit(t, hub, Identity{UserID: "u1", IsActive: true})
	second := admit(t, hub, Identity{UserID: "u2", IsActive: true})
	assert.NoError(t, hub.Join(first.id, "property:P1"))
	assert.NoError(t, hub.Join(second.id, "property:P2"))
	drain(t, first)
	drain(t, second)

	frame, err := encodeFrame(EventPropertyUpdated, map[string]string{"propertyId": "P1"})
	assert.NoError(t, err)
	assert.Equal(t, 1, hub.Broadcast("property:P1", frame, ""))

	assert.Equal(t, []string{EventPropertyUpdated}, eventsOf(drain(t, first)))
	assert.Empty(t, drain(t, second))
}

func TestFullQueueDropsFrame(t *testing.T) {
	metrics := NewMetrics()
	hub := NewHub(zerolog.Nop(), metrics)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := newTestClient(Identity{UserID: "slow", IsActive: true}, 1)
	_, err := hub.Admit(client)
	assert.NoError(t, err)

	// the connected ack already fills the queue
	assert.False(t, hub.SendTo(client.id, []byte(`{"event":"x"}`)))
	snapshot := metrics.Snapshot()
	assert.EqualValues(t, 1, snapshot["frames_dropped_total"])
	assert.EqualValues(t, 1, snapshot["frames_delivered_total"])
	assert.True(t, hub.IsOnline("slow"))
}

func TestConcurrentChurnKeepsPresenceSymmetric(t *testing.T) {
	hub := startHub(t)
	users := []string{"u0", "u1", "u2", "u3", "u4"}
	watcher := newTestClient(Identity{UserID: "watcher", IsActive: true}, 10000)
	_, err := hub.Admit(watcher)
	assert.NoError(t, err)
	for _, user := range users {
		assert.NoError(t, hub.Join(watcher.id, userRoom(user)))
	}
	drain(t, watcher)

	var wg sync.WaitGroup
	for worker := 0; worker < 20; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				user := users[(worker+i)%len(users)]
				client := newTestClient(Identity{UserID: user, IsActive: true}, 16)
				if _, err := hub.Admit(client); err != nil {
					t.Errorf("admit: %v", err)
					return
				}
				_ = hub.Join(client.id, fmt.Sprintf("property:P%d", i%3))
				if _, err := hub.Teardown(client.id); err != nil {
					t.Errorf("teardown: %v", err)
					return
				}
			}
		}(worker)
	}
	wg.Wait()

	online := map[string]int{}
	offline := map[string]int{}
	for _, frame := range drain(t, watcher) {
		var payload struct {
			UserID string `json:"userId"`
		}
		assert.NoError(t, json.Unmarshal(frame.Data, &payload))
		switch frame.Event {
		case EventUserOnline:
			online[payload.UserID]++
		case EventUserOffline:
			offline[payload.UserID]++
		}
	}
	for _, user := range users {
		assert.True(t, online[user] > 0, user)
		assert.Equal(t, online[user], offline[user], user)
		assert.False(t, hub.IsOnline(user))
	}
	assert.Equal(t, 1, hub.OnlineCount())

	_, err = hub.Teardown(watcher.id)
	assert.NoError(t, err)
	assert.Equal(t, 0, hub.RoomCount())
}

func TestClosedHubRejectsOperations(t *testing.T) {
	hub := NewHub(zerolog.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.Run(ctx)
	}()
	client := newTestClient(Identity{UserID: "u1", IsActive: true}, 4)
	_, err := hub.Admit(client)
	assert.NoError(t, err)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}

	_, ok := <-client.send
	assert.True(t, ok, "connected ack still buffered")
	_, ok = <-client.send
	assert.False(t, ok, "queue closed on shutdown")

	_, err = hub.Admit(newTestClient(Identity{UserID: "u2"}, 1))
	assert.Equal(t, ErrHubClosed, err)
	_, err = hub.Teardown(client.id)
	assert.Equal(t, ErrHubClosed, err)
}
