package internal

import "time"

// PresenceSnapshot is the derived presence of one user.
type PresenceSnapshot struct {
	UserID      string     `json:"userId"`
	Online      bool       `json:"online"`
	Connections int        `json:"connections"`
	LastSeen    *time.Time `json:"lastSeen,omitempty"`
}

type onlineEvent struct {
	UserID    string `json:"userId"`
	Online    bool   `json:"online"`
	Timestamp string `json:"timestamp"`
}

type offlineEvent struct {
	UserID   string `json:"userId"`
	Online   bool   `json:"online"`
	LastSeen string `json:"lastSeen"`
}

// presenceAggregator turns registry transitions into frames addressed to the user's inbox room.
// It holds no state; the hub calls it from inside the same operation that flipped the registry.
type presenceAggregator struct{}

func (presenceAggregator) online(userID string, at time.Time) (string, []byte) {
	frame, err := encodeFrame(EventUserOnline, onlineEvent{UserID: userID, Online: true, Timestamp: timestamp(at)})
	if err != nil {
		return "", nil
	}
	return userRoom(userID), frame
}

func (presenceAggregator) offline(userID string, lastSeen time.Time) (string, []byte) {
	frame, err := encodeFrame(EventUserOffline, offlineEvent{UserID: userID, Online: false, LastSeen: timestamp(lastSeen)})
	if err != nil {
		return "", nil
	}
	return userRoom(userID), frame
}
