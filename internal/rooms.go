package internal

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// RoomKind enumerates the room families a connection can belong to.
type RoomKind int

const (
	RoomUser RoomKind = iota + 1
	RoomRole
	RoomCompany
	RoomProperty
	RoomTask
	RoomConversation
)

const maxEntityIDLen = 128

var (
	ErrUnknownRoomKind = errors.New("unknown room kind")
	ErrInvalidEntityID = errors.New("invalid entity id")
)

var roomKindNames = map[RoomKind]string{
	RoomUser:         "user",
	RoomRole:         "role",
	RoomCompany:      "company",
	RoomProperty:     "property",
	RoomTask:         "task",
	RoomConversation: "conversation",
}

func (k RoomKind) String() string {
	if name, ok := roomKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("RoomKind(%d)", int(k))
}

// identityDerived reports whether rooms of this kind are joined from the connection's own identity.
func (k RoomKind) identityDerived() bool {
	return k == RoomUser || k == RoomRole || k == RoomCompany
}

// ParseRoomKind maps a wire name such as "property" to its RoomKind.
func ParseRoomKind(name string) (RoomKind, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for kind, kindName := range roomKindNames {
		if kindName == normalized {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownRoomKind, name)
}

// RoomRef names one room: a kind plus the entity id it is scoped to.
type RoomRef struct {
	Kind RoomKind
	ID   string
}

// NewRoomRef validates the entity id and returns the reference.
func NewRoomRef(kind RoomKind, id string) (RoomRef, error) {
	if _, ok := roomKindNames[kind]; !ok {
		return RoomRef{}, fmt.Errorf("%w: %d", ErrUnknownRoomKind, int(kind))
	}
	id = strings.TrimSpace(id)
	if id == "" || len(id) > maxEntityIDLen || strings.ContainsAny(id, " \t\r\n") {
		return RoomRef{}, fmt.Errorf("%w: %q", ErrInvalidEntityID, id)
	}
	return RoomRef{Kind: kind, ID: id}, nil
}

// Name is the canonical room key, e.g. "property:42".
func (r RoomRef) Name() string {
	return r.Kind.String() + ":" + r.ID
}

func userRoom(userID string) string {
	return RoomRef{Kind: RoomUser, ID: userID}.Name()
}

// identityRooms lists the rooms every connection of this identity joins on admission.
func identityRooms(identity Identity) []string {
	rooms := []string{userRoom(identity.UserID)}
	for _, role := range identity.Roles {
		if role == "" {
			continue
		}
		rooms = append(rooms, RoomRef{Kind: RoomRole, ID: role}.Name())
	}
	if identity.CompanyID != "" {
		rooms = append(rooms, RoomRef{Kind: RoomCompany, ID: identity.CompanyID}.Name())
	}
	return rooms
}

// ConversationID pairs two user ids the same way regardless of who sends first.
func ConversationID(userA, userB string) string {
	pair := []string{userA, userB}
	sort.Strings(pair)
	return pair[0] + "_" + pair[1]
}
