package internal

// roomTable maps room names to the connections subscribed to them.
// A room exists only while it has at least one member.
type roomTable struct {
	rooms map[string]map[string]struct{}
}

func newRoomTable() *roomTable {
	return &roomTable{rooms: make(map[string]map[string]struct{})}
}

func (t *roomTable) join(room, connID string) {
	members, ok := t.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		t.rooms[room] = members
	}
	members[connID] = struct{}{}
}

func (t *roomTable) leave(room, connID string) {
	members, ok := t.rooms[room]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(t.rooms, room)
	}
}

func (t *roomTable) membersOf(room string) []string {
	members := t.rooms[room]
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	return ids
}

func (t *roomTable) isMember(room, connID string) bool {
	_, ok := t.rooms[room][connID]
	return ok
}

// leaveAll drops connID from every room it joined and returns those room names.
func (t *roomTable) leaveAll(connID string) []string {
	var left []string
	for room, members := range t.rooms {
		if _, ok := members[connID]; !ok {
			continue
		}
		delete(members, connID)
		left = append(left, room)
		if len(members) == 0 {
			delete(t.rooms, room)
		}
	}
	return left
}

func (t *roomTable) exists(room string) bool {
	_, ok := t.rooms[room]
	return ok
}

func (t *roomTable) roomCount() int {
	return len(t.rooms)
}
