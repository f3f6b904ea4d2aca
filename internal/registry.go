package internal

// connectionRegistry keeps the live connection ids of every online user.
// It is owned by the hub goroutine and never locked on its own.
type connectionRegistry struct {
	online map[string]map[string]struct{}
}

func newConnectionRegistry() *connectionRegistry {
	return &connectionRegistry{online: make(map[string]map[string]struct{})}
}

// register adds connID for the user and reports whether this was the user's first live connection.
func (r *connectionRegistry) register(userID, connID string) bool {
	conns, ok := r.online[userID]
	if !ok {
		conns = make(map[string]struct{})
		r.online[userID] = conns
	}
	if _, exists := conns[connID]; exists {
		return false
	}
	conns[connID] = struct{}{}
	return len(conns) == 1
}

// unregister removes connID and reports whether the user just went offline.
// Unknown ids are ignored so duplicate disconnects stay harmless.
func (r *connectionRegistry) unregister(userID, connID string) bool {
	conns, ok := r.online[userID]
	if !ok {
		return false
	}
	if _, exists := conns[connID]; !exists {
		return false
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.online, userID)
		return true
	}
	return false
}

func (r *connectionRegistry) isOnline(userID string) bool {
	_, ok := r.online[userID]
	return ok
}

func (r *connectionRegistry) connectionsOf(userID string) []string {
	conns := r.online[userID]
	ids := make([]string, 0, len(conns))
	for id := range conns {
		ids = append(ids, id)
	}
	return ids
}

func (r *connectionRegistry) onlineCount() int {
	return len(r.online)
}
