package internal

import (
	"fmt"
)

// EmitToUser delivers an event to every live connection of a user and
// returns how many queues accepted it.
func (s *Server) EmitToUser(userID, event string, payload any) int {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("event", event).Msg("encode event")
		return 0
	}
	return s.hub.SendToUser(userID, frame)
}

// EmitToRoom broadcasts an event to the room named by kind and entity id.
func (s *Server) EmitToRoom(kind RoomKind, entityID, event string, payload any) (int, error) {
	ref, err := NewRoomRef(kind, entityID)
	if err != nil {
		return 0, err
	}
	return s.router.BroadcastToRoom(ref.Name(), event, payload)
}

func (s *Server) IsOnline(userID string) bool {
	return s.hub.IsOnline(userID)
}

func (s *Server) OnlineCount() int {
	return s.hub.OnlineCount()
}

func (s *Server) Presence(userID string) PresenceSnapshot {
	return s.hub.Presence(userID)
}

func (s *Server) EmitPropertyUpdate(propertyID string, fields map[string]any) (int, error) {
	return s.emitUpdate(RoomProperty, propertyID, "propertyId", EventPropertyUpdated, fields)
}

func (s *Server) EmitTaskUpdate(taskID string, fields map[string]any) (int, error) {
	return s.emitUpdate(RoomTask, taskID, "taskId", EventTaskUpdated, fields)
}

func (s *Server) EmitCompanyUpdate(companyID string, fields map[string]any) (int, error) {
	return s.emitUpdate(RoomCompany, companyID, "companyId", EventCompanyUpdated, fields)
}

func (s *Server) EmitRoleUpdate(role string, fields map[string]any) (int, error) {
	return s.emitUpdate(RoomRole, role, "role", EventRoleUpdate, fields)
}

// EmitNotification pushes a new_notification to the user's devices.
func (s *Server) EmitNotification(userID string, notification any) int {
	return s.EmitToUser(userID, EventNewNotification, notification)
}

// emitUpdate stamps the entity key and a timestamp over the caller's fields.
func (s *Server) emitUpdate(kind RoomKind, entityID, key, event string, fields map[string]any) (int, error) {
	payload := make(map[string]any, len(fields)+2)
	for name, value := range fields {
		payload[name] = value
	}
	payload[key] = entityID
	payload["timestamp"] = timestamp(s.router.now())
	delivered, err := s.EmitToRoom(kind, entityID, event, payload)
	if err != nil {
		return 0, fmt.Errorf("emit %s: %w", event, err)
	}
	return delivered, nil
}
