package internal

import (
	"encoding/json"
	"time"
)

// Frame is the envelope exchanged in both directions over the socket.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// inbound events
const (
	EventAuthenticate         = "authenticate"
	EventSubscribe            = "subscribe"
	EventUnsubscribe          = "unsubscribe"
	EventSubscribeProperty    = "subscribe_property"
	EventUnsubscribeProperty  = "unsubscribe_property"
	EventSubscribeTask        = "subscribe_task"
	EventUnsubscribeTask      = "unsubscribe_task"
	EventSubscribeCompany     = "subscribe_company"
	EventUnsubscribeCompany   = "unsubscribe_company"
	EventJoinConversation     = "join_conversation"
	EventLeaveConversation    = "leave_conversation"
	EventSendMessage          = "send_message"
	EventTyping               = "typing"
	EventUpdatePresence       = "update_presence"
	EventMarkNotificationRead = "mark_notification_read"
)

// outbound events
const (
	EventConnected        = "connected"
	EventAuthError        = "auth_error"
	EventError            = "error"
	EventSubscribed       = "subscribed"
	EventUnsubscribed     = "unsubscribed"
	EventUserOnline       = "user_online"
	EventUserOffline      = "user_offline"
	EventMessageSent      = "message_sent"
	EventReceiveMessage   = "receive_message"
	EventNewMessage       = "new_message"
	EventUserTyping       = "user_typing"
	EventPresenceUpdate   = "presence_update"
	EventNotificationRead = "notification_read"
	EventNewNotification  = "new_notification"
	EventPropertyUpdated  = "property_updated"
	EventTaskUpdated      = "task_updated"
	EventCompanyUpdated   = "company_updated"
	EventRoleUpdate       = "role_update"
)

// DirectMessage is delivered to the sender, the receiver's devices and the conversation room.
type DirectMessage struct {
	SenderID       string          `json:"senderId"`
	ReceiverID     string          `json:"receiverId"`
	Message        json.RawMessage `json:"message"`
	ConversationID string          `json:"conversationId"`
	Timestamp      string          `json:"timestamp"`
}

type subscribeRequest struct {
	Kind string          `json:"kind"`
	ID   json.RawMessage `json:"id"`
}

type sendMessageRequest struct {
	ReceiverID     json.RawMessage `json:"receiverId"`
	Message        json.RawMessage `json:"message"`
	ConversationID string          `json:"conversationId"`
}

type typingRequest struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

type typingEvent struct {
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
	ConversationID string `json:"conversationId"`
}

type authenticateRequest struct {
	Token string `json:"token"`
}

// PresencePayload is the status a connection reports about itself.
type PresencePayload struct {
	Status   string `json:"status"`
	LastSeen string `json:"lastSeen"`
}

type presenceUpdateEvent struct {
	UserID   string          `json:"userId"`
	Presence PresencePayload `json:"presence"`
}

type notificationReadEvent struct {
	NotificationID json.RawMessage `json:"notificationId"`
	UserID         string          `json:"userId"`
}

type connectedEvent struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
	Online       bool   `json:"online"`
	Timestamp    string `json:"timestamp"`
}

type roomEvent struct {
	Room string `json:"room"`
}

type errorEvent struct {
	Event   string `json:"event,omitempty"`
	Message string `json:"message"`
}

// encodeFrame marshals an outbound event once so it can be fanned out as bytes.
func encodeFrame(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: data})
}

func errorFrame(event, message string) []byte {
	encoded, err := encodeFrame(EventError, errorEvent{Event: event, Message: message})
	if err != nil {
		return nil
	}
	return encoded
}

func timestamp(at time.Time) string {
	return at.UTC().Format(time.RFC3339Nano)
}
