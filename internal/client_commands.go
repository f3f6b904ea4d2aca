package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

const reconnectDelay = 2 * time.Second

type watchCommand struct {
	frame Frame
	room  *RoomRef
	quit  bool
}

func (model *WatchModel) scheduleReconnect() tea.Cmd {
	return tea.Tick(reconnectDelay, func(time.Time) tea.Msg {
		return reconnectMsg{}
	})
}

// websocket dial with the bearer token in the handshake
func (model *WatchModel) connectCmd() tea.Cmd {
	serverURL, token := model.serverURL, model.token
	return func() tea.Msg {
		watchURL, err := buildWatchURL(serverURL)
		if err != nil {
			return connectFailedMsg{err: err}
		}
		header := http.Header{}
		if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
		conn, _, err := websocket.DefaultDialer.Dial(watchURL, header)
		if err != nil {
			return connectFailedMsg{err: err}
		}
		return connectedMsg{conn: conn}
	}
}

func (model *WatchModel) readOnceCmd(conn *websocket.Conn) tea.Cmd {
	return func() tea.Msg {
		if conn == nil {
			return disconnectedMsg{err: errors.New("websocket not connected")}
		}
		for {
			messageType, payload, err := conn.ReadMessage()
			if err != nil {
				return disconnectedMsg{err: err}
			}
			if messageType != websocket.TextMessage {
				continue
			}
			var frame Frame
			if err := json.Unmarshal(payload, &frame); err != nil || frame.Event == "" {
				return incomingMsg(Frame{Event: "raw", Data: json.RawMessage(quoteJSON(string(payload)))})
			}
			return incomingMsg(frame)
		}
	}
}

func (model *WatchModel) sendCmd(frame Frame) tea.Cmd {
	conn, writeMutex := model.websocketConn, model.writeMutex
	return func() tea.Msg {
		if conn == nil {
			return sendFailedMsg{err: errors.New("websocket not connected")}
		}
		encoded, err := json.Marshal(frame)
		if err != nil {
			return sendFailedMsg{err: err}
		}
		writeMutex.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		err = conn.WriteMessage(websocket.TextMessage, encoded)
		writeMutex.Unlock()
		if err != nil {
			return sendFailedMsg{err: err}
		}
		return nil
	}
}

// parseWatchCommand turns a prompt line into the frame it sends.
func parseWatchCommand(line string) (watchCommand, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return watchCommand{}, errors.New("commands start with /, try /sub property 42")
	}
	name := strings.ToLower(fields[0])
	args := fields[1:]
	switch name {
	case "/quit", "/exit":
		return watchCommand{quit: true}, nil
	case "/sub", "/unsub":
		if len(args) != 2 {
			return watchCommand{}, fmt.Errorf("usage: %s kind id", name)
		}
		kind, err := ParseRoomKind(args[0])
		if err != nil {
			return watchCommand{}, err
		}
		room, err := NewRoomRef(kind, args[1])
		if err != nil {
			return watchCommand{}, err
		}
		event := EventSubscribe
		if name == "/unsub" {
			event = EventUnsubscribe
		}
		return watchCommand{frame: subscribeFrame(event, room), room: &room}, nil
	case "/msg":
		if len(args) < 2 {
			return watchCommand{}, errors.New("usage: /msg user text")
		}
		text := strings.Join(args[1:], " ")
		return watchCommand{frame: mustFrame(EventSendMessage, map[string]string{
			"receiverId": args[0],
			"message":    text,
		})}, nil
	case "/typing":
		if len(args) != 2 || (args[1] != "on" && args[1] != "off") {
			return watchCommand{}, errors.New("usage: /typing conversation on|off")
		}
		return watchCommand{frame: mustFrame(EventTyping, typingRequest{
			ConversationID: args[0],
			IsTyping:       args[1] == "on",
		})}, nil
	case "/status":
		if len(args) == 0 {
			return watchCommand{}, errors.New("usage: /status text")
		}
		return watchCommand{frame: mustFrame(EventUpdatePresence, PresencePayload{Status: strings.Join(args, " ")})}, nil
	case "/read":
		if len(args) != 1 {
			return watchCommand{}, errors.New("usage: /read notificationId")
		}
		return watchCommand{frame: mustFrame(EventMarkNotificationRead, args[0])}, nil
	default:
		return watchCommand{}, fmt.Errorf("unknown command %s", name)
	}
}

// parseRoomArg reads a room given as kind:id on the command line.
func parseRoomArg(arg string) (RoomRef, error) {
	kindName, id, ok := strings.Cut(arg, ":")
	if !ok {
		return RoomRef{}, fmt.Errorf("room %q must look like kind:id", arg)
	}
	kind, err := ParseRoomKind(kindName)
	if err != nil {
		return RoomRef{}, err
	}
	return NewRoomRef(kind, id)
}

// ParseRoomArgs converts kind:id arguments for the watch command.
func ParseRoomArgs(args []string) ([]RoomRef, error) {
	rooms := make([]RoomRef, 0, len(args))
	for _, arg := range args {
		room, err := parseRoomArg(arg)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}

func subscribeFrame(event string, room RoomRef) Frame {
	return mustFrame(event, map[string]string{"kind": room.Kind.String(), "id": room.ID})
}

func mustFrame(event string, payload any) Frame {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("encode %s: %v", event, err))
	}
	return Frame{Event: event, Data: data}
}

func quoteJSON(text string) []byte {
	encoded, _ := json.Marshal(text)
	return encoded
}

func buildWatchURL(base string) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return "", fmt.Errorf("invalid scheme for websocket: %s", parsed.Scheme)
	}
	if parsed.Path == "" {
		parsed.Path = DefaultWSPath
	}
	return parsed.String(), nil
}
