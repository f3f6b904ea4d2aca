package internal

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

const maxWatchEvents = 200

// WatchModel is the bubbletea state of the watch client: one websocket,
// the rooms to subscribe after each connect, and the rolling event log.
type WatchModel struct {
	textInput       textinput.Model
	events          []watchEvent
	serverURL       string
	token           string
	rooms           []RoomRef
	websocketConn   *websocket.Conn
	writeMutex      *sync.Mutex
	isConnected     bool
	connectionError error
	userID          string
}

type watchEvent struct {
	At     time.Time
	Event  string
	Body   string
	System bool
}

// asynchronous results fed back into Update
type (
	connectedMsg     struct{ conn *websocket.Conn }
	incomingMsg      Frame
	disconnectedMsg  struct{ err error }
	connectFailedMsg struct{ err error }
	reconnectMsg     struct{}
	sendFailedMsg    struct{ err error }
)

func NewWatchModel(serverURL, token string, rooms []RoomRef) *WatchModel {
	input := textinput.New()
	input.Placeholder = "/sub property 42 · /msg u-2 hello · /quit"
	input.CharLimit = 0
	input.Focus()
	input.Prompt = "> "
	return &WatchModel{
		textInput:  input,
		events:     make([]watchEvent, 0, 64),
		serverURL:  serverURL,
		token:      token,
		rooms:      rooms,
		writeMutex: &sync.Mutex{},
	}
}

func (model *WatchModel) Init() tea.Cmd {
	return model.connectCmd()
}

func (model *WatchModel) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch typedMessage := message.(type) {
	case tea.KeyMsg:
		if typedMessage.Type == tea.KeyCtrlC || typedMessage.Type == tea.KeyEsc {
			model.closeConn()
			return model, tea.Quit
		}
		if typedMessage.Type == tea.KeyEnter {
			return model, model.submit(strings.TrimSpace(model.textInput.Value()))
		}
		var cmd tea.Cmd
		model.textInput, cmd = model.textInput.Update(typedMessage)
		return model, cmd

	case connectedMsg:
		model.websocketConn = typedMessage.conn
		model.isConnected = true
		model.connectionError = nil
		model.appendSystem("connected to " + model.serverURL)
		cmds := []tea.Cmd{model.readOnceCmd(typedMessage.conn)}
		for _, room := range model.rooms {
			cmds = append(cmds, model.sendCmd(subscribeFrame(EventSubscribe, room)))
		}
		return model, tea.Batch(cmds...)

	case incomingMsg:
		frame := Frame(typedMessage)
		if frame.Event == EventConnected {
			model.userID = connectedUserID(frame)
		}
		model.appendEvent(watchEvent{At: time.Now(), Event: frame.Event, Body: describeFrame(frame)})
		return model, model.readOnceCmd(model.websocketConn)

	case disconnectedMsg:
		model.isConnected = false
		model.connectionError = typedMessage.err
		model.websocketConn = nil
		model.appendSystem(fmt.Sprintf("disconnected: %v", typedMessage.err))
		return model, model.scheduleReconnect()

	case connectFailedMsg:
		model.connectionError = typedMessage.err
		return model, model.scheduleReconnect()

	case reconnectMsg:
		if !model.isConnected {
			return model, model.connectCmd()
		}
		return model, nil

	case sendFailedMsg:
		model.appendSystem(fmt.Sprintf("send failed: %v", typedMessage.err))
		return model, nil
	}
	return model, nil
}

// submit runs one line typed into the prompt.
func (model *WatchModel) submit(line string) tea.Cmd {
	if line == "" {
		return nil
	}
	command, err := parseWatchCommand(line)
	if err != nil {
		model.appendSystem(err.Error())
		return nil
	}
	model.textInput.SetValue("")
	if command.quit {
		model.closeConn()
		return tea.Quit
	}
	if command.room != nil {
		model.trackRoom(*command.room, command.frame.Event == EventSubscribe)
	}
	if !model.isConnected {
		model.appendSystem("not connected; command dropped")
		return nil
	}
	return model.sendCmd(command.frame)
}

// trackRoom keeps the subscription list so it survives reconnects.
func (model *WatchModel) trackRoom(room RoomRef, add bool) {
	for i, existing := range model.rooms {
		if existing == room {
			if !add {
				model.rooms = append(model.rooms[:i], model.rooms[i+1:]...)
			}
			return
		}
	}
	if add {
		model.rooms = append(model.rooms, room)
	}
}

func (model *WatchModel) appendSystem(body string) {
	model.appendEvent(watchEvent{At: time.Now(), Body: body, System: true})
}

func (model *WatchModel) appendEvent(event watchEvent) {
	model.events = append(model.events, event)
	if len(model.events) > maxWatchEvents {
		model.events = model.events[len(model.events)-maxWatchEvents:]
	}
}

func (model *WatchModel) closeConn() {
	if model.websocketConn == nil {
		return
	}
	model.writeMutex.Lock()
	_ = model.websocketConn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client quit"))
	model.writeMutex.Unlock()
	_ = model.websocketConn.Close()
}

// RunWatch launches the watch TUI against a running server.
func RunWatch(serverURL, token string, rooms []RoomRef) error {
	program := tea.NewProgram(NewWatchModel(serverURL, token, rooms))
	_, err := program.Run()
	return err
}
