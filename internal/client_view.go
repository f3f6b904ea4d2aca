package internal

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	chatHeaderStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
	statusStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("109")).MarginTop(1)
	connectedStyle     = statusStyle.Copy().Foreground(lipgloss.Color("42")).Bold(true)
	connectingStyle    = statusStyle.Copy().Foreground(lipgloss.Color("178")).Italic(true)
	errorStyle         = statusStyle.Copy().Foreground(lipgloss.Color("196")).Bold(true)
	messageBodyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("253"))
	messageBoxStyle    = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("60")).Padding(1, 2).MarginTop(1)
	inputBoxStyle      = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1).MarginTop(1)
	menuHintStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).MarginTop(1)
	timestampStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	eventNameStyle     = lipgloss.NewStyle().Bold(true)
	systemMessageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Italic(true)
	dividerStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("237")).Render(" ┃ ")
	eventColorPalette  = []lipgloss.Color{
		lipgloss.Color("45"),
		lipgloss.Color("81"),
		lipgloss.Color("141"),
		lipgloss.Color("98"),
		lipgloss.Color("63"),
		lipgloss.Color("135"),
		lipgloss.Color("32"),
	}
)

func (model *WatchModel) View() string {
	user := model.userID
	if user == "" {
		user = "?"
	}
	rooms := make([]string, 0, len(model.rooms))
	for _, room := range model.rooms {
		rooms = append(rooms, room.Name())
	}
	roomList := "none"
	if len(rooms) > 0 {
		roomList = strings.Join(rooms, ", ")
	}
	headerSegments := []string{
		"staypresence watch",
		fmt.Sprintf("User %s", user),
		fmt.Sprintf("Rooms %s", roomList),
		fmt.Sprintf("Server %s", model.serverURL),
	}
	header := chatHeaderStyle.Render(strings.Join(headerSegments, dividerStyle))

	var statusLine string
	switch {
	case model.connectionError != nil && !model.isConnected:
		statusLine = errorStyle.Render("Connection error: " + model.connectionError.Error())
	case model.isConnected:
		statusLine = connectedStyle.Render("Connected")
	default:
		statusLine = connectingStyle.Render("Connecting…")
	}

	var lines []string
	for _, event := range model.events {
		lines = append(lines, renderWatchEvent(event))
	}
	if len(lines) == 0 {
		lines = append(lines, systemMessageStyle.Render("No events yet."))
	}

	sections := []string{
		header,
		statusLine,
		messageBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)),
		inputBoxStyle.Render(model.textInput.View()),
		menuHintStyle.Render("/sub kind id  /unsub kind id  /msg user text  /typing conv on|off  /status text  /read id  /quit"),
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func renderWatchEvent(event watchEvent) string {
	stamp := timestampStyle.Render(fmt.Sprintf("[%s]", event.At.Format("15:04:05")))
	if event.System {
		return lipgloss.JoinHorizontal(lipgloss.Left, stamp, " ", systemMessageStyle.Render(event.Body))
	}
	name := eventNameStyle.Copy().Foreground(colorForEvent(event.Event)).Render(event.Event)
	body := messageBodyStyle.Render(strings.ReplaceAll(event.Body, "\n", "\n   "))
	return lipgloss.JoinHorizontal(lipgloss.Left, stamp, " ", name, " ", body)
}

// describeFrame renders the common events as a sentence and the rest as compact JSON.
func describeFrame(frame Frame) string {
	var fields map[string]json.RawMessage
	_ = json.Unmarshal(frame.Data, &fields)
	text := func(key string) string {
		raw, ok := fields[key]
		if !ok {
			return ""
		}
		var value string
		if err := json.Unmarshal(raw, &value); err == nil {
			return value
		}
		return string(raw)
	}
	switch frame.Event {
	case EventUserOnline:
		return text("userId") + " is online"
	case EventUserOffline:
		return fmt.Sprintf("%s went offline (last seen %s)", text("userId"), text("lastSeen"))
	case EventReceiveMessage, EventNewMessage, EventMessageSent:
		return fmt.Sprintf("%s → %s: %s", text("senderId"), text("receiverId"), text("message"))
	case EventUserTyping:
		if text("isTyping") == "true" {
			return text("userId") + " is typing in " + text("conversationId")
		}
		return text("userId") + " stopped typing in " + text("conversationId")
	case EventSubscribed, EventUnsubscribed:
		return text("room")
	case EventError, EventAuthError:
		if event := text("event"); event != "" {
			return event + ": " + text("message")
		}
		return text("message")
	}
	if len(frame.Data) == 0 {
		return ""
	}
	return string(frame.Data)
}

func connectedUserID(frame Frame) string {
	var event connectedEvent
	if err := json.Unmarshal(frame.Data, &event); err != nil {
		return ""
	}
	return event.UserID
}

func colorForEvent(name string) lipgloss.Color {
	if name == "" {
		return eventColorPalette[0]
	}
	var sum int
	for _, r := range name {
		sum += int(r)
	}
	return eventColorPalette[sum%len(eventColorPalette)]
}
