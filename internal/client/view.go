package client

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"eventchat/internal/storage"
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
	timestampStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	unconfirmedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Italic(true)
	usernameStyle      = lipgloss.NewStyle().Bold(true)
	activeUserStyle    = usernameStyle.Copy().Foreground(lipgloss.Color("213"))
	systemMessageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Italic(true)
	hintStyle          = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).MarginTop(1)
	dividerStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("237")).Render(" ┃ ")
	userColorPalette   = []lipgloss.Color{
		lipgloss.Color("45"),
		lipgloss.Color("81"),
		lipgloss.Color("141"),
		lipgloss.Color("98"),
		lipgloss.Color("63"),
		lipgloss.Color("135"),
		lipgloss.Color("32"),
	}
)

func (model *Model) View() string {
	headerSegments := []string{
		"EventChat",
		fmt.Sprintf("Event %s", model.cfg.Room),
		fmt.Sprintf("User %s", model.cfg.User),
		fmt.Sprintf("Server %s", model.cfg.ServerURL),
	}
	header := chatHeaderStyle.Render(strings.Join(headerSegments, dividerStyle))

	var statusLine string
	switch {
	case model.isConnected:
		statusLine = connectedStyle.Render("Connected")
	case model.connectionError != nil:
		statusLine = errorStyle.Render(fmt.Sprintf("Offline (%s), retrying every %s", model.connectionError.Error(), reconnectDelay))
	default:
		statusLine = connectingStyle.Render("Connecting…")
	}
	if n := len(model.pending); n > 0 {
		statusLine = lipgloss.JoinHorizontal(lipgloss.Left, statusLine, connectingStyle.Render(fmt.Sprintf("  %d queued", n)))
	}

	var messageLines []string
	for _, msg := range model.messages {
		messageLines = append(messageLines, model.renderChatMessage(msg))
	}
	if len(messageLines) == 0 {
		messageLines = append(messageLines, systemMessageStyle.Render("No messages yet. Say hi and start the conversation."))
	}

	messagesView := messageBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, messageLines...))
	inputView := inputBoxStyle.Render(model.textInput.View())
	footerHint := hintStyle.Render("Enter to send, Esc to quit")

	return lipgloss.JoinVertical(lipgloss.Left, header, statusLine, messagesView, inputView, footerHint)
}

// renderChatMessage renders a single log line. Messages the server has not
// echoed back yet are marked.
func (model *Model) renderChatMessage(msg storage.Message) string {
	timestamp := timestampStyle.Render(fmt.Sprintf("[%s]", displayTime(msg.CreatedAt)))

	var nameStyle lipgloss.Style
	if msg.UserID == model.cfg.UserID {
		nameStyle = activeUserStyle
	} else {
		nameStyle = usernameStyle.Copy().Foreground(colorForUser(msg.User))
	}

	name := nameStyle.Render(msg.User)
	bodyText := messageBodyStyle.Render(strings.ReplaceAll(msg.Content, "\n", "\n   "))
	line := lipgloss.JoinHorizontal(lipgloss.Left, timestamp, " ", name, ": ", bodyText)
	if msg.ID == "" {
		line = lipgloss.JoinHorizontal(lipgloss.Left, line, unconfirmedStyle.Render(" (sending)"))
	}
	return line
}

// displayTime shows createdAt in local time, or verbatim when it is not ISO-8601.
func displayTime(createdAt string) string {
	parsed, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return createdAt
	}
	return parsed.Local().Format("15:04:05")
}

func colorForUser(name string) lipgloss.Color {
	if name == "" {
		return userColorPalette[0]
	}
	var sum int
	for _, r := range name {
		sum += int(r)
	}
	return userColorPalette[sum%len(userColorPalette)]
}
