package client

import (
	"encoding/json"
	"net/url"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"eventchat/internal/chat"
	"eventchat/internal/storage"
)

type (
	connectedMsg     struct{ conn *websocket.Conn }
	connectFailedMsg struct{ err error }
	reconnectMsg     struct{}
	historyMsg       struct {
		messages []storage.Message
		err      error
	}
	incomingMsg struct {
		conn    *websocket.Conn
		message storage.Message
	}
	profileImageMsg struct {
		conn  *websocket.Conn
		frame chat.ProfileImageFrame
	}
	// ignoredMsg keeps the read loop going after a frame we do not render.
	ignoredMsg    struct{ conn *websocket.Conn }
	readFailedMsg struct {
		conn *websocket.Conn
		err  error
	}
	sendFailedMsg struct {
		conn     *websocket.Conn
		messages []storage.Message
		err      error
	}
)

type joinFrame struct {
	Type     string `json:"type"`
	EventoID string `json:"eventoId"`
	User     string `json:"user"`
	Token    string `json:"token,omitempty"`
}

func (model *Model) scheduleReconnect() tea.Cmd {
	return tea.Tick(reconnectDelay, func(time.Time) tea.Msg {
		return reconnectMsg{}
	})
}

func (model *Model) historyCmd() tea.Cmd {
	cfg := model.cfg
	return func() tea.Msg {
		base, err := httpBaseFromWSURL(cfg.ServerURL)
		if err != nil {
			return historyMsg{err: err}
		}
		messages, err := fetchHistory(base, cfg.Room, cfg.Token)
		return historyMsg{messages: messages, err: err}
	}
}

// connectCmd dials the server and sends the join frame.
func (model *Model) connectCmd() tea.Cmd {
	cfg := model.cfg
	return func() tea.Msg {
		parsed, err := url.Parse(cfg.ServerURL)
		if err != nil {
			return connectFailedMsg{err: err}
		}
		if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
			return connectFailedMsg{err: errors.Errorf("invalid scheme for websocket: %s", parsed.Scheme)}
		}
		conn, _, err := websocket.DefaultDialer.Dial(parsed.String(), nil)
		if err != nil {
			return connectFailedMsg{err: err}
		}
		join := joinFrame{Type: chat.FrameJoin, EventoID: cfg.Room, User: cfg.User, Token: cfg.Token}
		if err := conn.WriteJSON(join); err != nil {
			_ = conn.Close()
			return connectFailedMsg{err: err}
		}
		return connectedMsg{conn: conn}
	}
}

// readOnceCmd reads one frame; Update chains the next read.
func (model *Model) readOnceCmd(conn *websocket.Conn) tea.Cmd {
	return func() tea.Msg {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return readFailedMsg{conn: conn, err: err}
		}
		if messageType != websocket.TextMessage {
			return ignoredMsg{conn: conn}
		}
		return decodeFrame(conn, payload)
	}
}

func decodeFrame(conn *websocket.Conn, payload []byte) tea.Msg {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return ignoredMsg{conn: conn}
	}
	switch head.Type {
	case chat.FrameChat:
		var frame chat.ChatFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			return ignoredMsg{conn: conn}
		}
		return incomingMsg{conn: conn, message: frame.Message}
	case chat.FrameUpdateProfileImage:
		var frame chat.ProfileImageFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			return ignoredMsg{conn: conn}
		}
		return profileImageMsg{conn: conn, frame: frame}
	}
	return ignoredMsg{conn: conn}
}

// sendCmd writes messages in order. Whatever was not written comes back in
// sendFailedMsg so it can be queued again.
func (model *Model) sendCmd(conn *websocket.Conn, messages []storage.Message) tea.Cmd {
	return func() tea.Msg {
		for i, msg := range messages {
			encoded, err := json.Marshal(chat.ChatFrame{Type: chat.FrameChat, Message: msg})
			if err != nil {
				continue
			}
			model.writeMutex.Lock()
			err = conn.WriteMessage(websocket.TextMessage, encoded)
			model.writeMutex.Unlock()
			if err != nil {
				return sendFailedMsg{conn: conn, messages: messages[i:], err: err}
			}
		}
		return nil
	}
}
