package client

import (
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"eventchat/internal/storage"
)

func (model *Model) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := message.(type) {
	case tea.KeyMsg:
		switch typed.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			model.closeConn()
			return model, tea.Quit
		case tea.KeyEnter:
			return model, model.submit()
		}
		var cmd tea.Cmd
		model.textInput, cmd = model.textInput.Update(typed)
		return model, cmd

	case historyMsg:
		if typed.err != nil {
			model.connectionError = typed.err
			return model, nil
		}
		model.mergeHistory(typed.messages)
		return model, nil

	case connectedMsg:
		model.websocketConn = typed.conn
		model.isConnected = true
		model.connectionError = nil
		cmds := []tea.Cmd{model.readOnceCmd(typed.conn)}
		if len(model.pending) > 0 {
			pending := model.pending
			model.pending = nil
			cmds = append(cmds, model.sendCmd(typed.conn, pending))
		}
		return model, tea.Batch(cmds...)

	case connectFailedMsg:
		model.isConnected = false
		model.connectionError = typed.err
		return model, model.scheduleReconnect()

	case reconnectMsg:
		if model.isConnected {
			return model, nil
		}
		// history fills whatever was sent while we were away
		return model, tea.Batch(model.historyCmd(), model.connectCmd())

	case incomingMsg:
		if typed.conn != model.websocketConn {
			return model, nil
		}
		model.applyIncoming(typed.message)
		return model, model.readOnceCmd(typed.conn)

	case profileImageMsg:
		if typed.conn != model.websocketConn {
			return model, nil
		}
		model.applyProfileImage(typed.frame.UserID, typed.frame.NewProfileImageURL)
		return model, model.readOnceCmd(typed.conn)

	case ignoredMsg:
		if typed.conn != model.websocketConn {
			return model, nil
		}
		return model, model.readOnceCmd(typed.conn)

	case readFailedMsg:
		if typed.conn != model.websocketConn {
			return model, nil
		}
		return model, model.dropConnection(typed.conn, typed.err)

	case sendFailedMsg:
		model.pending = append(typed.messages, model.pending...)
		if typed.conn != model.websocketConn {
			return model, nil
		}
		return model, model.dropConnection(typed.conn, typed.err)
	}
	return model, nil
}

// submit echoes the typed message locally and sends it, or queues it while offline.
func (model *Model) submit() tea.Cmd {
	content := model.textInput.Value()
	if strings.TrimSpace(content) == "" {
		return nil
	}
	model.textInput.SetValue("")
	msg := storage.Message{
		EventoID:        model.cfg.Room,
		Content:         content,
		CreatedAt:       model.now().UTC().Format(createdAtLayout),
		User:            model.cfg.User,
		UserID:          model.cfg.UserID,
		ProfileImageURL: model.cfg.ProfileImageURL,
	}
	model.messages = append(model.messages, msg)
	if !model.isConnected || model.websocketConn == nil {
		model.pending = append(model.pending, msg)
		return nil
	}
	return model.sendCmd(model.websocketConn, []storage.Message{msg})
}

func (model *Model) dropConnection(conn *websocket.Conn, err error) tea.Cmd {
	_ = conn.Close()
	model.websocketConn = nil
	model.isConnected = false
	model.connectionError = err
	return model.scheduleReconnect()
}

func sameMessage(a, b storage.Message) bool {
	return a.CreatedAt == b.CreatedAt && a.User == b.User && a.Content == b.Content
}

// applyIncoming replaces the local echo of msg when there is one.
func (model *Model) applyIncoming(msg storage.Message) {
	_, idx, found := lo.FindIndexOf(model.messages, func(existing storage.Message) bool {
		return sameMessage(existing, msg)
	})
	if found {
		model.messages[idx] = msg
		return
	}
	model.messages = append(model.messages, msg)
}

// mergeHistory adds stored messages we do not already show, keeping server order
// ahead of local-only echoes.
func (model *Model) mergeHistory(history []storage.Message) {
	unconfirmed := lo.Filter(model.messages, func(existing storage.Message, _ int) bool {
		return !lo.ContainsBy(history, func(stored storage.Message) bool {
			return sameMessage(existing, stored)
		})
	})
	merged := make([]storage.Message, 0, len(history)+len(unconfirmed))
	merged = append(merged, history...)
	model.messages = append(merged, unconfirmed...)
}

func (model *Model) applyProfileImage(userID, url string) {
	for i := range model.messages {
		if model.messages[i].UserID == userID {
			model.messages[i].ProfileImageURL = url
		}
	}
	if userID == model.cfg.UserID {
		model.cfg.ProfileImageURL = url
	}
}
