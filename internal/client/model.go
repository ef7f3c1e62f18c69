// Package client is the terminal chat client: it loads a room's history,
// joins it over a websocket and keeps unsent messages queued while offline.
package client

import (
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"

	"eventchat/internal/storage"
)

const (
	reconnectDelay = 5 * time.Second
	httpTimeout    = 5 * time.Second
	// createdAtLayout matches what the mobile app sends: UTC with milliseconds.
	createdAtLayout = "2006-01-02T15:04:05.000Z"
)

// Config identifies the user and the room to join.
type Config struct {
	ServerURL       string
	Room            string
	User            string
	UserID          string
	Token           string
	ProfileImageURL string
}

// Model is the bubbletea model behind the chat screen.
type Model struct {
	cfg       Config
	textInput textinput.Model

	// messages is what the screen shows, including optimistic local echoes.
	messages []storage.Message
	// pending holds messages typed while offline, replayed after rejoin.
	pending []storage.Message

	websocketConn   *websocket.Conn
	writeMutex      sync.Mutex
	isConnected     bool
	connectionError error

	now func() time.Time
}

func NewModel(cfg Config) *Model {
	input := textinput.New()
	input.Placeholder = "Type a message…"
	input.CharLimit = 0
	input.Focus()
	input.Prompt = "> "

	return &Model{
		cfg:       cfg,
		textInput: input,
		messages:  make([]storage.Message, 0, 64),
		now:       time.Now,
	}
}

func (model *Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, model.historyCmd(), model.connectCmd())
}

// Run starts the terminal client and blocks until the user quits.
func Run(cfg Config) error {
	model := NewModel(cfg)
	program := tea.NewProgram(model)
	_, err := program.Run()
	model.closeConn()
	return err
}

func (model *Model) closeConn() {
	if model.websocketConn == nil {
		return
	}
	model.writeMutex.Lock()
	_ = model.websocketConn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	model.writeMutex.Unlock()
	_ = model.websocketConn.Close()
	model.websocketConn = nil
}
