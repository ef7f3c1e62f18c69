package chat

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	persistTimeout = 5 * time.Second
)

var (
	errClientClosed  = errors.New("client closed")
	errSendQueueFull = errors.New("send queue full")
)

// Conn is the part of *websocket.Conn a Client uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

type connState int

const (
	stateUnjoined connState = iota
	stateJoined
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateUnjoined:
		return "unjoined"
	case stateJoined:
		return "joined"
	default:
		return "closed"
	}
}

// Client owns one websocket connection: its read loop parses frames, its write
// loop drains a bounded outbound queue.
type Client struct {
	id        string
	hub       *Hub
	conn      Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mutex   sync.Mutex
	state   connState
	roomKey string
	user    string
	subject string

	// only touched by readPump
	messageTimes []time.Time
}

func newClient(hub *Hub, conn Conn) *Client {
	return &Client{
		id:           uuid.NewString(),
		hub:          hub,
		conn:         conn,
		send:         make(chan []byte, hub.opts.SendBuffer),
		done:         make(chan struct{}),
		messageTimes: make([]time.Time, 0, hub.opts.RateLimitBurst),
	}
}

func (client *Client) ID() string {
	return client.id
}

// Room returns the room the client last joined, or "" before any join.
func (client *Client) Room() string {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	return client.roomKey
}

func (client *Client) State() string {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	return client.state.String()
}

func (client *Client) currentState() connState {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	return client.state
}

func (client *Client) joined(key, user string) {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	if client.state == stateClosed {
		return
	}
	client.state = stateJoined
	client.roomKey = key
	client.user = user
}

func (client *Client) authenticated(subject string) {
	client.mutex.Lock()
	client.subject = subject
	client.mutex.Unlock()
}

func (client *Client) currentSubject() string {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	return client.subject
}

// close is non-blocking: it marks the client closed and stops the write loop,
// which closes the socket after its last write.
func (client *Client) close() {
	client.closeOnce.Do(func() {
		client.mutex.Lock()
		client.state = stateClosed
		client.mutex.Unlock()
		close(client.done)
	})
}

func (client *Client) enqueue(payload []byte) error {
	select {
	case <-client.done:
		return errClientClosed
	default:
	}
	select {
	case client.send <- payload:
		return nil
	default:
		return errSendQueueFull
	}
}

func (client *Client) readPump() {
	defer client.hub.unregister(client, "read closed")
	client.conn.SetReadLimit(client.hub.opts.MaxMessageSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	if timeout := client.hub.opts.JoinTimeout; timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			if client.currentState() == stateUnjoined {
				client.hub.unregister(client, "join timeout")
			}
		})
		defer timer.Stop()
	}
	for {
		_, payload, err := client.conn.ReadMessage()
		if err != nil {
			// normal close or read error; the deferred cleanup runs.
			return
		}
		client.handleFrame(payload)
	}
}

func (client *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = client.conn.Close()
	}()
	for {
		select {
		case <-client.done:
			return
		case message := <-client.send:
			select {
			case <-client.done:
				return
			default:
			}
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				client.hub.unregister(client, "write failed")
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				client.hub.unregister(client, "ping failed")
				return
			}
		}
	}
}

// handleFrame never fails the connection: anything it cannot use is dropped.
func (client *Client) handleFrame(payload []byte) {
	if client.currentState() == stateClosed {
		return
	}
	var frame inboundFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		client.drop("malformed frame", zap.Error(err))
		return
	}
	switch frame.Type {
	case FrameJoin:
		client.handleJoin(frame)
	case FrameChat:
		client.handleChat(frame)
	default:
		client.drop("unknown frame type", zap.String("type", frame.Type))
	}
}

func (client *Client) handleJoin(frame inboundFrame) {
	if strings.TrimSpace(frame.EventoID) == "" {
		client.drop("join without eventoId")
		return
	}
	if verifier := client.hub.opts.Verifier; verifier != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		subject, err := verifier.VerifyToken(ctx, frame.Token)
		cancel()
		if err != nil {
			client.drop("join rejected", zap.Error(err))
			return
		}
		client.authenticated(subject)
	}
	if !client.hub.join(client, frame.EventoID, frame.User) {
		return
	}
	client.hub.logger.Info("client joined room",
		zap.String("conn", client.id),
		zap.String("room", frame.EventoID),
		zap.String("user", frame.User))
}

func (client *Client) handleChat(frame inboundFrame) {
	if opts := client.hub.opts; opts.Verifier != nil {
		subject := client.currentSubject()
		if subject == "" {
			client.drop("chat before authenticated join")
			return
		}
		if !opts.AllowForeignUserID && frame.UserID != subject {
			client.drop("userId does not match token subject", zap.String("user_id", frame.UserID))
			return
		}
	}
	if !client.allowMessage(time.Now()) {
		client.drop("rate limited")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := client.hub.Dispatch(ctx, frame.message()); err != nil {
		client.drop("chat not dispatched", zap.Error(err))
	}
}

func (client *Client) drop(reason string, fields ...zap.Field) {
	client.hub.metrics.IncDropped()
	fields = append([]zap.Field{zap.String("conn", client.id), zap.String("reason", reason)}, fields...)
	client.hub.logger.Warn("frame dropped", fields...)
}

// sliding window over the last RateLimitWindow.
func (client *Client) allowMessage(now time.Time) bool {
	burst := client.hub.opts.RateLimitBurst
	if burst <= 0 {
		return true
	}
	cutoff := now.Add(-client.hub.opts.RateLimitWindow)
	idx := 0
	for _, ts := range client.messageTimes {
		if ts.After(cutoff) {
			client.messageTimes[idx] = ts
			idx++
		}
	}
	client.messageTimes = client.messageTimes[:idx]
	if len(client.messageTimes) >= burst {
		return false
	}
	client.messageTimes = append(client.messageTimes, now)
	return true
}
