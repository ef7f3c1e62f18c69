package chat

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"eventchat/internal/storage"
)

// fakeConn stands in for a websocket. Writes after Close are recorded so tests can
// assert that a closed connection is never written to.
type fakeConn struct {
	inbound chan []byte
	frames  chan []byte
	hangup  chan struct{}
	// when non-nil, text writes block until it is closed or the conn is closed.
	block chan struct{}

	mutex           sync.Mutex
	closed          bool
	writeAfterClose bool
	hangOnce        sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 64),
		frames:  make(chan []byte, 256),
		hangup:  make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case payload := <-f.inbound:
		return websocket.TextMessage, payload, nil
	case <-f.hangup:
		return 0, nil, io.EOF
	}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mutex.Lock()
	if f.closed {
		f.writeAfterClose = true
		f.mutex.Unlock()
		return errors.New("write on closed conn")
	}
	block := f.block
	f.mutex.Unlock()
	if messageType != websocket.TextMessage {
		return nil
	}
	if block != nil {
		select {
		case <-block:
		case <-f.hangup:
			return io.ErrClosedPipe
		}
	}
	f.frames <- data
	return nil
}

func (f *fakeConn) SetReadLimit(int64)                 {}
func (f *fakeConn) SetReadDeadline(time.Time) error    { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error   { return nil }
func (f *fakeConn) SetPongHandler(func(string) error) {}

func (f *fakeConn) Close() error {
	f.mutex.Lock()
	f.closed = true
	f.mutex.Unlock()
	f.hangUp()
	return nil
}

// hangUp simulates the peer going away.
func (f *fakeConn) hangUp() {
	f.hangOnce.Do(func() { close(f.hangup) })
}

func (f *fakeConn) isClosed() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.closed
}

func (f *fakeConn) wroteAfterClose() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.writeAfterClose
}

func (f *fakeConn) sendJSON(t *testing.T, frame any) {
	t.Helper()
	payload, err := json.Marshal(frame)
	require.NoError(t, err)
	f.inbound <- payload
}

func (f *fakeConn) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case data := <-f.frames:
		var frame map[string]any
		require.NoError(t, json.Unmarshal(data, &frame))
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func (f *fakeConn) expectSilence(t *testing.T) {
	t.Helper()
	select {
	case data := <-f.frames:
		t.Fatalf("unexpected frame: %s", data)
	case <-time.After(150 * time.Millisecond):
	}
}

// memoryStore is an in-process MessageStore with an optional injected failure.
type memoryStore struct {
	mutex    sync.Mutex
	messages []storage.Message
	fail     error
	// appends to holdRoom wait until release is closed.
	holdRoom string
	release  chan struct{}
}

func (s *memoryStore) Append(_ context.Context, msg storage.Message) (storage.Message, error) {
	if err := storage.Validate(msg); err != nil {
		return storage.Message{}, err
	}
	if s.release != nil && msg.EventoID == s.holdRoom {
		<-s.release
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.fail != nil {
		return storage.Message{}, s.fail
	}
	msg.ID = "m" + string(rune('a'+len(s.messages)%26))
	s.messages = append(s.messages, msg)
	return msg, nil
}

func (s *memoryStore) ListByRoom(_ context.Context, eventoID string) ([]storage.Message, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	out := make([]storage.Message, 0)
	for _, msg := range s.messages {
		if msg.EventoID == eventoID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (s *memoryStore) UpdateProfileImage(_ context.Context, userID, url string) (int64, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.fail != nil {
		return 0, s.fail
	}
	var matched int64
	for i := range s.messages {
		if s.messages[i].UserID == userID {
			s.messages[i].ProfileImageURL = url
			matched++
		}
	}
	return matched, nil
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) count() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.messages)
}

func newTestHub(t *testing.T, store storage.MessageStore, opts Options) *Hub {
	t.Helper()
	hub := NewHub(store, zap.NewNop(), opts)
	t.Cleanup(hub.Shutdown)
	return hub
}

func joinRoom(t *testing.T, hub *Hub, conn *fakeConn, room, user string) {
	t.Helper()
	before := hub.RoomSize(room)
	conn.sendJSON(t, map[string]string{"type": FrameJoin, "eventoId": room, "user": user})
	require.Eventually(t, func() bool { return hub.RoomSize(room) == before+1 }, 2*time.Second, 5*time.Millisecond)
}

func chatFrame(room, user, userID, content, createdAt string) map[string]string {
	return map[string]string{
		"type":      FrameChat,
		"eventoId":  room,
		"content":   content,
		"createdAt": createdAt,
		"user":      user,
		"userId":    userID,
	}
}
