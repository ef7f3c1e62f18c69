package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"eventchat/internal/auth"
	"eventchat/internal/chat"
	"eventchat/internal/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	*httptest.Server
	hub   *chat.Hub
	store storage.MessageStore
}

func newTestSQLite(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.NewSQLiteStore("sqlite://file:server_" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func startServer(t *testing.T, store storage.MessageStore, opts Options) *testServer {
	t.Helper()
	hub := chat.NewHub(store, zap.NewNop(), chat.Options{})
	srv := httptest.NewServer(New(hub, store, zap.NewNop(), opts).Handler())
	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
	})
	return &testServer{Server: srv, hub: hub, store: store}
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (ts *testServer) join(t *testing.T, conn *websocket.Conn, room, user string) {
	t.Helper()
	before := ts.hub.RoomSize(room)
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "join", "eventoId": room, "user": user}))
	require.Eventually(t, func() bool { return ts.hub.RoomSize(room) > before }, 2*time.Second, 5*time.Millisecond)
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func expectNoFrame(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

func TestHealthOnPlainGet(t *testing.T) {
	ts := startServer(t, newTestSQLite(t), Options{})

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	require.Equal(t, healthText, buf.String())
}

func TestChatReachesRoomAndHistory(t *testing.T) {
	ts := startServer(t, newTestSQLite(t), Options{})

	alice := ts.dial(t)
	bob := ts.dial(t)
	carol := ts.dial(t)
	ts.join(t, alice, "E1", "alice")
	ts.join(t, bob, "E1", "bob")
	ts.join(t, carol, "E2", "carol")

	require.NoError(t, alice.WriteJSON(map[string]string{
		"type":      "chat",
		"eventoId":  "E1",
		"content":   "hi",
		"createdAt": "2024-01-01T00:00:00.000Z",
		"user":      "alice",
		"userId":    "u1",
	}))

	for _, conn := range []*websocket.Conn{alice, bob} {
		frame := readFrame(t, conn)
		require.Equal(t, "chat", frame["type"])
		require.Equal(t, "hi", frame["content"])
		require.Equal(t, "alice", frame["user"])
		require.Equal(t, "2024-01-01T00:00:00.000Z", frame["createdAt"])
		require.NotEmpty(t, frame["_id"])
	}
	expectNoFrame(t, carol)

	resp, err := http.Get(ts.URL + "/mensajes/E1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history []storage.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&history))
	require.Len(t, history, 1)
	require.Equal(t, "hi", history[0].Content)
	require.Equal(t, "u1", history[0].UserID)
}

func TestEmptyContentNeitherStoredNorBroadcast(t *testing.T) {
	ts := startServer(t, newTestSQLite(t), Options{})

	alice := ts.dial(t)
	bob := ts.dial(t)
	ts.join(t, alice, "E1", "alice")
	ts.join(t, bob, "E1", "bob")

	require.NoError(t, alice.WriteJSON(map[string]string{
		"type": "chat", "eventoId": "E1", "content": "", "createdAt": "2024-01-01T00:00:00.000Z",
		"user": "alice", "userId": "u1",
	}))
	expectNoFrame(t, bob)

	resp, err := http.Get(ts.URL + "/mensajes/E1")
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	require.JSONEq(t, `[]`, buf.String())
}

func TestProfileImageUpdateReachesEveryRoom(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()
	for _, room := range []string{"E1", "E2"} {
		_, err := store.Append(ctx, storage.Message{
			EventoID: room, Content: "before", CreatedAt: "2024-01-01T00:00:00.000Z",
			User: "alice", UserID: "u1", ProfileImageURL: "http://x/old.png",
		})
		require.NoError(t, err)
	}
	ts := startServer(t, store, Options{})

	inE1 := ts.dial(t)
	inE2 := ts.dial(t)
	ts.join(t, inE1, "E1", "bob")
	ts.join(t, inE2, "E2", "carol")
	unjoined := ts.dial(t)
	require.Eventually(t, func() bool { return ts.hub.ConnectionCount() == 3 }, 2*time.Second, 5*time.Millisecond)

	body := `{"userId":"u1","newProfileImageUrl":"http://x/y.png"}`
	req, err := http.NewRequest(http.MethodPut, ts.URL+"/api/chat/update-profile-image", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	for _, conn := range []*websocket.Conn{inE1, inE2, unjoined} {
		frame := readFrame(t, conn)
		require.Equal(t, "update_profile_image", frame["type"])
		require.Equal(t, "u1", frame["userId"])
		require.Equal(t, "http://x/y.png", frame["newProfileImageUrl"])
	}

	for _, room := range []string{"E1", "E2"} {
		history, err := store.ListByRoom(ctx, room)
		require.NoError(t, err)
		require.Len(t, history, 1)
		require.Equal(t, "http://x/y.png", history[0].ProfileImageURL)
	}
}

func TestProfileImageRequiresUserID(t *testing.T) {
	ts := startServer(t, newTestSQLite(t), Options{})

	for _, body := range []string{`{"newProfileImageUrl":"http://x/y.png"}`, `not json`} {
		req, err := http.NewRequest(http.MethodPut, ts.URL+"/api/chat/update-profile-image", strings.NewReader(body))
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
}

type brokenStore struct{}

var errBroken = errors.New("store offline")

func (brokenStore) Append(context.Context, storage.Message) (storage.Message, error) {
	return storage.Message{}, errBroken
}
func (brokenStore) ListByRoom(context.Context, string) ([]storage.Message, error) {
	return nil, errBroken
}
func (brokenStore) UpdateProfileImage(context.Context, string, string) (int64, error) {
	return 0, errBroken
}
func (brokenStore) Close() error { return nil }

func TestStoreFailuresReturn500(t *testing.T) {
	ts := startServer(t, brokenStore{}, Options{})

	resp, err := http.Get(ts.URL + "/mensajes/E1")
	require.NoError(t, err)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.NotEmpty(t, body["error"])
	require.NotContains(t, body["error"], errBroken.Error())

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/api/chat/update-profile-image",
		strings.NewReader(`{"userId":"u1","newProfileImageUrl":"x"}`))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestBearerGuardsRestRoutes(t *testing.T) {
	const secret = "server-test-secret"
	ts := startServer(t, newTestSQLite(t), Options{Verifier: auth.NewVerifier(secret, nil)})

	get := func(header string) int {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/mensajes/E1", nil)
		require.NoError(t, err)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	require.Equal(t, http.StatusUnauthorized, get(""))
	require.Equal(t, http.StatusUnauthorized, get("Bearer nonsense"))

	token, err := auth.Issue(secret, "alice@example.com", time.Minute)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, get("Bearer "+token))

	// health and metrics stay open
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUpgradeRateLimit(t *testing.T) {
	ts := startServer(t, newTestSQLite(t), Options{UpgradeLimit: 1})
	ts.dial(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestMetricsCountConnections(t *testing.T) {
	ts := startServer(t, newTestSQLite(t), Options{})
	conn := ts.dial(t)
	ts.join(t, conn, "E1", "alice")

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var snapshot map[string]float64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snapshot))
	require.Equal(t, float64(1), snapshot["active_connections"])
	require.Equal(t, float64(1), snapshot["joins_total"])
}
