// Package chat routes realtime frames between event chat rooms: it tracks which
// connections listen to which room, persists accepted chat messages and fans
// broadcasts out to the connections of a room or to every connection.
package chat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"eventchat/internal/storage"
)

// Options tunes a Hub. Zero values fall back to the defaults below.
type Options struct {
	// SendBuffer is the number of outbound frames queued per connection before the
	// connection is evicted as too slow.
	SendBuffer     int
	MaxMessageSize int64
	// RateLimitBurst chat frames are accepted per RateLimitWindow and connection; 0 disables.
	RateLimitBurst  int
	RateLimitWindow time.Duration
	// JoinTimeout closes connections that never join a room; 0 disables.
	JoinTimeout time.Duration
	// Verifier, when set, is required to accept the token carried by join frames.
	Verifier TokenVerifier
	// AllowForeignUserID lets an authenticated connection post chat frames whose
	// userId differs from its token subject. Only meaningful with a Verifier.
	AllowForeignUserID bool
	Relay    Relay
	Metrics  *Metrics
}

func (o *Options) setDefaults() {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 8192
	}
	if o.RateLimitBurst > 0 && o.RateLimitWindow <= 0 {
		o.RateLimitWindow = 3 * time.Second
	}
	if o.Metrics == nil {
		o.Metrics = NewMetrics()
	}
}

// Hub is the room registry and broadcast dispatcher. It indexes connections by
// room but never owns them: each Client owns its socket and tells the hub when
// it goes away.
type Hub struct {
	store   storage.MessageStore
	logger  *zap.Logger
	metrics *Metrics
	opts    Options

	mutex   sync.RWMutex
	rooms   map[string]*room
	clients map[*Client]struct{}

	// persist+fan-out of one room is serialized on its lock so members see
	// messages in acceptance order. Entries live while a dispatch holds them.
	dispatch map[string]*dispatchLock
}

type dispatchLock struct {
	sync.Mutex
	refs int
}

type room struct {
	key     string
	clients map[*Client]struct{}
}

// NewHub builds an empty hub backed by store.
func NewHub(store storage.MessageStore, logger *zap.Logger, opts Options) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.setDefaults()
	return &Hub{
		store:    store,
		logger:   logger,
		metrics:  opts.Metrics,
		opts:     opts,
		rooms:    make(map[string]*room),
		clients:  make(map[*Client]struct{}),
		dispatch: make(map[string]*dispatchLock),
	}
}

// Start subscribes to the relay, if any. Relayed envelopes are delivered to local
// connections until ctx ends.
func (hub *Hub) Start(ctx context.Context) error {
	if hub.opts.Relay == nil {
		return nil
	}
	envelopes, err := hub.opts.Relay.Subscribe(ctx)
	if err != nil {
		return errors.Wrap(err, "subscribe relay")
	}
	go func() {
		for env := range envelopes {
			hub.deliverLocal(env.Room, env.Payload)
		}
	}()
	return nil
}

func (hub *Hub) Metrics() *Metrics {
	return hub.metrics
}

// Attach takes ownership of an upgraded connection and starts its pumps.
func (hub *Hub) Attach(conn Conn) *Client {
	client := newClient(hub, conn)
	hub.mutex.Lock()
	hub.clients[client] = struct{}{}
	hub.mutex.Unlock()
	hub.metrics.IncConn()
	hub.logger.Debug("connection opened", zap.String("conn", client.id))

	go client.writePump()
	go client.readPump()
	return client
}

// join moves client into the room key; last join wins. It reports false when the
// client is already gone.
func (hub *Hub) join(client *Client, key, user string) bool {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	if _, open := hub.clients[client]; !open {
		return false
	}
	if previous := client.Room(); previous != "" && previous != key {
		hub.leaveLocked(client, previous)
	}
	target, exists := hub.rooms[key]
	if !exists {
		target = &room{key: key, clients: make(map[*Client]struct{})}
		hub.rooms[key] = target
	}
	target.clients[client] = struct{}{}
	client.joined(key, user)
	hub.metrics.IncJoin()
	return true
}

func (hub *Hub) leaveLocked(client *Client, key string) {
	current, exists := hub.rooms[key]
	if !exists {
		return
	}
	delete(current.clients, client)
	if len(current.clients) == 0 {
		delete(hub.rooms, key)
	}
}

// unregister drops every index entry of client and closes it. Safe to call more
// than once.
func (hub *Hub) unregister(client *Client, reason string) {
	hub.mutex.Lock()
	_, present := hub.clients[client]
	if present {
		delete(hub.clients, client)
		if key := client.Room(); key != "" {
			hub.leaveLocked(client, key)
		}
	}
	hub.mutex.Unlock()

	client.close()
	if present {
		hub.metrics.DecConn()
		hub.logger.Info("connection closed",
			zap.String("conn", client.id),
			zap.String("room", client.Room()),
			zap.String("reason", reason))
	}
}

func (hub *Hub) evict(client *Client) {
	hub.metrics.IncEviction()
	hub.logger.Warn("evicting slow connection", zap.String("conn", client.id), zap.String("room", client.Room()))
	hub.unregister(client, "send queue full")
}

// Dispatch persists msg and broadcasts it to msg's room, sender included. Invalid
// messages are neither stored nor broadcast. A store failure is logged and the
// message is still delivered live.
func (hub *Hub) Dispatch(ctx context.Context, msg storage.Message) error {
	if err := storage.Validate(msg); err != nil {
		return err
	}
	unlock := hub.lockRoom(msg.EventoID)
	defer unlock()

	stored, err := hub.store.Append(ctx, msg)
	switch {
	case err == nil:
		hub.metrics.IncPersisted()
	case errors.Is(err, storage.ErrInvalidMessage):
		return err
	default:
		hub.metrics.IncPersistFailure()
		hub.logger.Error("persist message failed, delivering live only",
			zap.String("room", msg.EventoID),
			zap.String("user_id", msg.UserID),
			zap.Error(err))
		stored = msg
	}

	payload, err := json.Marshal(ChatFrame{Type: FrameChat, Message: stored})
	if err != nil {
		return errors.Wrap(err, "encode chat frame")
	}
	hub.Broadcast(ctx, msg.EventoID, payload)
	return nil
}

// UpdateProfileImage rewrites the user's stored avatar snapshots and only then
// notifies every open connection, so a client that refetches history on the
// notification sees the new URL.
func (hub *Hub) UpdateProfileImage(ctx context.Context, userID, url string) error {
	matched, err := hub.store.UpdateProfileImage(ctx, userID, url)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(ProfileImageFrame{
		Type:               FrameUpdateProfileImage,
		UserID:             userID,
		NewProfileImageURL: url,
	})
	if err != nil {
		return errors.Wrap(err, "encode profile image frame")
	}
	hub.BroadcastAll(ctx, payload)
	hub.metrics.IncProfileUpdate()
	hub.logger.Info("profile image updated", zap.String("user_id", userID), zap.Int64("messages", matched))
	return nil
}

// Broadcast delivers payload to every connection joined to key.
func (hub *Hub) Broadcast(ctx context.Context, key string, payload []byte) {
	if key == "" {
		return
	}
	hub.publish(ctx, key, payload)
}

// BroadcastAll delivers payload to every open connection regardless of room.
func (hub *Hub) BroadcastAll(ctx context.Context, payload []byte) {
	hub.publish(ctx, "", payload)
}

func (hub *Hub) publish(ctx context.Context, key string, payload []byte) {
	hub.metrics.IncBroadcast()
	if relay := hub.opts.Relay; relay != nil {
		err := relay.Publish(ctx, Envelope{Room: key, Payload: payload})
		if err == nil {
			return
		}
		hub.logger.Warn("relay publish failed, delivering locally", zap.String("room", key), zap.Error(err))
	}
	hub.deliverLocal(key, payload)
}

// deliverLocal fans payload out to the local members of key, or to everyone when
// key is empty, and returns how many connections accepted it.
func (hub *Hub) deliverLocal(key string, payload []byte) int {
	hub.mutex.RLock()
	var targets []*Client
	if key == "" {
		targets = lo.Keys(hub.clients)
	} else if current, exists := hub.rooms[key]; exists {
		targets = lo.Keys(current.clients)
	}
	hub.mutex.RUnlock()

	delivered := 0
	for _, client := range targets {
		switch err := client.enqueue(payload); {
		case err == nil:
			delivered++
		case errors.Is(err, errSendQueueFull):
			hub.evict(client)
		}
	}
	hub.metrics.AddDeliveries(delivered)
	return delivered
}

// lockRoom serializes dispatches to key only; other rooms never wait on it.
func (hub *Hub) lockRoom(key string) func() {
	hub.mutex.Lock()
	lock, ok := hub.dispatch[key]
	if !ok {
		lock = &dispatchLock{}
		hub.dispatch[key] = lock
	}
	lock.refs++
	hub.mutex.Unlock()

	lock.Lock()
	return func() {
		lock.Unlock()
		hub.mutex.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(hub.dispatch, key)
		}
		hub.mutex.Unlock()
	}
}

// RoomSize returns how many open connections are joined to key.
func (hub *Hub) RoomSize(key string) int {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	if current, exists := hub.rooms[key]; exists {
		return len(current.clients)
	}
	return 0
}

// ConnectionCount returns how many connections are open.
func (hub *Hub) ConnectionCount() int {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	return len(hub.clients)
}

// Shutdown closes every open connection.
func (hub *Hub) Shutdown() {
	hub.mutex.RLock()
	clients := lo.Keys(hub.clients)
	hub.mutex.RUnlock()
	for _, client := range clients {
		hub.unregister(client, "server shutdown")
	}
}
