package app

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"eventchat/internal/auth"
	"eventchat/internal/chat"
	"eventchat/internal/relay"
	"eventchat/internal/server"
	"eventchat/internal/storage"
)

// ServerHandle represents a running HTTP/WebSocket server instance.
type ServerHandle struct {
	addr   string
	server *http.Server
	hub    *chat.Hub
	store  storage.MessageStore
	redis  *redis.Client
	cancel context.CancelFunc
	logger *zap.Logger
	done   chan struct{}
	err    error
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

// Stop triggers a graceful shutdown with the provided context deadline.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil || h.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	return h.server.Shutdown(ctx)
}

// Wait blocks until the server exits.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// RunServer opens the message store, wires the optional Redis relay and token
// verifier, and starts serving in the background. Call Stop/Wait to manage its
// lifecycle.
func RunServer(ctx context.Context, cfg ServerConfig, logger *zap.Logger) (*ServerHandle, error) {
	if cfg.StoreDSN == "" {
		return nil, errors.New("store DSN is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.WSPath = NormalizeWSPath(cfg.WSPath)

	if isPlainPath(cfg.StoreDSN) {
		if err := os.MkdirAll(filepath.Dir(cfg.StoreDSN), 0o700); err != nil {
			return nil, errors.Wrap(err, "create db dir")
		}
	}
	store, err := storage.Open(ctx, cfg.StoreDSN)
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = connectRedis(ctx, cfg.RedisURL)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	opts := chat.Options{
		SendBuffer:      cfg.SendBuffer,
		MaxMessageSize:  cfg.MaxMessageSize,
		RateLimitBurst:  cfg.RateLimitBurst,
		RateLimitWindow: cfg.RateLimitWindow,
		JoinTimeout:     cfg.JoinTimeout,
	}
	var verifier chat.TokenVerifier
	if cfg.JWTSecret != "" {
		var revocations auth.Revocations
		if redisClient != nil {
			revocations = auth.NewRedisRevocations(redisClient)
		}
		verifier = auth.NewVerifier(cfg.JWTSecret, revocations)
		opts.Verifier = verifier
		opts.AllowForeignUserID = cfg.AllowForeignUserID
	}
	if redisClient != nil {
		opts.Relay = relay.NewRedis(redisClient, cfg.RedisChannel, logger.Named("relay"))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	hub := chat.NewHub(store, logger.Named("hub"), opts)
	cleanup := func() {
		cancel()
		hub.Shutdown()
		_ = store.Close()
		if redisClient != nil {
			_ = redisClient.Close()
		}
	}
	if err := hub.Start(runCtx); err != nil {
		cleanup()
		return nil, err
	}

	srv := server.New(hub, store, logger.Named("http"), server.Options{
		WSPath:       cfg.WSPath,
		Verifier:     verifier,
		UpgradeLimit: cfg.UpgradeRateLimit,
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		cleanup()
		return nil, errors.Wrap(err, "listen")
	}

	handle := &ServerHandle{
		addr:   listener.Addr().String(),
		server: httpServer,
		hub:    hub,
		store:  store,
		redis:  redisClient,
		cancel: cancel,
		logger: logger,
		done:   make(chan struct{}),
	}

	go func() {
		if ctx == nil {
			return
		}
		select {
		case <-ctx.Done():
		case <-handle.done:
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("server shutdown error", zap.Error(err))
		}
	}()

	go handle.serve(listener)

	return handle, nil
}

func (h *ServerHandle) serve(listener net.Listener) {
	defer close(h.done)
	err := h.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	// hijacked websockets are not tracked by Shutdown
	h.cancel()
	h.hub.Shutdown()
	if err := h.store.Close(); err != nil {
		h.logger.Warn("store close error", zap.Error(err))
	}
	if h.redis != nil {
		if err := h.redis.Close(); err != nil {
			h.logger.Warn("redis close error", zap.Error(err))
		}
	}
	h.err = err
}

func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return client, nil
}

// isPlainPath reports whether dsn is a bare SQLite file path whose directory may
// need creating.
func isPlainPath(dsn string) bool {
	for _, prefix := range []string{"mongodb://", "mongodb+srv://", "sqlite://", "file:", ":memory:"} {
		if strings.HasPrefix(dsn, prefix) {
			return false
		}
	}
	return true
}
