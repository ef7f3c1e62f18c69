package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"eventchat/internal/app"
	"eventchat/internal/auth"
	"eventchat/internal/logging"
)

const (
	modeServer = "server"
	modeClient = "client"
	modeLocal  = "local"
	modeToken  = "token"
)

func main() {
	mode, args := parseMode(os.Args[1:])

	serverCfg, err := app.LoadServerConfig()
	if err != nil {
		fail(err)
	}
	clientCfg, err := app.LoadClientConfig()
	if err != nil {
		fail(err)
	}

	flagSet := flag.NewFlagSet("eventchat", flag.ExitOnError)
	flagSet.StringVar(&serverCfg.Addr, "addr", defaultAddrForMode(mode, serverCfg.Addr), "server listen address")
	flagSet.StringVar(&serverCfg.WSPath, "path", serverCfg.WSPath, "websocket path")
	flagSet.StringVar(&serverCfg.StoreDSN, "store", serverCfg.StoreDSN, "sqlite path or mongodb:// URI")
	flagSet.StringVar(&serverCfg.RedisURL, "redis", serverCfg.RedisURL, "redis URL for relay and token revocation")
	flagSet.StringVar(&serverCfg.LogLevel, "log-level", serverCfg.LogLevel, "debug, info, warn or error")
	flagSet.StringVar(&clientCfg.ServerURL, "server-url", clientCfg.ServerURL, "server websocket URL (client mode)")
	flagSet.StringVar(&clientCfg.User, "user", clientCfg.User, "display name (client mode)")
	flagSet.StringVar(&clientCfg.UserID, "user-id", clientCfg.UserID, "user id (client mode)")
	flagSet.StringVar(&clientCfg.Token, "token", clientCfg.Token, "bearer token (client mode)")
	flagSet.StringVar(&clientCfg.ProfileImageURL, "avatar", clientCfg.ProfileImageURL, "profile image URL (client mode)")
	subject := flagSet.String("subject", "", "token subject (token mode)")
	ttl := flagSet.Duration("ttl", 24*time.Hour, "token lifetime (token mode)")
	flagSet.Parse(args)

	if remaining := flagSet.Args(); len(remaining) > 0 {
		clientCfg.Room = remaining[0]
	}
	serverCfg.WSPath = app.NormalizeWSPath(serverCfg.WSPath)
	if clientCfg.UserID == "" {
		clientCfg.UserID = clientCfg.User
	}

	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch mode {
	case modeServer:
		err = runServerMode(ctx, serverCfg)
	case modeLocal:
		err = runLocalMode(ctx, serverCfg, clientCfg)
	case modeToken:
		err = runTokenMode(serverCfg.JWTSecret, *subject, *ttl)
	default:
		err = app.RunClient(clientCfg)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "eventchat: %v\n", err)
	os.Exit(1)
}

func runServerMode(ctx context.Context, cfg app.ServerConfig) error {
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()

	handle, err := app.RunServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("eventchat server listening",
		zap.String("addr", handle.Addr()),
		zap.String("ws_path", cfg.WSPath),
		zap.Bool("auth", cfg.JWTSecret != ""),
		zap.Bool("relay", cfg.RedisURL != ""),
	)
	return handle.Wait()
}

// runLocalMode starts a private server and attaches the client to it.
func runLocalMode(ctx context.Context, serverCfg app.ServerConfig, clientCfg app.ClientConfig) error {
	// the TUI owns the terminal, so the server stays quiet
	handle, err := app.RunServer(ctx, serverCfg, zap.NewNop())
	if err != nil {
		return err
	}
	defer stopServer(handle)

	if err := waitForServer(handle.Addr(), 5*time.Second); err != nil {
		return err
	}
	clientCfg.ServerURL = buildWebsocketURL(handle.Addr(), serverCfg.WSPath)
	if err := app.RunClient(clientCfg); err != nil {
		return err
	}
	stopServer(handle)
	return handle.Wait()
}

func runTokenMode(secret, subject string, ttl time.Duration) error {
	if secret == "" {
		return errors.New("token mode requires EVENTCHAT_JWT_SECRET")
	}
	if subject == "" {
		return errors.New("token mode requires --subject")
	}
	token, err := auth.Issue(secret, subject, ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func waitForServer(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Wrap(err, "server did not become ready")
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func buildWebsocketURL(addr, path string) string {
	return fmt.Sprintf("ws://%s%s", addr, app.NormalizeWSPath(path))
}

func parseMode(args []string) (string, []string) {
	if len(args) == 0 {
		return modeClient, args
	}
	switch strings.ToLower(args[0]) {
	case modeServer, modeClient, modeLocal, modeToken:
		return strings.ToLower(args[0]), args[1:]
	}
	return modeClient, args
}

func defaultAddrForMode(mode, configured string) string {
	if mode == modeLocal {
		return "127.0.0.1:0"
	}
	return configured
}

func stopServer(handle *app.ServerHandle) {
	if handle == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = handle.Stop(shutdownCtx)
}
