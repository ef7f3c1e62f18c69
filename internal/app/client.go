package app

import (
	"github.com/pkg/errors"

	"eventchat/internal/client"
)

// RunClient launches the terminal client with the provided configuration.
func RunClient(cfg ClientConfig) error {
	if cfg.ServerURL == "" {
		return errors.New("server URL is required")
	}
	if cfg.Room == "" {
		return errors.New("room is required")
	}
	if cfg.User == "" || cfg.UserID == "" {
		return errors.New("user name and user id are required")
	}
	return client.Run(client.Config{
		ServerURL:       cfg.ServerURL,
		Room:            cfg.Room,
		User:            cfg.User,
		UserID:          cfg.UserID,
		Token:           cfg.Token,
		ProfileImageURL: cfg.ProfileImageURL,
	})
}
