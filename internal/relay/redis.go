// Package relay shares broadcasts between server instances over Redis pub/sub.
package relay

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"eventchat/internal/chat"
)

const DefaultChannel = "eventchat:broadcast"

// Redis implements chat.Relay on a single pub/sub channel.
type Redis struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

var _ chat.Relay = (*Redis)(nil)

func NewRedis(client *redis.Client, channel string, logger *zap.Logger) *Redis {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{client: client, channel: channel, logger: logger}
}

func (r *Redis) Publish(ctx context.Context, env chat.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "encode envelope")
	}
	return errors.Wrap(r.client.Publish(ctx, r.channel, data).Err(), "publish envelope")
}

// Subscribe confirms the subscription before returning so nothing published
// afterwards is missed.
func (r *Redis) Subscribe(ctx context.Context) (<-chan chat.Envelope, error) {
	sub := r.client.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, errors.Wrap(err, "subscribe "+r.channel)
	}

	out := make(chan chat.Envelope, 256)
	go func() {
		defer close(out)
		defer sub.Close()
		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var env chat.Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					r.logger.Warn("relay envelope discarded", zap.Error(err))
					continue
				}
				select {
				case out <- env:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
