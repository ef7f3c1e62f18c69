package chat

import (
	"context"
	"encoding/json"

	"eventchat/internal/storage"
)

// Frame types exchanged over the realtime connection.
const (
	FrameJoin               = "join"
	FrameChat               = "chat"
	FrameUpdateProfileImage = "update_profile_image"
)

// inboundFrame is the union of every client->server frame; Type selects which
// fields are meaningful.
type inboundFrame struct {
	Type            string `json:"type"`
	EventoID        string `json:"eventoId"`
	User            string `json:"user"`
	UserID          string `json:"userId"`
	Content         string `json:"content"`
	CreatedAt       string `json:"createdAt"`
	ProfileImageURL string `json:"profileImageUrl"`
	Token           string `json:"token"`
}

func (f inboundFrame) message() storage.Message {
	return storage.Message{
		EventoID:        f.EventoID,
		Content:         f.Content,
		CreatedAt:       f.CreatedAt,
		User:            f.User,
		UserID:          f.UserID,
		ProfileImageURL: f.ProfileImageURL,
	}
}

// ChatFrame is the broadcast copy of a stored message.
type ChatFrame struct {
	Type string `json:"type"`
	storage.Message
}

// ProfileImageFrame tells every client that a user's avatar changed.
type ProfileImageFrame struct {
	Type               string `json:"type"`
	UserID             string `json:"userId"`
	NewProfileImageURL string `json:"newProfileImageUrl"`
}

// Envelope carries one broadcast through a Relay. An empty Room means every
// open connection.
type Envelope struct {
	Room    string          `json:"room,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Relay moves broadcasts between server instances. Every instance, including the
// publisher, receives each envelope from Subscribe and delivers it locally.
type Relay interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe returns once the subscription is live. The channel closes when ctx ends.
	Subscribe(ctx context.Context) (<-chan Envelope, error)
}

// TokenVerifier validates a bearer token and returns its subject.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (string, error)
}
