package storage

import (
	"context"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

// Message is one chat entry of an event room, in the shape clients exchange and the
// history endpoint returns.
type Message struct {
	ID              string `json:"_id,omitempty"`
	EventoID        string `json:"eventoId" validate:"required"`
	Content         string `json:"content" validate:"required,notblank"`
	CreatedAt       string `json:"createdAt" validate:"required"`
	User            string `json:"user" validate:"required"`
	UserID          string `json:"userId" validate:"required"`
	ProfileImageURL string `json:"profileImageUrl"`
}

// MessageStore is the durable, append-only history of every room.
type MessageStore interface {
	// Append validates and stores msg, returning the stored record with its id set.
	Append(ctx context.Context, msg Message) (Message, error)
	// ListByRoom returns the room's messages ascending by CreatedAt, blank content excluded.
	ListByRoom(ctx context.Context, eventoID string) ([]Message, error)
	// UpdateProfileImage rewrites ProfileImageURL on every message of userID and
	// returns how many messages matched.
	UpdateProfileImage(ctx context.Context, userID, url string) (int64, error)
	Close() error
}

// ErrInvalidMessage is returned by Append when a required field is missing or the
// content is blank.
var ErrInvalidMessage = errors.New("invalid message")

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	return v
}

// Validate checks the persistence invariant: eventoId, content, createdAt, user and
// userId present, content not blank after trimming.
func Validate(msg Message) error {
	if err := validate.Struct(msg); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return errors.Wrapf(ErrInvalidMessage, "field %s failed %s", fieldErrs[0].Field(), fieldErrs[0].Tag())
		}
		return errors.Wrap(ErrInvalidMessage, err.Error())
	}
	return nil
}

// Open picks a backend from the DSN: mongodb:// and mongodb+srv:// go to MongoDB,
// everything else is treated as a SQLite path. The schema is migrated before returning.
func Open(ctx context.Context, dsn string) (MessageStore, error) {
	if IsMongoDSN(dsn) {
		store, err := NewMongoStore(ctx, MongoConfig{URI: dsn})
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, errors.Wrap(err, "migrate mongo")
		}
		return store, nil
	}
	store, err := NewSQLiteStore(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, errors.Wrap(err, "migrate sqlite")
	}
	return store, nil
}

// IsMongoDSN reports whether dsn addresses a MongoDB deployment.
func IsMongoDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "mongodb://") || strings.HasPrefix(dsn, "mongodb+srv://")
}
