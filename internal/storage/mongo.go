package storage

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	defaultMongoDatabase   = "eventchat"
	defaultMongoCollection = "messages"
	defaultMongoRetry      = 3
)

// MongoConfig describes how to reach the message collection.
type MongoConfig struct {
	URI         string
	Database    string
	Collection  string
	MaxPoolSize uint64
	MaxRetry    int
}

func (c *MongoConfig) setDefaults() error {
	if c.URI == "" {
		return errors.New("mongo uri is required")
	}
	if c.Database == "" {
		c.Database = databaseFromURI(c.URI)
	}
	if c.Collection == "" {
		c.Collection = defaultMongoCollection
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = defaultMongoRetry
	}
	return nil
}

// databaseFromURI returns the path segment of the URI, e.g. "PF" for mongodb://host/PF.
func databaseFromURI(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		return defaultMongoDatabase
	}
	name := strings.Trim(parsed.Path, "/")
	if name == "" {
		return defaultMongoDatabase
	}
	return name
}

type mongoMessage struct {
	ID              primitive.ObjectID `bson:"_id,omitempty"`
	EventoID        string             `bson:"eventoId"`
	Content         string             `bson:"content"`
	CreatedAt       string             `bson:"createdAt"`
	User            string             `bson:"user"`
	UserID          string             `bson:"userId"`
	ProfileImageURL string             `bson:"profileImageUrl"`
}

func (m mongoMessage) toMessage() Message {
	return Message{
		ID:              m.ID.Hex(),
		EventoID:        m.EventoID,
		Content:         m.Content,
		CreatedAt:       m.CreatedAt,
		User:            m.User,
		UserID:          m.UserID,
		ProfileImageURL: m.ProfileImageURL,
	}
}

// MongoStore keeps the message history in a MongoDB collection laid out like the
// mongoose "messages" collection of the legacy chat server.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMongoStore connects, pings and retries a few times before giving up.
func NewMongoStore(ctx context.Context, cfg MongoConfig) (*MongoStore, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	opts := options.Client().ApplyURI(cfg.URI)
	if cfg.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(cfg.MaxPoolSize)
	}
	var (
		client *mongo.Client
		err    error
	)
	for attempt := 0; attempt < cfg.MaxRetry; attempt++ {
		client, err = connectMongo(ctx, opts)
		if err == nil || ctx.Err() != nil {
			break
		}
		time.Sleep(time.Second / 2)
	}
	if err != nil {
		return nil, errors.Wrap(err, "connect to mongodb")
	}
	return &MongoStore{
		client: client,
		coll:   client.Database(cfg.Database).Collection(cfg.Collection),
	}, nil
}

func connectMongo(ctx context.Context, opts *options.ClientOptions) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return client, nil
}

// Migrate creates the room/time and user indexes.
func (s *MongoStore) Migrate(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "eventoId", Value: 1}, {Key: "createdAt", Value: 1}}},
		{Keys: bson.D{{Key: "userId", Value: 1}}},
	})
	return err
}

// Close disconnects the client.
func (s *MongoStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) Append(ctx context.Context, msg Message) (Message, error) {
	if err := Validate(msg); err != nil {
		return Message{}, err
	}
	doc := mongoMessage{
		EventoID:        msg.EventoID,
		Content:         msg.Content,
		CreatedAt:       msg.CreatedAt,
		User:            msg.User,
		UserID:          msg.UserID,
		ProfileImageURL: msg.ProfileImageURL,
	}
	result, err := s.coll.InsertOne(ctx, doc)
	if err != nil {
		return Message{}, errors.Wrap(err, "insert message")
	}
	if id, ok := result.InsertedID.(primitive.ObjectID); ok {
		doc.ID = id
	}
	return doc.toMessage(), nil
}

func (s *MongoStore) ListByRoom(ctx context.Context, eventoID string) ([]Message, error) {
	// a regex on a non-whitespace character skips null, missing and blank content.
	filter := bson.M{"eventoId": eventoID, "content": bson.M{"$regex": `\S`}}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, errors.Wrap(err, "find messages")
	}
	var docs []mongoMessage
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "decode messages")
	}
	messages := make([]Message, 0, len(docs))
	for _, doc := range docs {
		messages = append(messages, doc.toMessage())
	}
	return messages, nil
}

func (s *MongoStore) UpdateProfileImage(ctx context.Context, userID, url string) (int64, error) {
	result, err := s.coll.UpdateMany(ctx,
		bson.M{"userId": userID},
		bson.M{"$set": bson.M{"profileImageUrl": url}},
	)
	if err != nil {
		return 0, errors.Wrap(err, "update profile image")
	}
	return result.MatchedCount, nil
}
