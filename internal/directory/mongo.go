// Package directory keeps the set of users that should hold a live session in
// the application's MongoDB user collection.
package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// Options names where the connected flag lives.
type Options struct {
	URI        string
	Database   string
	Collection string
	// Field is the boolean field set on each user document.
	Field   string
	Timeout time.Duration
}

// Mongo is a session.Directory over a user collection whose documents are
// keyed by user id in _id.
type Mongo struct {
	client  *mongo.Client
	users   *mongo.Collection
	field   string
	timeout time.Duration
	logger  *zap.Logger
}

// Open connects to MongoDB and ensures the index used by ConnectedUsers.
func Open(ctx context.Context, opts Options, logger *zap.Logger) (*Mongo, error) {
	if opts.Field == "" {
		return nil, errors.New("directory field is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	clientOpts := options.Client().
		ApplyURI(opts.URI).
		SetAppName("wpphub").
		SetConnectTimeout(opts.Timeout).
		SetPoolMonitor(&event.PoolMonitor{
			Event: func(evt *event.PoolEvent) {
				switch evt.Type {
				case event.ConnectionCreated, event.ConnectionClosed:
					logger.Debug("mongo pool", zap.String("event", evt.Type), zap.String("address", evt.Address))
				}
			},
		})

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	users := client.Database(opts.Database).Collection(opts.Collection)
	_, err = users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: opts.Field, Value: 1}},
		Options: options.Index().SetName(opts.Field + "_idx"),
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("create %s index: %w", opts.Field, err)
	}

	return &Mongo{
		client:  client,
		users:   users,
		field:   opts.Field,
		timeout: opts.Timeout,
		logger:  logger,
	}, nil
}

// SetConnected sets the flag on the user's document, creating it when absent.
func (m *Mongo) SetConnected(ctx context.Context, userID string, connected bool) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: m.field, Value: connected},
		{Key: m.field + "_at", Value: time.Now().UTC()},
	}}}
	_, err := m.users.UpdateOne(ctx, bson.D{{Key: "_id", Value: userID}}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("set %s for %s: %w", m.field, userID, err)
	}
	return nil
}

// ConnectedUsers returns the ids of users whose flag is true.
func (m *Mongo) ConnectedUsers(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	cur, err := m.users.Find(ctx,
		bson.D{{Key: m.field, Value: true}},
		options.Find().SetProjection(bson.D{{Key: "_id", Value: 1}}).SetSort(bson.D{{Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("find connected users: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var users []string
	for cur.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			m.logger.Warn("skipping user document", zap.Error(err))
			continue
		}
		users = append(users, doc.ID)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate connected users: %w", err)
	}
	return users, nil
}

// Close disconnects the client.
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
