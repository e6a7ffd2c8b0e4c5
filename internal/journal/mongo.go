package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/andrej220/fleetmigrate/pkg/config"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type inserter interface {
	InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
}

// MongoSink inserts one document per record.
type MongoSink struct {
	client     *mongo.Client
	collection inserter
}

func NewMongoSink(ctx context.Context, cfg config.MongoConfig) (*MongoSink, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return &MongoSink{
		client:     client,
		collection: client.Database(cfg.DBName).Collection(cfg.CollName),
	}, nil
}

func (s *MongoSink) Record(ctx context.Context, r Record) error {
	if _, err := s.collection.InsertOne(ctx, r); err != nil {
		return fmt.Errorf("MongoDB InsertOne failed: %w", err)
	}
	return nil
}

func (s *MongoSink) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}
