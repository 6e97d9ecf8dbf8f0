package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ReportRetention is how long agent reports are kept before the TTL index drops them
const ReportRetention = 30 * 24 * time.Hour

// CreateIndexes creates all necessary indexes for the collections
func CreateIndexes(ctx context.Context, db *MongoDB) error {
	slog.Info("Creating MongoDB indexes")

	collections := map[string][]mongo.IndexModel{
		CollectionCheckSchedules: {
			{
				Keys:    bson.D{{Key: "check_id", Value: 1}, {Key: "region", Value: 1}},
				Options: options.Index().SetUnique(true).SetName("idx_check_id_region_unique"),
			},
			{
				Keys:    bson.D{{Key: "region", Value: 1}, {Key: "enabled", Value: 1}},
				Options: options.Index().SetName("idx_region_enabled"),
			},
		},
		CollectionMaintenanceWindows: {
			{
				Keys:    bson.D{{Key: "check_id", Value: 1}},
				Options: options.Index().SetName("idx_check_id"),
			},
			{
				Keys:    bson.D{{Key: "starts_at", Value: 1}, {Key: "ends_at", Value: 1}},
				Options: options.Index().SetName("idx_starts_at_ends_at"),
			},
		},
		CollectionCredentials: {
			{
				Keys:    bson.D{{Key: "check_id", Value: 1}},
				Options: options.Index().SetUnique(true).SetName("idx_check_id_unique"),
			},
		},
		CollectionAgentReports: {
			{
				Keys:    bson.D{{Key: "event_time", Value: 1}},
				Options: options.Index().SetExpireAfterSeconds(int32(ReportRetention.Seconds())).SetName("idx_event_time_ttl"),
			},
			{
				Keys:    bson.D{{Key: "region", Value: 1}, {Key: "event_time", Value: -1}},
				Options: options.Index().SetName("idx_region_event_time"),
			},
		},
	}

	for name, indexes := range collections {
		if err := createIndexes(ctx, db.GetCollection(name), indexes); err != nil {
			return fmt.Errorf("failed to create %s indexes: %w", name, err)
		}
		slog.Info("Created indexes", "collection", name, "count", len(indexes))
	}

	slog.Info("Successfully created all MongoDB indexes")
	return nil
}

func createIndexes(ctx context.Context, collection *mongo.Collection, indexes []mongo.IndexModel) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := collection.Indexes().CreateMany(ctxTimeout, indexes)
	return err
}
