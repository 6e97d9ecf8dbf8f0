package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dandantas/lookout/internal/controlplane"
	"github.com/dandantas/lookout/internal/model"
)

const queryTimeout = 10 * time.Second

// ScheduleRepository serves the schedule and maintenance windows from MongoDB
type ScheduleRepository struct {
	schedules   *mongo.Collection
	maintenance *mongo.Collection
	now         func() time.Time
}

// NewScheduleRepository creates a new schedule repository
func NewScheduleRepository(db *MongoDB) *ScheduleRepository {
	return &ScheduleRepository{
		schedules:   db.GetCollection(CollectionCheckSchedules),
		maintenance: db.GetCollection(CollectionMaintenanceWindows),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// FetchActiveChecks returns enabled schedules for region, plus schedules with no region
func (r *ScheduleRepository) FetchActiveChecks(ctx context.Context, region string) ([]model.CheckSchedule, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	filter := bson.M{
		"enabled": bson.M{"$ne": false},
		"$or": []bson.M{
			{"region": region},
			{"region": bson.M{"$in": []interface{}{nil, ""}}},
		},
	}
	opts := options.Find().SetSort(bson.D{{Key: "check_id", Value: 1}})

	cursor, err := r.schedules.Find(ctxTimeout, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to find check schedules: %v", controlplane.ErrUnavailable, err)
	}
	defer cursor.Close(ctxTimeout)

	var rows []model.CheckSchedule
	if err := cursor.All(ctxTimeout, &rows); err != nil {
		return nil, fmt.Errorf("%w: failed to decode check schedules: %v", controlplane.ErrUnavailable, err)
	}

	slog.Debug("Fetched check schedules", "region", region, "count", len(rows))
	return rows, nil
}

// maintenanceWindow is one maintenance_windows document
type maintenanceWindow struct {
	CheckID  string     `bson:"check_id"`
	StartsAt time.Time  `bson:"starts_at"`
	EndsAt   *time.Time `bson:"ends_at,omitempty"`
}

// FetchMaintenanceWindows returns the ids of checks whose window is open now.
// A window without ends_at stays open until removed.
func (r *ScheduleRepository) FetchMaintenanceWindows(ctx context.Context) (map[string]struct{}, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	now := r.now()
	filter := bson.M{
		"starts_at": bson.M{"$lte": now},
		"$or": []bson.M{
			{"ends_at": bson.M{"$gt": now}},
			{"ends_at": nil},
		},
	}

	cursor, err := r.maintenance.Find(ctxTimeout, filter)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to find maintenance windows: %v", controlplane.ErrUnavailable, err)
	}
	defer cursor.Close(ctxTimeout)

	var windows []maintenanceWindow
	if err := cursor.All(ctxTimeout, &windows); err != nil {
		return nil, fmt.Errorf("%w: failed to decode maintenance windows: %v", controlplane.ErrUnavailable, err)
	}

	ids := make(map[string]struct{}, len(windows))
	for _, w := range windows {
		ids[w.CheckID] = struct{}{}
	}
	return ids, nil
}
