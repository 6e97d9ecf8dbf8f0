package database

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/dandantas/lookout/internal/model"
)

// ReportRepository stores agent health snapshots; a TTL index expires them
type ReportRepository struct {
	collection *mongo.Collection
}

// NewReportRepository creates a new report repository
func NewReportRepository(db *MongoDB) *ReportRepository {
	return &ReportRepository{
		collection: db.GetCollection(CollectionAgentReports),
	}
}

// EmitHealthSnapshot inserts the snapshot
func (r *ReportRepository) EmitHealthSnapshot(ctx context.Context, snapshot model.HealthSnapshot) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if _, err := r.collection.InsertOne(ctxTimeout, snapshot); err != nil {
		return fmt.Errorf("failed to insert agent report: %w", err)
	}
	return nil
}
