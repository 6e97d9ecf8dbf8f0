package database

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/dandantas/lookout/internal/controlplane"
	"github.com/dandantas/lookout/internal/model"
)

// CredentialRepository looks up check credentials in MongoDB
type CredentialRepository struct {
	collection *mongo.Collection
}

// NewCredentialRepository creates a new credential repository
func NewCredentialRepository(db *MongoDB) *CredentialRepository {
	return &CredentialRepository{
		collection: db.GetCollection(CollectionCredentials),
	}
}

// FetchCredential returns the credential of checkID, or an empty one if none is stored
func (r *CredentialRepository) FetchCredential(ctx context.Context, checkID string) (*model.Credential, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var cred model.Credential
	err := r.collection.FindOne(ctxTimeout, bson.M{"check_id": checkID}).Decode(&cred)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return &model.Credential{}, nil
		}
		return nil, fmt.Errorf("%w: failed to find credential: %v", controlplane.ErrUnavailable, err)
	}

	cred.Exists = !cred.Empty()
	return &cred, nil
}
