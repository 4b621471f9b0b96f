package repository

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"questduel/internal/model"
)

// ProfileRepo reads player profiles owned by the wider study app
type ProfileRepo interface {
	GetByID(ctx context.Context, id string) (*model.PlayerProfile, error)
	Upsert(ctx context.Context, profile *model.PlayerProfile) error
}

type profileRepo struct {
	collection *mongo.Collection
}

func NewProfileRepo(db *mongo.Database) ProfileRepo {
	return &profileRepo{
		collection: db.Collection("profiles"),
	}
}

func (r *profileRepo) GetByID(ctx context.Context, id string) (*model.PlayerProfile, error) {
	var profile model.PlayerProfile
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&profile)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil // Profile not found
		}
		return nil, err
	}
	return &profile, nil
}

func (r *profileRepo) Upsert(ctx context.Context, profile *model.PlayerProfile) error {
	_, err := r.collection.ReplaceOne(ctx,
		bson.M{"_id": profile.ID},
		profile,
		options.Replace().SetUpsert(true),
	)
	return err
}
