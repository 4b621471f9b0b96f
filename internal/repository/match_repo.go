package repository

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"questduel/internal/model"
)

// MatchRepo persists per-participant match rows and finished-battle history
type MatchRepo interface {
	CreateRecord(ctx context.Context, record *model.MatchRecord) error
	DeleteMatch(ctx context.Context, matchID string) error
	UpdateStatus(ctx context.Context, matchID string, status model.MatchStatus) error
	UpsertHistory(ctx context.Context, history *model.BattleHistory) error
	ListHistory(ctx context.Context, userID string, limit int64) ([]*model.BattleHistory, error)
}

type matchRepo struct {
	matches *mongo.Collection
	history *mongo.Collection
}

func NewMatchRepo(db *mongo.Database) MatchRepo {
	return &matchRepo{
		matches: db.Collection("battle_matches"),
		history: db.Collection("battle_history"),
	}
}

// EnsureMatchIndexes creates the lookup indexes used by MatchRepo
func EnsureMatchIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection("battle_matches").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "matchId", Value: 1}},
	})
	if err != nil {
		return err
	}
	_, err = db.Collection("battle_history").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "userId", Value: 1}, {Key: "createdAt", Value: -1}},
	})
	return err
}

func (r *matchRepo) CreateRecord(ctx context.Context, record *model.MatchRecord) error {
	if record.ID == "" {
		record.ID = model.RecordID(record.MatchID, record.UserID)
	}
	_, err := r.matches.InsertOne(ctx, record)
	return err
}

func (r *matchRepo) DeleteMatch(ctx context.Context, matchID string) error {
	_, err := r.matches.DeleteMany(ctx, bson.M{"matchId": matchID})
	return err
}

func (r *matchRepo) UpdateStatus(ctx context.Context, matchID string, status model.MatchStatus) error {
	_, err := r.matches.UpdateMany(ctx,
		bson.M{"matchId": matchID},
		bson.M{"$set": bson.M{"status": status, "updatedAt": time.Now()}},
	)
	return err
}

func (r *matchRepo) UpsertHistory(ctx context.Context, history *model.BattleHistory) error {
	if history.ID == "" {
		history.ID = model.RecordID(history.MatchID, history.UserID)
	}
	// Keyed by match and user so retries never duplicate
	_, err := r.history.ReplaceOne(ctx,
		bson.M{"_id": history.ID},
		history,
		options.Replace().SetUpsert(true),
	)
	return err
}

func (r *matchRepo) ListHistory(ctx context.Context, userID string, limit int64) ([]*model.BattleHistory, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}

	cursor, err := r.history.Find(ctx, bson.M{"userId": userID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []*model.BattleHistory
	if err = cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
