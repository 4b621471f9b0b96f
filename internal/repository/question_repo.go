package repository

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"questduel/internal/model"
)

// QuestionCriteria filters the question bank. Empty fields match everything.
type QuestionCriteria struct {
	Category   string
	Difficulty string
}

type QuestionRepo interface {
	Create(ctx context.Context, question *model.BattleQuestion) error
	GetByID(ctx context.Context, id string) (*model.BattleQuestion, error)
	// Sample returns up to n random questions matching criteria
	Sample(ctx context.Context, criteria QuestionCriteria, n int) ([]model.BattleQuestion, error)
	Count(ctx context.Context) (int64, error)
}

type questionRepo struct {
	collection *mongo.Collection
}

func NewQuestionRepo(db *mongo.Database) QuestionRepo {
	return &questionRepo{
		collection: db.Collection("battle_questions"),
	}
}

func (r *questionRepo) Create(ctx context.Context, question *model.BattleQuestion) error {
	// Generate ObjectID if not provided
	if question.ID == "" {
		question.ID = primitive.NewObjectID().Hex()
	}
	_, err := r.collection.InsertOne(ctx, question)
	return err
}

func (r *questionRepo) GetByID(ctx context.Context, id string) (*model.BattleQuestion, error) {
	var question model.BattleQuestion
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&question)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil // Question not found
		}
		return nil, err
	}
	return &question, nil
}

func (r *questionRepo) Sample(ctx context.Context, criteria QuestionCriteria, n int) ([]model.BattleQuestion, error) {
	if n <= 0 {
		return nil, nil
	}

	match := bson.M{}
	if criteria.Category != "" {
		match["category"] = criteria.Category
	}
	if criteria.Difficulty != "" {
		match["difficulty"] = criteria.Difficulty
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$sample", Value: bson.M{"size": n}}},
	}
	cursor, err := r.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var questions []model.BattleQuestion
	if err = cursor.All(ctx, &questions); err != nil {
		return nil, err
	}
	return questions, nil
}

func (r *questionRepo) Count(ctx context.Context) (int64, error) {
	return r.collection.CountDocuments(ctx, bson.M{})
}
