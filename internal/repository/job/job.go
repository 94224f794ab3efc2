package job

import (
	"context"
	"time"

	"github.com/OpenAgentsInc/commander/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	// JobRepo records the history of job requests and their outcome.
	JobRepo struct {
		collection *mongo.Collection
		now        func() time.Time
	}
)

func NewJobRepo(db *mongo.Database) *JobRepo {
	return &JobRepo{
		collection: db.Collection("jobs"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// EnsureIndexes creates the unique request id index.
func (r *JobRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "request_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (r *JobRepo) Create(ctx context.Context, rec *model.JobRecord) error {
	now := r.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	res, err := r.collection.InsertOne(ctx, rec)
	if err != nil {
		return err
	}

	if id, ok := res.InsertedID.(primitive.ObjectID); ok {
		rec.ID = id
	}
	return nil
}

func (r *JobRepo) GetByRequestID(ctx context.Context, requestID string) (*model.JobRecord, error) {
	filter := bson.M{
		"request_id": requestID,
	}

	var rec model.JobRecord
	err := r.collection.FindOne(ctx, filter).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &rec, nil
}

func (r *JobRepo) UpdateState(ctx context.Context, requestID string, state model.JobState) error {
	_, err := r.collection.UpdateOne(ctx,
		bson.M{"request_id": requestID},
		bson.M{"$set": bson.M{"state": state, "updated_at": r.now()}},
	)
	return err
}

func (r *JobRepo) MarkResolved(ctx context.Context, res *model.JobResult) error {
	now := r.now()
	_, err := r.collection.UpdateOne(ctx,
		bson.M{"request_id": res.RequestID},
		bson.M{"$set": bson.M{
			"state":       model.JobStateResolved,
			"status":      res.Status,
			"result_id":   res.ResultID,
			"content":     res.Content,
			"amount":      res.Amount,
			"updated_at":  now,
			"resolved_at": now,
		}},
	)
	return err
}

func (r *JobRepo) ListRecent(ctx context.Context, limit int64) ([]*model.JobRecord, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(limit)

	cur, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var recs []*model.JobRecord
	if err := cur.All(ctx, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}
