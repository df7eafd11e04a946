package problemrepo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/lijuuu/ArenaMatchCore/internal/model"
)

// problemDoc is the Mongo document shape, grounded in the teacher's
// internal/repo/mongo.go collection-per-aggregate pattern.
type problemDoc struct {
	ProblemID string         `bson:"problem_id"`
	Mode      string         `bson:"mode"`
	TimeLimit int64          `bson:"time_limit_seconds"`
	Payload   map[string]any `bson:"payload"`
}

type MongoRepository struct {
	problems *mongo.Collection
}

func NewMongoRepository(client *mongo.Client, dbName string) *MongoRepository {
	return &MongoRepository{
		problems: client.Database(dbName).Collection("problems"),
	}
}

func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	clientOpts := options.Client().ApplyURI(uri)
	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("problemrepo: connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("problemrepo: ping mongo: %w", err)
	}
	return client, nil
}

// RandomForMode uses $sample to pick an unseen problem server-side rather
// than pulling the whole mode bucket into memory.
func (r *MongoRepository) RandomForMode(ctx context.Context, mode model.MatchMode, seen map[string]struct{}) (model.Problem, error) {
	excluded := make([]string, 0, len(seen))
	for id := range seen {
		excluded = append(excluded, id)
	}

	pipeline := bson.A{
		bson.M{"$match": bson.M{
			"mode":       string(mode),
			"problem_id": bson.M{"$nin": excluded},
		}},
		bson.M{"$sample": bson.M{"size": 1}},
	}

	cursor, err := r.problems.Aggregate(ctx, pipeline)
	if err != nil {
		return model.Problem{}, fmt.Errorf("problemrepo: sample %s: %w", mode, err)
	}
	defer cursor.Close(ctx)

	var docs []problemDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return model.Problem{}, fmt.Errorf("problemrepo: decode sample %s: %w", mode, err)
	}
	if len(docs) == 0 {
		return model.Problem{}, ErrNoProblem
	}
	return toProblem(docs[0]), nil
}

func (r *MongoRepository) GetByID(ctx context.Context, problemID string) (model.Problem, error) {
	var doc problemDoc
	err := r.problems.FindOne(ctx, bson.M{"problem_id": problemID}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return model.Problem{}, ErrNoProblem
		}
		return model.Problem{}, fmt.Errorf("problemrepo: get %s: %w", problemID, err)
	}
	return toProblem(doc), nil
}

func toProblem(doc problemDoc) model.Problem {
	return model.Problem{
		ProblemID: doc.ProblemID,
		Mode:      model.MatchMode(doc.Mode),
		TimeLimit: time.Duration(doc.TimeLimit) * time.Second,
		Payload:   doc.Payload,
	}
}
