package conversation

import (
	"context"
	"time"

	"PSync/tools/errs"
	"PSync/tools/ids"

	pkgerr "github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// mongoStore backs conversation identity with a MongoDB collection. The
// create-if-absent race is settled by the server: one atomic upsert keyed on
// the canonical pair, backed by a unique index, so concurrent first-contact
// resolutions converge on a single document.
type mongoStore struct {
	coll *mongo.Collection
}

func NewMongoStore(coll *mongo.Collection) Store {
	return &mongoStore{coll: coll}
}

// EnsureIndexes creates the unique pair index; call once at startup.
func EnsureIndexes(ctx context.Context, coll *mongo.Collection) error {
	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "participant_lo", Value: 1}, {Key: "participant_hi", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "conversation_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	})
	return pkgerr.Wrap(err, "ensure conversation indexes")
}

func (s *mongoStore) CreateIfAbsent(ctx context.Context, lo, hi string) (Conversation, error) {
	filter := bson.M{"participant_lo": lo, "participant_hi": hi}
	update := bson.M{
		"$setOnInsert": bson.M{
			"conversation_id": "c_" + ids.GenerateString(),
			"participant_lo":  lo,
			"participant_hi":  hi,
			"created_at_ms":   time.Now().UnixMilli(),
		},
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var conv Conversation
	err := s.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&conv)
	if err != nil {
		// Racing upserts may still trip the unique index before the winner's
		// document is visible; the retry reads the winner.
		if mongo.IsDuplicateKeyError(err) {
			err = s.coll.FindOne(ctx, filter).Decode(&conv)
		}
		if err != nil {
			return Conversation{}, errs.ErrNetwork.WrapMsg("conversation upsert", "err", err)
		}
	}
	return conv, nil
}

func (s *mongoStore) FindByID(ctx context.Context, conversationID string) (*Conversation, error) {
	var conv Conversation
	err := s.coll.FindOne(ctx, bson.M{"conversation_id": conversationID}).Decode(&conv)
	if err == mongo.ErrNoDocuments {
		return nil, errs.ErrRecordNotFound.WrapMsg("conversation", "id", conversationID)
	}
	if err != nil {
		return nil, errs.ErrNetwork.WrapMsg("conversation find", "err", err)
	}
	return &conv, nil
}
