package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/dmitrymomot/quotakit/pkg/plan"
)

// DefaultCollection is the collection name used by NewMongoStore.
const DefaultCollection = "subscriptions"

// subscriptionDoc is the BSON shape of a subscription record. UUIDs are
// stored as canonical strings for index and shell friendliness.
type subscriptionDoc struct {
	UserID             string                   `bson:"user_id"`
	Plan               string                   `bson:"plan"`
	Status             string                   `bson:"status"`
	ProviderSubID      string                   `bson:"provider_sub_id,omitempty"`
	ProviderCustomerID string                   `bson:"provider_customer_id,omitempty"`
	TrialStartedAt     *time.Time               `bson:"trial_started_at,omitempty"`
	TrialEndsAt        *time.Time               `bson:"trial_ends_at,omitempty"`
	TrialUsage         map[plan.UsageType]int64 `bson:"trial_usage,omitempty"`
	CreatedAt          time.Time                `bson:"created_at"`
	UpdatedAt          time.Time                `bson:"updated_at"`
	CancelledAt        *time.Time               `bson:"cancelled_at,omitempty"`
}

func (d *subscriptionDoc) toDomain() (*Subscription, error) {
	userID, err := uuid.Parse(d.UserID)
	if err != nil {
		return nil, fmt.Errorf("invalid user ID in subscription document: %w", err)
	}

	return &Subscription{
		UserID:             userID,
		Plan:               plan.Name(d.Plan),
		Status:             Status(d.Status),
		ProviderSubID:      d.ProviderSubID,
		ProviderCustomerID: d.ProviderCustomerID,
		TrialStartedAt:     d.TrialStartedAt,
		TrialEndsAt:        d.TrialEndsAt,
		TrialUsage:         d.TrialUsage,
		CreatedAt:          d.CreatedAt,
		UpdatedAt:          d.UpdatedAt,
		CancelledAt:        d.CancelledAt,
	}, nil
}

func toDoc(sub *Subscription) *subscriptionDoc {
	return &subscriptionDoc{
		UserID:             sub.UserID.String(),
		Plan:               string(sub.Plan),
		Status:             string(sub.Status),
		ProviderSubID:      sub.ProviderSubID,
		ProviderCustomerID: sub.ProviderCustomerID,
		TrialStartedAt:     sub.TrialStartedAt,
		TrialEndsAt:        sub.TrialEndsAt,
		TrialUsage:         sub.TrialUsage,
		CreatedAt:          sub.CreatedAt,
		UpdatedAt:          sub.UpdatedAt,
		CancelledAt:        sub.CancelledAt,
	}
}

// MongoStore implements Store on a MongoDB collection.
type MongoStore struct {
	col *mongo.Collection
}

// NewMongoStore returns a Store backed by the DefaultCollection of db.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{col: db.Collection(DefaultCollection)}
}

// EnsureIndexes creates the unique user_id index. Call once at startup.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

// Get retrieves a subscription by user ID.
func (s *MongoStore) Get(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	var doc subscriptionDoc
	err := s.col.FindOne(ctx, bson.M{"user_id": userID.String()}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return doc.toDomain()
}

// Save upserts a subscription keyed by UserID.
func (s *MongoStore) Save(ctx context.Context, sub *Subscription) error {
	sub.UpdatedAt = time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = sub.UpdatedAt
	}

	_, err := s.col.ReplaceOne(ctx,
		bson.M{"user_id": sub.UserID.String()},
		toDoc(sub),
		options.Replace().SetUpsert(true),
	)
	return err
}

// IncrementTrialUsage performs the atomic increment-with-ceiling as a single
// FindOneAndUpdate. The filter binds status, trial recency, and the ceiling
// check together so two concurrent requests can never both commit past the
// limit: whichever matches first moves the counter, the other's filter no
// longer matches.
func (s *MongoStore) IncrementTrialUsage(ctx context.Context, userID uuid.UUID, usageType plan.UsageType, amount, ceiling int64, now time.Time) (int64, error) {
	field := "trial_usage." + string(usageType)

	filter := bson.M{
		"user_id":       userID.String(),
		"status":        string(StatusTrialing),
		"trial_ends_at": bson.M{"$gt": now.UTC()},
		// Counter may be absent on documents written before the usage type
		// existed; $ifNull reads absent as zero so the ceiling still applies.
		"$expr": bson.M{"$lte": bson.A{
			bson.M{"$add": bson.A{
				bson.M{"$ifNull": bson.A{"$" + field, 0}},
				amount,
			}},
			ceiling,
		}},
	}
	update := bson.M{
		"$inc": bson.M{field: amount},
		"$set": bson.M{"updated_at": now.UTC()},
	}

	var doc subscriptionDoc
	err := s.col.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, ErrConditionNotMatched
		}
		return 0, err
	}

	return doc.TrialUsage[usageType], nil
}
