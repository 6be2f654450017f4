package quota

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

// DefaultLedgerCollection is the collection name used by NewMongoLedger.
const DefaultLedgerCollection = "usage_quotas"

type quotaDoc struct {
	UserID       string                     `bson:"user_id"`
	PeriodKey    string                     `bson:"period_key"`
	PeriodStart  time.Time                  `bson:"period_start"`
	PeriodEnd    time.Time                  `bson:"period_end"`
	Plan         string                     `bson:"plan"`
	Usage        map[plan.UsageType]Counter `bson:"usage"`
	LastSyncedAt time.Time                  `bson:"last_synced_at"`
}

func (d *quotaDoc) toDomain() (*UsageQuota, error) {
	userID, err := uuid.Parse(d.UserID)
	if err != nil {
		return nil, fmt.Errorf("invalid user ID in quota document: %w", err)
	}

	return &UsageQuota{
		UserID:       userID,
		PeriodKey:    d.PeriodKey,
		PeriodStart:  d.PeriodStart,
		PeriodEnd:    d.PeriodEnd,
		Plan:         plan.Name(d.Plan),
		Usage:        d.Usage,
		LastSyncedAt: d.LastSyncedAt,
	}, nil
}

func toQuotaDoc(row *UsageQuota) *quotaDoc {
	return &quotaDoc{
		UserID:       row.UserID.String(),
		PeriodKey:    row.PeriodKey,
		PeriodStart:  row.PeriodStart,
		PeriodEnd:    row.PeriodEnd,
		Plan:         string(row.Plan),
		Usage:        row.Usage,
		LastSyncedAt: row.LastSyncedAt,
	}
}

// MongoLedger implements LedgerStore on a MongoDB collection.
type MongoLedger struct {
	col *mongo.Collection
}

// NewMongoLedger returns a LedgerStore backed by the DefaultLedgerCollection of db.
func NewMongoLedger(db *mongo.Database) *MongoLedger {
	return &MongoLedger{col: db.Collection(DefaultLedgerCollection)}
}

// EnsureIndexes creates the unique (user_id, period_key) index. Call once at startup.
func (l *MongoLedger) EnsureIndexes(ctx context.Context) error {
	_, err := l.col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "period_key", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

// FindCurrent returns the row whose period window contains now.
func (l *MongoLedger) FindCurrent(ctx context.Context, userID uuid.UUID, now time.Time) (*UsageQuota, error) {
	now = now.UTC()
	filter := bson.M{
		"user_id":      userID.String(),
		"period_start": bson.M{"$lte": now},
		"period_end":   bson.M{"$gte": now},
	}

	var doc quotaDoc
	if err := l.col.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrQuotaNotFound
		}
		return nil, err
	}
	return doc.toDomain()
}

// Create inserts the row; a duplicate-key race resolves to the existing row.
func (l *MongoLedger) Create(ctx context.Context, row *UsageQuota) (*UsageQuota, error) {
	_, err := l.col.InsertOne(ctx, toQuotaDoc(row))
	if err == nil {
		return row, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return nil, err
	}

	var doc quotaDoc
	filter := bson.M{"user_id": row.UserID.String(), "period_key": row.PeriodKey}
	if err := l.col.FindOne(ctx, filter).Decode(&doc); err != nil {
		return nil, err
	}
	return doc.toDomain()
}

// IncrementWithCeiling binds the ceiling check and the increment into one
// FindOneAndUpdate, so concurrent callers can never both commit past the limit.
func (l *MongoLedger) IncrementWithCeiling(ctx context.Context, userID uuid.UUID, periodKey string, usageType plan.UsageType, amount int64) (int64, error) {
	usedField := "$usage." + string(usageType) + ".used"
	limitField := "$usage." + string(usageType) + ".limit"

	// Absent used reads as zero; an absent limit reads as -1, which no
	// increment can satisfy, so a counter the row never granted (a usage type
	// added after the row was created) is denied rather than created unbounded.
	filter := bson.M{
		"user_id":    userID.String(),
		"period_key": periodKey,
		"$expr": bson.M{"$lte": bson.A{
			bson.M{"$add": bson.A{
				bson.M{"$ifNull": bson.A{usedField, 0}},
				amount,
			}},
			bson.M{"$ifNull": bson.A{limitField, -1}},
		}},
	}
	update := bson.M{
		"$inc": bson.M{"usage." + string(usageType) + ".used": amount},
	}

	var doc quotaDoc
	err := l.col.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, ErrConditionNotMatched
		}
		return 0, err
	}

	return doc.Usage[usageType].Used, nil
}

// Sync overwrites the stored used counters and LastSyncedAt.
func (l *MongoLedger) Sync(ctx context.Context, row *UsageQuota) error {
	set := bson.M{"last_synced_at": row.LastSyncedAt}
	for usageType, counter := range row.Usage {
		set["usage."+string(usageType)+".used"] = counter.Used
	}

	res, err := l.col.UpdateOne(ctx,
		bson.M{"user_id": row.UserID.String(), "period_key": row.PeriodKey},
		bson.M{"$set": set},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrQuotaNotFound
	}
	return nil
}
