// Package mongo manages the MongoDB connection used by the document-backed
// ledger and subscription stores: environment-driven configuration, retrying
// connect, and a healthcheck probe.
//
// Unlike the Redis cache, MongoDB is a hard dependency when chosen as the
// system of record; a failed New is a startup error.
//
//	db, err := mongo.NewDatabase(ctx, cfg.Mongo, "app")
//	if err != nil {
//	    return err
//	}
//
//	ledger := quota.NewMongoLedger(db)
//	subs := subscription.NewMongoStore(db)
package mongo
