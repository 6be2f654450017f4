// Package quota implements usage metering and quota enforcement for
// subscription products: per-calendar-month paid-plan counters, fixed trial
// allowances, a cache-aside fast path, and an atomic durable backstop.
//
// Layering, leaves first: the usage ledger (Mongo or Postgres) is the system
// of record; an optional cache backend (Redis) holds disposable snapshots
// with expiry aligned to the end of the billing period; the engine
// orchestrates check and increment with trial precedence and rollback-on-
// overage; the HTTP middleware translates denials into structured responses.
//
// The enforcement contract has two halves. CheckUsageLimit is advisory: it
// never reserves quota, so a passing check does not guarantee the following
// increment succeeds. IncrementUsage is authoritative: within one call the
// check-before-write is atomic with respect to concurrent increments for the
// same user and period, via the storage layer's conditional update, so the
// used counter can never overshoot the limit.
//
// Failure policy: cache errors always degrade to the ledger and are only
// logged; ledger errors fail the increment closed (deny rather than grant
// unmetered usage); periodic cache-to-ledger flushes run off the request
// path and their failures are never observed by the triggering request.
//
// Basic usage:
//
//	engine, err := quota.NewEngine(
//	    quota.NewMongoLedger(db),
//	    subscription.NewMongoStore(db),
//	    quota.WithCache(quota.NewRedisBackend(redisClient)),
//	    quota.WithLogger(log),
//	)
//
//	// request pipeline
//	r.Use(quota.Middleware(engine, plan.UsageTemplateGeneration, currentUser))
//
//	// in the handler, after the action succeeded
//	if commit, ok := quota.CommitFromContext(ctx); ok {
//	    if _, err := commit(ctx); err != nil {
//	        // legitimate deny under concurrency, render the denial
//	    }
//	}
package quota
