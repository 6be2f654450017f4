// Package pg manages the PostgreSQL pool used by the relational ledger:
// environment-driven configuration, retrying connect with linear backoff,
// error classification helpers, and a healthcheck probe.
//
// The ledger's schema migrations are embedded in the quota package and
// applied through it, keeping the schema versioned next to the queries that
// depend on it:
//
//	pool, err := pg.Connect(ctx, cfg.Postgres)
//	if err != nil {
//	    return err
//	}
//	if err := quota.MigratePostgresLedger(ctx, pool); err != nil {
//	    return err
//	}
//	ledger := quota.NewPostgresLedger(pool)
package pg
