// Package redis manages the Redis connection backing the quota snapshot
// cache: environment-driven configuration, retrying connect, and a
// healthcheck probe.
//
// Redis is a soft dependency here. The quota engine degrades to its durable
// ledger whenever the cache is unavailable, so a failed Connect is a reason
// to log and run cache-less, not to abort startup:
//
//	client, err := redis.Connect(ctx, cfg.Redis)
//	if err != nil {
//	    log.Warn("starting without quota cache", slog.Any("error", err))
//	}
//	engine, err := quota.NewEngine(ledger, subs,
//	    quota.WithCache(quota.NewRedisBackend(client)), // nil client keeps the cache off
//	)
package redis
