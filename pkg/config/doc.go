// Package config loads typed configuration from environment variables,
// wrapping github.com/caarlos0/env for struct parsing and
// github.com/joho/godotenv for local .env files.
//
// Every package in this module declares its own Config struct with env tags
// and defaults; config.Load parses each type at most once per process and
// caches the result, so independent packages can load their configuration
// without coordinating.
//
//	var quotaCfg quota.Config
//	var redisCfg redis.Config
//	config.MustLoad(&quotaCfg)
//	config.MustLoad(&redisCfg)
//
//	engine, err := quota.NewEngine(ledger, subs,
//	    quota.WithConfig(quotaCfg),
//	)
package config
