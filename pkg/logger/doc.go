// Package logger builds configured slog loggers: JSON or text output,
// per-environment presets, static attributes, and context-derived attributes
// injected at log time.
//
// The quota engine logs its cache degradations and sync failures through
// whatever *slog.Logger it is given, so wiring is one option:
//
//	log := logger.New(
//	    logger.WithEnvironment(os.Getenv("APP_ENV"), "quota"),
//	)
//
//	engine, err := quota.NewEngine(ledger, subs,
//	    quota.WithLogger(log.With(logger.Component("quota-engine"))),
//	)
//
// Attribute helpers keep log field names consistent across the module:
// logger.UserID, logger.UsageType, logger.Plan, logger.Period, logger.Error.
package logger
