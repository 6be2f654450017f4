package quota

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/dmitrymomot/quotakit/pkg/plan"
)

// UserFunc extracts the acting user from a request. Returning false skips
// enforcement for the request (e.g. unauthenticated health endpoints).
type UserFunc func(r *http.Request) (uuid.UUID, bool)

// CommitFunc records the billable action after it succeeded. It returns the
// new used count and a possible QuotaExceededError: the pre-flight check
// grants no reservation, so a concurrent request may have spent the quota in
// between, and callers must treat that as a legitimate deny, not a bug.
type CommitFunc func(ctx context.Context) (int64, error)

type commitCtxKey struct{}

// CommitFromContext retrieves the usage commit function injected by
// Middleware. Handlers call it only after the billable action completed
// successfully; usage is never recorded for failed actions.
func CommitFromContext(ctx context.Context) (CommitFunc, bool) {
	fn, ok := ctx.Value(commitCtxKey{}).(CommitFunc)
	return fn, ok
}

// MiddlewareOption configures the enforcement middleware.
type MiddlewareOption func(*middlewareConfig)

type middlewareConfig struct {
	amount   int64
	onDenied func(w http.ResponseWriter, r *http.Request, denial *QuotaExceededError)
}

// WithAmount sets the number of units one request consumes (default 1).
func WithAmount(amount int64) MiddlewareOption {
	return func(c *middlewareConfig) {
		if amount > 0 {
			c.amount = amount
		}
	}
}

// WithOnDenied overrides the default JSON denial response.
func WithOnDenied(fn func(w http.ResponseWriter, r *http.Request, denial *QuotaExceededError)) MiddlewareOption {
	return func(c *middlewareConfig) {
		if fn != nil {
			c.onDenied = fn
		}
	}
}

// Middleware guards a billable action behind the quota engine.
//
// Before the handler runs it performs the advisory check and short-circuits
// denials with a structured JSON error (machine-readable code, limit,
// remaining, reset date, upgrade affordance) without any side effects.
// Infrastructure errors during the check fail open: the increment injected
// into the request context stays the fail-closed backstop.
func Middleware(svc Service, usageType plan.UsageType, userFunc UserFunc, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if svc == nil {
		panic("quota.Middleware: Service is required")
	}
	if userFunc == nil {
		panic("quota.Middleware: UserFunc is required")
	}

	cfg := &middlewareConfig{
		amount:   1,
		onDenied: writeDenialResponse,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := userFunc(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			check, err := svc.CheckUsageLimit(r.Context(), userID, usageType, cfg.amount)
			if err == nil && !check.Allowed {
				code := CodeQuotaExceeded
				if check.IsTrialUser {
					code = CodeTrialLimitReached
				}
				cfg.onDenied(w, r, &QuotaExceededError{
					Code:      code,
					UsageType: usageType,
					Limit:     check.Limit,
					Remaining: check.Remaining,
					ResetDate: check.ResetDate,
				})
				return
			}

			commit := CommitFunc(func(ctx context.Context) (int64, error) {
				return svc.IncrementUsage(ctx, userID, usageType, cfg.amount)
			})

			ctx := context.WithValue(r.Context(), commitCtxKey{}, commit)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeDenialResponse(w http.ResponseWriter, r *http.Request, denial *QuotaExceededError) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(denial)
}

// DenialFromError extracts the structured denial from an increment error,
// for handlers that commit mid-request and need to render the deny.
func DenialFromError(err error) (*QuotaExceededError, bool) {
	var denial *QuotaExceededError
	if errors.As(err, &denial) {
		return denial, true
	}
	return nil, false
}
