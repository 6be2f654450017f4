package quota_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/quotakit/pkg/plan"
	"github.com/dmitrymomot/quotakit/pkg/quota"
)

// stubService scripts the engine's answers so middleware behavior can be
// tested in isolation.
type stubService struct {
	check     quota.UsageCheckResult
	checkErr  error
	increment int64
	incErr    error

	checkedAmount   int64
	incrementedWith int64
	incrementedUser uuid.UUID
}

func (s *stubService) CheckUsageLimit(ctx context.Context, userID uuid.UUID, usageType plan.UsageType, amount int64) (quota.UsageCheckResult, error) {
	s.checkedAmount = amount
	return s.check, s.checkErr
}

func (s *stubService) IncrementUsage(ctx context.Context, userID uuid.UUID, usageType plan.UsageType, amount int64) (int64, error) {
	s.incrementedWith = amount
	s.incrementedUser = userID
	return s.increment, s.incErr
}

func (s *stubService) GetPlanLimits(ctx context.Context, userID uuid.UUID) (plan.Limits, error) {
	return plan.Limits{}, nil
}

func (s *stubService) GetUserUsageStats(ctx context.Context, userID uuid.UUID) (quota.UsageStats, error) {
	return quota.UsageStats{}, nil
}

func fixedUser(userID uuid.UUID) quota.UserFunc {
	return func(r *http.Request) (uuid.UUID, bool) { return userID, true }
}

func noUser(r *http.Request) (uuid.UUID, bool) { return uuid.Nil, false }

func TestMiddleware(t *testing.T) {
	t.Parallel()

	resetDate := time.Date(2025, time.August, 31, 23, 59, 59, 0, time.UTC)

	t.Run("denied request gets a structured 429", func(t *testing.T) {
		t.Parallel()

		svc := &stubService{check: quota.UsageCheckResult{
			Allowed:   false,
			Limit:     10,
			Remaining: 0,
			ResetDate: resetDate,
		}}

		handlerCalled := false
		h := quota.Middleware(svc, plan.UsageTemplateGeneration, fixedUser(uuid.New()))(
			http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { handlerCalled = true }))

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/generate", nil))

		assert.False(t, handlerCalled)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")

		var body struct {
			Code      string    `json:"code"`
			UsageType string    `json:"usage_type"`
			Limit     int64     `json:"limit"`
			Remaining int64     `json:"remaining"`
			ResetDate time.Time `json:"reset_date"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, string(quota.CodeQuotaExceeded), body.Code)
		assert.Equal(t, string(plan.UsageTemplateGeneration), body.UsageType)
		assert.EqualValues(t, 10, body.Limit)
		assert.EqualValues(t, 0, body.Remaining)
		assert.Equal(t, resetDate, body.ResetDate)
	})

	t.Run("trial denial carries the trial code", func(t *testing.T) {
		t.Parallel()

		svc := &stubService{check: quota.UsageCheckResult{
			Allowed:     false,
			Limit:       5,
			ResetDate:   resetDate,
			IsTrialUser: true,
		}}

		h := quota.Middleware(svc, plan.UsageImageGeneration, fixedUser(uuid.New()))(
			http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/generate", nil))

		var body struct {
			Code string `json:"code"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, string(quota.CodeTrialLimitReached), body.Code)
	})

	t.Run("allowed request runs the handler with a commit func", func(t *testing.T) {
		t.Parallel()

		userID := uuid.New()
		svc := &stubService{
			check:     quota.UsageCheckResult{Allowed: true},
			increment: 4,
		}

		var committed int64
		h := quota.Middleware(svc, plan.UsageTemplateGeneration, fixedUser(userID))(
			http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				commit, ok := quota.CommitFromContext(r.Context())
				require.True(t, ok)

				newUsed, err := commit(r.Context())
				require.NoError(t, err)
				committed = newUsed
			}))

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/generate", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.EqualValues(t, 4, committed)
		assert.EqualValues(t, 1, svc.incrementedWith)
		assert.Equal(t, userID, svc.incrementedUser)
	})

	t.Run("handler that never commits records no usage", func(t *testing.T) {
		t.Parallel()

		svc := &stubService{check: quota.UsageCheckResult{Allowed: true}}

		h := quota.Middleware(svc, plan.UsageTemplateGeneration, fixedUser(uuid.New()))(
			http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				// Simulates a failed action: no commit.
				w.WriteHeader(http.StatusBadGateway)
			}))

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/generate", nil))

		assert.EqualValues(t, 0, svc.incrementedWith)
	})

	t.Run("unidentified request skips enforcement", func(t *testing.T) {
		t.Parallel()

		svc := &stubService{}

		h := quota.Middleware(svc, plan.UsageTemplateGeneration, noUser)(
			http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, ok := quota.CommitFromContext(r.Context())
				assert.False(t, ok)
			}))

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.EqualValues(t, 0, svc.checkedAmount)
	})

	t.Run("check infrastructure error fails open", func(t *testing.T) {
		t.Parallel()

		svc := &stubService{checkErr: errors.New("subscription store down")}

		handlerCalled := false
		h := quota.Middleware(svc, plan.UsageTemplateGeneration, fixedUser(uuid.New()))(
			http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handlerCalled = true
				// The commit stays injected as the fail-closed backstop.
				_, ok := quota.CommitFromContext(r.Context())
				assert.True(t, ok)
			}))

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/generate", nil))

		assert.True(t, handlerCalled)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("custom amount flows through check and commit", func(t *testing.T) {
		t.Parallel()

		svc := &stubService{check: quota.UsageCheckResult{Allowed: true}}

		h := quota.Middleware(svc, plan.UsageImageGeneration, fixedUser(uuid.New()), quota.WithAmount(3))(
			http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				commit, ok := quota.CommitFromContext(r.Context())
				require.True(t, ok)
				_, _ = commit(r.Context())
			}))

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/generate", nil))

		assert.EqualValues(t, 3, svc.checkedAmount)
		assert.EqualValues(t, 3, svc.incrementedWith)
	})

	t.Run("custom denial handler", func(t *testing.T) {
		t.Parallel()

		svc := &stubService{check: quota.UsageCheckResult{Allowed: false, Limit: 10}}

		h := quota.Middleware(svc, plan.UsageTemplateGeneration, fixedUser(uuid.New()),
			quota.WithOnDenied(func(w http.ResponseWriter, r *http.Request, denial *quota.QuotaExceededError) {
				w.WriteHeader(http.StatusPaymentRequired)
			}))(
			http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/generate", nil))

		assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	})
}

func TestDenialFromError(t *testing.T) {
	t.Parallel()

	denial := &quota.QuotaExceededError{Code: quota.CodeQuotaExceeded, Limit: 10}
	wrapped := errors.Join(errors.New("handler failed"), denial)

	got, ok := quota.DenialFromError(wrapped)
	require.True(t, ok)
	assert.Equal(t, denial, got)

	_, ok = quota.DenialFromError(errors.New("plain"))
	assert.False(t, ok)
}
