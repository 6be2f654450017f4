package quota_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/quotakit/pkg/period"
	"github.com/dmitrymomot/quotakit/pkg/plan"
	"github.com/dmitrymomot/quotakit/pkg/quota"
	"github.com/dmitrymomot/quotakit/pkg/subscription"
)

// fakeCache is an in-memory CacheBackend. With failing=true every operation
// errors, simulating an unreachable cache backend.
type fakeCache struct {
	mu      sync.Mutex
	data    map[string][]byte
	failing bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: make(map[string][]byte)}
}

func (c *fakeCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failing {
		return nil, errors.New("cache backend unreachable")
	}
	raw, ok := c.data[key]
	if !ok {
		return nil, quota.ErrCacheMiss
	}
	return raw, nil
}

func (c *fakeCache) Set(ctx context.Context, key string, value []byte, expireAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failing {
		return errors.New("cache backend unreachable")
	}
	c.data[key] = value
	return nil
}

func (c *fakeCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failing {
		return errors.New("cache backend unreachable")
	}
	delete(c.data, key)
	return nil
}

func (c *fakeCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	return ok
}

var testNow = time.Date(2025, time.August, 15, 12, 0, 0, 0, time.UTC)

type engineFixture struct {
	engine quota.Service
	ledger *quota.MemoryLedger
	subs   *subscription.MemoryStore
	cache  *fakeCache
}

func newFixture(t *testing.T, opts ...quota.Option) *engineFixture {
	t.Helper()

	f := &engineFixture{
		ledger: quota.NewMemoryLedger(),
		subs:   subscription.NewMemoryStore(),
	}

	opts = append([]quota.Option{quota.WithClock(func() time.Time { return testNow })}, opts...)

	engine, err := quota.NewEngine(f.ledger, f.subs, opts...)
	require.NoError(t, err)
	f.engine = engine
	return f
}

func (f *engineFixture) addPaidUser(t *testing.T, name plan.Name) uuid.UUID {
	t.Helper()

	userID := uuid.New()
	require.NoError(t, f.subs.Save(context.Background(), &subscription.Subscription{
		UserID: userID,
		Plan:   name,
		Status: subscription.StatusActive,
	}))
	return userID
}

// seedLedger creates a current-period row with the given used count for one
// usage type, bypassing the engine.
func (f *engineFixture) seedLedger(t *testing.T, userID uuid.UUID, limits plan.Limits, usageType plan.UsageType, used int64) {
	t.Helper()

	row := quota.NewQuotaRow(userID, limits, testNow)
	counter := row.Usage[usageType]
	counter.Used = used
	row.Usage[usageType] = counter

	_, err := f.ledger.Create(context.Background(), row)
	require.NoError(t, err)
}

func TestCheckUsageLimit(t *testing.T) {
	t.Parallel()

	t.Run("lazily creates the ledger row with plan limits", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		userID := f.addPaidUser(t, plan.Pro)

		check, err := f.engine.CheckUsageLimit(context.Background(), userID, plan.UsageTemplateGeneration, 1)
		require.NoError(t, err)

		assert.True(t, check.Allowed)
		assert.EqualValues(t, 0, check.Used)
		assert.EqualValues(t, 100, check.Limit)
		assert.False(t, check.IsTrialUser)

		row, err := f.ledger.FindCurrent(context.Background(), userID, testNow)
		require.NoError(t, err)
		assert.Equal(t, plan.Pro, row.Plan)
	})

	t.Run("user without subscription gets the default tier", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		userID := uuid.New()

		check, err := f.engine.CheckUsageLimit(context.Background(), userID, plan.UsageTemplateGeneration, 1)
		require.NoError(t, err)

		starter := plan.DefaultCatalog()[plan.Starter]
		assert.Equal(t, starter.LimitFor(plan.UsageTemplateGeneration), check.Limit)
	})

	t.Run("reset date is the period end", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		userID := f.addPaidUser(t, plan.Starter)

		check, err := f.engine.CheckUsageLimit(context.Background(), userID, plan.UsageImageGeneration, 1)
		require.NoError(t, err)

		_, end := period.Boundaries(testNow)
		assert.Equal(t, end, check.ResetDate)
	})

	t.Run("invalid usage type", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		_, err := f.engine.CheckUsageLimit(context.Background(), uuid.New(), plan.UsageType("bogus"), 1)
		assert.ErrorIs(t, err, quota.ErrInvalidUsageType)
	})
}

// Scenario: starter user with 9 of 10 templates used and a cold cache.
func TestIncrementUsageAtTheEdge(t *testing.T) {
	t.Parallel()

	f := newFixture(t, quota.WithCache(newFakeCache()))
	userID := f.addPaidUser(t, plan.Starter)
	starter := plan.DefaultCatalog()[plan.Starter]
	f.seedLedger(t, userID, starter, plan.UsageTemplateGeneration, 9)

	check, err := f.engine.CheckUsageLimit(context.Background(), userID, plan.UsageTemplateGeneration, 1)
	require.NoError(t, err)
	assert.True(t, check.Allowed)
	assert.EqualValues(t, 1, check.Remaining)

	newUsed, err := f.engine.IncrementUsage(context.Background(), userID, plan.UsageTemplateGeneration, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 10, newUsed)

	_, err = f.engine.IncrementUsage(context.Background(), userID, plan.UsageTemplateGeneration, 1)
	require.ErrorIs(t, err, quota.ErrQuotaExceeded)

	denial, ok := quota.DenialFromError(err)
	require.True(t, ok)
	assert.Equal(t, quota.CodeQuotaExceeded, denial.Code)
	assert.EqualValues(t, 10, denial.Limit)
	assert.EqualValues(t, 0, denial.Remaining)
	assert.False(t, denial.ResetDate.IsZero())
}

// No overshoot under concurrency: with limit L, exactly L of the concurrent
// increments succeed and the final counter equals L.
func TestIncrementUsageConcurrentNoOvershoot(t *testing.T) {
	t.Parallel()

	// Cache disabled: the ledger's atomic conditional update is the
	// enforcement authority under concurrency.
	f := newFixture(t)
	userID := f.addPaidUser(t, plan.Starter)

	const workers = 30
	var succeeded atomic.Int64
	var wg sync.WaitGroup

	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.engine.IncrementUsage(context.Background(), userID, plan.UsageTemplateGeneration, 1); err == nil {
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()

	starterLimit := plan.DefaultCatalog()[plan.Starter].LimitFor(plan.UsageTemplateGeneration)
	assert.EqualValues(t, starterLimit, succeeded.Load())

	row, err := f.ledger.FindCurrent(context.Background(), userID, testNow)
	require.NoError(t, err)
	assert.Equal(t, starterLimit, row.CounterFor(plan.UsageTemplateGeneration).Used)
}

// A denied check implies a denied increment of the same amount.
func TestCheckDeniedImpliesIncrementDenied(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	userID := f.addPaidUser(t, plan.Starter)
	starter := plan.DefaultCatalog()[plan.Starter]
	f.seedLedger(t, userID, starter, plan.UsageImageGeneration, starter.LimitFor(plan.UsageImageGeneration))

	check, err := f.engine.CheckUsageLimit(context.Background(), userID, plan.UsageImageGeneration, 1)
	require.NoError(t, err)
	require.False(t, check.Allowed)

	_, err = f.engine.IncrementUsage(context.Background(), userID, plan.UsageImageGeneration, 1)
	assert.ErrorIs(t, err, quota.ErrQuotaExceeded)
}

// Allow/deny outcomes are identical with the cache enabled, failing, or
// absent, given the same ledger state.
func TestCacheMissTransparency(t *testing.T) {
	t.Parallel()

	run := func(t *testing.T, opts ...quota.Option) (allowedFirst bool, incErr error) {
		f := newFixture(t, opts...)
		userID := f.addPaidUser(t, plan.Starter)
		starter := plan.DefaultCatalog()[plan.Starter]
		f.seedLedger(t, userID, starter, plan.UsageTemplateGeneration, 9)

		check, err := f.engine.CheckUsageLimit(context.Background(), userID, plan.UsageTemplateGeneration, 1)
		require.NoError(t, err)

		_, err = f.engine.IncrementUsage(context.Background(), userID, plan.UsageTemplateGeneration, 1)
		require.NoError(t, err)
		_, err = f.engine.IncrementUsage(context.Background(), userID, plan.UsageTemplateGeneration, 1)
		return check.Allowed, err
	}

	variants := []struct {
		name string
		opts []quota.Option
	}{
		{name: "cache disabled"},
		{name: "cache healthy", opts: []quota.Option{quota.WithCache(newFakeCache())}},
		{name: "cache unreachable", opts: []quota.Option{quota.WithCache(&fakeCache{failing: true})}},
	}

	for _, v := range variants {
		t.Run(v.name, func(t *testing.T) {
			t.Parallel()

			allowed, err := run(t, v.opts...)
			assert.True(t, allowed)
			assert.ErrorIs(t, err, quota.ErrQuotaExceeded)
		})
	}
}

// An active trial takes precedence over any paid-plan ledger row.
func TestTrialPrecedence(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	userID := uuid.New()

	sub := &subscription.Subscription{UserID: userID, Plan: plan.Pro}
	sub.StartTrial(testNow.Add(-24 * time.Hour))
	require.NoError(t, f.subs.Save(context.Background(), sub))

	// Historical paid-plan row with plenty of headroom; it must be ignored.
	f.seedLedger(t, userID, plan.DefaultCatalog()[plan.Pro], plan.UsageTemplateGeneration, 0)

	check, err := f.engine.CheckUsageLimit(context.Background(), userID, plan.UsageTemplateGeneration, 1)
	require.NoError(t, err)

	assert.True(t, check.IsTrialUser)
	assert.EqualValues(t, 5, check.Limit)

	newUsed, err := f.engine.IncrementUsage(context.Background(), userID, plan.UsageTemplateGeneration, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, newUsed)

	// The ledger row is untouched.
	row, err := f.ledger.FindCurrent(context.Background(), userID, testNow)
	require.NoError(t, err)
	assert.EqualValues(t, 0, row.CounterFor(plan.UsageTemplateGeneration).Used)
}

// Scenario: trial user with all 5 template generations spent.
func TestExhaustedTrial(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	userID := uuid.New()

	sub := &subscription.Subscription{UserID: userID, Plan: plan.Pro}
	sub.StartTrial(testNow.Add(-24 * time.Hour))
	sub.TrialUsage[plan.UsageTemplateGeneration] = 5
	require.NoError(t, f.subs.Save(context.Background(), sub))

	check, err := f.engine.CheckUsageLimit(context.Background(), userID, plan.UsageTemplateGeneration, 1)
	require.NoError(t, err)
	assert.False(t, check.Allowed)
	assert.True(t, check.IsTrialUser)

	_, err = f.engine.IncrementUsage(context.Background(), userID, plan.UsageTemplateGeneration, 1)
	require.ErrorIs(t, err, quota.ErrQuotaExceeded)

	denial, ok := quota.DenialFromError(err)
	require.True(t, ok)
	assert.Equal(t, quota.CodeTrialLimitReached, denial.Code)
	assert.Equal(t, *sub.TrialEndsAt, denial.ResetDate)
}

// A stale "trialing" status past the trial end routes to paid-plan logic.
func TestStaleTrialRoutesToPaidPath(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	userID := uuid.New()

	sub := &subscription.Subscription{UserID: userID, Plan: plan.Pro}
	sub.StartTrial(testNow.Add(-30 * 24 * time.Hour))
	require.NoError(t, f.subs.Save(context.Background(), sub))

	check, err := f.engine.CheckUsageLimit(context.Background(), userID, plan.UsageTemplateGeneration, 1)
	require.NoError(t, err)

	assert.False(t, check.IsTrialUser)
	assert.Equal(t, plan.DefaultCatalog()[plan.Pro].LimitFor(plan.UsageTemplateGeneration), check.Limit)
}

// Flushing the same snapshot twice leaves the ledger row unchanged after the
// first flush.
func TestSyncIdempotent(t *testing.T) {
	t.Parallel()

	ledger := quota.NewMemoryLedger()
	userID := uuid.New()

	row := quota.NewQuotaRow(userID, plan.DefaultCatalog()[plan.Starter], testNow)
	_, err := ledger.Create(context.Background(), row)
	require.NoError(t, err)

	counter := row.Usage[plan.UsageTemplateGeneration]
	counter.Used = 7
	row.Usage[plan.UsageTemplateGeneration] = counter
	row.LastSyncedAt = testNow

	require.NoError(t, ledger.Sync(context.Background(), row))
	first, err := ledger.FindCurrent(context.Background(), userID, testNow)
	require.NoError(t, err)

	require.NoError(t, ledger.Sync(context.Background(), row))
	second, err := ledger.FindCurrent(context.Background(), userID, testNow)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.EqualValues(t, 7, second.CounterFor(plan.UsageTemplateGeneration).Used)
}

func TestGetPlanLimits(t *testing.T) {
	t.Parallel()

	t.Run("trial user gets trial limits, never premium", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		userID := uuid.New()

		// Trialing the scale plan, which normally has premium entitlements.
		sub := &subscription.Subscription{UserID: userID, Plan: plan.Scale}
		sub.StartTrial(testNow)
		require.NoError(t, f.subs.Save(context.Background(), sub))

		limits, err := f.engine.GetPlanLimits(context.Background(), userID)
		require.NoError(t, err)

		assert.EqualValues(t, 5, limits.LimitFor(plan.UsageTemplateGeneration))
		assert.False(t, limits.PremiumModels)
		assert.False(t, limits.PriorityQueue)
	})

	t.Run("paid user gets the plan entitlements", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		userID := f.addPaidUser(t, plan.Scale)

		limits, err := f.engine.GetPlanLimits(context.Background(), userID)
		require.NoError(t, err)

		assert.True(t, limits.PremiumModels)
		assert.True(t, limits.PriorityQueue)
	})

	t.Run("resolved limits are cached", func(t *testing.T) {
		t.Parallel()

		cache := newFakeCache()
		f := newFixture(t, quota.WithCache(cache))
		userID := f.addPaidUser(t, plan.Pro)

		_, err := f.engine.GetPlanLimits(context.Background(), userID)
		require.NoError(t, err)

		// Plan change without cache invalidation: the stale entry is served
		// until its TTL, by design of the plan-limits cache.
		sub, err := f.subs.Get(context.Background(), userID)
		require.NoError(t, err)
		sub.Plan = plan.Starter
		require.NoError(t, f.subs.Save(context.Background(), sub))

		limits, err := f.engine.GetPlanLimits(context.Background(), userID)
		require.NoError(t, err)
		assert.Equal(t, plan.Pro, limits.Plan)
	})
}

func TestGetUserUsageStats(t *testing.T) {
	t.Parallel()

	t.Run("paid user", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		userID := f.addPaidUser(t, plan.Pro)

		_, err := f.engine.IncrementUsage(context.Background(), userID, plan.UsageTemplateGeneration, 3)
		require.NoError(t, err)

		stats, err := f.engine.GetUserUsageStats(context.Background(), userID)
		require.NoError(t, err)

		assert.Nil(t, stats.Trial)
		require.NotNil(t, stats.Quota)
		assert.EqualValues(t, 3, stats.TemplateUsage.Used)
		assert.EqualValues(t, 0, stats.ImageUsage.Used)
		assert.Equal(t, plan.Pro, stats.Limits.Plan)
	})

	t.Run("trial user", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		userID := uuid.New()

		sub := &subscription.Subscription{UserID: userID, Plan: plan.Pro}
		sub.StartTrial(testNow)
		require.NoError(t, f.subs.Save(context.Background(), sub))

		stats, err := f.engine.GetUserUsageStats(context.Background(), userID)
		require.NoError(t, err)

		require.NotNil(t, stats.Trial)
		assert.Nil(t, stats.Quota)
		assert.True(t, stats.TemplateUsage.IsTrialUser)
		assert.EqualValues(t, 5, stats.TemplateUsage.Limit)
	})
}

func TestCachePopulationAfterMiss(t *testing.T) {
	t.Parallel()

	cache := newFakeCache()
	f := newFixture(t, quota.WithCache(cache))
	userID := f.addPaidUser(t, plan.Starter)

	_, err := f.engine.CheckUsageLimit(context.Background(), userID, plan.UsageTemplateGeneration, 1)
	require.NoError(t, err)

	key := "quota:usage:" + userID.String() + ":" + period.Key(testNow)
	assert.True(t, cache.has(key))
}
