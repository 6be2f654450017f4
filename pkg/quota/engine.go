package quota

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/quotakit/pkg/period"
	"github.com/dmitrymomot/quotakit/pkg/plan"
	"github.com/dmitrymomot/quotakit/pkg/subscription"
)

// Service is the public interface of the quota engine.
//
// CheckUsageLimit is advisory and read-only; IncrementUsage is the
// authoritative gate. Callers must be prepared for an increment to fail with
// a QuotaExceededError even right after a successful check: the check grants
// no reservation, and a concurrent request may spend the quota in between.
type Service interface {
	// CheckUsageLimit reports whether amount more units of the given usage
	// type would fit in the user's current allowance. Never mutates state.
	CheckUsageLimit(ctx context.Context, userID uuid.UUID, usageType plan.UsageType, amount int64) (UsageCheckResult, error)

	// IncrementUsage records amount units against the user's allowance and
	// returns the new used count. Returns a QuotaExceededError on overage
	// (nothing is written in that case) and fails closed on ledger errors.
	IncrementUsage(ctx context.Context, userID uuid.UUID, usageType plan.UsageType, amount int64) (int64, error)

	// GetPlanLimits resolves the user's effective entitlements for UI and
	// feature gating (premium models, priority queue).
	GetPlanLimits(ctx context.Context, userID uuid.UUID) (plan.Limits, error)

	// GetUserUsageStats aggregates trial state, the current ledger row, and
	// per-type usage for account dashboards.
	GetUserUsageStats(ctx context.Context, userID uuid.UUID) (UsageStats, error)
}

// Option configures the engine.
type Option func(*service)

// WithCache sets the optional cache backend. A nil backend keeps the cache
// disabled and every path goes straight to the ledger.
func WithCache(cache CacheBackend) Option {
	return func(s *service) { s.cache = cache }
}

// WithCatalog overrides the default plan catalog.
func WithCatalog(catalog plan.Catalog) Option {
	return func(s *service) {
		if catalog != nil {
			s.catalog = catalog
		}
	}
}

// WithConfig overrides the default tunables.
func WithConfig(cfg Config) Option {
	return func(s *service) { s.cfg = cfg.normalize() }
}

// WithLogger sets the logger used for cache degradation and sync failures.
func WithLogger(log *slog.Logger) Option {
	return func(s *service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock injects a clock, used by tests to pin period boundaries.
func WithClock(now func() time.Time) Option {
	return func(s *service) {
		if now != nil {
			s.now = now
			s.trialOpts = append(s.trialOpts, subscription.WithTrialClock(now))
		}
	}
}

// WithUpgradeURL sets the upgrade affordance attached to denials.
func WithUpgradeURL(url string) Option {
	return func(s *service) { s.upgradeURL = url }
}

// WithTrialLimits overrides the fixed trial allowance.
func WithTrialLimits(limits plan.Limits) Option {
	return func(s *service) {
		s.trialOpts = append(s.trialOpts, subscription.WithTrialLimits(limits))
	}
}

type service struct {
	ledger     LedgerStore
	subs       subscription.Store
	trial      *subscription.TrialService
	trialOpts  []subscription.TrialServiceOption
	catalog    plan.Catalog
	cache      CacheBackend
	cfg        Config
	log        *slog.Logger
	now        func() time.Time
	upgradeURL string

	// syncHook observes the outcome of asynchronous ledger flushes. Tests
	// use it to wait for the flush; production leaves it nil.
	syncHook func(error)
}

// NewEngine creates the quota engine. Panics on nil required dependencies to
// fail fast during initialization.
func NewEngine(ledger LedgerStore, subs subscription.Store, opts ...Option) (Service, error) {
	if ledger == nil {
		panic("quota: LedgerStore is required")
	}
	if subs == nil {
		panic("quota: subscription.Store is required")
	}

	s := &service{
		ledger:  ledger,
		subs:    subs,
		catalog: plan.DefaultCatalog(),
		cfg:     DefaultConfig(),
		log:     slog.New(slog.DiscardHandler),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.catalog.Validate(); err != nil {
		return nil, err
	}

	s.trial = subscription.NewTrialService(subs, s.trialOpts...)
	return s, nil
}

// CheckUsageLimit routes to trial logic when a trial is active (trial and
// paid usage are mutually exclusive per user at any instant), otherwise reads
// the current period quota through the cache-aside layer.
func (s *service) CheckUsageLimit(ctx context.Context, userID uuid.UUID, usageType plan.UsageType, amount int64) (UsageCheckResult, error) {
	if !usageType.Valid() {
		return UsageCheckResult{}, ErrInvalidUsageType
	}
	if amount <= 0 {
		return UsageCheckResult{}, ErrInvalidAmount
	}

	check, err := s.trial.CheckUsage(ctx, userID, usageType, amount)
	if err == nil {
		return UsageCheckResult{
			Allowed:     check.Allowed,
			Used:        check.Used,
			Limit:       check.Limit,
			Remaining:   check.Remaining,
			Percentage:  check.Percentage,
			ResetDate:   check.ResetDate,
			IsTrialUser: true,
		}, nil
	}
	if !errors.Is(err, subscription.ErrNoActiveTrial) {
		return UsageCheckResult{}, err
	}

	row, _, err := s.getCurrentQuota(ctx, userID)
	if err != nil {
		return UsageCheckResult{}, err
	}

	counter := row.CounterFor(usageType)
	return UsageCheckResult{
		Allowed:    counter.Used+amount <= counter.Limit,
		Used:       counter.Used,
		Limit:      counter.Limit,
		Remaining:  max(0, counter.Limit-counter.Used),
		Percentage: usagePercentage(counter.Used, counter.Limit),
		ResetDate:  row.PeriodEnd,
	}, nil
}

// IncrementUsage commits usage. Trial increments go through the subscription
// store's atomic primitive; paid increments take the cached fast path with
// reject-before-write, falling back to the ledger's atomic conditional
// update whenever the cache cannot serve.
func (s *service) IncrementUsage(ctx context.Context, userID uuid.UUID, usageType plan.UsageType, amount int64) (int64, error) {
	if !usageType.Valid() {
		return 0, ErrInvalidUsageType
	}
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	newUsed, err := s.trial.IncrementUsage(ctx, userID, usageType, amount)
	switch {
	case err == nil:
		return newUsed, nil
	case errors.Is(err, subscription.ErrTrialLimitReached):
		var limitErr *subscription.TrialLimitError
		errors.As(err, &limitErr)
		return 0, &QuotaExceededError{
			Code:       CodeTrialLimitReached,
			UsageType:  usageType,
			Limit:      limitErr.Limit,
			Remaining:  0,
			ResetDate:  limitErr.ResetDate,
			UpgradeURL: s.upgradeURL,
		}
	case errors.Is(err, subscription.ErrNoActiveTrial):
		// Trial ended or converted, possibly mid-flight; the cached plan
		// limits are stale now.
		s.invalidateLimitsCache(ctx, userID)
	default:
		// Subscription store unreachable: fail closed, never grant unmetered
		// usage.
		return 0, err
	}

	if newUsed, ok, err := s.incrementCached(ctx, userID, usageType, amount); ok {
		return newUsed, err
	}

	return s.incrementLedger(ctx, userID, usageType, amount)
}

// incrementCached attempts the cache fast path. The boolean reports whether
// the cache served the increment (or produced a denial); false means the
// caller must take the ledger path.
func (s *service) incrementCached(ctx context.Context, userID uuid.UUID, usageType plan.UsageType, amount int64) (int64, bool, error) {
	if s.cache == nil {
		return 0, false, nil
	}

	now := s.now()
	key := usageCacheKey(userID, period.Key(now))

	raw, err := s.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			s.log.WarnContext(ctx, "quota cache read failed, degrading to ledger",
				slog.String("user_id", userID.String()), slog.Any("error", err))
		}
		return 0, false, nil
	}

	snap, ok := decodeSnapshot(raw)
	if !ok {
		// Unknown schema version: re-derive from the ledger rather than
		// guessing at the payload.
		return 0, false, nil
	}

	counter := snap.Quota.CounterFor(usageType)
	newUsed := counter.Used + amount
	if newUsed > counter.Limit {
		// Reject before writing anything.
		return 0, true, &QuotaExceededError{
			Code:       CodeQuotaExceeded,
			UsageType:  usageType,
			Limit:      counter.Limit,
			Remaining:  0,
			ResetDate:  snap.Quota.PeriodEnd,
			UpgradeURL: s.upgradeURL,
		}
	}

	counter.Used = newUsed
	snap.Quota.Usage[usageType] = counter
	snap.SinceSync++

	flush := snap.SinceSync >= s.cfg.SyncThreshold
	if flush {
		snap.SinceSync = 0
		snap.Quota.LastSyncedAt = now
	}

	// Between flushes the cache write is the provisionally authoritative
	// record, so its failure sends us to the ledger path instead of silently
	// dropping the increment.
	if err := s.writeSnapshot(ctx, snap, now); err != nil {
		s.log.WarnContext(ctx, "quota cache write failed, degrading to ledger",
			slog.String("user_id", userID.String()), slog.Any("error", err))
		return 0, false, nil
	}

	if flush {
		s.flushAsync(ctx, cloneRow(snap.Quota))
	}

	return newUsed, true, nil
}

// flushAsync pushes the counters to the ledger off the request path.
// Failures are logged and observed by the sync hook only; the request that
// triggered the flush never sees them.
func (s *service) flushAsync(ctx context.Context, row *UsageQuota) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.SyncTimeout)
		defer cancel()

		err := s.ledger.Sync(ctx, row)
		if err != nil {
			s.log.ErrorContext(ctx, "usage ledger sync failed",
				slog.String("user_id", row.UserID.String()),
				slog.String("period", row.PeriodKey),
				slog.Any("error", err))
		}
		if s.syncHook != nil {
			s.syncHook(err)
		}
	}()
}

// incrementLedger is the durable fallback path: same rejection condition and
// final counter value as the cached path, via the store's atomic conditional
// update.
func (s *service) incrementLedger(ctx context.Context, userID uuid.UUID, usageType plan.UsageType, amount int64) (int64, error) {
	now := s.now()

	row, err := s.ensureRow(ctx, userID, now)
	if err != nil {
		return 0, err
	}

	newUsed, err := s.ledger.IncrementWithCeiling(ctx, userID, row.PeriodKey, usageType, amount)
	if err != nil {
		if errors.Is(err, ErrConditionNotMatched) {
			counter := row.CounterFor(usageType)
			return 0, &QuotaExceededError{
				Code:       CodeQuotaExceeded,
				UsageType:  usageType,
				Limit:      counter.Limit,
				Remaining:  0,
				ResetDate:  row.PeriodEnd,
				UpgradeURL: s.upgradeURL,
			}
		}
		return 0, err
	}

	// The cached snapshot, if any, is stale now; drop it so the next read
	// re-derives from the ledger.
	if s.cache != nil {
		if err := s.cache.Delete(ctx, usageCacheKey(userID, row.PeriodKey)); err != nil {
			s.log.DebugContext(ctx, "failed to drop stale usage snapshot", slog.Any("error", err))
		}
	}

	return newUsed, nil
}

// GetPlanLimits resolves the user's effective entitlements.
func (s *service) GetPlanLimits(ctx context.Context, userID uuid.UUID) (plan.Limits, error) {
	limits, _, err := s.resolveLimits(ctx, userID)
	return limits, err
}

// GetUserUsageStats aggregates trial state, quota row, and per-type usage.
func (s *service) GetUserUsageStats(ctx context.Context, userID uuid.UUID) (UsageStats, error) {
	stats := UsageStats{}

	trialSub, err := s.trial.GetActiveTrial(ctx, userID)
	switch {
	case err == nil:
		stats.Trial = trialSub
		stats.Limits = s.trial.Limits()
	case errors.Is(err, subscription.ErrNoActiveTrial):
		limits, _, err := s.resolveLimits(ctx, userID)
		if err != nil {
			return UsageStats{}, err
		}
		stats.Limits = limits

		row, _, err := s.getCurrentQuota(ctx, userID)
		if err != nil {
			return UsageStats{}, err
		}
		stats.Quota = row
	default:
		return UsageStats{}, err
	}

	stats.TemplateUsage, err = s.CheckUsageLimit(ctx, userID, plan.UsageTemplateGeneration, 1)
	if err != nil {
		return UsageStats{}, err
	}
	stats.ImageUsage, err = s.CheckUsageLimit(ctx, userID, plan.UsageImageGeneration, 1)
	if err != nil {
		return UsageStats{}, err
	}

	return stats, nil
}

// cachedLimits is the short-TTL cached form of a resolved plan/trial combo.
// Purely a read optimization; correctness only requires eventual consistency
// within its TTL.
type cachedLimits struct {
	Version int         `json:"v"`
	IsTrial bool        `json:"is_trial"`
	Limits  plan.Limits `json:"limits"`
}

// resolveLimits determines the user's effective entitlements: active trial
// first (fixed trial allowance, never premium), then the subscription's plan,
// then the default tier when no subscription exists.
func (s *service) resolveLimits(ctx context.Context, userID uuid.UUID) (plan.Limits, bool, error) {
	if s.cache != nil {
		if raw, err := s.cache.Get(ctx, limitsCacheKey(userID)); err == nil {
			var entry cachedLimits
			if jsonErr := json.Unmarshal(raw, &entry); jsonErr == nil && entry.Version == snapshotVersion {
				return entry.Limits, entry.IsTrial, nil
			}
		}
	}

	var limits plan.Limits
	var isTrial bool

	_, err := s.trial.GetActiveTrial(ctx, userID)
	switch {
	case err == nil:
		limits = s.trial.Limits()
		isTrial = true
	case errors.Is(err, subscription.ErrNoActiveTrial):
		sub, err := s.subs.Get(ctx, userID)
		switch {
		case err == nil:
			limits, err = s.catalog.Resolve(sub.Plan)
			if err != nil {
				return plan.Limits{}, false, err
			}
		case errors.Is(err, subscription.ErrSubscriptionNotFound):
			limits, err = s.catalog.Resolve(plan.DefaultName)
			if err != nil {
				return plan.Limits{}, false, err
			}
		default:
			return plan.Limits{}, false, err
		}
	default:
		return plan.Limits{}, false, err
	}

	s.cacheLimits(ctx, userID, limits, isTrial)
	return limits, isTrial, nil
}

func (s *service) cacheLimits(ctx context.Context, userID uuid.UUID, limits plan.Limits, isTrial bool) {
	if s.cache == nil {
		return
	}

	ttl := s.cfg.PlanCacheTTL
	if isTrial {
		ttl = s.cfg.TrialPlanCacheTTL
	}

	raw, err := json.Marshal(cachedLimits{Version: snapshotVersion, IsTrial: isTrial, Limits: limits})
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, limitsCacheKey(userID), raw, s.now().Add(ttl)); err != nil {
		s.log.DebugContext(ctx, "failed to cache plan limits", slog.Any("error", err))
	}
}

func (s *service) invalidateLimitsCache(ctx context.Context, userID uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, limitsCacheKey(userID)); err != nil {
		s.log.DebugContext(ctx, "failed to invalidate plan limits cache", slog.Any("error", err))
	}
}

// getCurrentQuota is the cache-aside read: snapshot on hit, ledger on miss
// with lazy row creation and best-effort cache population. Cache failures
// degrade to the ledger and are never surfaced.
func (s *service) getCurrentQuota(ctx context.Context, userID uuid.UUID) (*UsageQuota, *cachedSnapshot, error) {
	now := s.now()

	if s.cache != nil {
		raw, err := s.cache.Get(ctx, usageCacheKey(userID, period.Key(now)))
		if err == nil {
			if snap, ok := decodeSnapshot(raw); ok {
				return snap.Quota, snap, nil
			}
		} else if !errors.Is(err, ErrCacheMiss) {
			s.log.WarnContext(ctx, "quota cache read failed, degrading to ledger",
				slog.String("user_id", userID.String()), slog.Any("error", err))
		}
	}

	row, err := s.ensureRow(ctx, userID, now)
	if err != nil {
		return nil, nil, err
	}

	snap := &cachedSnapshot{Version: snapshotVersion, Quota: row, SinceSync: 0}
	if err := s.writeSnapshot(ctx, snap, now); err != nil {
		s.log.DebugContext(ctx, "failed to populate usage snapshot cache", slog.Any("error", err))
	}

	return row, nil, nil
}

// ensureRow reads the current period's ledger row, creating it lazily with
// limits snapshotted from the resolved plan.
func (s *service) ensureRow(ctx context.Context, userID uuid.UUID, now time.Time) (*UsageQuota, error) {
	row, err := s.ledger.FindCurrent(ctx, userID, now)
	if err == nil {
		return row, nil
	}
	if !errors.Is(err, ErrQuotaNotFound) {
		return nil, err
	}

	limits, _, err := s.resolveLimits(ctx, userID)
	if err != nil {
		return nil, err
	}

	return s.ledger.Create(ctx, NewQuotaRow(userID, limits, now))
}

func (s *service) writeSnapshot(ctx context.Context, snap *cachedSnapshot, now time.Time) error {
	if s.cache == nil {
		return nil
	}
	raw, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	expireAt := time.Unix(period.EndOfPeriodUnix(now, s.cfg.GraceBuffer), 0)
	return s.cache.Set(ctx, usageCacheKey(snap.Quota.UserID, snap.Quota.PeriodKey), raw, expireAt)
}
