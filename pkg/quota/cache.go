package quota

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CacheBackend is the optional key-value layer in front of the ledger.
// A nil CacheBackend means "cache disabled": every operation degrades to the
// durable store. Implementations must return ErrCacheMiss for absent keys;
// any other error is treated as a miss by the engine, never surfaced to the
// caller.
type CacheBackend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores the value until expireAt. A zero expireAt means no expiry.
	Set(ctx context.Context, key string, value []byte, expireAt time.Time) error
	Delete(ctx context.Context, key string) error
}

// snapshotVersion guards the cached JSON schema. A version mismatch (e.g. a
// deploy added a usage type) makes the engine discard the snapshot and
// re-derive from the ledger instead of silently misreading it.
const snapshotVersion = 1

// cachedSnapshot is the cache's copy of a ledger row plus the engine's
// flush bookkeeping. It is a disposable replica: losing it costs one extra
// database round trip, never correctness.
type cachedSnapshot struct {
	Version   int         `json:"v"`
	Quota     *UsageQuota `json:"quota"`
	SinceSync int64       `json:"since_sync"` // increments since the last ledger flush
}

func encodeSnapshot(snap *cachedSnapshot) ([]byte, error) {
	return json.Marshal(snap)
}

func decodeSnapshot(raw []byte) (*cachedSnapshot, bool) {
	var snap cachedSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, false
	}
	// A snapshot without its counters map cannot serve increments; treat it
	// as unreadable so the caller re-derives from the ledger.
	if snap.Version != snapshotVersion || snap.Quota == nil || snap.Quota.Usage == nil {
		return nil, false
	}
	return &snap, true
}

func usageCacheKey(userID uuid.UUID, periodKey string) string {
	return "quota:usage:" + userID.String() + ":" + periodKey
}

func limitsCacheKey(userID uuid.UUID) string {
	return "quota:limits:" + userID.String()
}
