// Package storage implements the layered key/value persistence used by the
// auth engine: a durable Redis tier, a local on-disk Badger tier and a
// capped in-memory tier, tried in priority order for both reads and writes.
package storage

import (
	"context"
	"strings"
	"time"
)

// Persisted key namespace. These names are stable for interoperability with
// other consumers of the same stores.
const (
	KeySession         = "auth.session"
	KeySessionBackup   = "auth.session.backup"
	KeyUser            = "auth.user"
	KeyUserMinimal     = "auth.user.minimal"
	KeyMetadata        = "auth.metadata"
	KeyNetworkState    = "network.cachedState"
	ServiceCachePrefix = "service_cache_"
)

// namespacePrefixes are the prefixes Clear is allowed to touch. Anything
// else in a shared store belongs to someone else.
var namespacePrefixes = []string{"auth.", "network.", ServiceCachePrefix}

// nonEssentialKeys are purged once when a durable-tier write hits a quota
// error, to make room for session artifacts.
var nonEssentialKeys = []string{KeyNetworkState, KeyUserMinimal}

// InNamespace reports whether key belongs to the engine's namespace.
func InNamespace(key string) bool {
	for _, p := range namespacePrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// Tier is a single storage layer. Implementations: redisTier, badgerTier,
// memoryTier.
type Tier interface {
	Name() string

	// Get returns (value, true, nil) on a hit and ("", false, nil) on a miss.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores the value; ttl == 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	Remove(ctx context.Context, key string) error

	// Keys lists stored keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// quotaPatterns identify capacity failures that justify a purge-and-retry
// before falling through to the next tier.
var quotaPatterns = []string{
	"oom command not allowed", // redis maxmemory
	"txn is too big",          // badger
	"no space left on device",
	"quota",
}

// IsQuotaError reports whether err looks like a storage capacity failure.
func IsQuotaError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range quotaPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
