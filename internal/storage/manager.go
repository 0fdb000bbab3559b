package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SetOptions controls where and how long a value is stored.
type SetOptions struct {
	// TTL of 0 means no expiry.
	TTL time.Duration
	// PreferMemory skips the durable tiers and writes straight to memory,
	// for values that must never hit shared storage.
	PreferMemory bool
}

// TierDiagnostics describes the health of one tier.
type TierDiagnostics struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
	KeyCount  int    `json:"key_count"`
	Error     string `json:"error,omitempty"`
}

// Manager is the layered storage facade. Reads and writes walk the tier list
// in priority order; reads never return errors (a failing tier is logged and
// treated as a miss).
type Manager struct {
	tiers []Tier

	purgeMu   sync.Mutex
	purgeDone bool
}

// NewManager creates a manager over the given tiers, highest priority first.
func NewManager(tiers ...Tier) *Manager {
	return &Manager{tiers: tiers}
}

// Get returns the first hit walking the tiers in priority order.
func (m *Manager) Get(ctx context.Context, key string) (string, bool) {
	for _, tier := range m.tiers {
		value, ok, err := tier.Get(ctx, key)
		if err != nil {
			slog.Warn("Storage tier read failed, treating as miss",
				"tier", tier.Name(), "key", key, "error", err)
			continue
		}
		if ok {
			return value, true
		}
	}
	return "", false
}

// Set writes to the highest-priority tier that accepts the value. A quota
// error on a tier triggers a one-time purge of non-essential keys and a
// single retry before falling through to the next tier.
func (m *Manager) Set(ctx context.Context, key, value string, opts SetOptions) error {
	tiers := m.tiers
	if opts.PreferMemory {
		tiers = m.tiers[len(m.tiers)-1:]
	}

	var lastErr error
	for i, tier := range tiers {
		err := tier.Set(ctx, key, value, opts.TTL)
		if err == nil {
			return nil
		}

		if IsQuotaError(err) && m.purgeNonEssential(ctx, tier) {
			if retryErr := tier.Set(ctx, key, value, opts.TTL); retryErr == nil {
				return nil
			}
		}

		lastErr = err
		if i+1 < len(tiers) {
			slog.Warn("Storage tier write failed, falling through",
				"tier", tier.Name(), "next", tiers[i+1].Name(), "key", key, "error", err)
			recordFallback(tier.Name(), tiers[i+1].Name())
		}
	}
	return lastErr
}

// Remove deletes the key from every tier, best-effort.
func (m *Manager) Remove(ctx context.Context, key string) {
	for _, tier := range m.tiers {
		if err := tier.Remove(ctx, key); err != nil {
			slog.Warn("Storage tier remove failed",
				"tier", tier.Name(), "key", key, "error", err)
		}
	}
}

// Clear removes every key under the engine's recognized namespace prefixes
// from every tier, leaving unrelated data untouched.
func (m *Manager) Clear(ctx context.Context) {
	for _, tier := range m.tiers {
		for _, prefix := range namespacePrefixes {
			keys, err := tier.Keys(ctx, prefix)
			if err != nil {
				slog.Warn("Storage tier key scan failed during clear",
					"tier", tier.Name(), "prefix", prefix, "error", err)
				continue
			}
			for _, key := range keys {
				if !InNamespace(key) {
					continue
				}
				if err := tier.Remove(ctx, key); err != nil {
					slog.Warn("Storage tier remove failed during clear",
						"tier", tier.Name(), "key", key, "error", err)
				}
			}
		}
	}
}

// KeysAcrossTiers returns the union of namespaced keys with the prefix,
// across all tiers. Used by the session validator's consistency scan.
func (m *Manager) KeysAcrossTiers(ctx context.Context, prefix string) []string {
	seen := make(map[string]struct{})
	var keys []string
	for _, tier := range m.tiers {
		tierKeys, err := tier.Keys(ctx, prefix)
		if err != nil {
			slog.Warn("Storage tier key scan failed",
				"tier", tier.Name(), "prefix", prefix, "error", err)
			continue
		}
		for _, k := range tierKeys {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	return keys
}

// Diagnostics probes each tier with a scan and reports availability.
func (m *Manager) Diagnostics(ctx context.Context) []TierDiagnostics {
	diags := make([]TierDiagnostics, 0, len(m.tiers))
	for _, tier := range m.tiers {
		d := TierDiagnostics{Name: tier.Name(), Available: true}
		keys, err := tier.Keys(ctx, "auth.")
		if err != nil {
			d.Available = false
			d.Error = err.Error()
		} else {
			d.KeyCount = len(keys)
		}
		diags = append(diags, d)
	}
	return diags
}

func (m *Manager) purgeNonEssential(ctx context.Context, tier Tier) bool {
	m.purgeMu.Lock()
	defer m.purgeMu.Unlock()
	if m.purgeDone {
		return false
	}
	m.purgeDone = true

	slog.Warn("Storage quota reached, purging non-essential keys", "tier", tier.Name())
	recordQuotaPurge()

	for _, key := range nonEssentialKeys {
		_ = tier.Remove(ctx, key)
	}
	cacheKeys, err := tier.Keys(ctx, ServiceCachePrefix)
	if err == nil {
		for _, key := range cacheKeys {
			_ = tier.Remove(ctx, key)
		}
	}
	return true
}
