package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/openparish/parishd/internal/domain"
	apperrors "github.com/openparish/parishd/internal/errors"
	"github.com/openparish/parishd/internal/metrics"
	"github.com/openparish/parishd/internal/storage"
)

// OfflineMaxAge bounds how stale an offline cache entry may be before the
// pipeline refuses to serve it.
const OfflineMaxAge = 5 * time.Minute

// SessionFallback supplies cached or restorable session state to the auth
// fallback chain. The session package provides the production implementation.
type SessionFallback interface {
	// CachedState returns a fresh cached session snapshot, if any.
	CachedState(ctx context.Context) (*domain.CachedSessionState, bool)
	// RestoreSession attempts a genuine session restore against the backend.
	RestoreSession(ctx context.Context) (*domain.CachedSessionState, error)
}

// Degrader produces a reduced-functionality result for an operation class.
// The classified failure is passed in so a degrader can decline (ok=false)
// for terminal classes.
type Degrader func(ctx context.Context, err *apperrors.Error) (any, bool)

// Request describes one recovery-wrapped operation.
type Request struct {
	// OperationID keys the cancellation registry. Empty disables Abort.
	OperationID string
	Class       OperationClass
	// CacheKey enables the offline cache layer: successes are written under
	// it and, when all else fails, a fresh enough entry is served back.
	CacheKey string
	// UseSessionFallback runs the auth fallback chain before the offline
	// cache layer.
	UseSessionFallback bool
	Op                 Operation[any]
	// Fallbacks are tried in order after cache and restore, each producing a
	// limited result.
	Fallbacks []Operation[any]
}

// Orchestrator runs operations through the layered recovery pipeline:
// retries, session fallback, offline cache, degradation, failure.
type Orchestrator struct {
	clock    clockwork.Clock
	store    *storage.Manager
	sessions SessionFallback

	mu       sync.Mutex
	inflight map[string]context.CancelFunc

	degradeMu sync.RWMutex
	degraders map[OperationClass]Degrader
}

// NewOrchestrator creates an orchestrator. sessions may be nil when no auth
// fallback chain is wanted.
func NewOrchestrator(store *storage.Manager, sessions SessionFallback, clock clockwork.Clock) *Orchestrator {
	o := &Orchestrator{
		clock:    clock,
		store:    store,
		sessions: sessions,
		inflight: make(map[string]context.CancelFunc),
		degraders: map[OperationClass]Degrader{
			OpAuth:     degradeUnauthenticated,
			OpDatabase: degradeEmpty,
			OpNetwork:  degradeEmpty,
			OpUI:       degradeEmpty,
			OpSystem:   degradeEmpty,
		},
	}
	return o
}

// degradeEmpty turns a connectivity failure into a limited result with no
// data; auth, corruption and unknown failures surface to the caller.
func degradeEmpty(_ context.Context, err *apperrors.Error) (any, bool) {
	return nil, err.Class.Transient()
}

// degradeUnauthenticated is the auth default: with every session source
// exhausted, the caller continues as a degraded unauthenticated user.
func degradeUnauthenticated(_ context.Context, err *apperrors.Error) (any, bool) {
	if !err.Class.Transient() {
		return nil, false
	}
	return &domain.AuthState{Status: domain.StatusUnauthenticated, Degraded: true}, true
}

// RegisterDegrader installs (or replaces) the degradation handler for an
// operation class.
func (o *Orchestrator) RegisterDegrader(class OperationClass, d Degrader) {
	o.degradeMu.Lock()
	defer o.degradeMu.Unlock()
	o.degraders[class] = d
}

// Abort cancels the in-flight operation with the given id. Unknown or
// already-completed ids are a no-op.
func (o *Orchestrator) Abort(operationID string) {
	o.mu.Lock()
	cancel, ok := o.inflight[operationID]
	o.mu.Unlock()
	if !ok {
		return
	}
	metrics.OperationsAborted.Inc()
	cancel()
}

// AbortAll cancels every in-flight operation.
func (o *Orchestrator) AbortAll() {
	o.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(o.inflight))
	for _, c := range o.inflight {
		cancels = append(cancels, c)
	}
	o.mu.Unlock()
	for _, c := range cancels {
		metrics.OperationsAborted.Inc()
		c()
	}
}

// Execute runs req.Op through the pipeline and always returns a terminal
// RecoveryResult; it never panics on behalf of the operation.
func (o *Orchestrator) Execute(ctx context.Context, req Request) domain.RecoveryResult {
	if req.OperationID != "" {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		o.mu.Lock()
		o.inflight[req.OperationID] = cancel
		o.mu.Unlock()
		defer func() {
			o.mu.Lock()
			delete(o.inflight, req.OperationID)
			o.mu.Unlock()
			cancel()
		}()
	}

	val, attempts, err := DoClass(ctx, o.clock, req.Class, req.Op)
	if err == nil {
		o.cacheResult(ctx, req.CacheKey, val)
		// A clean first attempt carries no recovery method: only a success
		// that needed retries counts as recovered.
		var method domain.RecoveryMethod
		outcome := "primary"
		if attempts > 1 {
			method = domain.MethodRetry
			outcome = "retry"
		}
		o.recordOutcome(req.Class, outcome)
		return domain.RecoveryResult{
			Success:      true,
			Data:         val,
			Method:       method,
			AttemptsUsed: attempts,
		}
	}

	classified := apperrors.As(err)
	if isCancelled(err) {
		o.recordOutcome(req.Class, "aborted")
		return domain.RecoveryResult{Success: false, Err: err, AttemptsUsed: attempts}
	}

	slog.Warn("Operation failed after retries, entering recovery pipeline",
		"operation_id", req.OperationID, "class", req.Class,
		"error_class", classified.Class, "attempts", attempts)

	if req.UseSessionFallback {
		if result, ok := o.sessionFallback(ctx, req, attempts); ok {
			return result
		}
	}

	if result, ok := o.offlineCache(ctx, req, attempts); ok {
		return result
	}

	if result, ok := o.degrade(ctx, req, classified, attempts); ok {
		return result
	}

	o.recordOutcome(req.Class, "failed")
	return domain.RecoveryResult{Success: false, Err: classified, AttemptsUsed: attempts}
}

// sessionFallback walks the auth fallback chain: cached snapshot first, then
// a genuine backend restore, then any registered fallback procedures. Only a
// genuine restore yields an unlimited result.
func (o *Orchestrator) sessionFallback(ctx context.Context, req Request, attempts int) (domain.RecoveryResult, bool) {
	if o.sessions != nil {
		if cached, ok := o.sessions.CachedState(ctx); ok {
			o.recordOutcome(req.Class, "fallback")
			return domain.RecoveryResult{
				Success:      true,
				Data:         cached,
				Method:       domain.MethodFallback,
				AttemptsUsed: attempts,
				FallbackUsed: true,
				Limited:      true,
			}, true
		}

		restored, err := o.sessions.RestoreSession(ctx)
		if err == nil && restored != nil {
			o.recordOutcome(req.Class, "fallback")
			return domain.RecoveryResult{
				Success:      true,
				Data:         restored,
				Method:       domain.MethodFallback,
				AttemptsUsed: attempts,
				FallbackUsed: true,
			}, true
		}
		if err != nil {
			slog.Debug("Session restore failed during fallback", "error", err)
		}
	}

	for _, fallback := range req.Fallbacks {
		val, err := fallback(ctx)
		if err != nil {
			continue
		}
		o.recordOutcome(req.Class, "fallback")
		return domain.RecoveryResult{
			Success:      true,
			Data:         val,
			Method:       domain.MethodFallback,
			AttemptsUsed: attempts,
			FallbackUsed: true,
			Limited:      true,
		}, true
	}

	return domain.RecoveryResult{}, false
}

type offlineEntry struct {
	Data     json.RawMessage `json:"data"`
	CachedAt time.Time       `json:"cached_at"`
}

func (o *Orchestrator) cacheResult(ctx context.Context, cacheKey string, val any) {
	if cacheKey == "" || val == nil {
		return
	}
	data, err := json.Marshal(val)
	if err != nil {
		return
	}
	entry, err := json.Marshal(offlineEntry{Data: data, CachedAt: o.clock.Now()})
	if err != nil {
		return
	}
	key := storage.ServiceCachePrefix + cacheKey
	if err := o.store.Set(ctx, key, string(entry), storage.SetOptions{TTL: OfflineMaxAge}); err != nil {
		slog.Debug("Failed to write offline cache entry", "key", key, "error", err)
	}
}

// offlineCache serves the last successful result if it is fresh enough.
func (o *Orchestrator) offlineCache(ctx context.Context, req Request, attempts int) (domain.RecoveryResult, bool) {
	if req.CacheKey == "" {
		return domain.RecoveryResult{}, false
	}

	raw, ok := o.store.Get(ctx, storage.ServiceCachePrefix+req.CacheKey)
	if !ok {
		return domain.RecoveryResult{}, false
	}

	var entry offlineEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return domain.RecoveryResult{}, false
	}
	if o.clock.Now().Sub(entry.CachedAt) > OfflineMaxAge {
		return domain.RecoveryResult{}, false
	}

	o.recordOutcome(req.Class, "offline")
	return domain.RecoveryResult{
		Success:      true,
		Data:         entry.Data,
		Method:       domain.MethodOffline,
		AttemptsUsed: attempts,
		OfflineMode:  true,
		Limited:      true,
	}, true
}

func (o *Orchestrator) degrade(ctx context.Context, req Request, err *apperrors.Error, attempts int) (domain.RecoveryResult, bool) {
	o.degradeMu.RLock()
	degrader, ok := o.degraders[req.Class]
	o.degradeMu.RUnlock()
	if !ok {
		return domain.RecoveryResult{}, false
	}

	data, ok := degrader(ctx, err)
	if !ok {
		return domain.RecoveryResult{}, false
	}

	o.recordOutcome(req.Class, "degraded")
	return domain.RecoveryResult{
		Success:      true,
		Data:         data,
		Method:       domain.MethodDegraded,
		AttemptsUsed: attempts,
		Limited:      true,
	}, true
}

func (o *Orchestrator) recordOutcome(class OperationClass, method string) {
	metrics.RecoveryOutcomes.WithLabelValues(string(class), method).Inc()
}

func isCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
