package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/openparish/parishd/internal/domain"
	"github.com/openparish/parishd/internal/storage"
)

// Metadata records when the session artifact was last written. It is
// persisted alongside the artifact so integrity scans can spot abandoned
// state.
type Metadata struct {
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists the durable session artifact: the token set plus the user
// snapshot it was issued for. A backup copy is kept so a corrupted primary
// can still be recovered.
type Store struct {
	store *storage.Manager
	clock clockwork.Clock
}

// NewStore creates an artifact store over the layered storage manager.
func NewStore(store *storage.Manager, clock clockwork.Clock) *Store {
	return &Store{store: store, clock: clock}
}

// Save writes the artifact and its backup copy.
func (s *Store) Save(ctx context.Context, art domain.SessionArtifact) error {
	art.CapturedAt = s.clock.Now()

	data, err := json.Marshal(art)
	if err != nil {
		return fmt.Errorf("failed to marshal session artifact: %w", err)
	}

	if err := s.store.Set(ctx, storage.KeySession, string(data), storage.SetOptions{}); err != nil {
		return fmt.Errorf("failed to persist session artifact: %w", err)
	}
	if err := s.store.Set(ctx, storage.KeySessionBackup, string(data), storage.SetOptions{}); err != nil {
		slog.Warn("Failed to write session artifact backup", "error", err)
	}

	if meta, err := json.Marshal(Metadata{UpdatedAt: art.CapturedAt}); err == nil {
		if err := s.store.Set(ctx, storage.KeyMetadata, string(meta), storage.SetOptions{}); err != nil {
			slog.Warn("Failed to write session metadata", "error", err)
		}
	}
	return nil
}

// Load reads the artifact, falling back to the backup copy when the primary
// is missing or unreadable. Returns domain.ErrSessionNotFound when neither
// exists and domain.ErrSessionCorrupted when both exist but cannot be parsed.
func (s *Store) Load(ctx context.Context) (*domain.SessionArtifact, error) {
	raw, primaryFound := s.store.Get(ctx, storage.KeySession)
	if primaryFound {
		var art domain.SessionArtifact
		if err := json.Unmarshal([]byte(raw), &art); err == nil {
			return &art, nil
		}
		slog.Warn("Primary session artifact unreadable, trying backup")
	}

	raw, backupFound := s.store.Get(ctx, storage.KeySessionBackup)
	if backupFound {
		var art domain.SessionArtifact
		if err := json.Unmarshal([]byte(raw), &art); err == nil {
			return &art, nil
		}
	}

	if primaryFound || backupFound {
		return nil, domain.ErrSessionCorrupted
	}
	return nil, domain.ErrSessionNotFound
}

// Clear removes the artifact, its backup and the metadata record.
func (s *Store) Clear(ctx context.Context) {
	s.store.Remove(ctx, storage.KeySession)
	s.store.Remove(ctx, storage.KeySessionBackup)
	s.store.Remove(ctx, storage.KeyMetadata)
}
