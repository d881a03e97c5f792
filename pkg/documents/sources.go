package documents

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/docpipe/docpipe/pkg/events"
	"github.com/docpipe/docpipe/pkg/storage"
	"github.com/docpipe/docpipe/pkg/types"
)

// ErrInvalidAPIKey is returned when a presented key matches no active
// source.
var ErrInvalidAPIKey = errors.New("invalid api key")

const apiKeyPrefixLen = 8

// SourceService manages sources and their API credentials. The raw key
// is returned exactly once, at creation; only its hash and a short
// display prefix persist.
type SourceService struct {
	store storage.Store
	bus   *events.Bus
}

// NewSourceService creates a source service
func NewSourceService(store storage.Store, bus *events.Bus) *SourceService {
	return &SourceService{store: store, bus: bus}
}

// Create registers a source and returns it together with the
// freshly generated API key.
func (s *SourceService) Create(ctx context.Context, ownerID, name, description string, properties map[string]any) (*types.Source, string, error) {
	key, err := generateAPIKey()
	if err != nil {
		return nil, "", err
	}

	now := time.Now()
	src := &types.Source{
		ID:           uuid.New().String(),
		OwnerID:      ownerID,
		Name:         name,
		Description:  description,
		APIKeyHash:   hashAPIKey(key),
		APIKeyPrefix: key[:apiKeyPrefixLen],
		IsActive:     true,
		Properties:   properties,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateSource(src); err != nil {
		return nil, "", err
	}

	s.bus.Emit(ctx, types.EventSourceCreated, "core:sources", map[string]any{
		"source_id": src.ID,
		"name":      src.Name,
	}, events.WithUser(ownerID))
	return src, key, nil
}

// Authenticate resolves an API key to its active source.
func (s *SourceService) Authenticate(key string) (*types.Source, error) {
	src, err := s.store.GetSourceByKeyHash(hashAPIKey(key))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidAPIKey
		}
		return nil, err
	}
	if !src.IsActive {
		return nil, ErrInvalidAPIKey
	}
	return src, nil
}

// Get returns a source by id.
func (s *SourceService) Get(id string) (*types.Source, error) {
	return s.store.GetSource(id)
}

// ListByOwner returns the sources owned by a user.
func (s *SourceService) ListByOwner(ownerID string) ([]*types.Source, error) {
	return s.store.ListSourcesByOwner(ownerID)
}

// Delete removes a source. Its documents stay; they simply stop
// resolving against the source workflow.
func (s *SourceService) Delete(ctx context.Context, id string) error {
	src, err := s.store.GetSource(id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteSource(id); err != nil {
		return err
	}
	s.bus.Emit(ctx, types.EventSourceDeleted, "core:sources", map[string]any{
		"source_id": id,
		"name":      src.Name,
	}, events.WithUser(src.OwnerID))
	return nil
}

// generateAPIKey returns a 64-hex-char random key.
func generateAPIKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

func hashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
