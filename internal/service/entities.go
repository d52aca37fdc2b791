package service

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/matt-riley/cardz/internal/core"
)

const defaultEntityRefreshInterval = 30 * time.Second

// EntitySource delivers full entity snapshots.
type EntitySource interface {
	Fetch(ctx context.Context) (core.EntityMap, error)
}

// ReplaceEntities swaps in a copy of entities as the live snapshot.
func (s *Service) ReplaceEntities(entities core.EntityMap) {
	next := make(core.EntityMap, len(entities))
	maps.Copy(next, entities)

	s.entitiesMu.Lock()
	s.entities = next
	s.entitiesMu.Unlock()
}

// Entities returns the live snapshot. Callers must not mutate it.
func (s *Service) Entities() core.EntityMap {
	s.entitiesMu.RLock()
	defer s.entitiesMu.RUnlock()
	return s.entities
}

// Entity returns one entity from the live snapshot.
func (s *Service) Entity(id string) (core.EntityState, bool) {
	s.entitiesMu.RLock()
	defer s.entitiesMu.RUnlock()
	entity, ok := s.entities[id]
	return entity, ok
}

// RefreshEntities fetches one snapshot from source and installs it. On error
// the previous snapshot is kept, except for a *PartialFetchError whose
// snapshot is still installed.
func (s *Service) RefreshEntities(ctx context.Context, source EntitySource) error {
	entities, err := source.Fetch(ctx)
	var partial *PartialFetchError
	if errors.As(err, &partial) {
		s.ReplaceEntities(entities)
		if s.onEntityRefresh != nil {
			s.onEntityRefresh(len(entities), err)
		}
		return fmt.Errorf("fetch entities: %w", err)
	}
	if err != nil {
		if s.onEntityRefresh != nil {
			s.onEntityRefresh(len(s.Entities()), err)
		}
		return fmt.Errorf("fetch entities: %w", err)
	}

	s.ReplaceEntities(entities)
	if s.onEntityRefresh != nil {
		s.onEntityRefresh(len(entities), nil)
	}
	return nil
}

// RunEntityRefresh refreshes the snapshot from source immediately and then
// every interval until ctx ends.
func (s *Service) RunEntityRefresh(ctx context.Context, source EntitySource, interval time.Duration) {
	if interval <= 0 {
		interval = defaultEntityRefreshInterval
	}

	refresh := func() {
		err := s.RefreshEntities(ctx, source)
		if err == nil || ctx.Err() != nil {
			return
		}
		var partial *PartialFetchError
		if errors.As(err, &partial) {
			s.logger.WarnContext(ctx, "entity source failed, using its last snapshot", "error", err)
			return
		}
		s.logger.WarnContext(ctx, "entity refresh failed, keeping previous snapshot", "error", err)
	}

	refresh()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}

// LayeredSource merges several sources into one snapshot. Later sources win
// on conflicting entity ids. A failing source contributes its last good
// snapshot.
type LayeredSource struct {
	sources []EntitySource

	mu   sync.Mutex
	last []core.EntityMap
}

// NewLayeredSource layers sources in priority order, lowest first.
func NewLayeredSource(sources ...EntitySource) *LayeredSource {
	return &LayeredSource{
		sources: sources,
		last:    make([]core.EntityMap, len(sources)),
	}
}

// Fetch fails only when no source has ever produced a snapshot. Per-source
// errors are otherwise joined into a *PartialFetchError alongside the merged
// snapshot.
func (l *LayeredSource) Fetch(ctx context.Context) (core.EntityMap, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	merged := core.EntityMap{}
	var errs []error
	usable := false
	for i, source := range l.sources {
		entities, err := source.Fetch(ctx)
		if err != nil {
			errs = append(errs, err)
			entities = l.last[i]
		} else {
			l.last[i] = entities
		}
		if entities == nil {
			continue
		}
		usable = true
		maps.Copy(merged, entities)
	}

	if !usable {
		if len(errs) == 0 {
			return merged, nil
		}
		return nil, errors.Join(errs...)
	}
	if len(errs) > 0 {
		return merged, &PartialFetchError{Err: errors.Join(errs...)}
	}
	return merged, nil
}

// PartialFetchError reports source failures behind a snapshot that is still
// usable.
type PartialFetchError struct {
	Err error
}

func (e *PartialFetchError) Error() string { return "partial entity fetch: " + e.Err.Error() }

func (e *PartialFetchError) Unwrap() error { return e.Err }
