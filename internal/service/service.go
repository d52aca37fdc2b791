// Package service hosts the card visibility engine: it keeps the live entity
// snapshot and a cache of stored card and page settings, and turns them into
// per-card verdicts.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/matt-riley/cardz/internal/core"
	"github.com/matt-riley/cardz/internal/repository"
)

const (
	defaultCacheResyncInterval = time.Minute
	cacheReloadTimeout         = 5 * time.Second
	tracerName                 = "github.com/matt-riley/cardz/internal/service"
)

var (
	ErrCardNotFound     = errors.New("card settings not found")
	ErrPageNotFound     = errors.New("page settings not found")
	ErrInvalidSettings  = errors.New("invalid settings")
	ErrInvalidCondition = errors.New("invalid visibility condition")
	ErrInvalidKey       = errors.New("invalid page or card id")
)

// Repository is the settings store the service caches.
type Repository interface {
	PutCardSettings(ctx context.Context, card repository.CardSettings) (repository.CardSettings, error)
	GetCardSettings(ctx context.Context, pageID, cardID string) (repository.CardSettings, error)
	ListCardSettings(ctx context.Context) ([]repository.CardSettings, error)
	DeleteCardSettings(ctx context.Context, pageID, cardID string) error
	PutPageSettings(ctx context.Context, page repository.PageSettings) (repository.PageSettings, error)
	GetPageSettings(ctx context.Context, pageID string) (repository.PageSettings, error)
	ListPageSettings(ctx context.Context) ([]repository.PageSettings, error)
	ListEventsSince(ctx context.Context, pageID string, eventID int64) ([]repository.SettingsEvent, error)
}

type cacheInvalidationSubscriber interface {
	SubscribeSettingsInvalidation(ctx context.Context) (<-chan struct{}, error)
}

type cardEntry struct {
	record   repository.CardSettings
	settings core.CardSettings
}

type pageEntry struct {
	record   repository.PageSettings
	settings core.PageSettings
}

// Service is safe for concurrent use.
type Service struct {
	repo           Repository
	logger         *slog.Logger
	tracer         trace.Tracer
	resyncInterval time.Duration
	now            func() time.Time

	onCacheLoad         func()
	onCacheInvalidation func()
	onCacheReset        func()
	onCacheUpdate       func(pageID string, size float64)
	onVerdict           func(hidden, removable bool)
	onEntityRefresh     func(size int, err error)

	mu    sync.RWMutex
	cards map[string]map[string]cardEntry
	pages map[string]pageEntry

	entitiesMu sync.RWMutex
	entities   core.EntityMap
}

// Option configures a [Service].
type Option func(*Service)

// WithLogger sets the logger used for background work.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCacheResyncInterval overrides how often the settings cache is reloaded
// even without notifications.
func WithCacheResyncInterval(interval time.Duration) Option {
	return func(s *Service) {
		if interval > 0 {
			s.resyncInterval = interval
		}
	}
}

// WithCacheMetrics registers callbacks fired when the settings cache loads,
// is invalidated, and when per-page cache sizes are recomputed. onCacheReset
// runs before the onCacheUpdate calls of each load.
func WithCacheMetrics(onLoad, onInvalidation, onCacheReset func(), onCacheUpdate func(pageID string, size float64)) Option {
	return func(s *Service) {
		s.onCacheLoad = onLoad
		s.onCacheInvalidation = onInvalidation
		s.onCacheReset = onCacheReset
		s.onCacheUpdate = onCacheUpdate
	}
}

// WithVerdictMetrics registers a callback fired for every card verdict.
func WithVerdictMetrics(fn func(hidden, removable bool)) Option {
	return func(s *Service) { s.onVerdict = fn }
}

// WithEntityRefreshMetrics registers a callback fired after every entity
// refresh attempt.
func WithEntityRefreshMetrics(fn func(size int, err error)) Option {
	return func(s *Service) { s.onEntityRefresh = fn }
}

// WithClock replaces the wall clock used for sustain-duration checks.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a Service, loads the settings cache and, when the repository
// supports it, starts listening for invalidations until ctx ends.
func New(ctx context.Context, repo Repository, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}

	svc := &Service{
		repo:           repo,
		logger:         slog.Default(),
		tracer:         otel.Tracer(tracerName),
		resyncInterval: defaultCacheResyncInterval,
		now:            time.Now,
		cards:          make(map[string]map[string]cardEntry),
		pages:          make(map[string]pageEntry),
		entities:       core.EntityMap{},
	}
	for _, opt := range opts {
		opt(svc)
	}

	if err := svc.LoadCache(ctx); err != nil {
		return nil, err
	}
	if subscriber, ok := repo.(cacheInvalidationSubscriber); ok {
		if err := svc.startCacheInvalidationListener(ctx, subscriber); err != nil {
			return nil, err
		}
	}

	return svc, nil
}

// LoadCache replaces the settings cache with the repository contents. Rows
// that fail to decode are skipped and logged.
func (s *Service) LoadCache(ctx context.Context) error {
	cards, err := s.repo.ListCardSettings(ctx)
	if err != nil {
		return fmt.Errorf("load card settings: %w", err)
	}
	pages, err := s.repo.ListPageSettings(ctx)
	if err != nil {
		return fmt.Errorf("load page settings: %w", err)
	}

	nextCards := make(map[string]map[string]cardEntry)
	for _, card := range cards {
		settings, err := decodeCardSettings(card.Settings)
		if err != nil {
			s.logger.WarnContext(ctx, "skipping card settings", "page_id", card.PageID, "card_id", card.CardID, "error", err)
			continue
		}
		if nextCards[card.PageID] == nil {
			nextCards[card.PageID] = make(map[string]cardEntry)
		}
		nextCards[card.PageID][card.CardID] = cardEntry{record: card, settings: settings}
	}

	nextPages := make(map[string]pageEntry, len(pages))
	for _, page := range pages {
		settings, err := decodePageSettings(page.Settings)
		if err != nil {
			s.logger.WarnContext(ctx, "skipping page settings", "page_id", page.PageID, "error", err)
			continue
		}
		nextPages[page.PageID] = pageEntry{record: page, settings: settings}
	}

	s.mu.Lock()
	s.cards = nextCards
	s.pages = nextPages
	s.mu.Unlock()

	if s.onCacheLoad != nil {
		s.onCacheLoad()
	}
	if s.onCacheReset != nil {
		s.onCacheReset()
	}
	if s.onCacheUpdate != nil {
		for pageID, byCard := range nextCards {
			s.onCacheUpdate(pageID, float64(len(byCard)))
		}
	}

	return nil
}

func (s *Service) startCacheInvalidationListener(ctx context.Context, subscriber cacheInvalidationSubscriber) error {
	invalidations, err := subscriber.SubscribeSettingsInvalidation(ctx)
	if err != nil {
		return fmt.Errorf("subscribe cache invalidation: %w", err)
	}

	go func() {
		resyncTicker := time.NewTicker(s.resyncInterval)
		defer resyncTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-resyncTicker.C:
				if invalidations == nil {
					next, err := subscriber.SubscribeSettingsInvalidation(ctx)
					if err == nil {
						invalidations = next
					}
				}
				s.reloadCache(ctx)
			case _, ok := <-invalidations:
				if !ok {
					next, err := subscriber.SubscribeSettingsInvalidation(ctx)
					if err != nil {
						invalidations = nil
						continue
					}
					invalidations = next
					continue
				}
				if s.onCacheInvalidation != nil {
					s.onCacheInvalidation()
				}
				s.reloadCache(ctx)
			}
		}
	}()

	return nil
}

func (s *Service) reloadCache(ctx context.Context) {
	reloadCtx, cancel := context.WithTimeout(ctx, cacheReloadTimeout)
	defer cancel()
	if err := s.LoadCache(reloadCtx); err != nil && ctx.Err() == nil {
		s.logger.WarnContext(ctx, "settings cache reload failed", "error", err)
	}
}

func (s *Service) reportCacheSize(pageID string) {
	if s.onCacheUpdate == nil {
		return
	}
	s.mu.RLock()
	size := len(s.cards[pageID])
	s.mu.RUnlock()
	s.onCacheUpdate(pageID, float64(size))
}

// validateID rejects empty ids and ids containing the composite key separator.
func validateID(kind, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: %s id is required", ErrInvalidKey, kind)
	}
	if strings.Contains(id, "::") {
		return "", fmt.Errorf("%w: %s id must not contain %q", ErrInvalidKey, kind, "::")
	}
	return id, nil
}
