package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"

	"github.com/matt-riley/cardz/internal/core"
	"github.com/matt-riley/cardz/internal/repository"
)

const visibilityConditionKey = "visibilityCondition"

// PutCardSettings validates and stores the settings object of a card. A
// visibilityCondition in any accepted shape is stored in canonical form.
func (s *Service) PutCardSettings(ctx context.Context, pageID, cardID string, payload json.RawMessage) (repository.CardSettings, error) {
	pageID, err := validateID("page", pageID)
	if err != nil {
		return repository.CardSettings{}, err
	}
	cardID, err = validateID("card", cardID)
	if err != nil {
		return repository.CardSettings{}, err
	}

	settings, err := decodeCardSettings(payload)
	if err != nil {
		return repository.CardSettings{}, err
	}
	if err := canonicalizeCondition(settings); err != nil {
		return repository.CardSettings{}, err
	}

	encoded, err := json.Marshal(settings)
	if err != nil {
		return repository.CardSettings{}, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}

	stored, err := s.repo.PutCardSettings(ctx, repository.CardSettings{
		PageID:   pageID,
		CardID:   cardID,
		Settings: encoded,
	})
	if err != nil {
		return repository.CardSettings{}, fmt.Errorf("put card settings: %w", err)
	}

	cached, err := decodeCardSettings(stored.Settings)
	if err != nil {
		return repository.CardSettings{}, fmt.Errorf("decode stored card settings: %w", err)
	}
	s.setCachedCard(cardEntry{record: stored, settings: cached})
	s.reportCacheSize(pageID)

	return stored, nil
}

// GetCardSettings returns the stored settings of a card.
func (s *Service) GetCardSettings(ctx context.Context, pageID, cardID string) (repository.CardSettings, error) {
	pageID, err := validateID("page", pageID)
	if err != nil {
		return repository.CardSettings{}, err
	}
	cardID, err = validateID("card", cardID)
	if err != nil {
		return repository.CardSettings{}, err
	}

	if entry, ok := s.getCachedCard(pageID, cardID); ok {
		return entry.record, nil
	}

	card, err := s.repo.GetCardSettings(ctx, pageID, cardID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.CardSettings{}, ErrCardNotFound
		}
		return repository.CardSettings{}, fmt.Errorf("get card settings: %w", err)
	}

	settings, err := decodeCardSettings(card.Settings)
	if err != nil {
		return repository.CardSettings{}, fmt.Errorf("decode stored card settings: %w", err)
	}
	s.setCachedCard(cardEntry{record: card, settings: settings})

	return card, nil
}

// ListCardSettings returns the cached settings of every card on a page,
// ordered by card id.
func (s *Service) ListCardSettings(_ context.Context, pageID string) ([]repository.CardSettings, error) {
	pageID, err := validateID("page", pageID)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	cards := make([]repository.CardSettings, 0, len(s.cards[pageID]))
	for _, entry := range s.cards[pageID] {
		cards = append(cards, entry.record)
	}
	s.mu.RUnlock()

	sort.Slice(cards, func(i, j int) bool {
		return cards[i].CardID < cards[j].CardID
	})

	return cards, nil
}

// DeleteCardSettings removes the stored settings of a card.
func (s *Service) DeleteCardSettings(ctx context.Context, pageID, cardID string) error {
	pageID, err := validateID("page", pageID)
	if err != nil {
		return err
	}
	cardID, err = validateID("card", cardID)
	if err != nil {
		return err
	}

	if err := s.repo.DeleteCardSettings(ctx, pageID, cardID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.deleteCachedCard(pageID, cardID)
			return ErrCardNotFound
		}
		return fmt.Errorf("delete card settings: %w", err)
	}

	s.deleteCachedCard(pageID, cardID)
	s.reportCacheSize(pageID)

	return nil
}

// PutPageSettings validates and stores the settings object of a page.
func (s *Service) PutPageSettings(ctx context.Context, pageID string, payload json.RawMessage) (repository.PageSettings, error) {
	pageID, err := validateID("page", pageID)
	if err != nil {
		return repository.PageSettings{}, err
	}
	if _, err := decodePageSettings(payload); err != nil {
		return repository.PageSettings{}, err
	}

	stored, err := s.repo.PutPageSettings(ctx, repository.PageSettings{
		PageID:   pageID,
		Settings: payload,
	})
	if err != nil {
		return repository.PageSettings{}, fmt.Errorf("put page settings: %w", err)
	}

	settings, err := decodePageSettings(stored.Settings)
	if err != nil {
		return repository.PageSettings{}, fmt.Errorf("decode stored page settings: %w", err)
	}

	s.mu.Lock()
	s.pages[pageID] = pageEntry{record: stored, settings: settings}
	s.mu.Unlock()

	return stored, nil
}

// GetPageSettings returns the stored settings of a page.
func (s *Service) GetPageSettings(ctx context.Context, pageID string) (repository.PageSettings, error) {
	pageID, err := validateID("page", pageID)
	if err != nil {
		return repository.PageSettings{}, err
	}

	s.mu.RLock()
	entry, ok := s.pages[pageID]
	s.mu.RUnlock()
	if ok {
		return entry.record, nil
	}

	page, err := s.repo.GetPageSettings(ctx, pageID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.PageSettings{}, ErrPageNotFound
		}
		return repository.PageSettings{}, fmt.Errorf("get page settings: %w", err)
	}

	return page, nil
}

// ListPageSettings returns every cached page, ordered by page id.
func (s *Service) ListPageSettings(_ context.Context) ([]repository.PageSettings, error) {
	s.mu.RLock()
	pages := make([]repository.PageSettings, 0, len(s.pages))
	for _, entry := range s.pages {
		pages = append(pages, entry.record)
	}
	s.mu.RUnlock()

	sort.Slice(pages, func(i, j int) bool {
		return pages[i].PageID < pages[j].PageID
	})

	return pages, nil
}

// ListEventsSince returns settings changes after eventID. An empty pageID
// covers every page.
func (s *Service) ListEventsSince(ctx context.Context, pageID string, eventID int64) ([]repository.SettingsEvent, error) {
	events, err := s.repo.ListEventsSince(ctx, pageID, eventID)
	if err != nil {
		return nil, fmt.Errorf("list events since %d: %w", eventID, err)
	}

	return events, nil
}

func (s *Service) getCachedCard(pageID, cardID string) (cardEntry, bool) {
	s.mu.RLock()
	entry, ok := s.cards[pageID][cardID]
	s.mu.RUnlock()

	return entry, ok
}

func (s *Service) setCachedCard(entry cardEntry) {
	s.mu.Lock()
	byCard := s.cards[entry.record.PageID]
	if byCard == nil {
		byCard = make(map[string]cardEntry)
		s.cards[entry.record.PageID] = byCard
	}
	byCard[entry.record.CardID] = entry
	s.mu.Unlock()
}

func (s *Service) deleteCachedCard(pageID, cardID string) {
	s.mu.Lock()
	delete(s.cards[pageID], cardID)
	if len(s.cards[pageID]) == 0 {
		delete(s.cards, pageID)
	}
	s.mu.Unlock()
}

// decodeCardSettings accepts a JSON object and nothing else. An empty payload
// is an empty object.
func decodeCardSettings(payload json.RawMessage) (core.CardSettings, error) {
	settings := core.CardSettings{}
	if len(bytes.TrimSpace(payload)) == 0 {
		return settings, nil
	}

	if err := json.Unmarshal(payload, &settings); err != nil {
		return nil, fmt.Errorf("%w: settings must be a JSON object: %v", ErrInvalidSettings, err)
	}
	if settings == nil {
		return nil, fmt.Errorf("%w: settings must be a JSON object", ErrInvalidSettings)
	}

	return settings, nil
}

func decodePageSettings(payload json.RawMessage) (core.PageSettings, error) {
	if _, err := decodeCardSettings(payload); err != nil {
		return core.PageSettings{}, err
	}

	var settings core.PageSettings
	if len(bytes.TrimSpace(payload)) == 0 {
		return settings, nil
	}
	if err := json.Unmarshal(payload, &settings); err != nil {
		return core.PageSettings{}, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}

	return settings, nil
}

// canonicalizeCondition replaces a stored visibilityCondition with its
// normalized form. null removes it.
func canonicalizeCondition(settings core.CardSettings) error {
	raw, ok := settings[visibilityConditionKey]
	if !ok {
		return nil
	}
	if raw == nil {
		delete(settings, visibilityConditionKey)
		return nil
	}
	if _, isObject := raw.(map[string]any); !isObject {
		return fmt.Errorf("%w: must be a JSON object", ErrInvalidCondition)
	}

	settings[visibilityConditionKey] = core.NormalizeVisibilityConditionConfig(raw)
	return nil
}
