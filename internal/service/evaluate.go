package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/matt-riley/cardz/internal/core"
)

// CardVerdict is the visibility decision for one card on one page.
type CardVerdict struct {
	CardID    string `json:"card_id"`
	PageID    string `json:"page_id"`
	EntityID  string `json:"entity_id,omitempty"`
	Hidden    bool   `json:"hidden"`
	Removable bool   `json:"removable"`
}

// ConditionRequest evaluates an ad hoc visibility condition. When Entities is
// nil the live snapshot is used.
type ConditionRequest struct {
	Condition        json.RawMessage
	EntityID         string
	FallbackEntityID string
	Entities         core.EntityMap
}

// EvaluateCard returns the verdict for a single card.
func (s *Service) EvaluateCard(ctx context.Context, pageID, cardID string) (CardVerdict, error) {
	verdicts, err := s.EvaluatePage(ctx, pageID, []string{cardID})
	if err != nil {
		return CardVerdict{}, err
	}
	return verdicts[0], nil
}

// EvaluatePage returns verdicts for cardIDs on pageID in the given order. With
// no cardIDs every card that has stored settings on the page is evaluated,
// ordered by card id. All verdicts share one clock reading and one snapshot.
func (s *Service) EvaluatePage(ctx context.Context, pageID string, cardIDs []string) ([]CardVerdict, error) {
	pageID, err := validateID("page", pageID)
	if err != nil {
		return nil, err
	}

	_, span := s.tracer.Start(ctx, "service.EvaluatePage", trace.WithAttributes(
		attribute.String("cardz.page_id", pageID),
		attribute.Int("cardz.requested_cards", len(cardIDs)),
	))
	defer span.End()

	ids := make([]string, 0, len(cardIDs))
	for _, cardID := range cardIDs {
		cardID, err := validateID("card", cardID)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		ids = append(ids, cardID)
	}

	policy := s.policyContext(pageID)
	if len(ids) == 0 {
		for key := range policy.CardSettings {
			ids = append(ids, key[len(pageID)+len("::"):])
		}
		sort.Strings(ids)
	}

	verdicts := make([]CardVerdict, 0, len(ids))
	hiddenCount := 0
	for _, cardID := range ids {
		verdict := CardVerdict{
			CardID:    cardID,
			PageID:    pageID,
			EntityID:  core.ResolveConditionEntityID(cardID, policy.Settings(cardID, pageID), policy.Entities),
			Hidden:    core.IsCardHiddenByLogic(cardID, policy),
			Removable: core.IsCardRemovable(cardID, pageID, policy),
		}
		if verdict.Hidden {
			hiddenCount++
		}
		if s.onVerdict != nil {
			s.onVerdict(verdict.Hidden, verdict.Removable)
		}
		verdicts = append(verdicts, verdict)
	}

	span.SetAttributes(
		attribute.Int("cardz.evaluated_cards", len(verdicts)),
		attribute.Int("cardz.hidden_cards", hiddenCount),
	)

	return verdicts, nil
}

// IsMediaPage reports whether pageID is a media or Sonos page.
func (s *Service) IsMediaPage(pageID string) bool {
	s.mu.RLock()
	pages := make(map[string]core.PageSettings, len(s.pages))
	for id, entry := range s.pages {
		pages[id] = entry.settings
	}
	s.mu.RUnlock()

	return core.IsMediaPage(pageID, pages)
}

// NormalizeCondition returns the canonical form of a visibility condition.
// Anything that is not a JSON object or null is rejected.
func (s *Service) NormalizeCondition(raw json.RawMessage) (core.ConditionConfig, error) {
	condition, err := decodeCondition(raw)
	if err != nil {
		return core.ConditionConfig{}, err
	}
	return core.NormalizeVisibilityConditionConfig(condition), nil
}

// EvaluateCondition reports whether req.Condition passes.
func (s *Service) EvaluateCondition(ctx context.Context, req ConditionRequest) (bool, error) {
	condition, err := decodeCondition(req.Condition)
	if err != nil {
		return false, err
	}

	_, span := s.tracer.Start(ctx, "service.EvaluateCondition")
	defer span.End()

	entities := req.Entities
	if entities == nil {
		entities = s.Entities()
	}

	visible := core.EvaluateVisibilityConditionConfig(core.VisibilityConditionRequest{
		Condition:        condition,
		Entity:           entities.Lookup(req.EntityID),
		Entities:         entities,
		FallbackEntityID: req.FallbackEntityID,
		Now:              s.now(),
	})
	span.SetAttributes(attribute.Bool("cardz.visible", visible))

	return visible, nil
}

// policyContext snapshots the settings of pageID and the entity map.
func (s *Service) policyContext(pageID string) core.PolicyContext {
	s.mu.RLock()
	settings := make(map[string]core.CardSettings, len(s.cards[pageID]))
	for cardID, entry := range s.cards[pageID] {
		settings[core.DefaultSettingsKey(cardID, pageID)] = entry.settings
	}
	pages := make(map[string]core.PageSettings, len(s.pages))
	for id, entry := range s.pages {
		pages[id] = entry.settings
	}
	s.mu.RUnlock()

	return core.PolicyContext{
		Entities:     s.Entities(),
		CardSettings: settings,
		ActivePage:   pageID,
		PageSettings: pages,
		SettingsKey:  core.DefaultSettingsKey,
		Now:          s.now(),
	}
}

func decodeCondition(raw json.RawMessage) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var condition map[string]any
	if err := json.Unmarshal(trimmed, &condition); err != nil {
		return nil, fmt.Errorf("%w: must be a JSON object: %v", ErrInvalidCondition, err)
	}

	return condition, nil
}
