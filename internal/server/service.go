package server

import (
	"context"
	"encoding/json"

	"github.com/matt-riley/cardz/internal/core"
	"github.com/matt-riley/cardz/internal/repository"
	"github.com/matt-riley/cardz/internal/service"
)

// Service is the part of [service.Service] the HTTP API depends on.
type Service interface {
	PutCardSettings(ctx context.Context, pageID, cardID string, payload json.RawMessage) (repository.CardSettings, error)
	GetCardSettings(ctx context.Context, pageID, cardID string) (repository.CardSettings, error)
	ListCardSettings(ctx context.Context, pageID string) ([]repository.CardSettings, error)
	DeleteCardSettings(ctx context.Context, pageID, cardID string) error
	PutPageSettings(ctx context.Context, pageID string, payload json.RawMessage) (repository.PageSettings, error)
	GetPageSettings(ctx context.Context, pageID string) (repository.PageSettings, error)
	ListPageSettings(ctx context.Context) ([]repository.PageSettings, error)
	EvaluatePage(ctx context.Context, pageID string, cardIDs []string) ([]service.CardVerdict, error)
	IsMediaPage(pageID string) bool
	NormalizeCondition(raw json.RawMessage) (core.ConditionConfig, error)
	EvaluateCondition(ctx context.Context, req service.ConditionRequest) (bool, error)
	Entity(id string) (core.EntityState, bool)
	Entities() core.EntityMap
	ListEventsSince(ctx context.Context, pageID string, eventID int64) ([]repository.SettingsEvent, error)
}

var _ Service = (*service.Service)(nil)
