// Package cardz provides client interfaces and domain types for the cardz
// dashboard card visibility service.
//
// Use the http sub-package to create a client:
//
//	import cardzhttp "github.com/matt-riley/cardz/clients/go/http"
package cardz

import (
	"context"
	"encoding/json"
	"time"
)

// SettingsManager covers stored card and page settings.
type SettingsManager interface {
	GetCardSettings(ctx context.Context, pageID, cardID string) (CardSettings, error)
	PutCardSettings(ctx context.Context, pageID, cardID string, settings json.RawMessage) (CardSettings, error)
	DeleteCardSettings(ctx context.Context, pageID, cardID string) error
	ListCardSettings(ctx context.Context, pageID string) ([]CardSettings, error)
	GetPageSettings(ctx context.Context, pageID string) (PageSettings, error)
	PutPageSettings(ctx context.Context, pageID string, settings json.RawMessage) (PageSettings, error)
}

// Evaluator covers card verdicts and ad hoc condition checks.
type Evaluator interface {
	EvaluatePage(ctx context.Context, pageID string, cardIDs []string) (PageEvaluation, error)
	NormalizeCondition(ctx context.Context, condition any) (Condition, error)
	EvaluateCondition(ctx context.Context, req ConditionRequest) (bool, error)
}

// Streamer delivers settings change events. The returned channel is closed
// when ctx is cancelled or the connection drops.
type Streamer interface {
	Stream(ctx context.Context, pageID string, lastEventID int64) (<-chan SettingsEvent, error)
}

// CardSettings is the stored settings object of one card on one page.
type CardSettings struct {
	PageID    string          `json:"page_id"`
	CardID    string          `json:"card_id"`
	Settings  json.RawMessage `json:"settings"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// PageSettings is the stored settings object of a page.
type PageSettings struct {
	PageID    string          `json:"page_id"`
	Settings  json.RawMessage `json:"settings"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// CardVerdict is the visibility decision for one card.
type CardVerdict struct {
	CardID    string `json:"card_id"`
	PageID    string `json:"page_id"`
	EntityID  string `json:"entity_id,omitempty"`
	Hidden    bool   `json:"hidden"`
	Removable bool   `json:"removable"`
}

// PageEvaluation is the result of evaluating cards on a page.
type PageEvaluation struct {
	PageID    string        `json:"page_id"`
	MediaPage bool          `json:"media_page"`
	Results   []CardVerdict `json:"results"`
}

// Condition is a visibility condition in canonical form.
type Condition struct {
	EntityID string `json:"entityId,omitempty"`
	Logic    string `json:"logic"`
	Enabled  bool   `json:"enabled"`
	Rules    []Rule `json:"rules"`
}

// Rule is one test inside a [Condition].
type Rule struct {
	Type       string   `json:"type"`
	EntityID   string   `json:"entityId,omitempty"`
	States     []string `json:"states,omitempty"`
	Attribute  string   `json:"attribute,omitempty"`
	Operator   string   `json:"operator,omitempty"`
	Value      any      `json:"value,omitempty"`
	ForSeconds *float64 `json:"forSeconds,omitempty"`
}

// Entity is a live entity state.
type Entity struct {
	ID          string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	LastChanged string         `json:"last_changed,omitempty"`
	LastUpdated string         `json:"last_updated,omitempty"`
}

// ConditionRequest asks the server to evaluate a condition. Without Entities
// the server's live entity snapshot is used.
type ConditionRequest struct {
	Condition        any
	EntityID         string
	FallbackEntityID string
	Entities         map[string]Entity
}

// SettingsEvent is a change notification from the settings stream.
type SettingsEvent struct {
	Type     string // "card_updated" | "card_deleted" | "page_updated" | "error"
	EventID  int64
	PageID   string
	CardID   string // empty for page events
	Settings json.RawMessage
	Error    string // set on "error" events
}
