package core

import (
	"encoding/json"
	"strings"
)

type RuleType string

const (
	RuleTypeState     RuleType = "state"
	RuleTypeNotState  RuleType = "not_state"
	RuleTypeNumeric   RuleType = "numeric"
	RuleTypeAttribute RuleType = "attribute"
)

type Operator string

const (
	OperatorGreater        Operator = ">"
	OperatorLess           Operator = "<"
	OperatorGreaterOrEqual Operator = ">="
	OperatorLessOrEqual    Operator = "<="
	OperatorEqual          Operator = "=="
)

type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// MaxRules is the number of rules a condition may combine.
const MaxRules = 2

// EntityState is one live entity as delivered by the host. Timestamps are the
// raw ISO-8601 strings the platform reports and are parsed on demand.
type EntityState struct {
	ID          string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	LastChanged string         `json:"last_changed,omitempty"`
	LastUpdated string         `json:"last_updated,omitempty"`
}

// EntityMap is a read-only snapshot of entity states keyed by entity id.
type EntityMap map[string]EntityState

// Lookup returns a pointer to a copy of the entity, or nil when absent.
func (m EntityMap) Lookup(id string) *EntityState {
	if id == "" {
		return nil
	}
	entity, ok := m[id]
	if !ok {
		return nil
	}
	return &entity
}

// Has reports whether id is present in the snapshot.
func (m EntityMap) Has(id string) bool {
	if id == "" {
		return false
	}
	_, ok := m[id]
	return ok
}

// Rule is one atomic visibility test. Only the fields relevant to Type are
// consulted; the rest are carried along untouched.
type Rule struct {
	Type       RuleType `json:"type"`
	EntityID   string   `json:"entityId,omitempty"`
	States     []string `json:"states,omitempty"`
	Attribute  string   `json:"attribute,omitempty"`
	Operator   Operator `json:"operator,omitempty"`
	Value      any      `json:"value,omitempty"`
	ForSeconds *float64 `json:"forSeconds,omitempty"`
}

// UnmarshalJSON accepts the loose shapes stored by older dashboards, such as
// comma separated states or numeric values encoded as strings.
func (r *Rule) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = ruleFromMap(raw)
	return nil
}

// ConditionConfig is the canonical visibility condition produced by
// [NormalizeVisibilityConditionConfig].
type ConditionConfig struct {
	EntityID string `json:"entityId,omitempty"`
	Logic    Logic  `json:"logic"`
	Enabled  bool   `json:"enabled"`
	Rules    []Rule `json:"rules"`
}

// Inert reports whether the condition can never hide anything.
func (c ConditionConfig) Inert() bool {
	return !c.Enabled || len(c.Rules) == 0
}

// CardSettings is the opaque per-card configuration object.
type CardSettings map[string]any

// String returns the trimmed string stored under key, or "".
func (s CardSettings) String(key string) string {
	value, ok := s[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}

// Strings returns the non-empty trimmed strings stored under key.
func (s CardSettings) Strings(key string) []string {
	var out []string
	switch values := s[key].(type) {
	case []string:
		for _, value := range values {
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	case []any:
		for _, value := range values {
			if str, ok := value.(string); ok {
				if trimmed := strings.TrimSpace(str); trimmed != "" {
					out = append(out, trimmed)
				}
			}
		}
	}
	return out
}

// PageSettings holds the page-level options the policy layer reads.
type PageSettings struct {
	Type     string   `json:"type,omitempty"`
	MediaIDs []string `json:"mediaIds,omitempty"`
}

// AttributeGetter reads a named attribute from an entity. The boolean reports
// presence.
type AttributeGetter func(entity *EntityState, name string) (any, bool)

func entityAttribute(entity *EntityState, name string) (any, bool) {
	if entity == nil || entity.Attributes == nil {
		return nil, false
	}
	value, ok := entity.Attributes[name]
	return value, ok
}
