package core

import (
	"strconv"
	"strings"
	"time"
)

// EntityConditionRequest evaluates a single rule against one entity.
type EntityConditionRequest struct {
	Condition    Rule
	Entity       *EntityState
	GetAttribute AttributeGetter
	// Now defaults to the wall clock, read once.
	Now time.Time
}

// VisibilityConditionRequest evaluates a stored visibility condition in any
// of its accepted shapes.
type VisibilityConditionRequest struct {
	Condition        any
	Entity           *EntityState
	Entities         EntityMap
	GetAttribute     AttributeGetter
	FallbackEntityID string
	// Now defaults to the wall clock, read once.
	Now time.Time
}

// EvaluateEntityCondition is the single-rule form used by simple dashboard
// elements. A rule without a type is treated as absent and passes.
func EvaluateEntityCondition(req EntityConditionRequest) bool {
	if req.Condition.Type == "" {
		return true
	}
	return EvaluateRuleWith(req.Condition, req.Entity, req.GetAttribute, nowOr(req.Now))
}

// EvaluateVisibilityConditionConfig normalizes req.Condition and evaluates it.
func EvaluateVisibilityConditionConfig(req VisibilityConditionRequest) bool {
	config := NormalizeVisibilityConditionConfig(req.Condition)
	return evaluateCondition(config, req.Entity, req.Entities, req.FallbackEntityID, req.GetAttribute, nowOr(req.Now))
}

// EvaluateCondition evaluates up to two rules, each against its own resolved
// entity, and combines them with the configured logic. Inert conditions are
// always visible.
func EvaluateCondition(config ConditionConfig, defaultEntity *EntityState, entities EntityMap, fallbackEntityID string, now time.Time) bool {
	return evaluateCondition(normalizeConfig(config), defaultEntity, entities, fallbackEntityID, nil, now)
}

func evaluateCondition(config ConditionConfig, defaultEntity *EntityState, entities EntityMap, fallbackEntityID string, getAttribute AttributeGetter, now time.Time) bool {
	if config.Inert() {
		return true
	}

	results := make([]bool, len(config.Rules))
	for i, rule := range config.Rules {
		entity := ruleEntity(rule, config, defaultEntity, entities, fallbackEntityID)
		results[i] = EvaluateRuleWith(rule, entity, getAttribute, now)
	}

	if len(results) == 1 {
		return results[0]
	}

	if config.Logic == LogicOr {
		for _, result := range results {
			if result {
				return true
			}
		}
		return false
	}

	for _, result := range results {
		if !result {
			return false
		}
	}
	return true
}

// ruleEntity picks the rule target: rule override, then config default, then
// the caller fallback. An id missing from the snapshot only falls back to the
// default entity when it names that entity.
func ruleEntity(rule Rule, config ConditionConfig, defaultEntity *EntityState, entities EntityMap, fallbackEntityID string) *EntityState {
	id := strings.TrimSpace(rule.EntityID)
	if id == "" {
		id = strings.TrimSpace(config.EntityID)
	}
	if id == "" {
		id = strings.TrimSpace(fallbackEntityID)
	}

	if entity := entities.Lookup(id); entity != nil {
		return entity
	}
	if defaultEntity != nil && (id == "" || id == defaultEntity.ID) {
		return defaultEntity
	}
	return nil
}

// EvaluateRule reports whether rule holds for entity at now. A nil entity
// never satisfies a rule.
func EvaluateRule(rule Rule, entity *EntityState, now time.Time) bool {
	return EvaluateRuleWith(rule, entity, nil, now)
}

// EvaluateRuleWith is EvaluateRule with a custom attribute accessor.
func EvaluateRuleWith(rule Rule, entity *EntityState, getAttribute AttributeGetter, now time.Time) bool {
	if entity == nil {
		return false
	}
	if getAttribute == nil {
		getAttribute = entityAttribute
	}

	if !baseMatch(rule, entity, getAttribute) {
		return false
	}

	return sustained(rule, entity, now)
}

func baseMatch(rule Rule, entity *EntityState, getAttribute AttributeGetter) bool {
	switch rule.Type {
	case RuleTypeState:
		states := parseStates(rule.States)
		return len(states) == 0 || containsString(states, entity.State)
	case RuleTypeNotState:
		states := parseStates(rule.States)
		return len(states) == 0 || !containsString(states, entity.State)
	case RuleTypeNumeric:
		return matchNumeric(rule, entity, getAttribute)
	case RuleTypeAttribute:
		return matchAttribute(rule, entity, getAttribute)
	default:
		return false
	}
}

func matchNumeric(rule Rule, entity *EntityState, getAttribute AttributeGetter) bool {
	var left any = entity.State
	if name := strings.TrimSpace(rule.Attribute); name != "" {
		value, ok := getAttribute(entity, name)
		if !ok {
			return false
		}
		left = value
	}

	leftNumber, ok := toFloat64(left)
	if !ok {
		return false
	}
	rightNumber, ok := toFloat64(rule.Value)
	if !ok {
		return false
	}

	switch rule.Operator {
	case OperatorLess:
		return leftNumber < rightNumber
	case OperatorGreaterOrEqual:
		return leftNumber >= rightNumber
	case OperatorLessOrEqual:
		return leftNumber <= rightNumber
	case OperatorEqual:
		return leftNumber == rightNumber
	default:
		return leftNumber > rightNumber
	}
}

func matchAttribute(rule Rule, entity *EntityState, getAttribute AttributeGetter) bool {
	name := strings.TrimSpace(rule.Attribute)
	if name == "" {
		return false
	}

	value, ok := getAttribute(entity, name)
	if !ok || value == nil {
		return false
	}

	if isBlankValue(rule.Value) {
		return strings.TrimSpace(stringify(value)) != ""
	}

	return stringify(value) == stringify(rule.Value)
}

func isBlankValue(value any) bool {
	if value == nil {
		return true
	}
	str, ok := value.(string)
	return ok && str == ""
}

// sustained applies the forSeconds gate. Attribute-driven rules measure from
// last_updated, state-driven rules from last_changed. A missing or unreadable
// timestamp fails the gate.
func sustained(rule Rule, entity *EntityState, now time.Time) bool {
	if rule.ForSeconds == nil {
		return true
	}
	seconds := *rule.ForSeconds
	if _, ok := toFloat64(seconds); !ok || seconds <= 0 {
		return true
	}

	timestamp := entity.LastChanged
	if usesLastUpdated(rule) {
		timestamp = entity.LastUpdated
	}

	since, ok := parseTimestamp(timestamp)
	if !ok {
		return false
	}

	return float64(now.Sub(since)) >= seconds*float64(time.Second)
}

func usesLastUpdated(rule Rule) bool {
	switch rule.Type {
	case RuleTypeAttribute:
		return true
	case RuleTypeNumeric:
		return strings.TrimSpace(rule.Attribute) != ""
	default:
		return false
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
}

// parseTimestamp reads ISO-8601 timestamps and epoch milliseconds.
func parseTimestamp(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}

	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed, true
		}
	}

	if millis, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.UnixMilli(millis), true
	}

	return time.Time{}, false
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}

func nowOr(now time.Time) time.Time {
	if now.IsZero() {
		return time.Now()
	}
	return now
}
