package core

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// inertCondition is returned for anything that cannot be read as a
// condition. It never hides a card.
func inertCondition() ConditionConfig {
	return ConditionConfig{
		Logic:   LogicAnd,
		Enabled: false,
		Rules:   []Rule{},
	}
}

// NormalizeVisibilityConditionConfig converts a stored condition in any of its
// historical shapes into a ConditionConfig. It never fails: malformed input
// yields an inert condition.
//
// Accepted shapes are a decoded JSON object with a "rules" array, the legacy
// single-rule object with a top-level "type", raw JSON bytes of either, and
// already typed ConditionConfig or Rule values.
func NormalizeVisibilityConditionConfig(raw any) ConditionConfig {
	switch value := raw.(type) {
	case nil:
		return inertCondition()
	case ConditionConfig:
		return normalizeConfig(value)
	case *ConditionConfig:
		if value == nil {
			return inertCondition()
		}
		return normalizeConfig(*value)
	case Rule:
		return wrapLegacyRule(value, true)
	case *Rule:
		if value == nil {
			return inertCondition()
		}
		return wrapLegacyRule(*value, true)
	case json.RawMessage:
		return normalizeJSON(value)
	case []byte:
		return normalizeJSON(value)
	case CardSettings:
		return normalizeMap(value)
	case map[string]any:
		return normalizeMap(value)
	default:
		return inertCondition()
	}
}

func normalizeJSON(payload []byte) ConditionConfig {
	if len(payload) == 0 {
		return inertCondition()
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return inertCondition()
	}
	return NormalizeVisibilityConditionConfig(decoded)
}

func normalizeMap(raw map[string]any) ConditionConfig {
	if raw == nil {
		return inertCondition()
	}

	enabled := raw["enabled"] != false

	if rulesValue, ok := raw["rules"]; ok && isList(rulesValue) {
		config := ConditionConfig{
			Logic:   parseLogic(raw["logic"]),
			Enabled: enabled,
			Rules:   collectRules(rulesValue),
		}
		if entityID, ok := raw["entityId"].(string); ok {
			config.EntityID = entityID
		}
		return config
	}

	if ruleType, ok := raw["type"].(string); ok && ruleType != "" {
		config := wrapLegacyRule(ruleFromMap(raw), enabled)
		// The resolver reads the condition-level entityId, so it must survive
		// the move into rules[0].
		if entityID, ok := raw["entityId"].(string); ok {
			config.EntityID = entityID
		}
		return config
	}

	return inertCondition()
}

func normalizeConfig(config ConditionConfig) ConditionConfig {
	rules := make([]Rule, 0, MaxRules)
	for _, rule := range config.Rules {
		if rule.Type == "" {
			continue
		}
		rules = append(rules, copyRule(rule))
		if len(rules) == MaxRules {
			break
		}
	}

	logic := config.Logic
	if logic != LogicAnd && logic != LogicOr {
		logic = LogicAnd
	}

	return ConditionConfig{
		EntityID: config.EntityID,
		Logic:    logic,
		Enabled:  config.Enabled,
		Rules:    rules,
	}
}

func wrapLegacyRule(rule Rule, enabled bool) ConditionConfig {
	if rule.Type == "" {
		return inertCondition()
	}
	return ConditionConfig{
		Logic:   LogicAnd,
		Enabled: enabled,
		Rules:   []Rule{copyRule(rule)},
	}
}

func isList(value any) bool {
	switch value.(type) {
	case []any, []map[string]any, []Rule:
		return true
	default:
		return false
	}
}

func collectRules(value any) []Rule {
	rules := make([]Rule, 0, MaxRules)
	add := func(rule Rule) bool {
		if rule.Type == "" {
			return false
		}
		rules = append(rules, rule)
		return len(rules) == MaxRules
	}

	switch entries := value.(type) {
	case []any:
		for _, entry := range entries {
			var rule Rule
			switch typed := entry.(type) {
			case map[string]any:
				if ruleType, ok := typed["type"].(string); !ok || ruleType == "" {
					continue
				}
				rule = ruleFromMap(typed)
			case Rule:
				rule = copyRule(typed)
			default:
				continue
			}
			if add(rule) {
				break
			}
		}
	case []map[string]any:
		for _, entry := range entries {
			if ruleType, ok := entry["type"].(string); !ok || ruleType == "" {
				continue
			}
			if add(ruleFromMap(entry)) {
				break
			}
		}
	case []Rule:
		for _, entry := range entries {
			if add(copyRule(entry)) {
				break
			}
		}
	}

	return rules
}

func parseLogic(value any) Logic {
	if logic, ok := value.(string); ok {
		switch Logic(logic) {
		case LogicAnd, LogicOr:
			return Logic(logic)
		}
	}
	return LogicAnd
}

func copyRule(rule Rule) Rule {
	if rule.States != nil {
		rule.States = append([]string(nil), rule.States...)
	}
	if rule.ForSeconds != nil {
		seconds := *rule.ForSeconds
		rule.ForSeconds = &seconds
	}
	return rule
}

func ruleFromMap(raw map[string]any) Rule {
	rule := Rule{
		Value:      scalarValue(raw["value"]),
		States:     parseStates(raw["states"]),
		ForSeconds: parseSeconds(raw["forSeconds"]),
	}
	if ruleType, ok := raw["type"].(string); ok {
		rule.Type = RuleType(ruleType)
	}
	if entityID, ok := raw["entityId"].(string); ok {
		rule.EntityID = entityID
	}
	if attribute, ok := raw["attribute"].(string); ok {
		rule.Attribute = attribute
	}
	if operator, ok := raw["operator"].(string); ok {
		rule.Operator = Operator(operator)
	}
	return rule
}

// parseStates accepts a list of values or a comma separated string. Entries
// are trimmed and blanks dropped.
func parseStates(value any) []string {
	var candidates []string
	switch states := value.(type) {
	case string:
		candidates = strings.Split(states, ",")
	case []string:
		candidates = states
	case []any:
		candidates = make([]string, 0, len(states))
		for _, state := range states {
			if state == nil {
				continue
			}
			candidates = append(candidates, stringify(state))
		}
	default:
		return nil
	}

	out := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		if trimmed := strings.TrimSpace(candidate); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func parseSeconds(value any) *float64 {
	seconds, ok := toFloat64(value)
	if !ok {
		return nil
	}
	return &seconds
}

// scalarValue keeps strings, booleans and numbers. Numbers are widened to
// float64 so rules compare the same way regardless of how they were decoded.
func scalarValue(value any) any {
	switch typed := value.(type) {
	case nil, string, bool:
		return typed
	case json.Number:
		if parsed, err := typed.Float64(); err == nil {
			return parsed
		}
		return typed.String()
	}
	if number, ok := numberAsFloat64(value); ok {
		return number
	}
	return nil
}

// toFloat64 parses numbers and numeric strings. NaN and infinities are
// rejected.
func toFloat64(value any) (float64, bool) {
	var parsed float64
	switch typed := value.(type) {
	case string:
		trimmed := strings.TrimSpace(typed)
		if trimmed == "" {
			return 0, false
		}
		number, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return 0, false
		}
		parsed = number
	case json.Number:
		number, err := typed.Float64()
		if err != nil {
			return 0, false
		}
		parsed = number
	default:
		number, ok := numberAsFloat64(value)
		if !ok {
			return 0, false
		}
		parsed = number
	}

	if math.IsNaN(parsed) || math.IsInf(parsed, 0) {
		return 0, false
	}
	return parsed, true
}

func numberAsFloat64(value any) (float64, bool) {
	if number, ok := asInt64(value); ok {
		return float64(number), true
	}
	if number, ok := asUint64(value); ok {
		return float64(number), true
	}
	return asFloat64(value)
}

func asInt64(value any) (int64, bool) {
	switch number := value.(type) {
	case int:
		return int64(number), true
	case int8:
		return int64(number), true
	case int16:
		return int64(number), true
	case int32:
		return int64(number), true
	case int64:
		return number, true
	default:
		return 0, false
	}
}

func asUint64(value any) (uint64, bool) {
	switch number := value.(type) {
	case uint:
		return uint64(number), true
	case uint8:
		return uint64(number), true
	case uint16:
		return uint64(number), true
	case uint32:
		return uint64(number), true
	case uint64:
		return number, true
	default:
		return 0, false
	}
}

func asFloat64(value any) (float64, bool) {
	switch number := value.(type) {
	case float32:
		return float64(number), true
	case float64:
		return number, true
	default:
		return 0, false
	}
}

// stringify renders a value the way the dashboard compares attribute values:
// numbers without trailing zeros, lists joined by commas.
func stringify(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case bool:
		return strconv.FormatBool(typed)
	case json.Number:
		return typed.String()
	case []any:
		parts := make([]string, len(typed))
		for i, item := range typed {
			parts[i] = stringify(item)
		}
		return strings.Join(parts, ",")
	case []string:
		return strings.Join(typed, ",")
	}

	if number, ok := asInt64(value); ok {
		return strconv.FormatInt(number, 10)
	}
	if number, ok := asUint64(value); ok {
		return strconv.FormatUint(number, 10)
	}
	if number, ok := asFloat64(value); ok {
		return strconv.FormatFloat(number, 'f', -1, 64)
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return ""
	}
	return string(encoded)
}
