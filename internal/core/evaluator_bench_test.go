package core

import (
	"fmt"
	"testing"
	"time"
)

func BenchmarkEvaluateRule_State(b *testing.B) {
	rule := Rule{Type: RuleTypeState, States: []string{"on", "playing", "heat"}}
	entity := &EntityState{ID: "light.kitchen", State: "heat"}

	b.ResetTimer()
	for b.Loop() {
		EvaluateRule(rule, entity, testNow)
	}
}

func BenchmarkEvaluateRule_NumericSustained(b *testing.B) {
	rule := Rule{Type: RuleTypeNumeric, Operator: OperatorGreaterOrEqual, Value: 20.0, ForSeconds: floatPtr(30)}
	entity := &EntityState{ID: "sensor.temp", State: "21.5", LastChanged: stamp(time.Minute)}

	b.ResetTimer()
	for b.Loop() {
		EvaluateRule(rule, entity, testNow)
	}
}

func BenchmarkEvaluateVisibilityConditionConfig_Raw(b *testing.B) {
	condition := map[string]any{
		"logic": "OR",
		"rules": []any{
			map[string]any{"type": "state", "states": "on,playing"},
			map[string]any{"type": "attribute", "attribute": "source", "value": "TV"},
		},
	}
	entities := EntityMap{
		"media_player.tv": {ID: "media_player.tv", State: "idle", Attributes: map[string]any{"source": "TV"}},
	}

	b.ResetTimer()
	for b.Loop() {
		EvaluateVisibilityConditionConfig(VisibilityConditionRequest{
			Condition:        condition,
			Entities:         entities,
			FallbackEntityID: "media_player.tv",
			Now:              testNow,
		})
	}
}

func BenchmarkIsCardHiddenByLogic_LargeSnapshot(b *testing.B) {
	entities := make(EntityMap, 2000)
	for i := range 2000 {
		id := fmt.Sprintf("sensor.s%d", i)
		entities[id] = EntityState{ID: id, State: fmt.Sprintf("%d", i)}
	}
	ctx := PolicyContext{
		Entities:   entities,
		ActivePage: "home",
		CardSettings: map[string]CardSettings{
			"home::sensor_s1500": {
				"visibilityCondition": map[string]any{
					"rules": []any{map[string]any{"type": "numeric", "operator": ">", "value": 1000}},
				},
			},
		},
		Now: testNow,
	}

	b.ResetTimer()
	for b.Loop() {
		IsCardHiddenByLogic("sensor_s1500", ctx)
	}
}
