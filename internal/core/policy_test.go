package core

import (
	"testing"
	"time"
)

func TestIsCardRemovable(t *testing.T) {
	ctx := PolicyContext{
		CardSettings: map[string]CardSettings{
			"home::custom_card": {"type": "sensor"},
			"toggle_card":       {"type": " toggle "},
			"home::chart":       {"type": "graph"},
		},
	}

	tests := []struct {
		name   string
		cardID string
		pageID string
		want   bool
	}{
		{name: "header person", cardID: "person.john", pageID: HeaderPageID, want: true},
		{name: "header sensor", cardID: "sensor.temp", pageID: HeaderPageID, want: false},
		{name: "header light", cardID: "light.kitchen", pageID: HeaderPageID, want: false},
		{name: "settings page sensor", cardID: "sensor.temp", pageID: SettingsPageID, want: true},
		{name: "settings page car", cardID: "car", pageID: SettingsPageID, want: false},
		{name: "settings page media player", cardID: "media_player.tv", pageID: SettingsPageID, want: false},
		{name: "typed entity card via composite key", cardID: "custom_card", pageID: "home", want: true},
		{name: "typed card via bare id", cardID: "toggle_card", pageID: "home", want: true},
		{name: "other card type", cardID: "chart", pageID: "home", want: false},
		{name: "bare media player", cardID: "media_player", pageID: "home", want: true},
		{name: "light card", cardID: "light_kitchen", pageID: "home", want: true},
		{name: "vacuum entity", cardID: "vacuum.robo", pageID: "home", want: true},
		{name: "calendar card", cardID: "calendar_card_1", pageID: "home", want: true},
		{name: "todo card is not removable", cardID: "todo_card_1", pageID: "home", want: false},
		{name: "plain sensor", cardID: "sensor.temp", pageID: "home", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsCardRemovable(tt.cardID, tt.pageID, ctx); got != tt.want {
				t.Fatalf("IsCardRemovable(%q, %q) = %t, want %t", tt.cardID, tt.pageID, got, tt.want)
			}
		})
	}
}

func TestIsCardHiddenByLogicEligibility(t *testing.T) {
	entities := EntityMap{
		"player.a":        {ID: "player.a", State: "playing"},
		"sensor.temp":     {ID: "sensor.temp", State: "21"},
		"media_player.tv": {ID: "media_player.tv", State: "idle"},
	}

	tests := []struct {
		name     string
		cardID   string
		page     string
		settings map[string]CardSettings
		entities EntityMap
		want     bool
	}{
		{
			name:     "media group without live members",
			cardID:   "media_group_1",
			settings: map[string]CardSettings{"media_group_1": {"mediaIds": []any{"player.a"}}},
			entities: EntityMap{},
			want:     true,
		},
		{
			name:     "media group with a live member",
			cardID:   "media_group_1",
			settings: map[string]CardSettings{"media_group_1": {"mediaIds": []any{"player.a"}}},
			entities: entities,
			want:     false,
		},
		{
			name:     "media group without settings",
			cardID:   "media_group_2",
			entities: entities,
			want:     true,
		},
		{
			name:     "bare media player is always hidden",
			cardID:   "media_player",
			entities: entities,
			want:     true,
		},
		{
			name:     "entity card present",
			cardID:   "sensor.temp",
			entities: entities,
			want:     false,
		},
		{
			name:     "entity card missing",
			cardID:   "sensor.gone",
			entities: entities,
			want:     true,
		},
		{
			name:     "pseudo id resolves to live entity",
			cardID:   "sensor_temp",
			entities: entities,
			want:     false,
		},
		{
			name:     "light cards skip entity check",
			cardID:   "light.gone",
			entities: entities,
			want:     false,
		},
		{
			name:     "composite cards skip entity check",
			cardID:   "weather_temp_1",
			entities: entities,
			want:     false,
		},
		{
			name:     "car skips entity check",
			cardID:   "car",
			entities: entities,
			want:     false,
		},
		{
			name:     "settings page needs exact id",
			cardID:   "sensor_temp",
			page:     SettingsPageID,
			entities: entities,
			want:     true,
		},
		{
			name:     "settings page media player still needs an entity",
			cardID:   "media_player.kitchen",
			page:     SettingsPageID,
			entities: EntityMap{"sensor.temp": {ID: "sensor.temp"}},
			want:     true,
		},
		{
			name:     "settings page light exempt",
			cardID:   "light.gone",
			page:     SettingsPageID,
			entities: entities,
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := PolicyContext{
				Entities:     tt.entities,
				CardSettings: tt.settings,
				ActivePage:   tt.page,
				Now:          testNow,
			}
			if got := IsCardHiddenByLogic(tt.cardID, ctx); got != tt.want {
				t.Fatalf("IsCardHiddenByLogic(%q) = %t, want %t", tt.cardID, got, tt.want)
			}
		})
	}
}

func TestIsCardHiddenByLogicCondition(t *testing.T) {
	entities := EntityMap{
		"sensor.temp": {
			ID:          "sensor.temp",
			State:       "22",
			LastChanged: testNow.Add(-10 * time.Second).Format(time.RFC3339Nano),
		},
		"binary_sensor.window": {ID: "binary_sensor.window", State: "on"},
	}

	tests := []struct {
		name      string
		condition any
		want      bool
	}{
		{
			name:      "no condition",
			condition: nil,
			want:      false,
		},
		{
			name:      "garbage condition",
			condition: "show when warm",
			want:      false,
		},
		{
			name:      "disabled condition",
			condition: map[string]any{"enabled": false, "rules": []any{map[string]any{"type": "state", "states": "off"}}},
			want:      false,
		},
		{
			name:      "passing numeric rule",
			condition: map[string]any{"type": "numeric", "operator": ">", "value": 20},
			want:      false,
		},
		{
			name:      "failing numeric rule hides",
			condition: map[string]any{"type": "numeric", "operator": ">", "value": 25},
			want:      true,
		},
		{
			name:      "sustain not reached hides",
			condition: map[string]any{"type": "state", "states": []any{"22"}, "forSeconds": 20},
			want:      true,
		},
		{
			name:      "sustain reached shows",
			condition: map[string]any{"type": "state", "states": []any{"22"}, "forSeconds": 5},
			want:      false,
		},
		{
			name: "per rule target under AND",
			condition: map[string]any{
				"logic": "AND",
				"rules": []any{
					map[string]any{"type": "numeric", "operator": ">", "value": 20},
					map[string]any{"type": "state", "states": "off", "entityId": "binary_sensor.window"},
				},
			},
			want: true,
		},
		{
			name: "per rule target under OR",
			condition: map[string]any{
				"logic": "OR",
				"rules": []any{
					map[string]any{"type": "numeric", "operator": ">", "value": 30},
					map[string]any{"type": "state", "states": "on", "entityId": "binary_sensor.window"},
				},
			},
			want: false,
		},
		{
			name: "condition target missing from snapshot stays visible",
			condition: map[string]any{
				"entityId": "sensor.gone",
				"rules":    []any{map[string]any{"type": "state", "states": "never"}},
			},
			want: false,
		},
		{
			name:      "unknown rule type hides",
			condition: map[string]any{"type": "template"},
			want:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := CardSettings{}
			if tt.condition != nil {
				settings["visibilityCondition"] = tt.condition
			}
			ctx := PolicyContext{
				Entities:     entities,
				CardSettings: map[string]CardSettings{"home::sensor.temp": settings},
				ActivePage:   "home",
				Now:          testNow,
			}
			if got := IsCardHiddenByLogic("sensor.temp", ctx); got != tt.want {
				t.Fatalf("IsCardHiddenByLogic() = %t, want %t", got, tt.want)
			}
		})
	}
}

func TestPolicyContextCustomSettingsKey(t *testing.T) {
	ctx := PolicyContext{
		CardSettings: map[string]CardSettings{"home/fan_card": {"type": "toggle"}},
		SettingsKey: func(cardID, pageID string) string {
			return pageID + "/" + cardID
		},
	}

	if !IsCardRemovable("fan_card", "home", ctx) {
		t.Fatal("IsCardRemovable() = false, want true with custom settings key")
	}
}

func TestIsMediaPage(t *testing.T) {
	pages := map[string]PageSettings{
		"living":  {Type: " Sonos "},
		"cinema":  {Type: "media"},
		"kitchen": {Type: "default"},
	}

	tests := []struct {
		pageID string
		want   bool
	}{
		{pageID: "", want: false},
		{pageID: "   ", want: false},
		{pageID: "living", want: true},
		{pageID: "cinema", want: true},
		{pageID: "kitchen", want: false},
		{pageID: "media_room", want: true},
		{pageID: "sonos", want: true},
		{pageID: "home", want: false},
	}

	for _, tt := range tests {
		if got := IsMediaPage(tt.pageID, pages); got != tt.want {
			t.Fatalf("IsMediaPage(%q) = %t, want %t", tt.pageID, got, tt.want)
		}
	}
}
