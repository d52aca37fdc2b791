package core

import (
	"regexp"
	"sort"
	"strings"
)

const visibilityConditionKey = "visibilityCondition"

// singleEntityKeys are the setting names different card editors have used for
// a card's primary entity, in lookup order.
var singleEntityKeys = []string{
	"entityId",
	"sensorId",
	"todoEntityId",
	"calendarEntity",
	"calendarEntityId",
	"weatherEntityId",
	"tempEntityId",
	"temperatureEntityId",
	"humidityEntityId",
	"climateEntityId",
	"coverEntityId",
	"cameraEntityId",
	"vacuumEntityId",
	"mediaPlayerId",
	"personId",
	"lightId",
	"switchId",
	"fanEntityId",
	"lockEntityId",
	"alarmEntityId",
	"batteryEntityId",
	"rangeEntityId",
}

// entityArrayKeys hold lists of entities; the first element is the target.
var entityArrayKeys = []string{
	"entityIds",
	"mediaIds",
	"sensorIds",
	"lightIds",
	"calendarEntities",
	"todoEntityIds",
	"cameraIds",
}

// domainPrefixes map pseudo card ids such as "sensor_temp" to "sensor.temp".
// Longer prefixes come first so "binary_sensor_" wins over shorter overlaps.
var domainPrefixes = []string{
	"alarm_control_panel",
	"binary_sensor",
	"input_boolean",
	"input_number",
	"input_select",
	"media_player",
	"automation",
	"calendar",
	"climate",
	"weather",
	"camera",
	"person",
	"sensor",
	"script",
	"switch",
	"vacuum",
	"cover",
	"light",
	"scene",
	"lock",
	"todo",
	"fan",
}

var entityIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+$`)

var knownEntityKeys = func() map[string]struct{} {
	keys := make(map[string]struct{}, len(singleEntityKeys)+len(entityArrayKeys)+1)
	keys[visibilityConditionKey] = struct{}{}
	for _, key := range singleEntityKeys {
		keys[key] = struct{}{}
	}
	for _, key := range entityArrayKeys {
		keys[key] = struct{}{}
	}
	return keys
}()

type entityResolver func(cardID string, settings CardSettings, entities EntityMap) string

// entityResolvers run in priority order; the first non-empty answer wins.
var entityResolvers = []entityResolver{
	entityFromCondition,
	entityFromSingleKeys,
	entityFromArrayKeys,
	entityFromSettingsScan,
	entityFromDottedCardID,
	entityFromDomainPrefix,
}

// ResolveConditionEntityID determines which entity a card is about. It returns
// "" when no candidate is found.
func ResolveConditionEntityID(cardID string, settings CardSettings, entities EntityMap) string {
	for _, resolve := range entityResolvers {
		if id := resolve(cardID, settings, entities); id != "" {
			return id
		}
	}
	return ""
}

func entityFromCondition(_ string, settings CardSettings, _ EntityMap) string {
	switch condition := settings[visibilityConditionKey].(type) {
	case map[string]any:
		if id, ok := condition["entityId"].(string); ok {
			return strings.TrimSpace(id)
		}
	case ConditionConfig:
		return strings.TrimSpace(condition.EntityID)
	case *ConditionConfig:
		if condition != nil {
			return strings.TrimSpace(condition.EntityID)
		}
	}
	return ""
}

func entityFromSingleKeys(_ string, settings CardSettings, _ EntityMap) string {
	for _, key := range singleEntityKeys {
		if id := settings.String(key); id != "" {
			return id
		}
	}
	return ""
}

func entityFromArrayKeys(_ string, settings CardSettings, _ EntityMap) string {
	for _, key := range entityArrayKeys {
		var first any
		switch values := settings[key].(type) {
		case []any:
			if len(values) > 0 {
				first = values[0]
			}
		case []string:
			if len(values) > 0 {
				first = values[0]
			}
		}
		if id, ok := first.(string); ok {
			if trimmed := strings.TrimSpace(id); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}

// entityFromSettingsScan looks through the remaining settings for a value
// shaped like an entity id. Keys are visited in sorted order so the answer is
// stable.
func entityFromSettingsScan(_ string, settings CardSettings, entities EntityMap) string {
	keys := make([]string, 0, len(settings))
	for key := range settings {
		if _, known := knownEntityKeys[key]; known {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if id := scanEntityValue(settings[key], entities); id != "" {
			return id
		}
	}
	return ""
}

func scanEntityValue(value any, entities EntityMap) string {
	switch typed := value.(type) {
	case string:
		candidate := strings.TrimSpace(typed)
		if entityIDPattern.MatchString(candidate) && acceptEntity(candidate, entities) {
			return candidate
		}
	case []string:
		for _, item := range typed {
			if id := scanEntityValue(item, entities); id != "" {
				return id
			}
		}
	case []any:
		for _, item := range typed {
			if id := scanEntityValue(item, entities); id != "" {
				return id
			}
		}
	}
	return ""
}

func entityFromDottedCardID(cardID string, _ CardSettings, _ EntityMap) string {
	cardID = strings.TrimSpace(cardID)
	if strings.Contains(cardID, ".") {
		return cardID
	}
	return ""
}

func entityFromDomainPrefix(cardID string, _ CardSettings, entities EntityMap) string {
	cardID = strings.TrimSpace(cardID)
	for _, domain := range domainPrefixes {
		suffix, ok := strings.CutPrefix(cardID, domain+"_")
		if !ok || suffix == "" {
			continue
		}
		candidate := domain + "." + suffix
		if acceptEntity(candidate, entities) {
			return candidate
		}
	}
	return ""
}

// acceptEntity admits a candidate present in the snapshot, or any candidate
// while no snapshot has arrived yet.
func acceptEntity(id string, entities EntityMap) bool {
	return len(entities) == 0 || entities.Has(id)
}
