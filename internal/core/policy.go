package core

import (
	"strings"
	"time"
)

const (
	HeaderPageID   = "header"
	SettingsPageID = "settings"

	carCardID         = "car"
	mediaPlayerCardID = "media_player"

	mediaGroupPrefix  = "media_group_"
	mediaPlayerPrefix = "media_player"
	personPrefix      = "person."
)

var lightPrefixes = []string{"light_", "light."}

// alwaysRemovablePrefixes mark card kinds the user may always remove.
var alwaysRemovablePrefixes = []string{
	"light_",
	"light.",
	"vacuum.",
	"vacuum_card_",
	"media_player.",
	"media_group_",
	"weather_temp_",
	"calendar_card_",
	"climate_card_",
	"cover_card_",
	"camera_card_",
}

// compositeCardPrefixes mark cards built from several entities or none; they
// are exempt from the missing-entity check.
var compositeCardPrefixes = []string{
	"media_group_",
	"weather_temp_",
	"calendar_card_",
	"todo_card_",
	"climate_card_",
	"cover_card_",
	"camera_card_",
	"vacuum_card_",
	"sonos_",
}

var removableCardTypes = map[string]struct{}{
	"entity": {},
	"toggle": {},
	"sensor": {},
}

// PolicyContext carries the host state the card policy functions read.
type PolicyContext struct {
	Entities     EntityMap
	CardSettings map[string]CardSettings
	ActivePage   string
	PageSettings map[string]PageSettings
	// SettingsKey builds the composite settings key; nil uses DefaultSettingsKey.
	SettingsKey  func(cardID, pageID string) string
	GetAttribute AttributeGetter
	// Now defaults to the wall clock, read once per verdict.
	Now time.Time
}

// DefaultSettingsKey is the "pageID::cardID" key used by the dashboard.
func DefaultSettingsKey(cardID, pageID string) string {
	return pageID + "::" + cardID
}

// Settings returns the settings stored for the card on a page, falling back
// to settings stored under the bare card id. It never returns nil.
func (c PolicyContext) Settings(cardID, pageID string) CardSettings {
	keyFn := c.SettingsKey
	if keyFn == nil {
		keyFn = DefaultSettingsKey
	}
	if settings, ok := c.CardSettings[keyFn(cardID, pageID)]; ok && settings != nil {
		return settings
	}
	if settings, ok := c.CardSettings[cardID]; ok && settings != nil {
		return settings
	}
	return CardSettings{}
}

// IsCardRemovable reports whether the user may remove the card from the page.
func IsCardRemovable(cardID, pageID string, ctx PolicyContext) bool {
	switch pageID {
	case HeaderPageID:
		return strings.HasPrefix(cardID, personPrefix)
	case SettingsPageID:
		return cardID != carCardID && !strings.HasPrefix(cardID, mediaPlayerPrefix)
	}

	settings := ctx.Settings(cardID, pageID)
	if _, ok := removableCardTypes[settings.String("type")]; ok {
		return true
	}
	if cardID == mediaPlayerCardID {
		return true
	}
	return hasAnyPrefix(cardID, alwaysRemovablePrefixes)
}

// IsCardHiddenByLogic reports whether the card should be hidden on the active
// page. Missing data always resolves to visible.
func IsCardHiddenByLogic(cardID string, ctx PolicyContext) bool {
	pageID := ctx.ActivePage
	settings := ctx.Settings(cardID, pageID)

	if hiddenByEligibility(cardID, pageID, settings, ctx.Entities) {
		return true
	}

	return hiddenByCondition(cardID, settings, ctx)
}

func hiddenByEligibility(cardID, pageID string, settings CardSettings, entities EntityMap) bool {
	if cardID == mediaPlayerCardID {
		return true
	}

	if strings.HasPrefix(cardID, mediaGroupPrefix) {
		for _, member := range settings.Strings("mediaIds") {
			if entities.Has(member) {
				return false
			}
		}
		return true
	}

	isLight := hasAnyPrefix(cardID, lightPrefixes)

	if pageID == SettingsPageID && cardID != carCardID && !isLight && !strings.HasPrefix(cardID, mediaPlayerPrefix) {
		if !entities.Has(cardID) {
			return true
		}
	}

	isSpecial := cardID == carCardID || hasAnyPrefix(cardID, compositeCardPrefixes)
	if !isSpecial && !isLight && !hasMatchingEntity(cardID, settings, entities) {
		return true
	}

	return false
}

// hasMatchingEntity accepts the card id itself or the entity the card
// resolves to, so pseudo ids like "sensor_temp" stay eligible.
func hasMatchingEntity(cardID string, settings CardSettings, entities EntityMap) bool {
	if entities.Has(cardID) {
		return true
	}
	return entities.Has(ResolveConditionEntityID(cardID, settings, entities))
}

func hiddenByCondition(cardID string, settings CardSettings, ctx PolicyContext) bool {
	raw, ok := settings[visibilityConditionKey]
	if !ok || raw == nil {
		return false
	}

	config := NormalizeVisibilityConditionConfig(raw)
	if config.Inert() {
		return false
	}

	targetID := ResolveConditionEntityID(cardID, settings, ctx.Entities)
	target := ctx.Entities.Lookup(targetID)
	if target == nil {
		return false
	}

	visible := evaluateCondition(config, target, ctx.Entities, targetID, ctx.GetAttribute, nowOr(ctx.Now))
	return !visible
}

// IsMediaPage reports whether pageID is a media or Sonos page.
func IsMediaPage(pageID string, pageSettings map[string]PageSettings) bool {
	pageID = strings.TrimSpace(pageID)
	if pageID == "" {
		return false
	}

	switch strings.ToLower(strings.TrimSpace(pageSettings[pageID].Type)) {
	case "media", "sonos":
		return true
	}

	return strings.HasPrefix(pageID, "media") || strings.HasPrefix(pageID, "sonos")
}

func hasAnyPrefix(value string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(value, prefix) {
			return true
		}
	}
	return false
}
