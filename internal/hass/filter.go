// Package hass feeds Home Assistant entity states into the card visibility
// engine, either by polling the REST API or by following mqtt_statestream.
package hass

import "regexp"

// Filter limits which entity ids a source reports. An empty Include admits
// every id; Exclude wins over Include.
type Filter struct {
	Include []*regexp.Regexp
	Exclude []*regexp.Regexp
}

// Allows reports whether entityID passes the filter.
func (f Filter) Allows(entityID string) bool {
	if entityID == "" {
		return false
	}
	for _, re := range f.Exclude {
		if re.MatchString(entityID) {
			return false
		}
	}
	if len(f.Include) == 0 {
		return true
	}
	for _, re := range f.Include {
		if re.MatchString(entityID) {
			return true
		}
	}
	return false
}
