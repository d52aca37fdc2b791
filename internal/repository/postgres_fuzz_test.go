package repository

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"
)

func FuzzNormalizeNotifyChannel(f *testing.F) {
	f.Add("")
	f.Add("settings_events")
	f.Add("  custom_events  ")

	f.Fuzz(func(t *testing.T, channel string) {
		got := normalizeNotifyChannel(channel)
		trimmed := strings.TrimSpace(channel)
		if trimmed == "" {
			if got != defaultNotifyChannel {
				t.Fatalf("normalizeNotifyChannel(%q) = %q, want %q", channel, got, defaultNotifyChannel)
			}
			return
		}

		if got != trimmed {
			t.Fatalf("normalizeNotifyChannel(%q) = %q, want %q", channel, got, trimmed)
		}
	})
}

func FuzzEnsureJSON(f *testing.F) {
	f.Add([]byte{}, "{}")
	f.Add([]byte(`{"a":1}`), "{}")

	f.Fuzz(func(t *testing.T, input []byte, fallback string) {
		got := ensureJSON(json.RawMessage(input), fallback)
		if len(input) == 0 {
			if string(got) != fallback {
				t.Fatalf("ensureJSON(empty,%q) = %q, want %q", fallback, got, fallback)
			}
			return
		}

		if string(got) != string(input) {
			t.Fatalf("ensureJSON(non-empty) = %q, want %q", got, input)
		}
	})
}

func FuzzListenStatement(f *testing.F) {
	f.Add("settings_events")
	f.Add("custom-events")
	f.Add(`";DROP TABLE card_settings;--`)

	f.Fuzz(func(t *testing.T, channel string) {
		statement := listenStatement(channel)
		if !strings.HasPrefix(statement, "LISTEN ") {
			t.Fatalf("listenStatement(%q) = %q, want LISTEN prefix", channel, statement)
		}
	})
}

func FuzzMarshalNotifyPayload(f *testing.F) {
	f.Add("home", "sensor_temp", "card_updated")
	f.Add("media", "", "page_updated")
	f.Add("", "", "")

	f.Fuzz(func(t *testing.T, pageID, cardID, eventType string) {
		payload, err := marshalNotifyPayload(SettingsEvent{
			PageID:    pageID,
			CardID:    cardID,
			EventType: eventType,
		})
		if err != nil {
			t.Fatalf("marshalNotifyPayload() error = %v", err)
		}

		var decoded struct {
			PageID    string `json:"page_id"`
			CardID    string `json:"card_id"`
			EventType string `json:"event_type"`
		}
		if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
			t.Fatalf("notify payload should be valid JSON: %v", err)
		}
		if utf8.ValidString(pageID) && decoded.PageID != pageID {
			t.Fatalf("decoded payload page id mismatch: got %q, want %q", decoded.PageID, pageID)
		}
		if utf8.ValidString(cardID) && decoded.CardID != cardID {
			t.Fatalf("decoded payload card id mismatch: got %q, want %q", decoded.CardID, cardID)
		}
		if utf8.ValidString(eventType) && decoded.EventType != eventType {
			t.Fatalf("decoded payload event type mismatch: got %q, want %q", decoded.EventType, eventType)
		}
	})
}
