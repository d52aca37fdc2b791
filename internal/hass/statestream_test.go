package hass

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

func newTestStateStream(t *testing.T, filter Filter) *StateStream {
	t.Helper()
	stream, err := NewStateStream(StateStreamConfig{
		Broker:   "tcp://127.0.0.1:1883",
		ClientID: "cardz-test",
		Prefix:   "/homeassistant/",
		Filter:   filter,
	})
	if err != nil {
		t.Fatalf("NewStateStream() error = %v", err)
	}
	return stream
}

func TestStateStreamTopic(t *testing.T) {
	stream := newTestStateStream(t, Filter{})
	if got := stream.Topic(); got != "homeassistant/+/+/+" {
		t.Fatalf("Topic() = %q, want homeassistant/+/+/+", got)
	}
}

func TestStateStreamHandleBuildsEntities(t *testing.T) {
	stream := newTestStateStream(t, Filter{})

	stream.handle("homeassistant/light/kitchen/state", []byte("on"))
	stream.handle("homeassistant/light/kitchen/brightness", []byte("180"))
	stream.handle("homeassistant/light/kitchen/friendly_name", []byte(`"Kitchen"`))
	stream.handle("homeassistant/light/kitchen/last_changed", []byte(`"2024-05-01T10:00:00+00:00"`))
	stream.handle("homeassistant/light/kitchen/last_updated", []byte("2024-05-01T10:00:05+00:00"))
	stream.handle("homeassistant/sensor/outdoor_temp/state", []byte(`"21.5"`))

	entities, err := stream.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(entities) != 2 {
		t.Fatalf("len(entities) = %d, want 2: %v", len(entities), entities)
	}

	light := entities["light.kitchen"]
	if light.ID != "light.kitchen" || light.State != "on" {
		t.Fatalf("light = %+v, want id light.kitchen state on", light)
	}
	if got, ok := light.Attributes["brightness"].(float64); !ok || got != 180 {
		t.Fatalf("brightness = %#v, want 180", light.Attributes["brightness"])
	}
	if got := light.Attributes["friendly_name"]; got != "Kitchen" {
		t.Fatalf("friendly_name = %#v, want Kitchen", got)
	}
	if light.LastChanged != "2024-05-01T10:00:00+00:00" {
		t.Fatalf("last_changed = %q", light.LastChanged)
	}
	if light.LastUpdated != "2024-05-01T10:00:05+00:00" {
		t.Fatalf("last_updated = %q", light.LastUpdated)
	}
	if got := entities["sensor.outdoor_temp"].State; got != "21.5" {
		t.Fatalf("sensor state = %q, want 21.5", got)
	}
}

func TestStateStreamAttributesTopicReplacesAttributes(t *testing.T) {
	stream := newTestStateStream(t, Filter{})

	stream.handle("homeassistant/media_player/den/volume_level", []byte("0.4"))
	stream.handle("homeassistant/media_player/den/attributes", []byte(`{"source":"TV"}`))
	stream.handle("homeassistant/media_player/den/attributes", []byte(`not json`))

	entities, _ := stream.Fetch(context.Background())
	attrs := entities["media_player.den"].Attributes
	if len(attrs) != 1 || attrs["source"] != "TV" {
		t.Fatalf("attributes = %v, want only source=TV", attrs)
	}
}

func TestStateStreamEmptyStateRemovesEntity(t *testing.T) {
	stream := newTestStateStream(t, Filter{})

	stream.handle("homeassistant/switch/fan/state", []byte("off"))
	stream.handle("homeassistant/switch/fan/state", []byte(""))

	entities, _ := stream.Fetch(context.Background())
	if entities.Has("switch.fan") {
		t.Fatalf("expected switch.fan to be removed, got %v", entities)
	}
}

func TestStateStreamIgnoresForeignTopics(t *testing.T) {
	stream := newTestStateStream(t, Filter{})

	for _, topic := range []string{
		"other/light/kitchen/state",
		"homeassistant/status",
		"homeassistant/light/kitchen",
		"homeassistant/light//state",
		"homeassistant/light/kitchen/state/extra",
	} {
		stream.handle(topic, []byte("on"))
	}

	entities, _ := stream.Fetch(context.Background())
	if len(entities) != 0 {
		t.Fatalf("entities = %v, want none", entities)
	}
}

func TestStateStreamFilter(t *testing.T) {
	stream := newTestStateStream(t, Filter{Exclude: []*regexp.Regexp{regexp.MustCompile(`^sensor\.`)}})

	stream.handle("homeassistant/sensor/humidity/state", []byte("40"))
	stream.handle("homeassistant/light/porch/state", []byte("off"))

	entities, _ := stream.Fetch(context.Background())
	if len(entities) != 1 || !entities.Has("light.porch") {
		t.Fatalf("entities = %v, want only light.porch", entities)
	}
}

func TestStateStreamFetchReturnsIsolatedCopy(t *testing.T) {
	stream := newTestStateStream(t, Filter{})

	stream.handle("homeassistant/light/kitchen/state", []byte("on"))
	stream.handle("homeassistant/light/kitchen/brightness", []byte("10"))

	first, _ := stream.Fetch(context.Background())
	delete(first, "light.kitchen")

	stream.handle("homeassistant/light/kitchen/brightness", []byte("20"))

	second, _ := stream.Fetch(context.Background())
	if !second.Has("light.kitchen") {
		t.Fatal("deleting from a fetched snapshot changed the store")
	}
	if got := second["light.kitchen"].Attributes["brightness"]; got != float64(20) {
		t.Fatalf("brightness = %#v, want 20", got)
	}
}

func TestStateStreamAttributeWritesDoNotLeakIntoEarlierSnapshots(t *testing.T) {
	stream := newTestStateStream(t, Filter{})

	stream.handle("homeassistant/light/kitchen/brightness", []byte("10"))
	before, _ := stream.Fetch(context.Background())

	stream.handle("homeassistant/light/kitchen/brightness", []byte("99"))

	if got := before["light.kitchen"].Attributes["brightness"]; got != float64(10) {
		t.Fatalf("earlier snapshot brightness = %#v, want 10", got)
	}
}

func TestNewStateStreamValidation(t *testing.T) {
	if _, err := NewStateStream(StateStreamConfig{Prefix: "homeassistant"}); err == nil {
		t.Fatal("expected error for empty broker")
	}
	if _, err := NewStateStream(StateStreamConfig{Broker: "tcp://localhost:1883", Prefix: "/"}); err == nil {
		t.Fatal("expected error for empty prefix")
	}
}

type fakeSubscribeToken struct {
	acked bool
	err   error
}

func (t fakeSubscribeToken) Wait() bool                     { return t.acked }
func (t fakeSubscribeToken) WaitTimeout(time.Duration) bool { return t.acked }
func (t fakeSubscribeToken) Error() error                   { return t.err }

func (t fakeSubscribeToken) Done() <-chan struct{} {
	done := make(chan struct{})
	if t.acked {
		close(done)
	}
	return done
}

type fakeSubscribeClient struct {
	mqtt.Client
	token  fakeSubscribeToken
	topics []string
}

func (c *fakeSubscribeClient) Subscribe(topic string, _ byte, _ mqtt.MessageHandler) mqtt.Token {
	c.topics = append(c.topics, topic)
	return c.token
}

func TestStateStreamSubscribeLogsOutcome(t *testing.T) {
	tests := []struct {
		name    string
		token   fakeSubscribeToken
		want    string
		wantNot string
	}{
		{
			name:    "acknowledged",
			token:   fakeSubscribeToken{acked: true},
			want:    "level=INFO msg=\"subscribed to statestream\"",
			wantNot: "level=WARN",
		},
		{
			name:    "not acknowledged in time",
			token:   fakeSubscribeToken{},
			want:    "level=WARN msg=\"mqtt subscribe not acknowledged\"",
			wantNot: "subscribed to statestream",
		},
		{
			name:    "rejected",
			token:   fakeSubscribeToken{acked: true, err: errors.New("not authorized")},
			want:    "level=ERROR msg=\"mqtt subscribe failed\"",
			wantNot: "subscribed to statestream",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs bytes.Buffer
			stream := newTestStateStream(t, Filter{})
			stream.logger = slog.New(slog.NewTextHandler(&logs, nil))
			client := &fakeSubscribeClient{token: tt.token}

			stream.subscribe(client)

			if len(client.topics) != 1 || client.topics[0] != "homeassistant/+/+/+" {
				t.Fatalf("subscribed topics = %v, want [homeassistant/+/+/+]", client.topics)
			}
			if got := logs.String(); !strings.Contains(got, tt.want) || strings.Contains(got, tt.wantNot) {
				t.Fatalf("logs = %q, want %q and not %q", got, tt.want, tt.wantNot)
			}
		})
	}
}
