package hass

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/matt-riley/cardz/internal/core"
)

const (
	connectTimeout    = 10 * time.Second
	disconnectQuiesce = 250
)

// StateStreamConfig describes the broker carrying mqtt_statestream topics.
type StateStreamConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Prefix   string
	Filter   Filter
	Logger   *slog.Logger
}

// StateStream accumulates entity states published by Home Assistant's
// mqtt_statestream integration under <prefix>/<domain>/<object_id>/<key>.
type StateStream struct {
	client mqtt.Client
	prefix string
	filter Filter
	logger *slog.Logger

	mu       sync.RWMutex
	entities map[string]core.EntityState
}

// NewStateStream builds an unconnected stream. Call Start to connect.
func NewStateStream(cfg StateStreamConfig) (*StateStream, error) {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, errors.New("mqtt broker is required")
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		return nil, errors.New("statestream prefix is required")
	}

	s := &StateStream{
		prefix:   prefix,
		filter:   cfg.Filter,
		logger:   cfg.Logger,
		entities: make(map[string]core.EntityState),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(connectTimeout)
	// A clean session drops subscriptions, so subscribe on every connect.
	opts.SetOnConnectHandler(s.subscribe)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Warn("mqtt connection lost", "error", err)
	})

	s.client = mqtt.NewClient(opts)
	return s, nil
}

// Topic is the subscription filter covering every statestream topic.
func (s *StateStream) Topic() string {
	return s.prefix + "/+/+/+"
}

// Start connects to the broker and disconnects when ctx ends.
func (s *StateStream) Start(ctx context.Context) error {
	token := s.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect mqtt broker: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.client.Disconnect(disconnectQuiesce)
	}()

	return nil
}

func (s *StateStream) subscribe(client mqtt.Client) {
	topic := s.Topic()
	token := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		s.handle(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(connectTimeout) {
		s.logger.Warn("mqtt subscribe not acknowledged", "topic", topic, "timeout", connectTimeout)
		return
	}
	if err := token.Error(); err != nil {
		s.logger.Error("mqtt subscribe failed", "topic", topic, "error", err)
		return
	}
	s.logger.Info("subscribed to statestream", "topic", topic)
}

// Fetch implements the service EntitySource contract by copying the
// accumulated store.
func (s *StateStream) Fetch(_ context.Context) (core.EntityMap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entities := make(core.EntityMap, len(s.entities))
	for id, entity := range s.entities {
		if s.filter.Allows(id) {
			entities[id] = entity
		}
	}
	return entities, nil
}

// handle applies one statestream message. An empty state payload removes the
// entity.
func (s *StateStream) handle(topic string, payload []byte) {
	rest, ok := strings.CutPrefix(topic, s.prefix+"/")
	if !ok {
		return
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return
	}
	entityID := parts[0] + "." + parts[1]
	if !s.filter.Allows(entityID) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entity := s.entities[entityID]
	entity.ID = entityID

	switch key := parts[2]; key {
	case "state":
		if len(bytes.TrimSpace(payload)) == 0 {
			delete(s.entities, entityID)
			return
		}
		entity.State = payloadString(payload)
	case "last_changed":
		entity.LastChanged = payloadString(payload)
	case "last_updated":
		entity.LastUpdated = payloadString(payload)
	case "attributes":
		var attrs map[string]any
		if err := json.Unmarshal(payload, &attrs); err != nil {
			s.logger.Debug("ignoring statestream attributes", "entity_id", entityID, "error", err)
			return
		}
		entity.Attributes = attrs
	default:
		// Attribute maps are shared with earlier Fetch results, so copy before writing.
		attrs := make(map[string]any, len(entity.Attributes)+1)
		maps.Copy(attrs, entity.Attributes)
		attrs[key] = payloadValue(payload)
		entity.Attributes = attrs
	}

	s.entities[entityID] = entity
}

// payloadValue decodes JSON payloads and falls back to the raw text.
func payloadValue(payload []byte) any {
	var value any
	if err := json.Unmarshal(payload, &value); err == nil {
		return value
	}
	return string(payload)
}

func payloadString(payload []byte) string {
	var text string
	if err := json.Unmarshal(payload, &text); err == nil {
		return text
	}
	return strings.TrimSpace(string(payload))
}
