package hass

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/matt-riley/cardz/internal/core"
)

const (
	statesPath            = "/api/states"
	defaultRESTTimeout    = 10 * time.Second
	defaultRESTRetryCount = 2
)

// RESTSource fetches full entity snapshots from GET /api/states.
type RESTSource struct {
	client *resty.Client
	filter Filter
}

// RESTOption configures a [RESTSource].
type RESTOption func(*RESTSource)

// WithFilter restricts the entities the source reports.
func WithFilter(filter Filter) RESTOption {
	return func(s *RESTSource) { s.filter = filter }
}

// WithTimeout bounds each request including retries.
func WithTimeout(timeout time.Duration) RESTOption {
	return func(s *RESTSource) {
		if timeout > 0 {
			s.client.SetTimeout(timeout)
		}
	}
}

// WithRetryCount sets how many times a failed request is retried.
func WithRetryCount(count int) RESTOption {
	return func(s *RESTSource) {
		if count >= 0 {
			s.client.SetRetryCount(count)
		}
	}
}

// NewRESTSource returns a source for the Home Assistant instance at baseURL
// authenticated with a long-lived access token.
func NewRESTSource(baseURL, token string, opts ...RESTOption) (*RESTSource, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("home assistant base url is required")
	}
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("home assistant token is required")
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(token).
		SetTimeout(defaultRESTTimeout).
		SetRetryCount(defaultRESTRetryCount).
		SetRetryWaitTime(250*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			return err != nil || resp.StatusCode() >= 500
		}).
		SetHeader("Accept", "application/json")

	source := &RESTSource{client: client}
	for _, opt := range opts {
		opt(source)
	}

	return source, nil
}

// Fetch implements the service EntitySource contract.
func (s *RESTSource) Fetch(ctx context.Context) (core.EntityMap, error) {
	var states []core.EntityState
	resp, err := s.client.R().
		SetContext(ctx).
		SetResult(&states).
		ForceContentType("application/json").
		Get(statesPath)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", statesPath, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("get %s: unexpected status %d", statesPath, resp.StatusCode())
	}

	entities := make(core.EntityMap, len(states))
	for _, state := range states {
		if !s.filter.Allows(state.ID) {
			continue
		}
		entities[state.ID] = state
	}

	return entities, nil
}
