// Package http provides an HTTP client for the cardz service.
package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	cardz "github.com/matt-riley/cardz/clients/go"
)

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the cardz server, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is the bearer token, usually in "id.secret" format.
	APIKey string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements cardz.SettingsManager, cardz.Evaluator and cardz.Streamer
// over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewHTTPClient returns a new HTTP client for the cardz service.
func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, httpClient: hc}
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cardz: HTTP %d: %s", e.StatusCode, e.Message)
}

type wireEvaluatePageReq struct {
	CardIDs []string `json:"card_ids,omitempty"`
}

type wireConditionReq struct {
	Condition        any                     `json:"condition"`
	EntityID         string                  `json:"entity_id,omitempty"`
	FallbackEntityID string                  `json:"fallback_entity_id,omitempty"`
	Entities         map[string]cardz.Entity `json:"entities,omitempty"`
}

type wireEvent struct {
	PageID   string          `json:"page_id"`
	CardID   string          `json:"card_id"`
	Settings json.RawMessage `json:"settings"`
	Error    string          `json:"error"`
}

// -- helpers -----------------------------------------------------------------

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("cardz: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("cardz: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cardz: http: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, newAPIError(resp)
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("cardz: decode response: %w", err)
	}
	return nil
}

// newAPIError prefers the server's {"error": "..."} message over the raw body.
func newAPIError(resp *http.Response) *APIError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	msg := strings.TrimSpace(string(raw))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

func cardPath(pageID, cardID string) string {
	return "/v1/pages/" + url.PathEscape(pageID) + "/cards/" + url.PathEscape(cardID) + "/settings"
}

// -- SettingsManager ---------------------------------------------------------

func (c *Client) GetCardSettings(ctx context.Context, pageID, cardID string) (cardz.CardSettings, error) {
	var out cardz.CardSettings
	err := c.doJSON(ctx, http.MethodGet, cardPath(pageID, cardID), nil, &out)
	return out, err
}

func (c *Client) PutCardSettings(ctx context.Context, pageID, cardID string, settings json.RawMessage) (cardz.CardSettings, error) {
	var out cardz.CardSettings
	err := c.doJSON(ctx, http.MethodPut, cardPath(pageID, cardID), settings, &out)
	return out, err
}

func (c *Client) DeleteCardSettings(ctx context.Context, pageID, cardID string) error {
	return c.doJSON(ctx, http.MethodDelete, cardPath(pageID, cardID), nil, nil)
}

func (c *Client) ListCardSettings(ctx context.Context, pageID string) ([]cardz.CardSettings, error) {
	var out []cardz.CardSettings
	err := c.doJSON(ctx, http.MethodGet, "/v1/pages/"+url.PathEscape(pageID)+"/cards", nil, &out)
	return out, err
}

func (c *Client) GetPageSettings(ctx context.Context, pageID string) (cardz.PageSettings, error) {
	var out cardz.PageSettings
	err := c.doJSON(ctx, http.MethodGet, "/v1/pages/"+url.PathEscape(pageID)+"/settings", nil, &out)
	return out, err
}

func (c *Client) PutPageSettings(ctx context.Context, pageID string, settings json.RawMessage) (cardz.PageSettings, error) {
	var out cardz.PageSettings
	err := c.doJSON(ctx, http.MethodPut, "/v1/pages/"+url.PathEscape(pageID)+"/settings", settings, &out)
	return out, err
}

// -- Evaluator ---------------------------------------------------------------

func (c *Client) EvaluatePage(ctx context.Context, pageID string, cardIDs []string) (cardz.PageEvaluation, error) {
	var out cardz.PageEvaluation
	err := c.doJSON(ctx, http.MethodPost, "/v1/pages/"+url.PathEscape(pageID)+"/evaluate", wireEvaluatePageReq{CardIDs: cardIDs}, &out)
	return out, err
}

func (c *Client) NormalizeCondition(ctx context.Context, condition any) (cardz.Condition, error) {
	var out cardz.Condition
	err := c.doJSON(ctx, http.MethodPost, "/v1/conditions/normalize", wireConditionReq{Condition: condition}, &out)
	return out, err
}

func (c *Client) EvaluateCondition(ctx context.Context, req cardz.ConditionRequest) (bool, error) {
	body := wireConditionReq{
		Condition:        req.Condition,
		EntityID:         req.EntityID,
		FallbackEntityID: req.FallbackEntityID,
		Entities:         req.Entities,
	}
	var out struct {
		Visible bool `json:"visible"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/conditions/evaluate", body, &out); err != nil {
		return false, err
	}
	return out.Visible, nil
}

// GetEntity returns one entity from the server's live snapshot.
func (c *Client) GetEntity(ctx context.Context, entityID string) (cardz.Entity, error) {
	var out cardz.Entity
	err := c.doJSON(ctx, http.MethodGet, "/v1/entities/"+url.PathEscape(entityID), nil, &out)
	return out, err
}

// -- Streamer ----------------------------------------------------------------

// Stream connects to the SSE stream and emits SettingsEvents on the returned
// channel. An empty pageID follows every page.
func (c *Client) Stream(ctx context.Context, pageID string, lastEventID int64) (<-chan cardz.SettingsEvent, error) {
	path := "/v1/stream"
	if pageID != "" {
		path += "?page=" + url.QueryEscape(pageID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("cardz: create stream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastEventID, 10))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cardz: stream connect: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, newAPIError(resp)
	}

	ch := make(chan cardz.SettingsEvent, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		br := bufio.NewReaderSize(resp.Body, 1<<20)
		parseSSE(ctx, br, ch)
	}()
	return ch, nil
}

// parseSSE reads id, event and data fields from r and sends one event per
// blank-line terminated block. Multiple data lines are joined with "\n".
func parseSSE(ctx context.Context, r *bufio.Reader, ch chan<- cardz.SettingsEvent) {
	var (
		eventType string
		dataLines []string
		eventID   int64
	)

	for {
		if ctx.Err() != nil {
			return
		}
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(dataLines) > 0 {
				ev := cardz.SettingsEvent{Type: eventType, EventID: eventID}
				var payload wireEvent
				if json.Unmarshal([]byte(strings.Join(dataLines, "\n")), &payload) == nil {
					ev.PageID, ev.CardID, ev.Settings = payload.PageID, payload.CardID, payload.Settings
					ev.Error = payload.Error
				}
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
			eventType = ""
			dataLines = nil
		case strings.HasPrefix(line, "id:"):
			if id, parseErr := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "id:")), 10, 64); parseErr == nil && id >= 0 {
				eventID = id
			}
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if err != nil {
			return
		}
	}
}
