package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/matt-riley/cardz/internal/core"
	"github.com/matt-riley/cardz/internal/repository"
	"github.com/matt-riley/cardz/internal/service"
)

const (
	defaultStreamPollInterval = time.Second
	defaultMaxJSONBodyBytes   = 1 << 20
)

var (
	errJSONBodyTooLarge = errors.New("json request body too large")
	sseLineBreaks       = strings.NewReplacer("\r\n", "\n", "\r", "\n")
)

// HTTPServer serves the JSON API over a [Service].
type HTTPServer struct {
	service            Service
	streamPollInterval time.Duration
	maxJSONBodyBytes   int64
	onStreamStart      func() func()
}

// Option configures the HTTP handler.
type Option func(*HTTPServer)

// WithStreamPollInterval sets how often /v1/stream polls the change log.
func WithStreamPollInterval(interval time.Duration) Option {
	return func(s *HTTPServer) {
		if interval > 0 {
			s.streamPollInterval = interval
		}
	}
}

// WithMaxJSONBodySize caps request bodies.
func WithMaxJSONBodySize(size int64) Option {
	return func(s *HTTPServer) {
		if size > 0 {
			s.maxJSONBodyBytes = size
		}
	}
}

// WithStreamTracker registers a hook called when a stream opens. The returned
// func is called when it closes.
func WithStreamTracker(fn func() func()) Option {
	return func(s *HTTPServer) { s.onStreamStart = fn }
}

type evaluatePageRequest struct {
	CardIDs []string `json:"card_ids"`
}

type evaluatePageResponse struct {
	PageID    string                `json:"page_id"`
	MediaPage bool                  `json:"media_page"`
	Results   []service.CardVerdict `json:"results"`
}

type normalizeConditionRequest struct {
	Condition json.RawMessage `json:"condition"`
}

type evaluateConditionRequest struct {
	Condition        json.RawMessage `json:"condition"`
	EntityID         string          `json:"entity_id"`
	FallbackEntityID string          `json:"fallback_entity_id"`
	// Entities are decoded without the unknown-field check so raw
	// /api/states objects (context, last_reported) are accepted.
	Entities map[string]json.RawMessage `json:"entities"`
}

type evaluateConditionResponse struct {
	Visible bool `json:"visible"`
}

// NewHTTPHandler returns the API mux. Health and metrics endpoints other than
// /healthz are mounted by the caller.
func NewHTTPHandler(svc Service, opts ...Option) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	server := &HTTPServer{
		service:            svc,
		streamPollInterval: defaultStreamPollInterval,
		maxJSONBodyBytes:   defaultMaxJSONBodyBytes,
	}
	for _, opt := range opts {
		opt(server)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/pages", server.handleListPages)
	mux.HandleFunc("GET /v1/pages/{page}/settings", server.handleGetPage)
	mux.HandleFunc("PUT /v1/pages/{page}/settings", server.handlePutPage)
	mux.HandleFunc("GET /v1/pages/{page}/cards", server.handleListCards)
	mux.HandleFunc("GET /v1/pages/{page}/cards/{card}/settings", server.handleGetCard)
	mux.HandleFunc("PUT /v1/pages/{page}/cards/{card}/settings", server.handlePutCard)
	mux.HandleFunc("DELETE /v1/pages/{page}/cards/{card}/settings", server.handleDeleteCard)
	mux.HandleFunc("POST /v1/pages/{page}/evaluate", server.handleEvaluatePage)
	mux.HandleFunc("POST /v1/conditions/normalize", server.handleNormalizeCondition)
	mux.HandleFunc("POST /v1/conditions/evaluate", server.handleEvaluateCondition)
	mux.HandleFunc("GET /v1/entities", server.handleListEntities)
	mux.HandleFunc("GET /v1/entities/{id}", server.handleGetEntity)
	mux.HandleFunc("GET /v1/stream", server.handleStream)
	mux.HandleFunc("GET /healthz", server.handleHealthz)

	return mux
}

func (s *HTTPServer) handleListPages(w http.ResponseWriter, r *http.Request) {
	pages, err := s.service.ListPageSettings(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, pages)
}

func (s *HTTPServer) handleGetPage(w http.ResponseWriter, r *http.Request) {
	page, err := s.service.GetPageSettings(r.Context(), r.PathValue("page"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, page)
}

func (s *HTTPServer) handlePutPage(w http.ResponseWriter, r *http.Request) {
	var payload json.RawMessage
	if err := s.decodeJSONBody(w, r, &payload); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	page, err := s.service.PutPageSettings(r.Context(), r.PathValue("page"), payload)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, page)
}

func (s *HTTPServer) handleListCards(w http.ResponseWriter, r *http.Request) {
	cards, err := s.service.ListCardSettings(r.Context(), r.PathValue("page"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, cards)
}

func (s *HTTPServer) handleGetCard(w http.ResponseWriter, r *http.Request) {
	card, err := s.service.GetCardSettings(r.Context(), r.PathValue("page"), r.PathValue("card"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, card)
}

func (s *HTTPServer) handlePutCard(w http.ResponseWriter, r *http.Request) {
	var payload json.RawMessage
	if err := s.decodeJSONBody(w, r, &payload); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	card, err := s.service.PutCardSettings(r.Context(), r.PathValue("page"), r.PathValue("card"), payload)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, card)
}

func (s *HTTPServer) handleDeleteCard(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteCardSettings(r.Context(), r.PathValue("page"), r.PathValue("card")); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleEvaluatePage(w http.ResponseWriter, r *http.Request) {
	var request evaluatePageRequest
	if r.ContentLength != 0 {
		if err := s.decodeJSONBody(w, r, &request); err != nil {
			writeJSONDecodeError(w, err)
			return
		}
	}

	pageID := strings.TrimSpace(r.PathValue("page"))
	results, err := s.service.EvaluatePage(r.Context(), pageID, request.CardIDs)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, evaluatePageResponse{
		PageID:    pageID,
		MediaPage: s.service.IsMediaPage(pageID),
		Results:   results,
	})
}

func (s *HTTPServer) handleNormalizeCondition(w http.ResponseWriter, r *http.Request) {
	var request normalizeConditionRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	condition, err := s.service.NormalizeCondition(request.Condition)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, condition)
}

func (s *HTTPServer) handleEvaluateCondition(w http.ResponseWriter, r *http.Request) {
	var request evaluateConditionRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	var entities core.EntityMap
	if request.Entities != nil {
		entities = make(core.EntityMap, len(request.Entities))
		for id, raw := range request.Entities {
			var entity core.EntityState
			if err := json.Unmarshal(raw, &entity); err != nil {
				writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid entity %q", id))
				return
			}
			// Entities posted as a map may omit entity_id; the key is authoritative.
			entity.ID = id
			entities[id] = entity
		}
	}

	visible, err := s.service.EvaluateCondition(r.Context(), service.ConditionRequest{
		Condition:        request.Condition,
		EntityID:         strings.TrimSpace(request.EntityID),
		FallbackEntityID: strings.TrimSpace(request.FallbackEntityID),
		Entities:         entities,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, evaluateConditionResponse{Visible: visible})
}

func (s *HTTPServer) handleListEntities(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.service.Entities()
	entities := make([]core.EntityState, 0, len(snapshot))
	for _, entity := range snapshot {
		entities = append(entities, entity)
	}
	sort.Slice(entities, func(i, j int) bool {
		return entities[i].ID < entities[j].ID
	})

	writeJSON(w, http.StatusOK, entities)
}

func (s *HTTPServer) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	entity, ok := s.service.Entity(strings.TrimSpace(r.PathValue("id")))
	if !ok {
		writeJSONError(w, http.StatusNotFound, "entity not found")
		return
	}

	writeJSON(w, http.StatusOK, entity)
}

func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	lastEventID, err := parseLastEventID(r.Header.Get("Last-Event-ID"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid Last-Event-ID")
		return
	}
	pageID := strings.TrimSpace(r.URL.Query().Get("page"))

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	currentEventID := lastEventID
	writeEvents := func(events []repository.SettingsEvent) error {
		for _, event := range events {
			currentEventID = event.EventID
			eventName := toSSEEventName(event.EventType)
			if eventName == "" {
				continue
			}

			if err := writeSSEEvent(w, event.EventID, eventName, sseEventData(event)); err != nil {
				return err
			}
			flusher.Flush()
		}

		return nil
	}

	initialEvents, err := s.service.ListEventsSince(r.Context(), pageID, currentEventID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if s.onStreamStart != nil {
		defer s.onStreamStart()()
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if err := writeEvents(initialEvents); err != nil {
		return
	}

	ticker := time.NewTicker(s.streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			events, err := s.service.ListEventsSince(r.Context(), pageID, currentEventID)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				writeSSEError(w, flusher, serviceErrorMessage(err))
				return
			}
			if err := writeEvents(events); err != nil {
				return
			}
		}
	}
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseLastEventID(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}

	eventID, err := strconv.ParseInt(value, 10, 64)
	if err != nil || eventID < 0 {
		return 0, errors.New("invalid event id")
	}

	return eventID, nil
}

func toSSEEventName(eventType string) string {
	switch eventType {
	case repository.EventCardUpdated, repository.EventCardDeleted, repository.EventPageUpdated:
		return eventType
	default:
		return ""
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidSettings),
		errors.Is(err, service.ErrInvalidCondition),
		errors.Is(err, service.ErrInvalidKey):
		writeJSONError(w, http.StatusBadRequest, serviceErrorMessage(err))
	case errors.Is(err, service.ErrCardNotFound), errors.Is(err, service.ErrPageNotFound):
		writeJSONError(w, http.StatusNotFound, serviceErrorMessage(err))
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, serviceErrorMessage(err))
	default:
		writeJSONError(w, http.StatusInternalServerError, serviceErrorMessage(err))
	}
}

// serviceErrorMessage keeps internal details out of responses. Validation
// errors are caller mistakes and are reported in full.
func serviceErrorMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrInvalidSettings),
		errors.Is(err, service.ErrInvalidCondition),
		errors.Is(err, service.ErrInvalidKey):
		return err.Error()
	case errors.Is(err, service.ErrCardNotFound):
		return "card settings not found"
	case errors.Is(err, service.ErrPageNotFound):
		return "page settings not found"
	case errors.Is(err, context.Canceled):
		return "request canceled"
	default:
		return "internal server error"
	}
}

func writeSSEError(w http.ResponseWriter, flusher http.Flusher, message string) {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		payload = []byte(`{"error":"internal server error"}`)
	}
	_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
	flusher.Flush()
}

func writeSSEEvent(w io.Writer, eventID int64, eventName string, payload []byte) error {
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\n", eventID, eventName); err != nil {
		return err
	}

	for _, line := range compactSSEPayload(payload) {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}

	_, err := fmt.Fprint(w, "\n")
	return err
}

type streamEvent struct {
	PageID   string          `json:"page_id"`
	CardID   string          `json:"card_id,omitempty"`
	Settings json.RawMessage `json:"settings"`
}

// sseEventData wraps the stored settings with the ids they belong to. A
// payload that is not valid JSON is sent as is.
func sseEventData(event repository.SettingsEvent) []byte {
	settings := event.Payload
	if len(bytes.TrimSpace(settings)) == 0 {
		settings = json.RawMessage(`{}`)
	}
	data, err := json.Marshal(streamEvent{PageID: event.PageID, CardID: event.CardID, Settings: settings})
	if err != nil {
		return settings
	}
	return data
}

// compactSSEPayload puts valid JSON on one data line and splits anything else
// so no line breaks leak into the event framing.
func compactSSEPayload(payload []byte) []string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err == nil {
		return []string{compact.String()}
	}

	return strings.Split(sseLineBreaks.Replace(string(payload)), "\n")
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxJSONBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
