// Package repository provides PostgreSQL-backed persistence for card settings,
// page settings, API keys and the settings change log. Writes publish a
// LISTEN/NOTIFY message so every server instance can drop its settings cache.
package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultNotifyChannel = "settings_events"
	maxEventBatchSize    = 1000
)

// Event types recorded in settings_events.
const (
	EventCardUpdated = "card_updated"
	EventCardDeleted = "card_deleted"
	EventPageUpdated = "page_updated"
)

// CardSettings is one stored card settings object, keyed by page and card.
type CardSettings struct {
	PageID    string          `json:"page_id"`
	CardID    string          `json:"card_id"`
	Settings  json.RawMessage `json:"settings"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// PageSettings is the stored settings object for a dashboard page.
type PageSettings struct {
	PageID    string          `json:"page_id"`
	Settings  json.RawMessage `json:"settings"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// SettingsEvent is one row of the settings change log.
type SettingsEvent struct {
	EventID   int64           `json:"event_id"`
	PageID    string          `json:"page_id"`
	CardID    string          `json:"card_id,omitempty"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// PostgresRepository implements settings and API key persistence on top of a
// pgxpool connection pool.
type PostgresRepository struct {
	pool          *pgxpool.Pool
	notifyChannel string
	batchSize     int
}

// Option configures a [PostgresRepository].
type Option func(*PostgresRepository)

// WithNotifyChannel overrides the LISTEN/NOTIFY channel name.
func WithNotifyChannel(channel string) Option {
	return func(r *PostgresRepository) {
		r.notifyChannel = normalizeNotifyChannel(channel)
	}
}

// WithEventBatchSize caps how many change log rows ListEventsSince returns.
func WithEventBatchSize(size int) Option {
	return func(r *PostgresRepository) {
		if size > 0 && size <= maxEventBatchSize {
			r.batchSize = size
		}
	}
}

// NewPostgresRepository creates a [PostgresRepository] using the default
// "settings_events" notification channel.
func NewPostgresRepository(pool *pgxpool.Pool, opts ...Option) *PostgresRepository {
	r := &PostgresRepository{
		pool:          pool,
		notifyChannel: defaultNotifyChannel,
		batchSize:     maxEventBatchSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ListEventsSince returns change log rows for pageID with IDs greater than
// eventID, oldest first. An empty pageID lists every page.
func (r *PostgresRepository) ListEventsSince(ctx context.Context, pageID string, eventID int64) ([]SettingsEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, page_id, card_id, event_type, payload, created_at
		FROM settings_events
		WHERE event_id > $1
		  AND ($2 = '' OR page_id = $2)
		ORDER BY event_id
		LIMIT $3
	`, eventID, pageID, r.batchSize)
	if err != nil {
		return nil, fmt.Errorf("list events since: %w", err)
	}
	defer rows.Close()

	events := make([]SettingsEvent, 0)
	for rows.Next() {
		var event SettingsEvent
		if err := rows.Scan(
			&event.EventID,
			&event.PageID,
			&event.CardID,
			&event.EventType,
			&event.Payload,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events rows: %w", err)
	}

	return events, nil
}

// publishEvent records event in the change log and notifies listeners. It must
// run inside the transaction that made the change.
func (r *PostgresRepository) publishEvent(ctx context.Context, tx pgx.Tx, event SettingsEvent) error {
	var created SettingsEvent
	if err := tx.QueryRow(ctx, `
		INSERT INTO settings_events (page_id, card_id, event_type, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING event_id, page_id, card_id, event_type
	`,
		event.PageID,
		event.CardID,
		event.EventType,
		ensureJSON(event.Payload, "{}"),
	).Scan(
		&created.EventID,
		&created.PageID,
		&created.CardID,
		&created.EventType,
	); err != nil {
		return fmt.Errorf("insert settings event: %w", err)
	}

	notifyPayload, err := marshalNotifyPayload(created)
	if err != nil {
		return fmt.Errorf("marshal notify payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, notifyPayload); err != nil {
		return fmt.Errorf("notify settings event: %w", err)
	}

	return nil
}

// SubscribeSettingsInvalidation returns a channel that receives a signal
// whenever a settings change notification arrives. The channel is closed when
// ctx ends.
func (r *PostgresRepository) SubscribeSettingsInvalidation(ctx context.Context) (<-chan struct{}, error) {
	invalidations := make(chan struct{}, 1)

	go r.runInvalidationListener(ctx, invalidations)

	return invalidations, nil
}

func (r *PostgresRepository) runInvalidationListener(ctx context.Context, invalidations chan<- struct{}) {
	defer close(invalidations)

	for {
		err := r.listenForInvalidation(ctx, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForInvalidation(ctx context.Context, invalidations chan<- struct{}) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("wait for settings notification: %w", err)
		}

		select {
		case invalidations <- struct{}{}:
		default:
		}
	}
}

func noRowsAffected(action string, commandTag pgconn.CommandTag) error {
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", action, pgx.ErrNoRows)
	}

	return nil
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}

	return defaultNotifyChannel
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}

	return input
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

func generateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func marshalNotifyPayload(event SettingsEvent) (string, error) {
	serialized, err := json.Marshal(struct {
		EventID   int64  `json:"event_id"`
		PageID    string `json:"page_id"`
		CardID    string `json:"card_id,omitempty"`
		EventType string `json:"event_type"`
	}{
		EventID:   event.EventID,
		PageID:    event.PageID,
		CardID:    event.CardID,
		EventType: event.EventType,
	})
	if err != nil {
		return "", err
	}

	return string(serialized), nil
}
