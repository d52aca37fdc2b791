package repository

import (
	"context"
	"encoding/json"
	"fmt"
)

// PutCardSettings inserts or replaces the settings for a card on a page and
// records the change.
func (r *PostgresRepository) PutCardSettings(ctx context.Context, card CardSettings) (CardSettings, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return CardSettings{}, fmt.Errorf("begin put card settings tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var stored CardSettings
	if err := tx.QueryRow(ctx, `
		INSERT INTO card_settings (page_id, card_id, settings)
		VALUES ($1, $2, $3)
		ON CONFLICT (page_id, card_id) DO UPDATE
		SET settings = EXCLUDED.settings,
		    updated_at = NOW()
		RETURNING page_id, card_id, settings, created_at, updated_at
	`,
		card.PageID,
		card.CardID,
		ensureJSON(card.Settings, "{}"),
	).Scan(
		&stored.PageID,
		&stored.CardID,
		&stored.Settings,
		&stored.CreatedAt,
		&stored.UpdatedAt,
	); err != nil {
		return CardSettings{}, fmt.Errorf("put card settings: %w", err)
	}

	if err := r.publishEvent(ctx, tx, SettingsEvent{
		PageID:    stored.PageID,
		CardID:    stored.CardID,
		EventType: EventCardUpdated,
		Payload:   stored.Settings,
	}); err != nil {
		return CardSettings{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return CardSettings{}, fmt.Errorf("commit put card settings tx: %w", err)
	}

	return stored, nil
}

// GetCardSettings retrieves the settings of one card. Returns pgx.ErrNoRows
// (wrapped) if none are stored.
func (r *PostgresRepository) GetCardSettings(ctx context.Context, pageID, cardID string) (CardSettings, error) {
	var card CardSettings
	err := r.pool.QueryRow(ctx, `
		SELECT page_id, card_id, settings, created_at, updated_at
		FROM card_settings
		WHERE page_id = $1 AND card_id = $2
	`, pageID, cardID).Scan(
		&card.PageID,
		&card.CardID,
		&card.Settings,
		&card.CreatedAt,
		&card.UpdatedAt,
	)
	if err != nil {
		return CardSettings{}, fmt.Errorf("get card settings: %w", err)
	}

	return card, nil
}

// ListCardSettings returns every stored card ordered by page and card id.
func (r *PostgresRepository) ListCardSettings(ctx context.Context) ([]CardSettings, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT page_id, card_id, settings, created_at, updated_at
		FROM card_settings
		ORDER BY page_id, card_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list card settings: %w", err)
	}
	defer rows.Close()

	cards := make([]CardSettings, 0)
	for rows.Next() {
		var card CardSettings
		if err := rows.Scan(
			&card.PageID,
			&card.CardID,
			&card.Settings,
			&card.CreatedAt,
			&card.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan card settings: %w", err)
		}
		cards = append(cards, card)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list card settings rows: %w", err)
	}

	return cards, nil
}

// DeleteCardSettings removes a card's settings. Returns pgx.ErrNoRows
// (wrapped) if nothing was stored.
func (r *PostgresRepository) DeleteCardSettings(ctx context.Context, pageID, cardID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete card settings tx: %w", err)
	}
	defer tx.Rollback(ctx)

	commandTag, err := tx.Exec(ctx, `DELETE FROM card_settings WHERE page_id = $1 AND card_id = $2`, pageID, cardID)
	if err != nil {
		return fmt.Errorf("delete card settings: %w", err)
	}
	if err := noRowsAffected("delete card settings", commandTag); err != nil {
		return err
	}

	if err := r.publishEvent(ctx, tx, SettingsEvent{
		PageID:    pageID,
		CardID:    cardID,
		EventType: EventCardDeleted,
		Payload:   json.RawMessage(`{}`),
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete card settings tx: %w", err)
	}

	return nil
}
