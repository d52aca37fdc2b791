package repository

import (
	"context"
	"fmt"
)

// PutPageSettings inserts or replaces the settings of a page.
func (r *PostgresRepository) PutPageSettings(ctx context.Context, page PageSettings) (PageSettings, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return PageSettings{}, fmt.Errorf("begin put page settings tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var stored PageSettings
	if err := tx.QueryRow(ctx, `
		INSERT INTO page_settings (page_id, settings)
		VALUES ($1, $2)
		ON CONFLICT (page_id) DO UPDATE
		SET settings = EXCLUDED.settings,
		    updated_at = NOW()
		RETURNING page_id, settings, created_at, updated_at
	`, page.PageID, ensureJSON(page.Settings, "{}")).Scan(
		&stored.PageID,
		&stored.Settings,
		&stored.CreatedAt,
		&stored.UpdatedAt,
	); err != nil {
		return PageSettings{}, fmt.Errorf("put page settings: %w", err)
	}

	if err := r.publishEvent(ctx, tx, SettingsEvent{
		PageID:    stored.PageID,
		EventType: EventPageUpdated,
		Payload:   stored.Settings,
	}); err != nil {
		return PageSettings{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return PageSettings{}, fmt.Errorf("commit put page settings tx: %w", err)
	}

	return stored, nil
}

// GetPageSettings retrieves a page's settings. Returns pgx.ErrNoRows (wrapped)
// if the page has none.
func (r *PostgresRepository) GetPageSettings(ctx context.Context, pageID string) (PageSettings, error) {
	var page PageSettings
	err := r.pool.QueryRow(ctx, `
		SELECT page_id, settings, created_at, updated_at
		FROM page_settings
		WHERE page_id = $1
	`, pageID).Scan(&page.PageID, &page.Settings, &page.CreatedAt, &page.UpdatedAt)
	if err != nil {
		return PageSettings{}, fmt.Errorf("get page settings: %w", err)
	}

	return page, nil
}

// ListPageSettings returns all page settings ordered by page id.
func (r *PostgresRepository) ListPageSettings(ctx context.Context) ([]PageSettings, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT page_id, settings, created_at, updated_at
		FROM page_settings
		ORDER BY page_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list page settings: %w", err)
	}
	defer rows.Close()

	pages := make([]PageSettings, 0)
	for rows.Next() {
		var page PageSettings
		if err := rows.Scan(&page.PageID, &page.Settings, &page.CreatedAt, &page.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan page settings: %w", err)
		}
		pages = append(pages, page)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list page settings rows: %w", err)
	}

	return pages, nil
}
