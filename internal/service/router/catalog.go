package router

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"relaychat/internal/config"
)

// SyncCatalog upserts the configured providers and models. Rows that are no
// longer configured are disabled rather than removed, and access counters
// survive restarts.
func SyncCatalog(ctx context.Context, db *sql.DB, cfg *config.Config, keys *KeyCipher) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin catalog sync: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE providers SET enabled = 0, updated_at = ?`, now); err != nil {
		return fmt.Errorf("reset providers: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE models SET enabled = 0, updated_at = ?`, now); err != nil {
		return fmt.Errorf("reset models: %w", err)
	}

	for name, p := range cfg.Providers {
		sealed, err := keys.Seal(p.APIKey)
		if err != nil {
			return fmt.Errorf("seal %s credentials: %w", name, err)
		}
		exists, err := rowExists(ctx, tx, `SELECT EXISTS(SELECT 1 FROM providers WHERE name = ?)`, name)
		if err != nil {
			return fmt.Errorf("lookup provider %s: %w", name, err)
		}
		if exists {
			if _, err := tx.ExecContext(ctx,
				`UPDATE providers SET kind = ?, base_url = ?, api_key = ?, enabled = ?, web_search = ?, max_tokens = ?, updated_at = ?
				 WHERE name = ?`,
				p.Kind, p.BaseURL, sealed, p.IsEnabled(), p.WebSearch, p.MaxTokens, now, name,
			); err != nil {
				return fmt.Errorf("update provider %s: %w", name, err)
			}
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO providers (name, kind, base_url, api_key, enabled, web_search, max_tokens, access_count, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
			name, p.Kind, p.BaseURL, sealed, p.IsEnabled(), p.WebSearch, p.MaxTokens, now,
		); err != nil {
			return fmt.Errorf("insert provider %s: %w", name, err)
		}
	}

	for _, m := range cfg.Models {
		display := m.DisplayName
		if display == "" {
			display = m.ID
		}
		exists, err := rowExists(ctx, tx, `SELECT EXISTS(SELECT 1 FROM models WHERE id = ?)`, m.ID)
		if err != nil {
			return fmt.Errorf("lookup model %s: %w", m.ID, err)
		}
		if exists {
			if _, err := tx.ExecContext(ctx,
				`UPDATE models SET display_name = ?, provider = ?, enabled = ?, updated_at = ? WHERE id = ?`,
				display, m.Provider, m.IsEnabled(), now, m.ID,
			); err != nil {
				return fmt.Errorf("update model %s: %w", m.ID, err)
			}
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO models (id, display_name, provider, enabled, updated_at) VALUES (?, ?, ?, ?, ?)`,
			m.ID, display, m.Provider, m.IsEnabled(), now,
		); err != nil {
			return fmt.Errorf("insert model %s: %w", m.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit catalog sync: %w", err)
	}
	return nil
}

func rowExists(ctx context.Context, tx *sql.Tx, query string, args ...any) (bool, error) {
	var exists bool
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}
