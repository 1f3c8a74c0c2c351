// Package router resolves model identifiers to provider adapters.
package router

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"relaychat/internal/logging"
	"relaychat/internal/models"
	"relaychat/internal/service/provider"
)

var (
	ErrModelNotFound = errors.New("model not found")
	ErrModelDisabled = errors.New("model disabled")
)

// Router looks up model descriptors and builds adapters for them. Descriptors
// and adapters are cached for a short TTL; lookups never write to the catalog.
type Router struct {
	db      *sql.DB
	keys    *KeyCipher
	factory provider.Factory
	cache   *cache.Cache
	logger  *zap.Logger
}

// New builds a Router. ttl bounds how long catalog edits take to become visible.
func New(db *sql.DB, keys *KeyCipher, factory provider.Factory, ttl time.Duration, logger *zap.Logger) *Router {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Router{
		db:      db,
		keys:    keys,
		factory: factory,
		cache:   cache.New(ttl, 2*ttl),
		logger:  logging.OrNop(logger),
	}
}

// Resolve returns the adapter serving modelID along with its descriptor.
func (r *Router) Resolve(ctx context.Context, modelID string) (provider.Adapter, models.ModelDescriptor, error) {
	desc, err := r.Descriptor(ctx, modelID)
	if err != nil {
		return nil, models.ModelDescriptor{}, err
	}
	if !desc.Enabled || !desc.Provider.Enabled {
		return nil, desc, fmt.Errorf("%w: %s", ErrModelDisabled, modelID)
	}

	key := "adapter:" + desc.ID
	if cached, ok := r.cache.Get(key); ok {
		return cached.(provider.Adapter), desc, nil
	}
	adapter, err := r.factory.New(ctx, desc.Provider, desc.ID)
	if err != nil {
		return nil, desc, fmt.Errorf("build adapter for %s: %w", desc.ID, err)
	}
	r.cache.SetDefault(key, adapter)
	return adapter, desc, nil
}

// Descriptor loads the descriptor for modelID without enablement checks.
func (r *Router) Descriptor(ctx context.Context, modelID string) (models.ModelDescriptor, error) {
	if modelID == "" {
		return models.ModelDescriptor{}, fmt.Errorf("%w: empty model id", ErrModelNotFound)
	}
	key := "model:" + modelID
	if cached, ok := r.cache.Get(key); ok {
		return cached.(models.ModelDescriptor), nil
	}

	var (
		desc   models.ModelDescriptor
		sealed string
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT m.id, m.display_name, m.enabled, p.name, p.kind, p.base_url, p.api_key, p.enabled, p.web_search, p.max_tokens, p.access_count
		 FROM models m JOIN providers p ON p.name = m.provider
		 WHERE m.id = ?`, modelID,
	).Scan(&desc.ID, &desc.DisplayName, &desc.Enabled,
		&desc.Provider.Name, &desc.Provider.Kind, &desc.Provider.BaseURL, &sealed,
		&desc.Provider.Enabled, &desc.Provider.WebSearch, &desc.Provider.MaxTokens, &desc.Provider.AccessCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ModelDescriptor{}, fmt.Errorf("%w: %s", ErrModelNotFound, modelID)
		}
		return models.ModelDescriptor{}, fmt.Errorf("query model: %w", err)
	}
	if desc.Provider.APIKey, err = r.keys.Open(sealed); err != nil {
		return models.ModelDescriptor{}, fmt.Errorf("open %s credentials: %w", desc.Provider.Name, err)
	}
	r.cache.SetDefault(key, desc)
	return desc, nil
}

// Models lists enabled models whose provider is enabled too.
func (r *Router) Models(ctx context.Context) ([]models.ModelDescriptor, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT m.id, m.display_name, p.name, p.kind
		 FROM models m JOIN providers p ON p.name = m.provider
		 WHERE m.enabled = 1 AND p.enabled = 1
		 ORDER BY m.id`)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()

	var out []models.ModelDescriptor
	for rows.Next() {
		d := models.ModelDescriptor{Enabled: true}
		d.Provider.Enabled = true
		if err := rows.Scan(&d.ID, &d.DisplayName, &d.Provider.Name, &d.Provider.Kind); err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

const recordAccessTimeout = 2 * time.Second

// RecordAccess bumps the provider access counter. It runs detached from ctx
// cancellation so a turn aborted at this point is still counted. Failures are
// logged only.
func (r *Router) RecordAccess(ctx context.Context, providerName string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordAccessTimeout)
	defer cancel()
	if _, err := r.db.ExecContext(ctx,
		`UPDATE providers SET access_count = access_count + 1 WHERE name = ?`, providerName,
	); err != nil {
		r.logger.Warn("increment provider access counter failed",
			zap.String("provider", providerName), zap.Error(err))
	}
}

// Invalidate drops every cached descriptor and adapter.
func (r *Router) Invalidate() {
	r.cache.Flush()
}
