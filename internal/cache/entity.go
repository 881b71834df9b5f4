package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dropDatabas3/nodebus/internal/observability/logger"
	"golang.org/x/sync/singleflight"
)

// Loader lee la definición vigente desde la fuente de verdad.
// Devuelve ErrNotFound si la entidad ya no existe.
type Loader func(ctx context.Context, key string) ([]byte, error)

// Entities es un cache read-through de definiciones de un tipo de entidad.
// Es lo que los handlers del router invalidan/refrescan.
type Entities struct {
	name   string
	client Client
	load   Loader
	ttl    time.Duration
	sf     singleflight.Group
}

// NewEntities arma el cache para name sobre client. load puede ser nil: en ese
// caso Refresh solo invalida y Get no lee de la fuente.
func NewEntities(name string, client Client, load Loader, ttl time.Duration) *Entities {
	return &Entities{name: name, client: client, load: load, ttl: ttl}
}

// Name es el tipo de entidad cacheada.
func (e *Entities) Name() string { return e.name }

func (e *Entities) key(k string) string { return e.name + ":" + k }

// Get devuelve la definición, cargándola si no está. Cargas concurrentes de
// la misma key se colapsan en una.
func (e *Entities) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := e.client.Get(ctx, e.key(key))
	if err == nil {
		return b, nil
	}
	if !IsNotFound(err) {
		logger.From(ctx).Warn("entity cache read failed", logger.Component("cache"), logger.Key(e.key(key)), logger.Err(err))
	}
	if e.load == nil {
		return nil, ErrNotFound
	}

	v, err, _ := e.sf.Do(key, func() (any, error) {
		b, err := e.load(ctx, key)
		if err != nil {
			return nil, err
		}
		if err := e.client.Set(ctx, e.key(key), b, e.ttl); err != nil {
			logger.From(ctx).Warn("entity cache write failed", logger.Component("cache"), logger.Key(e.key(key)), logger.Err(err))
		}
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Put guarda una definición conocida.
func (e *Entities) Put(ctx context.Context, key string, value []byte) error {
	return e.client.Set(ctx, e.key(key), value, e.ttl)
}

// Invalidate saca la entrada; la próxima lectura vuelve a la fuente.
func (e *Entities) Invalidate(ctx context.Context, key string) error {
	if err := e.client.Delete(ctx, e.key(key)); err != nil {
		return fmt.Errorf("invalidate %s %s: %w", e.name, key, err)
	}
	return nil
}

// Refresh recarga la entrada desde la fuente. Si la entidad ya no existe,
// la saca del cache.
func (e *Entities) Refresh(ctx context.Context, key string) error {
	if e.load == nil {
		return e.Invalidate(ctx, key)
	}
	b, err := e.load(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return e.Invalidate(ctx, key)
	}
	if err != nil {
		return fmt.Errorf("refresh %s %s: %w", e.name, key, err)
	}
	return e.client.Set(ctx, e.key(key), b, e.ttl)
}
