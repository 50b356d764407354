package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	apperrors "scriptgate/internal/errors"
	"scriptgate/internal/store"
	"scriptgate/pkg/contracts/domain"
)

// ErrPayloadNotFound is returned when a script has no payload.
var ErrPayloadNotFound = apperrors.Protocol(apperrors.StatusPayloadNotFound, "")

// PayloadSource loads payloads from the record store.
type PayloadSource interface {
	GetPayload(ctx context.Context, scriptID string) (*domain.Payload, error)
}

// PayloadCache fronts a PayloadSource with an expiring LRU. Concurrent
// misses for one script share a single load.
type PayloadCache struct {
	src   PayloadSource
	lru   *expirable.LRU[string, *domain.Payload]
	group singleflight.Group
}

// NewPayloadCache caches up to size payloads for ttl each.
func NewPayloadCache(src PayloadSource, size int, ttl time.Duration) *PayloadCache {
	if size <= 0 {
		size = 256
	}
	return &PayloadCache{
		src: src,
		lru: expirable.NewLRU[string, *domain.Payload](size, nil, ttl),
	}
}

// Get returns the payload of scriptID.
func (c *PayloadCache) Get(ctx context.Context, scriptID string) (*domain.Payload, error) {
	if p, ok := c.lru.Get(scriptID); ok {
		return p, nil
	}
	v, err, _ := c.group.Do(scriptID, func() (interface{}, error) {
		if p, ok := c.lru.Get(scriptID); ok {
			return p, nil
		}
		p, err := c.src.GetPayload(ctx, scriptID)
		if err != nil {
			return nil, err
		}
		c.lru.Add(scriptID, p)
		return p, nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrPayloadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load payload: %w", err)
	}
	return v.(*domain.Payload), nil
}

// Invalidate drops a cached payload, e.g. after an upload.
func (c *PayloadCache) Invalidate(scriptID string) {
	c.lru.Remove(scriptID)
}

// Len reports the number of cached payloads.
func (c *PayloadCache) Len() int {
	return c.lru.Len()
}
