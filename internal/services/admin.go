package services

import (
	"context"
	"errors"
	"log/slog"

	apperrors "scriptgate/internal/errors"
	"scriptgate/internal/license"
	"scriptgate/internal/nodes"
	"scriptgate/internal/store"
)

// AdminService backs the internal API used by the dashboard and the node
// health monitor.
type AdminService struct {
	keys   *license.Resolver
	nodes  *nodes.Router
	logger *slog.Logger
}

// NewAdminService creates the internal API service.
func NewAdminService(keys *license.Resolver, router *nodes.Router, logger *slog.Logger) *AdminService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminService{keys: keys, nodes: router, logger: logger.With(slog.String("service", "admin"))}
}

// NodeHealthUpdate is a score from the health monitor.
type NodeHealthUpdate struct {
	Score int `json:"score" validate:"gte=0,lte=100"`
}

// SetNodeHealth records a node score.
func (a *AdminService) SetNodeHealth(ctx context.Context, id string, u NodeHealthUpdate) error {
	if err := validate.Struct(u); err != nil {
		return apperrors.NewValidationErrors(FieldErrors(err))
	}
	if err := a.nodes.SetHealth(ctx, id, u.Score); err != nil {
		if errors.Is(err, nodes.ErrUnknownNode) {
			return apperrors.NotFoundError("node")
		}
		return err
	}
	return nil
}

// ResetHWID clears the device binding of a key.
func (a *AdminService) ResetHWID(ctx context.Context, keyID string) error {
	if err := a.keys.ResetHWID(ctx, keyID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperrors.NotFoundError("key")
		}
		return err
	}
	return nil
}
