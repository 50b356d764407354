package http

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"scriptgate/internal/config"
	apperrors "scriptgate/internal/errors"
	"scriptgate/internal/middleware"
	"scriptgate/internal/services"
)

const maxCallbackBody = 16 << 10

// PaymentHandler receives payment collaborator callbacks.
type PaymentHandler struct {
	svc    *services.PaymentService
	errs   *apperrors.ErrorHandler
	logger *slog.Logger
}

// NewPaymentHandler creates the handler.
func NewPaymentHandler(svc *services.PaymentService, errs *apperrors.ErrorHandler, logger *slog.Logger) *PaymentHandler {
	return &PaymentHandler{svc: svc, errs: errs, logger: logger.With(slog.String("handler", "payments"))}
}

// Complete handles POST /payments/complete. The signature covers the raw
// body, so it is read before any decoding.
func (h *PaymentHandler) Complete(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBody))
	if err != nil {
		h.errs.HandleError(w, r, apperrors.WrapProtocol(apperrors.StatusInvalidRequest, err))
		return
	}
	res, err := h.svc.Complete(r.Context(), body, r.Header.Get(config.HeaderPaymentSignature), middleware.ClientIDFrom(r))
	if err != nil {
		h.errs.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, res)
}

// AdminHandler serves the internal API.
type AdminHandler struct {
	svc    *services.AdminService
	errs   *apperrors.ErrorHandler
	logger *slog.Logger
}

// NewAdminHandler creates the handler.
func NewAdminHandler(svc *services.AdminService, errs *apperrors.ErrorHandler, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{svc: svc, errs: errs, logger: logger.With(slog.String("handler", "admin"))}
}

// SetNodeHealth handles PUT /internal/nodes/{id}/health
func (h *AdminHandler) SetNodeHealth(w http.ResponseWriter, r *http.Request) {
	var u services.NodeHealthUpdate
	if err := render.DecodeJSON(http.MaxBytesReader(w, r.Body, 1<<10), &u); err != nil {
		h.errs.HandleError(w, r, apperrors.InvalidJSON())
		return
	}
	if err := h.svc.SetNodeHealth(r.Context(), chi.URLParam(r, "id"), u); err != nil {
		h.errs.HandleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResetHWID handles POST /internal/keys/{id}/reset-hwid
func (h *AdminHandler) ResetHWID(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.ResetHWID(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.errs.HandleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	service *services.HealthService
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(service *services.HealthService) *HealthHandler {
	return &HealthHandler{service: service}
}

// HealthCheck handles GET /health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.service.HealthCheck(r.Context()))
}

// ReadinessCheck handles GET /health/ready
func (h *HealthHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	status := h.service.ReadinessCheck(r.Context())
	if status.Status != "ready" {
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, status)
}
