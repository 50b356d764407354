package http

import (
	"encoding/base64"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"scriptgate/internal/config"
	"scriptgate/internal/delivery"
	apperrors "scriptgate/internal/errors"
	"scriptgate/internal/middleware"
	"scriptgate/internal/services"
	"scriptgate/internal/websocket"
)

// ProtocolHandler serves the loader handshake.
type ProtocolHandler struct {
	svc      *services.ProtocolService
	streamer *websocket.Streamer
	errs     *apperrors.ErrorHandler
	logger   *slog.Logger
}

// NewProtocolHandler creates the handler.
func NewProtocolHandler(svc *services.ProtocolService, streamer *websocket.Streamer, errs *apperrors.ErrorHandler, logger *slog.Logger) *ProtocolHandler {
	return &ProtocolHandler{
		svc:      svc,
		streamer: streamer,
		errs:     errs,
		logger:   logger.With(slog.String("handler", "protocol")),
	}
}

// geoHint prefers the loader's hint over the edge's country header.
func geoHint(r *http.Request) string {
	if hint := r.Header.Get(config.HeaderGeoHint); hint != "" {
		return hint
	}
	return r.Header.Get(config.HeaderCountry)
}

// Sync handles GET /sync
func (h *ProtocolHandler) Sync(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.svc.Sync(r.Context(), geoHint(r)))
}

// Version handles GET /version
func (h *ProtocolHandler) Version(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.Version(r.Context(), services.VersionRequest{
		ScriptID: r.URL.Query().Get("scriptId"),
		HWID:     r.Header.Get(config.HeaderClientHWID),
		ClientID: middleware.ClientIDFrom(r),
	})
	if err != nil {
		h.errs.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, resp)
}

// KeyCheck handles GET|POST /keycheck. by and key may come from the query
// string or a form body; everything signed travels in headers.
func (h *ProtocolHandler) KeyCheck(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.KeyCheck(r.Context(), services.KeyCheckRequest{
		ScriptID:         r.FormValue("by"),
		Key:              r.FormValue("key"),
		ClientTime:       r.Header.Get(config.HeaderClientTime),
		Nonce:            r.Header.Get(config.HeaderClientNonce),
		HWID:             r.Header.Get(config.HeaderClientHWID),
		Signature:        r.Header.Get(config.HeaderExternalSignature),
		SessionID:        r.Header.Get(config.HeaderSessionID),
		SignatureVersion: r.Header.Get(config.HeaderSignatureVersion),
		ClientID:         middleware.ClientIDFrom(r),
	})
	if err != nil {
		status := apperrors.StatusOf(err)
		if status == apperrors.StatusServerError || status == apperrors.StatusUnknown {
			h.logger.ErrorContext(r.Context(), "Keycheck failed", slog.String("error", err.Error()))
			status = apperrors.StatusServerError
		}
		render.Status(r, status.HTTPStatus())
		render.JSON(w, r, &services.KeyCheckResponse{Code: status.String(), Note: status.Message()})
		return
	}
	render.JSON(w, r, resp)
}

// Deliver handles POST /deliver/{scriptId}. The artifact is plain text the
// executor runs as-is.
func (h *ProtocolHandler) Deliver(w http.ResponseWriter, r *http.Request) {
	art, err := h.svc.Deliver(r.Context(), services.DeliverRequest{
		ScriptID: chi.URLParam(r, "scriptId"),
		Token:    r.Header.Get(config.HeaderToken),
		HWID:     r.Header.Get(config.HeaderHWID),
		HMAC:     r.Header.Get(config.HeaderHMAC),
		ClientID: middleware.ClientIDFrom(r),
	})
	if err != nil {
		h.errs.HandleError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Server-Ts", strconv.FormatInt(art.ServerTS, 10))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(art.Body)
}

// SessionInit handles POST /session/init
func (h *ProtocolHandler) SessionInit(w http.ResponseWriter, r *http.Request) {
	var req services.SessionInitRequest
	if err := render.DecodeJSON(http.MaxBytesReader(w, r.Body, 8<<10), &req); err != nil {
		h.errs.HandleError(w, r, apperrors.WrapProtocol(apperrors.StatusInvalidRequest, err))
		return
	}
	if req.GeoHint == "" {
		req.GeoHint = geoHint(r)
	}
	req.ClientID = middleware.ClientIDFrom(r)

	resp, err := h.svc.SessionInit(r.Context(), req)
	if err != nil {
		h.errs.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, resp)
}

// PrepareResponse carries the chunked payload. Chunks are base64.
type PrepareResponse struct {
	Chunks      []string `json:"chunks"`
	ChunkCount  int      `json:"chunkCount"`
	DerivedKey  string   `json:"derivedKey"`
	PayloadSize int      `json:"payloadSize"`
	ServerTS    int64    `json:"serverTs"`
	Mode        string   `json:"mode"`
}

func newPrepareResponse(set *delivery.ChunkSet) *PrepareResponse {
	chunks := make([]string, len(set.Chunks))
	for i, c := range set.Chunks {
		chunks[i] = base64.StdEncoding.EncodeToString(c)
	}
	return &PrepareResponse{
		Chunks:      chunks,
		ChunkCount:  len(chunks),
		DerivedKey:  set.DerivedKey,
		PayloadSize: set.PayloadSize,
		ServerTS:    set.ServerTS,
		Mode:        string(set.Mode),
	}
}

// Prepare handles GET /session/prepare
func (h *ProtocolHandler) Prepare(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	set, err := h.svc.Prepare(r.Context(), services.PrepareRequest{
		ScriptID: q.Get("scriptId"),
		Token:    q.Get("token"),
		HWID:     r.Header.Get(config.HeaderHWID),
		ClientID: middleware.ClientIDFrom(r),
	})
	if err != nil {
		h.errs.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, newPrepareResponse(set))
}

// Channel handles GET /session/channel. The ticket is checked and the token
// consumed before the upgrade, so every refusal is a plain HTTP error.
func (h *ProtocolHandler) Channel(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	hwid := r.Header.Get(config.HeaderHWID)
	if hwid == "" {
		hwid = q.Get("hwid")
	}
	set, err := h.svc.OpenChannel(r.Context(), services.ChannelRequest{
		Ticket:   strings.TrimSpace(q.Get("ticket")),
		Token:    q.Get("token"),
		HWID:     hwid,
		ClientID: middleware.ClientIDFrom(r),
	})
	if err != nil {
		h.errs.HandleError(w, r, err)
		return
	}

	conn, err := h.streamer.Upgrade(w, r)
	if err != nil {
		h.logger.WarnContext(r.Context(), "Channel upgrade failed after token was consumed",
			slog.String("error", err.Error()))
		return
	}
	if err := h.streamer.Stream(r.Context(), conn, set); err != nil && r.Context().Err() == nil {
		h.logger.WarnContext(r.Context(), "Channel stream ended with error",
			slog.String("error", err.Error()))
	}
}
