package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"scriptgate/internal/abuse"
	"scriptgate/internal/delivery"
	apperrors "scriptgate/internal/errors"
	"scriptgate/internal/infrastructure"
	"scriptgate/internal/security"
	"scriptgate/internal/store"
	"scriptgate/internal/token"
	"scriptgate/pkg/contracts/domain"
)

// ChannelPath is appended to a node URL to reach the persistent channel.
const ChannelPath = "/session/channel"

// DeliverRequest presents a token for one artifact.
type DeliverRequest struct {
	ScriptID string `validate:"required,max=64"`
	Token    string `validate:"required,hexadecimal"`
	HWID     string `validate:"required,max=256"`
	HMAC     string `validate:"omitempty,hexadecimal"`
	ClientID string
}

// redeemed is a token that passed every check and has been consumed,
// together with the payload it unlocks.
type redeemed struct {
	token   *domain.RotatingToken
	script  *domain.Script
	payload *domain.Payload
}

// redeem runs the delivery checks in order, consuming the token last:
// token lookup, device, request signature, payload, then consumption.
func (s *ProtocolService) redeem(ctx context.Context, req DeliverRequest, signed bool) (*redeemed, error) {
	if err := validate.Struct(req); err != nil {
		return nil, apperrors.WrapProtocol(apperrors.StatusUnauthorized, err)
	}

	hwidHash := security.HashHWID(req.HWID)
	tok, err := s.tokens.Peek(ctx, req.Token, req.ScriptID)
	if err != nil {
		s.countRejection(ctx, err)
		return nil, err
	}
	if !security.ConstantTimeEqual(tok.HWIDHash, hwidHash) {
		s.audit.record(ctx, incident{
			eventType: domain.EventHWIDMismatch,
			severity:  domain.SeverityHigh,
			clientID:  req.ClientID,
			scriptID:  req.ScriptID,
			keyID:     tok.KeyID,
		})
		s.countRejection(ctx, token.ErrInvalidToken)
		return nil, token.ErrInvalidToken
	}

	if signed {
		secret, err := s.secret(ctx, req.ScriptID)
		if err != nil {
			return nil, err
		}
		fields := security.DeliverFields{Token: req.Token, HWID: req.HWID, ScriptID: req.ScriptID}
		if !security.VerifySignature(secret, fields, req.HMAC).Accepted() {
			s.audit.record(ctx, incident{
				eventType: domain.EventInvalidSignature,
				severity:  domain.SeverityHigh,
				clientID:  req.ClientID,
				scriptID:  req.ScriptID,
				keyID:     tok.KeyID,
				details:   map[string]string{"endpoint": "deliver", "version": string(security.DeliverV1)},
				anomaly:   abuse.AnomalyInvalidSignature,
			})
			return nil, apperrors.Protocol(apperrors.StatusInvalidSignature, "")
		}
	}

	script, err := s.store.GetScript(ctx, req.ScriptID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, delivery.ErrPayloadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load script: %w", err)
	}
	payload, err := s.encoder.Payload(ctx, req.ScriptID)
	if err != nil {
		return nil, err
	}

	consumed, err := s.tokens.Consume(ctx, token.ConsumeParams{
		Token:    req.Token,
		ScriptID: req.ScriptID,
		IP:       req.ClientID,
		HWIDHash: hwidHash,
	})
	if err != nil {
		if errors.Is(err, token.ErrIPMismatch) {
			s.audit.report(ctx, req.ClientID, abuse.AnomalyIPMismatch)
		}
		s.countRejection(ctx, err)
		return nil, err
	}
	infrastructure.Count(ctx, s.metrics.TokensConsumed, "script_id", req.ScriptID)
	return &redeemed{token: consumed, script: script, payload: payload}, nil
}

func (s *ProtocolService) countRejection(ctx context.Context, err error) {
	infrastructure.Count(ctx, s.metrics.TokenRejections, "reason", apperrors.StatusOf(err).String())
}

func (s *ProtocolService) delivered(ctx context.Context, r *redeemed, clientID, shape string, mode domain.CipherMode, size int) {
	infrastructure.Count(ctx, s.metrics.DeliveriesTotal, "mode", string(mode), "shape", shape)
	if s.metrics.DeliveryBytes != nil {
		s.metrics.DeliveryBytes.Record(ctx, int64(size))
	}
	s.audit.record(ctx, incident{
		eventType: domain.EventDelivery,
		severity:  domain.SeverityLow,
		clientID:  clientID,
		scriptID:  r.script.ID,
		keyID:     r.token.KeyID,
		details:   map[string]string{"mode": string(mode), "shape": shape},
	})
}

// Deliver consumes the token and returns the self-decoding artifact.
func (s *ProtocolService) Deliver(ctx context.Context, req DeliverRequest) (*delivery.Artifact, error) {
	r, err := s.redeem(ctx, req, true)
	if err != nil {
		return nil, err
	}
	artifact, err := s.encoder.Encode(ctx, r.payload, delivery.Request{
		Script: r.script,
		KeyID:  r.token.KeyID,
		Token:  req.Token,
		HWID:   req.HWID,
	})
	if err != nil {
		return nil, fmt.Errorf("deliver: %w", err)
	}
	s.delivered(ctx, r, req.ClientID, "artifact", artifact.Mode, len(artifact.Body))
	return artifact, nil
}

// SessionInitRequest starts the persistent-channel path.
type SessionInitRequest struct {
	ScriptID string `json:"scriptId" validate:"required,max=64"`
	Token    string `json:"token" validate:"required,hexadecimal"`
	HWID     string `json:"hwid" validate:"required,max=256"`
	GeoHint  string `json:"geoHint" validate:"omitempty,alpha,max=2"`
	ClientID string `json:"-"`
}

// SessionInitResponse tells the loader where and how to fetch chunks.
// SessionArtifact is the channel ticket; SessionToken is the unconsumed
// delivery token.
type SessionInitResponse struct {
	Valid           bool   `json:"valid"`
	SessionArtifact string `json:"sessionArtifact,omitempty"`
	SessionToken    string `json:"sessionToken,omitempty"`
	EndpointURL     string `json:"endpointUrl,omitempty"`
	SecondsLeft     int    `json:"secondsLeft"`
}

// SessionInit checks a token without consuming it and issues a channel
// ticket bound to it.
func (s *ProtocolService) SessionInit(ctx context.Context, req SessionInitRequest) (*SessionInitResponse, error) {
	if err := validate.Struct(req); err != nil {
		return nil, invalidRequest(err)
	}
	tok, err := s.tokens.Peek(ctx, req.Token, req.ScriptID)
	if err != nil {
		return nil, err
	}
	if !security.ConstantTimeEqual(tok.HWIDHash, security.HashHWID(req.HWID)) {
		return nil, token.ErrInvalidToken
	}

	ticket, err := s.tickets.Issue(tok)
	if err != nil {
		return nil, fmt.Errorf("session init: %w", err)
	}
	resp := &SessionInitResponse{
		Valid:           true,
		SessionArtifact: ticket,
		SessionToken:    tok.Token,
		SecondsLeft:     int(tok.ExpiresAt.Sub(s.clock.Now()).Seconds()),
	}
	if node, ok := s.nodes.Node(s.nodes.Recommend(req.GeoHint)); ok {
		resp.EndpointURL = strings.TrimRight(node.URL, "/") + ChannelPath
	}
	s.logger.DebugContext(ctx, "Session initialized",
		slog.String("script_id", req.ScriptID),
		slog.Int("seconds_left", resp.SecondsLeft))
	return resp, nil
}

// PrepareRequest asks for the chunked payload.
type PrepareRequest struct {
	ScriptID string `validate:"required,max=64"`
	Token    string `validate:"required,hexadecimal"`
	HWID     string `validate:"required,max=256"`
	ClientID string
}

// Prepare consumes the token and returns the encrypted chunk sequence.
func (s *ProtocolService) Prepare(ctx context.Context, req PrepareRequest) (*delivery.ChunkSet, error) {
	r, err := s.redeem(ctx, DeliverRequest{
		ScriptID: req.ScriptID,
		Token:    req.Token,
		HWID:     req.HWID,
		ClientID: req.ClientID,
	}, false)
	if err != nil {
		return nil, err
	}
	set, err := s.encoder.EncodeChunks(ctx, r.payload, delivery.Request{
		Script: r.script,
		KeyID:  r.token.KeyID,
		Token:  req.Token,
		HWID:   req.HWID,
	})
	if err != nil {
		return nil, fmt.Errorf("prepare: %w", err)
	}
	s.delivered(ctx, r, req.ClientID, "chunks", set.Mode, set.PayloadSize)
	return set, nil
}

// ChannelRequest opens the persistent channel.
type ChannelRequest struct {
	Ticket   string
	Token    string
	HWID     string
	ClientID string
}

// OpenChannel verifies a channel ticket and prepares the chunks it
// authorizes. The ticket must name the presented token.
func (s *ProtocolService) OpenChannel(ctx context.Context, req ChannelRequest) (*delivery.ChunkSet, error) {
	claims, err := s.tickets.Verify(req.Ticket)
	if err != nil {
		return nil, apperrors.WrapProtocol(apperrors.StatusUnauthorized, err)
	}
	if !security.ConstantTimeEqual(claims.Subject, req.Token) ||
		!security.ConstantTimeEqual(claims.HWIDHash, security.HashHWID(req.HWID)) {
		return nil, apperrors.WrapProtocol(apperrors.StatusUnauthorized, ErrTicketInvalid)
	}
	return s.Prepare(ctx, PrepareRequest{
		ScriptID: claims.ScriptID,
		Token:    req.Token,
		HWID:     req.HWID,
		ClientID: req.ClientID,
	})
}
