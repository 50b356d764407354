package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"scriptgate/internal/abuse"
	"scriptgate/internal/clock"
	"scriptgate/internal/delivery"
	apperrors "scriptgate/internal/errors"
	"scriptgate/internal/infrastructure"
	"scriptgate/internal/license"
	"scriptgate/internal/nodes"
	"scriptgate/internal/security"
	"scriptgate/internal/store"
	"scriptgate/internal/token"
	"scriptgate/pkg/contracts/domain"
)

// NextStepKeycheck is the step announced by Version.
const NextStepKeycheck = "keycheck"

// Deps are the collaborators of the protocol service.
type Deps struct {
	Store      store.Store
	Guard      *abuse.Guard
	Challenges *security.Engine
	Tokens     *token.Manager
	Keys       *license.Resolver
	Encoder    *delivery.Encoder
	Nodes      *nodes.Router
	Tickets    *TicketIssuer
	Metrics    *infrastructure.ProtocolMetrics
	Clock      clock.Clock
	Region     string
	Logger     *slog.Logger
}

// ProtocolService implements the loader handshake.
type ProtocolService struct {
	store      store.Store
	challenges *security.Engine
	tokens     *token.Manager
	keys       *license.Resolver
	encoder    *delivery.Encoder
	nodes      *nodes.Router
	tickets    *TicketIssuer
	metrics    *infrastructure.ProtocolMetrics
	clock      clock.Clock
	region     string
	audit      *auditor
	logger     *slog.Logger
}

// NewProtocolService wires the handshake.
func NewProtocolService(d Deps) *ProtocolService {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Metrics == nil {
		d.Metrics = infrastructure.NoopProtocolMetrics()
	}
	clk := clock.OrSystem(d.Clock)
	logger := d.Logger.With(slog.String("service", "protocol"))
	return &ProtocolService{
		store:      d.Store,
		challenges: d.Challenges,
		tokens:     d.Tokens,
		keys:       d.Keys,
		encoder:    d.Encoder,
		nodes:      d.Nodes,
		tickets:    d.Tickets,
		metrics:    d.Metrics,
		clock:      clk,
		region:     d.Region,
		logger:     logger,
		audit: &auditor{
			events:  d.Store,
			guard:   d.Guard,
			metrics: d.Metrics,
			clock:   clk,
			logger:  logger,
		},
	}
}

// SyncResponse is the discovery answer.
type SyncResponse struct {
	ServerTime        int64            `json:"serverTime"`
	Region            string           `json:"region"`
	Nodes             []domain.CDNNode `json:"nodes"`
	RecommendedNodeID string           `json:"recommendedNodeId"`
	HealthyNodeCount  int              `json:"healthyNodeCount"`
}

// Sync reports the server clock and the node set ranked for geoHint.
func (s *ProtocolService) Sync(ctx context.Context, geoHint string) *SyncResponse {
	listing := s.nodes.ListNodes()
	return &SyncResponse{
		ServerTime:        s.clock.Now().Unix(),
		Region:            s.region,
		Nodes:             listing.Nodes,
		RecommendedNodeID: s.nodes.Recommend(geoHint),
		HealthyNodeCount:  listing.HealthyCount,
	}
}

// VersionRequest opens a handshake.
type VersionRequest struct {
	ScriptID string `validate:"required,max=64"`
	HWID     string `validate:"max=256"`
	ClientID string
}

// VersionResponse carries the session id the loader echoes on keycheck.
type VersionResponse struct {
	Version    string `json:"version"`
	SessionID  string `json:"sessionId"`
	ServerTime int64  `json:"serverTime"`
	NextStep   string `json:"nextStep"`
}

// Version issues the handshake challenge for a script.
func (s *ProtocolService) Version(ctx context.Context, req VersionRequest) (*VersionResponse, error) {
	if err := validate.Struct(req); err != nil {
		return nil, invalidRequest(err)
	}
	script, err := s.store.GetScript(ctx, req.ScriptID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.WrapProtocol(apperrors.StatusInvalidRequest, ErrUnknownScript)
	}
	if err != nil {
		return nil, fmt.Errorf("version: %w", err)
	}

	challenge, err := s.challenges.IssueChallenge(ctx, script.ID, req.HWID, req.ClientID)
	if err != nil {
		return nil, err
	}
	return &VersionResponse{
		Version:    script.Version,
		SessionID:  challenge.Nonce,
		ServerTime: challenge.IssuedAt.Unix(),
		NextStep:   NextStepKeycheck,
	}, nil
}

// KeyCheckRequest is a signed key presentation.
type KeyCheckRequest struct {
	ScriptID         string `validate:"required,max=64"`
	Key              string `validate:"required,max=128"`
	ClientTime       string `validate:"required,numeric"`
	Nonce            string `validate:"required,len=16"`
	HWID             string `validate:"required,max=256"`
	Signature        string `validate:"omitempty,hexadecimal"`
	SessionID        string `validate:"omitempty,hexadecimal"`
	SignatureVersion string
	ClientID         string
}

// KeyCheckResponse is the answer to a key presentation. Only Code and
// Note are set unless Code is KEY_VALID.
type KeyCheckResponse struct {
	Code            string `json:"code"`
	Note            string `json:"note"`
	TotalExecutions int64  `json:"totalExecutions,omitempty"`
	AuthExpire      int64  `json:"authExpire,omitempty"`
	Signature       string `json:"signature,omitempty"`
	Token           string `json:"token,omitempty"`
	TokenExpiresIn  int    `json:"tokenExpiresIn,omitempty"`
}

// KeyCheck verifies the signature, resolves the key and, when it is
// active, issues the delivery token. Non-valid outcomes are returned as
// *apperrors.ProtocolError.
func (s *ProtocolService) KeyCheck(ctx context.Context, req KeyCheckRequest) (resp *KeyCheckResponse, err error) {
	defer func() {
		code := apperrors.StatusOf(err)
		if err == nil {
			code = apperrors.StatusKeyValid
		}
		infrastructure.Count(ctx, s.metrics.KeyChecksTotal, "code", code.String())
	}()

	if err := validate.Struct(req); err != nil {
		return nil, invalidRequest(err)
	}
	version, err := security.ParseKeycheckVersion(req.SignatureVersion)
	if err != nil {
		return nil, apperrors.WrapProtocol(apperrors.StatusInvalidRequest, err)
	}

	secret, err := s.secret(ctx, req.ScriptID)
	if err != nil {
		return nil, err
	}
	fields := security.KeycheckFields{
		Legacy:     version == security.KeycheckV1,
		Nonce:      req.Nonce,
		Key:        req.Key,
		ClientTime: req.ClientTime,
		HWID:       req.HWID,
	}
	verdict := security.VerifySignature(secret, fields, req.Signature)
	if verdict == security.VerdictSkipped {
		s.logger.WarnContext(ctx, "Script has no secret, keycheck signature not verified",
			slog.String("script_id", req.ScriptID))
	}
	if !verdict.Accepted() {
		s.audit.record(ctx, incident{
			eventType: domain.EventInvalidSignature,
			severity:  domain.SeverityHigh,
			clientID:  req.ClientID,
			scriptID:  req.ScriptID,
			details:   map[string]string{"endpoint": "keycheck", "version": string(version)},
			anomaly:   abuse.AnomalyInvalidSignature,
		})
		return nil, apperrors.Protocol(apperrors.StatusInvalidSignature, "")
	}

	// The session challenge is redeemed only after the signature verifies.
	if req.SessionID != "" {
		_, err := s.challenges.RedeemChallenge(ctx, store.ChallengeClaim{
			Nonce:    req.SessionID,
			ScriptID: req.ScriptID,
			HWID:     req.HWID,
			IP:       req.ClientID,
		})
		if err != nil {
			if errors.Is(err, security.ErrChallengeInvalid) {
				return nil, apperrors.WrapProtocol(apperrors.StatusInvalidRequest, err)
			}
			return nil, err
		}
	}

	res, err := s.keys.Resolve(ctx, req.ScriptID, req.Key, req.HWID)
	if err != nil {
		return nil, err
	}
	if res.State != license.StateActive {
		s.auditKeyState(ctx, req, res)
		return nil, apperrors.Protocol(res.State.Status(), "")
	}

	tok, err := s.tokens.Issue(ctx, token.IssueParams{
		ScriptID: req.ScriptID,
		KeyID:    res.Key.ID,
		HWIDHash: security.HashHWID(req.HWID),
		IP:       req.ClientID,
	})
	if err != nil {
		return nil, err
	}
	infrastructure.Count(ctx, s.metrics.TokensIssued, "script_id", req.ScriptID)

	resp = &KeyCheckResponse{
		Code:            apperrors.StatusKeyValid.String(),
		Note:            res.Key.Note,
		TotalExecutions: res.Key.ExecutionCount,
		AuthExpire:      res.Key.AuthExpireUnix(),
		Token:           tok.Token,
		TokenExpiresIn:  int(tok.ExpiresAt.Sub(tok.IssuedAt) / time.Second),
	}
	if secret != nil {
		resp.Signature = security.ResponseSignature(req.Nonce, secret.HMACKey)
	}
	return resp, nil
}

func (s *ProtocolService) auditKeyState(ctx context.Context, req KeyCheckRequest, res *license.Resolution) {
	in := incident{clientID: req.ClientID, scriptID: req.ScriptID}
	if res.Key != nil {
		in.keyID = res.Key.ID
	}
	switch res.State {
	case license.StateNotFound:
		in.eventType, in.severity, in.anomaly = domain.EventUnknownKeyProbe, domain.SeverityLow, abuse.AnomalyUnknownKeyProbe
	case license.StateBanned:
		in.eventType, in.severity, in.anomaly = domain.EventBannedKeyProbe, domain.SeverityMedium, abuse.AnomalyBannedKeyProbe
	case license.StateHWIDLocked:
		in.eventType, in.severity = domain.EventHWIDMismatch, domain.SeverityMedium
	case license.StateExpired, license.StateActive:
		return
	}
	s.audit.record(ctx, in)
}

// secret loads the signing secret of a script. A script without one
// yields nil, which skips signature checks.
func (s *ProtocolService) secret(ctx context.Context, scriptID string) (*domain.ScriptSecret, error) {
	secret, err := s.store.GetSecret(ctx, scriptID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load script secret: %w", err)
	}
	return secret, nil
}
