package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"scriptgate/internal/clock"
	apperrors "scriptgate/internal/errors"
	"scriptgate/internal/infrastructure"
	"scriptgate/internal/security"
	"scriptgate/internal/store"
	"scriptgate/pkg/contracts/domain"
)

const (
	paymentStatusCompleted = "completed"
	processedPaymentsSize  = 4096
	processedPaymentsTTL   = 24 * time.Hour
	maxEntitlementDays     = 3650
	maxExtendAttempts      = 3
)

// PaymentCallback is the body posted by the payment collaborator.
type PaymentCallback struct {
	PaymentID    string `json:"paymentId" validate:"required,max=128"`
	KeyID        string `json:"keyId" validate:"required,max=64"`
	Status       string `json:"status" validate:"required"`
	DurationDays int    `json:"durationDays" validate:"gte=1,lte=3650"`
}

// PaymentResult reports the activated entitlement.
type PaymentResult struct {
	PaymentID  string `json:"paymentId"`
	KeyID      string `json:"keyId"`
	AuthExpire int64  `json:"authExpire"`
	Duplicate  bool   `json:"duplicate,omitempty"`
}

// PaymentService activates entitlements from signed payment callbacks.
type PaymentService struct {
	keys      store.KeyStore
	events    store.AuditStore
	secret    []byte
	processed *expirable.LRU[string, int64]
	inflight  singleflight.Group
	metrics   *infrastructure.ProtocolMetrics
	clock     clock.Clock
	logger    *slog.Logger
}

// NewPaymentService creates the callback handler. With an empty secret
// every callback is rejected.
func NewPaymentService(s store.Store, secret string, metrics *infrastructure.ProtocolMetrics, clk clock.Clock, logger *slog.Logger) *PaymentService {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = infrastructure.NoopProtocolMetrics()
	}
	return &PaymentService{
		keys:      s,
		events:    s,
		secret:    []byte(secret),
		processed: expirable.NewLRU[string, int64](processedPaymentsSize, nil, processedPaymentsTTL),
		metrics:   metrics,
		clock:     clock.OrSystem(clk),
		logger:    logger.With(slog.String("service", "payment")),
	}
}

// SignBody returns the hex HMAC-SHA256 of body under secret.
func SignBody(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Complete verifies and applies a callback. The key's expiry is extended
// from the later of now and its current expiry; non-expiring keys stay
// non-expiring. A payment id is applied at most once per day window;
// concurrent deliveries of the same id share one application.
func (p *PaymentService) Complete(ctx context.Context, body []byte, signature, clientID string) (*PaymentResult, error) {
	if len(p.secret) == 0 || !security.ConstantTimeEqual(SignBody(p.secret, body), strings.ToLower(signature)) {
		return nil, apperrors.WrapProtocol(apperrors.StatusUnauthorized, ErrPaymentSignature)
	}

	var cb PaymentCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, apperrors.WrapProtocol(apperrors.StatusInvalidRequest, err)
	}
	if err := validate.Struct(cb); err != nil {
		return nil, invalidRequest(err)
	}
	if cb.Status != paymentStatusCompleted {
		return nil, apperrors.WrapProtocol(apperrors.StatusInvalidRequest, ErrPaymentNotSettled)
	}

	leader := false
	v, err, _ := p.inflight.Do(cb.PaymentID, func() (any, error) {
		leader = true
		return p.apply(ctx, cb, clientID)
	})
	if err != nil {
		return nil, err
	}
	res := *v.(*PaymentResult)
	res.Duplicate = res.Duplicate || !leader
	return &res, nil
}

// apply runs once per payment id at a time.
func (p *PaymentService) apply(ctx context.Context, cb PaymentCallback, clientID string) (*PaymentResult, error) {
	if expire, ok := p.processed.Get(cb.PaymentID); ok {
		p.logger.InfoContext(ctx, "Duplicate payment callback ignored",
			slog.String("payment_id", cb.PaymentID))
		return &PaymentResult{PaymentID: cb.PaymentID, KeyID: cb.KeyID, AuthExpire: expire, Duplicate: true}, nil
	}

	key, err := p.extend(ctx, cb)
	if err != nil {
		return nil, err
	}

	result := &PaymentResult{PaymentID: cb.PaymentID, KeyID: key.ID, AuthExpire: key.AuthExpireUnix()}
	p.processed.Add(cb.PaymentID, result.AuthExpire)

	keyID := key.ID
	event := &domain.SecurityEvent{
		EventType: domain.EventPaymentActivated,
		Severity:  domain.SeverityLow,
		IPAddress: clientID,
		ScriptID:  key.ScriptID,
		KeyID:     &keyID,
		Details:   map[string]string{"payment_id": cb.PaymentID},
		CreatedAt: p.clock.Now(),
	}
	if err := p.events.RecordEvent(ctx, event); err != nil {
		p.logger.ErrorContext(ctx, "Failed to record payment event", slog.String("error", err.Error()))
	}
	infrastructure.Count(ctx, p.metrics.PaymentActivations, "script_id", key.ScriptID)
	p.logger.InfoContext(ctx, "Entitlement activated",
		slog.String("payment_id", cb.PaymentID),
		slog.String("key_id", key.ID),
		slog.Int64("auth_expire", result.AuthExpire))
	return result, nil
}

// extend pushes the key's expiry out by the paid duration, counted from the
// later of now and the current expiry. The update is conditional on the
// expiry it was computed from and is retried when another writer moved it.
func (p *PaymentService) extend(ctx context.Context, cb PaymentCallback) (*domain.LicenseKey, error) {
	for attempt := 1; ; attempt++ {
		key, err := p.keys.GetKeyByID(ctx, cb.KeyID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.WrapProtocol(apperrors.StatusKeyNotFound, err)
		}
		if err != nil {
			return nil, fmt.Errorf("payment: load key: %w", err)
		}
		if key.ExpiresAt == nil {
			return key, nil
		}

		current := *key.ExpiresAt
		from := p.clock.Now()
		if current.After(from) {
			from = current
		}
		until := from.Add(time.Duration(min(cb.DurationDays, maxEntitlementDays)) * 24 * time.Hour)
		err = p.keys.ExtendExpiry(ctx, key.ID, current, until)
		if err == nil {
			key.ExpiresAt = &until
			return key, nil
		}
		if !errors.Is(err, store.ErrNotFound) || attempt == maxExtendAttempts {
			return nil, fmt.Errorf("payment: extend expiry: %w", err)
		}
		p.logger.DebugContext(ctx, "Key expiry changed concurrently, retrying",
			slog.String("key_id", key.ID),
			slog.Int("attempt", attempt))
	}
}
