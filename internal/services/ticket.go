package services

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"scriptgate/internal/clock"
	"scriptgate/internal/config"
	"scriptgate/internal/security"
	"scriptgate/pkg/contracts/domain"
)

const ticketIssuer = config.AppName

// TicketClaims bind a channel ticket to one delivery token and device.
// Subject holds the token.
type TicketClaims struct {
	ScriptID string `json:"sid"`
	HWIDHash string `json:"hwh"`
	jwt.RegisteredClaims
}

// TicketIssuer signs HS256 channel tickets. A ticket never outlives the
// token it names.
type TicketIssuer struct {
	secret []byte
	clock  clock.Clock
}

// NewTicketIssuer creates an issuer. An empty secret is replaced with a
// random per-process one, so tickets do not survive a restart.
func NewTicketIssuer(secret string, clk clock.Clock) (*TicketIssuer, error) {
	if secret == "" {
		random, err := security.RandomHex(32)
		if err != nil {
			return nil, fmt.Errorf("ticket secret: %w", err)
		}
		secret = random
	}
	return &TicketIssuer{secret: []byte(secret), clock: clock.OrSystem(clk)}, nil
}

// Issue signs a ticket for tok.
func (t *TicketIssuer) Issue(tok *domain.RotatingToken) (string, error) {
	now := t.clock.Now()
	claims := TicketClaims{
		ScriptID: tok.ScriptID,
		HWIDHash: tok.HWIDHash,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    ticketIssuer,
			Subject:   tok.Token,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(tok.ExpiresAt),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Verify parses raw and checks its signature, issuer and expiry.
func (t *TicketIssuer) Verify(raw string) (*TicketClaims, error) {
	parsed, err := jwt.ParseWithClaims(raw, &TicketClaims{}, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(ticketIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.clock.Now),
	)
	if err != nil {
		return nil, errors.Join(ErrTicketInvalid, err)
	}
	claims, ok := parsed.Claims.(*TicketClaims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, ErrTicketInvalid
	}
	return claims, nil
}
