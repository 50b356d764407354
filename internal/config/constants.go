package config

import "time"

// Application constants
const (
	AppName    = "scriptgate"
	AppVersion = "1.4.0"

	// Protocol limits. Configured values may be lower, never higher.
	MaxTokenTTL     = 60 * time.Second
	MaxChallengeTTL = 30 * time.Second

	// Abuse guard defaults
	DefaultGeneralLimit = 60
	DefaultPaymentLimit = 5
	RateWindow          = 60 * time.Second
	MaxClockSkewFuture  = 5 * time.Second
	MaxRequestAge       = 30 * time.Second
	NonceRotation       = 60 * time.Second
	SuspicionThreshold  = 10

	// Delivery
	PBKDF2Iterations = 100000

	// Node health above this score counts as healthy.
	HealthyNodeScore = 50

	// Header names used by the loader protocol
	HeaderClientTime        = "X-Client-Time"
	HeaderClientNonce       = "X-Client-Nonce"
	HeaderClientHWID        = "X-Client-Hwid"
	HeaderExternalSignature = "X-External-Signature"
	HeaderSignatureVersion  = "X-Signature-Version"
	HeaderSessionID         = "X-Session-Id"
	HeaderToken             = "X-Token"
	HeaderHWID              = "X-Hwid"
	HeaderHMAC              = "X-Hmac"
	HeaderPaymentSignature  = "X-Payment-Signature"
	HeaderInternalKey       = "X-Internal-Key"
	HeaderGeoHint           = "X-Geo-Hint"
	HeaderCountry           = "CF-IPCountry"

	ClientNonceLength = 16
)
