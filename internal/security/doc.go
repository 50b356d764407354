// Package security implements the challenge and signature engine of the
// loader protocol.
//
// Challenges are single-use random nonces issued by /version and redeemed
// by /keycheck. Signatures are versioned byte compositions over request
// fields and per-script secret material. A composition is a wire contract
// with deployed loaders: the field order of a version never changes, new
// orders get a new version.
//
//	keycheck/v2  hex(HMAC-SHA256(hmacKey, nonce|c0|key|c1|clientTime|c2|hwid))
//	keycheck/v1  hex(SHA-1(nonce|hmacKey|key|c0|clientTime|c1|hwid|c2))
//	deliver/v1   hex(HMAC-SHA256(hmacKey, token|hwid|scriptID))
//
// where | is plain concatenation and c0..c2 are the script's derivation
// constants.
package security
