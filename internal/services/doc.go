// Package services orchestrates the loader protocol on top of the
// component packages.
//
// A handshake runs in this order:
//
//	Sync      node discovery
//	Version   challenge issuance (the challenge nonce is the session id)
//	KeyCheck  signature check, key resolution, token issuance
//	Deliver   token consumption and artifact encoding
//
// The persistent-channel path replaces Deliver with SessionInit followed
// by Prepare (or OpenChannel over a websocket).
//
// Every validation step runs before the first state change. A request that
// fails never consumes a token and never counts a key use.
package services
