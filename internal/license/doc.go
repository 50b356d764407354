// Package license resolves presented license keys to one of a closed set of
// states and records each successful use.
//
// Conditions are evaluated in a fixed order: an unknown key is NOT_FOUND,
// then a banned key is BANNED (even when also expired), then an expired key
// is EXPIRED, then a device mismatch is HWID_LOCKED. Only a key passing all
// of them is ACTIVE, and only an ACTIVE resolution increments the
// execution counter.
//
// The first device to use an unbound key on an HWID-locked script binds
// it. Binding and counting are conditional updates, so concurrent requests
// for one key never double-bind or count a use the state would reject.
package license
