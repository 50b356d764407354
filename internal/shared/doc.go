// Package shared holds helpers used across package boundaries.
//
// testutil carries the log capture and the seeded demo catalogue that the
// transport and app tests drive end to end. Nothing here is imported by
// production code.
package shared
