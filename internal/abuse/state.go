package abuse

import (
	"context"
	"time"
)

// StateStore holds the mutable abuse state: the nonce seen-set, per-bucket
// sliding request logs, suspicion scores and the blocked set. All of it is
// best-effort and may be lost on restart.
type StateStore interface {
	// SeenNonce records nonce and reports whether it was already present.
	// A positive ttl expires the nonce on its own; zero keeps it until the
	// next ClearNonces.
	SeenNonce(ctx context.Context, nonce string, ttl time.Duration) (bool, error)
	ClearNonces(ctx context.Context) error

	// Hit records one request in bucket when fewer than limit requests were
	// recorded within window, and returns the resulting count. A rejected
	// request is not recorded.
	Hit(ctx context.Context, bucket string, window time.Duration, limit int) (allowed bool, count int, err error)

	// AddSuspicion adds points to id's score and returns the new total.
	// Scores decay to zero ttl after the last increment.
	AddSuspicion(ctx context.Context, id string, points int, ttl time.Duration) (int, error)

	// Block adds id to the blocked set for d and resets its score.
	Block(ctx context.Context, id string, d time.Duration) error
	IsBlocked(ctx context.Context, id string) (bool, error)

	// Sweep drops expired entries.
	Sweep(ctx context.Context) error
}
