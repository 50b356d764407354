package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"scriptgate/internal/clock"
	"scriptgate/internal/security"
	"scriptgate/internal/store"
	"scriptgate/pkg/contracts/domain"
)

// ErrContention is returned when a key kept changing under a resolution.
var ErrContention = errors.New("license: key changed concurrently")

const maxResolveAttempts = 3

// Store is the slice of the record store the resolver needs.
type Store interface {
	store.KeyStore
	GetScript(ctx context.Context, id string) (*domain.Script, error)
}

// Resolution is the outcome of Resolve. Key is nil for StateNotFound.
type Resolution struct {
	State State
	Key   *domain.LicenseKey
}

// Resolver runs the key state machine.
type Resolver struct {
	store  Store
	clock  clock.Clock
	logger *slog.Logger
}

// NewResolver creates a resolver over s.
func NewResolver(s Store, clk clock.Clock, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:  s,
		clock:  clock.OrSystem(clk),
		logger: logger.With(slog.String("component", "key_resolver")),
	}
}

// Resolve evaluates keyValue for scriptID as presented from hwid. An ACTIVE
// result has already been counted.
func (r *Resolver) Resolve(ctx context.Context, scriptID, keyValue, hwid string) (*Resolution, error) {
	locked, err := r.hwidLocked(ctx, scriptID)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < maxResolveAttempts; attempt++ {
		key, err := r.store.GetKey(ctx, scriptID, keyValue)
		if errors.Is(err, store.ErrNotFound) {
			return &Resolution{State: StateNotFound}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("resolve key: %w", err)
		}

		state, hwidHash, err := r.evaluate(ctx, key, hwid, locked)
		if err != nil {
			return nil, err
		}
		if state != StateActive {
			r.logResolution(ctx, key, state)
			return &Resolution{State: state, Key: key}, nil
		}
		if hwidHash == "" && !locked && key.HWIDBound() {
			hwidHash = *key.HWID
		}

		now := r.clock.Now()
		count, err := r.store.RecordUse(ctx, key.ID, hwidHash, now)
		if errors.Is(err, store.ErrNotFound) {
			// The key changed since it was read; evaluate it again.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("record key use: %w", err)
		}
		key.ExecutionCount = count
		key.UsedAt = &now
		r.logResolution(ctx, key, StateActive)
		return &Resolution{State: StateActive, Key: key}, nil
	}
	return nil, ErrContention
}

// evaluate applies the precedence order. On an HWID-locked script it binds
// an unbound key, and returns the hash the use must be recorded under.
func (r *Resolver) evaluate(ctx context.Context, key *domain.LicenseKey, hwid string, locked bool) (State, string, error) {
	if key.IsBanned {
		return StateBanned, "", nil
	}
	if key.Expired(r.clock.Now()) {
		return StateExpired, "", nil
	}
	if !locked {
		return StateActive, "", nil
	}
	if hwid == "" {
		return StateHWIDLocked, "", nil
	}

	hash := security.HashHWID(hwid)
	if key.HWIDBound() {
		if !security.ConstantTimeEqual(*key.HWID, hash) {
			return StateHWIDLocked, "", nil
		}
		return StateActive, hash, nil
	}

	bound, err := r.store.BindHWID(ctx, key.ID, hash)
	if err != nil {
		return 0, "", fmt.Errorf("bind hwid: %w", err)
	}
	if bound {
		r.logger.InfoContext(ctx, "HWID bound to key",
			slog.String("key_id", key.ID),
			slog.String("script_id", key.ScriptID))
		key.HWID = &hash
		return StateActive, hash, nil
	}

	// Another request bound first; compare against the winner.
	fresh, err := r.store.GetKeyByID(ctx, key.ID)
	if err != nil {
		return 0, "", fmt.Errorf("reload key after bind race: %w", err)
	}
	*key = *fresh
	if !key.HWIDBound() || !security.ConstantTimeEqual(*key.HWID, hash) {
		return StateHWIDLocked, "", nil
	}
	return StateActive, hash, nil
}

// hwidLocked reports whether the script enforces device binding. Scripts
// without a record enforce it.
func (r *Resolver) hwidLocked(ctx context.Context, scriptID string) (bool, error) {
	script, err := r.store.GetScript(ctx, scriptID)
	if errors.Is(err, store.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("load script: %w", err)
	}
	return script.HWIDLocked, nil
}

// ResetHWID clears a key's device binding so the next device can bind.
func (r *Resolver) ResetHWID(ctx context.Context, keyID string) error {
	if err := r.store.ResetHWID(ctx, keyID); err != nil {
		return fmt.Errorf("reset hwid: %w", err)
	}
	r.logger.InfoContext(ctx, "HWID binding reset", slog.String("key_id", keyID))
	return nil
}

func (r *Resolver) logResolution(ctx context.Context, key *domain.LicenseKey, state State) {
	r.logger.DebugContext(ctx, "Key resolved",
		slog.String("key", MaskKey(key.Value)),
		slog.String("script_id", key.ScriptID),
		slog.String("state", state.String()),
		slog.Int64("execution_count", key.ExecutionCount))
}

// MaskKey hides all but the leading part of a key for logs.
func MaskKey(key string) string {
	if len(key) < 8 {
		return "****"
	}
	if head, _, ok := strings.Cut(key, "-"); ok && head != "" {
		return head + "-****"
	}
	return key[:4] + "****"
}
