package abuse

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"scriptgate/internal/clock"
)

const defaultShards = 32

type slidingLog struct {
	window time.Duration
	hits   []time.Time
}

type score struct {
	points  int
	expires time.Time
}

type shard struct {
	mu        sync.Mutex
	nonces    map[string]time.Time // zero expiry: kept until ClearNonces
	logs      map[string]*slidingLog
	suspicion map[string]score
	blocked   map[string]time.Time
}

// MemoryStore is a StateStore for single-instance deployments. Keys are
// spread over shards, each guarded by its own mutex.
type MemoryStore struct {
	shards []*shard
	clock  clock.Clock
}

// NewMemoryStore creates a store with n shards. n <= 0 uses a default.
func NewMemoryStore(n int, clk clock.Clock) *MemoryStore {
	if n <= 0 {
		n = defaultShards
	}
	m := &MemoryStore{shards: make([]*shard, n), clock: clock.OrSystem(clk)}
	for i := range m.shards {
		m.shards[i] = &shard{
			nonces:    make(map[string]time.Time),
			logs:      make(map[string]*slidingLog),
			suspicion: make(map[string]score),
			blocked:   make(map[string]time.Time),
		}
	}
	return m
}

func (m *MemoryStore) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}

// SeenNonce implements StateStore
func (m *MemoryStore) SeenNonce(_ context.Context, nonce string, ttl time.Duration) (bool, error) {
	now := m.clock.Now()
	s := m.shardFor(nonce)
	s.mu.Lock()
	defer s.mu.Unlock()

	if exp, ok := s.nonces[nonce]; ok && (exp.IsZero() || now.Before(exp)) {
		return true, nil
	}
	var exp time.Time
	if ttl > 0 {
		exp = now.Add(ttl)
	}
	s.nonces[nonce] = exp
	return false, nil
}

// ClearNonces implements StateStore
func (m *MemoryStore) ClearNonces(_ context.Context) error {
	for _, s := range m.shards {
		s.mu.Lock()
		clear(s.nonces)
		s.mu.Unlock()
	}
	return nil
}

// Hit implements StateStore
func (m *MemoryStore) Hit(_ context.Context, bucket string, window time.Duration, limit int) (bool, int, error) {
	now := m.clock.Now()
	s := m.shardFor(bucket)
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.logs[bucket]
	if !ok {
		log = &slidingLog{window: window}
		s.logs[bucket] = log
	}
	log.window = window
	log.prune(now)

	if len(log.hits) >= limit {
		return false, len(log.hits), nil
	}
	log.hits = append(log.hits, now)
	return true, len(log.hits), nil
}

// prune keeps only hits strictly after now-window.
func (l *slidingLog) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.hits) && !l.hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.hits = append(l.hits[:0], l.hits[i:]...)
	}
}

// AddSuspicion implements StateStore
func (m *MemoryStore) AddSuspicion(_ context.Context, id string, points int, ttl time.Duration) (int, error) {
	now := m.clock.Now()
	s := m.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	sc := s.suspicion[id]
	if !sc.expires.IsZero() && !now.Before(sc.expires) {
		sc = score{}
	}
	sc.points += points
	sc.expires = now.Add(ttl)
	s.suspicion[id] = sc
	return sc.points, nil
}

// Block implements StateStore
func (m *MemoryStore) Block(_ context.Context, id string, d time.Duration) error {
	now := m.clock.Now()
	s := m.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.blocked[id] = now.Add(d)
	delete(s.suspicion, id)
	return nil
}

// IsBlocked implements StateStore
func (m *MemoryStore) IsBlocked(_ context.Context, id string) (bool, error) {
	now := m.clock.Now()
	s := m.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	until, ok := s.blocked[id]
	if !ok {
		return false, nil
	}
	if !now.Before(until) {
		delete(s.blocked, id)
		return false, nil
	}
	return true, nil
}

// Sweep implements StateStore
func (m *MemoryStore) Sweep(_ context.Context) error {
	now := m.clock.Now()
	for _, s := range m.shards {
		s.mu.Lock()
		for n, exp := range s.nonces {
			if !exp.IsZero() && !now.Before(exp) {
				delete(s.nonces, n)
			}
		}
		for b, log := range s.logs {
			log.prune(now)
			if len(log.hits) == 0 {
				delete(s.logs, b)
			}
		}
		for id, sc := range s.suspicion {
			if !now.Before(sc.expires) {
				delete(s.suspicion, id)
			}
		}
		for id, until := range s.blocked {
			if !now.Before(until) {
				delete(s.blocked, id)
			}
		}
		s.mu.Unlock()
	}
	return nil
}

// Size reports the number of tracked entries, for tests and debugging.
func (m *MemoryStore) Size() (nonces, logs, scores, blocked int) {
	for _, s := range m.shards {
		s.mu.Lock()
		nonces += len(s.nonces)
		logs += len(s.logs)
		scores += len(s.suspicion)
		blocked += len(s.blocked)
		s.mu.Unlock()
	}
	return
}

var _ StateStore = (*MemoryStore)(nil)
