package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const (
	memoryShards    = 32
	janitorInterval = 30 * time.Second
)

type window struct {
	count   int64
	expires time.Time
}

type memoryShard struct {
	mu      sync.Mutex
	windows map[string]*window
}

// MemoryStore keeps windows in process memory. Expired windows are replaced
// on the next hit and swept periodically by the janitor.
type MemoryStore struct {
	shards []*memoryShard
	now    func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMemoryStore creates a store and starts its janitor. Call Close to stop it.
func NewMemoryStore() *MemoryStore {
	s := newMemoryStore(time.Now)
	s.wg.Add(1)
	go s.janitor(janitorInterval)
	return s
}

func newMemoryStore(now func() time.Time) *MemoryStore {
	s := &MemoryStore{
		shards: make([]*memoryShard, memoryShards),
		now:    now,
		stop:   make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &memoryShard{windows: make(map[string]*window)}
	}
	return s
}

func (s *MemoryStore) shard(key string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Increment implements Store.
func (s *MemoryStore) Increment(_ context.Context, key string, ttl time.Duration) (int64, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	w, ok := sh.windows[key]
	if !ok || !now.Before(w.expires) {
		w = &window{expires: now.Add(ttl)}
		sh.windows[key] = w
	}
	w.count++
	return w.count, nil
}

// Len returns the number of windows held, expired ones included.
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.windows)
		sh.mu.Unlock()
	}
	return n
}

// Sweep removes every expired window.
func (s *MemoryStore) Sweep() {
	now := s.now()
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, w := range sh.windows {
			if !now.Before(w.expires) {
				delete(sh.windows, k)
			}
		}
		sh.mu.Unlock()
	}
}

func (s *MemoryStore) janitor(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stop:
			return
		}
	}
}

// Close stops the janitor.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	return nil
}
