package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// DefaultLocalSize bounds the local tier when no size is configured.
const DefaultLocalSize = 1000

// LocalStore is a bounded, recency-ordered in-process tier. Inserting at
// capacity evicts the least recently accessed entry; expired entries are
// dropped when looked up or purged.
type LocalStore struct {
	mu      sync.Mutex
	items   map[string]*list.Element
	lru     *list.List // front = most recently used
	maxSize int
	now     func() time.Time
}

type localEntry struct {
	key       string
	value     string
	expiresAt time.Time
}

func NewLocalStore(maxSize int) *LocalStore {
	if maxSize <= 0 {
		maxSize = DefaultLocalSize
	}
	return &LocalStore{
		items:   make(map[string]*list.Element),
		lru:     list.New(),
		maxSize: maxSize,
		now:     time.Now,
	}
}

func (s *LocalStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[key]
	if !ok {
		return "", false, nil
	}

	entry := elem.Value.(*localEntry)
	if !s.now().Before(entry.expiresAt) {
		s.removeElement(elem)
		return "", false, nil
	}

	s.lru.MoveToFront(elem)
	return entry.value, true, nil
}

func (s *LocalStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ttl <= 0 {
		if elem, ok := s.items[key]; ok {
			s.removeElement(elem)
		}
		return nil
	}
	expiresAt := s.now().Add(ttl)

	if elem, ok := s.items[key]; ok {
		entry := elem.Value.(*localEntry)
		entry.value = value
		entry.expiresAt = expiresAt
		s.lru.MoveToFront(elem)
		return nil
	}

	for s.lru.Len() >= s.maxSize {
		s.removeElement(s.lru.Back())
	}

	s.items[key] = s.lru.PushFront(&localEntry{key: key, value: value, expiresAt: expiresAt})
	return nil
}

func (s *LocalStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.items[key]; ok {
		s.removeElement(elem)
	}
	return nil
}

func (s *LocalStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[string]*list.Element)
	s.lru.Init()
	return nil
}

// PurgeExpired removes every expired entry and returns how many were dropped.
func (s *LocalStore) PurgeExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	purged := 0
	for elem := s.lru.Back(); elem != nil; {
		prev := elem.Prev()
		if !now.Before(elem.Value.(*localEntry).expiresAt) {
			s.removeElement(elem)
			purged++
		}
		elem = prev
	}
	return purged
}

func (s *LocalStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

func (s *LocalStore) removeElement(elem *list.Element) {
	if elem == nil {
		return
	}
	s.lru.Remove(elem)
	delete(s.items, elem.Value.(*localEntry).key)
}
