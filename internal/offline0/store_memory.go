package offline0

import (
	"context"
	"sort"
	"sync"
)

// memStorage keeps every generation in one LRU list bounded by maxBytes.
// A zero maxBytes means unbounded.
type memStorage struct {
	maxBytes int64

	mu    sync.Mutex
	gens  map[string]struct{}
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64
}

type ramItem struct {
	gen  string
	key  string
	ent  Entry
	size int64
	prev *ramItem
	next *ramItem
}

type memCache struct {
	s    *memStorage
	name string
}

func NewMemoryStorage(maxBytes int64) Storage {
	return newMemStorage(maxBytes)
}

func newMemStorage(maxBytes int64) *memStorage {
	return &memStorage{
		maxBytes: maxBytes,
		gens:     map[string]struct{}{},
		items:    map[string]*ramItem{},
	}
}

func itemKey(gen, key string) string { return gen + "\x00" + key }

func entrySize(ent *Entry) int64 {
	n := int64(len(ent.Body) + len(ent.URL))
	for k, vs := range ent.Header {
		for _, v := range vs {
			n += int64(len(k) + len(v))
		}
	}
	return n
}

func (s *memStorage) Open(_ context.Context, name string) (Cache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gens[name] = struct{}{}
	return &memCache{s: s, name: name}, nil
}

func (s *memStorage) Has(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.gens[name]
	return ok, nil
}

func (s *memStorage) Names(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.gens))
	for k := range s.gens {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (s *memStorage) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.gens[name]; !ok {
		return nil
	}
	delete(s.gens, name)
	for k, it := range s.items {
		if it.gen != name {
			continue
		}
		s.remove(it)
		delete(s.items, k)
		s.total -= it.size
	}
	return nil
}

func (s *memStorage) Close() error { return nil }

// TotalSize reports bytes held across all generations.
func (s *memStorage) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (c *memCache) Get(_ context.Context, key string) (*Entry, error) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[itemKey(c.name, key)]
	if !ok {
		return nil, nil
	}
	s.moveToFront(it)
	ent := it.ent
	return &ent, nil
}

func (c *memCache) Put(_ context.Context, key string, ent *Entry) error {
	if err := validateEntry(key, ent); err != nil {
		return err
	}
	s := c.s
	sz := entrySize(ent)
	if s.maxBytes > 0 && sz > s.maxBytes {
		return quotaError(key, sz, s.maxBytes)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.gens[c.name]; !ok {
		return storeError(errNoGeneration, "put", c.name)
	}

	ik := itemKey(c.name, key)
	if it, ok := s.items[ik]; ok {
		s.total -= it.size
		it.ent = *ent
		it.size = sz
		s.total += sz
		s.moveToFront(it)
		s.evictLocked(it)
		return nil
	}

	it := &ramItem{gen: c.name, key: key, ent: *ent, size: sz}
	s.items[ik] = it
	s.addToFront(it)
	s.total += sz
	s.evictLocked(it)
	return nil
}

// evictLocked drops least-recently-used items until the budget holds,
// never evicting keep.
func (s *memStorage) evictLocked(keep *ramItem) {
	for s.maxBytes > 0 && s.total > s.maxBytes {
		it := s.tail
		if it == nil || it == keep {
			return
		}
		s.remove(it)
		delete(s.items, itemKey(it.gen, it.key))
		s.total -= it.size
	}
}

func (s *memStorage) addToFront(it *ramItem) {
	it.prev = nil
	it.next = s.head
	if s.head != nil {
		s.head.prev = it
	}
	s.head = it
	if s.tail == nil {
		s.tail = it
	}
}

func (s *memStorage) remove(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		s.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		s.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (s *memStorage) moveToFront(it *ramItem) {
	if s.head == it {
		return
	}
	s.remove(it)
	s.addToFront(it)
}
