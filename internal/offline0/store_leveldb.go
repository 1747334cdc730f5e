package offline0

import (
	"bytes"
	"context"
	"encoding/gob"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	g:<gen>            -> gob(genMeta)
//	e:<gen>\x00<key>   -> gob(Entry)
type levelStorage struct {
	maxBytes int64
	db       *leveldb.DB

	mu    sync.Mutex
	sizes map[string]map[string]int64 // gen -> key -> encoded size
	total int64
}

type genMeta struct {
	CreatedAt int64
}

type levelCache struct {
	s    *levelStorage
	name string
}

func NewLevelDBStorage(path string, maxBytes int64) (Storage, error) {
	return newLevelStorage(path, maxBytes)
}

func newLevelStorage(path string, maxBytes int64) (*levelStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, storeError(err, "open", path)
	}
	s := &levelStorage{
		maxBytes: maxBytes,
		db:       db,
		sizes:    map[string]map[string]int64{},
	}
	if err := s.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func genKey(name string) []byte { return []byte("g:" + name) }

func entryPrefix(name string) []byte { return []byte("e:" + name + "\x00") }

func (s *levelStorage) loadIndex() error {
	it := s.db.NewIterator(util.BytesPrefix([]byte("g:")), nil)
	for it.Next() {
		s.sizes[string(bytes.TrimPrefix(it.Key(), []byte("g:")))] = map[string]int64{}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return storeError(err, "index", "")
	}

	var total int64
	for name, idx := range s.sizes {
		prefix := entryPrefix(name)
		eit := s.db.NewIterator(util.BytesPrefix(prefix), nil)
		for eit.Next() {
			sz := int64(len(eit.Value()))
			idx[string(bytes.TrimPrefix(eit.Key(), prefix))] = sz
			total += sz
		}
		eit.Release()
		if err := eit.Error(); err != nil {
			return storeError(err, "index", name)
		}
	}
	s.total = total
	return nil
}

func (s *levelStorage) Open(_ context.Context, name string) (Cache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sizes[name]; !ok {
		b, err := encodeGob(genMeta{CreatedAt: time.Now().Unix()})
		if err != nil {
			return nil, storeError(err, "open", name)
		}
		if err := s.db.Put(genKey(name), b, nil); err != nil {
			return nil, storeError(err, "open", name)
		}
		s.sizes[name] = map[string]int64{}
	}
	return &levelCache{s: s, name: name}, nil
}

func (s *levelStorage) Has(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sizes[name]
	return ok, nil
}

func (s *levelStorage) Names(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sizes))
	for k := range s.sizes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (s *levelStorage) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := new(leveldb.Batch)
	batch.Delete(genKey(name))
	it := s.db.NewIterator(util.BytesPrefix(entryPrefix(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return storeError(err, "delete", name)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return storeError(err, "delete", name)
	}
	for _, sz := range s.sizes[name] {
		s.total -= sz
	}
	delete(s.sizes, name)
	return nil
}

func (s *levelStorage) Close() error {
	return s.db.Close()
}

func (s *levelStorage) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (c *levelCache) Get(_ context.Context, key string) (*Entry, error) {
	b, err := c.s.db.Get(append(entryPrefix(c.name), key...), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, storeError(err, "get", c.name)
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		return nil, storeError(err, "decode", c.name)
	}
	return &ent, nil
}

func (c *levelCache) Put(_ context.Context, key string, ent *Entry) error {
	if err := validateEntry(key, ent); err != nil {
		return err
	}
	b, err := encodeGob(*ent)
	if err != nil {
		return storeError(err, "encode", c.name)
	}
	size := int64(len(b))

	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.sizes[c.name]
	if !ok {
		return storeError(errNoGeneration, "put", c.name)
	}
	old := idx[key]
	if s.maxBytes > 0 && s.total-old+size > s.maxBytes {
		return quotaError(key, size, s.maxBytes)
	}
	if err := s.db.Put(append(entryPrefix(c.name), key...), b, nil); err != nil {
		return storeError(err, "put", c.name)
	}
	idx[key] = size
	s.total += size - old
	return nil
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
