package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

type Store interface {
	Save(ctx context.Context, f *Flow) error
	Load(ctx context.Context, id string) (*Flow, error)
	Delete(ctx context.Context, id string) error
}

// KV is the JSON key-value surface a Redis connection provides.
type KV interface {
	SaveJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error
	LoadJSON(ctx context.Context, key string, v interface{}) (bool, error)
	Delete(ctx context.Context, key string) error
}

type KVStore struct {
	kv  KV
	ttl time.Duration
}

func NewKVStore(kv KV, ttl time.Duration) *KVStore {
	return &KVStore{kv: kv, ttl: ttl}
}

func flowKey(id string) string {
	return "flow:" + id
}

func (s *KVStore) Save(ctx context.Context, f *Flow) error {
	if err := s.kv.SaveJSON(ctx, flowKey(f.ID), f, s.ttl); err != nil {
		return fmt.Errorf("save flow %s: %w", f.ID, err)
	}
	return nil
}

func (s *KVStore) Load(ctx context.Context, id string) (*Flow, error) {
	var f Flow
	found, err := s.kv.LoadJSON(ctx, flowKey(id), &f)
	if err != nil {
		return nil, fmt.Errorf("load flow %s: %w", id, err)
	}
	if !found {
		return nil, ErrFlowNotFound
	}
	return &f, nil
}

func (s *KVStore) Delete(ctx context.Context, id string) error {
	return s.kv.Delete(ctx, flowKey(id))
}

// MemoryStore keeps flows serialized in process, so loaded flows behave the
// same as ones coming back from Redis.
type MemoryStore struct {
	mu    sync.RWMutex
	flows map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{flows: make(map[string][]byte)}
}

func (s *MemoryStore) Save(_ context.Context, f *Flow) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[f.ID] = data
	return nil
}

func (s *MemoryStore) Load(_ context.Context, id string) (*Flow, error) {
	s.mu.RLock()
	data, ok := s.flows[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrFlowNotFound
	}
	var f Flow
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flows, id)
	return nil
}

// MemoryLocker is a process-local Locker.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]string
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]string)}
}

func (l *MemoryLocker) TryLock(_ context.Context, key, token string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.locks[key]; held {
		return false, nil
	}
	l.locks[key] = token
	return true, nil
}

func (l *MemoryLocker) Unlock(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locks[key] == token {
		delete(l.locks, key)
	}
	return nil
}
