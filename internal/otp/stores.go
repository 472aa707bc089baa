package otp

import (
	"context"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/example/freelance-dispatch/internal/models"
)

type memKey struct {
	booking string
	purpose Purpose
}

type MemoryStore struct {
	mu    sync.Mutex
	codes map[memKey]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{codes: make(map[memKey]*Record)}
}

func (m *MemoryStore) Put(_ context.Context, bookingID string, p Purpose, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey{bookingID, p}
	if _, ok := m.codes[k]; ok {
		return models.ErrCodeAlreadyIssued
	}
	m.codes[k] = &Record{Code: code}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, bookingID string, p Purpose) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.codes[memKey{bookingID, p}]
	if !ok {
		return Record{}, models.ErrNotFound
	}
	return *r, nil
}

func (m *MemoryStore) MarkUsed(_ context.Context, bookingID string, p Purpose) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.codes[memKey{bookingID, p}]
	if !ok {
		return models.ErrNotFound
	}
	if r.Used {
		return models.ErrInvalidTransition
	}
	r.Used = true
	return nil
}

// RedisStore keeps codes in two keys per booking and purpose; SETNX gives
// issue-once and use-once semantics across processes.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func codeKey(bookingID string, p Purpose) string { return "otp:" + bookingID + ":" + string(p) }
func usedKey(bookingID string, p Purpose) string { return codeKey(bookingID, p) + ":used" }

func (r *RedisStore) Put(ctx context.Context, bookingID string, p Purpose, code string) error {
	ok, err := r.client.SetNX(ctx, codeKey(bookingID, p), code, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrCodeAlreadyIssued
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, bookingID string, p Purpose) (Record, error) {
	vals, err := r.client.MGet(ctx, codeKey(bookingID, p), usedKey(bookingID, p)).Result()
	if err != nil {
		return Record{}, err
	}
	code, ok := vals[0].(string)
	if !ok {
		return Record{}, models.ErrNotFound
	}
	return Record{Code: code, Used: vals[1] != nil}, nil
}

func (r *RedisStore) MarkUsed(ctx context.Context, bookingID string, p Purpose) error {
	if err := r.client.Get(ctx, codeKey(bookingID, p)).Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return models.ErrNotFound
		}
		return err
	}
	ok, err := r.client.SetNX(ctx, usedKey(bookingID, p), "1", 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrInvalidTransition
	}
	return nil
}
