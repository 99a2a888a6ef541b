package service

import (
	"context"
	"errors"
	"sync"

	"farm-ledger/internal/models"
	"farm-ledger/internal/redisclient"
	"farm-ledger/internal/util"

	"go.uber.org/zap"
)

// ErrUnknownTransaction is returned for a hash neither the node nor the
// tracker has seen
var ErrUnknownTransaction = errors.New("unknown transaction")

// TxTracker records submitted transactions so a repeated request can be
// answered without resubmitting and a timed-out call can be looked up later.
type TxTracker interface {
	// Remember binds key to hash unless key is already bound, and returns
	// the hash key is bound to afterwards.
	Remember(ctx context.Context, key, hash string) (string, error)
	// Forget drops the binding of key
	Forget(ctx context.Context, key string) error
	MarkPending(ctx context.Context, hash, op string) error
	// Settle moves hash from pending to a final status. It reports false
	// when hash was already final.
	Settle(ctx context.Context, hash, status string) (bool, error)
	// Status returns the recorded status of hash, or "" if unknown
	Status(ctx context.Context, hash string) (string, error)
}

var _ TxTracker = (*redisclient.Client)(nil)

type idempotencyKey struct{}

// WithIdempotencyKey attaches an idempotency key to ctx
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKey{}, key)
}

// IdempotencyKeyFrom returns the key attached to ctx, if any
func IdempotencyKeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKey{}).(string)
	return key
}

// MemoryTracker is an in-process TxTracker
type MemoryTracker struct {
	mu     sync.Mutex
	keys   map[string]string
	status map[string]string
}

// NewMemoryTracker creates an empty tracker
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		keys:   make(map[string]string),
		status: make(map[string]string),
	}
}

func (m *MemoryTracker) Remember(_ context.Context, key, hash string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.keys[key]; ok {
		return existing, nil
	}
	m.keys[key] = hash
	return hash, nil
}

func (m *MemoryTracker) Forget(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.keys, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryTracker) MarkPending(_ context.Context, hash, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.status[hash]; !ok {
		m.status[hash] = models.TxStatusPending
	}
	return nil
}

func (m *MemoryTracker) Settle(_ context.Context, hash, status string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.status[hash]; ok && current != models.TxStatusPending {
		return false, nil
	}
	m.status[hash] = status
	return true, nil
}

func (m *MemoryTracker) Status(_ context.Context, hash string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status[hash], nil
}

// FallbackTracker uses a primary tracker (redis) and falls back to a local
// one whenever the primary errors
type FallbackTracker struct {
	primary  TxTracker
	fallback TxTracker
	logger   *zap.Logger
}

// NewFallbackTracker creates a tracker backed by primary with an in-memory fallback
func NewFallbackTracker(primary TxTracker) *FallbackTracker {
	return &FallbackTracker{
		primary:  primary,
		fallback: NewMemoryTracker(),
		logger:   util.GetLogger(),
	}
}

func (f *FallbackTracker) Remember(ctx context.Context, key, hash string) (string, error) {
	bound, err := f.primary.Remember(ctx, key, hash)
	if err != nil {
		f.logger.Warn("Redis remember failed, falling back to memory",
			zap.String("idempotency_key", key),
			zap.Error(err))
		return f.fallback.Remember(ctx, key, hash)
	}
	return bound, nil
}

func (f *FallbackTracker) Forget(ctx context.Context, key string) error {
	_ = f.fallback.Forget(ctx, key)
	return f.primary.Forget(ctx, key)
}

func (f *FallbackTracker) MarkPending(ctx context.Context, hash, op string) error {
	_ = f.fallback.MarkPending(ctx, hash, op)
	if err := f.primary.MarkPending(ctx, hash, op); err != nil {
		f.logger.Warn("Redis mark pending failed", zap.String("tx_hash", hash), zap.Error(err))
	}
	return nil
}

func (f *FallbackTracker) Settle(ctx context.Context, hash, status string) (bool, error) {
	local, _ := f.fallback.Settle(ctx, hash, status)
	settled, err := f.primary.Settle(ctx, hash, status)
	if err != nil {
		f.logger.Warn("Redis settle failed, using local status",
			zap.String("tx_hash", hash),
			zap.Error(err))
		return local, nil
	}
	return settled, nil
}

func (f *FallbackTracker) Status(ctx context.Context, hash string) (string, error) {
	status, err := f.primary.Status(ctx, hash)
	if err != nil || status == "" {
		return f.fallback.Status(ctx, hash)
	}
	return status, nil
}
