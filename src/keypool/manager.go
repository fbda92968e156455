// Package keypool hands out upstream API credentials in strict priority order and retires
// them when the upstream signals a rate limit or an auth rejection.
package keypool

import (
	"context"
	"fmt"
	"time"

	logger "github.com/sirupsen/logrus"

	"marginengine/src/errs"
	"marginengine/src/model"
)

// Store is the persistence behind a pool. repository.APIKeyRepository and MemoryStore
// implement it.
type Store interface {
	FirstActive(ctx context.Context, service string) (*model.APIKey, error)
	TouchUsage(ctx context.Context, id uint, at time.Time) error
	Deactivate(ctx context.Context, id uint, at time.Time) (bool, error)
}

// Credential is an acquired key with its secret opened.
type Credential struct {
	ID       uint
	Service  string
	Secret   string
	Priority int
}

// Manager is safe for concurrent use; all state lives in the Store.
type Manager struct {
	store  Store
	open   func(string) (string, error)
	now    func() time.Time
	onDrop func(service string)
}

type Option func(*Manager)

// WithSecretOpener decrypts stored secrets on acquire (see security.Box.Open).
func WithSecretOpener(open func(string) (string, error)) Option {
	return func(m *Manager) { m.open = open }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithExhaustedHook is called once per retirement that leaves a service without
// active keys.
func WithExhaustedHook(fn func(service string)) Option {
	return func(m *Manager) { m.onDrop = fn }
}

func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store: store,
		open:  func(s string) (string, error) { return s, nil },
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire returns the active key with the lowest priority rank for service, or
// errs.ErrKeyPoolExhausted when none is left.
func (m *Manager) Acquire(ctx context.Context, service string) (Credential, error) {
	key, err := m.store.FirstActive(ctx, service)
	if err != nil {
		return Credential{}, fmt.Errorf("keypool: acquire %s: %w", service, err)
	}
	if key == nil {
		return Credential{}, errs.ErrKeyPoolExhausted
	}

	secret, err := m.open(key.SecretCipher)
	if err != nil {
		return Credential{}, fmt.Errorf("keypool: open secret of key %d: %w", key.ID, err)
	}

	if err := m.store.TouchUsage(ctx, key.ID, m.now()); err != nil {
		// Usage stats are advisory; the key is still good to use.
		logger.WithFields(map[string]interface{}{
			"service": service,
			"key_id":  key.ID,
		}).WithError(err).Warn("keypool: failed to record key usage")
	}

	return Credential{ID: key.ID, Service: key.Service, Secret: secret, Priority: key.Priority}, nil
}

// Retire marks the key inactive. Retiring an already inactive key is a no-op.
func (m *Manager) Retire(ctx context.Context, service string, keyID uint) error {
	changed, err := m.store.Deactivate(ctx, keyID, m.now())
	if err != nil {
		return fmt.Errorf("keypool: retire key %d: %w", keyID, err)
	}
	if !changed {
		return nil
	}

	logger.WithFields(map[string]interface{}{
		"service": service,
		"key_id":  keyID,
	}).Warn("keypool: key retired after upstream rejection")

	if m.onDrop != nil {
		next, err := m.store.FirstActive(ctx, service)
		if err == nil && next == nil {
			m.onDrop(service)
		}
	}
	return nil
}
