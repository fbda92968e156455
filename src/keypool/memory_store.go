package keypool

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"marginengine/src/model"
)

// MemoryStore keeps keys in process. The engine uses it when UPSTREAM_API_KEYS supplies the
// keys instead of the database.
type MemoryStore struct {
	mu     sync.Mutex
	keys   []model.APIKey
	nextID uint
}

// ParseKeyList reads service=secret entries. Entries for the same service take priority in
// the order given. Secrets are kept as plain text.
func ParseKeyList(entries []string) ([]model.APIKey, error) {
	keys := make([]model.APIKey, 0, len(entries))
	perService := map[string]int{}
	for i, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		service, secret, ok := strings.Cut(entry, "=")
		service = strings.TrimSpace(service)
		secret = strings.TrimSpace(secret)
		if !ok || service == "" || secret == "" {
			return nil, fmt.Errorf("keypool: key entry %d is malformed, want service=secret", i+1)
		}
		perService[service]++
		keys = append(keys, model.APIKey{
			Service:      service,
			Label:        fmt.Sprintf("env-%s-%d", service, perService[service]),
			SecretCipher: secret,
			Priority:     perService[service],
		})
	}
	return keys, nil
}

func NewMemoryStore(keys ...model.APIKey) *MemoryStore {
	s := &MemoryStore{}
	for _, k := range keys {
		s.Add(k)
	}
	return s
}

// Add inserts key as active and returns its id.
func (s *MemoryStore) Add(key model.APIKey) uint {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	key.ID = s.nextID
	key.Active = true
	s.keys = append(s.keys, key)
	sort.SliceStable(s.keys, func(i, j int) bool {
		if s.keys[i].Priority != s.keys[j].Priority {
			return s.keys[i].Priority < s.keys[j].Priority
		}
		return s.keys[i].ID < s.keys[j].ID
	})
	return key.ID
}

func (s *MemoryStore) FirstActive(_ context.Context, service string) (*model.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.keys {
		if s.keys[i].Service == service && s.keys[i].Active {
			k := s.keys[i]
			return &k, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) TouchUsage(_ context.Context, id uint, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k := s.find(id); k != nil {
		k.UsageCount++
		t := at
		k.LastUsedAt = &t
	}
	return nil
}

func (s *MemoryStore) Deactivate(_ context.Context, id uint, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := s.find(id)
	if k == nil || !k.Active {
		return false, nil
	}
	k.Active = false
	t := at
	k.RetiredAt = &t
	return true, nil
}

// Snapshot returns a copy of all keys in rotation order.
func (s *MemoryStore) Snapshot() []model.APIKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.APIKey(nil), s.keys...)
}

func (s *MemoryStore) find(id uint) *model.APIKey {
	for i := range s.keys {
		if s.keys[i].ID == id {
			return &s.keys[i]
		}
	}
	return nil
}
