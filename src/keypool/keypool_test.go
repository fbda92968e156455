package keypool

// Test index:
//  1. TestAcquireStrictPriority returns the same top key until it is retired.
//  2. TestRotationDeterminism retires [1,2,3] in order on three rate limits; the 4th acquire is NONE.
//  3. TestRotateStopsWhenPoolEmpties ends the loop when no key is left.
//  4. TestRotateReturnsFirstSuccess returns the first key that works.
//  5. TestRotateAbortsOnOtherErrors stops after one non rate-limit failure and keeps the key.
//  6. TestRotateAttemptCeiling never makes more calls than the ceiling.
//  7. TestRotateHonoursCancelledContext skips the call on a cancelled context.
//  8. TestRetireIsIdempotentUnderRace fires one exhausted hook for many racing retirements.
//  9. TestAcquireOpensSecret runs the secret opener on acquire.
// 10. TestAcquireWithSQLStore exercises the gorm store through the same manager.
// 11. TestClassify covers the continue/abort decision table.
// 12. TestParseKeyListFeedsMemoryStore rotates env supplied keys in the order they were listed.
// 13. TestParseKeyListRejectsMalformedEntries refuses entries without a service or a secret.

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"marginengine/src/database/dbtest"
	"marginengine/src/errs"
	"marginengine/src/model"
	"marginengine/src/repository"

	"github.com/stretchr/testify/require"
)

func newPool(priorities ...int) (*Manager, *MemoryStore) {
	store := NewMemoryStore()
	for _, p := range priorities {
		store.Add(model.APIKey{Service: model.ServiceSpotListings, SecretCipher: fmt.Sprintf("secret-%d", p), Priority: p})
	}
	return NewManager(store), store
}

func TestAcquireStrictPriority(t *testing.T) {
	m, _ := newPool(3, 1, 2)
	ctx := context.Background()

	first, err := m.Acquire(ctx, model.ServiceSpotListings)
	require.NoError(t, err)
	require.Equal(t, 1, first.Priority)

	for i := 0; i < 5; i++ {
		again, err := m.Acquire(ctx, model.ServiceSpotListings)
		require.NoError(t, err)
		require.Equal(t, first.ID, again.ID)
	}

	_, err = m.Acquire(ctx, model.ServiceFXRates)
	require.ErrorIs(t, err, errs.ErrKeyPoolExhausted)
}

func TestRotationDeterminism(t *testing.T) {
	m, _ := newPool(1, 2, 3)
	ctx := context.Background()

	var used []int
	_, err := Rotate(ctx, m, model.ServiceSpotListings, 3, func(_ context.Context, c Credential) (string, error) {
		used = append(used, c.Priority)
		return "", fmt.Errorf("HTTP 429: %w", errs.ErrUpstreamRateLimited)
	})
	require.Error(t, err)
	require.ErrorIs(t, err, errs.ErrUpstreamRateLimited)
	require.Equal(t, []int{1, 2, 3}, used)

	_, err = m.Acquire(ctx, model.ServiceSpotListings)
	require.ErrorIs(t, err, errs.ErrKeyPoolExhausted)
}

func TestRotateStopsWhenPoolEmpties(t *testing.T) {
	m, _ := newPool(1, 2)
	calls := 0
	_, err := Rotate(context.Background(), m, model.ServiceSpotListings, 5, func(_ context.Context, c Credential) (int, error) {
		calls++
		return 0, errs.ErrUpstreamRateLimited
	})
	require.ErrorIs(t, err, errs.ErrKeyPoolExhausted)
	require.Equal(t, 2, calls)
}

func TestRotateReturnsFirstSuccess(t *testing.T) {
	m, _ := newPool(1, 2, 3)
	out, err := Rotate(context.Background(), m, model.ServiceSpotListings, 3, func(_ context.Context, c Credential) (int, error) {
		if c.Priority == 1 {
			return 0, errs.ErrUpstreamRateLimited
		}
		return c.Priority, nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, out)
}

func TestRotateAbortsOnOtherErrors(t *testing.T) {
	m, store := newPool(1, 2, 3)
	calls := 0
	_, err := Rotate(context.Background(), m, model.ServiceSpotListings, 3, func(_ context.Context, c Credential) (int, error) {
		calls++
		return 0, errors.New("connection reset")
	})
	require.ErrorIs(t, err, errs.ErrUpstreamUnavailable)
	require.Equal(t, 1, calls)

	for _, k := range store.Snapshot() {
		require.True(t, k.Active, "non rate-limit errors must not retire keys")
	}
}

func TestRotateAttemptCeiling(t *testing.T) {
	m, store := newPool(1, 2, 3, 4, 5)
	calls := 0
	_, err := Rotate(context.Background(), m, model.ServiceSpotListings, 2, func(_ context.Context, c Credential) (int, error) {
		calls++
		return 0, errs.ErrUpstreamRateLimited
	})
	require.ErrorIs(t, err, errs.ErrUpstreamRateLimited)
	require.Equal(t, 2, calls)

	active := 0
	for _, k := range store.Snapshot() {
		if k.Active {
			active++
		}
	}
	require.Equal(t, 3, active)
}

func TestRotateHonoursCancelledContext(t *testing.T) {
	m, _ := newPool(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Rotate(ctx, m, model.ServiceSpotListings, 3, func(_ context.Context, c Credential) (int, error) {
		t.Fatal("call must not run on a cancelled context")
		return 0, nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRetireIsIdempotentUnderRace(t *testing.T) {
	store := NewMemoryStore()
	id := store.Add(model.APIKey{Service: model.ServiceMetals, SecretCipher: "s", Priority: 1})

	var hooks atomic.Int32
	m := NewManager(store, WithExhaustedHook(func(service string) {
		hooks.Add(1)
	}))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Retire(context.Background(), model.ServiceMetals, id)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), hooks.Load())
	_, err := m.Acquire(context.Background(), model.ServiceMetals)
	require.ErrorIs(t, err, errs.ErrKeyPoolExhausted)
}

func TestAcquireOpensSecret(t *testing.T) {
	store := NewMemoryStore(model.APIKey{Service: model.ServiceCandles, SecretCipher: "sealed", Priority: 1})
	m := NewManager(store, WithSecretOpener(func(s string) (string, error) {
		return "opened-" + s, nil
	}))

	cred, err := m.Acquire(context.Background(), model.ServiceCandles)
	require.NoError(t, err)
	require.Equal(t, "opened-sealed", cred.Secret)
	require.Equal(t, int64(1), store.Snapshot()[0].UsageCount)

	failing := NewManager(store, WithSecretOpener(func(string) (string, error) {
		return "", errors.New("bad key")
	}))
	_, err = failing.Acquire(context.Background(), model.ServiceCandles)
	require.Error(t, err)
}

func TestAcquireWithSQLStore(t *testing.T) {
	db := dbtest.New(t)
	repo := repository.NewAPIKeyRepositoryWithDB(db)
	ctx := context.Background()

	for _, p := range []int{1, 2, 3} {
		require.NoError(t, repo.Create(ctx, &model.APIKey{Service: model.ServiceFXRates, SecretCipher: fmt.Sprintf("k%d", p), Priority: p}))
	}

	m := NewManager(repo)
	var used []string
	_, err := Rotate(ctx, m, model.ServiceFXRates, 3, func(_ context.Context, c Credential) (int, error) {
		used = append(used, c.Secret)
		return 0, errs.ErrUpstreamRateLimited
	})
	require.Error(t, err)
	require.Equal(t, []string{"k1", "k2", "k3"}, used)

	_, err = m.Acquire(ctx, model.ServiceFXRates)
	require.ErrorIs(t, err, errs.ErrKeyPoolExhausted)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Decision
	}{
		{name: "success", err: nil, want: Done},
		{name: "rate limited", err: errs.ErrUpstreamRateLimited, want: Continue},
		{name: "wrapped rate limited", err: fmt.Errorf("HTTP 401: %w", errs.ErrUpstreamRateLimited), want: Continue},
		{name: "unavailable", err: errs.ErrUpstreamUnavailable, want: Abort},
		{name: "plain error", err: errors.New("timeout"), want: Abort},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestParseKeyListFeedsMemoryStore(t *testing.T) {
	keys, err := ParseKeyList([]string{
		"spot_listings=first",
		" fx_rates = fx-only ",
		"",
		"spot_listings=second",
	})
	require.NoError(t, err)
	require.Len(t, keys, 3)
	require.Equal(t, "env-spot_listings-2", keys[2].Label)

	m := NewManager(NewMemoryStore(keys...))
	ctx := context.Background()

	var used []string
	_, err = Rotate(ctx, m, model.ServiceSpotListings, 3, func(_ context.Context, c Credential) (int, error) {
		used = append(used, c.Secret)
		if c.Secret == "first" {
			return 0, errs.ErrUpstreamRateLimited
		}
		return 1, nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"first", "second"}, used)

	fx, err := m.Acquire(ctx, model.ServiceFXRates)
	require.NoError(t, err)
	require.Equal(t, "fx-only", fx.Secret)
}

func TestParseKeyListRejectsMalformedEntries(t *testing.T) {
	for _, entry := range []string{"hunter2", "=hunter2", "spot_listings="} {
		_, err := ParseKeyList([]string{"fx_rates=ok", entry})
		require.Error(t, err, entry)
		require.Contains(t, err.Error(), "entry 2")
		require.NotContains(t, err.Error(), "hunter2")
	}
}
