package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/lot-ledger/internal/port"
)

func TestLocalLocker_SerializesSameKey(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	var inside, overlaps atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(ctx, "lot:1:9999-12-31")
			if !assert.NoError(t, err) {
				return
			}
			if inside.Add(1) > 1 {
				overlaps.Add(1)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			assert.NoError(t, unlock(ctx))
		}()
	}
	wg.Wait()

	assert.Zero(t, overlaps.Load())
	assert.Empty(t, locker.locks, "lock entries should be dropped once released")
}

func TestLocalLocker_IndependentKeys(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	unlockA, err := locker.Lock(ctx, "a")
	require.NoError(t, err)
	defer unlockA(ctx)

	unlockB, err := locker.Lock(ctx, "b")
	require.NoError(t, err)
	require.NoError(t, unlockB(ctx))
}

func TestLocalLocker_ContextCancel(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "busy")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()

	_, err = locker.Lock(waitCtx, "busy")
	assert.ErrorIs(t, err, port.ErrLockNotObtained)

	// double unlock is harmless
	require.NoError(t, unlock(ctx))
	require.NoError(t, unlock(ctx))

	unlock, err = locker.Lock(ctx, "busy")
	require.NoError(t, err)
	require.NoError(t, unlock(ctx))
}
