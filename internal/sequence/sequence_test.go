// ABOUTME: Tests for the lock table and sequence leases
// ABOUTME: Covers contention, contiguity, explicit claims and refresh

package sequence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/apperr"
)

type fakeLatest struct {
	mu     sync.Mutex
	latest map[string]int64
	err    error
}

func (f *fakeLatest) LatestSequence(_ context.Context, id string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	return f.latest[id], nil
}

func (f *fakeLatest) set(id string, v int64) {
	f.mu.Lock()
	f.latest[id] = v
	f.mu.Unlock()
}

func TestLocks_TryAcquire(t *testing.T) {
	locks := NewLocks()

	release, err := locks.TryAcquire("c1")
	require.NoError(t, err)

	_, err = locks.TryAcquire("c1")
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	// Other conversations are independent
	releaseOther, err := locks.TryAcquire("c2")
	require.NoError(t, err)
	releaseOther()

	release()
	release() // idempotent

	release2, err := locks.TryAcquire("c1")
	require.NoError(t, err)
	release2()
}

func TestLocks_ConcurrentOnlyOneWins(t *testing.T) {
	locks := NewLocks()
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := locks.TryAcquire("hot"); err == nil {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestSequencer_LeaseAssignsContiguous(t *testing.T) {
	store := &fakeLatest{latest: map[string]int64{"c1": 4}}
	seq := New(store, nil)

	lease, err := seq.Begin(context.Background(), "c1")
	require.NoError(t, err)
	defer lease.Release()

	assert.Equal(t, int64(5), lease.Next())
	assert.Equal(t, int64(6), lease.Next())
	assert.Equal(t, int64(7), lease.Next())
	assert.Equal(t, int64(7), lease.Last())
	assert.Equal(t, "c1", lease.ConversationID())
}

func TestSequencer_BeginWhileBusy(t *testing.T) {
	seq := New(&fakeLatest{latest: map[string]int64{}}, nil)

	lease, err := seq.Begin(context.Background(), "c1")
	require.NoError(t, err)

	_, err = seq.Begin(context.Background(), "c1")
	assert.True(t, errors.Is(err, apperr.ErrConflict))
	_, err = seq.Lock("c1")
	assert.True(t, errors.Is(err, apperr.ErrConflict))

	lease.Release()
	unlock, err := seq.Lock("c1")
	require.NoError(t, err)
	unlock()
}

func TestSequencer_LockExcludesBegin(t *testing.T) {
	seq := New(&fakeLatest{latest: map[string]int64{}}, nil)

	unlock, err := seq.Lock("c1")
	require.NoError(t, err)

	_, err = seq.Begin(context.Background(), "c1")
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	unlock()
	lease, err := seq.Begin(context.Background(), "c1")
	require.NoError(t, err)
	lease.Release()
}

func TestSequencer_BeginReleasesOnStoreError(t *testing.T) {
	store := &fakeLatest{err: errors.New("db gone")}
	seq := New(store, nil)

	_, err := seq.Begin(context.Background(), "c1")
	require.Error(t, err)

	unlock, err := seq.Lock("c1")
	require.NoError(t, err, "a failed Begin leaves the conversation unlocked")
	unlock()
}

func TestLease_Claim(t *testing.T) {
	store := &fakeLatest{latest: map[string]int64{"c1": 7}}
	lease, err := New(store, nil).Begin(context.Background(), "c1")
	require.NoError(t, err)
	defer lease.Release()

	assert.Equal(t, apperr.KindConflict, apperr.KindOf(lease.Claim(7)))
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(lease.Claim(3)))
	require.NoError(t, lease.Claim(10))
	assert.Equal(t, int64(11), lease.Next())
}

func TestLease_Refresh(t *testing.T) {
	store := &fakeLatest{latest: map[string]int64{"c1": 2}}
	lease, err := New(store, nil).Begin(context.Background(), "c1")
	require.NoError(t, err)
	defer lease.Release()

	// Another writer landed rows behind our back.
	store.set("c1", 5)
	require.NoError(t, lease.Refresh(context.Background()))
	assert.Equal(t, int64(6), lease.Next())
}
