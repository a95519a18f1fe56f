package workload

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	return NewFileStore(t.TempDir())
}

func newTestWorkload(name string) *Workload {
	return &Workload{
		Name:      name,
		Namespace: "default",
		Spec:      *validRequest(),
		Status:    Status{Phase: PhasePending, Attempts: 1},
	}
}

func TestFileStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	w := newTestWorkload("docs-billing-task12")
	require.NoError(t, store.Create(ctx, w))

	assert.NotEmpty(t, w.UID)
	assert.Equal(t, int64(1), w.Revision)
	assert.False(t, w.CreatedAt.IsZero())

	got, err := store.Get(ctx, w.Name)
	require.NoError(t, err)
	assert.Equal(t, w.UID, got.UID)
	assert.Equal(t, PhasePending, got.Status.Phase)
}

func TestFileStore_CreateDuplicate(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Create(ctx, newTestWorkload("dup")))
	err := store.Create(ctx, newTestWorkload("dup"))
	require.Error(t, err)
	assert.True(t, IsConflict(err))
}

func TestFileStore_GetMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "no-such")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestFileStore_UpdateRevisionCAS(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	w := newTestWorkload("cas")
	require.NoError(t, store.Create(ctx, w))

	// Two actors read the same revision.
	a, err := store.Get(ctx, "cas")
	require.NoError(t, err)
	b, err := store.Get(ctx, "cas")
	require.NoError(t, err)

	a.Status.Phase = PhasePreparing
	require.NoError(t, store.Update(ctx, a))
	assert.Equal(t, int64(2), a.Revision)

	// The second writer presents a stale revision and must lose.
	b.Status.Phase = PhaseFailed
	err = store.Update(ctx, b)
	require.Error(t, err)
	assert.True(t, IsConflict(err))

	// The winning write is intact.
	got, err := store.Get(ctx, "cas")
	require.NoError(t, err)
	assert.Equal(t, PhasePreparing, got.Status.Phase)
}

func TestFileStore_DeleteSetsTombstone(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	w := newTestWorkload("doomed")
	require.NoError(t, store.Create(ctx, w))
	require.NoError(t, store.Delete(ctx, "doomed"))

	got, err := store.Get(ctx, "doomed")
	require.NoError(t, err)
	assert.True(t, got.Deleting())

	// Deleting again is idempotent.
	require.NoError(t, store.Delete(ctx, "doomed"))

	require.NoError(t, store.Remove(ctx, "doomed"))
	_, err = store.Get(ctx, "doomed")
	assert.True(t, IsNotFound(err))
}

func TestFileStore_List(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Create(ctx, newTestWorkload("a")))
	require.NoError(t, store.Create(ctx, newTestWorkload("b")))

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestFileStore_RecordAttemptExclusive(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	a := &Attempt{TaskID: 5, Service: "billing", ContextVersion: 1, Workload: "w"}
	require.NoError(t, store.RecordAttempt(ctx, a))

	// Claiming the same version again must conflict: the record file is
	// the allocation point.
	err := store.RecordAttempt(ctx, &Attempt{TaskID: 5, Service: "billing", ContextVersion: 1, Workload: "w2"})
	require.Error(t, err)
	assert.True(t, IsConflict(err))

	attempts, err := store.Attempts(ctx, "billing", 5)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, "w", attempts[0].Workload)
}

func TestFileStore_AttemptsSortedByVersion(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for _, v := range []int{3, 1, 2} {
		require.NoError(t, store.RecordAttempt(ctx, &Attempt{
			TaskID: 9, Service: "billing", ContextVersion: v, Workload: "w",
		}))
	}

	attempts, err := store.Attempts(ctx, "billing", 9)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	for i, a := range attempts {
		assert.Equal(t, i+1, a.ContextVersion)
	}
}

func TestAllocateVersion_Sequential(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	r := validRequest()

	for want := 1; want <= 4; want++ {
		got, err := AllocateVersion(ctx, store, "w", r, false)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestAllocateVersion_ConcurrentNoGapsNoDuplicates(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	r := validRequest()

	const racers = 8
	results := make(chan int, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := AllocateVersion(ctx, store, "w", r, false)
			require.NoError(t, err)
			results <- v
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int]bool)
	for v := range results {
		assert.False(t, seen[v], "version %d allocated twice", v)
		seen[v] = true
	}
	// Strictly increasing with no gaps: exactly 1..racers.
	for v := 1; v <= racers; v++ {
		assert.True(t, seen[v], "version %d missing", v)
	}
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	w, err := Submit(ctx, store, "default", validRequest())
	require.NoError(t, err)
	assert.Equal(t, PhasePending, w.Status.Phase)
	assert.Equal(t, 1, w.Status.Attempts)
	assert.Equal(t, 1, w.Spec.ContextVersion)
	assert.Equal(t, "docs-billing-task12", w.Name)
}

func TestSubmit_InvalidRequest(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	r := validRequest()
	r.Service = ""
	_, err := Submit(ctx, store, "default", r)
	require.Error(t, err)
	assert.True(t, IsConfiguration(err))

	// Nothing persisted, no version burned.
	attempts, err := store.Attempts(ctx, "billing", 12)
	require.NoError(t, err)
	assert.Empty(t, attempts)
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	w, err := Submit(ctx, store, "default", validRequest())
	require.NoError(t, err)

	// Fail the attempt.
	w.Status.Phase = PhaseFailed
	w.Status.SessionID = "sess-1"
	require.NoError(t, store.Update(ctx, w))

	got, err := Retry(ctx, store, w.Name, true)
	require.NoError(t, err)
	assert.Equal(t, PhasePending, got.Status.Phase)
	assert.Equal(t, 2, got.Spec.ContextVersion)
	assert.Equal(t, 2, got.Status.Attempts)
	assert.True(t, got.Spec.ContinueSession)
	assert.Equal(t, "sess-1", got.Status.SessionID, "session survives retry for continuation")
}

func TestRetry_RequiresFailedPhase(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	w, err := Submit(ctx, store, "default", validRequest())
	require.NoError(t, err)

	_, err = Retry(ctx, store, w.Name, false)
	require.Error(t, err)
	assert.True(t, IsConfiguration(err))
}

func TestRetry_VersionsStrictlyIncrease(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	w, err := Submit(ctx, store, "default", validRequest())
	require.NoError(t, err)

	for want := 2; want <= 4; want++ {
		w, err = store.Get(ctx, w.Name)
		require.NoError(t, err)
		w.Status.Phase = PhaseFailed
		require.NoError(t, store.Update(ctx, w))

		got, err := Retry(ctx, store, w.Name, false)
		require.NoError(t, err)
		assert.Equal(t, want, got.Spec.ContextVersion)
	}

	attempts, err := store.Attempts(ctx, "billing", 12)
	require.NoError(t, err)
	assert.Len(t, attempts, 4)
}
