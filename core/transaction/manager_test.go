package transaction_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojograph/core/storage_engine/memstore"
	"github.com/sushant-115/gojograph/core/transaction"
)

func newTestManager(t *testing.T, mutate func(*transaction.Config)) (*transaction.Manager, *memstore.Store) {
	t.Helper()
	cfg := transaction.DefaultConfig()
	cfg.AutoCleanup = false
	if mutate != nil {
		mutate(&cfg)
	}
	store := memstore.New(memstore.Config{})
	mgr, err := transaction.NewManager(cfg, store, nil, zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	return mgr, store
}

func mustGet(t *testing.T, mgr *transaction.Manager, key string) (string, bool) {
	t.Helper()
	id, err := mgr.Begin(transaction.Options{ReadOnly: true})
	require.NoError(t, err)
	defer mgr.Abort(id)
	ctx, err := mgr.Get(id)
	require.NoError(t, err)
	value, found, err := ctx.Get([]byte(key))
	require.NoError(t, err)
	return string(value), found
}

func TestCommitPersistsWrites(t *testing.T) {
	mgr, _ := newTestManager(t, nil)

	id, err := mgr.Begin(transaction.Options{})
	require.NoError(t, err)
	ctx, err := mgr.Get(id)
	require.NoError(t, err)

	require.NoError(t, ctx.Put([]byte("alice"), []byte("node:1")))
	require.NoError(t, ctx.Put([]byte("bob"), []byte("node:2")))
	require.NoError(t, mgr.Commit(id))

	value, found := mustGet(t, mgr, "alice")
	require.True(t, found)
	require.Equal(t, "node:1", value)

	_, err = mgr.Get(id)
	require.ErrorIs(t, err, transaction.ErrTransactionNotFound)
}

func TestAbortDiscardsWrites(t *testing.T) {
	mgr, _ := newTestManager(t, nil)

	id, err := mgr.Begin(transaction.Options{})
	require.NoError(t, err)
	ctx, err := mgr.Get(id)
	require.NoError(t, err)
	require.NoError(t, ctx.Put([]byte("alice"), []byte("node:1")))
	require.NoError(t, mgr.Abort(id))

	_, found := mustGet(t, mgr, "alice")
	require.False(t, found)

	// The id is gone; a second abort is an error, not a crash.
	require.ErrorIs(t, mgr.Abort(id), transaction.ErrTransactionNotFound)
}

func TestReadOnlyTransactionRejectsWrites(t *testing.T) {
	mgr, _ := newTestManager(t, nil)

	id, err := mgr.Begin(transaction.Options{ReadOnly: true})
	require.NoError(t, err)
	ctx, err := mgr.Get(id)
	require.NoError(t, err)

	require.ErrorIs(t, ctx.Put([]byte("k"), []byte("v")), transaction.ErrReadOnlyTransaction)
	require.ErrorIs(t, ctx.Delete([]byte("k")), transaction.ErrReadOnlyTransaction)
	_, err = ctx.CreateSavepoint("sp")
	require.ErrorIs(t, err, transaction.ErrReadOnlyTransaction)

	require.NoError(t, mgr.Commit(id))
}

func TestConcurrentReadersOneWriter(t *testing.T) {
	mgr, _ := newTestManager(t, nil)

	writer, err := mgr.Begin(transaction.Options{})
	require.NoError(t, err)

	// Any number of readers may coexist with the writer.
	for i := 0; i < 5; i++ {
		reader, err := mgr.Begin(transaction.Options{ReadOnly: true})
		require.NoError(t, err)
		defer mgr.Abort(reader)
	}

	// A second writer fails immediately in non-waiting mode.
	_, err = mgr.Begin(transaction.Options{})
	require.ErrorIs(t, err, transaction.ErrWriteConflict)

	require.NoError(t, mgr.Abort(writer))

	// The slot is free again.
	writer2, err := mgr.Begin(transaction.Options{})
	require.NoError(t, err)
	require.NoError(t, mgr.Abort(writer2))
}

func TestSnapshotIsolation(t *testing.T) {
	mgr, _ := newTestManager(t, nil)

	seed, err := mgr.Begin(transaction.Options{})
	require.NoError(t, err)
	seedCtx, err := mgr.Get(seed)
	require.NoError(t, err)
	require.NoError(t, seedCtx.Put([]byte("k"), []byte("old")))
	require.NoError(t, mgr.Commit(seed))

	reader, err := mgr.Begin(transaction.Options{ReadOnly: true})
	require.NoError(t, err)
	readerCtx, err := mgr.Get(reader)
	require.NoError(t, err)

	writer, err := mgr.Begin(transaction.Options{})
	require.NoError(t, err)
	writerCtx, err := mgr.Get(writer)
	require.NoError(t, err)
	require.NoError(t, writerCtx.Put([]byte("k"), []byte("new")))
	require.NoError(t, mgr.Commit(writer))

	// The reader still sees its begin-time snapshot.
	value, found, err := readerCtx.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "old", string(value))
	require.NoError(t, mgr.Commit(reader))

	value2, _ := mustGet(t, mgr, "k")
	require.Equal(t, "new", value2)
}

func TestTooManyTransactions(t *testing.T) {
	mgr, _ := newTestManager(t, func(cfg *transaction.Config) {
		cfg.MaxConcurrentTransactions = 2
	})

	a, err := mgr.Begin(transaction.Options{ReadOnly: true})
	require.NoError(t, err)
	b, err := mgr.Begin(transaction.Options{ReadOnly: true})
	require.NoError(t, err)

	_, err = mgr.Begin(transaction.Options{ReadOnly: true})
	require.ErrorIs(t, err, transaction.ErrTooManyTransactions)

	require.NoError(t, mgr.Abort(a))

	c, err := mgr.Begin(transaction.Options{ReadOnly: true})
	require.NoError(t, err)
	require.NoError(t, mgr.Abort(b))
	require.NoError(t, mgr.Abort(c))
}

func TestAdmissionLimitUnderConcurrentBegin(t *testing.T) {
	mgr, _ := newTestManager(t, func(cfg *transaction.Config) {
		cfg.MaxConcurrentTransactions = 2
	})

	// The limit must hold even when Begin calls race; the authoritative
	// check happens at insert time, not at the advisory pre-check.
	var (
		wg         sync.WaitGroup
		admitted   atomic.Int64
		turnedAway atomic.Int64
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := mgr.Begin(transaction.Options{ReadOnly: true})
			switch {
			case err == nil:
				admitted.Add(1)
			case errors.Is(err, transaction.ErrTooManyTransactions):
				turnedAway.Add(1)
			default:
				t.Errorf("unexpected begin error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.GreaterOrEqual(t, admitted.Load(), int64(1))
	require.LessOrEqual(t, admitted.Load(), int64(2))
	require.Equal(t, int64(16), admitted.Load()+turnedAway.Load())
	require.LessOrEqual(t, len(mgr.List()), 2)
}

func TestCommitAfterTimeoutFails(t *testing.T) {
	mgr, _ := newTestManager(t, nil)

	id, err := mgr.Begin(transaction.Options{Timeout: 10 * time.Millisecond})
	require.NoError(t, err)
	ctx, err := mgr.Get(id)
	require.NoError(t, err)
	require.NoError(t, ctx.Put([]byte("k"), []byte("v")))

	time.Sleep(30 * time.Millisecond)

	require.ErrorIs(t, mgr.Commit(id), transaction.ErrTransactionExpired)
	require.Equal(t, transaction.StateAborted, ctx.State())

	_, found := mustGet(t, mgr, "k")
	require.False(t, found)
	require.Equal(t, uint64(1), mgr.Stats().TimedOut.Load())
}

func TestCleanupExpiredSweepsOnlyExpired(t *testing.T) {
	mgr, _ := newTestManager(t, nil)

	shortLived, err := mgr.Begin(transaction.Options{Timeout: 10 * time.Millisecond})
	require.NoError(t, err)
	longLived, err := mgr.Begin(transaction.Options{ReadOnly: true, Timeout: time.Minute})
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	require.Equal(t, 1, mgr.CleanupExpired())

	_, err = mgr.Get(shortLived)
	require.ErrorIs(t, err, transaction.ErrTransactionNotFound)
	_, err = mgr.Get(longLived)
	require.NoError(t, err)
	require.NoError(t, mgr.Abort(longLived))
}

func TestCommitFailureAbortsTransaction(t *testing.T) {
	cfg := transaction.DefaultConfig()
	cfg.AutoCleanup = false
	store := memstore.New(memstore.Config{})
	store.SetSyncHook(func() error { return errors.New("disk full") })
	mgr, err := transaction.NewManager(cfg, store, nil, zap.NewNop(), nil)
	require.NoError(t, err)
	defer mgr.Close()

	id, err := mgr.Begin(transaction.Options{Durability: transaction.DurabilityImmediate})
	require.NoError(t, err)
	ctx, err := mgr.Get(id)
	require.NoError(t, err)
	require.NoError(t, ctx.Put([]byte("k"), []byte("v")))

	err = mgr.Commit(id)
	require.ErrorIs(t, err, transaction.ErrCommitFailed)
	require.Equal(t, transaction.StateAborted, ctx.State())

	// Nothing leaked into the store and the writer slot was returned.
	store.SetSyncHook(nil)
	_, found := mustGet(t, mgr, "k")
	require.False(t, found)
	id2, err := mgr.Begin(transaction.Options{})
	require.NoError(t, err)
	require.NoError(t, mgr.Abort(id2))
}

func TestDoubleCommitAndCommitAfterAbort(t *testing.T) {
	mgr, _ := newTestManager(t, nil)

	id, err := mgr.Begin(transaction.Options{})
	require.NoError(t, err)
	require.NoError(t, mgr.Commit(id))
	require.ErrorIs(t, mgr.Commit(id), transaction.ErrTransactionNotFound)

	id2, err := mgr.Begin(transaction.Options{})
	require.NoError(t, err)
	require.NoError(t, mgr.Abort(id2))
	require.ErrorIs(t, mgr.Commit(id2), transaction.ErrTransactionNotFound)
}

func TestStatsCounters(t *testing.T) {
	mgr, _ := newTestManager(t, nil)

	committed, err := mgr.Begin(transaction.Options{})
	require.NoError(t, err)
	require.NoError(t, mgr.Commit(committed))

	aborted, err := mgr.Begin(transaction.Options{})
	require.NoError(t, err)
	require.NoError(t, mgr.Abort(aborted))

	live, err := mgr.Begin(transaction.Options{ReadOnly: true})
	require.NoError(t, err)

	st := mgr.Stats()
	require.Equal(t, uint64(3), st.Begun.Load())
	require.Equal(t, int64(1), st.Active.Load())
	require.Equal(t, uint64(1), st.Committed.Load())
	require.Equal(t, uint64(1), st.Aborted.Load())

	require.Len(t, mgr.List(), 1)
	require.NoError(t, mgr.Abort(live))
}

func TestDeleteAbsentKeyIsNoOp(t *testing.T) {
	mgr, _ := newTestManager(t, nil)

	id, err := mgr.Begin(transaction.Options{})
	require.NoError(t, err)
	ctx, err := mgr.Get(id)
	require.NoError(t, err)

	require.NoError(t, ctx.Delete([]byte("missing")))
	require.Equal(t, 0, ctx.OpLogLen())
	require.NoError(t, mgr.Commit(id))
}

func TestManagerCloseAbortsLiveTransactions(t *testing.T) {
	cfg := transaction.DefaultConfig()
	cfg.AutoCleanup = false
	store := memstore.New(memstore.Config{})
	mgr, err := transaction.NewManager(cfg, store, nil, zap.NewNop(), nil)
	require.NoError(t, err)

	id, err := mgr.Begin(transaction.Options{})
	require.NoError(t, err)
	ctx, err := mgr.Get(id)
	require.NoError(t, err)
	require.NoError(t, ctx.Put([]byte("k"), []byte("v")))

	require.NoError(t, mgr.Close())
	require.Equal(t, transaction.StateAborted, ctx.State())

	_, err = mgr.Begin(transaction.Options{})
	require.ErrorIs(t, err, transaction.ErrManagerClosed)
}

func TestSingleWriterUnderConcurrency(t *testing.T) {
	cfg := transaction.DefaultConfig()
	cfg.AutoCleanup = false
	store := memstore.New(memstore.Config{WaitForWriter: true})
	mgr, err := transaction.NewManager(cfg, store, nil, zap.NewNop(), nil)
	require.NoError(t, err)
	defer mgr.Close()

	const writers = 8
	var (
		inWrite  atomic.Int32
		overlaps atomic.Int32
		wg       sync.WaitGroup
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id, err := mgr.Begin(transaction.Options{})
			if err != nil {
				overlaps.Add(1)
				return
			}
			if inWrite.Add(1) > 1 {
				overlaps.Add(1)
			}
			ctx, err := mgr.Get(id)
			if err == nil {
				_ = ctx.Put([]byte("counter"), []byte{byte(n)})
			}
			inWrite.Add(-1)
			_ = mgr.Commit(id)
		}(i)
	}
	wg.Wait()

	require.Zero(t, overlaps.Load())
	require.Equal(t, uint64(writers), mgr.Stats().Committed.Load())
}

func TestBegin2PCRequiresEnable(t *testing.T) {
	mgr, _ := newTestManager(t, nil)
	_, err := mgr.Begin2PC(transaction.Options{}, "xid-1", nil)
	require.ErrorIs(t, err, transaction.ErrTwoPhaseDisabled)
}
