package memstore

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojograph/core/transaction"
)

func TestReadYourWritesAndCommit(t *testing.T) {
	s := New(Config{})

	w, err := s.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, w.Put([]byte("k"), []byte("v")))

	value, found, err := w.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v", string(value))

	require.NoError(t, w.Commit(transaction.DurabilityNone))

	r, err := s.BeginRead()
	require.NoError(t, err)
	defer r.Close()
	value, found, err = r.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v", string(value))
}

func TestRollbackDiscardsPending(t *testing.T) {
	s := New(Config{})

	w, err := s.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, w.Put([]byte("k"), []byte("v")))
	require.NoError(t, w.Rollback())

	r, err := s.BeginRead()
	require.NoError(t, err)
	defer r.Close()
	_, found, err := r.Get([]byte("k"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestSnapshotReadersIgnoreLaterCommits(t *testing.T) {
	s := New(Config{})

	w, err := s.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, w.Put([]byte("k"), []byte("old")))
	require.NoError(t, w.Commit(transaction.DurabilityNone))

	r, err := s.BeginRead()
	require.NoError(t, err)
	defer r.Close()

	w2, err := s.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, w2.Put([]byte("k"), []byte("new")))
	require.NoError(t, w2.Delete([]byte("gone")))
	require.NoError(t, w2.Commit(transaction.DurabilityNone))

	value, found, err := r.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "old", string(value))

	r2, err := s.BeginRead()
	require.NoError(t, err)
	defer r2.Close()
	value, _, err = r2.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "new", string(value))
}

func TestSecondWriterFailsFast(t *testing.T) {
	s := New(Config{})

	w, err := s.BeginWrite()
	require.NoError(t, err)

	_, err = s.BeginWrite()
	require.ErrorIs(t, err, ErrWriterActive)
	require.ErrorIs(t, err, transaction.ErrWriteConflict)

	require.NoError(t, w.Rollback())

	w2, err := s.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, w2.Rollback())
}

func TestSecondWriterWaits(t *testing.T) {
	s := New(Config{WaitForWriter: true})

	w, err := s.BeginWrite()
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		w2, err := s.BeginWrite()
		if err == nil {
			w2.Rollback()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second writer admitted while the first held the slot")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, w.Commit(transaction.DurabilityNone))

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second writer never admitted after the slot was freed")
	}
}

func TestSyncFailureLeavesStoreUntouched(t *testing.T) {
	s := New(Config{})
	s.SetSyncHook(func() error { return errors.New("disk full") })

	w, err := s.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, w.Put([]byte("k"), []byte("v")))

	err = w.Commit(transaction.DurabilityImmediate)
	require.Error(t, err)

	// The handle is still open; rollback releases the writer slot.
	require.NoError(t, w.Rollback())

	s.SetSyncHook(nil)
	r, err := s.BeginRead()
	require.NoError(t, err)
	defer r.Close()
	_, found, err := r.Get([]byte("k"))
	require.NoError(t, err)
	require.False(t, found)

	w2, err := s.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, w2.Rollback())
}

func TestSyncHookSkippedWithoutImmediateDurability(t *testing.T) {
	s := New(Config{})
	s.SetSyncHook(func() error { return errors.New("disk full") })

	w, err := s.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, w.Put([]byte("k"), []byte("v")))
	require.NoError(t, w.Commit(transaction.DurabilityNone))
}

func TestClosedHandlesRejectUse(t *testing.T) {
	s := New(Config{})

	w, err := s.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, w.Commit(transaction.DurabilityNone))
	require.ErrorIs(t, w.Put([]byte("k"), []byte("v")), ErrTxnClosed)
	_, _, err = w.Get([]byte("k"))
	require.ErrorIs(t, err, ErrTxnClosed)

	r, err := s.BeginRead()
	require.NoError(t, err)
	require.NoError(t, r.Close())
	_, _, err = r.Get([]byte("k"))
	require.ErrorIs(t, err, ErrTxnClosed)
}
