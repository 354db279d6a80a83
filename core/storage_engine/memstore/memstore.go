// Package memstore is an in-memory MVCC storage engine implementing the
// transaction core's storage contract: snapshot readers at any
// concurrency, a single exclusive writer, and drop-is-rollback write
// handles. It exists so the engine is runnable and testable without an
// on-disk backend.
package memstore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sushant-115/gojograph/core/transaction"
)

// ErrWriterActive is returned by BeginWrite when another write transaction
// is open and WaitForWriter is disabled. It matches
// transaction.ErrWriteConflict under errors.Is, which is how the manager
// classifies it.
var ErrWriterActive = fmt.Errorf("%w: memstore writer slot held", transaction.ErrWriteConflict)

// ErrTxnClosed is returned for operations on a finished handle.
var ErrTxnClosed = errors.New("storage transaction is closed")

// Config tunes a Store.
type Config struct {
	// WaitForWriter makes a second concurrent BeginWrite block until the
	// writer slot frees instead of failing with ErrWriterActive.
	WaitForWriter bool `yaml:"wait_for_writer"`
}

// version is one committed value version of a key.
type version struct {
	commitSeq uint64
	value     []byte
	deleted   bool
}

// Store is the in-memory MVCC store. Committed versions are retained per
// key; a reader resolves each key against the newest version at or below
// its snapshot sequence.
type Store struct {
	cfg Config

	mu        sync.RWMutex
	versions  map[string][]version
	commitSeq uint64

	// writerSlot is the single-writer admission token.
	writerSlot chan struct{}

	// syncHook runs during Commit with DurabilityImmediate; injectable so
	// callers can model sync failures. Nil means no-op.
	syncHook func() error
}

// New creates an empty store.
func New(cfg Config) *Store {
	s := &Store{
		cfg:        cfg,
		versions:   make(map[string][]version),
		writerSlot: make(chan struct{}, 1),
	}
	s.writerSlot <- struct{}{}
	return s
}

// SetSyncHook installs the media-sync hook invoked by immediate-durability
// commits. Intended for tests of the commit failure path.
func (s *Store) SetSyncHook(hook func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncHook = hook
}

// BeginRead opens a snapshot read transaction pinned to the current commit
// sequence. Readers never block writers and vice versa.
func (s *Store) BeginRead() (transaction.ReadTxn, error) {
	s.mu.RLock()
	seq := s.commitSeq
	s.mu.RUnlock()
	return &readTxn{store: s, snapshotSeq: seq}, nil
}

// BeginWrite opens the exclusive write transaction. With WaitForWriter it
// blocks until the slot frees; otherwise a held slot fails immediately.
func (s *Store) BeginWrite() (transaction.WriteTxn, error) {
	if s.cfg.WaitForWriter {
		<-s.writerSlot
	} else {
		select {
		case <-s.writerSlot:
		default:
			return nil, ErrWriterActive
		}
	}
	s.mu.RLock()
	seq := s.commitSeq
	s.mu.RUnlock()
	return &writeTxn{store: s, snapshotSeq: seq, pending: make(map[string]pendingOp)}, nil
}

// resolve returns the value of key visible at snapshotSeq.
func (s *Store) resolve(key string, snapshotSeq uint64) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.versions[key]
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i].commitSeq <= snapshotSeq {
			if chain[i].deleted {
				return nil, false
			}
			return chain[i].value, true
		}
	}
	return nil, false
}

// readTxn is a pinned snapshot.
type readTxn struct {
	store       *Store
	snapshotSeq uint64
	closed      bool
}

func (r *readTxn) Get(key []byte) ([]byte, bool, error) {
	if r.closed {
		return nil, false, ErrTxnClosed
	}
	value, found := r.store.resolve(string(key), r.snapshotSeq)
	return value, found, nil
}

func (r *readTxn) Close() error {
	r.closed = true
	return nil
}

type pendingOp struct {
	value   []byte
	deleted bool
}

// writeTxn buffers mutations and publishes them atomically at Commit under
// the next commit sequence.
type writeTxn struct {
	store       *Store
	snapshotSeq uint64
	pending     map[string]pendingOp
	done        bool
}

func (w *writeTxn) Get(key []byte) ([]byte, bool, error) {
	if w.done {
		return nil, false, ErrTxnClosed
	}
	if op, ok := w.pending[string(key)]; ok {
		if op.deleted {
			return nil, false, nil
		}
		return op.value, true, nil
	}
	value, found := w.store.resolve(string(key), w.snapshotSeq)
	return value, found, nil
}

func (w *writeTxn) Put(key, value []byte) error {
	if w.done {
		return ErrTxnClosed
	}
	w.pending[string(key)] = pendingOp{value: append([]byte(nil), value...)}
	return nil
}

func (w *writeTxn) Delete(key []byte) error {
	if w.done {
		return ErrTxnClosed
	}
	w.pending[string(key)] = pendingOp{deleted: true}
	return nil
}

// Commit publishes the buffer under a new commit sequence. The commit
// order determines the snapshot boundary visible to later readers. With
// DurabilityImmediate the sync hook must acknowledge before the versions
// become visible; a hook failure leaves the store untouched and keeps the
// handle open so the caller can Rollback.
func (w *writeTxn) Commit(level transaction.Durability) error {
	if w.done {
		return ErrTxnClosed
	}

	w.store.mu.Lock()
	hook := w.store.syncHook
	w.store.mu.Unlock()
	if level == transaction.DurabilityImmediate && hook != nil {
		if err := hook(); err != nil {
			return err
		}
	}

	w.store.mu.Lock()
	w.store.commitSeq++
	seq := w.store.commitSeq
	for key, op := range w.pending {
		w.store.versions[key] = append(w.store.versions[key], version{
			commitSeq: seq,
			value:     op.value,
			deleted:   op.deleted,
		})
	}
	w.store.mu.Unlock()

	w.finish()
	return nil
}

// Rollback discards the buffer and frees the writer slot.
func (w *writeTxn) Rollback() error {
	if w.done {
		return nil
	}
	w.finish()
	return nil
}

func (w *writeTxn) finish() {
	w.done = true
	w.pending = nil
	w.store.writerSlot <- struct{}{}
}
