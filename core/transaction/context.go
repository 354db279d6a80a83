package transaction

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Context owns one transaction's state machine, its bound storage handle,
// and its undo-capable operation log. A Context is created and exclusively
// owned by a Manager while live; it must not be used after the manager
// reports the transaction committed or aborted.
type Context struct {
	id         ID
	state      atomic.Int32
	startTime  time.Time
	timeout    time.Duration
	readOnly   bool
	durability Durability
	twoPhase   bool
	xid        string

	// mu guards the storage handles, the operation log, the modified-key
	// set, and the savepoint stack. The state word is CAS-managed outside
	// the lock so a racing commit and timeout-abort resolve without it.
	mu         sync.Mutex
	read       ReadTxn
	write      WriteTxn
	modified   map[string]struct{}
	opLog      []LoggedOp
	savepoints savepointStack

	logger *zap.Logger
}

func newContext(id ID, opts Options, read ReadTxn, write WriteTxn, logger *zap.Logger) *Context {
	c := &Context{
		id:         id,
		startTime:  time.Now(),
		timeout:    opts.Timeout,
		readOnly:   opts.ReadOnly,
		durability: opts.Durability,
		twoPhase:   opts.TwoPhaseCommit,
		read:       read,
		write:      write,
		modified:   make(map[string]struct{}),
		logger:     logger,
	}
	c.state.Store(int32(StateActive))
	return c
}

// ID returns the transaction id.
func (c *Context) ID() ID { return c.id }

// State returns the current transaction state.
func (c *Context) State() State {
	return State(c.state.Load())
}

// ReadOnly reports whether the transaction was begun read-only.
func (c *Context) ReadOnly() bool { return c.readOnly }

// Xid returns the two-phase transaction id, or "" for local transactions.
func (c *Context) Xid() string { return c.xid }

// IsExpired reports whether the transaction has outlived its timeout.
func (c *Context) IsExpired() bool {
	return time.Since(c.startTime) > c.timeout
}

// casState attempts the single state transition from -> to. It is the only
// way the state word changes; a racing commit and abort are resolved by
// whichever caller wins the swap.
func (c *Context) casState(from, to State) bool {
	if !validTransition(from, to) {
		return false
	}
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// ensureWritable validates that a mutation may run right now.
func (c *Context) ensureWritable() error {
	if c.readOnly {
		return ErrReadOnlyTransaction
	}
	if st := c.State(); !st.CanExecute() {
		return fmt.Errorf("%w: cannot write in state %s", ErrInvalidStateTransition, st)
	}
	if c.IsExpired() {
		return ErrTransactionExpired
	}
	return nil
}

// View exposes the bound storage handle for reading. Legal while the
// transaction is Active.
func (c *Context) View(fn func(ReadTxn) error) error {
	if st := c.State(); !st.CanExecute() {
		return fmt.Errorf("%w: cannot read in state %s", ErrInvalidStateTransition, st)
	}
	if c.IsExpired() {
		return ErrTransactionExpired
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.read != nil {
		return fn(c.read)
	}
	if c.write != nil {
		return fn(writeReadView{c.write})
	}
	return fmt.Errorf("%w: storage handle already released", ErrInvalidStateTransition)
}

// Update exposes the bound write handle to a caller-supplied operation.
// The caller is responsible for recording reversible operations with
// RecordOp if it wants savepoint rollback to cover them; the Put/Delete
// helpers do both in one step.
func (c *Context) Update(fn func(WriteTxn) error) error {
	if err := c.ensureWritable(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.write == nil {
		return fmt.Errorf("%w: storage handle already released", ErrInvalidStateTransition)
	}
	return fn(c.write)
}

// Get reads one key through the transaction's snapshot.
func (c *Context) Get(key []byte) ([]byte, bool, error) {
	var (
		value []byte
		found bool
	)
	err := c.View(func(r ReadTxn) error {
		var err error
		value, found, err = r.Get(key)
		return err
	})
	return value, found, err
}

// Put writes key=value and appends the reversible operation to the log.
func (c *Context) Put(key, value []byte) error {
	if err := c.ensureWritable(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.write == nil {
		return fmt.Errorf("%w: storage handle already released", ErrInvalidStateTransition)
	}
	prior, had, err := c.write.Get(key)
	if err != nil {
		return err
	}
	if err := c.write.Put(key, value); err != nil {
		return err
	}
	kind := OpInsert
	if had {
		kind = OpUpdate
	}
	c.appendOpLocked(LoggedOp{Kind: kind, Key: append([]byte(nil), key...), Prior: prior, HadPrior: had})
	return nil
}

// Delete removes key and appends the reversible operation to the log.
// Deleting an absent key is a no-op.
func (c *Context) Delete(key []byte) error {
	if err := c.ensureWritable(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.write == nil {
		return fmt.Errorf("%w: storage handle already released", ErrInvalidStateTransition)
	}
	prior, had, err := c.write.Get(key)
	if err != nil {
		return err
	}
	if !had {
		return nil
	}
	if err := c.write.Delete(key); err != nil {
		return err
	}
	c.appendOpLocked(LoggedOp{Kind: OpDelete, Key: append([]byte(nil), key...), Prior: prior, HadPrior: true})
	return nil
}

// RecordOp appends a reversible operation description to the operation log.
// Operations are kept in call order; the append is O(1) amortized.
func (c *Context) RecordOp(op LoggedOp) error {
	if err := c.ensureWritable(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appendOpLocked(op)
	return nil
}

func (c *Context) appendOpLocked(op LoggedOp) {
	c.opLog = append(c.opLog, op)
	c.modified[string(op.Key)] = struct{}{}
}

// OpLogLen returns the current operation log length.
func (c *Context) OpLogLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.opLog)
}

// CreateSavepoint records a rollback point at the current operation log
// position.
func (c *Context) CreateSavepoint(name string) (SavepointID, error) {
	if c.readOnly {
		return 0, ErrReadOnlyTransaction
	}
	if st := c.State(); !st.CanExecute() {
		return 0, fmt.Errorf("%w: cannot create savepoint in state %s", ErrSavepointFailed, st)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.savepoints.create(name, len(c.opLog), c.modified), nil
}

// RollbackToSavepoint undoes every operation logged after the savepoint was
// created and discards the savepoint's successors. The transaction stays
// Active.
func (c *Context) RollbackToSavepoint(id SavepointID) error {
	if c.readOnly {
		return ErrReadOnlyTransaction
	}
	if st := c.State(); !st.CanExecute() {
		return fmt.Errorf("%w: state %s", ErrRollbackFailed, st)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	sp, ok := c.savepoints.find(id)
	if !ok {
		return fmt.Errorf("%w: savepoint %d", ErrSavepointNotFound, id)
	}
	if c.write == nil {
		return fmt.Errorf("%w: storage handle already released", ErrRollbackFailed)
	}
	// Undo the discarded suffix in reverse order.
	for i := len(c.opLog) - 1; i >= sp.logIndex; i-- {
		if err := undoOp(c.write, c.opLog[i]); err != nil {
			return fmt.Errorf("%w: undoing op %d: %v", ErrRollbackFailed, i, err)
		}
	}
	c.opLog = c.opLog[:sp.logIndex]
	c.modified = cloneKeySet(sp.modified)
	c.savepoints.discardFrom(id)
	return nil
}

// SavepointByName returns the id of the most recent addressable savepoint
// with the given name.
func (c *Context) SavepointByName(name string) (SavepointID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sp, ok := c.savepoints.findByName(name)
	if !ok {
		return 0, false
	}
	return sp.id, true
}

// ReleaseSavepoint removes the savepoint and everything created after it
// from future addressability. No data is undone; a commit after a release
// commits exactly what a commit without it would.
func (c *Context) ReleaseSavepoint(id SavepointID) error {
	if c.readOnly {
		return ErrReadOnlyTransaction
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.savepoints.find(id); !ok {
		return fmt.Errorf("%w: savepoint %d", ErrSavepointNotFound, id)
	}
	c.savepoints.discardFrom(id)
	return nil
}

// undoOp applies the inverse of one logged operation.
func undoOp(w WriteTxn, op LoggedOp) error {
	switch op.Kind {
	case OpInsert:
		return w.Delete(op.Key)
	case OpUpdate, OpDelete:
		if op.HadPrior {
			return w.Put(op.Key, op.Prior)
		}
		return w.Delete(op.Key)
	default:
		return fmt.Errorf("unknown operation kind %d", op.Kind)
	}
}

// commit drives Committing -> Committed, flushing per the durability level.
// A flush failure transitions to Aborted and returns ErrCommitFailed.
func (c *Context) commit() error {
	if !c.casState(StateActive, StateCommitting) && !c.casState(StatePrepared, StateCommitting) {
		return fmt.Errorf("%w: state %s", ErrInvalidStateForCommit, c.State())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.write != nil {
		if err := c.write.Commit(c.durability); err != nil {
			rbErr := c.write.Rollback()
			c.write = nil
			c.casState(StateCommitting, StateAborting)
			c.casState(StateAborting, StateAborted)
			if rbErr != nil {
				c.logger.Error("rollback after failed commit flush also failed",
					zap.Uint64("txn_id", uint64(c.id)), zap.Error(rbErr))
			}
			return fmt.Errorf("%w: %v", ErrCommitFailed, err)
		}
		c.write = nil
	}
	if c.read != nil {
		if err := c.read.Close(); err != nil {
			c.logger.Warn("failed to close read snapshot",
				zap.Uint64("txn_id", uint64(c.id)), zap.Error(err))
		}
		c.read = nil
	}
	c.casState(StateCommitting, StateCommitted)
	return nil
}

// abort discards the bound handle (rollback at the storage layer) and
// drives the state to Aborted. Aborting an already-terminal context is an
// idempotent no-op. A context mid-commit belongs to the committing caller
// and cannot be aborted out from under it.
func (c *Context) abort() error {
	for {
		st := c.State()
		if st.IsTerminal() {
			return nil
		}
		if st == StateAborting {
			// Another caller is already driving the abort.
			return nil
		}
		if st == StateCommitting {
			return fmt.Errorf("%w: state %s", ErrInvalidStateForAbort, st)
		}
		if c.casState(st, StateAborting) {
			break
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.write != nil {
		if err := c.write.Rollback(); err != nil {
			c.logger.Error("storage rollback failed during abort",
				zap.Uint64("txn_id", uint64(c.id)), zap.Error(err))
		}
		c.write = nil
	}
	if c.read != nil {
		if err := c.read.Close(); err != nil {
			c.logger.Warn("failed to close read snapshot during abort",
				zap.Uint64("txn_id", uint64(c.id)), zap.Error(err))
		}
		c.read = nil
	}
	c.casState(StateAborting, StateAborted)
	return nil
}

// Info returns a monitoring snapshot.
func (c *Context) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		ID:             c.id,
		State:          c.State(),
		StartTime:      c.startTime,
		Elapsed:        time.Since(c.startTime),
		ReadOnly:       c.readOnly,
		TwoPhaseCommit: c.twoPhase,
		Xid:            c.xid,
		ModifiedKeys:   len(c.modified),
		OpLogLen:       len(c.opLog),
		Savepoints:     c.savepoints.len(),
	}
}

// writeReadView adapts the exclusive write handle to the read surface so
// read-your-writes works inside a write transaction.
type writeReadView struct {
	w WriteTxn
}

func (v writeReadView) Get(key []byte) ([]byte, bool, error) { return v.w.Get(key) }
func (v writeReadView) Close() error                         { return nil }

func cloneKeySet(src map[string]struct{}) map[string]struct{} {
	dst := make(map[string]struct{}, len(src))
	for k := range src {
		dst[k] = struct{}{}
	}
	return dst
}
