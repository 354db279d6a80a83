package transaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	internaltelemetry "github.com/sushant-115/gojograph/internal/telemetry"
)

// Manager issues transaction ids, owns the set of live contexts, enforces
// admission limits, and sweeps timeouts. It is an explicitly constructed
// instance shared by handle, never a process-wide singleton.
type Manager struct {
	cfg     Config
	engine  Engine
	logger  *zap.Logger
	metrics *internaltelemetry.TransactionMetrics

	mu   sync.RWMutex
	live map[ID]*Context

	nextID atomic.Uint64
	stats  Stats
	closed atomic.Bool

	coordinator *Coordinator

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewManager creates a transaction manager over the given storage engine.
// coordinator may be nil when cfg.Enable2PC is false; metrics may be nil
// to disable instrumentation. When cfg.AutoCleanup is set a background
// sweeper aborts expired transactions every cfg.CleanupInterval.
func NewManager(cfg Config, engine Engine, coordinator *Coordinator, logger *zap.Logger, metrics *internaltelemetry.TransactionMetrics) (*Manager, error) {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if cfg.MaxConcurrentTransactions <= 0 {
		cfg.MaxConcurrentTransactions = DefaultConfig().MaxConcurrentTransactions
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultConfig().CleanupInterval
	}
	if cfg.Enable2PC && coordinator == nil {
		return nil, fmt.Errorf("%w: enable_2pc requires a coordinator", ErrBeginFailed)
	}

	m := &Manager{
		cfg:         cfg,
		engine:      engine,
		logger:      logger,
		metrics:     metrics,
		live:        make(map[ID]*Context),
		coordinator: coordinator,
		stopChan:    make(chan struct{}),
	}

	if cfg.AutoCleanup {
		m.wg.Add(1)
		go m.sweeper()
	}

	logger.Info("transaction manager started",
		zap.Duration("default_timeout", cfg.DefaultTimeout),
		zap.Int("max_concurrent", cfg.MaxConcurrentTransactions),
		zap.Bool("two_phase_commit", cfg.Enable2PC))
	return m, nil
}

// Begin opens a new transaction and returns its id.
func (m *Manager) Begin(opts Options) (ID, error) {
	id, _, err := m.begin(opts, "")
	return id, err
}

// Begin2PC opens a transaction enlisted in two-phase commit under xid,
// registering the participant group with the coordinator. An empty xid is
// assigned by the coordinator.
func (m *Manager) Begin2PC(opts Options, xid string, participants []ResourceManager) (ID, error) {
	if !m.cfg.Enable2PC {
		return 0, ErrTwoPhaseDisabled
	}
	opts.TwoPhaseCommit = true

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}
	assignedXid, err := m.coordinator.Begin(xid, participants, timeout)
	if err != nil {
		return 0, err
	}

	id, _, err := m.begin(opts, assignedXid)
	if err != nil {
		m.coordinator.forget(assignedXid)
		return 0, err
	}
	return id, nil
}

func (m *Manager) begin(opts Options, xid string) (ID, *Context, error) {
	if m.closed.Load() {
		return 0, nil, ErrManagerClosed
	}
	if opts.Timeout <= 0 {
		opts.Timeout = m.cfg.DefaultTimeout
	}

	m.mu.RLock()
	liveCount := len(m.live)
	m.mu.RUnlock()
	if liveCount >= m.cfg.MaxConcurrentTransactions {
		return 0, nil, ErrTooManyTransactions
	}

	var (
		read  ReadTxn
		write WriteTxn
		err   error
	)
	if opts.ReadOnly {
		read, err = m.engine.BeginRead()
	} else {
		write, err = m.engine.BeginWrite()
	}
	if err != nil {
		if errors.Is(err, ErrWriteConflict) {
			return 0, nil, err
		}
		return 0, nil, fmt.Errorf("%w: %v", ErrBeginFailed, err)
	}

	id := ID(m.nextID.Add(1))
	ctx := newContext(id, opts, read, write, m.logger)
	ctx.xid = xid

	// The count seen before acquiring the storage handle is advisory;
	// racing Begin calls are arbitrated here, at insert time.
	m.mu.Lock()
	if len(m.live) >= m.cfg.MaxConcurrentTransactions {
		m.mu.Unlock()
		if write != nil {
			_ = write.Rollback()
		}
		if read != nil {
			_ = read.Close()
		}
		return 0, nil, ErrTooManyTransactions
	}
	m.live[id] = ctx
	m.mu.Unlock()

	m.stats.Begun.Add(1)
	m.stats.Active.Add(1)
	if m.metrics != nil {
		m.metrics.TxnsBegunCounter.Add(context.Background(), 1)
		m.metrics.ActiveTxnsUpDown.Add(context.Background(), 1)
	}

	m.logger.Debug("transaction begun",
		zap.Uint64("txn_id", uint64(id)),
		zap.Bool("read_only", opts.ReadOnly),
		zap.Duration("timeout", opts.Timeout))
	return id, ctx, nil
}

// Get returns the live context for id.
func (m *Manager) Get(id ID) (*Context, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ctx, ok := m.live[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrTransactionNotFound, id)
	}
	return ctx, nil
}

// Prepare runs the two-phase commit vote for id. It returns true and moves
// the context to Prepared only when every participant voted yes; on any
// no-vote the participant group is rolled back, the local transaction is
// aborted, and false is returned.
func (m *Manager) Prepare(id ID) (bool, error) {
	ctx, err := m.Get(id)
	if err != nil {
		return false, err
	}
	if ctx.xid == "" {
		return false, ErrNotTwoPhase
	}
	if st := ctx.State(); st != StateActive {
		return false, fmt.Errorf("%w: state %s", ErrInvalidStateForCommit, st)
	}
	if ctx.IsExpired() {
		m.expire(id, ctx)
		return false, ErrTransactionExpired
	}

	ok, err := m.coordinator.Prepare(context.Background(), ctx.xid)
	if err != nil {
		_ = m.Abort(id)
		return false, err
	}
	if !ok {
		_ = m.Abort(id)
		return false, nil
	}
	if !ctx.casState(StateActive, StatePrepared) {
		// The sweeper got there first.
		return false, fmt.Errorf("%w: state %s", ErrInvalidStateForCommit, ctx.State())
	}
	return true, nil
}

// Commit drives id to Committed, flushing per the transaction's durability
// level. Two-phase transactions must be Prepared; the coordinator's phase 2
// runs before the local commit.
func (m *Manager) Commit(id ID) error {
	start := time.Now()

	// Claim the context. It is removed from the live set first so the
	// sweeper cannot race an abort underneath the commit; on a state
	// error it is reinserted untouched.
	m.mu.Lock()
	ctx, ok := m.live[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrTransactionNotFound, id)
	}
	st := ctx.State()
	if !st.CanCommit() {
		m.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrInvalidStateForCommit, st)
	}
	if ctx.xid != "" && st != StatePrepared {
		m.mu.Unlock()
		return fmt.Errorf("%w: xid %s", ErrTransactionNotPrepared, ctx.xid)
	}
	delete(m.live, id)
	m.mu.Unlock()

	if ctx.IsExpired() {
		m.finishAbort(ctx)
		m.stats.TimedOut.Add(1)
		if m.metrics != nil {
			m.metrics.TxnsTimedOutCounter.Add(context.Background(), 1)
		}
		return ErrTransactionExpired
	}

	if ctx.xid != "" {
		// The commit decision became durable when Prepare returned true;
		// a delivery or bookkeeping failure here must not reverse it.
		// Recovery replay retries delivery from the decision log.
		if err := m.coordinator.Commit(context.Background(), ctx.xid); err != nil {
			m.logger.Error("two-phase decision delivery failed, committing locally",
				zap.String("xid", ctx.xid), zap.Error(err))
		}
	}

	if err := ctx.commit(); err != nil {
		// A losing CAS means an abort won the race; the context is
		// already gone from the live set either way.
		m.noteAborted(ctx)
		return err
	}

	m.stats.Active.Add(-1)
	m.stats.Committed.Add(1)
	if m.metrics != nil {
		m.metrics.ActiveTxnsUpDown.Add(context.Background(), -1)
		m.metrics.TxnsCommittedCounter.Add(context.Background(), 1)
		m.metrics.CommitLatencyHistogram.Record(context.Background(), time.Since(start).Milliseconds())
	}
	m.logger.Debug("transaction committed", zap.Uint64("txn_id", uint64(id)))
	return nil
}

// Abort drives id to Aborted from any non-terminal state. Aborting an
// already-terminal transaction is an idempotent no-op; an unknown id fails
// with ErrTransactionNotFound.
func (m *Manager) Abort(id ID) error {
	m.mu.Lock()
	ctx, ok := m.live[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrTransactionNotFound, id)
	}
	delete(m.live, id)
	m.mu.Unlock()

	if ctx.xid != "" {
		m.coordinator.abandon(context.Background(), ctx.xid)
	}
	m.finishAbort(ctx)
	m.logger.Debug("transaction aborted", zap.Uint64("txn_id", uint64(id)))
	return nil
}

// finishAbort drives the context to Aborted and records the statistics.
func (m *Manager) finishAbort(ctx *Context) {
	if err := ctx.abort(); err != nil {
		m.logger.Error("abort failed",
			zap.Uint64("txn_id", uint64(ctx.id)), zap.Error(err))
	}
	m.noteAborted(ctx)
}

func (m *Manager) noteAborted(ctx *Context) {
	m.stats.Active.Add(-1)
	m.stats.Aborted.Add(1)
	if m.metrics != nil {
		m.metrics.ActiveTxnsUpDown.Add(context.Background(), -1)
		m.metrics.TxnsAbortedCounter.Add(context.Background(), 1)
	}
}

// expire aborts an expired context found during a foreground call.
func (m *Manager) expire(id ID, ctx *Context) {
	m.mu.Lock()
	_, stillLive := m.live[id]
	delete(m.live, id)
	m.mu.Unlock()
	if !stillLive {
		return
	}
	if ctx.xid != "" {
		m.coordinator.abandon(context.Background(), ctx.xid)
	}
	m.finishAbort(ctx)
	m.stats.TimedOut.Add(1)
	if m.metrics != nil {
		m.metrics.TxnsTimedOutCounter.Add(context.Background(), 1)
	}
}

// CreateSavepoint records a rollback point in transaction id.
func (m *Manager) CreateSavepoint(id ID, name string) (SavepointID, error) {
	ctx, err := m.Get(id)
	if err != nil {
		return 0, err
	}
	return ctx.CreateSavepoint(name)
}

// RollbackToSavepoint undoes transaction id's operations back to the
// savepoint.
func (m *Manager) RollbackToSavepoint(id ID, sp SavepointID) error {
	ctx, err := m.Get(id)
	if err != nil {
		return err
	}
	return ctx.RollbackToSavepoint(sp)
}

// ReleaseSavepoint removes the savepoint without undoing any data.
func (m *Manager) ReleaseSavepoint(id ID, sp SavepointID) error {
	ctx, err := m.Get(id)
	if err != nil {
		return err
	}
	return ctx.ReleaseSavepoint(sp)
}

// CleanupExpired aborts every live transaction whose elapsed time exceeds
// its timeout and returns how many were swept. It never commits on
// timeout.
func (m *Manager) CleanupExpired() int {
	m.mu.RLock()
	var expired []*Context
	for _, ctx := range m.live {
		if ctx.IsExpired() && ctx.State().CanAbort() {
			expired = append(expired, ctx)
		}
	}
	m.mu.RUnlock()

	swept := 0
	for _, ctx := range expired {
		m.mu.Lock()
		_, stillLive := m.live[ctx.id]
		delete(m.live, ctx.id)
		m.mu.Unlock()
		if !stillLive {
			// A commit or abort claimed it between the scan and now.
			continue
		}
		if ctx.xid != "" {
			m.coordinator.abandon(context.Background(), ctx.xid)
		}
		m.finishAbort(ctx)
		m.stats.TimedOut.Add(1)
		if m.metrics != nil {
			m.metrics.TxnsTimedOutCounter.Add(context.Background(), 1)
		}
		swept++
		m.logger.Info("expired transaction swept",
			zap.Uint64("txn_id", uint64(ctx.id)),
			zap.Duration("timeout", ctx.timeout))
	}
	return swept
}

// sweeper periodically aborts expired transactions. It never blocks
// foreground calls beyond the live-map lock.
func (m *Manager) sweeper() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.CleanupExpired()
		}
	}
}

// List returns monitoring snapshots of every live transaction.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	infos := make([]Info, 0, len(m.live))
	for _, ctx := range m.live {
		infos = append(infos, ctx.Info())
	}
	return infos
}

// Stats returns the manager's aggregate counters.
func (m *Manager) Stats() *Stats {
	return &m.stats
}

// Close stops the sweeper and aborts every live transaction.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(m.stopChan)
	m.wg.Wait()

	m.mu.Lock()
	ids := make([]ID, 0, len(m.live))
	for id := range m.live {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Abort(id); err != nil && !errors.Is(err, ErrTransactionNotFound) {
			m.logger.Warn("abort during shutdown failed",
				zap.Uint64("txn_id", uint64(id)), zap.Error(err))
		}
	}
	m.logger.Info("transaction manager stopped")
	return nil
}
