package transaction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	decisionlog "github.com/sushant-115/gojograph/core/transaction/decision_log"
)

// Vote is a participant's answer to phase 1.
type Vote int

const (
	VoteNo Vote = iota
	VoteYes
)

// ResourceManager is one participant in a distributed transaction. All
// calls are idempotent from the coordinator's point of view: phase 2 may be
// re-delivered after a crash.
type ResourceManager interface {
	// ID identifies the participant in logs and the unresolved table.
	ID() string
	// Prepare asks the participant to vote on xid. A yes vote is a
	// promise to commit on demand.
	Prepare(ctx context.Context, xid string) (Vote, error)
	// Commit applies the coordinator's commit decision.
	Commit(ctx context.Context, xid string) error
	// Rollback applies the coordinator's rollback decision.
	Rollback(ctx context.Context, xid string) error
	// Forget tells the participant the outcome has been fully delivered
	// and xid's state may be discarded.
	Forget(ctx context.Context, xid string) error
}

// TwoPhaseState tracks a distributed transaction through the protocol.
type TwoPhaseState int

const (
	TwoPhaseActive TwoPhaseState = iota
	TwoPhasePreparing
	TwoPhasePrepared
	TwoPhaseCommitting
	TwoPhaseCommitted
	TwoPhaseRollingBack
	TwoPhaseRolledBack
)

func (s TwoPhaseState) String() string {
	switch s {
	case TwoPhaseActive:
		return "active"
	case TwoPhasePreparing:
		return "preparing"
	case TwoPhasePrepared:
		return "prepared"
	case TwoPhaseCommitting:
		return "committing"
	case TwoPhaseCommitted:
		return "committed"
	case TwoPhaseRollingBack:
		return "rolling_back"
	case TwoPhaseRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

type participant struct {
	rm    ResourceManager
	vote  Vote
	voted bool
}

// twoPhaseTxn is the coordinator's record of one distributed transaction.
// Its fields are guarded by the coordinator mutex; the state field is the
// decision guard — whoever moves it out of Preparing/Prepared under the
// lock owns the decision for this xid.
type twoPhaseTxn struct {
	xid          string
	state        TwoPhaseState
	participants []*participant
	timeout      time.Duration
	prepareLSN   decisionlog.LSN
	createdAt    time.Time

	// abandoned is set when the local transaction is aborted while the
	// prepare poll is in flight. The polling goroutine owns the decision
	// and converts the flag into a rollback at its decision point.
	abandoned bool
}

// UnresolvedParticipant records a participant that did not acknowledge a
// decided outcome. The decision stands; delivery is retried on the next
// recovery pass, never guessed.
type UnresolvedParticipant struct {
	Xid           string
	ParticipantID string
	Decision      decisionlog.RecordType
	LastError     string
}

// Coordinator drives two-phase commit across a participant group, writing
// every protocol step to a durable decision log before acting on it.
type Coordinator struct {
	log    *decisionlog.Log
	logger *zap.Logger

	mu             sync.Mutex
	txns           map[string]*twoPhaseTxn
	unresolved     []UnresolvedParticipant
	defaultTimeout time.Duration
}

// NewCoordinator creates a coordinator over an open decision log.
func NewCoordinator(log *decisionlog.Log, defaultTimeout time.Duration, logger *zap.Logger) *Coordinator {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Coordinator{
		log:            log,
		logger:         logger,
		txns:           make(map[string]*twoPhaseTxn),
		defaultTimeout: defaultTimeout,
	}
}

// Begin registers a distributed transaction. An empty xid gets a generated
// one; a duplicate xid fails with ErrXidExists.
func (c *Coordinator) Begin(xid string, participants []ResourceManager, timeout time.Duration) (string, error) {
	if xid == "" {
		xid = uuid.NewString()
	}
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.txns[xid]; ok {
		return "", fmt.Errorf("%w: %s", ErrXidExists, xid)
	}

	ps := make([]*participant, 0, len(participants))
	for _, rm := range participants {
		ps = append(ps, &participant{rm: rm})
	}
	c.txns[xid] = &twoPhaseTxn{
		xid:          xid,
		state:        TwoPhaseActive,
		participants: ps,
		timeout:      timeout,
		prepareLSN:   decisionlog.InvalidLSN,
		createdAt:    time.Now(),
	}
	c.logger.Debug("distributed transaction begun",
		zap.String("xid", xid), zap.Int("participants", len(ps)))
	return xid, nil
}

// Prepare runs phase 1 for xid. The prepare record is forced to the log
// before any participant is polled; a log failure fails the prepare
// outright. All yes votes decide commit durably and return true. Any no
// vote, poll error, or a concurrent abandonment decides rollback, which is
// delivered to the yes voters before returning false.
func (c *Coordinator) Prepare(ctx context.Context, xid string) (bool, error) {
	c.mu.Lock()
	txn, ok := c.txns[xid]
	if !ok {
		c.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrXidNotFound, xid)
	}
	if txn.state != TwoPhaseActive {
		c.mu.Unlock()
		return false, fmt.Errorf("%w: xid %s in state %s", ErrInvalidStateTransition, xid, txn.state)
	}
	txn.state = TwoPhasePreparing
	c.mu.Unlock()

	lsn, err := c.log.Append(decisionlog.RecordPrepare, xid)
	if err != nil {
		c.mu.Lock()
		if txn.abandoned {
			delete(c.txns, xid)
		} else {
			txn.state = TwoPhaseActive
		}
		c.mu.Unlock()
		return false, fmt.Errorf("%w: logging prepare: %v", ErrPersistenceFailed, err)
	}
	c.mu.Lock()
	txn.prepareLSN = lsn
	c.mu.Unlock()

	deadline := txn.createdAt.Add(txn.timeout)
	pollCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	allYes := true
	for _, p := range txn.participants {
		vote, err := p.rm.Prepare(pollCtx, xid)
		if err != nil {
			c.logger.Warn("participant vote failed",
				zap.String("xid", xid),
				zap.String("participant", p.rm.ID()),
				zap.Error(err))
			vote = VoteNo
		}
		p.vote = vote
		p.voted = true
		if vote != VoteYes {
			allYes = false
			break
		}
	}

	// Decision point. The commit record is appended while still holding
	// the lock so an abandonment cannot interleave a rollback decision
	// for the same xid.
	c.mu.Lock()
	if txn.abandoned {
		allYes = false
	}
	if !allYes {
		txn.state = TwoPhaseRollingBack
		c.mu.Unlock()
		if err := c.decideRollback(ctx, txn); err != nil {
			return false, err
		}
		return false, nil
	}
	if _, err := c.log.Append(decisionlog.RecordCommit, xid); err != nil {
		// No durable commit decision means no commit promise was made;
		// presumed abort covers us after a crash here too.
		txn.state = TwoPhaseRollingBack
		c.mu.Unlock()
		if rbErr := c.decideRollback(ctx, txn); rbErr != nil {
			return false, rbErr
		}
		return false, fmt.Errorf("%w: logging commit decision: %v", ErrPersistenceFailed, err)
	}
	txn.state = TwoPhasePrepared
	c.mu.Unlock()

	c.logger.Info("distributed transaction prepared", zap.String("xid", xid))
	return true, nil
}

// Commit runs phase 2 for a prepared xid: the commit decision is already
// durable, so this only broadcasts it, forgets, and ends the transaction.
// Delivery failures never reverse the decision; they land in the
// unresolved table and the xid stays un-Ended for recovery to retry.
func (c *Coordinator) Commit(ctx context.Context, xid string) error {
	c.mu.Lock()
	txn, ok := c.txns[xid]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrXidNotFound, xid)
	}
	if txn.state != TwoPhasePrepared {
		c.mu.Unlock()
		return fmt.Errorf("%w: xid %s in state %s", ErrTransactionNotPrepared, xid, txn.state)
	}
	txn.state = TwoPhaseCommitting
	c.mu.Unlock()

	allAcked := c.broadcast(ctx, txn, decisionlog.RecordCommit)
	c.setState(txn, TwoPhaseCommitted)
	return c.end(txn, allAcked)
}

// Rollback rolls back a prepared xid, delivering the decision to every
// participant. The durable decision so far is commit; the rollback record
// supersedes it before anyone is told to roll back.
func (c *Coordinator) Rollback(ctx context.Context, xid string) error {
	c.mu.Lock()
	txn, ok := c.txns[xid]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrXidNotFound, xid)
	}
	if txn.state != TwoPhasePrepared {
		c.mu.Unlock()
		return fmt.Errorf("%w: xid %s in state %s", ErrTransactionNotPrepared, xid, txn.state)
	}
	txn.state = TwoPhaseRollingBack
	c.mu.Unlock()

	return c.decideRollback(ctx, txn)
}

// decideRollback logs and delivers a rollback. The caller must already
// have claimed the decision by moving txn to RollingBack.
func (c *Coordinator) decideRollback(ctx context.Context, txn *twoPhaseTxn) error {
	if _, err := c.log.Append(decisionlog.RecordRollback, txn.xid); err != nil {
		c.forget(txn.xid)
		return fmt.Errorf("%w: logging rollback decision: %v", ErrPersistenceFailed, err)
	}
	allAcked := c.broadcast(ctx, txn, decisionlog.RecordRollback)
	c.setState(txn, TwoPhaseRolledBack)
	return c.end(txn, allAcked)
}

// broadcast delivers the decided outcome to every participant that needs
// it, then forgets on the ones that acknowledged. It reports whether every
// participant acknowledged; failures land in the unresolved table.
func (c *Coordinator) broadcast(ctx context.Context, txn *twoPhaseTxn, decision decisionlog.RecordType) bool {
	allAcked := true
	for _, p := range txn.participants {
		if decision == decisionlog.RecordRollback && p.voted && p.vote != VoteYes {
			// A no voter already released everything.
			continue
		}
		var err error
		switch decision {
		case decisionlog.RecordCommit:
			err = p.rm.Commit(ctx, txn.xid)
		case decisionlog.RecordRollback:
			err = p.rm.Rollback(ctx, txn.xid)
		}
		if err == nil {
			err = p.rm.Forget(ctx, txn.xid)
		}
		if err != nil {
			allAcked = false
			c.noteUnresolved(txn.xid, p.rm.ID(), decision, err)
		}
	}
	return allAcked
}

func (c *Coordinator) noteUnresolved(xid, participantID string, decision decisionlog.RecordType, err error) {
	c.logger.Error("participant did not acknowledge decision",
		zap.String("xid", xid),
		zap.String("participant", participantID),
		zap.String("decision", decision.String()),
		zap.Error(err))
	c.mu.Lock()
	c.unresolved = append(c.unresolved, UnresolvedParticipant{
		Xid:           xid,
		ParticipantID: participantID,
		Decision:      decision,
		LastError:     err.Error(),
	})
	c.mu.Unlock()
}

// end closes out the xid in the live table. The End record is written only
// when every participant acknowledged the outcome; an xid with an unacked
// participant stays un-Ended so recovery replay re-delivers the decision.
func (c *Coordinator) end(txn *twoPhaseTxn, allAcked bool) error {
	defer c.forget(txn.xid)
	if !allAcked {
		return nil
	}
	if _, err := c.log.Append(decisionlog.RecordEnd, txn.xid); err != nil {
		return fmt.Errorf("%w: logging end: %v", ErrPersistenceFailed, err)
	}
	return nil
}

// abandon rolls back xid from whatever state it is in. Used when the local
// transaction is aborted or expires before or after the vote. If the
// prepare poll is in flight the polling goroutine owns the decision; the
// abandonment is flagged for it instead of racing a second decision.
func (c *Coordinator) abandon(ctx context.Context, xid string) {
	c.mu.Lock()
	txn, ok := c.txns[xid]
	if !ok {
		c.mu.Unlock()
		return
	}
	switch txn.state {
	case TwoPhaseActive:
		// Nothing durable yet and no participant has been polled.
		delete(c.txns, xid)
		c.mu.Unlock()
	case TwoPhasePreparing:
		txn.abandoned = true
		c.mu.Unlock()
	case TwoPhasePrepared:
		txn.state = TwoPhaseRollingBack
		c.mu.Unlock()
		if err := c.decideRollback(ctx, txn); err != nil {
			c.logger.Error("abandon rollback failed",
				zap.String("xid", xid), zap.Error(err))
		}
	default:
		c.mu.Unlock()
	}
}

func (c *Coordinator) forget(xid string) {
	c.mu.Lock()
	delete(c.txns, xid)
	c.mu.Unlock()
}

func (c *Coordinator) setState(txn *twoPhaseTxn, s TwoPhaseState) {
	c.mu.Lock()
	txn.state = s
	c.mu.Unlock()
}

// State reports the protocol state of a live xid.
func (c *Coordinator) State(xid string) (TwoPhaseState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	txn, ok := c.txns[xid]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrXidNotFound, xid)
	}
	return txn.state, nil
}

// Unresolved returns participants whose decided outcome has not been
// acknowledged.
func (c *Coordinator) Unresolved() []UnresolvedParticipant {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]UnresolvedParticipant, len(c.unresolved))
	copy(out, c.unresolved)
	return out
}

// recoveredTxn is the fold of one xid's log records during recovery.
type recoveredTxn struct {
	decision decisionlog.RecordType
	ended    bool
}

// Recover replays the decision log and completes every in-doubt
// transaction. Prepare without a decision is resolved by presumed abort:
// no participant was ever promised a commit. Decided transactions without
// an end record have their outcome re-delivered to the given participant
// groups. Participants that still cannot be reached end up in Unresolved
// and the xid stays un-Ended for the next recovery pass; their outcome is
// never changed.
func (c *Coordinator) Recover(ctx context.Context, groups map[string][]ResourceManager) error {
	pending := make(map[string]*recoveredTxn)
	order := make([]string, 0)

	err := c.log.Replay(func(rec *decisionlog.Record) error {
		txn, ok := pending[rec.Xid]
		if !ok {
			txn = &recoveredTxn{}
			pending[rec.Xid] = txn
			order = append(order, rec.Xid)
		}
		switch rec.Type {
		case decisionlog.RecordPrepare:
			txn.decision = decisionlog.RecordPrepare
		case decisionlog.RecordCommit, decisionlog.RecordRollback:
			txn.decision = rec.Type
		case decisionlog.RecordEnd:
			txn.ended = true
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRecoveryFailed, err)
	}

	for _, xid := range order {
		txn := pending[xid]
		if txn.ended {
			continue
		}

		rms := groups[xid]
		ps := make([]*participant, 0, len(rms))
		for _, rm := range rms {
			// Every survivor is treated as a yes voter: a rollback
			// must reach them all.
			ps = append(ps, &participant{rm: rm, vote: VoteYes, voted: true})
		}
		rt := &twoPhaseTxn{xid: xid, participants: ps}

		decision := txn.decision
		if decision == decisionlog.RecordPrepare {
			// Presumed abort: the vote never concluded.
			decision = decisionlog.RecordRollback
			if _, err := c.log.Append(decisionlog.RecordRollback, xid); err != nil {
				return fmt.Errorf("%w: logging recovery rollback for %s: %v", ErrRecoveryFailed, xid, err)
			}
		}

		c.logger.Info("recovering in-doubt transaction",
			zap.String("xid", xid),
			zap.String("decision", decision.String()),
			zap.Int("participants", len(ps)))

		allAcked := c.broadcast(ctx, rt, decision)
		if !allAcked {
			// Left un-Ended; the next recovery pass retries delivery.
			c.logger.Warn("transaction left in doubt, participants unresolved",
				zap.String("xid", xid))
			continue
		}
		if _, err := c.log.Append(decisionlog.RecordEnd, xid); err != nil {
			return fmt.Errorf("%w: logging recovery end for %s: %v", ErrRecoveryFailed, xid, err)
		}
	}
	return nil
}
