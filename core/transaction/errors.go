package transaction

import "errors"

// --- Error Definitions ---

var (
	// Admission.
	ErrTooManyTransactions = errors.New("too many concurrent transactions")
	ErrBeginFailed         = errors.New("failed to begin transaction")
	ErrManagerClosed       = errors.New("transaction manager is shut down")

	// State misuse.
	ErrInvalidStateTransition = errors.New("invalid transaction state transition")
	ErrInvalidStateForCommit  = errors.New("transaction state does not permit commit")
	ErrInvalidStateForAbort   = errors.New("transaction state does not permit abort")
	ErrTransactionNotPrepared = errors.New("transaction has not been prepared")
	ErrReadOnlyTransaction    = errors.New("transaction is read-only")

	// Lifecycle.
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrTransactionTimeout  = errors.New("transaction timed out")
	ErrTransactionExpired  = errors.New("transaction has expired")

	// Concurrency.
	ErrWriteConflict = errors.New("write transaction conflict, another write transaction is active")

	// Savepoints.
	ErrSavepointFailed   = errors.New("failed to create savepoint")
	ErrSavepointNotFound = errors.New("savepoint not found")
	ErrRollbackFailed    = errors.New("savepoint rollback failed")

	// Commit / durability.
	ErrCommitFailed        = errors.New("transaction commit failed")
	ErrAbortFailed         = errors.New("transaction abort failed")
	ErrPersistenceFailed   = errors.New("failed to persist transaction record")
	ErrSerializationFailed = errors.New("failed to serialize transaction record")

	// Two-phase commit.
	ErrXidExists         = errors.New("two-phase transaction id already in use")
	ErrXidNotFound       = errors.New("two-phase transaction not found")
	ErrNotTwoPhase       = errors.New("transaction was not begun with two-phase commit")
	ErrTwoPhaseDisabled  = errors.New("two-phase commit is disabled")
	ErrPrepareVoteFailed = errors.New("a participant voted to abort")

	// Recovery.
	ErrRecoveryFailed = errors.New("decision log recovery failed")
)
