// Package transaction implements the transaction core of the GojoGraph
// embedded engine: lifecycle management, per-transaction undo logging,
// savepoints, and a two-phase commit coordinator with a durable decision
// log.
package transaction

import (
	"sync/atomic"
	"time"
)

// ID identifies a transaction. IDs are monotonically increasing and unique
// for the lifetime of the owning Manager's process.
type ID uint64

// State represents the in-memory state of a transaction.
type State int32

const (
	StateActive     State = iota // Operations may be applied
	StatePrepared                // 2PC phase 1 complete, waiting for the global decision
	StateCommitting              // Commit in progress
	StateCommitted               // Terminal
	StateAborting                // Abort in progress
	StateAborted                 // Terminal
)

// CanExecute reports whether operations may run in this state.
func (s State) CanExecute() bool {
	return s == StateActive
}

// CanCommit reports whether a commit may start from this state.
func (s State) CanCommit() bool {
	return s == StateActive || s == StatePrepared
}

// CanAbort reports whether an abort may start from this state.
func (s State) CanAbort() bool {
	return !s.IsTerminal()
}

// IsTerminal reports whether the state admits no further transitions.
func (s State) IsTerminal() bool {
	return s == StateCommitted || s == StateAborted
}

func (s State) String() string {
	switch s {
	case StateActive:
		return "Active"
	case StatePrepared:
		return "Prepared"
	case StateCommitting:
		return "Committing"
	case StateCommitted:
		return "Committed"
	case StateAborting:
		return "Aborting"
	case StateAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// validTransition encodes the transaction state graph. Aborting is reachable
// from every non-terminal state.
func validTransition(from, to State) bool {
	switch {
	case from == StateActive && to == StatePrepared:
		return true
	case from == StateActive && to == StateCommitting:
		return true
	case from == StatePrepared && to == StateCommitting:
		return true
	case from == StateCommitting && to == StateCommitted:
		return true
	case to == StateAborting && !from.IsTerminal() && from != StateAborting:
		return true
	case from == StateAborting && to == StateAborted:
		return true
	default:
		return false
	}
}

// Durability selects how aggressively a commit forces data to stable media
// before returning.
type Durability int

const (
	// DurabilityNone returns as soon as the write is handed to the storage
	// engine, without waiting for a media sync.
	DurabilityNone Durability = iota
	// DurabilityImmediate blocks the committing caller until the storage
	// engine acknowledges the sync.
	DurabilityImmediate
)

func (d Durability) String() string {
	if d == DurabilityNone {
		return "None"
	}
	return "Immediate"
}

// Options configures a transaction at Begin time.
type Options struct {
	// Timeout bounds the transaction's lifetime. Zero means the manager's
	// default timeout.
	Timeout time.Duration
	// ReadOnly requests a snapshot read transaction. Read-only transactions
	// admit unlimited concurrency.
	ReadOnly bool
	// Durability selects the commit durability level.
	Durability Durability
	// TwoPhaseCommit enlists the transaction in the two-phase commit
	// protocol; Commit is only legal after a successful Prepare.
	TwoPhaseCommit bool
}

// Config configures a Manager.
type Config struct {
	// DefaultTimeout applies to transactions begun without an explicit one.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// MaxConcurrentTransactions caps the number of live transactions.
	MaxConcurrentTransactions int `yaml:"max_concurrent_transactions"`
	// Enable2PC allows Begin2PC / Prepare / two-phase commits.
	Enable2PC bool `yaml:"enable_2pc"`
	// AutoCleanup starts the background sweeper that aborts expired
	// transactions.
	AutoCleanup bool `yaml:"auto_cleanup"`
	// CleanupInterval is the sweeper period.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:            30 * time.Second,
		MaxConcurrentTransactions: 1000,
		Enable2PC:                 false,
		AutoCleanup:               true,
		CleanupInterval:           10 * time.Second,
	}
}

// OpKind tags a logged mutation.
type OpKind int

const (
	OpInsert OpKind = iota
	OpUpdate
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// LoggedOp describes one reversible mutation in a transaction's operation
// log. The log preserves call order exactly and is the unit of savepoint
// truncation.
//
// The inverse of an insert is a delete of Key; the inverse of an update or
// delete restores Prior (HadPrior distinguishes "prior value was absent"
// from "prior value was empty").
type LoggedOp struct {
	Kind     OpKind
	Key      []byte
	Prior    []byte
	HadPrior bool
}

// Stats aggregates manager-wide counters. All fields are updated atomically
// and safe for concurrent readers.
type Stats struct {
	Begun     atomic.Uint64
	Active    atomic.Int64
	Committed atomic.Uint64
	Aborted   atomic.Uint64
	TimedOut  atomic.Uint64
}

// Info is a point-in-time snapshot of one live transaction, for monitoring.
type Info struct {
	ID             ID
	State          State
	StartTime      time.Time
	Elapsed        time.Duration
	ReadOnly       bool
	TwoPhaseCommit bool
	Xid            string
	ModifiedKeys   int
	OpLogLen       int
	Savepoints     int
}
