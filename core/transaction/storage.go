package transaction

// Engine is the storage capability this core consumes. The engine is
// expected to provide MVCC semantics: unlimited concurrent snapshot
// readers and at most one write transaction open at a time. A second
// concurrent BeginWrite either blocks or fails, at the engine's
// configuration; failure is surfaced to callers as ErrWriteConflict.
//
// The core never touches the engine's query or schema surface.
type Engine interface {
	// BeginRead opens a snapshot read transaction.
	BeginRead() (ReadTxn, error)
	// BeginWrite opens the exclusive write transaction.
	BeginWrite() (WriteTxn, error)
}

// ReadTxn is a snapshot read handle. It observes every transaction
// committed strictly before it began and none committed after.
type ReadTxn interface {
	Get(key []byte) (value []byte, found bool, err error)
	// Close releases the snapshot.
	Close() error
}

// WriteTxn is the exclusive write handle. Dropping it without Commit rolls
// every buffered mutation back.
type WriteTxn interface {
	Get(key []byte) (value []byte, found bool, err error)
	Put(key, value []byte) error
	Delete(key []byte) error
	// Commit publishes the buffered mutations. With DurabilityImmediate it
	// blocks until the engine acknowledges the media sync.
	Commit(level Durability) error
	// Rollback discards the buffered mutations and releases the writer
	// slot. Safe to call after a failed Commit.
	Rollback() error
}
