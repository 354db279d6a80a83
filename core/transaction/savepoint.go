package transaction

import "time"

// SavepointID identifies a savepoint. IDs are monotonically increasing and
// scoped to their owning transaction context.
type SavepointID uint64

// Savepoint is an in-transaction rollback point. It records the operation
// log position to truncate back to and a snapshot of the modified-key set
// at creation time. Savepoints never outlive their context.
type Savepoint struct {
	id        SavepointID
	name      string
	logIndex  int
	modified  map[string]struct{}
	createdAt time.Time
}

// ID returns the savepoint id.
func (s *Savepoint) ID() SavepointID { return s.id }

// Name returns the optional savepoint name ("" when unnamed).
func (s *Savepoint) Name() string { return s.name }

// savepointStack is the per-context ordered set of rollback points.
// Savepoints are discarded strictly LIFO: rolling back to or releasing a
// savepoint removes it and every savepoint created after it. The zero
// value is ready to use; the stack is guarded by its context's mutex.
type savepointStack struct {
	nextID SavepointID
	stack  []*Savepoint
}

// create pushes a new savepoint. logIndex must not exceed the operation
// log length at creation time; callers pass the current length.
func (s *savepointStack) create(name string, logIndex int, modified map[string]struct{}) SavepointID {
	s.nextID++
	sp := &Savepoint{
		id:        s.nextID,
		name:      name,
		logIndex:  logIndex,
		modified:  cloneKeySet(modified),
		createdAt: time.Now(),
	}
	s.stack = append(s.stack, sp)
	return sp.id
}

// find returns the savepoint with the given id, if still addressable.
func (s *savepointStack) find(id SavepointID) (*Savepoint, bool) {
	for _, sp := range s.stack {
		if sp.id == id {
			return sp, true
		}
	}
	return nil, false
}

// findByName returns the most recent addressable savepoint with the name.
func (s *savepointStack) findByName(name string) (*Savepoint, bool) {
	for i := len(s.stack) - 1; i >= 0; i-- {
		if s.stack[i].name == name {
			return s.stack[i], true
		}
	}
	return nil, false
}

// discardFrom removes the savepoint with the given id and every savepoint
// with a greater id from future addressability.
func (s *savepointStack) discardFrom(id SavepointID) {
	for i, sp := range s.stack {
		if sp.id >= id {
			s.stack = s.stack[:i]
			return
		}
	}
}

func (s *savepointStack) len() int { return len(s.stack) }
