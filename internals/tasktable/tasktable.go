// Package tasktable implements the fixed-capacity task slot table of
// spec.md §4.1: one preallocated Slot per task number, each owning a pair of
// linebuf.Buffers for stdout/stderr capture and the bookkeeping the command
// loop and reaper share about a task's lifecycle.
package tasktable

import (
	"fmt"
	"sync"

	"github.com/tasksh/tasksh/internals/linebuf"
)

// Slot is the per-task record described in spec.md §3. Once started is
// true, childID is immutable and Out/Err are non-nil for the life of the
// program.
type Slot struct {
	mu      sync.Mutex
	started bool
	childID int
	ended   bool

	Out *linebuf.Buffer
	Err *linebuf.Buffer

	// readers is released once by each of the two stream readers spawned
	// for this slot, so Join can wait for both before returning.
	readers sync.WaitGroup
}

// Started reports whether the slot has been assigned to a task.
func (s *Slot) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// RecordChild stores the system identifier of the slot's child process.
// Called once, from the command loop, after the slot has been allocated.
func (s *Slot) RecordChild(childID int) {
	s.mu.Lock()
	s.childID = childID
	s.readers.Add(2)
	s.mu.Unlock()
}

// ChildID returns the slot's child identifier. Meaningful only once Started
// returns true.
func (s *Slot) ChildID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.childID
}

// ReaderDone is called by a stream reader goroutine when it exits (on pipe
// EOF). Must be called exactly once per reader spawned for this slot.
func (s *Slot) ReaderDone() {
	s.readers.Done()
}

// Join blocks until both of the slot's stream readers have exited.
func (s *Slot) Join() {
	s.readers.Wait()
}

// MarkEnded records that the reaper has collected this slot's child. Used
// only by the list/wait enrichment commands (SPEC_FULL.md §6); it has no
// bearing on the core protocol.
func (s *Slot) MarkEnded() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
}

// Ended reports whether MarkEnded has been called for this slot.
func (s *Slot) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Table is the fixed-size array of slots indexed by task number.
type Table struct {
	slots   []*Slot
	maxLine int

	// next is only ever touched by Allocate, which spec.md §4.1 requires
	// to be called exclusively from the command loop goroutine; it needs
	// no lock of its own.
	next int
}

// New constructs a Table with capacity maxTasks, each slot's buffers
// truncating captured lines to maxLine bytes.
func New(maxTasks, maxLine int) *Table {
	slots := make([]*Slot, maxTasks)
	for i := range slots {
		slots[i] = &Slot{
			Out: linebuf.New(maxLine),
			Err: linebuf.New(maxLine),
		}
	}
	return &Table{slots: slots, maxLine: maxLine}
}

// Cap returns MAX_TASKS, the table's fixed capacity.
func (t *Table) Cap() int {
	return len(t.slots)
}

// MaxLine returns MAX_LINE, the per-stream captured line length ceiling.
func (t *Table) MaxLine() int {
	return t.maxLine
}

// Allocate returns the next unused task number and marks its slot started.
// Not safe to call concurrently with itself; the command loop is its sole
// caller.
func (t *Table) Allocate() (int, *Slot, error) {
	if t.next >= len(t.slots) {
		return 0, nil, fmt.Errorf("tasktable: task ceiling of %d reached", len(t.slots))
	}
	n := t.next
	t.next++
	s := t.slots[n]
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return n, s, nil
}

// Slot returns the slot for task number n. The second result is false if n
// is out of range; per spec.md §9's open question, an in-range but
// never-started slot is returned as zeroed state rather than an error.
func (t *Table) Slot(n int) (*Slot, bool) {
	if n < 0 || n >= len(t.slots) {
		return nil, false
	}
	return t.slots[n], true
}

// StartedCount returns the number of slots that have been allocated.
// Started slots form a prefix of the table (spec.md §9), so this is both
// the count and the bound of the started-slot range.
func (t *Table) StartedCount() int {
	return t.next
}
