// Package journal records undo actions so a component can roll its in-memory
// state back to an earlier point. Components embed a Journal, append an undo
// closure before every mutation, and expose Snapshot/RevertToSnapshot.
package journal

import "fmt"

// Reverter is implemented by every participant of an atomic call.
type Reverter interface {
	Snapshot() int
	RevertToSnapshot(id int)
	Commit()
}

// Journal is not goroutine-safe; callers serialize access.
type Journal struct {
	undo []func()
	// revisions maps snapshot id -> undo log length at snapshot time
	revisions []int
}

// Append registers the inverse of a mutation that is about to happen.
func (j *Journal) Append(undo func()) {
	j.undo = append(j.undo, undo)
}

// Snapshot returns an id that RevertToSnapshot can rewind to.
func (j *Journal) Snapshot() int {
	j.revisions = append(j.revisions, len(j.undo))
	return len(j.revisions) - 1
}

// RevertToSnapshot runs undo entries newer than the snapshot in reverse order
// and invalidates the snapshot and every later one.
func (j *Journal) RevertToSnapshot(id int) {
	if id < 0 || id >= len(j.revisions) {
		panic(fmt.Sprintf("journal: snapshot %d cannot be reverted (have %d)", id, len(j.revisions)))
	}
	mark := j.revisions[id]
	for i := len(j.undo) - 1; i >= mark; i-- {
		j.undo[i]()
	}
	j.undo = j.undo[:mark]
	j.revisions = j.revisions[:id]
}

// Commit drops all undo information once no snapshot is outstanding.
func (j *Journal) Commit() {
	j.undo = j.undo[:0]
	j.revisions = j.revisions[:0]
}

// Len is the number of pending undo entries.
func (j *Journal) Len() int {
	return len(j.undo)
}

// Atomic takes a snapshot of every participant, runs fn, and reverts all of
// them in reverse order if fn fails. On success every participant commits.
// Atomic calls must not be nested over the same participants.
func Atomic(fn func() error, participants ...Reverter) error {
	ids := make([]int, len(participants))
	for i, p := range participants {
		ids[i] = p.Snapshot()
	}
	if err := fn(); err != nil {
		for i := len(participants) - 1; i >= 0; i-- {
			participants[i].RevertToSnapshot(ids[i])
		}
		return err
	}
	for _, p := range participants {
		p.Commit()
	}
	return nil
}
