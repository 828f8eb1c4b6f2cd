package journal_test

import (
	"errors"
	"testing"

	"StakeLedger/internal/journal"

	"github.com/stretchr/testify/require"
)

type counter struct {
	journal.Journal
	value int
}

func (c *counter) set(v int) {
	prev := c.value
	c.Append(func() { c.value = prev })
	c.value = v
}

func TestJournal_RevertRestoresInReverseOrder(t *testing.T) {
	c := &counter{}
	c.set(1)
	id := c.Snapshot()
	c.set(2)
	c.set(3)

	c.RevertToSnapshot(id)
	require.Equal(t, 1, c.value)
	require.Equal(t, 1, c.Len())
}

func TestJournal_NestedSnapshots(t *testing.T) {
	c := &counter{}
	outer := c.Snapshot()
	c.set(5)
	inner := c.Snapshot()
	c.set(6)

	c.RevertToSnapshot(inner)
	require.Equal(t, 5, c.value)

	c.RevertToSnapshot(outer)
	require.Equal(t, 0, c.value)
}

func TestJournal_RevertInvalidSnapshotPanics(t *testing.T) {
	c := &counter{}
	require.Panics(t, func() { c.RevertToSnapshot(0) })
}

func TestAtomic_RevertsAllParticipantsOnError(t *testing.T) {
	a, b := &counter{}, &counter{}
	boom := errors.New("boom")

	err := journal.Atomic(func() error {
		a.set(10)
		b.set(20)
		return boom
	}, a, b)

	require.ErrorIs(t, err, boom)
	require.Equal(t, 0, a.value)
	require.Equal(t, 0, b.value)
}

func TestAtomic_CommitsOnSuccess(t *testing.T) {
	a := &counter{}
	err := journal.Atomic(func() error {
		a.set(7)
		return nil
	}, a)

	require.NoError(t, err)
	require.Equal(t, 7, a.value)
	require.Equal(t, 0, a.Len())
}
