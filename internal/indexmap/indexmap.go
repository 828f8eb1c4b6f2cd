// Package indexmap pairs stable certificate ids with the dense, volatile slot
// indexes of the external engine's position array.
package indexmap

import (
	"fmt"

	"StakeLedger/internal/errs"
	"StakeLedger/internal/journal"
)

// Map is a bijection between certificate ids and slot indexes restricted to
// the currently open set. Not goroutine-safe.
type Map struct {
	journal.Journal

	slotOf map[uint64]uint64 // certificate id -> slot
	certAt map[uint64]uint64 // slot -> certificate id
}

func New() *Map {
	return &Map{
		slotOf: make(map[uint64]uint64),
		certAt: make(map[uint64]uint64),
	}
}

// Set pairs certificateID and slot in both directions, overwriting any prior
// forward entry for certificateID and reverse entry for slot. The caller must
// not orphan the entries it overwrites.
func (m *Map) Set(certificateID, slot uint64) {
	m.putForward(certificateID, slot)
	m.putReverse(slot, certificateID)
}

// Get resolves a certificate id to its slot.
func (m *Map) Get(certificateID uint64) (uint64, error) {
	slot, ok := m.slotOf[certificateID]
	if !ok {
		return 0, fmt.Errorf("certificate %d has no slot: %w", certificateID, errs.ErrNotFound)
	}
	return slot, nil
}

// ReverseGet resolves a slot to the certificate id occupying it.
func (m *Map) ReverseGet(slot uint64) (uint64, error) {
	id, ok := m.certAt[slot]
	if !ok {
		return 0, fmt.Errorf("slot %d has no certificate: %w", slot, errs.ErrNotFound)
	}
	return id, nil
}

// SwapRemove removes the certificate at slot and, when slot != last, moves the
// certificate at last into slot. Returns the relocated certificate id and
// whether a move happened. Both stale entries are cleared, so the removed
// certificate id and the last slot resolve to ErrNotFound afterwards.
func (m *Map) SwapRemove(slot, last uint64) (uint64, bool, error) {
	if slot > last {
		return 0, false, fmt.Errorf("swap remove slot %d past last %d: %w", slot, last, errs.ErrNotFound)
	}
	removed, err := m.ReverseGet(slot)
	if err != nil {
		return 0, false, err
	}

	if slot == last {
		m.deleteForward(removed)
		m.deleteReverse(slot)
		return 0, false, nil
	}

	moved, err := m.ReverseGet(last)
	if err != nil {
		return 0, false, err
	}
	m.deleteForward(removed)
	m.deleteReverse(last)
	m.Set(moved, slot)
	return moved, true, nil
}

// Len is the number of live pairs.
func (m *Map) Len() int {
	return len(m.certAt)
}

// Each visits live pairs in no particular order.
func (m *Map) Each(fn func(certificateID, slot uint64)) {
	for slot, id := range m.certAt {
		fn(id, slot)
	}
}

func (m *Map) putForward(id, slot uint64) {
	prev, had := m.slotOf[id]
	m.Append(func() {
		if had {
			m.slotOf[id] = prev
		} else {
			delete(m.slotOf, id)
		}
	})
	m.slotOf[id] = slot
}

func (m *Map) putReverse(slot, id uint64) {
	prev, had := m.certAt[slot]
	m.Append(func() {
		if had {
			m.certAt[slot] = prev
		} else {
			delete(m.certAt, slot)
		}
	})
	m.certAt[slot] = id
}

func (m *Map) deleteForward(id uint64) {
	prev, had := m.slotOf[id]
	if !had {
		return
	}
	m.Append(func() { m.slotOf[id] = prev })
	delete(m.slotOf, id)
}

func (m *Map) deleteReverse(slot uint64) {
	prev, had := m.certAt[slot]
	if !had {
		return
	}
	m.Append(func() { m.certAt[slot] = prev })
	delete(m.certAt, slot)
}
