package tokenizer

import (
	"encoding/binary"
	"fmt"
	"sort"

	"StakeLedger/internal/errs"

	"github.com/ethereum/go-ethereum/common"
)

// SlotOf resolves a live certificate to its slot.
func (t *Tokenizer) SlotOf(id uint64) (uint64, error) {
	return t.index.Get(id)
}

// CertificateAt resolves a slot to the certificate occupying it.
func (t *Tokenizer) CertificateAt(slot uint64) (uint64, error) {
	return t.index.ReverseGet(slot)
}

// StakeIdentityOf returns the stake id bound to a live certificate.
func (t *Tokenizer) StakeIdentityOf(id uint64) (uint64, error) {
	stake, ok := t.stakeOf[id]
	if !ok {
		return 0, fmt.Errorf("certificate %d: %w", id, errs.ErrNotFound)
	}
	return stake, nil
}

func (t *Tokenizer) OwnerOf(id uint64) (common.Address, error) {
	return t.cfg.Registry.OwnerOf(id)
}

func (t *Tokenizer) OpenCount() uint64 { return t.openCount }

// NextCertificateID is the id the next deposit will mint.
func (t *Tokenizer) NextCertificateID() uint64 { return t.nextID }

// Certificate is a read model of one live certificate.
type Certificate struct {
	ID      uint64
	Slot    uint64
	StakeID uint64
	Owner   common.Address
}

// Certificates lists live certificates ordered by slot.
func (t *Tokenizer) Certificates() []Certificate {
	out := make([]Certificate, 0, t.index.Len())
	t.index.Each(func(id, slot uint64) {
		owner, _ := t.cfg.Registry.OwnerOf(id)
		out = append(out, Certificate{ID: id, Slot: slot, StakeID: t.stakeOf[id], Owner: owner})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

// Digest is a canonical encoding of the tokenizer's state: counters, every
// live (slot, certificate, stake, owner) tuple in slot order, the fee rate and
// the accrued fee of the bound asset.
func (t *Tokenizer) Digest() []byte {
	certs := t.Certificates()
	buf := make([]byte, 0, 16+len(certs)*(24+common.AddressLength)+64)
	buf = binary.BigEndian.AppendUint64(buf, t.openCount)
	buf = binary.BigEndian.AppendUint64(buf, t.nextID)
	for _, c := range certs {
		buf = binary.BigEndian.AppendUint64(buf, c.Slot)
		buf = binary.BigEndian.AppendUint64(buf, c.ID)
		buf = binary.BigEndian.AppendUint64(buf, c.StakeID)
		buf = append(buf, c.Owner.Bytes()...)
	}
	rate := t.cfg.Fees.Rate().Bytes32()
	accrued := t.cfg.Fees.Accrued(t.cfg.Asset).Bytes32()
	buf = append(buf, rate[:]...)
	buf = append(buf, accrued[:]...)
	return buf
}
