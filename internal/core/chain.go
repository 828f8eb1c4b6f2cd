package core

import (
	"encoding/binary"

	"github.com/zeebo/blake3"
)

// chainContext domain-separates the receipt chain from any other blake3 use.
const chainContext = "StakeLedger 2024 receipt chain v1"

// chain is the tip of the receipt hash chain. Each committed command links
// the tokenizer digest under its sequence: tip' = H(tip || seq_le || digest).
type chain [32]byte

func genesisChain() chain {
	var c chain
	blake3.DeriveKey(chainContext, []byte("genesis"), c[:])
	return c
}

// link advances the tip and returns the previous and the new one.
func (c *chain) link(seq int64, digest []byte) (prev, next [32]byte) {
	prev = *c
	h := blake3.New()
	h.Write(prev[:])
	h.Write(binary.LittleEndian.AppendUint64(nil, uint64(seq)))
	h.Write(digest)
	h.Sum(next[:0])
	*c = next
	return prev, next
}
