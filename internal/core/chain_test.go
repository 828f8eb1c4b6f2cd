package core

import "testing"

func TestChainLink(t *testing.T) {
	c := genesisChain()
	if c == (chain{}) {
		t.Fatal("genesis tip is zero")
	}
	prev, first := c.link(1, []byte("state"))
	if prev != genesisChain() {
		t.Error("prev should be the genesis tip")
	}
	if [32]byte(c) != first {
		t.Error("tip should be the last link")
	}

	other := genesisChain()
	if _, h := other.link(1, []byte("state")); h != first {
		t.Error("same inputs must give the same link")
	}
	other = genesisChain()
	if _, h := other.link(2, []byte("state")); h == first {
		t.Error("sequence must be part of the link")
	}
	if _, h := c.link(2, []byte("state")); h == first {
		t.Error("link did not advance")
	}
}
