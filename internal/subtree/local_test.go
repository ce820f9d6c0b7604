package subtree

import "testing"

func TestCoreFreshRingIsNotRelatedToSubtreeZero(t *testing.T) {
	c := NewCore()
	if c.FreesRelated(0) {
		t.Fatal("a fresh core's recent-free ring must not claim kinship with subtree 0 before any frees")
	}
}

func TestFreesRelatedTracksRingLength(t *testing.T) {
	c := NewCore()
	const i1, i2 = 3, 9

	if c.FreesRelated(i1) {
		t.Fatal("expected no relation before any push")
	}
	for i := 0; i < RingLen-1; i++ {
		c.FreesPush(i1)
	}
	if c.FreesRelated(i1) {
		t.Fatal("expected no relation until the ring is fully overwritten")
	}
	c.FreesPush(i1)
	if !c.FreesRelated(i1) {
		t.Fatal("expected relation once every ring slot holds i1")
	}

	c.FreesPush(i2)
	if c.FreesRelated(i1) || c.FreesRelated(i2) {
		t.Fatal("expected no relation to either id right after one slot changed")
	}
}
