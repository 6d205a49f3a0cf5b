package concurrency

import "testing"

func TestAcquireGlobal_RespectsCapacity(t *testing.T) {
	c := New(2, 4)
	if !c.AcquireGlobal() || !c.AcquireGlobal() {
		t.Fatal("expected first two acquires to succeed")
	}
	if c.AcquireGlobal() {
		t.Fatal("expected third acquire to fail at capacity 2")
	}
	c.ReleaseGlobal()
	if !c.AcquireGlobal() {
		t.Fatal("expected acquire to succeed after a release")
	}
}

func TestReleaseGlobal_NeverGoesNegative(t *testing.T) {
	c := New(2, 4)
	c.ReleaseGlobal()
	c.ReleaseGlobal()
	if got := c.GlobalInUse(); got != 0 {
		t.Errorf("GlobalInUse() = %d, want 0", got)
	}
}

func TestChunkSlots_PerDownloadIsolation(t *testing.T) {
	c := New(4, 1)
	if !c.AcquireChunkSlot(1) {
		t.Fatal("expected download 1's first chunk slot to succeed")
	}
	if c.AcquireChunkSlot(1) {
		t.Fatal("expected download 1's second chunk slot to fail at cap 1")
	}
	if !c.AcquireChunkSlot(2) {
		t.Fatal("download 2 should have its own independent chunk slot budget")
	}
}

func TestChunkSlotsCap_Clamped(t *testing.T) {
	c := New(4, 100)
	if c.chunkCap != 16 {
		t.Errorf("chunkCap = %d, want clamped to 16", c.chunkCap)
	}
	c2 := New(4, 0)
	if c2.chunkCap != 1 {
		t.Errorf("chunkCap = %d, want clamped to 1", c2.chunkCap)
	}
}

func TestReleaseChunkSlot_RemovesEmptyEntry(t *testing.T) {
	c := New(4, 2)
	c.AcquireChunkSlot(9)
	c.ReleaseChunkSlot(9)
	if _, ok := c.chunkUsed[9]; ok {
		t.Error("expected drained download's chunkUsed entry to be removed")
	}
}

func TestSetMaxGlobal_HoldersDrainNaturally(t *testing.T) {
	c := New(3, 4)
	c.AcquireGlobal()
	c.AcquireGlobal()
	c.AcquireGlobal()
	c.SetMaxGlobal(1)

	if c.AcquireGlobal() {
		t.Fatal("expected no new acquire while over the lowered cap")
	}
	c.ReleaseGlobal()
	c.ReleaseGlobal()
	if c.AcquireGlobal() {
		t.Fatal("still over cap after releasing two of three holders")
	}
	c.ReleaseGlobal()
	if !c.AcquireGlobal() {
		t.Fatal("expected acquire to succeed once usage has drained to the new cap")
	}
}
