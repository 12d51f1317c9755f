package reqtable

import (
	"testing"
	"time"
)

func TestAllocateAssignsSlotIDAndAdvancesNextID(t *testing.T) {
	table := New("upstream1")

	id1, ok := table.Allocate("client-a", 1, []byte("req1"), 3, time.Second, false)
	if !ok {
		t.Fatal("expected allocation to succeed")
	}
	id2, ok := table.Allocate("client-a", 2, []byte("req2"), 3, time.Second, false)
	if !ok {
		t.Fatal("expected allocation to succeed")
	}
	if id2 <= id1 {
		t.Errorf("expected nextID to advance: id1=%d id2=%d", id1, id2)
	}
}

func TestAllocateFailsWhenTableFull(t *testing.T) {
	table := New("upstream1")
	for i := 0; i < SlotCount; i++ {
		if _, ok := table.Allocate("c", byte(i), nil, 3, time.Second, false); !ok {
			t.Fatalf("unexpected allocation failure at slot %d", i)
		}
	}
	if _, ok := table.Allocate("c", 0, nil, 3, time.Second, false); ok {
		t.Fatal("expected allocation to fail once the table is full")
	}
}

func TestIsDuplicateDetectsInFlightRequest(t *testing.T) {
	table := New("upstream1")
	table.Allocate("client-a", 7, []byte("req"), 3, time.Second, false)

	if !table.IsDuplicate("client-a", 7) {
		t.Error("expected duplicate detection to find the in-flight request")
	}
	if table.IsDuplicate("client-b", 7) {
		t.Error("a different client with the same origID must not be flagged a duplicate")
	}
}

func TestMarkReceivedFreesSlotOnSweep(t *testing.T) {
	table := New("upstream1")
	slotID, _ := table.Allocate("client-a", 1, []byte("req"), 3, time.Second, false)
	table.MarkReceived(slotID)

	resent := false
	table.Sweep(time.Now(), func(byte, []byte) { resent = true })

	if resent {
		t.Error("a received slot must not be resent")
	}
	if table.IsDuplicate("client-a", 1) {
		t.Error("expected the slot to be freed after sweep")
	}
}

func TestSweepRetransmitsBeforeExpiry(t *testing.T) {
	table := New("upstream1")
	table.Allocate("client-a", 1, []byte("req"), 3, 10*time.Millisecond, false)

	resendCount := 0
	for i := 0; i < 2; i++ {
		time.Sleep(15 * time.Millisecond)
		table.Sweep(time.Now(), func(byte, []byte) { resendCount++ })
	}

	if resendCount != 2 {
		t.Errorf("resendCount = %d, want 2", resendCount)
	}
}

func TestSweepFreesSlotAfterMaxTries(t *testing.T) {
	table := New("upstream1")
	table.Allocate("client-a", 1, []byte("req"), 1, 5*time.Millisecond, false)

	time.Sleep(10 * time.Millisecond)
	table.Sweep(time.Now(), func(byte, []byte) {})

	if table.IsDuplicate("client-a", 1) {
		t.Error("expected the slot to free once max tries is reached")
	}
}

func TestSweepTracksLostStatusServer(t *testing.T) {
	table := New("upstream1")
	table.Allocate("client-a", 1, []byte("req"), 1, 5*time.Millisecond, true)

	time.Sleep(10 * time.Millisecond)
	table.Sweep(time.Now(), func(byte, []byte) {})

	if table.LostStatSrv() != 1 {
		t.Errorf("LostStatSrv() = %d, want 1", table.LostStatSrv())
	}
}

func TestReleaseClientNullsFromReference(t *testing.T) {
	table := New("upstream1")
	table.Allocate("client-a", 1, []byte("req"), 3, time.Second, false)
	table.ReleaseClient("client-a")

	if table.IsDuplicate("client-a", 1) {
		t.Error("expected the weak client reference to be cleared by ReleaseClient")
	}
}
