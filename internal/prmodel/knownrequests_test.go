package prmodel

import (
	"testing"
	"time"
)

func TestKnownRequests_ContainsAndAdd(t *testing.T) {
	k := NewKnownRequests(nil)
	p := pr("1", "a")

	if k.Contains(PriorityNotTested, p) {
		t.Fatal("empty table should not contain anything")
	}

	k.Add(PriorityNotTested, p)

	if !k.Contains(PriorityNotTested, p) {
		t.Fatal("Add then Contains should be true")
	}
}

func TestKnownRequests_OlderThan(t *testing.T) {
	clock := time.Now()
	k := NewKnownRequests(func() time.Time { return clock })

	p := pr("1", "a")
	k.Add(PriorityNotTested, p)

	clock = clock.Add(10 * time.Minute)

	old := k.OlderThan(5 * time.Minute)
	if len(old) != 1 {
		t.Fatalf("OlderThan(5m) = %d entries, want 1", len(old))
	}

	fresh := k.OlderThan(20 * time.Minute)
	if len(fresh) != 0 {
		t.Fatalf("OlderThan(20m) = %d entries, want 0", len(fresh))
	}
}

func TestKnownRequests_ResetRefreshesTimestamp(t *testing.T) {
	clock := time.Now()
	k := NewKnownRequests(func() time.Time { return clock })

	p := pr("1", "a")
	k.Add(PriorityNotTested, p)

	clock = clock.Add(time.Hour)
	k.Reset(PriorityNotTested, p)

	// No longer older than 30 minutes, since Reset refreshed it.
	old := k.OlderThan(30 * time.Minute)
	if len(old) != 0 {
		t.Fatalf("after Reset, OlderThan(30m) = %d entries, want 0", len(old))
	}
}

func TestKnownRequests_ResetIdempotent(t *testing.T) {
	clock := time.Now()
	k := NewKnownRequests(func() time.Time { return clock })

	p := pr("1", "a")
	k.Add(PriorityNotTested, p)

	k.Reset(PriorityNotTested, p)
	afterFirst := k.OlderThan(0)

	k.Reset(PriorityNotTested, p)
	afterSecond := k.OlderThan(0)

	if len(afterFirst) != len(afterSecond) {
		t.Errorf("Reset is not idempotent: %d vs %d stale entries", len(afterFirst), len(afterSecond))
	}
}

func TestKnownRequests_Remove(t *testing.T) {
	k := NewKnownRequests(nil)
	p := pr("1", "a")
	k.Add(PriorityNotTested, p)
	k.Remove(PriorityNotTested, p)

	if k.Contains(PriorityNotTested, p) {
		t.Fatal("Remove should delete the entry")
	}
}
