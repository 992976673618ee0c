package fetch

import (
	"testing"

	"github.com/google/go-github/v69/github"
)

func TestCategoriseStatuses_CheckNameWins(t *testing.T) {
	success := "success"
	checkCtx := "build/x"
	reviewCtx := "review"

	statuses := []*github.RepoStatus{
		{Context: &reviewCtx, State: &success},
		{Context: &checkCtx, State: &success},
	}

	reviewed, tested, succ := categoriseStatuses(statuses, "build/x", "review")
	if !reviewed || !tested || !succ {
		t.Fatalf("categoriseStatuses = (%v,%v,%v), want all true", reviewed, tested, succ)
	}
}

func TestCategoriseStatuses_ReviewOnlyGrantsReviewedNotTested(t *testing.T) {
	success := "success"
	reviewCtx := "review"
	statuses := []*github.RepoStatus{
		{Context: &reviewCtx, State: &success},
	}

	reviewed, tested, succ := categoriseStatuses(statuses, "build/x", "review")
	if !reviewed || tested || succ {
		t.Fatalf("categoriseStatuses = (%v,%v,%v), want reviewed only", reviewed, tested, succ)
	}
}

func TestCategoriseStatuses_NoMatchIsUnreviewed(t *testing.T) {
	pending := "pending"
	other := "unrelated"
	statuses := []*github.RepoStatus{
		{Context: &other, State: &pending},
	}

	reviewed, _, _ := categoriseStatuses(statuses, "build/x", "review")
	if reviewed {
		t.Fatal("no matching status should leave reviewed false")
	}
}

func TestPriorityFor(t *testing.T) {
	cases := []struct {
		tested, success bool
		want            int
	}{
		{false, false, 0},
		{true, false, 1},
		{true, true, 2},
	}
	for _, c := range cases {
		if got := priorityFor(c.tested, c.success); got != c.want {
			t.Errorf("priorityFor(%v,%v) = %d, want %d", c.tested, c.success, got, c.want)
		}
	}
}

func TestShouldProcess_SinglePoolAlwaysTrue(t *testing.T) {
	f := &Fetcher{params: Params{PoolSize: 1}}
	if !f.shouldProcess("abc123") {
		t.Fatal("pool size 1 should always process")
	}
}

func TestShouldProcess_PartitionsBySHA(t *testing.T) {
	f0 := &Fetcher{params: Params{PoolSize: 2, WorkerIndex: 0}}
	f1 := &Fetcher{params: Params{PoolSize: 2, WorkerIndex: 1}}

	// 'a' = 10, even -> worker 0; 'b' = 11, odd -> worker 1.
	if !f0.shouldProcess("a00000") || f1.shouldProcess("a00000") {
		t.Error("sha starting with 'a' should partition to worker 0")
	}
	if f0.shouldProcess("b00000") || !f1.shouldProcess("b00000") {
		t.Error("sha starting with 'b' should partition to worker 1")
	}
}

func TestSplitOwner(t *testing.T) {
	owner, name, err := splitOwner("alice/bob")
	if err != nil || owner != "alice" || name != "bob" {
		t.Fatalf("splitOwner = (%q,%q,%v)", owner, name, err)
	}
	if _, _, err := splitOwner("nogood"); err == nil {
		t.Fatal("splitOwner should reject a string with no slash")
	}
}
