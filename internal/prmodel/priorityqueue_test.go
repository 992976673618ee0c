package prmodel

import "testing"

func pr(number, sha string) PullRequest {
	return PullRequest{Number: number, SHA: sha}
}

func TestPriorityQueue_PushIdempotent(t *testing.T) {
	q := NewPriorityQueue()
	p := PrioritisedRequest{Priority: 1, Request: pr("42", "abc")}
	q.Push(p)
	q.Push(p)

	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after pushing the same pair twice", q.Len())
	}
}

func TestPriorityQueue_PopEmpty(t *testing.T) {
	q := NewPriorityQueue()
	if _, ok := q.Pop(); ok {
		t.Fatal("Pop() on empty queue should return ok=false")
	}
}

func TestPriorityQueue_PopOrdersByPriority(t *testing.T) {
	q := NewPriorityQueue()
	q.Push(PrioritisedRequest{Priority: 2, Request: pr("1", "a")})
	q.Push(PrioritisedRequest{Priority: 0, Request: pr("2", "b")})
	q.Push(PrioritisedRequest{Priority: 1, Request: pr("3", "c")})

	var order []int
	for {
		p, ok := q.Pop()
		if !ok {
			break
		}
		order = append(order, p.Priority)
	}

	want := []int{0, 1, 2}
	if len(order) != len(want) {
		t.Fatalf("pop order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("pop order = %v, want %v", order, want)
		}
	}
}

func TestPriorityQueue_TiebreakIsInsertionOrder(t *testing.T) {
	q := NewPriorityQueue()
	q.Push(PrioritisedRequest{Priority: 0, Request: pr("first", "a")})
	q.Push(PrioritisedRequest{Priority: 0, Request: pr("second", "b")})

	first, _ := q.Pop()
	second, _ := q.Pop()

	if first.Request.Number != "first" || second.Request.Number != "second" {
		t.Errorf("got pop order %q, %q; want first, second", first.Request.Number, second.Request.Number)
	}
}

func TestPriorityQueue_PeekDoesNotRemove(t *testing.T) {
	q := NewPriorityQueue()
	q.Push(PrioritisedRequest{Priority: 1, Request: pr("1", "a")})

	first, ok := q.Peek()
	if !ok {
		t.Fatal("Peek() on non-empty queue should return ok=true")
	}
	if q.Len() != 1 {
		t.Fatalf("Len() = %d after Peek(), want unchanged 1", q.Len())
	}
	second, _ := q.Peek()
	if first != second {
		t.Errorf("Peek() not stable across calls: %v != %v", first, second)
	}
}
