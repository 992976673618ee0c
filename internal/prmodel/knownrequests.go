package prmodel

import "time"

// knownEntry is one fetcher observation record: the pull request plus
// its append-only sequence of observation timestamps. The last value
// is the most recent refresh.
type knownEntry struct {
	request      PullRequest
	observations []time.Time
}

// KnownRequests is the fetcher's in-memory record of previously
// observed PRs, keyed by priority then keyed again by (Number, SHA)
// within that priority bucket. Per spec.md §3 it is owned by exactly
// one worker (the fetcher); cross-worker access happens only via
// messages, never by sharing this value.
type KnownRequests struct {
	buckets map[int]map[Key]*knownEntry
	now     func() time.Time
}

// NewKnownRequests returns an empty table. nowFn is injectable for
// tests; pass nil to use time.Now.
func NewKnownRequests(nowFn func() time.Time) *KnownRequests {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &KnownRequests{
		buckets: make(map[int]map[Key]*knownEntry),
		now:     nowFn,
	}
}

// Contains reports whether (priority, request) is already known, by
// the (Number, SHA) key — new SHAs at the same number are treated as a
// new entry, which is the intended "new-vs-known diffing" of spec.md §4.4.
func (k *KnownRequests) Contains(priority int, pr PullRequest) bool {
	b, ok := k.buckets[priority]
	if !ok {
		return false
	}
	_, ok = b[pr.Key()]
	return ok
}

// Add bulk-adds entries at the given priority, stamping each with the
// current time as its first observation. Entries already present are
// left untouched (Add is for genuinely new entries; see Reset for
// refreshing existing ones).
func (k *KnownRequests) Add(priority int, prs ...PullRequest) {
	b := k.bucketFor(priority)
	now := k.now()
	for _, pr := range prs {
		if _, exists := b[pr.Key()]; exists {
			continue
		}
		b[pr.Key()] = &knownEntry{request: pr, observations: []time.Time{now}}
	}
}

// Reset appends the current time to the observation list of each
// already-present (priority, request) pair, refreshing its last-seen
// timestamp without removing or duplicating the entry. Calling Reset
// twice in immediate succession is idempotent up to clock resolution
// (spec.md §8 round-trip property), since the entry's last timestamp
// reflects whichever call ran, not a cumulative count.
func (k *KnownRequests) Reset(priority int, prs ...PullRequest) {
	b, ok := k.buckets[priority]
	if !ok {
		return
	}
	now := k.now()
	for _, pr := range prs {
		if e, exists := b[pr.Key()]; exists {
			e.observations = append(e.observations, now)
		}
	}
}

// Remove deletes entries at the given priority matching any of prs by
// (Number, SHA) equality. Used when a request is no longer present in
// a fresh retrieval (closed or no longer reviewed).
func (k *KnownRequests) Remove(priority int, prs ...PullRequest) {
	b, ok := k.buckets[priority]
	if !ok {
		return
	}
	for _, pr := range prs {
		delete(b, pr.Key())
	}
}

// OlderThan enumerates every entry at any priority whose last
// observation is older than age, using the last element of its
// timestamp list. Each returned element satisfies
// lastObservation < now - age (spec.md §8 invariant 3).
func (k *KnownRequests) OlderThan(age time.Duration) []PrioritisedRequest {
	cutoff := k.now().Add(-age)
	var out []PrioritisedRequest
	for priority, b := range k.buckets {
		for _, e := range b {
			last := e.observations[len(e.observations)-1]
			if last.Before(cutoff) {
				out = append(out, PrioritisedRequest{Priority: priority, Request: e.request})
			}
		}
	}
	return out
}

// All returns every known entry across all priorities, as prioritised
// requests. Used when diffing a fresh retrieval against everything
// currently known, independent of which priority bucket it landed in.
func (k *KnownRequests) All() []PrioritisedRequest {
	var out []PrioritisedRequest
	for priority, b := range k.buckets {
		for _, e := range b {
			out = append(out, PrioritisedRequest{Priority: priority, Request: e.request})
		}
	}
	return out
}

func (k *KnownRequests) bucketFor(priority int) map[Key]*knownEntry {
	b, ok := k.buckets[priority]
	if !ok {
		b = make(map[Key]*knownEntry)
		k.buckets[priority] = b
	}
	return b
}
