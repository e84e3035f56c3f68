package identity

import (
	"time"
)

// MatchKind describes how two identities relate.
type MatchKind int

// Match kinds, strongest first.
const (
	MatchNone MatchKind = iota
	MatchNeighbor
	MatchExact
)

func (k MatchKind) String() string {
	switch k {
	case MatchExact:
		return "exact"
	case MatchNeighbor:
		return "neighbor"
	default:
		return "none"
	}
}

// Match compares a freshly computed identity against a stored one. Exact
// means the stable ids agree; neighbor means content and neighbors agree
// while page salt and index hint are ignored.
func Match(scraped, stored Components) MatchKind {
	if scraped.StableID() == stored.StableID() {
		return MatchExact
	}
	if scraped.ContentHash.Equal(stored.ContentHash) && scraped.NeighborHash.Equal(stored.NeighborHash) {
		return MatchNeighbor
	}
	return MatchNone
}

// Candidate is a stored review that may correspond to a scraped one.
type Candidate struct {
	Key        string
	Components Components
	LastSeenAt time.Time
}

// Resolve picks the best candidate for target. Candidates sharing the
// target's page salt win by smallest index hint delta; otherwise the most
// recently seen candidate wins. Remaining ties fall back to the key so the
// result is deterministic. The returned count is the number of candidates
// considered; more than one means the identity was ambiguous.
func Resolve(target Components, candidates []Candidate) (Candidate, bool, int) {
	if len(candidates) == 0 {
		return Candidate{}, false, 0
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if better(target, c, best) {
			best = c
		}
	}
	return best, true, len(candidates)
}

func better(target Components, a, b Candidate) bool {
	aSame := a.Components.PageSalt.Equal(target.PageSalt)
	bSame := b.Components.PageSalt.Equal(target.PageSalt)
	if aSame != bSame {
		return aSame
	}
	if aSame {
		da, db := delta(a.Components.IndexHint, target.IndexHint), delta(b.Components.IndexHint, target.IndexHint)
		if da != db {
			return da < db
		}
	}
	if !a.LastSeenAt.Equal(b.LastSeenAt) {
		return a.LastSeenAt.After(b.LastSeenAt)
	}
	return a.Key < b.Key
}

func delta(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}
