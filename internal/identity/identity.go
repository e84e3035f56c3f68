package identity

import (
	"encoding/binary"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	// windowSize is the byte width of the rolling hash window.
	windowSize = 32
	// bottomK is how many minimal window hashes feed the rolling digest.
	bottomK = 4
	// stableIDLen is the hex length of a persisted stable id.
	stableIDLen = 24
	rollingBase = 257
	edgeKey     = "<edge>"
)

// Neighbor is the visible content of an adjacent review in a listing.
type Neighbor struct {
	Reviewer string
	Text     string
	Rating   float64
}

// Page describes the page view a listing was captured from.
type Page struct {
	CapturedAt time.Time
	URL        string
	Sort       string
	Filter     string
}

// Input is everything the identifier looks at for one scraped review.
type Input struct {
	Reviewer string
	Text     string
	Rating   float64
	Fragment string
	Prev     *Neighbor
	Next     *Neighbor
	Page     Page
	Index    int
}

// Components are the persisted parts of a synthesized identity.
type Components struct {
	ContentHash  Hash `json:"content_hash"`
	RollingHash  Hash `json:"rolling_hash"`
	NeighborHash Hash `json:"neighbor_hash"`
	PageSalt     Hash `json:"page_salt"`
	IndexHint    int  `json:"index_hint"`
}

// StableID combines the content and rolling hashes into the dedup key.
func (c Components) StableID() string {
	return sum("stable", string(c.ContentHash[:]), string(c.RollingHash[:])).String()[:stableIDLen]
}

// DistinctStableID is the key minted for a fragment whose StableID is
// already taken by a row with different neighbors. It folds the neighbor
// hash in, so two identical short reviews in different positions on one
// page keep distinct rows.
func (c Components) DistinctStableID() string {
	return sum("stable", string(c.ContentHash[:]), string(c.RollingHash[:]), string(c.NeighborHash[:])).String()[:stableIDLen]
}

// Compute derives identity components from in. It is a pure function.
func Compute(in Input) Components {
	return Components{
		ContentHash:  ContentHash(in.Reviewer, in.Text, in.Rating),
		RollingHash:  RollingHash(in.Fragment),
		NeighborHash: NeighborHash(in.Prev, in.Next),
		PageSalt:     PageSalt(in.Page),
		IndexHint:    in.Index,
	}
}

// ContentHash identifies "this exact content" independent of markup.
func ContentHash(reviewer, text string, rating float64) Hash {
	return sum("content", Normalize(reviewer), Normalize(text), strconv.FormatFloat(rating, 'f', 1, 64))
}

// RollingHash digests the smallest window hashes over the whitespace-folded
// fragment. Edits that leave the minimal windows intact keep the same hash.
func RollingHash(fragment string) Hash {
	folded := []byte(strings.Join(strings.Fields(strings.ToLower(fragment)), " "))
	if len(folded) == 0 {
		return Hash{}
	}
	if len(folded) <= windowSize {
		return sum("rolling", string(folded))
	}

	var pow uint64 = 1
	for i := 0; i < windowSize-1; i++ {
		pow *= rollingBase
	}
	var h uint64
	for i := 0; i < windowSize; i++ {
		h = h*rollingBase + uint64(folded[i])
	}
	mins := []uint64{h}
	for i := windowSize; i < len(folded); i++ {
		h = (h-uint64(folded[i-windowSize])*pow)*rollingBase + uint64(folded[i])
		mins = keepSmallest(mins, h, bottomK)
	}

	buf := make([]byte, 0, len(mins)*8)
	for _, m := range mins {
		buf = binary.BigEndian.AppendUint64(buf, m)
	}
	return sum("rolling", string(buf))
}

// NeighborHash digests the adjacent reviews. The pair is sorted so a listing
// shown in reverse order yields the same hash.
func NeighborHash(prev, next *Neighbor) Hash {
	keys := []string{neighborKey(prev), neighborKey(next)}
	slices.Sort(keys)
	return sum("neighbors", keys[0], keys[1])
}

// PageSalt scopes positional comparisons to one page view.
func PageSalt(p Page) Hash {
	day := ""
	if !p.CapturedAt.IsZero() {
		day = p.CapturedAt.UTC().Format(time.DateOnly)
	}
	return sum("page", day, strings.TrimSpace(p.URL), p.Sort, p.Filter)
}

// Normalize folds s for content comparison: NFKC, punctuation and symbols
// removed, Unicode case folding and collapsed whitespace.
func Normalize(s string) string {
	t := transform.Chain(norm.NFKC, runes.Remove(runes.Predicate(isNoise)), cases.Fold())
	out, _, err := transform.String(t, s)
	if err != nil {
		out = strings.ToLower(s)
	}
	return strings.Join(strings.Fields(out), " ")
}

func isNoise(r rune) bool {
	return unicode.IsPunct(r) || unicode.IsSymbol(r)
}

func neighborKey(n *Neighbor) string {
	if n == nil {
		return edgeKey
	}
	return ContentHash(n.Reviewer, n.Text, n.Rating).String()
}

func keepSmallest(mins []uint64, v uint64, k int) []uint64 {
	idx, found := slices.BinarySearch(mins, v)
	if found {
		return mins
	}
	if len(mins) >= k && idx >= k {
		return mins
	}
	mins = slices.Insert(mins, idx, v)
	if len(mins) > k {
		mins = mins[:k]
	}
	return mins
}
