// Package stats owns the session counters and derived top-N rankings.
package stats

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"github.com/jonezian/yeti/internal/filter"
	"github.com/jonezian/yeti/internal/jetstream"
)

// Dimension selects a counted dimension for TopN.
type Dimension int

const (
	DimKeyword Dimension = iota
	DimLanguage
	DimHashtag
	DimMatchedHashtag
	DimAuthor
)

type counter struct {
	count uint64
	ord   int // insertion order, for stable ties
	label string
}

type dimension struct {
	counts  map[string]*counter
	nextOrd int
}

func newDimension() *dimension {
	return &dimension{counts: make(map[string]*counter)}
}

func (d *dimension) inc(key, label string) {
	c, ok := d.counts[key]
	if !ok {
		c = &counter{ord: d.nextOrd, label: label}
		d.nextOrd++
		d.counts[key] = c
	}
	c.count++
	if label != "" {
		c.label = label
	}
}

// Aggregator accumulates the session counters. The supervisor is the single
// writer; Snapshot and TopN may be called concurrently from a reporting task.
type Aggregator struct {
	mu sync.Mutex

	keywords  []string
	startedAt time.Time

	totalSeen          uint64
	totalMatched       uint64
	malformed          uint64
	queueDropped       uint64
	enrichmentFailures uint64

	keywordCounts        *dimension
	languageCounts       *dimension
	hashtagCounts        *dimension
	matchedHashtagCounts *dimension
	authorCounts         *dimension
}

// NewAggregator creates an aggregator for the given keyword list.
func NewAggregator(keywords []string) *Aggregator {
	return &Aggregator{
		keywords:             keywords,
		startedAt:            time.Now(),
		keywordCounts:        newDimension(),
		languageCounts:       newDimension(),
		hashtagCounts:        newDimension(),
		matchedHashtagCounts: newDimension(),
		authorCounts:         newDimension(),
	}
}

// RecordSeen counts one event from the stream, whether or not it matches.
func (a *Aggregator) RecordSeen(ev *jetstream.Event, hashtags []string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.totalSeen++
	if len(ev.Languages) == 0 {
		a.languageCounts.inc("unknown", "")
	}
	for _, lang := range ev.Languages {
		a.languageCounts.inc(lang, "")
	}
	for _, tag := range hashtags {
		a.hashtagCounts.inc(tag, "")
	}
}

// RecordMatch counts one matched event. Every increment is tied to a real
// match; multi keyword matches bump several keyword counters.
func (a *Aggregator) RecordMatch(ev *jetstream.Event, res filter.Result) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.totalMatched++
	for _, kw := range res.Matched {
		a.keywordCounts.inc(kw, "")
	}
	for _, tag := range res.Hashtags {
		a.matchedHashtagCounts.inc(tag, "")
	}
	a.authorCounts.inc(ev.AuthorID, "")
}

// SetAuthorName attaches a display name to an author counter after profile
// enrichment completed.
func (a *Aggregator) SetAuthorName(authorID, displayName string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.authorCounts.counts[authorID]; ok && displayName != "" {
		c.label = displayName
	}
}

// RecordMalformed counts a dropped malformed or oversized message.
func (a *Aggregator) RecordMalformed() {
	a.mu.Lock()
	a.malformed++
	a.mu.Unlock()
}

// RecordQueueDropped counts matches dropped because the enrichment queue was
// full.
func (a *Aggregator) RecordQueueDropped(n int) {
	a.mu.Lock()
	a.queueDropped += uint64(n)
	a.mu.Unlock()
}

// RecordEnrichmentFailures counts isolated profile or translation failures.
func (a *Aggregator) RecordEnrichmentFailures(n int) {
	a.mu.Lock()
	a.enrichmentFailures += uint64(n)
	a.mu.Unlock()
}

// TotalMatched returns the current matched count. Used by the count bounded
// run limit check.
func (a *Aggregator) TotalMatched() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalMatched
}

// Entry is one ranked row of a TopN view.
type Entry struct {
	Key   string
	Label string
	Count uint64
}

// TopN returns the n highest counted entries of a dimension, descending by
// count with ties broken by first seen order. It reads a consistent state
// under the aggregator lock and never mutates counters.
func (a *Aggregator) TopN(dim Dimension, n int) []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return topN(a.dimension(dim), n)
}

func (a *Aggregator) dimension(dim Dimension) *dimension {
	switch dim {
	case DimKeyword:
		return a.keywordCounts
	case DimLanguage:
		return a.languageCounts
	case DimHashtag:
		return a.hashtagCounts
	case DimMatchedHashtag:
		return a.matchedHashtagCounts
	case DimAuthor:
		return a.authorCounts
	default:
		return newDimension()
	}
}

// topN maintains a bounded min-heap of size n: O(total * log n) instead of a
// full sort.
func topN(d *dimension, n int) []Entry {
	if n <= 0 {
		return nil
	}

	h := &entryHeap{}
	heap.Init(h)
	for key, c := range d.counts {
		item := heapItem{Entry: Entry{Key: key, Label: c.label, Count: c.count}, ord: c.ord}
		if h.Len() < n {
			heap.Push(h, item)
			continue
		}
		if item.beats((*h)[0]) {
			(*h)[0] = item
			heap.Fix(h, 0)
		}
	}

	out := make([]Entry, h.Len())
	for i := h.Len() - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(heapItem).Entry
	}
	return out
}

type heapItem struct {
	Entry
	ord int
}

// beats reports whether i ranks strictly higher than j: greater count, or
// equal count and earlier first seen.
func (i heapItem) beats(j heapItem) bool {
	if i.Count != j.Count {
		return i.Count > j.Count
	}
	return i.ord < j.ord
}

// entryHeap is a min-heap: the root is the weakest ranked item.
type entryHeap []heapItem

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(a, b int) bool  { return h[b].beats(h[a]) }
func (h entryHeap) Swap(a, b int)       { h[a], h[b] = h[b], h[a] }
func (h *entryHeap) Push(x interface{}) { *h = append(*h, x.(heapItem)) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Snapshot is an immutable copy of the counters, safe to read after the
// aggregator moved on.
type Snapshot struct {
	Keywords  []string
	StartedAt time.Time
	TakenAt   time.Time

	TotalSeen          uint64
	TotalMatched       uint64
	Malformed          uint64
	QueueDropped       uint64
	EnrichmentFailures uint64

	KeywordCounts  map[string]uint64
	LanguageCounts map[string]uint64
	Languages      []Entry
	Hashtags       []Entry
	MatchedTags    []Entry
	Authors        []Entry
}

const snapshotTopN = 15

// Snapshot copies the counters. Idempotent; never mutates state.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Aggregator) snapshotLocked() Snapshot {
	snap := Snapshot{
		Keywords:           append([]string{}, a.keywords...),
		StartedAt:          a.startedAt,
		TakenAt:            time.Now(),
		TotalSeen:          a.totalSeen,
		TotalMatched:       a.totalMatched,
		Malformed:          a.malformed,
		QueueDropped:       a.queueDropped,
		EnrichmentFailures: a.enrichmentFailures,
		KeywordCounts:      make(map[string]uint64, len(a.keywordCounts.counts)),
		LanguageCounts:     make(map[string]uint64, len(a.languageCounts.counts)),
	}
	for key, c := range a.keywordCounts.counts {
		snap.KeywordCounts[key] = c.count
	}
	for key, c := range a.languageCounts.counts {
		snap.LanguageCounts[key] = c.count
	}
	snap.Languages = topN(a.languageCounts, snapshotTopN)
	snap.Hashtags = topN(a.hashtagCounts, snapshotTopN)
	snap.MatchedTags = topN(a.matchedHashtagCounts, snapshotTopN)
	snap.Authors = topN(a.authorCounts, snapshotTopN)
	return snap
}

// SnapshotAndReset returns the current snapshot and clears the counters for
// a fresh archive cycle. Keywords carry over; the start time resets.
func (a *Aggregator) SnapshotAndReset() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := a.snapshotLocked()

	a.startedAt = time.Now()
	a.totalSeen = 0
	a.totalMatched = 0
	a.malformed = 0
	a.queueDropped = 0
	a.enrichmentFailures = 0
	a.keywordCounts = newDimension()
	a.languageCounts = newDimension()
	a.hashtagCounts = newDimension()
	a.matchedHashtagCounts = newDimension()
	a.authorCounts = newDimension()

	return snap
}

// SortedKeywordEntries returns every keyword with its count in configuration
// order, including zero count keywords. Used by the report.
func (s Snapshot) SortedKeywordEntries() []Entry {
	entries := make([]Entry, 0, len(s.Keywords))
	for _, kw := range s.Keywords {
		entries = append(entries, Entry{Key: kw, Count: s.KeywordCounts[kw]})
	}
	return entries
}

// SortedLanguages returns all language counts descending. Used where the
// bounded snapshot top list is not enough.
func (s Snapshot) SortedLanguages() []Entry {
	entries := make([]Entry, 0, len(s.LanguageCounts))
	for key, count := range s.LanguageCounts {
		entries = append(entries, Entry{Key: key, Count: count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].Key < entries[j].Key
	})
	return entries
}
