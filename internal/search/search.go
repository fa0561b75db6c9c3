package search

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	lfuzzy "github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/sahilm/fuzzy"

	"github.com/folioreader/folio/internal/store"
)

// Kind identifies what an index entry points at.
type Kind string

const (
	KindSeries Kind = "series"
	KindBook   Kind = "book"
)

// Entry is one searchable record of the offline catalog.
type Entry struct {
	Kind        Kind
	Key         string // store composite key
	Title       string
	SeriesTitle string // set for books
}

// Result is a ranked match with positions for highlighting.
type Result struct {
	Entry
	Score          int
	MatchedIndexes []int
}

// index implements fuzzy.Source over pre-lowered titles so matching
// allocates nothing per query.
type index struct {
	entries     []Entry
	lowerTitles []string
}

func (idx *index) String(i int) string { return idx.lowerTitles[i] }
func (idx *index) Len() int            { return len(idx.entries) }

// Service searches the locally cached catalog. It works entirely
// offline: the index is built from the store, never from the server.
type Service struct {
	store      *store.Store
	instanceID string
	logger     *slog.Logger

	mu  sync.RWMutex
	idx *index
}

// NewService creates a search service over one instance's cache. Call
// Rebuild before the first query and after syncs complete.
func NewService(st *store.Store, instanceID string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      st,
		instanceID: instanceID,
		logger:     logger,
		idx:        &index{},
	}
}

// Rebuild re-indexes every cached series and book of the instance.
func (s *Service) Rebuild() error {
	series, err := s.store.QuerySeries(store.QueryOptions{InstanceID: s.instanceID})
	if err != nil {
		return err
	}
	books, err := s.store.QueryBooks(store.QueryOptions{InstanceID: s.instanceID})
	if err != nil {
		return err
	}

	seriesTitles := make(map[string]string, len(series))
	idx := &index{
		entries:     make([]Entry, 0, len(series)+len(books)),
		lowerTitles: make([]string, 0, len(series)+len(books)),
	}
	for _, sr := range series {
		seriesTitles[sr.RemoteID] = sr.DisplayTitle()
		idx.entries = append(idx.entries, Entry{
			Kind:  KindSeries,
			Key:   sr.Key,
			Title: sr.DisplayTitle(),
		})
		idx.lowerTitles = append(idx.lowerTitles, strings.ToLower(sr.DisplayTitle()))
	}
	for _, b := range books {
		idx.entries = append(idx.entries, Entry{
			Kind:        KindBook,
			Key:         b.Key,
			Title:       b.DisplayTitle(),
			SeriesTitle: seriesTitles[b.SeriesID],
		})
		idx.lowerTitles = append(idx.lowerTitles, strings.ToLower(b.DisplayTitle()))
	}

	s.mu.Lock()
	s.idx = idx
	s.mu.Unlock()
	s.logger.Debug("rebuilt search index", "instance", s.instanceID, "entries", idx.Len())
	return nil
}

// Search returns up to limit ranked matches for query. Subsequence
// matching runs first; when it finds nothing, a typo-tolerant rank
// pass takes over. limit 0 returns everything.
func (s *Service) Search(query string, limit int) []Result {
	query = strings.TrimSpace(strings.ToLower(query))
	if query == "" {
		return nil
	}

	s.mu.RLock()
	idx := s.idx
	s.mu.RUnlock()
	if idx.Len() == 0 {
		return nil
	}

	matches := fuzzy.FindFrom(query, idx)
	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		results = append(results, Result{
			Entry:          idx.entries[m.Index],
			Score:          m.Score,
			MatchedIndexes: m.MatchedIndexes,
		})
	}
	if len(results) == 0 {
		results = rankFallback(idx, query)
	}
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// rankFallback catches queries the subsequence matcher rejects, like
// transposed letters, by Levenshtein distance over the same index.
func rankFallback(idx *index, query string) []Result {
	ranks := lfuzzy.RankFindFold(query, idx.lowerTitles)
	sort.Sort(ranks)

	results := make([]Result, 0, len(ranks))
	for _, r := range ranks {
		results = append(results, Result{
			Entry: idx.entries[r.OriginalIndex],
			Score: -r.Distance, // distance inverts: lower is better
		})
	}
	return results
}

// Suggest returns the closest single title to query, for "did you
// mean" style hints. ok is false when nothing is remotely close.
func (s *Service) Suggest(query string) (Entry, bool) {
	query = strings.TrimSpace(strings.ToLower(query))
	if query == "" {
		return Entry{}, false
	}

	s.mu.RLock()
	idx := s.idx
	s.mu.RUnlock()

	best := -1
	bestDist := 0
	for i, title := range idx.lowerTitles {
		d := lfuzzy.LevenshteinDistance(query, title)
		if best < 0 || d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 || bestDist > len(query)/2+1 {
		return Entry{}, false
	}
	return idx.entries[best], true
}
