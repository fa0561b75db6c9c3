package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/folioreader/folio/internal/domain"
	"github.com/folioreader/folio/internal/log"
	"github.com/folioreader/folio/internal/store"
)

const testInstance = "inst-1"

func newTestService(t *testing.T) (*store.Store, *Service) {
	t.Helper()
	st, err := store.Open(t.TempDir(), log.NullLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st, NewService(st, testInstance, log.NullLogger())
}

func seedCatalog(t *testing.T, st *store.Store) {
	t.Helper()
	require.NoError(t, st.Update(func(tx *store.Tx) error {
		series := []domain.Series{
			{RemoteID: "s1", InstanceID: testInstance, Metadata: domain.SeriesMetadata{Title: "One Piece"}},
			{RemoteID: "s2", InstanceID: testInstance, Metadata: domain.SeriesMetadata{Title: "Berserk"}},
		}
		for _, s := range series {
			if err := tx.UpsertSeries(s); err != nil {
				return err
			}
		}
		books := []domain.Book{
			{RemoteID: "b1", InstanceID: testInstance, SeriesID: "s1", Metadata: domain.BookMetadata{Title: "Romance Dawn"}},
			{RemoteID: "b2", InstanceID: testInstance, SeriesID: "s2", Metadata: domain.BookMetadata{Title: "The Black Swordsman"}},
		}
		for _, b := range books {
			if err := tx.UpsertBook(b); err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestSearchFindsSeriesAndBooks(t *testing.T) {
	st, svc := newTestService(t)
	seedCatalog(t, st)
	require.NoError(t, svc.Rebuild())

	results := svc.Search("one piece", 0)
	require.NotEmpty(t, results)
	assert.Equal(t, KindSeries, results[0].Kind)
	assert.Equal(t, "One Piece", results[0].Title)

	results = svc.Search("swordsman", 0)
	require.NotEmpty(t, results)
	assert.Equal(t, KindBook, results[0].Kind)
	assert.Equal(t, "Berserk", results[0].SeriesTitle)
}

func TestSearchSubsequenceMatching(t *testing.T) {
	st, svc := newTestService(t)
	seedCatalog(t, st)
	require.NoError(t, svc.Rebuild())

	// "brsrk" is a subsequence of "berserk".
	results := svc.Search("brsrk", 0)
	require.NotEmpty(t, results)
	assert.Equal(t, "Berserk", results[0].Title)
}

func TestSearchLimit(t *testing.T) {
	st, svc := newTestService(t)
	seedCatalog(t, st)
	require.NoError(t, svc.Rebuild())

	results := svc.Search("e", 1)
	assert.Len(t, results, 1)
}

func TestSearchEmptyQueryAndIndex(t *testing.T) {
	_, svc := newTestService(t)
	assert.Empty(t, svc.Search("", 0))
	assert.Empty(t, svc.Search("anything", 0))
}

func TestSuggestCatchesTypos(t *testing.T) {
	st, svc := newTestService(t)
	seedCatalog(t, st)
	require.NoError(t, svc.Rebuild())

	entry, ok := svc.Suggest("bersrek")
	require.True(t, ok)
	assert.Equal(t, "Berserk", entry.Title)
}

func TestSuggestRejectsNonsense(t *testing.T) {
	st, svc := newTestService(t)
	seedCatalog(t, st)
	require.NoError(t, svc.Rebuild())

	_, ok := svc.Suggest("zzzzzzzzzzzzzzzzzzzzzz")
	assert.False(t, ok)
}

func TestRebuildReplacesIndex(t *testing.T) {
	st, svc := newTestService(t)
	seedCatalog(t, st)
	require.NoError(t, svc.Rebuild())
	require.NotEmpty(t, svc.Search("berserk", 0))

	require.NoError(t, st.ClearInstance(testInstance))
	require.NoError(t, svc.Rebuild())
	assert.Empty(t, svc.Search("berserk", 0))
}
