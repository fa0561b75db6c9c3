package sync

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/folioreader/folio/internal/domain"
	"github.com/folioreader/folio/internal/log"
	"github.com/folioreader/folio/internal/store"
)

const testInstance = "inst-1"

func newTestEngine(t *testing.T) (*store.Store, *fakeClient, *Reconciler) {
	t.Helper()
	st, err := store.Open(t.TempDir(), log.NullLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	client := newFakeClient()
	r := NewReconciler(st, client, testInstance, nil, log.NullLogger())
	r.SetPageSize(2)
	return st, client, r
}

func remoteSeries(id, libraryID string) domain.Series {
	return domain.Series{
		RemoteID:  id,
		LibraryID: libraryID,
		Name:      "Series " + id,
	}
}

func remoteBook(id, seriesID string, number float64) domain.Book {
	return domain.Book{
		RemoteID: id,
		SeriesID: seriesID,
		Name:     id + ".cbz",
		Metadata: domain.BookMetadata{Title: "Book " + id, NumberSort: number},
	}
}

func TestSyncLibrariesMarksMissingUnavailable(t *testing.T) {
	st, client, r := newTestEngine(t)
	ctx := context.Background()

	client.libraries = []domain.Library{
		{RemoteID: "lib-1", Name: "Comics"},
		{RemoteID: "lib-2", Name: "Manga"},
	}
	require.NoError(t, r.SyncLibraries(ctx))

	client.libraries = client.libraries[:1]
	require.NoError(t, r.SyncLibraries(ctx))

	libs, err := st.Libraries(testInstance)
	require.NoError(t, err)
	require.Len(t, libs, 2)
	byID := map[string]domain.Library{}
	for _, l := range libs {
		byID[l.RemoteID] = l
	}
	assert.False(t, byID["lib-1"].Unavailable)
	assert.True(t, byID["lib-2"].Unavailable)
}

func TestSyncSeriesWalksAllPages(t *testing.T) {
	st, client, r := newTestEngine(t)
	for i := 0; i < 5; i++ {
		client.addSeries("lib-1", remoteSeries(fmt.Sprintf("s%d", i), "lib-1"))
	}

	require.NoError(t, r.SyncSeries(context.Background(), "lib-1"))

	series, err := st.QuerySeries(store.QueryOptions{InstanceID: testInstance})
	require.NoError(t, err)
	assert.Len(t, series, 5)
}

func TestSyncBooksPreservesDownloadState(t *testing.T) {
	st, client, r := newTestEngine(t)
	ctx := context.Background()
	client.addSeries("lib-1", remoteSeries("s1", "lib-1"))
	client.addBook("s1", remoteBook("b1", "s1", 1))
	require.NoError(t, r.SyncSeries(ctx, "lib-1"))
	require.NoError(t, r.SyncBooks(ctx, "s1"))

	key := domain.CompositeKey(testInstance, "b1")
	require.NoError(t, st.UpdateBookLocal(key, func(local *domain.BookLocalState) {
		local.Download = domain.Downloaded(1024)
	}))

	// Second sync must not clobber the download state.
	require.NoError(t, r.SyncBooks(ctx, "s1"))

	got, ok, err := st.GetBook(key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Local.Download.IsDownloaded())
}

func TestSyncBooksStampsLastSynced(t *testing.T) {
	st, client, r := newTestEngine(t)
	ctx := context.Background()
	client.addSeries("lib-1", remoteSeries("s1", "lib-1"))
	client.addBook("s1", remoteBook("b1", "s1", 1))
	require.NoError(t, r.SyncSeries(ctx, "lib-1"))
	require.NoError(t, r.SyncBooks(ctx, "s1"))

	series, ok, err := st.GetSeries(domain.CompositeKey(testInstance, "s1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, series.Local.LastSyncedAt.IsZero())
}

func TestSyncBookGoneMarksUnavailable(t *testing.T) {
	st, client, r := newTestEngine(t)
	ctx := context.Background()
	client.addSeries("lib-1", remoteSeries("s1", "lib-1"))
	client.addBook("s1", remoteBook("b1", "s1", 1))
	require.NoError(t, r.SyncBooks(ctx, "s1"))

	// Server forgets the book; refreshing it must not delete the record.
	delete(client.booksByID, "b1")
	require.NoError(t, r.SyncBook(ctx, "b1"))

	got, ok, err := st.GetBook(domain.CompositeKey(testInstance, "b1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Unavailable)
}

func TestSyncSeriesDetailGoneMarksUnavailable(t *testing.T) {
	st, client, r := newTestEngine(t)
	ctx := context.Background()
	client.addSeries("lib-1", remoteSeries("s1", "lib-1"))
	require.NoError(t, r.SyncSeries(ctx, "lib-1"))

	delete(client.seriesByID, "s1")
	require.NoError(t, r.SyncSeriesDetail(ctx, "s1"))

	got, ok, err := st.GetSeries(domain.CompositeKey(testInstance, "s1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Unavailable)
}

func TestSyncPropagatesServerErrors(t *testing.T) {
	_, client, r := newTestEngine(t)
	client.err = domain.ErrServerOffline

	err := r.SyncLibraries(context.Background())
	assert.ErrorIs(t, err, domain.ErrServerOffline)
}
