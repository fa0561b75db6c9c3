package komga

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/folioreader/folio/internal/domain"
	"github.com/folioreader/folio/internal/log"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "test-key", log.NullLogger())
}

func TestClientSendsAPIKeyHeader(t *testing.T) {
	var gotKey string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		w.Write([]byte(`[]`))
	})

	_, err := c.GetLibraries(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "test-key", gotKey)
}

func TestClientMapsAuthFailure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := c.GetLibraries(context.Background())
	assert.ErrorIs(t, err, domain.ErrAuthFailed)
}

func TestClientMapsNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.GetBook(context.Background(), "gone")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`[{"id":"lib-1","name":"Comics"}]`))
	})

	libs, err := c.GetLibraries(context.Background())
	require.NoError(t, err)
	require.Len(t, libs, 1)
	assert.Equal(t, "lib-1", libs[0].RemoteID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientGivesUpAfterRetries(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := c.GetLibraries(context.Background())
	assert.ErrorIs(t, err, domain.ErrServerOffline)
}

func TestClientUnreachableServer(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "key", log.NullLogger())
	_, err := c.GetLibraries(context.Background())
	assert.ErrorIs(t, err, domain.ErrServerOffline)
}

func TestGetSeriesPageDecodesEnvelope(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/series", r.URL.Path)
		assert.Equal(t, "lib-1", r.URL.Query().Get("library_id"))
		assert.Equal(t, "1", r.URL.Query().Get("page"))
		assert.Equal(t, "50", r.URL.Query().Get("size"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"content": []map[string]interface{}{
				{
					"id":        "s1",
					"libraryId": "lib-1",
					"name":      "One Piece",
					"metadata":  map[string]interface{}{"title": "One Piece", "status": "ONGOING"},
				},
			},
			"number":        1,
			"size":          50,
			"totalElements": 51,
			"last":          true,
		})
	})

	page, err := c.GetSeriesPage(context.Background(), "lib-1", 1, 50)
	require.NoError(t, err)
	assert.True(t, page.Last)
	assert.Equal(t, 51, page.TotalElements)
	require.Len(t, page.Content, 1)
	assert.Equal(t, "s1", page.Content[0].RemoteID)
	assert.Equal(t, "ONGOING", page.Content[0].Metadata.Status)
}

func TestGetBookDecodesProgressAndMedia(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/books/b1", r.URL.Path)
		w.Write([]byte(`{
			"id": "b1",
			"seriesId": "s1",
			"name": "chapter-1.cbz",
			"number": 1,
			"lastModified": "2025-06-01T10:30:00",
			"media": {"status": "READY", "pagesCount": 20, "mediaProfile": "DIVINA"},
			"metadata": {"title": "Chapter 1", "numberSort": 1.0},
			"readProgress": {"page": 5, "completed": false}
		}`))
	})

	book, err := c.GetBook(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, "b1", book.RemoteID)
	assert.Equal(t, 20, book.Media.PagesCount)
	assert.False(t, book.Media.IsEpub())
	require.NotNil(t, book.ReadProgress)
	assert.Equal(t, 5, book.ReadProgress.Page)
	assert.Equal(t, 2025, book.LastModified.Year())
}

func TestUpdateReadProgressSendsPatch(t *testing.T) {
	var gotMethod, gotBody string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		var buf [128]byte
		n, _ := r.Body.Read(buf[:])
		gotBody = string(buf[:n])
		w.WriteHeader(http.StatusNoContent)
	})

	err := c.UpdateReadProgress(context.Background(), "b1", 12, true)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPatch, gotMethod)
	assert.JSONEq(t, `{"page":12,"completed":true}`, gotBody)
}

func TestUpdateProgressionPassesPayloadThrough(t *testing.T) {
	var gotPath, gotBody string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var buf [128]byte
		n, _ := r.Body.Read(buf[:])
		gotBody = string(buf[:n])
		w.WriteHeader(http.StatusNoContent)
	})

	payload := json.RawMessage(`{"locator":{"href":"ch1.xhtml"}}`)
	require.NoError(t, c.UpdateProgression(context.Background(), "b1", payload))
	assert.Equal(t, "/api/v2/books/b1/progression", gotPath)
	assert.JSONEq(t, string(payload), gotBody)
}

func TestGetBookPagesManifest(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/books/b1/pages", r.URL.Path)
		w.Write([]byte(`[{"number":1,"mediaType":"image/jpeg"},{"number":2,"mediaType":"image/png"}]`))
	})

	pages, err := c.GetBookPages(context.Background(), "b1")
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.Equal(t, "jpg", pages[0].FileExtension())
	assert.Equal(t, "png", pages[1].FileExtension())
}
