package domain

import (
	"context"
	"encoding/json"
)

// Page is the server's pagination envelope for list endpoints.
type Page[T any] struct {
	Content       []T
	Number        int
	Size          int
	TotalElements int
	Last          bool
}

// CatalogClient is the remote API surface the sync engine consumes.
// Implementations return entities with remote-sourced fields populated;
// composite keys and local state are owned by the store layer.
type CatalogClient interface {
	GetLibraries(ctx context.Context) ([]Library, error)

	GetSeriesPage(ctx context.Context, libraryID string, page, size int) (Page[Series], error)
	GetSeries(ctx context.Context, seriesID string) (Series, error)

	GetBooksPage(ctx context.Context, seriesID string, page, size int) (Page[Book], error)
	GetBook(ctx context.Context, bookID string) (Book, error)

	GetCollectionsPage(ctx context.Context, page, size int) (Page[Collection], error)
	GetCollection(ctx context.Context, collectionID string) (Collection, error)

	GetReadListsPage(ctx context.Context, page, size int) (Page[ReadList], error)
	GetReadList(ctx context.Context, readListID string) (ReadList, error)
	GetReadListBooksPage(ctx context.Context, readListID string, page, size int) (Page[Book], error)

	// Download surface.
	GetBookPages(ctx context.Context, bookID string) ([]BookPage, error)
	GetBookPageImage(ctx context.Context, bookID string, number int) ([]byte, error)
	GetBookFile(ctx context.Context, bookID string) ([]byte, error)

	// Mutation surface. Both writes are idempotent for a given payload.
	UpdateReadProgress(ctx context.Context, bookID string, page int, completed bool) error
	UpdateProgression(ctx context.Context, bookID string, progression json.RawMessage) error
}
