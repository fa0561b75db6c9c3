package sync

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/folioreader/folio/internal/domain"
)

// fakeClient serves canned catalog data and records mutation writes.
type fakeClient struct {
	mu sync.Mutex

	libraries []domain.Library
	series    map[string][]domain.Series // libraryID -> series
	books     map[string][]domain.Book   // seriesID -> books
	pageSize  int

	seriesByID map[string]domain.Series
	booksByID  map[string]domain.Book

	progressCalls    []progressCall
	progressionCalls []string
	failBooks        map[string]error // bookID -> error for mutation writes
	err              error            // global error for every call

	blockDrain chan struct{} // when set, mutation writes block until closed
}

type progressCall struct {
	BookID    string
	Page      int
	Completed bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		series:     make(map[string][]domain.Series),
		books:      make(map[string][]domain.Book),
		seriesByID: make(map[string]domain.Series),
		booksByID:  make(map[string]domain.Book),
		failBooks:  make(map[string]error),
		pageSize:   2,
	}
}

func (f *fakeClient) addSeries(libraryID string, s domain.Series) {
	f.series[libraryID] = append(f.series[libraryID], s)
	f.seriesByID[s.RemoteID] = s
}

func (f *fakeClient) addBook(seriesID string, b domain.Book) {
	f.books[seriesID] = append(f.books[seriesID], b)
	f.booksByID[b.RemoteID] = b
}

func page[T any](items []T, number, size int) domain.Page[T] {
	start := number * size
	if start > len(items) {
		start = len(items)
	}
	end := start + size
	if end > len(items) {
		end = len(items)
	}
	return domain.Page[T]{
		Content:       items[start:end],
		Number:        number,
		Size:          size,
		TotalElements: len(items),
		Last:          end >= len(items),
	}
}

func (f *fakeClient) GetLibraries(ctx context.Context) ([]domain.Library, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.libraries, nil
}

func (f *fakeClient) GetSeriesPage(ctx context.Context, libraryID string, number, size int) (domain.Page[domain.Series], error) {
	if f.err != nil {
		return domain.Page[domain.Series]{}, f.err
	}
	return page(f.series[libraryID], number, size), nil
}

func (f *fakeClient) GetSeries(ctx context.Context, seriesID string) (domain.Series, error) {
	if f.err != nil {
		return domain.Series{}, f.err
	}
	s, ok := f.seriesByID[seriesID]
	if !ok {
		return domain.Series{}, domain.ErrNotFound
	}
	return s, nil
}

func (f *fakeClient) GetBooksPage(ctx context.Context, seriesID string, number, size int) (domain.Page[domain.Book], error) {
	if f.err != nil {
		return domain.Page[domain.Book]{}, f.err
	}
	return page(f.books[seriesID], number, size), nil
}

func (f *fakeClient) GetBook(ctx context.Context, bookID string) (domain.Book, error) {
	if f.err != nil {
		return domain.Book{}, f.err
	}
	b, ok := f.booksByID[bookID]
	if !ok {
		return domain.Book{}, domain.ErrNotFound
	}
	return b, nil
}

func (f *fakeClient) GetCollectionsPage(ctx context.Context, number, size int) (domain.Page[domain.Collection], error) {
	return domain.Page[domain.Collection]{Last: true}, f.err
}

func (f *fakeClient) GetCollection(ctx context.Context, collectionID string) (domain.Collection, error) {
	return domain.Collection{}, domain.ErrNotFound
}

func (f *fakeClient) GetReadListsPage(ctx context.Context, number, size int) (domain.Page[domain.ReadList], error) {
	return domain.Page[domain.ReadList]{Last: true}, f.err
}

func (f *fakeClient) GetReadList(ctx context.Context, readListID string) (domain.ReadList, error) {
	return domain.ReadList{}, domain.ErrNotFound
}

func (f *fakeClient) GetReadListBooksPage(ctx context.Context, readListID string, number, size int) (domain.Page[domain.Book], error) {
	return domain.Page[domain.Book]{Last: true}, f.err
}

func (f *fakeClient) GetBookPages(ctx context.Context, bookID string) ([]domain.BookPage, error) {
	return nil, nil
}

func (f *fakeClient) GetBookPageImage(ctx context.Context, bookID string, number int) ([]byte, error) {
	return nil, nil
}

func (f *fakeClient) GetBookFile(ctx context.Context, bookID string) ([]byte, error) {
	return nil, nil
}

func (f *fakeClient) UpdateReadProgress(ctx context.Context, bookID string, pageNum int, completed bool) error {
	if f.blockDrain != nil {
		<-f.blockDrain
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failBooks[bookID]; err != nil {
		return err
	}
	if f.err != nil {
		return f.err
	}
	f.progressCalls = append(f.progressCalls, progressCall{bookID, pageNum, completed})
	if b, ok := f.booksByID[bookID]; ok {
		b.ReadProgress = &domain.ReadProgress{Page: pageNum, Completed: completed}
		f.booksByID[bookID] = b
	}
	return nil
}

func (f *fakeClient) remoteProgress(bookID string) domain.ReadProgress {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.booksByID[bookID]
	if b.ReadProgress == nil {
		return domain.ReadProgress{}
	}
	return *b.ReadProgress
}

func (f *fakeClient) UpdateProgression(ctx context.Context, bookID string, progression json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failBooks[bookID]; err != nil {
		return err
	}
	if f.err != nil {
		return f.err
	}
	f.progressionCalls = append(f.progressionCalls, bookID)
	return nil
}

var _ domain.CatalogClient = (*fakeClient)(nil)
