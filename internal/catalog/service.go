package catalog

import (
	"fmt"
	"log/slog"

	"github.com/folioreader/folio/internal/domain"
	"github.com/folioreader/folio/internal/store"
)

// Service is the read-side facade over one instance's cached catalog.
// Everything here answers from the store; nothing touches the network,
// so every call works fully offline.
type Service struct {
	store      *store.Store
	instanceID string
	logger     *slog.Logger
}

// NewService creates a catalog service for one instance.
func NewService(st *store.Store, instanceID string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, instanceID: instanceID, logger: logger}
}

// Libraries returns the instance's libraries, available ones first.
func (s *Service) Libraries() ([]domain.Library, error) {
	return s.store.Libraries(s.instanceID)
}

// Series returns a library's series in title order. An empty libraryID
// returns every series of the instance.
func (s *Service) Series(libraryID string) ([]domain.Series, error) {
	return s.store.QuerySeries(store.QueryOptions{
		InstanceID: s.instanceID,
		LibraryID:  libraryID,
	})
}

// Books returns a series' books in reading order.
func (s *Service) Books(seriesID string) ([]domain.Book, error) {
	return s.store.BooksBySeries(s.instanceID, seriesID)
}

// SeriesSummary derives a series' aggregate download state from its
// cached child books. The aggregate is computed on every read; it is
// never persisted, so it can't drift from the books it summarizes.
func (s *Service) SeriesSummary(seriesID string) (domain.SeriesDownloadSummary, error) {
	key := domain.CompositeKey(s.instanceID, seriesID)
	series, ok, err := s.store.GetSeries(key)
	if err != nil {
		return domain.SeriesDownloadSummary{}, err
	}
	if !ok {
		return domain.SeriesDownloadSummary{}, fmt.Errorf("series %q: %w", seriesID, domain.ErrNotFound)
	}
	books, err := s.store.BooksBySeries(s.instanceID, seriesID)
	if err != nil {
		return domain.SeriesDownloadSummary{}, err
	}
	return domain.SummarizeSeries(series.BooksCount, books), nil
}

// ContinueReading returns books with partial progress, most recently
// modified first.
func (s *Service) ContinueReading(limit int) ([]domain.Book, error) {
	completed := false
	books, err := s.store.QueryBooks(store.QueryOptions{
		InstanceID: s.instanceID,
		Completed:  &completed,
		SortBy:     store.SortByLastModified,
	})
	if err != nil {
		return nil, err
	}
	inProgress := books[:0]
	for _, b := range books {
		if b.ReadProgress != nil && b.ReadProgress.Page > 0 {
			inProgress = append(inProgress, b)
		}
	}
	if limit > 0 && len(inProgress) > limit {
		inProgress = inProgress[:limit]
	}
	return inProgress, nil
}

// OfflineBooks returns the instance's fully downloaded books, the
// shelf a reader browses with no server in reach.
func (s *Service) OfflineBooks() ([]domain.Book, error) {
	return s.store.DownloadedBooks(s.instanceID)
}

// Collections returns the instance's cached collections.
func (s *Service) Collections() ([]domain.Collection, error) {
	var out []domain.Collection
	err := s.store.View(func(tx *store.Tx) error {
		var scanErr error
		out, scanErr = tx.CollectionsByInstance(s.instanceID)
		return scanErr
	})
	return out, err
}

// ReadLists returns the instance's cached read lists.
func (s *Service) ReadLists() ([]domain.ReadList, error) {
	var out []domain.ReadList
	err := s.store.View(func(tx *store.Tx) error {
		var scanErr error
		out, scanErr = tx.ReadListsByInstance(s.instanceID)
		return scanErr
	})
	return out, err
}
