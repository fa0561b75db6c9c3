package store

import (
	"encoding/json"
	"sort"

	"github.com/folioreader/folio/internal/domain"
	bolt "go.etcd.io/bbolt"
)

// SortField selects the ordering of query results.
type SortField string

const (
	SortByNumber       SortField = "number"       // metadata number sort, then title
	SortByName         SortField = "name"         // derived sort key
	SortByPendingSince SortField = "pendingSince" // download queue FIFO order
	SortByLastModified SortField = "lastModified"
)

// QueryOptions filters and pages a scan over cached entities.
// InstanceID is required; everything else is optional.
type QueryOptions struct {
	InstanceID     string
	SeriesID       string
	LibraryID      string
	DownloadStates []domain.DownloadState
	Completed      *bool // read-progress filter; nil = no filter
	Unavailable    *bool
	SortBy         SortField
	Page           int
	Size           int // 0 = no paging
}

func (o QueryOptions) matchesBook(b domain.Book) bool {
	if o.SeriesID != "" && b.SeriesID != o.SeriesID {
		return false
	}
	if o.LibraryID != "" && b.LibraryID != o.LibraryID {
		return false
	}
	if len(o.DownloadStates) > 0 {
		found := false
		for _, st := range o.DownloadStates {
			if b.Local.Download.State() == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if o.Completed != nil && b.IsRead() != *o.Completed {
		return false
	}
	if o.Unavailable != nil && b.Unavailable != *o.Unavailable {
		return false
	}
	return true
}

// QueryBooks scans an instance's cached books with filter, sort and
// paging. Reads are served from the last committed state.
func (s *Store) QueryBooks(opts QueryOptions) ([]domain.Book, error) {
	var books []domain.Book
	err := s.db.View(func(btx *bolt.Tx) error {
		return scanPrefix(btx, bucketBooks, opts.InstanceID+"_", func(data []byte) error {
			var b domain.Book
			if err := json.Unmarshal(data, &b); err != nil {
				return err
			}
			if opts.matchesBook(b) {
				books = append(books, b)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortBooks(books, opts.SortBy)
	return pageSlice(books, opts.Page, opts.Size), nil
}

// QuerySeries scans an instance's cached series with filter, sort and paging.
func (s *Store) QuerySeries(opts QueryOptions) ([]domain.Series, error) {
	var series []domain.Series
	err := s.db.View(func(btx *bolt.Tx) error {
		return scanPrefix(btx, bucketSeries, opts.InstanceID+"_", func(data []byte) error {
			var r domain.Series
			if err := json.Unmarshal(data, &r); err != nil {
				return err
			}
			if opts.LibraryID != "" && r.LibraryID != opts.LibraryID {
				return nil
			}
			if opts.Unavailable != nil && r.Unavailable != *opts.Unavailable {
				return nil
			}
			series = append(series, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(series, func(i, j int) bool {
		return series[i].Local.SortKey < series[j].Local.SortKey
	})
	return pageSlice(series, opts.Page, opts.Size), nil
}

// BooksBySeries returns the cached child books of a series in number order.
func (s *Store) BooksBySeries(instanceID, seriesID string) ([]domain.Book, error) {
	return s.QueryBooks(QueryOptions{
		InstanceID: instanceID,
		SeriesID:   seriesID,
		SortBy:     SortByNumber,
	})
}

// PendingBooks returns books marked pending, oldest pending-since first.
// This is the download queue's FIFO selection. limit 0 returns all.
func (s *Store) PendingBooks(instanceID string, limit int) ([]domain.Book, error) {
	books, err := s.QueryBooks(QueryOptions{
		InstanceID:     instanceID,
		DownloadStates: []domain.DownloadState{domain.DownloadPending},
		SortBy:         SortByPendingSince,
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(books) > limit {
		books = books[:limit]
	}
	return books, nil
}

// DownloadedBooks returns the instance's fully downloaded books.
func (s *Store) DownloadedBooks(instanceID string) ([]domain.Book, error) {
	return s.QueryBooks(QueryOptions{
		InstanceID:     instanceID,
		DownloadStates: []domain.DownloadState{domain.DownloadDownloaded},
		SortBy:         SortByNumber,
	})
}

// FailedBooks returns the instance's failed downloads.
func (s *Store) FailedBooks(instanceID string) ([]domain.Book, error) {
	return s.QueryBooks(QueryOptions{
		InstanceID:     instanceID,
		DownloadStates: []domain.DownloadState{domain.DownloadFailed},
		SortBy:         SortByNumber,
	})
}

func sortBooks(books []domain.Book, field SortField) {
	switch field {
	case SortByPendingSince:
		sort.Slice(books, func(i, j int) bool {
			pi, pj := books[i].Local.PendingSince, books[j].Local.PendingSince
			switch {
			case pi == nil && pj == nil:
				return books[i].Key < books[j].Key
			case pi == nil:
				return false
			case pj == nil:
				return true
			case pi.Equal(*pj):
				return books[i].Key < books[j].Key
			default:
				return pi.Before(*pj)
			}
		})
	case SortByLastModified:
		sort.Slice(books, func(i, j int) bool {
			return books[i].LastModified.After(books[j].LastModified)
		})
	case SortByName:
		sort.Slice(books, func(i, j int) bool {
			return books[i].Local.SortKey < books[j].Local.SortKey
		})
	default: // SortByNumber
		sort.Slice(books, func(i, j int) bool {
			if books[i].Metadata.NumberSort != books[j].Metadata.NumberSort {
				return books[i].Metadata.NumberSort < books[j].Metadata.NumberSort
			}
			return books[i].Local.SortKey < books[j].Local.SortKey
		})
	}
}

func pageSlice[T any](items []T, page, size int) []T {
	if size <= 0 {
		return items
	}
	start := page * size
	if start >= len(items) {
		return nil
	}
	end := start + size
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}
