package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/folioreader/folio/internal/domain"
	"github.com/folioreader/folio/internal/store"
)

const defaultPageSize = 100

// Reconciler pulls remote catalog state into the local cache. Each page
// of results is applied through a single store transaction, and every
// write preserves the record's locally-owned field family, so a sync
// never clobbers download state or policies and a crash mid-sync leaves
// whole pages rather than torn records.
type Reconciler struct {
	store      *store.Store
	client     domain.CatalogClient
	instanceID string
	pageSize   int
	notifier   *Notifier
	logger     *slog.Logger
}

// NewReconciler creates a reconciler for one server instance. notifier
// may be nil when nobody listens for change events.
func NewReconciler(st *store.Store, client domain.CatalogClient, instanceID string, notifier *Notifier, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:      st,
		client:     client,
		instanceID: instanceID,
		pageSize:   defaultPageSize,
		notifier:   notifier,
		logger:     logger,
	}
}

// SetPageSize overrides the page size used for list endpoints.
func (r *Reconciler) SetPageSize(size int) {
	if size > 0 {
		r.pageSize = size
	}
}

// SyncLibraries refreshes the instance's library list. Libraries no
// longer present on the server are kept but flagged unavailable.
func (r *Reconciler) SyncLibraries(ctx context.Context) error {
	remote, err := r.client.GetLibraries(ctx)
	if err != nil {
		return fmt.Errorf("fetching libraries: %w", err)
	}

	cached, err := r.store.Libraries(r.instanceID)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(remote))

	err = r.store.Update(func(tx *store.Tx) error {
		for _, lib := range remote {
			lib.InstanceID = r.instanceID
			lib.Key = domain.CompositeKey(r.instanceID, lib.RemoteID)
			seen[lib.RemoteID] = true
			if err := tx.PutLibrary(lib); err != nil {
				return err
			}
		}
		for _, lib := range cached {
			if seen[lib.RemoteID] || lib.Unavailable {
				continue
			}
			lib.Unavailable = true
			if err := tx.PutLibrary(lib); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.logger.Info("synced libraries", "instance", r.instanceID, "count", len(remote))
	r.notifier.Notify()
	return nil
}

// SyncSeriesPage applies one page of a library's series and reports
// whether it was the last page.
func (r *Reconciler) SyncSeriesPage(ctx context.Context, libraryID string, page int) (bool, error) {
	result, err := r.client.GetSeriesPage(ctx, libraryID, page, r.pageSize)
	if err != nil {
		return false, fmt.Errorf("fetching series page %d: %w", page, err)
	}
	err = r.store.Update(func(tx *store.Tx) error {
		for _, series := range result.Content {
			series.InstanceID = r.instanceID
			if err := tx.UpsertSeries(series); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	r.notifier.Notify()
	return result.Last, nil
}

// SyncSeries walks all series pages of a library. Each page commits
// before the next is fetched, so an interrupted walk keeps its progress.
func (r *Reconciler) SyncSeries(ctx context.Context, libraryID string) error {
	for page := 0; ; page++ {
		last, err := r.SyncSeriesPage(ctx, libraryID, page)
		if err != nil {
			return err
		}
		if last {
			r.logger.Info("synced series", "instance", r.instanceID, "library", libraryID, "pages", page+1)
			return nil
		}
	}
}

// SyncSeriesDetail refreshes one series. A 404 flags the cached record
// unavailable instead of deleting it, preserving any downloaded books.
func (r *Reconciler) SyncSeriesDetail(ctx context.Context, seriesID string) error {
	series, err := r.client.GetSeries(ctx, seriesID)
	if errors.Is(err, domain.ErrNotFound) {
		return r.markSeriesUnavailable(seriesID)
	}
	if err != nil {
		return fmt.Errorf("fetching series %s: %w", seriesID, err)
	}
	series.InstanceID = r.instanceID
	err = r.store.Update(func(tx *store.Tx) error {
		return tx.UpsertSeries(series)
	})
	if err != nil {
		return err
	}
	r.notifier.Notify()
	return nil
}

// SyncBooksPage applies one page of a series' books and reports whether
// it was the last page.
func (r *Reconciler) SyncBooksPage(ctx context.Context, seriesID string, page int) (bool, error) {
	result, err := r.client.GetBooksPage(ctx, seriesID, page, r.pageSize)
	if err != nil {
		return false, fmt.Errorf("fetching books page %d: %w", page, err)
	}
	err = r.store.Update(func(tx *store.Tx) error {
		for _, book := range result.Content {
			book.InstanceID = r.instanceID
			if err := tx.UpsertBook(book); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	r.notifier.Notify()
	return result.Last, nil
}

// SyncBooks walks all book pages of a series, then stamps the series'
// last-synced time.
func (r *Reconciler) SyncBooks(ctx context.Context, seriesID string) error {
	pages := 0
	for page := 0; ; page++ {
		last, err := r.SyncBooksPage(ctx, seriesID, page)
		if err != nil {
			return err
		}
		pages++
		if last {
			break
		}
	}
	key := domain.CompositeKey(r.instanceID, seriesID)
	err := r.store.UpdateSeriesLocal(key, func(local *domain.SeriesLocalState) {
		local.LastSyncedAt = time.Now()
	})
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	r.logger.Debug("synced books", "instance", r.instanceID, "series", seriesID, "pages", pages)
	return nil
}

// SyncBook refreshes one book. A 404 flags the cached record
// unavailable instead of deleting it.
func (r *Reconciler) SyncBook(ctx context.Context, bookID string) error {
	book, err := r.client.GetBook(ctx, bookID)
	if errors.Is(err, domain.ErrNotFound) {
		return r.markBookUnavailable(bookID)
	}
	if err != nil {
		return fmt.Errorf("fetching book %s: %w", bookID, err)
	}
	book.InstanceID = r.instanceID
	err = r.store.Update(func(tx *store.Tx) error {
		return tx.UpsertBook(book)
	})
	if err != nil {
		return err
	}
	r.notifier.Notify()
	return nil
}

// SyncCollections walks all collection pages.
func (r *Reconciler) SyncCollections(ctx context.Context) error {
	for page := 0; ; page++ {
		result, err := r.client.GetCollectionsPage(ctx, page, r.pageSize)
		if err != nil {
			return fmt.Errorf("fetching collections page %d: %w", page, err)
		}
		err = r.store.Update(func(tx *store.Tx) error {
			for _, col := range result.Content {
				col.InstanceID = r.instanceID
				if err := tx.UpsertCollection(col); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		if result.Last {
			r.notifier.Notify()
			return nil
		}
	}
}

// SyncCollection refreshes one collection; 404 flags it unavailable.
func (r *Reconciler) SyncCollection(ctx context.Context, collectionID string) error {
	col, err := r.client.GetCollection(ctx, collectionID)
	if errors.Is(err, domain.ErrNotFound) {
		key := domain.CompositeKey(r.instanceID, collectionID)
		return r.store.Update(func(tx *store.Tx) error {
			cached, ok, err := tx.GetCollection(key)
			if err != nil || !ok {
				return err
			}
			cached.Unavailable = true
			return tx.UpsertCollection(cached)
		})
	}
	if err != nil {
		return fmt.Errorf("fetching collection %s: %w", collectionID, err)
	}
	col.InstanceID = r.instanceID
	return r.store.Update(func(tx *store.Tx) error {
		return tx.UpsertCollection(col)
	})
}

// SyncReadLists walks all read list pages.
func (r *Reconciler) SyncReadLists(ctx context.Context) error {
	for page := 0; ; page++ {
		result, err := r.client.GetReadListsPage(ctx, page, r.pageSize)
		if err != nil {
			return fmt.Errorf("fetching read lists page %d: %w", page, err)
		}
		err = r.store.Update(func(tx *store.Tx) error {
			for _, rl := range result.Content {
				rl.InstanceID = r.instanceID
				if err := tx.UpsertReadList(rl); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		if result.Last {
			r.notifier.Notify()
			return nil
		}
	}
}

// SyncReadList refreshes one read list; 404 flags it unavailable.
func (r *Reconciler) SyncReadList(ctx context.Context, readListID string) error {
	rl, err := r.client.GetReadList(ctx, readListID)
	if errors.Is(err, domain.ErrNotFound) {
		key := domain.CompositeKey(r.instanceID, readListID)
		return r.store.Update(func(tx *store.Tx) error {
			cached, ok, err := tx.GetReadList(key)
			if err != nil || !ok {
				return err
			}
			cached.Unavailable = true
			return tx.UpsertReadList(cached)
		})
	}
	if err != nil {
		return fmt.Errorf("fetching read list %s: %w", readListID, err)
	}
	rl.InstanceID = r.instanceID
	return r.store.Update(func(tx *store.Tx) error {
		return tx.UpsertReadList(rl)
	})
}

// SyncReadListBooks walks all book pages of a read list, caching the
// member books themselves.
func (r *Reconciler) SyncReadListBooks(ctx context.Context, readListID string) error {
	for page := 0; ; page++ {
		result, err := r.client.GetReadListBooksPage(ctx, readListID, page, r.pageSize)
		if err != nil {
			return fmt.Errorf("fetching read list books page %d: %w", page, err)
		}
		err = r.store.Update(func(tx *store.Tx) error {
			for _, book := range result.Content {
				book.InstanceID = r.instanceID
				if err := tx.UpsertBook(book); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		if result.Last {
			r.notifier.Notify()
			return nil
		}
	}
}

// SyncAll performs a full catalog refresh: libraries, every library's
// series, every series' books, then collections and read lists.
func (r *Reconciler) SyncAll(ctx context.Context) error {
	start := time.Now()
	if err := r.SyncLibraries(ctx); err != nil {
		return err
	}

	libraries, err := r.store.Libraries(r.instanceID)
	if err != nil {
		return err
	}
	for _, lib := range libraries {
		if lib.Unavailable {
			continue
		}
		if err := r.SyncSeries(ctx, lib.RemoteID); err != nil {
			return err
		}
	}

	series, err := r.store.QuerySeries(store.QueryOptions{InstanceID: r.instanceID})
	if err != nil {
		return err
	}
	for _, sr := range series {
		if sr.Unavailable {
			continue
		}
		if err := r.SyncBooks(ctx, sr.RemoteID); err != nil {
			return err
		}
	}

	if err := r.SyncCollections(ctx); err != nil {
		return err
	}
	if err := r.SyncReadLists(ctx); err != nil {
		return err
	}

	r.logger.Info("full sync complete", "instance", r.instanceID, "duration", time.Since(start))
	return nil
}

func (r *Reconciler) markSeriesUnavailable(seriesID string) error {
	key := domain.CompositeKey(r.instanceID, seriesID)
	err := r.store.Update(func(tx *store.Tx) error {
		series, ok, err := tx.GetSeries(key)
		if err != nil || !ok {
			return err
		}
		series.Unavailable = true
		return tx.PutSeries(series)
	})
	if err != nil {
		return err
	}
	r.logger.Warn("series gone on server", "instance", r.instanceID, "series", seriesID)
	r.notifier.Notify()
	return nil
}

func (r *Reconciler) markBookUnavailable(bookID string) error {
	key := domain.CompositeKey(r.instanceID, bookID)
	err := r.store.Update(func(tx *store.Tx) error {
		book, ok, err := tx.GetBook(key)
		if err != nil || !ok {
			return err
		}
		book.Unavailable = true
		return tx.PutBook(book)
	})
	if err != nil {
		return err
	}
	r.logger.Warn("book gone on server", "instance", r.instanceID, "book", bookID)
	r.notifier.Notify()
	return nil
}
