package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/folioreader/folio/internal/domain"
	"github.com/folioreader/folio/internal/store"
)

const defaultPageWorkers = 4

// Orchestrator owns the offline transfer queue of one server instance.
// Books download strictly one at a time in pending-since order; within
// a book, page fetches run through a bounded worker pool. All queue
// state lives on the book records themselves, so a crash mid-transfer
// is recoverable from the store alone.
type Orchestrator struct {
	store       *store.Store
	client      domain.CatalogClient
	instanceID  string
	downloadDir string
	pageWorkers int
	logger      *slog.Logger

	trigger chan struct{}
	stop    chan struct{}
	stopped chan struct{}

	mu         sync.Mutex
	activeBook string
	cancelBook context.CancelFunc
}

// NewOrchestrator creates the orchestrator for one instance. Files land
// under downloadDir/<instanceID>/<bookID>/.
func NewOrchestrator(st *store.Store, client domain.CatalogClient, instanceID, downloadDir string, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:       st,
		client:      client,
		instanceID:  instanceID,
		downloadDir: downloadDir,
		pageWorkers: defaultPageWorkers,
		logger:      logger,
		trigger:     make(chan struct{}, 1),
		stop:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
}

// SetPageWorkers overrides the page fetch concurrency within one book.
func (o *Orchestrator) SetPageWorkers(n int) {
	if n > 0 {
		o.pageWorkers = n
	}
}

// Start recovers transfers interrupted by a previous crash, then runs
// the queue loop until ctx is done or Stop is called.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.Recover(); err != nil {
		return err
	}
	go o.run(ctx)
	o.Trigger()
	return nil
}

// Stop shuts the queue loop down and waits for it to finish.
func (o *Orchestrator) Stop() {
	close(o.stop)
	<-o.stopped
}

// Trigger wakes the queue loop. Calls while a wake-up is already
// pending coalesce into one.
func (o *Orchestrator) Trigger() {
	select {
	case o.trigger <- struct{}{}:
	default:
	}
}

// Request queues a book for download. Books already queued, in flight
// or downloaded are left as they are.
func (o *Orchestrator) Request(bookKey string) error {
	err := o.store.UpdateBookLocal(bookKey, func(local *domain.BookLocalState) {
		switch local.Download.State() {
		case domain.DownloadNotDownloaded, domain.DownloadFailed:
			now := time.Now()
			local.Download = domain.Pending()
			local.PendingSince = &now
		}
	})
	if err != nil {
		return err
	}
	o.Trigger()
	return nil
}

// Cancel aborts a queued or in-flight download. An in-flight transfer
// is interrupted and its partial files removed; a queued book simply
// leaves the queue.
func (o *Orchestrator) Cancel(bookKey string) error {
	o.mu.Lock()
	if o.activeBook == bookKey && o.cancelBook != nil {
		o.cancelBook()
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	return o.store.UpdateBookLocal(bookKey, func(local *domain.BookLocalState) {
		if local.Download.State() == domain.DownloadPending {
			local.Download = domain.NotDownloaded()
			local.PendingSince = nil
		}
	})
}

// Remove deletes a book's local files and resets its download state.
// An in-flight transfer is cancelled first.
func (o *Orchestrator) Remove(bookKey string) error {
	if err := o.Cancel(bookKey); err != nil {
		return err
	}
	book, ok, err := o.store.GetBook(bookKey)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("book %q: %w", bookKey, domain.ErrNotFound)
	}
	if err := removeBookDir(o.downloadDir, o.instanceID, book.RemoteID); err != nil {
		return err
	}
	return o.store.UpdateBookLocal(bookKey, func(local *domain.BookLocalState) {
		local.Download = domain.NotDownloaded()
		local.PendingSince = nil
		local.DownloadedAt = nil
		local.DownloadedSize = 0
		local.Pages = nil
	})
}

// Recover requeues books a previous process left mid-transfer. Their
// queue position is preserved when known.
func (o *Orchestrator) Recover() error {
	stuck, err := o.store.QueryBooks(store.QueryOptions{
		InstanceID:     o.instanceID,
		DownloadStates: []domain.DownloadState{domain.DownloadDownloading},
	})
	if err != nil {
		return err
	}
	for _, book := range stuck {
		o.logger.Warn("requeueing interrupted download", "book", book.RemoteID)
		err := o.store.UpdateBookLocal(book.Key, func(local *domain.BookLocalState) {
			local.Download = domain.Pending()
			if local.PendingSince == nil {
				now := time.Now()
				local.PendingSince = &now
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ApplyPolicy evaluates a series' offline policy and applies the
// resulting queue and cleanup actions.
func (o *Orchestrator) ApplyPolicy(seriesKey string) error {
	series, ok, err := o.store.GetSeries(seriesKey)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("series %q: %w", seriesKey, domain.ErrNotFound)
	}
	books, err := o.store.BooksBySeries(o.instanceID, series.RemoteID)
	if err != nil {
		return err
	}

	actions := Evaluate(series.Local.Policy, series.Local.PolicyLimit, books)
	for _, key := range actions.Remove {
		if err := o.Remove(key); err != nil {
			return err
		}
	}
	for _, key := range actions.MarkPending {
		if err := o.Request(key); err != nil {
			return err
		}
	}
	if len(actions.MarkPending) > 0 || len(actions.Remove) > 0 {
		o.logger.Info("applied offline policy", "series", series.RemoteID,
			"policy", series.Local.Policy, "queued", len(actions.MarkPending), "removed", len(actions.Remove))
	}
	return nil
}

// DownloadSeries queues every book of a series that is not already
// downloaded or in flight.
func (o *Orchestrator) DownloadSeries(seriesKey string) error {
	books, err := o.seriesBooks(seriesKey)
	if err != nil {
		return err
	}
	for _, book := range books {
		if book.Unavailable {
			continue
		}
		if err := o.Request(book.Key); err != nil {
			return err
		}
	}
	return nil
}

// RemoveSeries deletes the local files of every book in a series and
// clears the queue of any of its pending books.
func (o *Orchestrator) RemoveSeries(seriesKey string) error {
	books, err := o.seriesBooks(seriesKey)
	if err != nil {
		return err
	}
	for _, book := range books {
		if book.Local.Download.State() == domain.DownloadNotDownloaded {
			continue
		}
		if err := o.Remove(book.Key); err != nil {
			return err
		}
	}
	return nil
}

// ToggleSeries downloads the series when any book is missing locally,
// and removes it entirely when everything is already downloaded.
func (o *Orchestrator) ToggleSeries(seriesKey string) error {
	books, err := o.seriesBooks(seriesKey)
	if err != nil {
		return err
	}
	allDownloaded := len(books) > 0
	for _, book := range books {
		if book.Local.Download.State() != domain.DownloadDownloaded {
			allDownloaded = false
			break
		}
	}
	if allDownloaded {
		return o.RemoveSeries(seriesKey)
	}
	return o.DownloadSeries(seriesKey)
}

// RetryFailed requeues a series' failed downloads.
func (o *Orchestrator) RetryFailed(seriesKey string) error {
	books, err := o.seriesBooks(seriesKey)
	if err != nil {
		return err
	}
	for _, book := range books {
		if book.Local.Download.State() != domain.DownloadFailed {
			continue
		}
		if err := o.Request(book.Key); err != nil {
			return err
		}
	}
	return nil
}

// CancelFailed clears a series' failed downloads back to
// not-downloaded without requeueing them.
func (o *Orchestrator) CancelFailed(seriesKey string) error {
	books, err := o.seriesBooks(seriesKey)
	if err != nil {
		return err
	}
	for _, book := range books {
		if book.Local.Download.State() != domain.DownloadFailed {
			continue
		}
		err := o.store.UpdateBookLocal(book.Key, func(local *domain.BookLocalState) {
			local.Download = domain.NotDownloaded()
			local.PendingSince = nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// DeleteReadBooks removes the downloaded files of a series' books the
// server reports as completed.
func (o *Orchestrator) DeleteReadBooks(seriesKey string) error {
	books, err := o.seriesBooks(seriesKey)
	if err != nil {
		return err
	}
	for _, book := range books {
		if !book.IsRead() || book.Local.Download.State() != domain.DownloadDownloaded {
			continue
		}
		if err := o.Remove(book.Key); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) seriesBooks(seriesKey string) ([]domain.Book, error) {
	series, ok, err := o.store.GetSeries(seriesKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("series %q: %w", seriesKey, domain.ErrNotFound)
	}
	return o.store.BooksBySeries(o.instanceID, series.RemoteID)
}

// RemoveInstanceData deletes every downloaded file of the instance.
func (o *Orchestrator) RemoveInstanceData() error {
	return os.RemoveAll(filepath.Join(o.downloadDir, o.instanceID))
}

func (o *Orchestrator) run(ctx context.Context) {
	defer close(o.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stop:
			return
		case <-o.trigger:
			o.drainQueue(ctx)
		}
	}
}

// drainQueue transfers pending books one at a time until the queue is
// empty. Books queued while a transfer runs are picked up by the next
// iteration, not by a second worker.
func (o *Orchestrator) drainQueue(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stop:
			return
		default:
		}

		pending, err := o.store.PendingBooks(o.instanceID, 1)
		if err != nil {
			o.logger.Error("reading download queue", "error", err)
			return
		}
		if len(pending) == 0 {
			return
		}
		o.downloadBook(ctx, pending[0])
	}
}

func (o *Orchestrator) downloadBook(ctx context.Context, book domain.Book) {
	bookCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.activeBook = book.Key
	o.cancelBook = cancel
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		o.activeBook = ""
		o.cancelBook = nil
		o.mu.Unlock()
	}()

	claimed, err := o.claimBook(book.Key)
	if err != nil {
		o.logger.Error("marking download start", "book", book.RemoteID, "error", err)
		return
	}
	if !claimed {
		// Cancelled between the queue read and here; leave it alone.
		return
	}
	o.logger.Info("downloading book", "book", book.RemoteID, "title", book.DisplayTitle())

	err = o.fetchBook(bookCtx, book)
	switch {
	case err == nil:
		o.finishBook(book)
	case ctx.Err() != nil:
		// Process shutdown: leave the record in downloading state so
		// Recover requeues it on the next start.
	case errors.Is(err, context.Canceled):
		o.logger.Info("download cancelled", "book", book.RemoteID)
		o.abortBook(book, nil)
	default:
		o.logger.Error("download failed", "book", book.RemoteID, "error", err)
		o.abortBook(book, err)
	}
}

func (o *Orchestrator) finishBook(book domain.Book) {
	size, err := dirSize(bookDir(o.downloadDir, o.instanceID, book.RemoteID))
	if err != nil {
		o.logger.Error("measuring downloaded book", "book", book.RemoteID, "error", err)
		o.abortBook(book, err)
		return
	}
	now := time.Now()
	err = o.store.UpdateBookLocal(book.Key, func(local *domain.BookLocalState) {
		local.Download = domain.Downloaded(size)
		local.PendingSince = nil
		local.DownloadedAt = &now
		local.DownloadedSize = size
	})
	if err != nil {
		o.logger.Error("marking download complete", "book", book.RemoteID, "error", err)
		return
	}
	o.logger.Info("downloaded book", "book", book.RemoteID, "bytes", size)
}

// abortBook removes partial files. A nil cause means user cancellation
// and resets to not-downloaded; otherwise the failure is recorded.
func (o *Orchestrator) abortBook(book domain.Book, cause error) {
	if err := removeBookDir(o.downloadDir, o.instanceID, book.RemoteID); err != nil {
		o.logger.Error("removing partial download", "book", book.RemoteID, "error", err)
	}
	err := o.store.UpdateBookLocal(book.Key, func(local *domain.BookLocalState) {
		if cause == nil {
			local.Download = domain.NotDownloaded()
		} else {
			local.Download = domain.Failed(cause.Error())
		}
		local.PendingSince = nil
		local.DownloadedAt = nil
		local.DownloadedSize = 0
	})
	if err != nil {
		o.logger.Error("marking download aborted", "book", book.RemoteID, "error", err)
	}
}

func (o *Orchestrator) fetchBook(ctx context.Context, book domain.Book) error {
	dir := bookDir(o.downloadDir, o.instanceID, book.RemoteID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if book.Media.IsEpub() {
		return o.fetchBookFile(ctx, book, dir)
	}
	return o.fetchBookPages(ctx, book, dir)
}

// fetchBookFile downloads an EPUB book as its single source file.
func (o *Orchestrator) fetchBookFile(ctx context.Context, book domain.Book, dir string) error {
	target := filepath.Join(dir, bookFileName(book))
	if _, err := os.Stat(target); err == nil {
		return nil
	}
	data, err := o.client.GetBookFile(ctx, book.RemoteID)
	if err != nil {
		return err
	}
	return writeFileAtomic(target, data)
}

// fetchBookPages downloads an image book page by page through the
// bounded pool. Pages already on disk from an earlier attempt are
// skipped, which is what makes interrupted transfers resumable.
func (o *Orchestrator) fetchBookPages(ctx context.Context, book domain.Book, dir string) error {
	pages := book.Local.Pages
	if len(pages) == 0 {
		fetched, err := o.client.GetBookPages(ctx, book.RemoteID)
		if err != nil {
			return err
		}
		pages = fetched
		err = o.store.UpdateBookLocal(book.Key, func(local *domain.BookLocalState) {
			local.Pages = fetched
		})
		if err != nil {
			return err
		}
	}
	if len(pages) == 0 {
		return fmt.Errorf("book %s has no pages", book.RemoteID)
	}

	var done atomic.Int64
	total := int64(len(pages))

	p := pool.New().
		WithMaxGoroutines(o.pageWorkers).
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError()
	for _, page := range pages {
		page := page
		p.Go(func(ctx context.Context) error {
			target := filepath.Join(dir, pageFileName(page))
			if _, err := os.Stat(target); err == nil {
				done.Add(1)
				return nil
			}
			data, err := o.client.GetBookPageImage(ctx, book.RemoteID, page.Number)
			if err != nil {
				return fmt.Errorf("page %d: %w", page.Number, err)
			}
			if err := writeFileAtomic(target, data); err != nil {
				return err
			}
			n := done.Add(1)
			return o.setStatus(book.Key, domain.Downloading(float64(n)/float64(total)))
		})
	}
	return p.Wait()
}

// claimBook transitions a book from pending to downloading. It reports
// false when the book left the queue since it was read, which happens
// when a cancel races the queue loop.
func (o *Orchestrator) claimBook(bookKey string) (bool, error) {
	claimed := false
	err := o.store.UpdateBookLocal(bookKey, func(local *domain.BookLocalState) {
		if local.Download.IsPending() {
			local.Download = domain.Downloading(0)
			claimed = true
		}
	})
	return claimed, err
}

func (o *Orchestrator) setStatus(bookKey string, status domain.DownloadStatus) error {
	return o.store.UpdateBookLocal(bookKey, func(local *domain.BookLocalState) {
		local.Download = status
	})
}
