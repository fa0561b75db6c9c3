package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/folioreader/folio/internal/domain"
	"github.com/folioreader/folio/internal/store"
)

// ErrDrainInProgress is returned when a drain is requested while an
// earlier one is still running.
var ErrDrainInProgress = errors.New("mutation drain already in progress")

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Sent    int
	Skipped int
}

// MutationQueue replays deferred remote writes. Mutations are recorded
// durably at enqueue time and deleted one by one only after the server
// confirms them, so a crash between the two leaves the mutation queued
// and replay stays safe because the remote writes are idempotent. At
// most one drain runs at a time.
type MutationQueue struct {
	store      *store.Store
	client     domain.CatalogClient
	reconciler *Reconciler
	instanceID string
	draining   atomic.Bool
	logger     *slog.Logger
}

// NewMutationQueue creates the queue for one server instance. The
// reconciler is used to refresh affected records after a drain; it may
// be nil in tests that only exercise queue mechanics.
func NewMutationQueue(st *store.Store, client domain.CatalogClient, reconciler *Reconciler, instanceID string, logger *slog.Logger) *MutationQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &MutationQueue{
		store:      st,
		client:     client,
		reconciler: reconciler,
		instanceID: instanceID,
		logger:     logger,
	}
}

// EnqueuePageProgress records a page-based read position for later
// replay. A newer position for the same book overwrites the queued one.
func (q *MutationQueue) EnqueuePageProgress(bookID, seriesID string, page int, completed bool) error {
	return q.store.EnqueueMutation(domain.PendingMutation{
		InstanceID: q.instanceID,
		BookID:     bookID,
		SeriesID:   seriesID,
		Kind:       domain.MutationPageProgress,
		Page:       page,
		Completed:  completed,
	})
}

// EnqueueProgression records an EPUB progression payload for later replay.
func (q *MutationQueue) EnqueueProgression(bookID, seriesID string, progression json.RawMessage) error {
	return q.store.EnqueueMutation(domain.PendingMutation{
		InstanceID:  q.instanceID,
		BookID:      bookID,
		SeriesID:    seriesID,
		Kind:        domain.MutationProgression,
		Progression: progression,
	})
}

// Len reports how many mutations are queued.
func (q *MutationQueue) Len() (int, error) {
	pending, err := q.store.PendingMutations(q.instanceID)
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}

// Drain replays queued mutations in creation order. Each confirmed
// mutation is deleted before the next is attempted. A mutation the
// server rejects for its own sake is skipped and left queued; an
// unreachable or unauthorized server aborts the pass since every
// remaining send would fail too. After the pass, records touched by
// confirmed writes are refreshed from the server, series deduplicated.
func (q *MutationQueue) Drain(ctx context.Context) (DrainResult, error) {
	if !q.draining.CompareAndSwap(false, true) {
		return DrainResult{}, ErrDrainInProgress
	}
	defer q.draining.Store(false)

	pending, err := q.store.PendingMutations(q.instanceID)
	if err != nil {
		return DrainResult{}, err
	}
	if len(pending) == 0 {
		return DrainResult{}, nil
	}
	q.logger.Info("draining mutations", "instance", q.instanceID, "queued", len(pending))

	var result DrainResult
	var sentBooks []string
	completedSeries := make(map[string]bool)

	for _, m := range pending {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := q.send(ctx, m); err != nil {
			if errors.Is(err, domain.ErrServerOffline) || errors.Is(err, domain.ErrAuthFailed) {
				return result, err
			}
			q.logger.Warn("mutation rejected, leaving queued",
				"book", m.BookID, "kind", m.Kind, "error", err)
			result.Skipped++
			continue
		}
		if err := q.store.DeleteMutation(m.Key); err != nil {
			return result, fmt.Errorf("deleting confirmed mutation %s: %w", m.Key, err)
		}
		result.Sent++
		sentBooks = append(sentBooks, m.BookID)
		if m.Kind == domain.MutationPageProgress && m.Completed && m.SeriesID != "" {
			completedSeries[m.SeriesID] = true
		}
	}

	q.resync(ctx, sentBooks, completedSeries)
	q.logger.Info("drain complete", "instance", q.instanceID, "sent", result.Sent, "skipped", result.Skipped)
	return result, nil
}

func (q *MutationQueue) send(ctx context.Context, m domain.PendingMutation) error {
	switch m.Kind {
	case domain.MutationPageProgress:
		return q.client.UpdateReadProgress(ctx, m.BookID, m.Page, m.Completed)
	case domain.MutationProgression:
		return q.client.UpdateProgression(ctx, m.BookID, m.Progression)
	default:
		return fmt.Errorf("unknown mutation kind %q", m.Kind)
	}
}

// resync refreshes the books whose writes were confirmed, and the series
// of books marked completed, so read counts match the server again.
// Refresh failures are logged, not returned: the mutations themselves
// already succeeded.
func (q *MutationQueue) resync(ctx context.Context, bookIDs []string, seriesIDs map[string]bool) {
	if q.reconciler == nil {
		return
	}
	for _, bookID := range bookIDs {
		if err := q.reconciler.SyncBook(ctx, bookID); err != nil {
			q.logger.Warn("post-drain book refresh failed", "book", bookID, "error", err)
		}
	}
	for seriesID := range seriesIDs {
		if err := q.reconciler.SyncSeriesDetail(ctx, seriesID); err != nil {
			q.logger.Warn("post-drain series refresh failed", "series", seriesID, "error", err)
		}
	}
}
