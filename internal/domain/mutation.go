package domain

import (
	"encoding/json"
	"time"
)

// MutationKind identifies the remote write a pending mutation replays.
type MutationKind string

const (
	// MutationPageProgress sets the page-based read position of a book.
	MutationPageProgress MutationKind = "pageProgress"
	// MutationProgression sets the EPUB locator-based progression of a book.
	MutationProgression MutationKind = "progression"
)

// PendingMutation is a durable record of one deferred remote write,
// created while offline (or speculatively) and deleted only after the
// server confirms the write. A newer mutation for the same (book, kind)
// supersedes an older unsent one, so the queue holds at most one record
// per pair.
type PendingMutation struct {
	Key        string       `json:"key"` // instanceID_bookID_kind
	InstanceID string       `json:"instanceId"`
	BookID     string       `json:"bookId"` // Remote book id
	SeriesID   string       `json:"seriesId"`
	Kind       MutationKind `json:"kind"`

	// Page-progress payload.
	Page      int  `json:"page,omitempty"`
	Completed bool `json:"completed,omitempty"`

	// Progression payload, passed through opaquely to the server.
	Progression json.RawMessage `json:"progression,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// MutationKey derives the queue key collapsing duplicates per (book, kind).
func MutationKey(instanceID, bookID string, kind MutationKind) string {
	return instanceID + "_" + bookID + "_" + string(kind)
}
