package store

import (
	"encoding/json"
	"time"

	"github.com/folioreader/folio/internal/domain"
	bolt "go.etcd.io/bbolt"
)

// bookRecordV1 is the shape book records had before read progress
// became a nested object. The scalar progress fields sat directly on
// the record.
type bookRecordV1 struct {
	Key                  string              `json:"key"`
	RemoteID             string              `json:"remoteId"`
	InstanceID           string              `json:"instanceId"`
	SeriesID             string              `json:"seriesId"`
	LibraryID            string              `json:"libraryId"`
	Name                 string              `json:"name"`
	URL                  string              `json:"url"`
	Number               float64             `json:"number"`
	Created              time.Time           `json:"created"`
	LastModified         time.Time           `json:"lastModified"`
	SizeBytes            int64               `json:"sizeBytes"`
	Metadata             domain.BookMetadata `json:"metadata"`
	Media                domain.Media        `json:"media"`
	ProgressPage         int                 `json:"progressPage"`
	ProgressCompleted    bool                `json:"progressCompleted"`
	ProgressReadDate     *time.Time          `json:"progressReadDate,omitempty"`
	ProgressLastModified *time.Time          `json:"progressLastModified,omitempty"`
	Local                json.RawMessage     `json:"local,omitempty"`
}

// migrateV1BookProgress folds the flattened progress scalars into the
// nested readProgress object. The books are spilled to a disk snapshot
// first so the rewrite never holds two full copies of the bucket in
// memory.
func migrateV1BookProgress(s *Store, btx *bolt.Tx) error {
	var records []json.RawMessage
	b := btx.Bucket(bucketBooks)
	err := b.ForEach(func(_, v []byte) error {
		rec := make(json.RawMessage, len(v))
		copy(rec, v)
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return err
	}

	chunks, err := s.writeSnapshot(records)
	if err != nil {
		return err
	}
	records = nil

	return s.readSnapshot(chunks, func(rec json.RawMessage) error {
		var old bookRecordV1
		if err := json.Unmarshal(rec, &old); err != nil {
			return err
		}
		book := domain.Book{
			Key:          old.Key,
			RemoteID:     old.RemoteID,
			InstanceID:   old.InstanceID,
			SeriesID:     old.SeriesID,
			LibraryID:    old.LibraryID,
			Name:         old.Name,
			URL:          old.URL,
			Number:       old.Number,
			Created:      old.Created,
			LastModified: old.LastModified,
			SizeBytes:    old.SizeBytes,
			Metadata:     old.Metadata,
			Media:        old.Media,
		}
		if old.ProgressPage > 0 || old.ProgressCompleted {
			progress := &domain.ReadProgress{
				Page:      old.ProgressPage,
				Completed: old.ProgressCompleted,
			}
			if old.ProgressReadDate != nil {
				progress.ReadDate = *old.ProgressReadDate
			}
			if old.ProgressLastModified != nil {
				progress.LastModified = *old.ProgressLastModified
			}
			book.ReadProgress = progress
		}
		if len(old.Local) > 0 {
			if err := json.Unmarshal(old.Local, &book.Local); err != nil {
				return err
			}
		}
		book.Local.SortKey = domain.SortKeyFor(book.DisplayTitle(), book.Metadata.NumberSort)
		return putJSON(btx, bucketBooks, book.Key, book)
	})
}

// migrateV2Availability backfills the availability flag and recomputes
// sort keys in place. Small enough to rewrite without a snapshot.
func migrateV2Availability(s *Store, btx *bolt.Tx) error {
	if err := rewriteBucket(btx, bucketBooks, func(data []byte) (string, interface{}, error) {
		var book domain.Book
		if err := json.Unmarshal(data, &book); err != nil {
			return "", nil, err
		}
		book.Local.SortKey = domain.SortKeyFor(book.DisplayTitle(), book.Metadata.NumberSort)
		return book.Key, book, nil
	}); err != nil {
		return err
	}
	return rewriteBucket(btx, bucketSeries, func(data []byte) (string, interface{}, error) {
		var series domain.Series
		if err := json.Unmarshal(data, &series); err != nil {
			return "", nil, err
		}
		series.Local.SortKey = domain.SortKeyFor(series.DisplayTitle(), 0)
		if !series.Local.Policy.Valid() {
			series.Local.Policy = domain.PolicyManual
		}
		return series.Key, series, nil
	})
}

func rewriteBucket(btx *bolt.Tx, bucket []byte, fn func(data []byte) (string, interface{}, error)) error {
	b := btx.Bucket(bucket)
	var keys [][]byte
	if err := b.ForEach(func(k, _ []byte) error {
		key := make([]byte, len(k))
		copy(key, k)
		keys = append(keys, key)
		return nil
	}); err != nil {
		return err
	}
	for _, k := range keys {
		key, value, err := fn(b.Get(k))
		if err != nil {
			return err
		}
		if err := putJSON(btx, bucket, key, value); err != nil {
			return err
		}
	}
	return nil
}
