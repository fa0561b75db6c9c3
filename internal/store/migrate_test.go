package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/folioreader/folio/internal/domain"
	"github.com/folioreader/folio/internal/log"
)

// seedV1 writes a version-1 database by hand: flattened progress
// scalars on the book records, schema version 1 in the meta bucket.
func seedV1(t *testing.T, dataDir string, books []map[string]interface{}) {
	t.Helper()
	db, err := bolt.Open(filepath.Join(dataDir, "folio.db"), 0600, nil)
	require.NoError(t, err)
	defer db.Close()

	err = db.Update(func(btx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := btx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		for _, book := range books {
			data, err := json.Marshal(book)
			if err != nil {
				return err
			}
			if err := btx.Bucket(bucketBooks).Put([]byte(book["key"].(string)), data); err != nil {
				return err
			}
		}
		return putJSON(btx, bucketMeta, schemaVersionKey, 1)
	})
	require.NoError(t, err)
}

func TestMigrateFreshStoreGetsCurrentVersion(t *testing.T) {
	s := openTestStore(t)
	version, err := s.readSchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, schemaVersion, version)
}

func TestMigrateV1NestsReadProgress(t *testing.T) {
	dataDir := t.TempDir()
	readDate := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	seedV1(t, dataDir, []map[string]interface{}{
		{
			"key":               "inst-1_b1",
			"remoteId":          "b1",
			"instanceId":        "inst-1",
			"seriesId":          "s1",
			"name":              "b1.cbz",
			"metadata":          map[string]interface{}{"title": "Book One", "numberSort": 1.0},
			"progressPage":      12,
			"progressCompleted": true,
			"progressReadDate":  readDate,
		},
		{
			"key":        "inst-1_b2",
			"remoteId":   "b2",
			"instanceId": "inst-1",
			"seriesId":   "s1",
			"name":       "b2.cbz",
			"metadata":   map[string]interface{}{"title": "Book Two", "numberSort": 2.0},
		},
	})

	s, err := Open(dataDir, log.NullLogger())
	require.NoError(t, err)
	defer s.Close()

	version, err := s.readSchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, schemaVersion, version)

	b1, ok, err := s.GetBook("inst-1_b1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, b1.ReadProgress)
	assert.Equal(t, 12, b1.ReadProgress.Page)
	assert.True(t, b1.ReadProgress.Completed)
	assert.True(t, readDate.Equal(b1.ReadProgress.ReadDate))
	assert.NotEmpty(t, b1.Local.SortKey)

	// A book with no progress scalars stays without progress.
	b2, ok, err := s.GetBook("inst-1_b2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Nil(t, b2.ReadProgress)
}

func TestMigrateClearsSnapshot(t *testing.T) {
	dataDir := t.TempDir()
	seedV1(t, dataDir, []map[string]interface{}{
		{
			"key":        "inst-1_b1",
			"remoteId":   "b1",
			"instanceId": "inst-1",
			"name":       "b1.cbz",
			"metadata":   map[string]interface{}{"title": "Book One"},
		},
	})

	s, err := Open(dataDir, log.NullLogger())
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(filepath.Join(dataDir, snapshotDirName))
	assert.True(t, os.IsNotExist(err))
}

func TestOrphanSnapshotIsDiscardedAtOpen(t *testing.T) {
	dataDir := t.TempDir()
	orphan := filepath.Join(dataDir, snapshotDirName)
	require.NoError(t, os.MkdirAll(orphan, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(orphan, "chunk-00000.json"), []byte("[]"), 0o644))

	s, err := Open(dataDir, log.NullLogger())
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(orphan)
	assert.True(t, os.IsNotExist(err))
}

func TestMigrateV2SortKeyFallsBackToSeriesName(t *testing.T) {
	dataDir := t.TempDir()
	db, err := bolt.Open(filepath.Join(dataDir, "folio.db"), 0600, nil)
	require.NoError(t, err)
	err = db.Update(func(btx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := btx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		series := domain.Series{
			Key:        "inst-1_s1",
			RemoteID:   "s1",
			InstanceID: "inst-1",
			Name:       "Berserk",
		}
		if err := putJSON(btx, bucketSeries, series.Key, series); err != nil {
			return err
		}
		return putJSON(btx, bucketMeta, schemaVersionKey, 2)
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := Open(dataDir, log.NullLogger())
	require.NoError(t, err)
	defer s.Close()

	series, ok, err := s.GetSeries("inst-1_s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.SortKeyFor("Berserk", 0), series.Local.SortKey)
}

func TestMigrateRejectsFutureVersion(t *testing.T) {
	dataDir := t.TempDir()
	db, err := bolt.Open(filepath.Join(dataDir, "folio.db"), 0600, nil)
	require.NoError(t, err)
	err = db.Update(func(btx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := btx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return putJSON(btx, bucketMeta, schemaVersionKey, schemaVersion+1)
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Open(dataDir, log.NullLogger())
	require.ErrorIs(t, err, domain.ErrMigrationFailed)
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := openTestStore(t)
	records := make([]json.RawMessage, 0, snapshotChunkLen+10)
	for i := 0; i < snapshotChunkLen+10; i++ {
		records = append(records, json.RawMessage(`{"n":1}`))
	}

	chunks, err := s.writeSnapshot(records)
	require.NoError(t, err)
	assert.Equal(t, 2, chunks)

	count := 0
	require.NoError(t, s.readSnapshot(chunks, func(json.RawMessage) error {
		count++
		return nil
	}))
	assert.Equal(t, len(records), count)
	require.NoError(t, s.clearSnapshot())
}
