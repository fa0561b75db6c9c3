package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

const (
	schemaVersion    = 3
	schemaVersionKey = "schemaVersion"
	snapshotDirName  = "migration-snapshot"
	snapshotChunkLen = 500
)

// migrationStep rewrites the cache from one schema version to the next.
// Each step runs inside a single write transaction so a crash mid-step
// leaves the previous version intact.
type migrationStep struct {
	from, to int
	run      func(s *Store, btx *bolt.Tx) error
}

var migrationSteps = []migrationStep{
	{from: 1, to: 2, run: migrateV1BookProgress},
	{from: 2, to: 3, run: migrateV2Availability},
}

// migrate brings the cache schema up to the current version. Any error
// is fatal to Open; the caller must not use a store whose migration
// failed. A snapshot directory left over from an interrupted run is
// discarded before anything else, since its originating transaction
// rolled back.
func (s *Store) migrate() error {
	if err := s.discardOrphanSnapshot(); err != nil {
		return err
	}

	version, err := s.readSchemaVersion()
	if err != nil {
		return err
	}
	if version == 0 {
		// Fresh cache, nothing to rewrite.
		return s.writeSchemaVersion(schemaVersion)
	}
	if version > schemaVersion {
		return fmt.Errorf("cache schema version %d is newer than supported version %d", version, schemaVersion)
	}

	for version < schemaVersion {
		step, ok := stepFrom(version)
		if !ok {
			return fmt.Errorf("no migration path from schema version %d", version)
		}
		s.logger.Info("migrating cache schema", "from", step.from, "to", step.to)
		err := s.db.Update(func(btx *bolt.Tx) error {
			if err := step.run(s, btx); err != nil {
				return err
			}
			return putJSON(btx, bucketMeta, schemaVersionKey, step.to)
		})
		// The snapshot is only valid while its transaction is in
		// flight; clear it whether the step committed or rolled back.
		if cerr := s.clearSnapshot(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("migrating schema %d to %d: %w", step.from, step.to, err)
		}
		version = step.to
	}
	return nil
}

func stepFrom(version int) (migrationStep, bool) {
	for _, step := range migrationSteps {
		if step.from == version {
			return step, true
		}
	}
	return migrationStep{}, false
}

func (s *Store) readSchemaVersion() (int, error) {
	var version int
	err := s.db.View(func(btx *bolt.Tx) error {
		_, err := getJSON(btx, bucketMeta, schemaVersionKey, &version)
		return err
	})
	return version, err
}

func (s *Store) writeSchemaVersion(version int) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return putJSON(btx, bucketMeta, schemaVersionKey, version)
	})
}

// snapshotDir holds the chunk files a migration step spills records
// into while it rewrites them. It lives next to the database file.
func (s *Store) snapshotDir() string {
	return filepath.Join(s.dataDir, snapshotDirName)
}

func (s *Store) discardOrphanSnapshot() error {
	dir := s.snapshotDir()
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	s.logger.Warn("discarding interrupted migration snapshot", "dir", dir)
	return os.RemoveAll(dir)
}

func (s *Store) clearSnapshot() error {
	return os.RemoveAll(s.snapshotDir())
}

// writeSnapshot spills raw records to numbered JSON chunk files and
// returns the number of chunks written.
func (s *Store) writeSnapshot(records []json.RawMessage) (int, error) {
	dir := s.snapshotDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	chunks := 0
	for start := 0; start < len(records); start += snapshotChunkLen {
		end := start + snapshotChunkLen
		if end > len(records) {
			end = len(records)
		}
		data, err := json.Marshal(records[start:end])
		if err != nil {
			return chunks, err
		}
		name := filepath.Join(dir, fmt.Sprintf("chunk-%05d.json", chunks))
		if err := os.WriteFile(name, data, 0o644); err != nil {
			return chunks, err
		}
		chunks++
	}
	return chunks, nil
}

// readSnapshot streams records back chunk by chunk in written order.
func (s *Store) readSnapshot(chunks int, fn func(json.RawMessage) error) error {
	dir := s.snapshotDir()
	for i := 0; i < chunks; i++ {
		name := filepath.Join(dir, fmt.Sprintf("chunk-%05d.json", i))
		data, err := os.ReadFile(name)
		if err != nil {
			return err
		}
		var records []json.RawMessage
		if err := json.Unmarshal(data, &records); err != nil {
			return fmt.Errorf("snapshot chunk %d: %w", i, err)
		}
		for _, rec := range records {
			if err := fn(rec); err != nil {
				return err
			}
		}
	}
	return nil
}
