package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/folioreader/folio/internal/domain"
	bolt "go.etcd.io/bbolt"
)

// Bucket names
var (
	bucketBooks       = []byte("books")
	bucketSeries      = []byte("series")
	bucketLibraries   = []byte("libraries")
	bucketCollections = []byte("collections")
	bucketReadLists   = []byte("readlists")
	bucketMutations   = []byte("mutations")
	bucketMeta        = []byte("meta")
)

var allBuckets = [][]byte{
	bucketBooks, bucketSeries, bucketLibraries,
	bucketCollections, bucketReadLists, bucketMutations, bucketMeta,
}

// Store is the persistent entity cache backed by BoltDB. All cached
// entities are keyed by composite key so multiple server instances
// coexist without collision. Bolt serializes write transactions, which
// gives the single-writer discipline the layers above rely on; readers
// see the last committed state.
type Store struct {
	db      *bolt.DB
	dataDir string
	logger  *slog.Logger
}

// Open opens (or creates) the store under dataDir and brings the schema
// to the current version. A migration failure is fatal: the store is
// closed and an error wrapping domain.ErrMigrationFailed is returned.
func Open(dataDir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(dataDir, "folio.db")
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, dataDir: dataDir, logger: logger}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", domain.ErrMigrationFailed, err)
	}

	return s, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Update runs fn inside one write transaction. A whole sync page is
// applied through a single call so a crash mid-batch leaves either the
// whole page visible or none of it.
func (s *Store) Update(fn func(tx *Tx) error) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&Tx{btx: btx})
	})
}

// View runs fn inside one read transaction.
func (s *Store) View(fn func(tx *Tx) error) error {
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&Tx{btx: btx})
	})
}

// === Generic helpers ===

func getJSON(btx *bolt.Tx, bucket []byte, key string, dest interface{}) (bool, error) {
	b := btx.Bucket(bucket)
	if b == nil {
		return false, nil
	}
	v := b.Get([]byte(key))
	if v == nil {
		return false, nil
	}
	if err := json.Unmarshal(v, dest); err != nil {
		return false, fmt.Errorf("failed to decode record %q: %w", key, err)
	}
	return true, nil
}

func putJSON(btx *bolt.Tx, bucket []byte, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return btx.Bucket(bucket).Put([]byte(key), data)
}

func deleteKey(btx *bolt.Tx, bucket []byte, key string) error {
	b := btx.Bucket(bucket)
	if b == nil {
		return nil
	}
	return b.Delete([]byte(key))
}

func deletePrefix(btx *bolt.Tx, bucket []byte, prefix string) error {
	b := btx.Bucket(bucket)
	if b == nil {
		return nil
	}
	c := b.Cursor()
	p := []byte(prefix)
	for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Tx exposes typed operations inside one store transaction.
type Tx struct {
	btx *bolt.Tx
}

// === Books ===

func (t *Tx) GetBook(key string) (domain.Book, bool, error) {
	var b domain.Book
	ok, err := getJSON(t.btx, bucketBooks, key, &b)
	return b, ok, err
}

// PutBook writes the whole record verbatim. Callers owning only the
// local field family should go through UpdateBookLocal instead.
func (t *Tx) PutBook(b domain.Book) error {
	if b.Key == "" {
		b.Key = domain.CompositeKey(b.InstanceID, b.RemoteID)
	}
	return putJSON(t.btx, bucketBooks, b.Key, b)
}

// UpsertBook merges the remote-sourced fields of b into the store,
// preserving the existing record's locally-owned Local state verbatim.
// This is the only write path the Reconciler uses for books.
func (t *Tx) UpsertBook(b domain.Book) error {
	b.Key = domain.CompositeKey(b.InstanceID, b.RemoteID)
	if existing, ok, err := t.GetBook(b.Key); err != nil {
		return err
	} else if ok {
		b.Local = existing.Local
	}
	b.Local.SortKey = domain.SortKeyFor(b.DisplayTitle(), b.Metadata.NumberSort)
	return putJSON(t.btx, bucketBooks, b.Key, b)
}

func (t *Tx) DeleteBook(key string) error {
	return deleteKey(t.btx, bucketBooks, key)
}

// === Series ===

func (t *Tx) GetSeries(key string) (domain.Series, bool, error) {
	var s domain.Series
	ok, err := getJSON(t.btx, bucketSeries, key, &s)
	return s, ok, err
}

func (t *Tx) PutSeries(s domain.Series) error {
	if s.Key == "" {
		s.Key = domain.CompositeKey(s.InstanceID, s.RemoteID)
	}
	return putJSON(t.btx, bucketSeries, s.Key, s)
}

// UpsertSeries merges remote-sourced fields, preserving Local verbatim.
func (t *Tx) UpsertSeries(s domain.Series) error {
	s.Key = domain.CompositeKey(s.InstanceID, s.RemoteID)
	if existing, ok, err := t.GetSeries(s.Key); err != nil {
		return err
	} else if ok {
		s.Local = existing.Local
	}
	if s.Local.Policy == "" {
		s.Local.Policy = domain.PolicyManual
	}
	s.Local.SortKey = domain.SortKeyFor(s.DisplayTitle(), 0)
	return putJSON(t.btx, bucketSeries, s.Key, s)
}

func (t *Tx) DeleteSeries(key string) error {
	return deleteKey(t.btx, bucketSeries, key)
}

// === Libraries ===

func (t *Tx) GetLibrary(key string) (domain.Library, bool, error) {
	var l domain.Library
	ok, err := getJSON(t.btx, bucketLibraries, key, &l)
	return l, ok, err
}

func (t *Tx) PutLibrary(l domain.Library) error {
	if l.Key == "" {
		l.Key = domain.CompositeKey(l.InstanceID, l.RemoteID)
	}
	return putJSON(t.btx, bucketLibraries, l.Key, l)
}

func (t *Tx) DeleteLibrary(key string) error {
	return deleteKey(t.btx, bucketLibraries, key)
}

// === Collections ===

func (t *Tx) GetCollection(key string) (domain.Collection, bool, error) {
	var c domain.Collection
	ok, err := getJSON(t.btx, bucketCollections, key, &c)
	return c, ok, err
}

func (t *Tx) UpsertCollection(c domain.Collection) error {
	c.Key = domain.CompositeKey(c.InstanceID, c.RemoteID)
	return putJSON(t.btx, bucketCollections, c.Key, c)
}

func (t *Tx) DeleteCollection(key string) error {
	return deleteKey(t.btx, bucketCollections, key)
}

// CollectionsByInstance returns all cached collections of an instance.
func (t *Tx) CollectionsByInstance(instanceID string) ([]domain.Collection, error) {
	var out []domain.Collection
	err := scanPrefix(t.btx, bucketCollections, instanceID+"_", func(data []byte) error {
		var c domain.Collection
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		out = append(out, c)
		return nil
	})
	return out, err
}

// === Read lists ===

func (t *Tx) GetReadList(key string) (domain.ReadList, bool, error) {
	var r domain.ReadList
	ok, err := getJSON(t.btx, bucketReadLists, key, &r)
	return r, ok, err
}

func (t *Tx) UpsertReadList(r domain.ReadList) error {
	r.Key = domain.CompositeKey(r.InstanceID, r.RemoteID)
	return putJSON(t.btx, bucketReadLists, r.Key, r)
}

func (t *Tx) DeleteReadList(key string) error {
	return deleteKey(t.btx, bucketReadLists, key)
}

// ReadListsByInstance returns all cached read lists of an instance.
func (t *Tx) ReadListsByInstance(instanceID string) ([]domain.ReadList, error) {
	var out []domain.ReadList
	err := scanPrefix(t.btx, bucketReadLists, instanceID+"_", func(data []byte) error {
		var r domain.ReadList
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

// === Mutations ===

func (t *Tx) PutMutation(m domain.PendingMutation) error {
	if m.Key == "" {
		m.Key = domain.MutationKey(m.InstanceID, m.BookID, m.Kind)
	}
	return putJSON(t.btx, bucketMutations, m.Key, m)
}

func (t *Tx) DeleteMutation(key string) error {
	return deleteKey(t.btx, bucketMutations, key)
}

// === Store-level convenience wrappers ===

func (s *Store) GetBook(key string) (domain.Book, bool, error) {
	var b domain.Book
	var ok bool
	err := s.View(func(tx *Tx) error {
		var err error
		b, ok, err = tx.GetBook(key)
		return err
	})
	return b, ok, err
}

func (s *Store) PutBook(b domain.Book) error {
	return s.Update(func(tx *Tx) error { return tx.PutBook(b) })
}

func (s *Store) GetSeries(key string) (domain.Series, bool, error) {
	var r domain.Series
	var ok bool
	err := s.View(func(tx *Tx) error {
		var err error
		r, ok, err = tx.GetSeries(key)
		return err
	})
	return r, ok, err
}

func (s *Store) GetCollection(key string) (domain.Collection, bool, error) {
	var c domain.Collection
	var ok bool
	err := s.View(func(tx *Tx) error {
		var err error
		c, ok, err = tx.GetCollection(key)
		return err
	})
	return c, ok, err
}

func (s *Store) GetReadList(key string) (domain.ReadList, bool, error) {
	var r domain.ReadList
	var ok bool
	err := s.View(func(tx *Tx) error {
		var err error
		r, ok, err = tx.GetReadList(key)
		return err
	})
	return r, ok, err
}

// UpdateBookLocal mutates only the locally-owned field family of a book
// inside one transaction. This is the write path of the download side;
// it never touches remote-sourced fields.
func (s *Store) UpdateBookLocal(key string, fn func(local *domain.BookLocalState)) error {
	return s.Update(func(tx *Tx) error {
		b, ok, err := tx.GetBook(key)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("book %q: %w", key, domain.ErrNotFound)
		}
		fn(&b.Local)
		return tx.PutBook(b)
	})
}

// UpdateSeriesLocal mutates only the locally-owned field family of a series.
func (s *Store) UpdateSeriesLocal(key string, fn func(local *domain.SeriesLocalState)) error {
	return s.Update(func(tx *Tx) error {
		r, ok, err := tx.GetSeries(key)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("series %q: %w", key, domain.ErrNotFound)
		}
		fn(&r.Local)
		return tx.PutSeries(r)
	})
}

// Libraries returns all cached libraries of an instance.
func (s *Store) Libraries(instanceID string) ([]domain.Library, error) {
	var libs []domain.Library
	err := s.db.View(func(btx *bolt.Tx) error {
		return scanPrefix(btx, bucketLibraries, instanceID+"_", func(data []byte) error {
			var l domain.Library
			if err := json.Unmarshal(data, &l); err != nil {
				return err
			}
			libs = append(libs, l)
			return nil
		})
	})
	return libs, err
}

// PendingMutations returns an instance's queued mutations in creation order.
func (s *Store) PendingMutations(instanceID string) ([]domain.PendingMutation, error) {
	var out []domain.PendingMutation
	err := s.db.View(func(btx *bolt.Tx) error {
		return scanPrefix(btx, bucketMutations, instanceID+"_", func(data []byte) error {
			var m domain.PendingMutation
			if err := json.Unmarshal(data, &m); err != nil {
				return err
			}
			out = append(out, m)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// EnqueueMutation records a deferred remote write, collapsing to
// last-writer-wins per (book, kind).
func (s *Store) EnqueueMutation(m domain.PendingMutation) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	return s.Update(func(tx *Tx) error { return tx.PutMutation(m) })
}

// DeleteMutation durably removes a confirmed mutation.
func (s *Store) DeleteMutation(key string) error {
	return s.Update(func(tx *Tx) error { return tx.DeleteMutation(key) })
}

// ClearInstance removes every cached entity and queued mutation of an
// instance via prefix deletion, in one transaction.
func (s *Store) ClearInstance(instanceID string) error {
	prefix := instanceID + "_"
	return s.db.Update(func(btx *bolt.Tx) error {
		for _, bucket := range [][]byte{
			bucketBooks, bucketSeries, bucketLibraries,
			bucketCollections, bucketReadLists, bucketMutations,
		} {
			if err := deletePrefix(btx, bucket, prefix); err != nil {
				return err
			}
		}
		return nil
	})
}

func scanPrefix(btx *bolt.Tx, bucket []byte, prefix string, fn func(data []byte) error) error {
	b := btx.Bucket(bucket)
	if b == nil {
		return nil
	}
	c := b.Cursor()
	p := []byte(prefix)
	for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
		if err := fn(v); err != nil {
			return err
		}
	}
	return nil
}
