package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/kingsroom/tourney-scraper/pkg/log"
	"github.com/kingsroom/tourney-scraper/pkg/models"
	"github.com/kingsroom/tourney-scraper/pkg/utils"
)

const (
	recordKeyPrefix = "rec:"       // URL state records, by identifier
	blobKeyPrefix   = "blob:"      // Raw bodies, by blob key
	venueKeyPrefix  = "venue:"     // Reference venues, venue:<entity>:<id>
	stateDBDir      = "tourney_db" // Subdirectory name within stateDir for Badger DB files
)

// BadgerStore implements RecordStore, BlobStore and VenueStore on one BadgerDB
type BadgerStore struct {
	db       *badger.DB
	log      *logrus.Entry
	blobTTL  time.Duration
	inMemory bool
}

// BadgerOptions configures NewBadgerStore
type BadgerOptions struct {
	StateDir string
	InMemory bool          // No files are written; used by tests and dry runs
	BlobTTL  time.Duration // 0 = blobs never expire
}

// NewBadgerStore opens (or creates) the state database
func NewBadgerStore(opts BadgerOptions, logger *logrus.Entry) (*BadgerStore, error) {
	store := &BadgerStore{
		log:      logger,
		blobTTL:  opts.BlobTTL,
		inMemory: opts.InMemory,
	}

	var bopts badger.Options
	if opts.InMemory {
		logger.Info("Initializing in-memory state database")
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		dbPath := filepath.Join(opts.StateDir, stateDBDir)
		logger.Infof("Initializing state database at: %s", dbPath)
		if err := os.MkdirAll(dbPath, 0755); err != nil {
			return nil, fmt.Errorf("cannot create state directory %s: %w", dbPath, err)
		}
		bopts = badger.DefaultOptions(dbPath)
	}
	bopts = bopts.
		WithLogger(log.NewBadgerLogrusAdapter(logger)).
		WithNumVersionsToKeep(1)

	var err error
	store.db, err = badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("%w: open badger database: %w", utils.ErrDatabase, err)
	}
	return store, nil
}

const maxConflictRetries = 10

// dbUpdate wraps db.Update with a retry loop for BadgerDB transaction conflicts.
// Concurrent MVCC transactions on the same record return badger.ErrConflict;
// the retried transaction observes the winner's write.
func (s *BadgerStore) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := range maxConflictRetries {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrDatabase, maxConflictRetries)
}

func readRecord(txn *badger.Txn, key []byte) (*models.URLRecord, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get '%s': %w", utils.ErrDatabase, key, err)
	}
	var rec models.URLRecord
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: decode record '%s' JSON: %w", utils.ErrParsing, key, err)
	}
	return &rec, nil
}

func writeRecord(txn *badger.Txn, key []byte, rec *models.URLRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: encode record '%s' JSON: %w", utils.ErrParsing, key, err)
	}
	return txn.Set(key, data)
}

// GetRecord implements RecordStore
func (s *BadgerStore) GetRecord(_ context.Context, id string) (*models.URLRecord, error) {
	var rec *models.URLRecord
	err := s.db.View(func(txn *badger.Txn) error {
		var errGet error
		rec, errGet = readRecord(txn, []byte(recordKeyPrefix+id))
		return errGet
	})
	return rec, err
}

// CreateRecord implements RecordStore
func (s *BadgerStore) CreateRecord(_ context.Context, rec *models.URLRecord) error {
	key := []byte(recordKeyPrefix + rec.ID)
	err := s.dbUpdate(func(txn *badger.Txn) error {
		_, errGet := txn.Get(key)
		if errGet == nil {
			return ErrRecordExists
		}
		if !errors.Is(errGet, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: get '%s': %w", utils.ErrDatabase, key, errGet)
		}
		return writeRecord(txn, key, rec)
	})
	if err != nil && !errors.Is(err, ErrRecordExists) {
		s.log.WithField("id", rec.ID).Errorf("DB Update error in CreateRecord: %v", err)
	}
	return err
}

// UpdateRecord implements RecordStore
func (s *BadgerStore) UpdateRecord(_ context.Context, id string, mutate func(*models.URLRecord) error) (*models.URLRecord, error) {
	key := []byte(recordKeyPrefix + id)
	var updated *models.URLRecord
	err := s.dbUpdate(func(txn *badger.Txn) error {
		rec, errRead := readRecord(txn, key)
		if errRead != nil {
			return errRead
		}
		if errMut := mutate(rec); errMut != nil {
			return errMut
		}
		updated = rec
		return writeRecord(txn, key, rec)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListRecords implements RecordStore
func (s *BadgerStore) ListRecords(ctx context.Context, fn func(*models.URLRecord) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(recordKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var rec models.URLRecord
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err != nil {
				s.log.Warnf("Skipping undecodable record '%s': %v", item.Key(), err)
				continue
			}
			if err := fn(&rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// PutBlob implements BlobStore
func (s *BadgerStore) PutBlob(_ context.Context, key string, body []byte) error {
	entry := badger.NewEntry([]byte(blobKeyPrefix+key), body)
	if s.blobTTL > 0 {
		entry = entry.WithTTL(s.blobTTL)
	}
	if err := s.dbUpdate(func(txn *badger.Txn) error { return txn.SetEntry(entry) }); err != nil {
		return fmt.Errorf("%w: put blob '%s': %w", utils.ErrDatabase, key, err)
	}
	return nil
}

// GetBlob implements BlobStore
func (s *BadgerStore) GetBlob(_ context.Context, key string) ([]byte, error) {
	var body []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, errGet := txn.Get([]byte(blobKeyPrefix + key))
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			return ErrBlobNotFound
		}
		if errGet != nil {
			return fmt.Errorf("%w: get blob '%s': %w", utils.ErrDatabase, key, errGet)
		}
		var errVal error
		body, errVal = item.ValueCopy(nil)
		return errVal
	})
	return body, err
}

func venueKey(entityID, venueID string) []byte {
	return []byte(venueKeyPrefix + entityID + ":" + venueID)
}

// PutVenue implements VenueStore
func (s *BadgerStore) PutVenue(_ context.Context, venue models.Venue) error {
	if venue.ID == "" || venue.EntityID == "" {
		return fmt.Errorf("%w: venue needs id and entity_id", utils.ErrInvalidInput)
	}
	data, err := json.Marshal(venue)
	if err != nil {
		return fmt.Errorf("%w: encode venue JSON: %w", utils.ErrParsing, err)
	}
	return s.dbUpdate(func(txn *badger.Txn) error {
		return txn.Set(venueKey(venue.EntityID, venue.ID), data)
	})
}

// ListVenues implements VenueStore
func (s *BadgerStore) ListVenues(ctx context.Context, entityID string) ([]models.Venue, error) {
	var venues []models.Venue
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(venueKeyPrefix + entityID + ":")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var v models.Venue
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &v) }); err != nil {
				return fmt.Errorf("%w: decode venue JSON: %w", utils.ErrParsing, err)
			}
			venues = append(venues, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(venues, func(i, j int) bool {
		if venues[i].SortOrder != venues[j].SortOrder {
			return venues[i].SortOrder < venues[j].SortOrder
		}
		return venues[i].ID < venues[j].ID
	})
	return venues, nil
}

// RunGC implements StoreAdmin
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	if s.inMemory {
		return // value log GC is not supported in memory mode
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Debug("BadgerDB GC goroutine started.")

	for {
		select {
		case <-ticker.C:
			if s.db == nil || s.db.IsClosed() {
				continue
			}
			var err error
			for err == nil {
				// Rewrite while at least half of a value log file is reclaimable
				err = s.db.RunValueLogGC(0.5)
			}
			if !errors.Is(err, badger.ErrNoRewrite) {
				s.log.Errorf("BadgerDB GC error: %v", err)
			}
		case <-ctx.Done():
			s.log.Debugf("Stopping BadgerDB GC goroutine: %v", ctx.Err())
			return
		}
	}
}

// Close implements StoreAdmin
func (s *BadgerStore) Close() error {
	if s.db == nil || s.db.IsClosed() {
		return nil
	}
	if err := s.db.Close(); err != nil {
		s.log.Errorf("Error closing state DB: %v", err)
		return err
	}
	s.log.Debug("State DB closed.")
	return nil
}
