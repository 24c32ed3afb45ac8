package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kingsroom/tourney-scraper/pkg/config"
)

// Stores bundles the backends selected by configuration
type Stores struct {
	Records RecordStore
	Blobs   BlobStore
	Venues  VenueStore

	admins  []StoreAdmin
	closers []func() error
}

// Open builds the record, blob and venue backends named in cfg.
// Badger is opened at most once and shared by every role that selects it.
func Open(ctx context.Context, cfg config.StorageConfig, logger *logrus.Entry) (*Stores, error) {
	s := &Stores{}
	var badgerStore *BadgerStore
	openBadger := func() (*BadgerStore, error) {
		if badgerStore != nil {
			return badgerStore, nil
		}
		bs, err := NewBadgerStore(BadgerOptions{StateDir: cfg.StateDir, InMemory: cfg.InMemory, BlobTTL: cfg.BlobTTL}, logger)
		if err != nil {
			return nil, err
		}
		badgerStore = bs
		s.admins = append(s.admins, bs)
		s.closers = append(s.closers, bs.Close)
		return bs, nil
	}

	switch cfg.RecordBackend {
	case config.BackendPostgres:
		pg, err := NewPostgresStore(ctx, cfg.PostgresDSN, logger.WithField("backend", "postgres"))
		if err != nil {
			return nil, err
		}
		s.Records, s.Venues = pg, pg
		s.admins = append(s.admins, pg)
		s.closers = append(s.closers, pg.Close)
	default:
		bs, err := openBadger()
		if err != nil {
			return nil, err
		}
		s.Records, s.Venues = bs, bs
	}

	switch cfg.BlobBackend {
	case config.BackendRedis:
		client, err := DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		rb := NewRedisBlobStore(client, cfg.BlobTTL)
		s.Blobs = rb
		s.closers = append(s.closers, rb.Close)
	default:
		bs, err := openBadger()
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.Blobs = bs
	}

	logger.WithFields(logrus.Fields{
		"record_backend": cfg.RecordBackend,
		"blob_backend":   cfg.BlobBackend,
	}).Info("Storage opened")
	return s, nil
}

// RunGC runs garbage collection for every backend until ctx is done
func (s *Stores) RunGC(ctx context.Context, interval time.Duration) {
	for _, a := range s.admins {
		go a.RunGC(ctx, interval)
	}
}

// Close closes every opened backend in reverse order
func (s *Stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	if len(errs) > 0 {
		return fmt.Errorf("close storage: %w", errors.Join(errs...))
	}
	return nil
}
