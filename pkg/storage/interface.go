package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/kingsroom/tourney-scraper/pkg/models"
)

var (
	ErrRecordNotFound = errors.New("url record not found")
	ErrRecordExists   = errors.New("url record already exists")
	ErrBlobNotFound   = errors.New("blob not found")
)

// RecordStore persists URL state records keyed by identifier
type RecordStore interface {
	// GetRecord returns ErrRecordNotFound when no record exists for id
	GetRecord(ctx context.Context, id string) (*models.URLRecord, error)

	// CreateRecord inserts rec only if no record with the same ID exists.
	// Returns ErrRecordExists otherwise.
	CreateRecord(ctx context.Context, rec *models.URLRecord) error

	// UpdateRecord atomically reads, mutates and writes one record.
	// mutate may be invoked more than once if the write has to be retried.
	// Returns ErrRecordNotFound when the record is absent.
	UpdateRecord(ctx context.Context, id string, mutate func(*models.URLRecord) error) (*models.URLRecord, error)

	// ListRecords calls fn for every stored record, stopping at the first error
	ListRecords(ctx context.Context, fn func(*models.URLRecord) error) error
}

// BlobStore persists raw fetched bodies under opaque keys
type BlobStore interface {
	PutBlob(ctx context.Context, key string, body []byte) error
	// GetBlob returns ErrBlobNotFound when the key is unknown or expired
	GetBlob(ctx context.Context, key string) ([]byte, error)
}

// VenueStore holds the venue reference list, looked up by owning entity
type VenueStore interface {
	// ListVenues returns venues of entityID ordered by SortOrder, then ID
	ListVenues(ctx context.Context, entityID string) ([]models.Venue, error)
	PutVenue(ctx context.Context, venue models.Venue) error
}

// StoreAdmin handles lifecycle and administrative operations
type StoreAdmin interface {
	// RunGC runs periodic garbage collection. Should be run in a goroutine
	RunGC(ctx context.Context, interval time.Duration)

	// Close cleanly closes the underlying connection
	Close() error
}

// NewBlobKey returns a fresh storage key for a body fetched for id
func NewBlobKey(id string) string {
	return "raw/" + id + "/" + uuid.NewString() + ".html"
}
