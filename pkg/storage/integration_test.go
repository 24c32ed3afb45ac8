//go:build integration

package storage

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingsroom/tourney-scraper/pkg/models"
)

func TestPostgresStore_Integration(t *testing.T) {
	dsn := os.Getenv("TOURNEY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TOURNEY_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	store, err := NewPostgresStore(ctx, dsn, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	id := "it-" + uuid.NewString()

	t.Run("concurrent create yields one record", func(t *testing.T) {
		var wg sync.WaitGroup
		var mu sync.Mutex
		created := 0
		for range 5 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := store.CreateRecord(ctx, &models.URLRecord{ID: id, CreatedAt: time.Now()})
				if err == nil {
					mu.Lock()
					created++
					mu.Unlock()
				} else {
					assert.ErrorIs(t, err, ErrRecordExists)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, created)
	})

	t.Run("update", func(t *testing.T) {
		rec, err := store.UpdateRecord(ctx, id, func(r *models.URLRecord) error {
			r.ConsecutiveFails = 2
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, rec.ConsecutiveFails)

		_, err = store.UpdateRecord(ctx, "missing-"+id, func(*models.URLRecord) error { return nil })
		assert.ErrorIs(t, err, ErrRecordNotFound)
	})

	t.Run("venues by entity", func(t *testing.T) {
		entity := "ent-" + uuid.NewString()
		require.NoError(t, store.PutVenue(ctx, models.Venue{ID: entity + "-b", EntityID: entity, Name: "B", SortOrder: 1}))
		require.NoError(t, store.PutVenue(ctx, models.Venue{ID: entity + "-a", EntityID: entity, Name: "A", SortOrder: 0}))
		venues, err := store.ListVenues(ctx, entity)
		require.NoError(t, err)
		require.Len(t, venues, 2)
		assert.Equal(t, "A", venues[0].Name)
	})
}

func TestRedisBlobStore_Integration(t *testing.T) {
	addr := os.Getenv("TOURNEY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TOURNEY_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client, err := DialRedis(ctx, addr, "", 0)
	require.NoError(t, err)
	store := NewRedisBlobStore(client, time.Minute)
	t.Cleanup(func() { store.Close() })

	key := NewBlobKey("it")
	_, err = store.GetBlob(ctx, key)
	assert.ErrorIs(t, err, ErrBlobNotFound)

	require.NoError(t, store.PutBlob(ctx, key, []byte("<html></html>")))
	body, err := store.GetBlob(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "<html></html>", string(body))
}
