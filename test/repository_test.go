package test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	outbox "github.com/oagudo/sqloutbox"
)

func withRepository(t *testing.T, db *sql.DB, dbCtx *outbox.DBContext, fn func(repo *outbox.Repository), opts ...outbox.RepositoryOption) {
	t.Helper()

	tx, err := db.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	defer func() {
		_ = tx.Rollback()
	}()

	repo, err := outbox.NewRepository(dbCtx, tx, opts...)
	require.NoError(t, err)

	fn(repo)
	require.NoError(t, tx.Commit())
}

func requests(n int) []outbox.InsertionRequest {
	reqs := make([]outbox.InsertionRequest, 0, n)
	for i := range n {
		reqs = append(reqs, outbox.NewInsertionRequest(fmt.Sprintf("/publish/target_%d", i), map[string]int{"n": i}))
	}
	return reqs
}

func TestInsertAndRetrieve(t *testing.T) {
	forEachDatabase(t, func(t *testing.T, db *sql.DB, dbCtx *outbox.DBContext) {
		ctx := context.Background()

		var inserted []*outbox.Item
		withRepository(t, db, dbCtx, func(repo *outbox.Repository) {
			var err error
			inserted, err = repo.InsertNewItems(ctx, requests(45), 20)
			require.NoError(t, err)
		})

		require.Len(t, inserted, 45)
		for i, item := range inserted {
			_, err := uuid.Parse(item.ID)
			require.NoError(t, err)
			assert.False(t, item.CreatedAt.IsZero())
			assert.Equal(t, fmt.Sprintf("/publish/target_%d", i), item.PublishingTarget)
		}

		withRepository(t, db, dbCtx, func(repo *outbox.Repository) {
			retrieved, err := repo.RetrieveItemsByStatus(ctx, outbox.StatusPending, 100)
			require.NoError(t, err)
			require.Len(t, retrieved, 45)

			byID := map[string]*outbox.Item{}
			for _, item := range inserted {
				byID[item.ID] = item
			}
			for i, item := range retrieved {
				want, ok := byID[item.ID]
				require.True(t, ok, "unexpected id %s", item.ID)
				assert.Equal(t, want.PublishingPayload, item.PublishingPayload)
				assert.WithinDuration(t, want.CreatedAt, item.CreatedAt, time.Microsecond)
				if i > 0 {
					assert.False(t, item.CreatedAt.Before(retrieved[i-1].CreatedAt))
				}
			}

			capped, err := repo.RetrieveItemsByStatus(ctx, outbox.StatusPending, 10)
			require.NoError(t, err)
			assert.Len(t, capped, 10)
		})
	})
}

func TestUpdateItems(t *testing.T) {
	forEachDatabase(t, func(t *testing.T, db *sql.DB, dbCtx *outbox.DBContext) {
		ctx := context.Background()

		var items []*outbox.Item
		withRepository(t, db, dbCtx, func(repo *outbox.Repository) {
			var err error
			items, err = repo.InsertNewItems(ctx, requests(3), 0)
			require.NoError(t, err)
		})

		items[0].Status = outbox.StatusSuccessful
		items[0].PublishingAttempts = 1
		items[1].Status = outbox.StatusFailed
		items[1].PublishingAttempts = 4
		withRepository(t, db, dbCtx, func(repo *outbox.Repository) {
			_, err := repo.UpdateItems(ctx, items, 0)
			require.NoError(t, err)
		})

		// attempts never decrease
		items[1].Status = outbox.StatusPending
		items[1].PublishingAttempts = 2
		withRepository(t, db, dbCtx, func(repo *outbox.Repository) {
			_, err := repo.UpdateItems(ctx, items[1:2], 0)
			require.NoError(t, err)
		})

		withRepository(t, db, dbCtx, func(repo *outbox.Repository) {
			successful, err := repo.RetrieveItemsByStatus(ctx, outbox.StatusSuccessful, 0)
			require.NoError(t, err)
			require.Len(t, successful, 1)
			assert.Equal(t, items[0].ID, successful[0].ID)

			pending, err := repo.RetrieveItemsByStatus(ctx, outbox.StatusPending, 0)
			require.NoError(t, err)
			require.Len(t, pending, 2)

			for _, item := range pending {
				if item.ID == items[1].ID {
					assert.Equal(t, 4, item.PublishingAttempts)
				} else {
					assert.Zero(t, item.PublishingAttempts)
				}
			}
		})
	})
}

func TestCleanupHistoricalItems(t *testing.T) {
	forEachDatabase(t, func(t *testing.T, db *sql.DB, dbCtx *outbox.DBContext) {
		ctx := context.Background()

		withRepository(t, db, dbCtx, func(repo *outbox.Repository) {
			_, err := repo.InsertNewItems(ctx, requests(3), 0)
			require.NoError(t, err)
		})

		future := time.Now().Add(time.Hour)
		withRepository(t, db, dbCtx, func(repo *outbox.Repository) {
			deleted, err := repo.CleanupHistoricalItems(ctx, 2*time.Hour)
			require.NoError(t, err)
			assert.Zero(t, deleted)
		}, outbox.WithClock(func() time.Time { return future }))

		withRepository(t, db, dbCtx, func(repo *outbox.Repository) {
			deleted, err := repo.CleanupHistoricalItems(ctx, 30*time.Minute)
			require.NoError(t, err)
			assert.Equal(t, int64(3), deleted)
		}, outbox.WithClock(func() time.Time { return future }))
	})
}

func TestDistributedMutex(t *testing.T) {
	forEachDatabase(t, func(t *testing.T, db *sql.DB, dbCtx *outbox.DBContext) {
		ctx := context.Background()

		holderTx, err := db.BeginTx(ctx, nil)
		require.NoError(t, err)
		defer func() {
			_ = holderTx.Rollback()
		}()

		holder, err := outbox.NewRepository(dbCtx, holderTx)
		require.NoError(t, err)
		_, ok, err := holder.AcquireDistributedProcessingMutex(ctx)
		require.NoError(t, err)
		require.True(t, ok)

		contenderTx, err := db.BeginTx(ctx, nil)
		require.NoError(t, err)

		contender, err := outbox.NewRepository(dbCtx, contenderTx, outbox.WithMutexTimeout(200*time.Millisecond))
		require.NoError(t, err)
		_, ok, err = contender.AcquireDistributedProcessingMutex(ctx)
		require.NoError(t, err)
		assert.False(t, ok)

		// a busy mutex leaves the transaction usable
		_, err = contender.RetrieveItemsByStatus(ctx, outbox.StatusPending, 1)
		require.NoError(t, err)
		require.NoError(t, contenderTx.Rollback())

		// other outboxes are not affected
		otherTx, err := db.BeginTx(ctx, nil)
		require.NoError(t, err)
		other, err := outbox.NewRepository(dbCtx, otherTx, outbox.WithOutboxName("other"), outbox.WithMutexTimeout(0))
		require.NoError(t, err)
		_, ok, err = other.AcquireDistributedProcessingMutex(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		require.NoError(t, otherTx.Rollback())

		require.NoError(t, holderTx.Commit())

		nextTx, err := db.BeginTx(ctx, nil)
		require.NoError(t, err)
		defer func() {
			_ = nextTx.Rollback()
		}()
		next, err := outbox.NewRepository(dbCtx, nextTx, outbox.WithMutexTimeout(200*time.Millisecond))
		require.NoError(t, err)
		_, ok, err = next.AcquireDistributedProcessingMutex(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}
