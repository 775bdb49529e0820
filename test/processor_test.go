package test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	outbox "github.com/oagudo/sqloutbox"
)

func TestProcessorsShareTheOutbox(t *testing.T) {
	forEachDatabase(t, func(t *testing.T, db *sql.DB, dbCtx *outbox.DBContext) {
		ctx := context.Background()

		writer, err := outbox.NewWriter(dbCtx)
		require.NoError(t, err)
		_, err = writer.Write(ctx, func(ctx context.Context, _ outbox.TxQueryer, itemWriter outbox.ItemWriter) error {
			_, err := itemWriter.Store(ctx, requests(30)...)
			return err
		})
		require.NoError(t, err)

		var (
			mu        sync.Mutex
			published = map[string]int{}
		)
		publisher := outbox.PublisherFunc(func(_ context.Context, item *outbox.Item) error {
			mu.Lock()
			defer mu.Unlock()
			published[item.ID]++
			return nil
		})

		processors := make([]*outbox.Processor, 0, 3)
		for range 3 {
			p, err := outbox.NewProcessor(dbCtx, publisher,
				outbox.WithInterval(20*time.Millisecond),
				outbox.WithReadBatchSize(7))
			require.NoError(t, err)
			processors = append(processors, p)
			p.Start()
		}

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(published) == 30
		}, 10*time.Second, 20*time.Millisecond)

		for _, p := range processors {
			require.NoError(t, p.Stop(ctx))
		}

		mu.Lock()
		defer mu.Unlock()
		for id, n := range published {
			assert.Equal(t, 1, n, "item %s published %d times", id, n)
		}
	})
}

func TestProcessorGivesUpAfterMaxAttempts(t *testing.T) {
	forEachDatabase(t, func(t *testing.T, db *sql.DB, dbCtx *outbox.DBContext) {
		ctx := context.Background()

		writer, err := outbox.NewWriter(dbCtx)
		require.NoError(t, err)
		item, err := writer.WriteOne(ctx, outbox.NewInsertionRequest("/publish/target_0", "payload"),
			func(context.Context, outbox.TxQueryer) error { return nil })
		require.NoError(t, err)

		p, err := outbox.NewProcessor(dbCtx,
			outbox.PublisherFunc(func(context.Context, *outbox.Item) error { return errors.New("unreachable broker") }),
			outbox.WithRetryPolicy(outbox.MaxAttempts(3)))
		require.NoError(t, err)

		for range 3 {
			_, err := p.ProcessOnce(ctx)
			require.NoError(t, err)
		}

		withRepository(t, db, dbCtx, func(repo *outbox.Repository) {
			fatal, err := repo.RetrieveItemsByStatus(ctx, outbox.StatusFatallyFailed, 0)
			require.NoError(t, err)
			require.Len(t, fatal, 1)
			assert.Equal(t, item.ID, fatal[0].ID)
			assert.Equal(t, 3, fatal[0].PublishingAttempts)
		})
	})
}
