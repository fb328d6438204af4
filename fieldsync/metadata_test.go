package fieldsync

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMetadata_WatermarkIsMonotonic(t *testing.T) {
	ctx := context.Background()
	p := newTestParts(t)

	wm, err := p.meta.Watermark(ctx, "projects")
	require.NoError(t, err)
	require.True(t, wm.Equal(epoch))

	advance := func(to time.Time) {
		require.NoError(t, p.store.inTx(ctx, func(tx *sql.Tx) error {
			return p.meta.markSuccessTx(ctx, tx, "projects", to)
		}))
	}

	advance(base.Add(5 * time.Minute))
	advance(base.Add(2 * time.Minute))
	wm, err = p.meta.Watermark(ctx, "projects")
	require.NoError(t, err)
	require.True(t, wm.Equal(base.Add(5*time.Minute)))

	require.NoError(t, p.meta.MarkFailure(ctx, "projects", "connection reset"))
	meta, ok, err := p.meta.Get(ctx, "projects")
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, meta.LastSyncSuccess)
	require.Equal(t, "connection reset", meta.LastError)
	require.True(t, meta.LastSyncAt.Equal(base.Add(5*time.Minute)))

	advance(base.Add(9 * time.Minute))
	meta, _, err = p.meta.Get(ctx, "projects")
	require.NoError(t, err)
	require.True(t, meta.LastSyncSuccess)
	require.Empty(t, meta.LastError)
	require.True(t, meta.LastSyncAt.Equal(base.Add(9*time.Minute)))
}

func TestMetadata_FailureBeforeFirstPull(t *testing.T) {
	ctx := context.Background()
	p := newTestParts(t)

	require.NoError(t, p.meta.MarkFailure(ctx, "documents", "timeout"))
	wm, err := p.meta.Watermark(ctx, "documents")
	require.NoError(t, err)
	require.True(t, wm.Equal(epoch))

	all, err := p.meta.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "documents", all[0].Collection)
	require.False(t, all[0].LastSyncSuccess)
}
