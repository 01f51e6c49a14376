package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

func TestPostgresStoreRejectsBadTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewPostgresStoreWithPool(mock, "drop table; --")
	require.Error(t, err)
}

func TestPostgresLookup(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPostgresStoreWithPool(mock, "seen_fingerprints")
	require.NoError(t, err)

	first := time.Unix(1700000000, 0).UTC()
	last := time.Unix(1700000600, 0).UTC()
	fps := []string{"fp-a", "fp-b"}

	mock.ExpectQuery("SELECT fingerprint, first_seen_at, last_seen_at FROM seen_fingerprints").
		WithArgs(fps).
		WillReturnRows(pgxmock.NewRows([]string{"fingerprint", "first_seen_at", "last_seen_at"}).
			AddRow("fp-a", first, last))

	found, err := store.Lookup(context.Background(), fps)
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, first, found["fp-a"].FirstSeenAt)
	require.Equal(t, last, found["fp-a"].LastSeenAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsert(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPostgresStoreWithPool(mock, "seen_fingerprints")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	fps := []string{"fp-a", "fp-b"}

	mock.ExpectExec("INSERT INTO seen_fingerprints").
		WithArgs(fps, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))

	require.NoError(t, store.Upsert(context.Background(), fps, now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertEmptyBatchIsNoop(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPostgresStoreWithPool(mock, "")
	require.NoError(t, err)

	require.NoError(t, store.Upsert(context.Background(), nil, time.Now()))
	require.NoError(t, mock.ExpectationsWereMet())
}
