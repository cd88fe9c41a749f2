package services

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDBHandle_Execute(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE portfolios SET name").
		WithArgs("Growth", "port-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	h := NewDBHandle(db)
	n, err := h.Execute(context.Background(), "UPDATE portfolios SET name = $1 WHERE id = $2", "Growth", "port-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBHandle_FetchAll(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"symbol", "quantity"}).
		AddRow([]byte("AAPL"), 100).
		AddRow([]byte("MSFT"), 50)
	mock.ExpectQuery("SELECT symbol, quantity FROM positions").
		WithArgs("port-1").
		WillReturnRows(rows)

	h := NewDBHandle(db)
	got, err := h.FetchAll(context.Background(), "SELECT symbol, quantity FROM positions WHERE portfolio_id = $1", "port-1")
	require.NoError(t, err)
	require.Len(t, got, 2)

	// []byte columns come back as strings.
	assert.Equal(t, "AAPL", got[0]["symbol"])
	assert.Equal(t, int64(100), got[0]["quantity"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBHandle_FetchOne(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT id FROM portfolios").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("port-1"))

	h := NewDBHandle(db)
	row, err := h.FetchOne(context.Background(), "SELECT id FROM portfolios LIMIT 1")
	require.NoError(t, err)
	assert.Equal(t, "port-1", row["id"])
}

func TestDBHandle_FetchOne_NoRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT id FROM portfolios").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	h := NewDBHandle(db)
	_, err = h.FetchOne(context.Background(), "SELECT id FROM portfolios WHERE id = $1", "missing")
	assert.ErrorIs(t, err, ErrNoRows)
}

func TestMemoryCache_TTL(t *testing.T) {
	now := time.Date(2025, 9, 3, 12, 0, 0, 0, time.UTC)
	cache := NewMemoryCache().WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "quote:AAPL", []byte(`{"price":228.1}`), 5*time.Minute))

	val, ok, err := cache.Get(ctx, "quote:AAPL")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"price":228.1}`, string(val))

	now = now.Add(6 * time.Minute)
	_, ok, err = cache.Get(ctx, "quote:AAPL")
	require.NoError(t, err)
	assert.False(t, ok, "expired entries miss")
}

func TestMemoryCache_ZeroTTLNeverExpires(t *testing.T) {
	now := time.Date(2025, 9, 3, 12, 0, 0, 0, time.UTC)
	cache := NewMemoryCache().WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "static", []byte("v"), 0))
	now = now.Add(24 * time.Hour)

	_, ok, err := cache.Get(ctx, "static")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryCache_Delete(t *testing.T) {
	cache := NewMemoryCache()
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "k", []byte("v"), 0))
	require.NoError(t, cache.Delete(ctx, "k"))

	_, ok, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBundle_ProviderLookup(t *testing.T) {
	b := NewBundle(nil, nil)
	b.AddProvider(NewProviderHandle(ProviderConfig{Name: "fmp"}, nil))

	p, err := b.Provider("fmp")
	require.NoError(t, err)
	assert.Equal(t, "fmp", p.Name())

	_, err = b.Provider("polygon")
	assert.Error(t, err)
}
