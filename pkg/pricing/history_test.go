package pricing

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistory_RecordActivation(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	h := NewHistory(db)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO pricing_pack_activations")).
		WithArgs("PP_2025-06-30", sqlmock.AnyArg(), "eod", "PP_2025-06-29", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	p := Pack{ID: "PP_2025-06-30", Date: time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC), Description: "eod", Supersedes: "PP_2025-06-29"}
	err = h.RecordActivation(ctx, p, time.Date(2025, 6, 30, 22, 0, 0, 0, time.UTC))
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHistory_ActiveAt(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	h := NewHistory(db)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{"pack_id", "pack_date", "description", "supersedes"}).
		AddRow("PP_2025-06-30", time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC), "eod", "PP_2025-06-29")

	mock.ExpectQuery(regexp.QuoteMeta("SELECT pack_id, pack_date, description, supersedes")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(rows)

	p, err := h.ActiveAt(ctx, time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "PP_2025-06-30", p.ID)
	assert.Equal(t, "PP_2025-06-29", p.Supersedes)
}

func TestHistory_ActiveAt_NoneActive(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	h := NewHistory(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT pack_id")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"pack_id", "pack_date", "description", "supersedes"}))

	_, err = h.ActiveAt(context.Background(), time.Now())
	assert.Error(t, err)
}
