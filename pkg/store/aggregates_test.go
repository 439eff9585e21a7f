package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefreshProponentAggregates(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	tx, err := db.Begin()
	require.NoError(t, err)

	mock.MatchExpectationsInOrder(true)
	mock.ExpectExec(`UPDATE proponentes SET total_propostas = \(\s*SELECT COUNT\(\*\) FROM propostas.+`).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(`UPDATE proponentes SET total_emendas = \(\s*SELECT COUNT\(\*\) FROM proposta_emendas.+`).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(`UPDATE proponentes SET valor_total_emendas = COALESCE\(\(\s*SELECT SUM\(e\.valor\).+`).
		WillReturnResult(sqlmock.NewResult(0, 3))

	require.NoError(t, RefreshProponentAggregates(context.Background(), tx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshProponentAggregatesStopsOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	tx, err := db.Begin()
	require.NoError(t, err)

	mock.ExpectExec(`UPDATE proponentes SET total_propostas.+`).
		WillReturnError(assert.AnError)

	err = RefreshProponentAggregates(context.Background(), tx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refresh proponent aggregates")
}
