package sqlite_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/coinshop/commerce"
	"github.com/warp/coinshop/docstore"
	"github.com/warp/coinshop/docstore/docstoretest"
	"github.com/warp/coinshop/store/sqlite"
)

func TestSQLiteStore(t *testing.T) {
	docstoretest.Run(t, func(t *testing.T) docstore.Store {
		s, err := sqlite.New(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestNew_MigrationsAreIdempotent(t *testing.T) {
	dir := t.TempDir()

	s, err := sqlite.New(dir + "/coinshop.db")
	require.NoError(t, err)
	_, err = s.Append(context.Background(), docstore.Users, "u-1", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = sqlite.New(dir + "/coinshop.db")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Get(context.Background(), docstore.Users, "u-1")
	assert.NoError(t, err)
}

// =============================================================================
// ERROR MAPPING (sqlmock)
// =============================================================================

func mockStore(t *testing.T) (*sqlite.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlite.NewWithDB(db), mock
}

func TestAppend_BusyDatabaseIsTransient(t *testing.T) {
	s, mock := mockStore(t)

	mock.ExpectExec("INSERT INTO documents").
		WillReturnError(sqlite3.Error{Code: sqlite3.ErrBusy})

	_, err := s.Append(context.Background(), docstore.Orders, "ORD-1", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, docstore.ErrUnavailable)
	assert.True(t, commerce.IsTransient(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend_UniqueViolationIsDuplicate(t *testing.T) {
	s, mock := mockStore(t)

	mock.ExpectExec("INSERT INTO documents").
		WillReturnError(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintPrimaryKey})

	_, err := s.Append(context.Background(), docstore.Orders, "ORD-1", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, docstore.ErrDuplicateID)
}

func TestUpdateByID_StaleVersion(t *testing.T) {
	s, mock := mockStore(t)

	mock.ExpectExec("UPDATE documents SET body").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "users", "u-1", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT COUNT").
		WithArgs("users", "u-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	_, err := s.UpdateByID(context.Background(), docstore.Users, "u-1", 3, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, docstore.ErrConcurrentModification)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateByID_MissingDocument(t *testing.T) {
	s, mock := mockStore(t)

	mock.ExpectExec("UPDATE documents SET body").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	_, err := s.UpdateByID(context.Background(), docstore.Users, "ghost", 1, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestList_LockedTableIsTransient(t *testing.T) {
	s, mock := mockStore(t)

	mock.ExpectQuery("SELECT collection, id").
		WithArgs("orders").
		WillReturnError(sqlite3.Error{Code: sqlite3.ErrLocked})

	_, err := s.List(context.Background(), docstore.Orders)
	assert.ErrorIs(t, err, docstore.ErrUnavailable)
	assert.False(t, errors.Is(err, docstore.ErrNotFound))
}
