package dbexec

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relengine/internal/engineerr"
	"relengine/internal/logging"
)

func TestInstrumentedExecutorNormalizesDriverErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO `User`").
		WithArgs("a@x.com").
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})

	exec := NewInstrumentedExecutor(NewStandardExecutor(db), nil)
	_, err = exec.ExecContext(context.Background(), "INSERT INTO `User` (`email`) VALUES (?)", "a@x.com")
	require.Error(t, err)

	var cerr *engineerr.ConstraintError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, engineerr.ConstraintUnique, cerr.Kind)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInstrumentedExecutorPassesRowsThrough(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT `id` FROM `User`").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)).AddRow(int64(2)))

	exec := NewInstrumentedExecutor(NewStandardExecutor(db), nil)
	rows, err := exec.QueryContext(context.Background(), "SELECT `id` FROM `User`")
	require.NoError(t, err)
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		require.NoError(t, rows.Scan(&id))
		ids = append(ids, id)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []int64{1, 2}, ids)
}

func TestStandardExecutorWithoutDB(t *testing.T) {
	exec := NewStandardExecutor(nil)
	_, err := exec.QueryContext(context.Background(), "SELECT 1")
	assert.Error(t, err)
}

func TestSQLiteDSN(t *testing.T) {
	assert.Equal(t, "file:/tmp/x.db?_foreign_keys=on&_busy_timeout=5000", sqliteDSN("/tmp/x.db"))
	assert.Equal(t, "file:x.db?mode=rwc&_foreign_keys=on&_busy_timeout=5000", sqliteDSN("file:x.db?mode=rwc"))
	assert.Equal(t, "file:x.db?_fk=1&_busy_timeout=1", sqliteDSN("file:x.db?_fk=1&_busy_timeout=1"))
}

func TestOpenSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.db")
	db, err := Open(context.Background(), OpenConfig{Driver: DriverSQLite, DSN: path, MaxOpen: 1}, logging.Discard())
	require.NoError(t, err)
	defer db.Close()

	var fk int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), OpenConfig{Driver: "oracle"}, logging.Discard())
	assert.ErrorContains(t, err, "unsupported database driver")
}
