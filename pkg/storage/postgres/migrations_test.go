package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrate(t *testing.T) {
	ctx := context.Background()

	t.Run("fresh database applies everything", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\) FROM schema_migrations`).
			WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(0))
		for _, m := range migrations {
			mock.ExpectBegin()
			for range m.stmts {
				mock.ExpectExec(`CREATE`).WillReturnResult(sqlmock.NewResult(0, 0))
			}
			mock.ExpectExec(`INSERT INTO schema_migrations`).WithArgs(m.version, m.name).WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectCommit()
		}

		require.NoError(t, Migrate(ctx, sqlx.NewDb(db, "postgres"), nil))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("up to date database is untouched", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT COALESCE`).
			WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(migrations[len(migrations)-1].version))

		require.NoError(t, Migrate(ctx, sqlx.NewDb(db, "postgres"), nil))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failed statement rolls back", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT COALESCE`).WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(0))
		mock.ExpectBegin()
		mock.ExpectExec(`CREATE`).WillReturnError(errors.New("permission denied"))
		mock.ExpectRollback()

		err = Migrate(ctx, sqlx.NewDb(db, "postgres"), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "migration 1")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
