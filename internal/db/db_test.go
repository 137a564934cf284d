package db

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/newsletter-backend/internal/config"
)

func TestDSN(t *testing.T) {
	dsn := DSN(config.DB{User: "news", Password: "pw", Host: "db", Port: "5432", Name: "newsletter", SSLMode: "disable"})
	assert.Equal(t, "postgres://news:pw@db:5432/newsletter?sslmode=disable", dsn)
}

func TestMigrateAppliesSchema(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS newsletter_items").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, Migrate(context.Background(), conn))

	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("permission denied"))
	assert.ErrorContains(t, Migrate(context.Background(), conn), "failed to apply schema")
	assert.NoError(t, mock.ExpectationsWereMet())
}
