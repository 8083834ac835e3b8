package database

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"station-availability/pkg/logging"
	"station-availability/pkg/metrics"
)

func TestConfig_DSN(t *testing.T) {
	cfg := &Config{Host: "db", Port: 5432, User: "u", Password: "p", Database: "vu", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=vu sslmode=disable", cfg.DSN())

	cfg.SearchPath = "cdr"
	assert.Contains(t, cfg.DSN(), "search_path=cdr")
}

func TestConfig_ConnectionString(t *testing.T) {
	cfg := &Config{Host: "db", Port: 5433, User: "u", Password: "p@ss", Database: "wur", SSLMode: "require"}
	assert.Equal(t, "postgres://u:p%40ss@db:5433/wur?sslmode=require", cfg.ConnectionString())
}

func TestPostgresDB_SelectContextRecordsErrors(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()

	m := metrics.NewCollector("test", prometheus.NewRegistry())
	db := Wrap(sqlx.NewDb(raw, "sqlmock"), &Config{Backend: "vu_db"}, logging.NewNopLogger(), m)

	mock.ExpectQuery("SELECT id FROM sites").WillReturnError(errors.New("connection reset"))

	var ids []int64
	err = db.SelectContext(context.Background(), "lookup_sites", &ids, "SELECT id FROM sites")
	require.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DBErrorsTotal.WithLabelValues("vu_db", "select_error")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDB_SelectContext(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()

	db := Wrap(sqlx.NewDb(raw, "sqlmock"), &Config{Backend: "vu_db"}, logging.NewNopLogger(),
		metrics.NewCollector("test", prometheus.NewRegistry()))

	mock.ExpectQuery("SELECT id FROM sites").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1).AddRow(2))

	var ids []int64
	require.NoError(t, db.SelectContext(context.Background(), "lookup_sites", &ids, "SELECT id FROM sites"))
	assert.Equal(t, []int64{1, 2}, ids)
	assert.Equal(t, "vu_db", db.Backend())
}
