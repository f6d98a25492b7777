package schema

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListTrackedTables(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("sys.change_tracking_tables").WillReturnRows(
		sqlmock.NewRows([]string{"SchemaName", "TableName"}).
			AddRow("dbo", "Product").
			AddRow("dbo", "User"))

	tables, err := NewIntrospector(db).ListTrackedTables(context.Background())
	require.NoError(t, err)
	require.Len(t, tables, 2)
	assert.Equal(t, "Product", tables[0].Name)
	assert.Equal(t, "dbo", tables[0].Schema)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDescribeTableMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("INFORMATION_SCHEMA.COLUMNS").
		WithArgs("dbo", "Ghost").
		WillReturnRows(sqlmock.NewRows([]string{
			"COLUMN_NAME", "DATA_TYPE", "CHARACTER_MAXIMUM_LENGTH", "NUMERIC_PRECISION",
			"NUMERIC_SCALE", "DATETIME_PRECISION", "IS_NULLABLE", "COLUMN_DEFAULT", "IsIdentity",
		}))

	table, err := NewIntrospector(db).DescribeTable(context.Background(), "dbo", "Ghost")
	require.NoError(t, err)
	assert.Nil(t, table)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDescribeTable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("INFORMATION_SCHEMA.COLUMNS").
		WithArgs("dbo", "User").
		WillReturnRows(sqlmock.NewRows([]string{
			"COLUMN_NAME", "DATA_TYPE", "CHARACTER_MAXIMUM_LENGTH", "NUMERIC_PRECISION",
			"NUMERIC_SCALE", "DATETIME_PRECISION", "IS_NULLABLE", "COLUMN_DEFAULT", "IsIdentity",
		}).
			AddRow("id", "int", nil, int64(10), int64(0), nil, "NO", nil, int64(1)).
			AddRow("email", "nvarchar", int64(255), nil, nil, nil, "YES", nil, int64(0)))

	mock.ExpectQuery("INFORMATION_SCHEMA.KEY_COLUMN_USAGE").
		WithArgs("dbo", "User").
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_NAME"}).AddRow("id"))

	table, err := NewIntrospector(db).DescribeTable(context.Background(), "dbo", "User")
	require.NoError(t, err)
	require.NotNil(t, table)

	require.Len(t, table.Columns, 2)
	assert.True(t, table.Columns[0].IsIdentity)
	assert.False(t, table.Columns[0].Nullable)
	assert.Equal(t, int64(255), table.Columns[1].MaxLength)
	assert.True(t, table.Columns[1].Nullable)
	assert.Equal(t, []string{"id"}, table.PKColumns)
	assert.True(t, table.HasIdentity())
	assert.Equal(t, "[dbo].[User]", table.QualifiedName())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCTCurrentVersion(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("CHANGE_TRACKING_CURRENT_VERSION").
		WillReturnRows(sqlmock.NewRows([]string{""}).AddRow(int64(99)))

	version, err := NewIntrospector(db).CTCurrentVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(99), version)
}

func TestCTCurrentVersionNull(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("CHANGE_TRACKING_CURRENT_VERSION").
		WillReturnRows(sqlmock.NewRows([]string{""}).AddRow(nil))

	version, err := NewIntrospector(db).CTCurrentVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), version)
}

func TestCTMinValidVersion(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("CHANGE_TRACKING_MIN_VALID_VERSION").
		WithArgs("dbo.User").
		WillReturnRows(sqlmock.NewRows([]string{""}).AddRow(int64(12)))

	table := &Table{Schema: "dbo", Name: "User"}
	version, err := NewIntrospector(db).CTMinValidVersion(context.Background(), table)
	require.NoError(t, err)
	assert.Equal(t, int64(12), version)
}

func TestListModules(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("sys.sql_modules").WillReturnRows(
		sqlmock.NewRows([]string{"ObjectName", "SchemaName", "ObjectType", "Definition"}).
			AddRow("ActiveUsers", "dbo", "V", "CREATE VIEW ActiveUsers AS SELECT 1").
			AddRow("Cleanup", "dbo", "P", "CREATE PROCEDURE Cleanup AS RETURN"))

	modules, err := NewIntrospector(db).ListModules(context.Background())
	require.NoError(t, err)
	require.Len(t, modules, 2)
	assert.Equal(t, "dbo.ActiveUsers", modules[0].Key())
	assert.Equal(t, "V", modules[0].Kind)
}
