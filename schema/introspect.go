package schema

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// Introspector reads catalog metadata from one side. All queries are
// read-only and tolerate missing objects.
type Introspector struct {
	db *sql.DB
}

func NewIntrospector(db *sql.DB) *Introspector {
	return &Introspector{db: db}
}

// ListTrackedTables returns every user table with Change Tracking enabled.
func (in *Introspector) ListTrackedTables(ctx context.Context) ([]Table, error) {
	const query = `
		SELECT s.name AS SchemaName, t.name AS TableName
		FROM sys.change_tracking_tables ctt
		JOIN sys.tables t ON ctt.object_id = t.object_id
		JOIN sys.schemas s ON t.schema_id = s.schema_id
		ORDER BY s.name, t.name`

	rows, err := in.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.WithMessage(err, "list change tracking tables")
	}
	defer rows.Close()

	var tables []Table
	for rows.Next() {
		var t Table
		if err := rows.Scan(&t.Schema, &t.Name); err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

// DescribeTable returns the full descriptor for one table, or nil when the
// table does not exist on this side.
func (in *Introspector) DescribeTable(ctx context.Context, schemaName, tableName string) (*Table, error) {
	const colsQuery = `
		SELECT
			c.COLUMN_NAME,
			c.DATA_TYPE,
			c.CHARACTER_MAXIMUM_LENGTH,
			c.NUMERIC_PRECISION,
			c.NUMERIC_SCALE,
			c.DATETIME_PRECISION,
			c.IS_NULLABLE,
			c.COLUMN_DEFAULT,
			COLUMNPROPERTY(OBJECT_ID(c.TABLE_SCHEMA + '.' + c.TABLE_NAME), c.COLUMN_NAME, 'IsIdentity') AS IsIdentity
		FROM INFORMATION_SCHEMA.COLUMNS c
		WHERE c.TABLE_SCHEMA = @p1 AND c.TABLE_NAME = @p2
		ORDER BY c.ORDINAL_POSITION`

	rows, err := in.db.QueryContext(ctx, colsQuery, schemaName, tableName)
	if err != nil {
		return nil, errors.WithMessagef(err, "describe table %s.%s", schemaName, tableName)
	}
	defer rows.Close()

	table := &Table{Schema: schemaName, Name: tableName}
	for rows.Next() {
		var (
			col        Column
			maxLen     sql.NullInt64
			precision  sql.NullInt64
			scale      sql.NullInt64
			dtPrec     sql.NullInt64
			nullable   string
			colDefault sql.NullString
			isIdentity sql.NullInt64
		)
		if err := rows.Scan(&col.Name, &col.DataType, &maxLen, &precision, &scale,
			&dtPrec, &nullable, &colDefault, &isIdentity); err != nil {
			return nil, err
		}
		col.MaxLength = maxLen.Int64
		col.HasLength = maxLen.Valid
		col.Precision = precision.Int64
		col.Scale = scale.Int64
		col.DtPrec = dtPrec.Int64
		col.HasDtPrec = dtPrec.Valid
		col.Nullable = nullable != "NO"
		col.Default = colDefault.String
		col.IsIdentity = isIdentity.Valid && isIdentity.Int64 == 1
		table.Columns = append(table.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(table.Columns) == 0 {
		return nil, nil
	}

	pk, err := in.primaryKeyColumns(ctx, schemaName, tableName)
	if err != nil {
		return nil, err
	}
	table.PKColumns = pk
	return table, nil
}

func (in *Introspector) primaryKeyColumns(ctx context.Context, schemaName, tableName string) ([]string, error) {
	const pkQuery = `
		SELECT COLUMN_NAME
		FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE
		WHERE OBJECTPROPERTY(OBJECT_ID(CONSTRAINT_SCHEMA + '.' + CONSTRAINT_NAME), 'IsPrimaryKey') = 1
		AND TABLE_SCHEMA = @p1 AND TABLE_NAME = @p2
		ORDER BY ORDINAL_POSITION`

	rows, err := in.db.QueryContext(ctx, pkQuery, schemaName, tableName)
	if err != nil {
		return nil, errors.WithMessagef(err, "primary key of %s.%s", schemaName, tableName)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

// ListModules returns every view, procedure and user-defined function with
// its definition text. Triggers are deliberately not included.
func (in *Introspector) ListModules(ctx context.Context) ([]Module, error) {
	const query = `
		SELECT o.name AS ObjectName, s.name AS SchemaName, RTRIM(o.type) AS ObjectType, m.definition AS Definition
		FROM sys.objects o
		JOIN sys.sql_modules m ON o.object_id = m.object_id
		JOIN sys.schemas s ON o.schema_id = s.schema_id
		WHERE o.type IN ('V', 'P', 'FN', 'IF', 'TF')`

	rows, err := in.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.WithMessage(err, "list modules")
	}
	defer rows.Close()

	var modules []Module
	for rows.Next() {
		var (
			m   Module
			def sql.NullString
		)
		if err := rows.Scan(&m.Name, &m.Schema, &m.Kind, &def); err != nil {
			return nil, err
		}
		m.Definition = def.String
		modules = append(modules, m)
	}
	return modules, rows.Err()
}

// CTCurrentVersion returns the latest change tracking version on this side,
// 0 when change tracking has recorded nothing yet.
func (in *Introspector) CTCurrentVersion(ctx context.Context) (int64, error) {
	var version sql.NullInt64
	err := in.db.QueryRowContext(ctx, "SELECT CHANGE_TRACKING_CURRENT_VERSION()").Scan(&version)
	if err != nil {
		return 0, errors.WithMessage(err, "change tracking current version")
	}
	return version.Int64, nil
}

// CTMinValidVersion returns the oldest version still queryable for a table.
// Versions below it have been cleaned up.
func (in *Introspector) CTMinValidVersion(ctx context.Context, table *Table) (int64, error) {
	var version sql.NullInt64
	err := in.db.QueryRowContext(ctx,
		"SELECT CHANGE_TRACKING_MIN_VALID_VERSION(OBJECT_ID(@p1))",
		table.SchemaOrDefault()+"."+table.Name).Scan(&version)
	if err != nil {
		return 0, errors.WithMessagef(err, "min valid version of %s", table.Name)
	}
	return version.Int64, nil
}

// TableRowCount probes COUNT_BIG for the progress total.
func (in *Introspector) TableRowCount(ctx context.Context, table *Table) (int64, error) {
	var count int64
	err := in.db.QueryRowContext(ctx,
		"SELECT CAST(COUNT_BIG(*) AS BIGINT) FROM "+table.QualifiedName()).Scan(&count)
	if err != nil {
		return 0, errors.WithMessagef(err, "row count of %s", table.Name)
	}
	return count, nil
}
