package ctsync

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/athariqk/gomssync/schema"
	"github.com/athariqk/gomssync/state"
)

// SQL Server rejects statements with more than 2100 parameters; multi-row
// inserts are sub-chunked to stay under this.
const maxParamsPerStatement = 2000

// FullLoader truncates the replica table and copies every primary row via
// keyset-paginated, per-page transactional batch inserts. The change tracking
// version is snapshotted before any data is read, so the incremental engine
// can pick up exactly where the load's view of the table ended.
type FullLoader struct {
	primary *sql.DB
	replica *sql.DB
	intro   *schema.Introspector
	store   *state.Store
	chunk   int
	log     zerolog.Logger
}

func NewFullLoader(primary, replica *sql.DB, store *state.Store, chunk int, log zerolog.Logger) *FullLoader {
	return &FullLoader{
		primary: primary,
		replica: replica,
		intro:   schema.NewIntrospector(primary),
		store:   store,
		chunk:   chunk,
		log:     log,
	}
}

// Run performs one full load. On any error the force_full_load flag is left
// untouched so the next attempt re-truncates and restarts from scratch; the
// version is written strictly before the flag is cleared.
func (f *FullLoader) Run(ctx context.Context, table *schema.Table) error {
	snapshotVersion, err := f.intro.CTCurrentVersion(ctx)
	if err != nil {
		return err
	}

	total, err := f.intro.TableRowCount(ctx, table)
	if err != nil {
		f.log.Warn().Err(err).Str("table", table.Name).Msg("could not count primary rows")
		total = 0
	}
	startedAt := time.Now().UnixMilli()

	f.log.Info().Str("table", table.Name).Int64("rows", total).
		Int64("snapshot_version", snapshotVersion).Msg("starting full load")

	if _, err := f.replica.ExecContext(ctx, "TRUNCATE TABLE "+table.QualifiedName()); err != nil {
		return err
	}

	cursor := table.CursorColumn()
	if cursor == "" {
		return fmt.Errorf("table %s has no columns", table.Name)
	}
	cursorIdx := columnIndex(table, cursor)

	var (
		lastSeen any
		synced   int64
	)
	for {
		query, args := buildPageQuery(table, cursor, f.chunk, lastSeen)
		page, err := fetchRows(ctx, f.primary, query, args...)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}

		if err := f.applyPage(ctx, table, page); err != nil {
			return err
		}

		synced += int64(len(page))
		lastSeen = page[len(page)-1][cursorIdx]

		if err := f.store.SetProgress(ctx, table.StateName(), state.Progress{
			Synced:    synced,
			Total:     total,
			StartedAt: startedAt,
			UpdatedAt: time.Now().UnixMilli(),
		}); err != nil {
			f.log.Warn().Err(err).Str("table", table.Name).Msg("failed to store progress")
		}
		f.log.Info().Str("table", table.Name).Int64("synced", synced).Int64("total", total).Msg("full load chunk applied")

		if len(page) < f.chunk {
			break
		}
	}

	if err := f.store.SetVersion(ctx, table.StateName(), snapshotVersion); err != nil {
		return err
	}
	if err := f.store.SetForceFullLoad(ctx, table.StateName(), false); err != nil {
		return err
	}

	f.log.Info().Str("table", table.Name).Int64("rows", synced).
		Int64("version", snapshotVersion).Msg("full load complete")
	return nil
}

// applyPage inserts one page in a single replica transaction. When the table
// carries an identity column the IDENTITY_INSERT toggle brackets the inserts
// on the same session.
func (f *FullLoader) applyPage(ctx context.Context, table *schema.Table, page [][]any) error {
	tx, err := f.replica.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if table.HasIdentity() {
		if _, err := tx.ExecContext(ctx, "SET IDENTITY_INSERT "+table.QualifiedName()+" ON"); err != nil {
			return err
		}
	}

	if err := insertRows(ctx, tx, table, page); err != nil {
		return err
	}

	if table.HasIdentity() {
		if _, err := tx.ExecContext(ctx, "SET IDENTITY_INSERT "+table.QualifiedName()+" OFF"); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// insertRows writes rows with parameterized multi-row INSERT statements,
// sub-chunked to respect the server's parameter limit.
func insertRows(ctx context.Context, tx *sql.Tx, table *schema.Table, rows [][]any) error {
	cols := table.ColumnNames()
	perStatement := maxParamsPerStatement / len(cols)
	if perStatement < 1 {
		perStatement = 1
	}

	for start := 0; start < len(rows); start += perStatement {
		end := start + perStatement
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[start:end]

		stmt := buildInsertStatement(table, len(batch))
		args := make([]any, 0, len(batch)*len(cols))
		for _, row := range batch {
			args = append(args, row...)
		}
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return err
		}
	}
	return nil
}

// buildInsertStatement renders INSERT INTO t (cols) VALUES (@p1,..),(..) for
// rowCount rows.
func buildInsertStatement(table *schema.Table, rowCount int) string {
	cols := table.ColumnNames()
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = schema.QuoteName(c)
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(table.QualifiedName())
	sb.WriteString(" (")
	sb.WriteString(strings.Join(quoted, ", "))
	sb.WriteString(") VALUES ")

	param := 1
	for r := 0; r < rowCount; r++ {
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for c := range cols {
			if c > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "@p%d", param)
			param++
		}
		sb.WriteString(")")
	}
	return sb.String()
}

// buildPageQuery renders one keyset page: the first page has no lower bound,
// subsequent pages resume strictly after the last seen cursor value.
func buildPageQuery(table *schema.Table, cursor string, chunk int, lastSeen any) (string, []any) {
	cols := table.ColumnNames()
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = schema.QuoteName(c)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT TOP (%d) ", chunk)
	sb.WriteString(strings.Join(quoted, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(table.QualifiedName())

	var args []any
	if lastSeen != nil {
		fmt.Fprintf(&sb, " WHERE %s > @p1", schema.QuoteName(cursor))
		args = append(args, lastSeen)
	}
	fmt.Fprintf(&sb, " ORDER BY %s ASC", schema.QuoteName(cursor))
	return sb.String(), args
}

func columnIndex(table *schema.Table, name string) int {
	for i, c := range table.Columns {
		if strings.EqualFold(c.Name, name) {
			return i
		}
	}
	return 0
}

// fetchRows runs a query and scans every row into generic value slices,
// preserving driver types for pass-through binding.
func fetchRows(ctx context.Context, db *sql.DB, query string, args ...any) ([][]any, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out [][]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		out = append(out, values)
	}
	return out, rows.Err()
}
