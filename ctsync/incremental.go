package ctsync

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/athariqk/gomssync/schema"
	"github.com/athariqk/gomssync/state"
)

// Incremental tails change tracking for one table: every tick reads the
// delta since the stored version, applies it to the replica in a single
// transaction with the delete-then-insert upsert pattern, and advances the
// durable cursor only after the commit succeeds.
type Incremental struct {
	primary *sql.DB
	replica *sql.DB
	intro   *schema.Introspector
	store   *state.Store
	log     zerolog.Logger
}

func NewIncremental(primary, replica *sql.DB, store *state.Store, log zerolog.Logger) *Incremental {
	return &Incremental{
		primary: primary,
		replica: replica,
		intro:   schema.NewIntrospector(primary),
		store:   store,
		log:     log,
	}
}

// rowChange is the net change for one primary key. Row is nil when the key
// no longer exists on the primary.
type rowChange struct {
	PK      []any
	Version int64
	Row     []any
}

// changeSet accumulates net changes keyed by primary key. CHANGETABLE already
// collapses history per key; the set keeps last-write-wins semantics anyway
// so replayed batches stay idempotent.
type changeSet struct {
	byKey      map[string]*rowChange
	order      []string
	maxVersion int64
}

func newChangeSet() *changeSet {
	return &changeSet{byKey: map[string]*rowChange{}}
}

func (cs *changeSet) add(pk []any, version int64, row []any) {
	key := pkKey(pk)
	if existing, ok := cs.byKey[key]; ok {
		if version >= existing.Version {
			existing.Version = version
			existing.Row = row
		}
	} else {
		cs.byKey[key] = &rowChange{PK: pk, Version: version, Row: row}
		cs.order = append(cs.order, key)
	}
	if version > cs.maxVersion {
		cs.maxVersion = version
	}
}

func (cs *changeSet) len() int { return len(cs.byKey) }

func (cs *changeSet) all() []*rowChange {
	out := make([]*rowChange, 0, len(cs.order))
	for _, key := range cs.order {
		out = append(out, cs.byKey[key])
	}
	return out
}

func pkKey(pk []any) string {
	parts := make([]string, len(pk))
	for i, v := range pk {
		parts[i] = fmt.Sprintf("%v", v)
	}
	return strings.Join(parts, "\x1f")
}

// Tick runs one incremental step. Returns ErrNoPrimaryKey for untailable
// tables and ErrCTHistoryLost when the stored version fell out of the
// retention window; both escalate to a full load in the worker.
func (inc *Incremental) Tick(ctx context.Context, table *schema.Table) error {
	if len(table.PKColumns) == 0 {
		return errors.WithMessagef(ErrNoPrimaryKey, "table %s", table.Name)
	}

	fromVersion, err := inc.store.Version(ctx, table.StateName())
	if err != nil {
		return err
	}

	minValid, err := inc.intro.CTMinValidVersion(ctx, table)
	if err != nil {
		return err
	}
	if fromVersion < minValid {
		return errors.WithMessagef(ErrCTHistoryLost,
			"table %s: version %d is below min valid %d", table.Name, fromVersion, minValid)
	}

	changes, err := inc.fetchChanges(ctx, table, fromVersion)
	if err != nil {
		return err
	}

	toVersion := changes.maxVersion
	if changes.len() == 0 {
		// Empty batches still advance the pointer so a quiet table never
		// drifts past the retention window.
		current, err := inc.intro.CTCurrentVersion(ctx)
		if err != nil {
			return err
		}
		toVersion = current
	}

	if changes.len() > 0 {
		inc.log.Info().Str("table", table.Name).Int("changes", changes.len()).
			Int64("from", fromVersion).Int64("to", toVersion).Msg("applying incremental batch")
		if err := inc.applyChanges(ctx, table, changes); err != nil {
			return err
		}
	}

	if toVersion > fromVersion {
		if err := inc.store.SetVersion(ctx, table.StateName(), toVersion); err != nil {
			return err
		}
	}

	if total, err := inc.intro.TableRowCount(ctx, table); err == nil {
		now := time.Now().UnixMilli()
		if err := inc.store.SetProgress(ctx, table.StateName(), state.Progress{
			Synced:    total,
			Total:     total,
			StartedAt: now,
			UpdatedAt: now,
		}); err != nil {
			inc.log.Warn().Err(err).Str("table", table.Name).Msg("failed to store progress")
		}
	}

	return nil
}

// fetchChanges runs the standard change tracking upsert query: the delta
// joined to the current row image, one round trip, one snapshot.
func (inc *Incremental) fetchChanges(ctx context.Context, table *schema.Table, fromVersion int64) (*changeSet, error) {
	query := buildChangesQuery(table)
	rows, err := inc.primary.QueryContext(ctx, query, fromVersion)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pkCount := len(table.PKColumns)
	colCount := len(table.Columns)
	changes := newChangeSet()

	for rows.Next() {
		var (
			version int64
			op      string
			hasRow  bool
		)
		pk := make([]any, pkCount)
		rowVals := make([]any, colCount)

		ptrs := make([]any, 0, 3+pkCount+colCount)
		ptrs = append(ptrs, &version, &op)
		for i := range pk {
			ptrs = append(ptrs, &pk[i])
		}
		ptrs = append(ptrs, &hasRow)
		for i := range rowVals {
			ptrs = append(ptrs, &rowVals[i])
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		if op == "D" || !hasRow {
			changes.add(pk, version, nil)
		} else {
			changes.add(pk, version, rowVals)
		}
	}
	return changes, rows.Err()
}

// buildChangesQuery renders the CHANGETABLE delta joined to the live table.
func buildChangesQuery(table *schema.Table) string {
	var sb strings.Builder
	sb.WriteString("SELECT ct.SYS_CHANGE_VERSION, ct.SYS_CHANGE_OPERATION")
	for _, pk := range table.PKColumns {
		fmt.Fprintf(&sb, ", ct.%s", schema.QuoteName(pk))
	}
	fmt.Fprintf(&sb, ", CAST(CASE WHEN t.%s IS NOT NULL THEN 1 ELSE 0 END AS BIT) AS HasRow",
		schema.QuoteName(table.PKColumns[0]))
	for _, col := range table.Columns {
		fmt.Fprintf(&sb, ", t.%s", schema.QuoteName(col.Name))
	}
	fmt.Fprintf(&sb, " FROM CHANGETABLE(CHANGES %s, @p1) AS ct", table.QualifiedName())
	fmt.Fprintf(&sb, " LEFT OUTER JOIN %s AS t ON ", table.QualifiedName())
	for i, pk := range table.PKColumns {
		if i > 0 {
			sb.WriteString(" AND ")
		}
		fmt.Fprintf(&sb, "t.%s = ct.%s", schema.QuoteName(pk), schema.QuoteName(pk))
	}
	return sb.String()
}

// applyChanges writes the whole batch in one replica transaction: per key a
// DELETE, then an INSERT of the current row when one exists. Applied as a
// set, not in event order; keyed application makes replays idempotent.
func (inc *Incremental) applyChanges(ctx context.Context, table *schema.Table, changes *changeSet) error {
	tx, err := inc.replica.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	deleteStmt := buildDeleteStatement(table)
	insertStmt := buildInsertStatement(table, 1)

	identityOn := false
	if table.HasIdentity() {
		for _, change := range changes.all() {
			if change.Row != nil {
				identityOn = true
				break
			}
		}
	}
	if identityOn {
		if _, err := tx.ExecContext(ctx, "SET IDENTITY_INSERT "+table.QualifiedName()+" ON"); err != nil {
			return err
		}
	}

	for _, change := range changes.all() {
		if _, err := tx.ExecContext(ctx, deleteStmt, change.PK...); err != nil {
			return err
		}
		if change.Row != nil {
			if _, err := tx.ExecContext(ctx, insertStmt, change.Row...); err != nil {
				return err
			}
		}
	}

	if identityOn {
		if _, err := tx.ExecContext(ctx, "SET IDENTITY_INSERT "+table.QualifiedName()+" OFF"); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func buildDeleteStatement(table *schema.Table) string {
	var sb strings.Builder
	sb.WriteString("DELETE FROM ")
	sb.WriteString(table.QualifiedName())
	sb.WriteString(" WHERE ")
	for i, pk := range table.PKColumns {
		if i > 0 {
			sb.WriteString(" AND ")
		}
		fmt.Fprintf(&sb, "%s = @p%d", schema.QuoteName(pk), i+1)
	}
	return sb.String()
}
