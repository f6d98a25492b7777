package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Cloner keeps a Replica table a column-superset of its Primary counterpart.
// It only ever emits additive statements: columns present on the Replica but
// missing on the Primary are left untouched so that a rename misread as a
// drop can never destroy data. Destructive changes arrive exclusively through
// the DDL event channel.
type Cloner struct {
	primary *Introspector
	replica *Introspector
	db      *sql.DB // replica, for DDL execution
	log     zerolog.Logger
}

func NewCloner(primary, replica *sql.DB, log zerolog.Logger) *Cloner {
	return &Cloner{
		primary: NewIntrospector(primary),
		replica: NewIntrospector(replica),
		db:      replica,
		log:     log,
	}
}

// EnsureTable makes the Replica table exist with at least the Primary's
// columns. The diff is recomputed on every call; reruns are no-ops.
func (c *Cloner) EnsureTable(ctx context.Context, primaryDesc *Table) error {
	replicaDesc, err := c.replica.DescribeTable(ctx, primaryDesc.SchemaOrDefault(), primaryDesc.Name)
	if err != nil {
		return err
	}

	if replicaDesc == nil {
		createSQL := BuildCreateTable(primaryDesc)
		c.log.Info().Str("table", primaryDesc.Name).Msg("table missing on replica, creating")
		c.log.Debug().Str("sql", createSQL).Msg("executing")
		if _, err := c.db.ExecContext(ctx, createSQL); err != nil {
			return err
		}
		// Best effort: track the replica copy too so it could serve as a
		// primary in a cascade.
		enableCT := fmt.Sprintf("ALTER TABLE %s ENABLE CHANGE_TRACKING WITH (TRACK_COLUMNS_UPDATED = ON)",
			primaryDesc.QualifiedName())
		if _, err := c.db.ExecContext(ctx, enableCT); err != nil {
			c.log.Debug().Err(err).Str("table", primaryDesc.Name).Msg("could not enable change tracking on replica")
		}
		return nil
	}

	for _, col := range MissingColumns(primaryDesc, replicaDesc) {
		addSQL := BuildAddColumn(primaryDesc, col)
		c.log.Info().Str("table", primaryDesc.Name).Str("column", col.Name).Msg("column missing on replica, adding")
		c.log.Debug().Str("sql", addSQL).Msg("executing")
		if _, err := c.db.ExecContext(ctx, addSQL); err != nil {
			return err
		}
	}

	for _, mismatch := range TypeMismatches(primaryDesc, replicaDesc) {
		c.log.Warn().
			Str("table", primaryDesc.Name).
			Str("column", mismatch.Name).
			Str("primary_type", mismatch.PrimaryType).
			Str("replica_type", mismatch.ReplicaType).
			Msg("column type differs between sides, leaving replica column as-is")
	}

	return nil
}

// MissingColumns lists Primary columns the Replica lacks, in Primary order.
func MissingColumns(primary, replica *Table) []Column {
	var missing []Column
	for _, col := range primary.Columns {
		if replica.Column(col.Name) == nil {
			missing = append(missing, col)
		}
	}
	return missing
}

// Mismatch reports a column whose declared type token differs between sides.
type Mismatch struct {
	Name        string
	PrimaryType string
	ReplicaType string
}

// TypeMismatches lists columns present on both sides with differing type
// tokens. The cloner never alters these; it only warns.
func TypeMismatches(primary, replica *Table) []Mismatch {
	var out []Mismatch
	for _, col := range primary.Columns {
		other := replica.Column(col.Name)
		if other == nil {
			continue
		}
		if !strings.EqualFold(col.DataType, other.DataType) {
			out = append(out, Mismatch{
				Name:        col.Name,
				PrimaryType: col.DataType,
				ReplicaType: other.DataType,
			})
		}
	}
	return out
}

// BuildCreateTable renders the CREATE TABLE statement mirroring the Primary
// descriptor, including identity flags and the primary key when present.
func BuildCreateTable(t *Table) string {
	var sb strings.Builder
	sb.WriteString("CREATE TABLE ")
	sb.WriteString(t.QualifiedName())
	sb.WriteString(" (")
	for i, col := range t.Columns {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(renderColumn(col))
	}
	if len(t.PKColumns) > 0 {
		quoted := make([]string, len(t.PKColumns))
		for i, name := range t.PKColumns {
			quoted[i] = QuoteName(name)
		}
		sb.WriteString(", PRIMARY KEY (")
		sb.WriteString(strings.Join(quoted, ", "))
		sb.WriteString(")")
	}
	sb.WriteString(")")
	return sb.String()
}

// BuildAddColumn renders the additive ALTER for one missing column.
func BuildAddColumn(t *Table, col Column) string {
	return fmt.Sprintf("ALTER TABLE %s ADD %s", t.QualifiedName(), renderColumn(col))
}

func renderColumn(col Column) string {
	var sb strings.Builder
	sb.WriteString(QuoteName(col.Name))
	sb.WriteString(" ")
	sb.WriteString(col.DataType)
	sb.WriteString(renderTypeArgs(col))
	if col.IsIdentity {
		sb.WriteString(" IDENTITY(1,1)")
	}
	if col.Nullable {
		sb.WriteString(" NULL")
	} else {
		sb.WriteString(" NOT NULL")
	}
	if col.Default != "" {
		sb.WriteString(" DEFAULT ")
		sb.WriteString(col.Default)
	}
	return sb.String()
}

func renderTypeArgs(col Column) string {
	dataType := strings.ToLower(col.DataType)
	switch dataType {
	case "decimal", "numeric":
		if col.Precision > 0 {
			return fmt.Sprintf("(%d, %d)", col.Precision, col.Scale)
		}
	case "datetime2", "datetimeoffset", "time":
		if col.HasDtPrec {
			return fmt.Sprintf("(%d)", col.DtPrec)
		}
	case "nvarchar", "varchar", "varbinary", "char", "nchar", "binary":
		if col.HasLength {
			if col.MaxLength == -1 {
				return "(MAX)"
			}
			return fmt.Sprintf("(%d)", col.MaxLength)
		}
	}
	return ""
}
