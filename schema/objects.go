package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// indexDef is one secondary index or unique constraint, with its key column
// list pre-rendered by the catalog query.
type indexDef struct {
	Name               string
	IsUnique           bool
	IsUniqueConstraint bool
	Columns            string
}

type foreignKeyDef struct {
	Name              string
	ReferencedTable   string
	ParentColumns     string
	ReferencedColumns string
	DeleteAction      string
	UpdateAction      string
}

// SyncTableObjects reconciles secondary indexes, unique constraints and
// foreign keys of one table from Primary to Replica. The primary key is
// handled at table-creation time and excluded here. Failures on individual
// objects are logged and skipped; a referenced table may simply not have been
// replicated yet.
func (c *Cloner) SyncTableObjects(ctx context.Context, table *Table) error {
	pIndexes, err := listIndexes(ctx, c.primary.db, table)
	if err != nil {
		return err
	}
	rIndexes, err := listIndexes(ctx, c.replica.db, table)
	if err != nil {
		return err
	}
	pFKs, err := listForeignKeys(ctx, c.primary.db, table)
	if err != nil {
		return err
	}
	rFKs, err := listForeignKeys(ctx, c.replica.db, table)
	if err != nil {
		return err
	}

	pIdxNames := map[string]bool{}
	for _, idx := range pIndexes {
		pIdxNames[idx.Name] = true
	}
	rIdxNames := map[string]bool{}
	for _, idx := range rIndexes {
		rIdxNames[idx.Name] = true
	}
	pFKNames := map[string]bool{}
	for _, fk := range pFKs {
		pFKNames[fk.Name] = true
	}
	rFKNames := map[string]bool{}
	for _, fk := range rFKs {
		rFKNames[fk.Name] = true
	}

	// Foreign keys drop first so index drops don't hit dependency errors.
	for _, fk := range rFKs {
		if pFKNames[fk.Name] {
			continue
		}
		c.log.Info().Str("table", table.Name).Str("fk", fk.Name).Msg("dropping foreign key")
		dropSQL := fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s", table.QualifiedName(), QuoteName(fk.Name))
		if _, err := c.db.ExecContext(ctx, dropSQL); err != nil {
			c.log.Warn().Err(err).Str("fk", fk.Name).Msg("failed to drop foreign key")
		}
	}

	for _, idx := range rIndexes {
		if pIdxNames[idx.Name] {
			continue
		}
		c.log.Info().Str("table", table.Name).Str("index", idx.Name).Msg("dropping index")
		var dropSQL string
		if idx.IsUniqueConstraint {
			dropSQL = fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s", table.QualifiedName(), QuoteName(idx.Name))
		} else {
			dropSQL = fmt.Sprintf("DROP INDEX %s ON %s", QuoteName(idx.Name), table.QualifiedName())
		}
		if _, err := c.db.ExecContext(ctx, dropSQL); err != nil {
			c.log.Warn().Err(err).Str("index", idx.Name).Msg("failed to drop index")
		}
	}

	for _, idx := range pIndexes {
		if rIdxNames[idx.Name] || idx.Columns == "" {
			continue
		}
		c.log.Info().Str("table", table.Name).Str("index", idx.Name).Msg("creating index")
		var createSQL string
		if idx.IsUniqueConstraint {
			createSQL = fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s UNIQUE (%s)",
				table.QualifiedName(), QuoteName(idx.Name), idx.Columns)
		} else {
			unique := ""
			if idx.IsUnique {
				unique = "UNIQUE "
			}
			createSQL = fmt.Sprintf("CREATE %sINDEX %s ON %s (%s)",
				unique, QuoteName(idx.Name), table.QualifiedName(), idx.Columns)
		}
		if _, err := c.db.ExecContext(ctx, createSQL); err != nil {
			c.log.Warn().Err(err).Str("index", idx.Name).Msg("failed to create index")
		}
	}

	for _, fk := range pFKs {
		if rFKNames[fk.Name] || fk.ParentColumns == "" || fk.ReferencedColumns == "" {
			continue
		}
		c.log.Info().Str("table", table.Name).Str("fk", fk.Name).Msg("creating foreign key")
		var sb strings.Builder
		fmt.Fprintf(&sb, "ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s)",
			table.QualifiedName(), QuoteName(fk.Name), fk.ParentColumns,
			QuoteName(fk.ReferencedTable), fk.ReferencedColumns)
		if action := strings.ReplaceAll(fk.DeleteAction, "_", " "); action != "" && action != "NO ACTION" {
			fmt.Fprintf(&sb, " ON DELETE %s", action)
		}
		if action := strings.ReplaceAll(fk.UpdateAction, "_", " "); action != "" && action != "NO ACTION" {
			fmt.Fprintf(&sb, " ON UPDATE %s", action)
		}
		if _, err := c.db.ExecContext(ctx, sb.String()); err != nil {
			c.log.Warn().Err(err).Str("fk", fk.Name).Msg("failed to create foreign key (referenced table may not exist yet)")
		}
	}

	return nil
}

func listIndexes(ctx context.Context, db *sql.DB, table *Table) ([]indexDef, error) {
	const query = `
		SELECT
			i.name AS IndexName,
			CAST(i.is_unique AS BIT) AS IsUnique,
			CAST(i.is_unique_constraint AS BIT) AS IsUniqueConstraint,
			CAST(STUFF((
				SELECT ', [' + c.name + ']' + CASE WHEN ic.is_descending_key = 1 THEN ' DESC' ELSE '' END
				FROM sys.index_columns ic
				JOIN sys.columns c ON ic.object_id = c.object_id AND ic.column_id = c.column_id
				WHERE ic.object_id = i.object_id AND ic.index_id = i.index_id
				ORDER BY ic.key_ordinal
				FOR XML PATH('')
			), 1, 2, '') AS NVARCHAR(4000)) AS Columns
		FROM sys.indexes i
		WHERE i.object_id = OBJECT_ID(@p1)
		AND i.is_primary_key = 0
		AND i.type > 0`

	rows, err := db.QueryContext(ctx, query, table.SchemaOrDefault()+"."+table.Name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []indexDef
	for rows.Next() {
		var (
			def  indexDef
			cols sql.NullString
		)
		if err := rows.Scan(&def.Name, &def.IsUnique, &def.IsUniqueConstraint, &cols); err != nil {
			return nil, err
		}
		def.Columns = cols.String
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func listForeignKeys(ctx context.Context, db *sql.DB, table *Table) ([]foreignKeyDef, error) {
	const query = `
		SELECT
			fk.name AS ForeignKeyName,
			OBJECT_NAME(fk.referenced_object_id) AS ReferencedTableName,
			CAST(STUFF((
				SELECT ', [' + c.name + ']'
				FROM sys.foreign_key_columns fkc
				JOIN sys.columns c ON fkc.parent_object_id = c.object_id AND fkc.parent_column_id = c.column_id
				WHERE fkc.constraint_object_id = fk.object_id
				ORDER BY fkc.constraint_column_id
				FOR XML PATH('')
			), 1, 2, '') AS NVARCHAR(4000)) AS ParentColumns,
			CAST(STUFF((
				SELECT ', [' + c.name + ']'
				FROM sys.foreign_key_columns fkc
				JOIN sys.columns c ON fkc.referenced_object_id = c.object_id AND fkc.referenced_column_id = c.column_id
				WHERE fkc.constraint_object_id = fk.object_id
				ORDER BY fkc.constraint_column_id
				FOR XML PATH('')
			), 1, 2, '') AS NVARCHAR(4000)) AS ReferencedColumns,
			fk.delete_referential_action_desc AS DeleteAction,
			fk.update_referential_action_desc AS UpdateAction
		FROM sys.foreign_keys fk
		WHERE fk.parent_object_id = OBJECT_ID(@p1)`

	rows, err := db.QueryContext(ctx, query, table.SchemaOrDefault()+"."+table.Name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []foreignKeyDef
	for rows.Next() {
		var (
			def                            foreignKeyDef
			refTable, pCols, rCols, da, ua sql.NullString
		)
		if err := rows.Scan(&def.Name, &refTable, &pCols, &rCols, &da, &ua); err != nil {
			return nil, err
		}
		def.ReferencedTable = refTable.String
		def.ParentColumns = pCols.String
		def.ReferencedColumns = rCols.String
		def.DeleteAction = da.String
		def.UpdateAction = ua.String
		defs = append(defs, def)
	}
	return defs, rows.Err()
}
