package schema

import (
	"fmt"
	"strings"
)

// Column is one column of a table as reported by the catalog views.
type Column struct {
	Name       string
	DataType   string
	MaxLength  int64 // -1 means MAX; 0 means not applicable
	HasLength  bool
	Precision  int64
	Scale      int64
	DtPrec     int64
	HasDtPrec  bool
	Nullable   bool
	Default    string
	IsIdentity bool
}

// Table describes one user table. PKColumns is empty for heap tables
// without a primary key.
type Table struct {
	Schema    string
	Name      string
	Columns   []Column
	PKColumns []string
}

// QualifiedName returns the bracket-quoted two-part name, e.g. [dbo].[User].
func (t *Table) QualifiedName() string {
	return fmt.Sprintf("%s.%s", QuoteName(t.SchemaOrDefault()), QuoteName(t.Name))
}

func (t *Table) SchemaOrDefault() string {
	if t.Schema == "" {
		return "dbo"
	}
	return t.Schema
}

// StateName is the identifier used for state-store keys. The store keys by
// bare table name, matching the operator-facing key namespace.
func (t *Table) StateName() string {
	return t.Name
}

func (t *Table) Column(name string) *Column {
	for i := range t.Columns {
		if strings.EqualFold(t.Columns[i].Name, name) {
			return &t.Columns[i]
		}
	}
	return nil
}

func (t *Table) HasIdentity() bool {
	for _, c := range t.Columns {
		if c.IsIdentity {
			return true
		}
	}
	return false
}

// CursorColumn picks the keyset pagination column: the first primary key
// column, falling back to the first column for heaps.
func (t *Table) CursorColumn() string {
	if len(t.PKColumns) > 0 {
		return t.PKColumns[0]
	}
	if len(t.Columns) > 0 {
		return t.Columns[0].Name
	}
	return ""
}

// ColumnNames returns the ordered column name list.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Module is a programmable object whose definition text lives in
// sys.sql_modules. Kind is the sys.objects type token.
type Module struct {
	Schema     string
	Name       string
	Kind       string // V, P, FN, IF, TF
	Definition string
}

func (m *Module) Key() string {
	return fmt.Sprintf("%s.%s", m.Schema, m.Name)
}

func (m *Module) QualifiedName() string {
	return fmt.Sprintf("%s.%s", QuoteName(m.Schema), QuoteName(m.Name))
}

// DropVerb maps the object type token to the DROP statement verb.
func (m *Module) DropVerb() string {
	switch strings.TrimSpace(m.Kind) {
	case "V":
		return "VIEW"
	case "P":
		return "PROCEDURE"
	case "FN", "IF", "TF":
		return "FUNCTION"
	}
	return "PROCEDURE"
}

// QuoteName bracket-quotes a SQL Server identifier.
func QuoteName(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}
