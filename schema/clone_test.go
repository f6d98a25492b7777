package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func userTable() *Table {
	return &Table{
		Schema: "dbo",
		Name:   "User",
		Columns: []Column{
			{Name: "id", DataType: "int", Nullable: false, IsIdentity: true},
			{Name: "name", DataType: "nvarchar", MaxLength: 100, HasLength: true, Nullable: false},
			{Name: "email", DataType: "nvarchar", MaxLength: -1, HasLength: true, Nullable: true},
		},
		PKColumns: []string{"id"},
	}
}

func TestBuildCreateTable(t *testing.T) {
	got := BuildCreateTable(userTable())
	want := "CREATE TABLE [dbo].[User] (" +
		"[id] int IDENTITY(1,1) NOT NULL, " +
		"[name] nvarchar(100) NOT NULL, " +
		"[email] nvarchar(MAX) NULL, " +
		"PRIMARY KEY ([id]))"
	assert.Equal(t, want, got)
}

func TestBuildCreateTableNoPrimaryKey(t *testing.T) {
	table := &Table{
		Name: "Log",
		Columns: []Column{
			{Name: "at", DataType: "datetime2", DtPrec: 7, HasDtPrec: true, Nullable: false},
			{Name: "line", DataType: "nvarchar", MaxLength: 4000, HasLength: true, Nullable: true},
		},
	}
	got := BuildCreateTable(table)
	want := "CREATE TABLE [dbo].[Log] ([at] datetime2(7) NOT NULL, [line] nvarchar(4000) NULL)"
	assert.Equal(t, want, got)
}

func TestBuildAddColumn(t *testing.T) {
	table := userTable()

	got := BuildAddColumn(table, Column{
		Name: "balance", DataType: "decimal", Precision: 18, Scale: 2, Nullable: true,
	})
	assert.Equal(t, "ALTER TABLE [dbo].[User] ADD [balance] decimal(18, 2) NULL", got)

	got = BuildAddColumn(table, Column{
		Name: "created_at", DataType: "datetime2", DtPrec: 3, HasDtPrec: true,
		Nullable: false, Default: "(getdate())",
	})
	assert.Equal(t, "ALTER TABLE [dbo].[User] ADD [created_at] datetime2(3) NOT NULL DEFAULT (getdate())", got)
}

func TestMissingColumns(t *testing.T) {
	primary := userTable()
	replica := &Table{
		Schema: "dbo",
		Name:   "User",
		Columns: []Column{
			{Name: "id", DataType: "int"},
			{Name: "name", DataType: "nvarchar"},
		},
	}

	missing := MissingColumns(primary, replica)
	require := assert.New(t)
	require.Len(missing, 1)
	require.Equal("email", missing[0].Name)
}

// A column that exists only on the replica must never be dropped or even
// reported by the additive diff, no matter how many times it runs.
func TestSoftDropPreservation(t *testing.T) {
	primary := userTable()
	replica := userTable()
	replica.Columns = append(replica.Columns, Column{Name: "legacy_code", DataType: "int", Nullable: true})

	for i := 0; i < 3; i++ {
		assert.Empty(t, MissingColumns(primary, replica))
	}
}

func TestTypeMismatches(t *testing.T) {
	primary := userTable()
	replica := userTable()
	replica.Columns[1].DataType = "varchar"

	mismatches := TypeMismatches(primary, replica)
	require := assert.New(t)
	require.Len(mismatches, 1)
	require.Equal("name", mismatches[0].Name)
	require.Equal("nvarchar", mismatches[0].PrimaryType)
	require.Equal("varchar", mismatches[0].ReplicaType)
}

func TestQuoteName(t *testing.T) {
	assert.Equal(t, "[User]", QuoteName("User"))
	assert.Equal(t, "[we]]ird]", QuoteName("we]ird"))
}

func TestCursorColumn(t *testing.T) {
	table := userTable()
	assert.Equal(t, "id", table.CursorColumn())

	table.PKColumns = nil
	assert.Equal(t, "id", table.CursorColumn())

	assert.Equal(t, "", (&Table{}).CursorColumn())
}

func TestDropVerb(t *testing.T) {
	assert.Equal(t, "VIEW", (&Module{Kind: "V"}).DropVerb())
	assert.Equal(t, "PROCEDURE", (&Module{Kind: "P"}).DropVerb())
	assert.Equal(t, "FUNCTION", (&Module{Kind: "FN"}).DropVerb())
	assert.Equal(t, "FUNCTION", (&Module{Kind: "IF"}).DropVerb())
	assert.Equal(t, "FUNCTION", (&Module{Kind: "TF"}).DropVerb())
}
