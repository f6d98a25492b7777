package ctsync

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/athariqk/gomssync/schema"
	"github.com/athariqk/gomssync/state"
)

func testTable() *schema.Table {
	return &schema.Table{
		Schema: "dbo",
		Name:   "User",
		Columns: []schema.Column{
			{Name: "id", DataType: "int", IsIdentity: true},
			{Name: "name", DataType: "nvarchar", MaxLength: 100, HasLength: true, Nullable: true},
		},
		PKColumns: []string{"id"},
	}
}

func testStore(t *testing.T) (*state.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return state.NewStore(client), mr
}

func TestBuildInsertStatement(t *testing.T) {
	got := buildInsertStatement(testTable(), 2)
	want := "INSERT INTO [dbo].[User] ([id], [name]) VALUES (@p1, @p2), (@p3, @p4)"
	assert.Equal(t, want, got)
}

func TestBuildPageQueryFirstPage(t *testing.T) {
	query, args := buildPageQuery(testTable(), "id", 5000, nil)
	want := "SELECT TOP (5000) [id], [name] FROM [dbo].[User] ORDER BY [id] ASC"
	assert.Equal(t, want, query)
	assert.Empty(t, args)
}

func TestBuildPageQueryKeyset(t *testing.T) {
	query, args := buildPageQuery(testTable(), "id", 5000, int64(42))
	want := "SELECT TOP (5000) [id], [name] FROM [dbo].[User] WHERE [id] > @p1 ORDER BY [id] ASC"
	assert.Equal(t, want, query)
	require.Len(t, args, 1)
	assert.Equal(t, int64(42), args[0])
}

func TestFullLoadRun(t *testing.T) {
	primary, pmock, err := sqlmock.New()
	require.NoError(t, err)
	defer primary.Close()

	replica, rmock, err := sqlmock.New()
	require.NoError(t, err)
	defer replica.Close()

	store, _ := testStore(t)
	table := testTable()
	ctx := context.Background()

	// Version snapshot before any data is read.
	pmock.ExpectQuery("CHANGE_TRACKING_CURRENT_VERSION").
		WillReturnRows(sqlmock.NewRows([]string{""}).AddRow(int64(50)))
	pmock.ExpectQuery("COUNT_BIG").
		WillReturnRows(sqlmock.NewRows([]string{""}).AddRow(int64(3)))

	rmock.ExpectExec(regexp.QuoteMeta("TRUNCATE TABLE [dbo].[User]")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	// Page one: a full chunk.
	pmock.ExpectQuery(regexp.QuoteMeta("SELECT TOP (2) [id], [name] FROM [dbo].[User] ORDER BY [id] ASC")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).
			AddRow(int64(1), "alice").
			AddRow(int64(2), "bob"))

	rmock.ExpectBegin()
	rmock.ExpectExec(regexp.QuoteMeta("SET IDENTITY_INSERT [dbo].[User] ON")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	rmock.ExpectExec(regexp.QuoteMeta("INSERT INTO [dbo].[User] ([id], [name]) VALUES (@p1, @p2), (@p3, @p4)")).
		WithArgs(int64(1), "alice", int64(2), "bob").
		WillReturnResult(sqlmock.NewResult(0, 2))
	rmock.ExpectExec(regexp.QuoteMeta("SET IDENTITY_INSERT [dbo].[User] OFF")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	rmock.ExpectCommit()

	// Page two: short page ends the loop.
	pmock.ExpectQuery(regexp.QuoteMeta("SELECT TOP (2) [id], [name] FROM [dbo].[User] WHERE [id] > @p1 ORDER BY [id] ASC")).
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).
			AddRow(int64(3), "carol"))

	rmock.ExpectBegin()
	rmock.ExpectExec(regexp.QuoteMeta("SET IDENTITY_INSERT [dbo].[User] ON")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	rmock.ExpectExec(regexp.QuoteMeta("INSERT INTO [dbo].[User] ([id], [name]) VALUES (@p1, @p2)")).
		WithArgs(int64(3), "carol").
		WillReturnResult(sqlmock.NewResult(0, 1))
	rmock.ExpectExec(regexp.QuoteMeta("SET IDENTITY_INSERT [dbo].[User] OFF")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	rmock.ExpectCommit()

	loader := NewFullLoader(primary, replica, store, 2, zerolog.Nop())
	require.NoError(t, store.SetForceFullLoad(ctx, "User", true))
	require.NoError(t, loader.Run(ctx, table))

	version, err := store.Version(ctx, "User")
	require.NoError(t, err)
	assert.Equal(t, int64(50), version)

	force, err := store.ForceFullLoad(ctx, "User")
	require.NoError(t, err)
	assert.False(t, force)

	progress, err := store.GetProgress(ctx, "User")
	require.NoError(t, err)
	require.NotNil(t, progress)
	assert.Equal(t, int64(3), progress.Synced)
	assert.Equal(t, int64(3), progress.Total)

	assert.NoError(t, pmock.ExpectationsWereMet())
	assert.NoError(t, rmock.ExpectationsWereMet())
}

// A failed page leaves the force flag set so the next run restarts from a
// fresh truncate.
func TestFullLoadFailureKeepsForceFlag(t *testing.T) {
	primary, pmock, err := sqlmock.New()
	require.NoError(t, err)
	defer primary.Close()

	replica, rmock, err := sqlmock.New()
	require.NoError(t, err)
	defer replica.Close()

	store, _ := testStore(t)
	ctx := context.Background()

	pmock.ExpectQuery("CHANGE_TRACKING_CURRENT_VERSION").
		WillReturnRows(sqlmock.NewRows([]string{""}).AddRow(int64(50)))
	pmock.ExpectQuery("COUNT_BIG").
		WillReturnRows(sqlmock.NewRows([]string{""}).AddRow(int64(3)))
	rmock.ExpectExec("TRUNCATE TABLE").
		WillReturnResult(sqlmock.NewResult(0, 0))
	pmock.ExpectQuery("SELECT TOP").
		WillReturnError(assert.AnError)

	loader := NewFullLoader(primary, replica, store, 2, zerolog.Nop())
	require.NoError(t, store.SetForceFullLoad(ctx, "User", true))
	require.Error(t, loader.Run(ctx, testTable()))

	force, err := store.ForceFullLoad(ctx, "User")
	require.NoError(t, err)
	assert.True(t, force)

	version, err := store.Version(ctx, "User")
	require.NoError(t, err)
	assert.Equal(t, int64(0), version)
}
