package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiffModulesCreatesMissing(t *testing.T) {
	primary := []Module{
		{Schema: "dbo", Name: "ActiveUsers", Kind: "V", Definition: "CREATE VIEW ActiveUsers AS SELECT 1"},
	}

	actions := DiffModules(primary, nil)
	require.Len(t, actions, 1)
	assert.Equal(t, moduleCreate, actions[0].Kind)
	assert.Equal(t, "dbo.ActiveUsers", actions[0].Module.Key())
}

func TestDiffModulesReplacesDrifted(t *testing.T) {
	primary := []Module{
		{Schema: "dbo", Name: "ActiveUsers", Kind: "V", Definition: "CREATE VIEW ActiveUsers AS SELECT 2"},
	}
	replica := []Module{
		{Schema: "dbo", Name: "ActiveUsers", Kind: "V", Definition: "CREATE VIEW ActiveUsers AS SELECT 1"},
	}

	actions := DiffModules(primary, replica)
	require.Len(t, actions, 1)
	assert.Equal(t, moduleReplace, actions[0].Kind)
	// The replacement carries the primary definition.
	assert.Contains(t, actions[0].Module.Definition, "SELECT 2")
}

func TestDiffModulesDropsOrphans(t *testing.T) {
	replica := []Module{
		{Schema: "dbo", Name: "OldProc", Kind: "P", Definition: "CREATE PROCEDURE OldProc AS RETURN"},
	}

	actions := DiffModules(nil, replica)
	require.Len(t, actions, 1)
	assert.Equal(t, moduleDrop, actions[0].Kind)
	assert.Equal(t, "PROCEDURE", actions[0].Module.DropVerb())
}

func TestDiffModulesTrailingWhitespaceIsNotDrift(t *testing.T) {
	primary := []Module{
		{Schema: "dbo", Name: "Fn", Kind: "FN", Definition: "CREATE FUNCTION Fn() RETURNS INT AS BEGIN RETURN 1 END"},
	}
	replica := []Module{
		{Schema: "dbo", Name: "Fn", Kind: "FN", Definition: "CREATE FUNCTION Fn() RETURNS INT AS BEGIN RETURN 1 END\r\n  "},
	}

	assert.Empty(t, DiffModules(primary, replica))
}

func TestDiffModulesInternalWhitespaceIsDrift(t *testing.T) {
	primary := []Module{
		{Schema: "dbo", Name: "Fn", Kind: "FN", Definition: "CREATE FUNCTION  Fn() RETURNS INT AS BEGIN RETURN 1 END"},
	}
	replica := []Module{
		{Schema: "dbo", Name: "Fn", Kind: "FN", Definition: "CREATE FUNCTION Fn() RETURNS INT AS BEGIN RETURN 1 END"},
	}

	actions := DiffModules(primary, replica)
	require.Len(t, actions, 1)
	assert.Equal(t, moduleReplace, actions[0].Kind)
}

func TestDiffModulesDropsOrderedBeforeCreates(t *testing.T) {
	primary := []Module{
		{Schema: "dbo", Name: "New", Kind: "V", Definition: "CREATE VIEW New AS SELECT 1"},
	}
	replica := []Module{
		{Schema: "dbo", Name: "Old", Kind: "V", Definition: "CREATE VIEW Old AS SELECT 1"},
	}

	actions := DiffModules(primary, replica)
	require.Len(t, actions, 2)
	assert.Equal(t, moduleDrop, actions[0].Kind)
	assert.Equal(t, moduleCreate, actions[1].Kind)
}
