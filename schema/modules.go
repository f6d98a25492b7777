package schema

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// ModuleSynchronizer reconciles views, procedures and user-defined functions
// by definition text. Definitions are opaque scripts; comparison is exact
// equality after trimming trailing whitespace.
type ModuleSynchronizer struct {
	primary *Introspector
	replica *Introspector
	db      *sql.DB // replica
	log     zerolog.Logger
}

func NewModuleSynchronizer(primary, replica *sql.DB, log zerolog.Logger) *ModuleSynchronizer {
	return &ModuleSynchronizer{
		primary: NewIntrospector(primary),
		replica: NewIntrospector(replica),
		db:      replica,
		log:     log,
	}
}

type moduleActionKind int

const (
	moduleCreate moduleActionKind = iota
	moduleReplace
	moduleDrop
)

type moduleAction struct {
	Kind   moduleActionKind
	Module Module
}

// Sync runs one reconciliation pass. Per-object failures are logged and do
// not abort the pass; the next tick retries.
func (ms *ModuleSynchronizer) Sync(ctx context.Context) error {
	primaryMods, err := ms.primary.ListModules(ctx)
	if err != nil {
		return err
	}
	replicaMods, err := ms.replica.ListModules(ctx)
	if err != nil {
		return err
	}

	for _, action := range DiffModules(primaryMods, replicaMods) {
		m := action.Module
		switch action.Kind {
		case moduleCreate:
			ms.log.Info().Str("module", m.Key()).Str("kind", m.Kind).Msg("creating module on replica")
			if _, err := ms.db.ExecContext(ctx, m.Definition); err != nil {
				ms.log.Warn().Err(err).Str("module", m.Key()).Msg("failed to create module")
			}
		case moduleReplace:
			ms.log.Info().Str("module", m.Key()).Str("kind", m.Kind).Msg("module drifted, recreating on replica")
			if err := ms.drop(ctx, m); err != nil {
				ms.log.Warn().Err(err).Str("module", m.Key()).Msg("failed to drop module before recreate")
				continue
			}
			if _, err := ms.db.ExecContext(ctx, m.Definition); err != nil {
				ms.log.Warn().Err(err).Str("module", m.Key()).Msg("failed to recreate module")
			}
		case moduleDrop:
			ms.log.Info().Str("module", m.Key()).Str("kind", m.Kind).Msg("module gone on primary, dropping from replica")
			if err := ms.drop(ctx, m); err != nil {
				ms.log.Warn().Err(err).Str("module", m.Key()).Msg("failed to drop module")
			}
		}
	}

	return nil
}

func (ms *ModuleSynchronizer) drop(ctx context.Context, m Module) error {
	dropSQL := fmt.Sprintf("DROP %s %s", m.DropVerb(), m.QualifiedName())
	_, err := ms.db.ExecContext(ctx, dropSQL)
	return err
}

// DiffModules computes the reconciliation plan. Creates and replacements
// carry the Primary module (its definition gets executed); drops carry the
// Replica module (its kind picks the DROP verb).
func DiffModules(primary, replica []Module) []moduleAction {
	pByKey := make(map[string]Module, len(primary))
	for _, m := range primary {
		pByKey[m.Key()] = m
	}
	rByKey := make(map[string]Module, len(replica))
	for _, m := range replica {
		rByKey[m.Key()] = m
	}

	var actions []moduleAction
	for key, rm := range rByKey {
		if _, ok := pByKey[key]; !ok {
			actions = append(actions, moduleAction{Kind: moduleDrop, Module: rm})
		}
	}
	for key, pm := range pByKey {
		rm, ok := rByKey[key]
		if !ok {
			actions = append(actions, moduleAction{Kind: moduleCreate, Module: pm})
			continue
		}
		if normalizeDefinition(pm.Definition) != normalizeDefinition(rm.Definition) {
			actions = append(actions, moduleAction{Kind: moduleReplace, Module: pm})
		}
	}

	sort.Slice(actions, func(i, j int) bool {
		if actions[i].Kind != actions[j].Kind {
			return actions[i].Kind > actions[j].Kind // drops first
		}
		return actions[i].Module.Key() < actions[j].Module.Key()
	})
	return actions
}

func normalizeDefinition(def string) string {
	return strings.TrimRight(def, " \t\r\n")
}
