package ctsync

import (
	"context"
	"database/sql"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/athariqk/gomssync/schema"
	"github.com/athariqk/gomssync/state"
)

// WorkerState labels where a table's worker sits in its lifecycle.
type WorkerState int

const (
	StateDiscovered WorkerState = iota
	StatePaused
	StateStarting
	StateFullLoading
	StateTailing
)

func (s WorkerState) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StatePaused:
		return "paused"
	case StateStarting:
		return "starting"
	case StateFullLoading:
		return "full_loading"
	case StateTailing:
		return "tailing"
	}
	return "unknown"
}

// workerAction is the decision taken at the top of each busy phase.
type workerAction int

const (
	actionNone workerAction = iota
	actionFullLoad
	actionTail
)

// decideAction picks the next step for one table given its durable state.
// Tables without a primary key can only ever be full-loaded; once loaded they
// sit idle until the operator forces another load.
func decideAction(enabled, force bool, version int64, hasPK bool) workerAction {
	if !enabled {
		return actionNone
	}
	if force || version == 0 {
		return actionFullLoad
	}
	if !hasPK {
		return actionNone
	}
	return actionTail
}

// Worker drives one table through the replication lifecycle. It owns its
// state snapshot, holds a semaphore permit only while busy, and is
// cancellable only between ticks so in-flight transactions always finish.
type Worker struct {
	tableName   string
	tableSchema string
	cfg         *Config
	store       *state.Store
	intro       *schema.Introspector
	cloner      *schema.Cloner
	fullLoader  *FullLoader
	incremental *Incremental
	sem         *semaphore.Weighted
	log         zerolog.Logger

	state WorkerState
	retry *backoff.ExponentialBackOff
}

func NewWorker(cfg *Config, primary, replica *sql.DB, store *state.Store,
	sem *semaphore.Weighted, table schema.Table, log zerolog.Logger) *Worker {

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = cfg.PollInterval
	retry.MaxInterval = 30 * time.Second
	retry.MaxElapsedTime = 0 // never give up; the operator watches the flags

	return &Worker{
		tableName:   table.Name,
		tableSchema: table.SchemaOrDefault(),
		cfg:         cfg,
		store:       store,
		intro:       schema.NewIntrospector(primary),
		cloner:      schema.NewCloner(primary, replica, log),
		fullLoader:  NewFullLoader(primary, replica, store, cfg.ChunkFor(table.Name), log),
		incremental: NewIncremental(primary, replica, store, log),
		sem:         sem,
		log:         log.With().Str("table", table.Name).Logger(),
		state:       StateDiscovered,
		retry:       retry,
	}
}

func (w *Worker) State() WorkerState { return w.state }

// Run loops until the context is cancelled. Errors never escape; they are
// logged and retried with exponential backoff capped at 30s.
func (w *Worker) Run(ctx context.Context) {
	for {
		sleep := w.cfg.PollInterval
		if err := w.tick(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			sleep = w.retry.NextBackOff()
			if sleep > w.retry.MaxInterval {
				sleep = w.retry.MaxInterval
			}
			level := w.log.Error()
			if IsTransient(err) {
				level = w.log.Warn()
			}
			level.Err(err).Str("state", w.state.String()).Dur("retry_in", sleep).Msg("sync tick failed")
		} else {
			w.retry.Reset()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

func (w *Worker) tick(ctx context.Context) error {
	// The tick body never observes cancellation: aborting a statement
	// mid-page would tear down an in-flight transaction. Run checks the
	// original context between ticks.
	ctx = context.WithoutCancel(ctx)

	if err := w.store.InitTableDefaults(ctx, w.tableName); err != nil {
		return err
	}

	enabled, err := w.store.Enabled(ctx, w.tableName)
	if err != nil {
		return err
	}
	if !enabled {
		if w.state != StatePaused {
			w.log.Info().Msg("sync disabled, pausing")
		}
		w.state = StatePaused
		return nil
	}
	w.state = StateStarting

	timeout := w.cfg.MetadataTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	metaCtx, cancel := context.WithTimeout(ctx, timeout)
	desc, err := w.intro.DescribeTable(metaCtx, w.tableSchema, w.tableName)
	cancel()
	if err != nil {
		return err
	}
	if desc == nil {
		// Gone from the primary; the coordinator retires this worker after
		// two discovery ticks without the table.
		w.log.Warn().Msg("table no longer exists on primary")
		return nil
	}

	if err := w.cloner.EnsureTable(ctx, desc); err != nil {
		return err
	}
	if err := w.cloner.SyncTableObjects(ctx, desc); err != nil {
		w.log.Warn().Err(err).Msg("failed to reconcile indexes and constraints")
	}

	force, err := w.store.ForceFullLoad(ctx, w.tableName)
	if err != nil {
		return err
	}
	version, err := w.store.Version(ctx, w.tableName)
	if err != nil {
		return err
	}

	action := decideAction(enabled, force, version, len(desc.PKColumns) > 0)
	if action == actionNone {
		if len(desc.PKColumns) == 0 {
			w.log.Debug().Msg("no primary key, cannot tail; set force_full_load to refresh")
		}
		return nil
	}
	if action == actionFullLoad && len(desc.PKColumns) == 0 {
		w.log.Warn().Msg("table has no primary key, falling back to full load")
	}

	// The permit covers only the busy phase so idle tables never starve
	// loaded ones.
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return nil
	}
	defer w.sem.Release(1)

	switch action {
	case actionFullLoad:
		w.state = StateFullLoading
		if err := w.fullLoader.Run(ctx, desc); err != nil {
			w.state = StatePaused
			return w.escalate(ctx, err)
		}
		w.state = StateTailing

	case actionTail:
		w.state = StateTailing
		if err := w.incremental.Tick(ctx, desc); err != nil {
			switch {
			case errors.Is(err, ErrCTHistoryLost):
				w.log.Warn().Err(err).Msg("change tracking history lost, escalating to full load")
				return w.store.SetForceFullLoad(ctx, w.tableName, true)
			case errors.Is(err, ErrNoPrimaryKey):
				w.log.Warn().Err(err).Msg("primary key disappeared, escalating to full load")
				return w.store.SetForceFullLoad(ctx, w.tableName, true)
			default:
				return w.escalate(ctx, err)
			}
		}
	}

	return nil
}

// escalate handles errors that demand operator attention: a schema mismatch
// pauses the table rather than burning retries forever.
func (w *Worker) escalate(ctx context.Context, err error) error {
	if IsSchemaMismatch(err) {
		w.log.Error().Err(err).Msg("schema mismatch, disabling table until an operator intervenes")
		if serr := w.store.SetEnabled(ctx, w.tableName, false); serr != nil {
			return serr
		}
		w.state = StatePaused
		return nil
	}
	return err
}
