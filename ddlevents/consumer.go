package ddlevents

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

const (
	defaultQueue       = "SyncDDLQueue"
	defaultWaitTimeout = 5 * time.Second
	errorPause         = 5 * time.Second
)

// Consumer receives DDL event notifications from the primary's Service
// Broker queue and applies the translated statements to the replica. RECEIVE
// removes the message before it is applied, so a crash in between loses that
// event; every handler is guarded to be an idempotent no-op on replay.
type Consumer struct {
	primary *sql.DB
	replica *sql.DB
	store   *state.Store
	log     zerolog.Logger

	Queue       string
	WaitTimeout time.Duration
}

func NewConsumer(primary, replica *sql.DB, store *state.Store, log zerolog.Logger) *Consumer {
	return &Consumer{
		primary:     primary,
		replica:     replica,
		store:       store,
		log:         log,
		Queue:       defaultQueue,
		WaitTimeout: defaultWaitTimeout,
	}
}

// Run drains the queue until the context is cancelled. Errors are logged and
// the loop pauses briefly; a broken queue must never take the process down.
func (c *Consumer) Run(ctx context.Context) {
	c.log.Info().Str("queue", c.Queue).Msg("starting DDL event consumer")
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.consumeOne(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Error().Err(err).Msg("error consuming DDL events")
			select {
			case <-ctx.Done():
				return
			case <-time.After(errorPause):
			}
		}
	}
}

func (c *Consumer) consumeOne(ctx context.Context) error {
	receiveSQL := fmt.Sprintf(`
		WAITFOR (
			RECEIVE TOP(1)
				message_type_name,
				CAST(message_body AS NVARCHAR(MAX)) AS message_body
			FROM %s
		), TIMEOUT %d`, schema.QuoteName(c.Queue), c.WaitTimeout.Milliseconds())

	var msgType, body string
	err := c.primary.QueryRowContext(ctx, receiveSQL).Scan(&msgType, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return errors.WithMessage(err, "receive from queue")
	}

	if msgType != eventNotificationType {
		c.log.Debug().Str("type", msgType).Msg("ignoring non-event message")
		return nil
	}

	event, err := ParseNotification(body)
	if err != nil {
		c.log.Warn().Err(err).Msg("dropping unparseable event notification")
		return nil
	}

	return c.apply(ctx, event)
}

func (c *Consumer) apply(ctx context.Context, event *Notification) error {
	table := event.TableName()

	enabled, err := c.store.Enabled(ctx, table)
	if err != nil {
		return err
	}
	if !enabled {
		c.log.Info().Str("event", event.EventType).Str("table", table).
			Msg("ignoring DDL event, sync is disabled for table")
		return nil
	}

	c.log.Info().Str("event", event.EventType).Str("table", table).Msg("applying DDL event")

	switch event.EventType {
	case "RENAME":
		return c.applyRename(ctx, event)
	case "ALTER_TABLE":
		return c.applyAlterTable(ctx, event)
	case "DROP_TABLE":
		return c.applyDropTable(ctx, event)
	case "CREATE_TABLE":
		// The schema cloner picks new tables up on its next tick.
		return nil
	default:
		c.log.Debug().Str("event", event.EventType).Msg("no handler for event type")
		return nil
	}
}

// applyRename mirrors sp_rename with equivalent arguments. The COL_LENGTH /
// OBJECT_ID guards make replayed events no-ops.
func (c *Consumer) applyRename(ctx context.Context, event *Notification) error {
	switch event.ObjectType {
	case "COLUMN":
		qualifiedTable := schema.QuoteName(event.SchemaOrDefault()) + "." + schema.QuoteName(event.TargetObjectName)
		stmt := fmt.Sprintf(
			"IF COL_LENGTH(N'%s', @p1) IS NOT NULL EXEC sp_rename @objname = @p2, @newname = @p3, @objtype = 'COLUMN'",
			qualifiedTable)
		objname := qualifiedTable + "." + schema.QuoteName(event.ObjectName)
		_, err := c.replica.ExecContext(ctx, stmt, event.ObjectName, objname, event.NewObjectName)
		if err != nil {
			c.log.Warn().Err(err).Str("column", event.ObjectName).Msg("failed to rename column on replica")
		}
		return nil

	case "TABLE":
		qualifiedOld := schema.QuoteName(event.SchemaOrDefault()) + "." + schema.QuoteName(event.ObjectName)
		stmt := fmt.Sprintf(
			"IF OBJECT_ID(N'%s', 'U') IS NOT NULL EXEC sp_rename @objname = @p1, @newname = @p2",
			qualifiedOld)
		_, err := c.replica.ExecContext(ctx, stmt, qualifiedOld, event.NewObjectName)
		if err != nil {
			c.log.Warn().Err(err).Str("table", event.ObjectName).Msg("failed to rename table on replica")
		}
		return nil
	}

	c.log.Debug().Str("object_type", event.ObjectType).Msg("rename for unhandled object type")
	return nil
}

// applyAlterTable forwards column additions and removals. This is the single
// sanctioned path for DROP COLUMN on the replica; constraint churn is left
// to the per-table object reconciliation.
func (c *Consumer) applyAlterTable(ctx context.Context, event *Notification) error {
	cmd := strings.TrimSpace(event.CommandText)
	if cmd == "" {
		return nil
	}
	upper := strings.ToUpper(cmd)

	if strings.Contains(upper, "CONSTRAINT") {
		c.log.Debug().Str("table", event.TableName()).Msg("constraint change, handled by object reconciliation")
		return nil
	}
	if !strings.Contains(upper, "ADD") && !strings.Contains(upper, "DROP COLUMN") {
		c.log.Debug().Str("table", event.TableName()).Msg("alter without column add or drop, skipping")
		return nil
	}

	if _, err := c.replica.ExecContext(ctx, cmd); err != nil {
		// Replays hit "column already exists" / "column does not exist";
		// both mean the replica already converged.
		c.log.Warn().Err(err).Str("table", event.TableName()).Str("sql", cmd).
			Msg("failed to forward ALTER TABLE to replica")
	}
	return nil
}

func (c *Consumer) applyDropTable(ctx context.Context, event *Notification) error {
	qualified := schema.QuoteName(event.SchemaOrDefault()) + "." + schema.QuoteName(event.ObjectName)
	stmt := fmt.Sprintf("IF OBJECT_ID(N'%s', 'U') IS NOT NULL DROP TABLE %s", qualified, qualified)
	if _, err := c.replica.ExecContext(ctx, stmt); err != nil {
		c.log.Warn().Err(err).Str("table", event.ObjectName).Msg("failed to drop table on replica")
	}
	return nil
}
