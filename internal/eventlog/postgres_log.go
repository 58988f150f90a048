package eventlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trenchcoat-sh/deploypulse/internal/apperrors"
	"github.com/trenchcoat-sh/deploypulse/internal/model"
)

const (
	poolMaxConns          = int32(4)
	poolMaxConnIdleTime   = 5 * time.Minute
	poolHealthCheckPeriod = 1 * time.Minute
)

const schema = `
CREATE TABLE IF NOT EXISTS deployment_events (
	seq           BIGSERIAL PRIMARY KEY,
	id            TEXT NOT NULL UNIQUE,
	commit_id     TEXT NOT NULL UNIQUE,
	author        TEXT NOT NULL DEFAULT '',
	message       TEXT NOT NULL,
	title         TEXT NOT NULL,
	occurred_at   TIMESTAMPTZ NOT NULL,
	type          TEXT NOT NULL,
	priority      TEXT NOT NULL,
	components    TEXT[] NOT NULL DEFAULT '{}',
	files_changed INTEGER NOT NULL,
	lines_added   INTEGER NOT NULL,
	lines_removed INTEGER NOT NULL,
	rule          TEXT NOT NULL DEFAULT '',
	recorded_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

const selectColumns = `id, commit_id, author, message, title, occurred_at, type, priority,
	components, files_changed, lines_added, lines_removed, rule`

// PostgresLog stores events in the deployment_events table
type PostgresLog struct {
	pool *pgxpool.Pool
}

// NewPostgresLog connects to dsn and makes sure the table exists
func NewPostgresLog(ctx context.Context, dsn string) (*PostgresLog, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUsage, err, "invalid postgres url")
	}

	cfg.MaxConns = poolMaxConns
	cfg.MaxConnIdleTime = poolMaxConnIdleTime
	cfg.HealthCheckPeriod = poolHealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStateUnavailable, err, "creating pool failed")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apperrors.Wrap(apperrors.CodeStateUnavailable, err, "pool ping failed")
	}

	l := &PostgresLog{pool: pool}
	if err := l.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return l, nil
}

func (l *PostgresLog) migrate(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, schema); err != nil {
		return apperrors.Wrap(apperrors.CodeStateUnavailable, err, "create deployment_events failed")
	}
	return nil
}

func (l *PostgresLog) Append(ctx context.Context, ev model.DeploymentEvent) error {
	const query = `
		INSERT INTO deployment_events
			(id, commit_id, author, message, title, occurred_at, type, priority,
			 components, files_changed, lines_added, lines_removed, rule)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (commit_id) DO NOTHING`

	if err := ev.Validate(); err != nil {
		return err
	}

	components := ev.Components
	if components == nil {
		components = []string{}
	}

	tag, err := l.pool.Exec(ctx, query,
		ev.ID, ev.CommitID, ev.Author, ev.Message, ev.Title, ev.Timestamp.UTC(),
		string(ev.Type), ev.Priority.String(), components,
		ev.FilesChanged, ev.LinesAdded, ev.LinesRemoved, ev.Rule,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStateUnavailable, err, "insert event %s failed", ev.ID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicate, model.ShortID(ev.CommitID))
	}
	return nil
}

func (l *PostgresLog) List(ctx context.Context) ([]model.DeploymentEvent, error) {
	query := `SELECT ` + selectColumns + ` FROM deployment_events ORDER BY occurred_at, seq`

	rows, err := l.pool.Query(ctx, query)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStateUnavailable, err, "list events failed")
	}
	defer rows.Close()

	var events []model.DeploymentEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStateUnavailable, err, "list events failed")
	}
	return events, nil
}

func (l *PostgresLog) Get(ctx context.Context, key string) (model.DeploymentEvent, error) {
	if len(key) < minPrefix {
		return l.getExact(ctx, key)
	}

	query := `SELECT ` + selectColumns + ` FROM deployment_events
		WHERE id = $1 OR commit_id = $1 OR starts_with(commit_id, $1)
		ORDER BY occurred_at, seq`

	rows, err := l.pool.Query(ctx, query, key)
	if err != nil {
		return model.DeploymentEvent{}, apperrors.Wrap(apperrors.CodeStateUnavailable, err, "get event failed")
	}
	defer rows.Close()

	var events []model.DeploymentEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return model.DeploymentEvent{}, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return model.DeploymentEvent{}, apperrors.Wrap(apperrors.CodeStateUnavailable, err, "get event failed")
	}
	return find(events, key)
}

func (l *PostgresLog) getExact(ctx context.Context, key string) (model.DeploymentEvent, error) {
	query := `SELECT ` + selectColumns + ` FROM deployment_events WHERE id = $1 OR commit_id = $1`

	ev, err := scanEvent(l.pool.QueryRow(ctx, query, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.DeploymentEvent{}, apperrors.Errorf(apperrors.CodeNotFound, "no event matches %q", key)
	}
	return ev, err
}

func (l *PostgresLog) Close() error {
	l.pool.Close()
	return nil
}

func scanEvent(row pgx.Row) (model.DeploymentEvent, error) {
	var (
		ev       model.DeploymentEvent
		typ      string
		priority string
	)
	err := row.Scan(
		&ev.ID, &ev.CommitID, &ev.Author, &ev.Message, &ev.Title, &ev.Timestamp,
		&typ, &priority, &ev.Components,
		&ev.FilesChanged, &ev.LinesAdded, &ev.LinesRemoved, &ev.Rule,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return ev, err
	}
	if err != nil {
		return ev, apperrors.Wrap(apperrors.CodeStateUnavailable, err, "scan event failed")
	}

	if ev.Type, err = model.ParseEventType(typ); err != nil {
		return ev, err
	}
	if ev.Priority, err = model.ParsePriority(priority); err != nil {
		return ev, err
	}
	ev.Timestamp = ev.Timestamp.UTC()
	return ev, nil
}
