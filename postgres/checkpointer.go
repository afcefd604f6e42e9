// Package postgres stores campusflow checkpoints in PostgreSQL and provides
// a session advisory lock for running one invocation per thread across
// processes.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	"github.com/dingyuana/campusflow"
	_ "github.com/lib/pq" // postgres driver for database/sql
)

// DefaultTable is the checkpoint table used when Options.Table is empty.
const DefaultTable = "campusflow_checkpoints"

var validTable = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Options configures a Checkpointer
type Options struct {
	Table string
}

// Checkpointer is a PostgreSQL-backed campusflow.Checkpointer. Each
// checkpoint is a single row keyed by (thread_id, step); saving the same
// step twice overwrites the row.
type Checkpointer struct {
	db    *sql.DB
	table string
}

// Open connects to PostgreSQL using a lib/pq connection string and verifies
// the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("postgres: connection string is empty")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping database: %w", err)
	}
	return db, nil
}

// NewCheckpointer wraps db. Call Migrate before first use to create the table.
func NewCheckpointer(db *sql.DB, opts Options) (*Checkpointer, error) {
	if db == nil {
		return nil, errors.New("postgres: db is nil")
	}
	table := opts.Table
	if table == "" {
		table = DefaultTable
	}
	if !validTable.MatchString(table) {
		return nil, fmt.Errorf("postgres: invalid table name %q", table)
	}
	return &Checkpointer{db: db, table: table}, nil
}

// Migrate creates the checkpoint table and its index if they do not exist.
func (c *Checkpointer) Migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	thread_id TEXT NOT NULL,
	step INTEGER NOT NULL,
	id TEXT NOT NULL,
	status TEXT NOT NULL,
	data JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (thread_id, step)
)`, c.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_created_at_idx ON %s (created_at DESC)`, c.table, c.table),
	}
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migrate: %w", err)
		}
	}
	return nil
}

func (c *Checkpointer) Save(ctx context.Context, checkpoint *campusflow.Checkpoint) error {
	data, err := campusflow.MarshalCheckpoint(checkpoint)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (thread_id, step, id, status, data, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (thread_id, step) DO UPDATE SET
	id = EXCLUDED.id, status = EXCLUDED.status, data = EXCLUDED.data, created_at = EXCLUDED.created_at`, c.table)
	_, err = c.db.ExecContext(ctx, query,
		checkpoint.ThreadID,
		checkpoint.Step,
		checkpoint.ID,
		string(checkpoint.State.Status),
		data,
		checkpoint.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: save checkpoint: %w", err)
	}
	return nil
}

func (c *Checkpointer) LoadLatest(ctx context.Context, threadID string) (*campusflow.Checkpoint, error) {
	query := fmt.Sprintf(`SELECT data FROM %s WHERE thread_id = $1 ORDER BY step DESC LIMIT 1`, c.table)
	return c.loadOne(ctx, query, threadID)
}

func (c *Checkpointer) LoadAt(ctx context.Context, threadID string, step int) (*campusflow.Checkpoint, error) {
	query := fmt.Sprintf(`SELECT data FROM %s WHERE thread_id = $1 AND step = $2`, c.table)
	return c.loadOne(ctx, query, threadID, step)
}

func (c *Checkpointer) loadOne(ctx context.Context, query string, args ...any) (*campusflow.Checkpoint, error) {
	var data []byte
	if err := c.db.QueryRowContext(ctx, query, args...).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, campusflow.ErrCheckpointNotFound
		}
		return nil, fmt.Errorf("postgres: load checkpoint: %w", err)
	}
	return campusflow.UnmarshalCheckpoint(data)
}

func (c *Checkpointer) List(ctx context.Context, threadID string) ([]*campusflow.Checkpoint, error) {
	query := fmt.Sprintf(`SELECT data FROM %s WHERE thread_id = $1 ORDER BY step ASC`, c.table)
	return c.loadMany(ctx, query, threadID)
}

// Threads summarizes every thread from its latest checkpoint
func (c *Checkpointer) Threads(ctx context.Context) ([]*campusflow.ThreadSummary, error) {
	query := fmt.Sprintf(`SELECT DISTINCT ON (thread_id) data FROM %s ORDER BY thread_id, step DESC`, c.table)
	checkpoints, err := c.loadMany(ctx, query)
	if err != nil {
		return nil, err
	}
	summaries := make([]*campusflow.ThreadSummary, 0, len(checkpoints))
	for _, cp := range checkpoints {
		summaries = append(summaries, campusflow.SummarizeThread(cp))
	}
	campusflow.SortThreadSummaries(summaries)
	return summaries, nil
}

func (c *Checkpointer) loadMany(ctx context.Context, query string, args ...any) ([]*campusflow.Checkpoint, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*campusflow.Checkpoint
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("postgres: scan checkpoint: %w", err)
		}
		cp, err := campusflow.UnmarshalCheckpoint(data)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate checkpoints: %w", err)
	}
	return out, nil
}
