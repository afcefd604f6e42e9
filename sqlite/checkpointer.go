// Package sqlite provides a SQLite-backed checkpoint store for single-node
// deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dingyuana/campusflow"
	_ "github.com/mattn/go-sqlite3" // sqlite driver for database/sql
)

const (
	createCheckpoints = "CREATE TABLE IF NOT EXISTS checkpoints (" +
		"thread_id TEXT NOT NULL, " +
		"step INTEGER NOT NULL, " +
		"id TEXT NOT NULL, " +
		"status TEXT NOT NULL, " +
		"data BLOB NOT NULL, " +
		"created_at INTEGER NOT NULL, " +
		"PRIMARY KEY (thread_id, step)" +
		")"

	insertCheckpoint = "INSERT OR REPLACE INTO checkpoints " +
		"(thread_id, step, id, status, data, created_at) VALUES (?, ?, ?, ?, ?, ?)"

	selectLatest = "SELECT data FROM checkpoints WHERE thread_id = ? ORDER BY step DESC LIMIT 1"

	selectAt = "SELECT data FROM checkpoints WHERE thread_id = ? AND step = ?"

	selectAll = "SELECT data FROM checkpoints WHERE thread_id = ? ORDER BY step ASC"

	selectThreads = "SELECT c.data FROM checkpoints c " +
		"JOIN (SELECT thread_id, MAX(step) AS step FROM checkpoints GROUP BY thread_id) m " +
		"ON c.thread_id = m.thread_id AND c.step = m.step"

	deleteThread = "DELETE FROM checkpoints WHERE thread_id = ?"
)

// Checkpointer stores each checkpoint as one row keyed by (thread_id, step).
type Checkpointer struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database file and prepares the schema.
func Open(path string) (*Checkpointer, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	c, err := NewCheckpointer(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// NewCheckpointer uses db, which must use the sqlite3 driver, and creates the
// checkpoint table if needed.
func NewCheckpointer(db *sql.DB) (*Checkpointer, error) {
	if db == nil {
		return nil, errors.New("sqlite: db is nil")
	}
	if _, err := db.Exec(createCheckpoints); err != nil {
		return nil, fmt.Errorf("sqlite: create checkpoints table: %w", err)
	}
	return &Checkpointer{db: db}, nil
}

// Close closes the database
func (c *Checkpointer) Close() error {
	return c.db.Close()
}

func (c *Checkpointer) Save(ctx context.Context, checkpoint *campusflow.Checkpoint) error {
	data, err := campusflow.MarshalCheckpoint(checkpoint)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, insertCheckpoint,
		checkpoint.ThreadID,
		checkpoint.Step,
		checkpoint.ID,
		string(checkpoint.State.Status),
		data,
		checkpoint.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite: save checkpoint: %w", err)
	}
	return nil
}

func (c *Checkpointer) LoadLatest(ctx context.Context, threadID string) (*campusflow.Checkpoint, error) {
	return c.loadOne(ctx, selectLatest, threadID)
}

func (c *Checkpointer) LoadAt(ctx context.Context, threadID string, step int) (*campusflow.Checkpoint, error) {
	return c.loadOne(ctx, selectAt, threadID, step)
}

func (c *Checkpointer) loadOne(ctx context.Context, query string, args ...any) (*campusflow.Checkpoint, error) {
	var data []byte
	if err := c.db.QueryRowContext(ctx, query, args...).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, campusflow.ErrCheckpointNotFound
		}
		return nil, fmt.Errorf("sqlite: load checkpoint: %w", err)
	}
	return campusflow.UnmarshalCheckpoint(data)
}

func (c *Checkpointer) List(ctx context.Context, threadID string) ([]*campusflow.Checkpoint, error) {
	return c.loadMany(ctx, selectAll, threadID)
}

func (c *Checkpointer) Threads(ctx context.Context) ([]*campusflow.ThreadSummary, error) {
	checkpoints, err := c.loadMany(ctx, selectThreads)
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

// DeleteThread removes every checkpoint of a thread
func (c *Checkpointer) DeleteThread(ctx context.Context, threadID string) error {
	if _, err := c.db.ExecContext(ctx, deleteThread, threadID); err != nil {
		return fmt.Errorf("sqlite: delete thread: %w", err)
	}
	return nil
}

func (c *Checkpointer) loadMany(ctx context.Context, query string, args ...any) ([]*campusflow.Checkpoint, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*campusflow.Checkpoint
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("sqlite: scan checkpoint: %w", err)
		}
		cp, err := campusflow.UnmarshalCheckpoint(data)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate checkpoints: %w", err)
	}
	return out, nil
}
