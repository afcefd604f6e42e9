package campusflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// FileCheckpointer is a file-based implementation that persists checkpoints
// to disk. Each thread gets a directory holding one file per step plus a
// latest.json copy of the newest checkpoint. Files are written to a temp
// file and renamed into place so a partial checkpoint is never observable.
type FileCheckpointer struct {
	dataDir string
}

// NewFileCheckpointer creates a new file-based checkpointer
func NewFileCheckpointer(dataDir string) (*FileCheckpointer, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".campusflow", "threads")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}
	return &FileCheckpointer{dataDir: dataDir}, nil
}

func (c *FileCheckpointer) threadDir(threadID string) (string, error) {
	if threadID == "" || strings.ContainsAny(threadID, `/\`) || threadID == "." || threadID == ".." {
		return "", fmt.Errorf("invalid thread id %q", threadID)
	}
	return filepath.Join(c.dataDir, threadID), nil
}

func checkpointFileName(step int) string {
	return fmt.Sprintf("checkpoint-%08d.json", step)
}

// Save writes the checkpoint file and then advances latest.json. The step
// file is removed again if the pointer cannot be updated.
func (c *FileCheckpointer) Save(ctx context.Context, checkpoint *Checkpoint) error {
	dir, err := c.threadDir(checkpoint.ThreadID)
	if err != nil {
		return err
	}
	data, err := MarshalCheckpoint(checkpoint)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create thread directory: %w", err)
	}
	stepPath := filepath.Join(dir, checkpointFileName(checkpoint.Step))
	if err := writeFileAtomic(stepPath, data); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := c.advanceLatest(ctx, dir, checkpoint, data); err != nil {
		os.Remove(stepPath)
		return err
	}
	return nil
}

// advanceLatest points latest.json at checkpoint unless it already points
// at a later step.
func (c *FileCheckpointer) advanceLatest(ctx context.Context, dir string, checkpoint *Checkpoint, data []byte) error {
	latest, err := c.LoadLatest(ctx, checkpoint.ThreadID)
	if err != nil && !errors.Is(err, ErrCheckpointNotFound) {
		return err
	}
	if latest != nil && latest.Step > checkpoint.Step {
		return nil
	}
	if err := writeFileAtomic(filepath.Join(dir, "latest.json"), data); err != nil {
		return fmt.Errorf("failed to update latest checkpoint: %w", err)
	}
	return nil
}

func (c *FileCheckpointer) LoadLatest(ctx context.Context, threadID string) (*Checkpoint, error) {
	dir, err := c.threadDir(threadID)
	if err != nil {
		return nil, err
	}
	return readCheckpointFile(filepath.Join(dir, "latest.json"))
}

func (c *FileCheckpointer) LoadAt(ctx context.Context, threadID string, step int) (*Checkpoint, error) {
	dir, err := c.threadDir(threadID)
	if err != nil {
		return nil, err
	}
	return readCheckpointFile(filepath.Join(dir, checkpointFileName(step)))
}

func (c *FileCheckpointer) List(ctx context.Context, threadID string) ([]*Checkpoint, error) {
	dir, err := c.threadDir(threadID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Checkpoint{}, nil
		}
		return nil, fmt.Errorf("failed to read thread directory: %w", err)
	}
	var steps []int
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "checkpoint-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		step, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "checkpoint-"), ".json"))
		if err != nil {
			continue
		}
		steps = append(steps, step)
	}
	sort.Ints(steps)
	out := make([]*Checkpoint, 0, len(steps))
	for _, step := range steps {
		cp, err := readCheckpointFile(filepath.Join(dir, checkpointFileName(step)))
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// Threads returns a summary of every thread with at least one checkpoint
func (c *FileCheckpointer) Threads(ctx context.Context) ([]*ThreadSummary, error) {
	entries, err := os.ReadDir(c.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*ThreadSummary{}, nil
		}
		return nil, fmt.Errorf("failed to read threads directory: %w", err)
	}
	var summaries []*ThreadSummary
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		cp, err := c.LoadLatest(ctx, entry.Name())
		if err != nil {
			// Skip threads we can't read
			continue
		}
		summaries = append(summaries, SummarizeThread(cp))
	}
	SortThreadSummaries(summaries)
	return summaries, nil
}

func readCheckpointFile(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrCheckpointNotFound
		}
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	return UnmarshalCheckpoint(data)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
