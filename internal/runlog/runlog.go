// Package runlog records training runs in a SQLite ledger: one row per
// run, the losses of every step, and every checkpoint written.
//
//	ledger, err := runlog.Open(ctx, filepath.Join(modelDir, "runlog.db"))
//	id, err := ledger.StartRun(ctx, runlog.Run{SaveName: "vm2_ncc", ...})
//	ledger.RecordStep(ctx, id, runlog.Step{Step: 0, Total: -0.1, ...})
//	ledger.RecordCheckpoint(ctx, id, runlog.Checkpoint{Step: 0, Path: ".../0.vxm"})
//	ledger.FinishRun(ctx, id, runlog.StatusCompleted, nil)
//
// Step rows are buffered and written in batches; checkpoints and FinishRun
// flush the buffer first.
package runlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/voxelmorph-go/voxelmorph/internal/ctxlog"
)

// Run statuses.
const (
	StatusRunning     = "running"
	StatusCompleted   = "completed"
	StatusInterrupted = "interrupted"
	StatusFailed      = "failed"
)

// DefaultBatchSize is the number of step rows buffered before a write.
const DefaultBatchSize = 256

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = errors.New("runlog: run not found")

// Run is one training run.
type Run struct {
	ID         uuid.UUID
	SaveName   string
	Model      string
	ConfigJSON string
	Device     string
	StartStep  int64
	LastStep   *int64
	Status     string
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Step holds the losses of one iteration.
type Step struct {
	Step  int64
	Total float64
	NCC   float64
	Grad  float64
}

// Checkpoint is a saved weights file.
type Checkpoint struct {
	Step      int64
	Path      string
	Total     float64
	CreatedAt time.Time
}

// Ledger is a handle on the run database. It is not safe for concurrent
// use.
type Ledger struct {
	db        *sql.DB
	pending   map[uuid.UUID][]Step
	batchSize int
	now       func() time.Time
}

// Open opens or creates the ledger at path and migrates its schema.
func Open(ctx context.Context, path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open run ledger: %w", err)
	}
	// One connection keeps the pragmas in effect for every statement.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	if err := migrateUp(db, ctxlog.FromContext(ctx)); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Ledger{
		db:        db,
		pending:   make(map[uuid.UUID][]Step),
		batchSize: DefaultBatchSize,
		now:       time.Now,
	}, nil
}

// SchemaVersion returns the applied migration version.
func (l *Ledger) SchemaVersion(ctx context.Context) (uint, error) {
	version, dirty, err := schemaVersion(l.db, ctxlog.FromContext(ctx))
	if err != nil {
		return 0, err
	}
	if dirty {
		return version, fmt.Errorf("runlog: schema version %d is dirty", version)
	}
	return version, nil
}

// SetBatchSize changes how many steps are buffered before a write.
func (l *Ledger) SetBatchSize(n int) {
	l.batchSize = max(n, 1)
}

// StartRun inserts a run in the running state and returns its new id.
func (l *Ledger) StartRun(ctx context.Context, run Run) (uuid.UUID, error) {
	id := uuid.New()
	started := l.now().UTC()
	if !run.StartedAt.IsZero() {
		started = run.StartedAt.UTC()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, save_name, model, config_json, device, start_step, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), run.SaveName, run.Model, run.ConfigJSON, run.Device, run.StartStep,
		StatusRunning, started.Format(time.RFC3339Nano),
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to insert run: %w", err)
	}
	return id, nil
}

// RecordStep buffers the losses of one step, writing the buffer when it is
// full.
func (l *Ledger) RecordStep(ctx context.Context, runID uuid.UUID, step Step) error {
	l.pending[runID] = append(l.pending[runID], step)
	if len(l.pending[runID]) >= l.batchSize {
		return l.Flush(ctx)
	}
	return nil
}

// Flush writes all buffered steps in one transaction.
func (l *Ledger) Flush(ctx context.Context) (err error) {
	if len(l.pending) == 0 {
		return nil
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO steps (run_id, step, total, ncc, grad) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare step insert: %w", err)
	}
	defer stmt.Close()

	for runID, steps := range l.pending {
		for _, s := range steps {
			if _, err := stmt.ExecContext(ctx, runID.String(), s.Step, s.Total, s.NCC, s.Grad); err != nil {
				return fmt.Errorf("failed to insert step %d: %w", s.Step, err)
			}
		}
		if n := len(steps); n > 0 {
			if _, err := tx.ExecContext(ctx, `UPDATE runs SET last_step = ? WHERE run_id = ?`,
				steps[n-1].Step, runID.String()); err != nil {
				return fmt.Errorf("failed to update run: %w", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit steps: %w", err)
	}
	clear(l.pending)
	return nil
}

// RecordCheckpoint flushes pending steps and records a checkpoint file.
func (l *Ledger) RecordCheckpoint(ctx context.Context, runID uuid.UUID, ckpt Checkpoint) error {
	if err := l.Flush(ctx); err != nil {
		return err
	}
	created := ckpt.CreatedAt
	if created.IsZero() {
		created = l.now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO checkpoints (run_id, step, path, total, created_at) VALUES (?, ?, ?, ?, ?)`,
		runID.String(), ckpt.Step, ckpt.Path, ckpt.Total, created.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	return nil
}

// FinishRun flushes pending steps and closes the run with status. runErr,
// when not nil, is stored with the run.
func (l *Ledger) FinishRun(ctx context.Context, runID uuid.UUID, status string, runErr error) error {
	if err := l.Flush(ctx); err != nil {
		return err
	}
	var msg sql.NullString
	if runErr != nil {
		msg = sql.NullString{String: runErr.Error(), Valid: true}
	}
	res, err := l.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE run_id = ?`,
		status, msg, l.now().UTC().Format(time.RFC3339Nano), runID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// Run loads a run by id.
func (l *Ledger) Run(ctx context.Context, runID uuid.UUID) (*Run, error) {
	var (
		run              Run
		id, started      string
		lastStep         sql.NullInt64
		errMsg, finished sql.NullString
	)
	err := l.db.QueryRowContext(ctx, `
		SELECT run_id, save_name, model, config_json, device, start_step, last_step, status, error, started_at, finished_at
		FROM runs WHERE run_id = ?`, runID.String(),
	).Scan(&id, &run.SaveName, &run.Model, &run.ConfigJSON, &run.Device, &run.StartStep,
		&lastStep, &run.Status, &errMsg, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}

	if run.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("bad run id %q: %w", id, err)
	}
	if run.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return nil, fmt.Errorf("bad start time %q: %w", started, err)
	}
	if lastStep.Valid {
		run.LastStep = &lastStep.Int64
	}
	run.Error = errMsg.String
	if finished.Valid {
		t, err := time.Parse(time.RFC3339Nano, finished.String)
		if err != nil {
			return nil, fmt.Errorf("bad finish time %q: %w", finished.String, err)
		}
		run.FinishedAt = &t
	}
	return &run, nil
}

// Steps returns the recorded steps of a run in step order.
func (l *Ledger) Steps(ctx context.Context, runID uuid.UUID) ([]Step, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT step, total, ncc, grad FROM steps WHERE run_id = ? ORDER BY step`, runID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var s Step
		if err := rows.Scan(&s.Step, &s.Total, &s.NCC, &s.Grad); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// Checkpoints returns the checkpoints of a run in step order.
func (l *Ledger) Checkpoints(ctx context.Context, runID uuid.UUID) ([]Checkpoint, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT step, path, total, created_at FROM checkpoints WHERE run_id = ? ORDER BY step`, runID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer rows.Close()

	var ckpts []Checkpoint
	for rows.Next() {
		var (
			c       Checkpoint
			created string
		)
		if err := rows.Scan(&c.Step, &c.Path, &c.Total, &created); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		if c.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("bad checkpoint time %q: %w", created, err)
		}
		ckpts = append(ckpts, c)
	}
	return ckpts, rows.Err()
}

// Close flushes pending steps and closes the database.
func (l *Ledger) Close(ctx context.Context) error {
	flushErr := l.Flush(ctx)
	return errors.Join(flushErr, l.db.Close())
}
