package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/dwiprep/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// Subjects finish concurrently; one connection serializes the writers
	// and keeps a ":memory:" database shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- Run operations ---

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.Run) error {
	s.logger.Debug("sql", "op", "insert", "table", "runs", "id", run.ID)

	paramsJSON, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, pipeline, variant, params, state, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Pipeline, run.Variant, string(paramsJSON), string(run.State),
		run.CreatedAt.Format(time.RFC3339Nano), formatTime(run.CompletedAt),
	)
	return err
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	s.logger.Debug("sql", "op", "select", "table", "runs", "id", id)

	run, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT id, pipeline, variant, params, state, created_at, completed_at
		 FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	subjects, err := s.ListSubjects(ctx, id)
	if err != nil {
		return nil, err
	}
	run.Summary = model.ComputeSubjectSummary(subjects)
	return run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter model.RunFilter) ([]*model.Run, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "runs", "limit", filter.Limit, "offset", filter.Offset)
	filter.Clamp()

	where, args := "", []any{}
	if filter.State != "" {
		where, args = " WHERE state = ?", append(args, string(filter.State))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pipeline, variant, params, state, created_at, completed_at
		 FROM runs`+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		append(args, filter.Limit, filter.Offset)...,
	)
	if err != nil {
		return nil, 0, err
	}
	var runs []*model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, 0, err
		}
		runs = append(runs, run)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	for _, run := range runs {
		summary, err := s.summary(ctx, run.ID)
		if err != nil {
			return nil, 0, err
		}
		run.Summary = summary
	}
	return runs, total, nil
}

// UpdateRun records the final state of a run. Terminal runs cannot change
// state again.
func (s *SQLiteStore) UpdateRun(ctx context.Context, run *model.Run) error {
	s.logger.Debug("sql", "op", "update", "table", "runs", "id", run.ID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var from string
	err = tx.QueryRowContext(ctx, `SELECT state FROM runs WHERE id=?`, run.ID).Scan(&from)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("run %s not found", run.ID)
	}
	if err != nil {
		return err
	}
	if cur := model.RunState(from); cur != run.State && !cur.CanTransitionTo(run.State) {
		return &model.InvalidTransitionError{Entity: "run", ID: run.ID, From: from, To: string(run.State)}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET state=?, completed_at=? WHERE id=?`,
		string(run.State), formatTime(run.CompletedAt), run.ID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// summary counts subject states of one run without loading the rows.
func (s *SQLiteStore) summary(ctx context.Context, runID string) (model.SubjectSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM subjects WHERE run_id = ? GROUP BY state`, runID)
	if err != nil {
		return model.SubjectSummary{}, err
	}
	defer rows.Close()

	var sum model.SubjectSummary
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return model.SubjectSummary{}, err
		}
		sum.Total += n
		switch model.SubjectState(state) {
		case model.SubjectStatePending:
			sum.Pending = n
		case model.SubjectStateRunning:
			sum.Running = n
		case model.SubjectStateCompleted:
			sum.Completed = n
		case model.SubjectStateFailed:
			sum.Failed = n
		case model.SubjectStateSkipped:
			sum.Skipped = n
		}
	}
	return sum, rows.Err()
}

// --- Subject operations ---

// CreateSubjects inserts the cohort of a run in one transaction.
func (s *SQLiteStore) CreateSubjects(ctx context.Context, subjects []*model.SubjectRun) error {
	s.logger.Debug("sql", "op", "insert", "table", "subjects", "count", len(subjects))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO subjects (run_id, image_id, subject, session, state, error_kind, error, failed_stage, output_dir, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, sr := range subjects {
		if _, err := stmt.ExecContext(ctx,
			sr.RunID, sr.ImageID, sr.Subject, sr.Session, string(sr.State),
			string(sr.ErrorKind), sr.Error, sr.FailedStage, sr.OutputDir,
			formatTime(sr.StartedAt), formatTime(sr.CompletedAt),
		); err != nil {
			return fmt.Errorf("insert subject %s_%s: %w", sr.Subject, sr.Session, err)
		}
	}
	return tx.Commit()
}

// UpdateSubject records the progress of one entry, rejecting transitions
// out of a terminal state.
func (s *SQLiteStore) UpdateSubject(ctx context.Context, sr *model.SubjectRun) error {
	s.logger.Debug("sql", "op", "update", "table", "subjects", "run_id", sr.RunID, "subject", sr.Subject, "session", sr.Session)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var from string
	err = tx.QueryRowContext(ctx,
		`SELECT state FROM subjects WHERE run_id=? AND subject=? AND session=?`,
		sr.RunID, sr.Subject, sr.Session,
	).Scan(&from)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("subject %s_%s of run %s not found", sr.Subject, sr.Session, sr.RunID)
	}
	if err != nil {
		return err
	}
	if cur := model.SubjectState(from); cur != sr.State && !cur.CanTransitionTo(sr.State) {
		return &model.InvalidTransitionError{
			Entity: "subject",
			ID:     sr.Subject + "_" + sr.Session,
			From:   from,
			To:     string(sr.State),
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE subjects SET image_id=?, state=?, error_kind=?, error=?, failed_stage=?, output_dir=?, started_at=?, completed_at=?
		 WHERE run_id=? AND subject=? AND session=?`,
		sr.ImageID, string(sr.State), string(sr.ErrorKind), sr.Error, sr.FailedStage, sr.OutputDir,
		formatTime(sr.StartedAt), formatTime(sr.CompletedAt),
		sr.RunID, sr.Subject, sr.Session,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListSubjects(ctx context.Context, runID string) ([]*model.SubjectRun, error) {
	s.logger.Debug("sql", "op", "list", "table", "subjects", "run_id", runID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, image_id, subject, session, state, error_kind, error, failed_stage, output_dir, started_at, completed_at
		 FROM subjects WHERE run_id = ? ORDER BY subject, session`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subjects []*model.SubjectRun
	for rows.Next() {
		var sr model.SubjectRun
		var state, kind string
		var startedAt, completedAt sql.NullString
		if err := rows.Scan(&sr.RunID, &sr.ImageID, &sr.Subject, &sr.Session, &state, &kind,
			&sr.Error, &sr.FailedStage, &sr.OutputDir, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		sr.State = model.SubjectState(state)
		sr.ErrorKind = model.ErrorKind(kind)
		sr.StartedAt = parseTime(startedAt)
		sr.CompletedAt = parseTime(completedAt)
		subjects = append(subjects, &sr)
	}
	return subjects, rows.Err()
}

// CompletedImages returns the sub-XXX_ses-YYY keys that completed in any
// run of the pipeline.
func (s *SQLiteStore) CompletedImages(ctx context.Context, pipeline string) (map[string]bool, error) {
	s.logger.Debug("sql", "op", "completed", "table", "subjects", "pipeline", pipeline)

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT s.subject, s.session FROM subjects s
		 JOIN runs r ON r.id = s.run_id
		 WHERE r.pipeline = ? AND s.state = ?`,
		pipeline, string(model.SubjectStateCompleted))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	done := make(map[string]bool)
	for rows.Next() {
		var sub, ses string
		if err := rows.Scan(&sub, &ses); err != nil {
			return nil, err
		}
		done[sub+"_"+ses] = true
	}
	return done, rows.Err()
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*model.Run, error) {
	var run model.Run
	var paramsJSON, state, createdAt string
	var completedAt sql.NullString
	if err := row.Scan(&run.ID, &run.Pipeline, &run.Variant, &paramsJSON, &state, &createdAt, &completedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(paramsJSON), &run.Params); err != nil {
		return nil, fmt.Errorf("unmarshal params: %w", err)
	}
	run.State = model.RunState(state)
	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	run.CompletedAt = parseTime(completedAt)
	return &run, nil
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339Nano)
	return &s
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
