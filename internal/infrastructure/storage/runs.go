package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"ArticlesIngest/internal/config"
	"ArticlesIngest/internal/domain"
	"ArticlesIngest/internal/metrics"
)

// ErrRunNotFound is returned when a run id has no row.
var ErrRunNotFound = errors.New("run not found")

// BeginRun opens a run in RUN_STARTED.
func (s *SQLiteStore) BeginRun(ctx context.Context, runID string, now time.Time) error {
	if runID == "" {
		return &domain.SchemaError{Field: "run_id", Reason: "required"}
	}
	return s.withTx(ctx, "begin run", func(tx *sql.Tx) error {
		_, err := execBuilder(ctx, tx, s.sb.Insert("runs").
			Columns("run_id", "state", "started_at").
			Values(runID, string(domain.RunStarted), toMillis(now)))
		return err
	})
}

// AdvanceRun moves a run to a non-terminal next state. Terminal states are
// reached only through EndRun.
func (s *SQLiteStore) AdvanceRun(ctx context.Context, runID string, next domain.RunState) error {
	if next.Terminal() {
		return fmt.Errorf("advance run %s: use EndRun for %s", runID, next)
	}
	return s.withTx(ctx, "advance run", func(tx *sql.Tx) error {
		current, err := s.runState(ctx, tx, runID)
		if err != nil {
			return err
		}
		if !domain.CanTransitionRun(current, next) {
			return s.runViolation(runID, current, next)
		}
		_, err = execBuilder(ctx, tx, s.sb.Update("runs").
			Set("state", string(next)).
			Where(sq.Eq{"run_id": runID}))
		return err
	})
}

// EndRun closes a run. Success is only reachable from RUN_RENDERING; any
// non-terminal run may fail. A closed run is never modified again.
func (s *SQLiteStore) EndRun(ctx context.Context, runID string, success bool, errorSummary string, now time.Time) error {
	next := domain.RunFinishedFailure
	if success {
		next = domain.RunFinishedSuccess
	}
	return s.withTx(ctx, "end run", func(tx *sql.Tx) error {
		current, err := s.runState(ctx, tx, runID)
		if err != nil {
			return err
		}
		if !domain.CanTransitionRun(current, next) {
			return s.runViolation(runID, current, next)
		}
		_, err = execBuilder(ctx, tx, s.sb.Update("runs").SetMap(map[string]any{
			"state":         string(next),
			"finished_at":   toMillis(now),
			"success":       success,
			"error_summary": errorSummary,
		}).Where(sq.Eq{"run_id": runID}))
		return err
	})
}

// GetRun loads a run by id.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	row, err := queryRowBuilder(ctx, s.db, s.sb.
		Select("run_id", "state", "started_at", "finished_at", "success", "error_summary").
		From("runs").
		Where(sq.Eq{"run_id": runID}))
	if err != nil {
		return domain.Run{}, err
	}

	var (
		run      domain.Run
		state    string
		started  int64
		finished sql.NullInt64
	)
	switch err := row.Scan(&run.ID, &state, &started, &finished, &run.Success, &run.ErrorSummary); {
	case errors.Is(err, sql.ErrNoRows):
		return domain.Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	case err != nil:
		return domain.Run{}, fmt.Errorf("get run: %w", err)
	}
	run.State = domain.RunState(state)
	run.StartedAt = fromMillis(started)
	run.FinishedAt = timePtr(finished)
	return run, nil
}

// GetLastSuccessfulRunFinishedAt returns when the latest successful run
// closed, or nil when none has.
func (s *SQLiteStore) GetLastSuccessfulRunFinishedAt(ctx context.Context) (*time.Time, error) {
	row, err := queryRowBuilder(ctx, s.db, s.sb.
		Select("MAX(finished_at)").
		From("runs").
		Where(sq.Eq{"state": string(domain.RunFinishedSuccess)}))
	if err != nil {
		return nil, err
	}
	var finished sql.NullInt64
	if err := row.Scan(&finished); err != nil {
		return nil, fmt.Errorf("last successful run: %w", err)
	}
	return timePtr(finished), nil
}

// RecordSourceStatus writes the audit row of one source in one run,
// replacing an earlier row for the same pair.
func (s *SQLiteStore) RecordSourceStatus(ctx context.Context, status domain.SourceStatus) error {
	warnings := status.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	encoded, err := json.Marshal(warnings)
	if err != nil {
		return fmt.Errorf("encode warnings: %w", err)
	}

	return s.withTx(ctx, "record source status", func(tx *sql.Tx) error {
		_, err := execBuilder(ctx, tx, s.sb.Insert("source_runs").
			Options("OR REPLACE").
			Columns(
				"run_id",
				"source_id",
				"state",
				"error_class",
				"attempt_count",
				"item_count",
				"new_count",
				"updated_count",
				"unchanged_count",
				"warnings",
				"finished_at",
			).
			Values(
				status.RunID,
				status.SourceID,
				string(status.State),
				status.ErrorClass,
				status.AttemptCount,
				status.ItemCount,
				status.NewCount,
				status.UpdatedCount,
				status.UnchangedCount,
				string(encoded),
				toMillis(status.FinishedAt),
			))
		return err
	})
}

// GetSourceStatuses lists the per-source rows of a run ordered by source id.
func (s *SQLiteStore) GetSourceStatuses(ctx context.Context, runID string) ([]domain.SourceStatus, error) {
	rows, err := queryBuilder(ctx, s.db, s.sb.
		Select(
			"run_id",
			"source_id",
			"state",
			"error_class",
			"attempt_count",
			"item_count",
			"new_count",
			"updated_count",
			"unchanged_count",
			"warnings",
			"finished_at",
		).
		From("source_runs").
		Where(sq.Eq{"run_id": runID}).
		OrderBy("source_id ASC"))
	if err != nil {
		return nil, fmt.Errorf("get source statuses: %w", err)
	}
	defer rows.Close()

	var out []domain.SourceStatus
	for rows.Next() {
		var (
			st       domain.SourceStatus
			state    string
			warnings string
			finished int64
		)
		if err := rows.Scan(
			&st.RunID,
			&st.SourceID,
			&state,
			&st.ErrorClass,
			&st.AttemptCount,
			&st.ItemCount,
			&st.NewCount,
			&st.UpdatedCount,
			&st.UnchangedCount,
			&warnings,
			&finished,
		); err != nil {
			return nil, fmt.Errorf("scan source status: %w", err)
		}
		if err := json.Unmarshal([]byte(warnings), &st.Warnings); err != nil {
			return nil, fmt.Errorf("decode warnings of %s: %w", st.SourceID, err)
		}
		st.State = domain.SourceState(state)
		st.FinishedAt = fromMillis(finished)
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

// PruneOldRuns deletes closed runs that finished at least days ago along
// with their source rows.
func (s *SQLiteStore) PruneOldRuns(ctx context.Context, days int, now time.Time) (int64, error) {
	if days < config.MinRunRetentionDays {
		return 0, fmt.Errorf("run retention must be at least %d days, got %d", config.MinRunRetentionDays, days)
	}
	cutoff := toMillis(now.Add(-time.Duration(days) * 24 * time.Hour))
	closed := sq.And{
		sq.NotEq{"finished_at": nil},
		sq.Lt{"finished_at": cutoff},
	}

	var deleted int64
	err := s.withTx(ctx, "prune runs", func(tx *sql.Tx) error {
		sub, args, err := s.sb.Select("run_id").From("runs").Where(closed).ToSql()
		if err != nil {
			return fmt.Errorf("build query: %w", err)
		}
		if _, err := execBuilder(ctx, tx, s.sb.Delete("source_runs").
			Where(sq.Expr("run_id IN ("+sub+")", args...))); err != nil {
			return err
		}
		res, err := execBuilder(ctx, tx, s.sb.Delete("runs").Where(closed))
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}

	s.metrics.IncCounter(metrics.RunsPruned, nil, float64(deleted))
	if s.logger != nil {
		s.logger.Info("pruned runs", "days", days, "deleted", deleted)
	}
	return deleted, nil
}

func (s *SQLiteStore) runState(ctx context.Context, tx *sql.Tx, runID string) (domain.RunState, error) {
	row, err := queryRowBuilder(ctx, tx, s.sb.Select("state").From("runs").Where(sq.Eq{"run_id": runID}))
	if err != nil {
		return "", err
	}
	var state string
	switch err := row.Scan(&state); {
	case errors.Is(err, sql.ErrNoRows):
		return "", fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	case err != nil:
		return "", fmt.Errorf("read run state: %w", err)
	}
	return domain.RunState(state), nil
}

func (s *SQLiteStore) runViolation(runID string, from, to domain.RunState) error {
	s.metrics.IncCounter(metrics.StateViolations, map[string]string{"machine": "run"}, 1)
	if s.logger != nil {
		s.logger.Error("illegal run transition",
			"run_id", runID,
			"from", string(from),
			"to", string(to),
			"invariant_violation", true,
		)
	}
	return &domain.StateTransitionError{Machine: "run", From: string(from), To: string(to)}
}
