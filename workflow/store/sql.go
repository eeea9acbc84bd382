package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/agentflow/workflow"
)

// sqlStore holds the queries SQLiteStore and MySQLStore have in common. Both
// drivers accept '?' placeholders; only the schema and duplicate-key
// detection differ.
//
// Timestamps are stored as Unix nanoseconds in BIGINT columns so both
// drivers round-trip them without DSN options.
type sqlStore struct {
	db          *sql.DB
	mu          sync.RWMutex
	closed      bool
	isDuplicate func(error) bool
}

const workflowColumns = `id, code, name, description, definition, status, created_at, updated_at`

const executionColumns = `id, workflow_id, user_id, status, input, output, error_message, started_at, completed_at`

const recommendationColumns = `id, execution_id, user_id, prompt, status, outfit_id, fail_reason, created_at, updated_at`

func (s *sqlStore) check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// SaveWorkflow implements WorkflowStore.
func (s *sqlStore) SaveWorkflow(ctx context.Context, wf *workflow.Workflow) error {
	if err := s.check(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows (`+workflowColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Code, wf.Name, wf.Description, wf.Definition, string(wf.Status),
		wf.CreatedAt.UnixNano(), wf.UpdatedAt.UnixNano(),
	)
	if err != nil {
		if s.isDuplicate(err) {
			return ErrCodeExists
		}
		return fmt.Errorf("failed to insert workflow %s: %w", wf.Code, err)
	}
	return nil
}

// UpdateWorkflow implements WorkflowStore. The code and creation time are
// never changed.
func (s *sqlStore) UpdateWorkflow(ctx context.Context, wf *workflow.Workflow) error {
	if err := s.check(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET name = ?, description = ?, definition = ?, status = ?, updated_at = ? WHERE id = ?`,
		wf.Name, wf.Description, wf.Definition, string(wf.Status), wf.UpdatedAt.UnixNano(), wf.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update workflow %s: %w", wf.ID, err)
	}
	return s.requireRow(ctx, res, `SELECT COUNT(*) FROM workflows WHERE id = ?`, wf.ID)
}

// requireRow maps an UPDATE that touched nothing to ErrNotFound. MySQL
// reports zero affected rows for an unchanged row, so existence is
// confirmed with a second query before failing.
func (s *sqlStore) requireRow(ctx context.Context, res sql.Result, countQuery, id string) error {
	n, err := res.RowsAffected()
	if err == nil && n > 0 {
		return nil
	}
	var count int
	if err := s.db.QueryRowContext(ctx, countQuery, id).Scan(&count); err != nil {
		return fmt.Errorf("failed to check row %s: %w", id, err)
	}
	if count == 0 {
		return ErrNotFound
	}
	return nil
}

// GetWorkflow implements WorkflowStore.
func (s *sqlStore) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	return scanWorkflow(row)
}

// GetWorkflowByCode implements WorkflowStore.
func (s *sqlStore) GetWorkflowByCode(ctx context.Context, code string) (*workflow.Workflow, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE code = ?`, code)
	return scanWorkflow(row)
}

// ExistsByCode implements WorkflowStore.
func (s *sqlStore) ExistsByCode(ctx context.Context, code string) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflows WHERE code = ?`, code).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check workflow code %s: %w", code, err)
	}
	return count > 0, nil
}

// ListWorkflows implements WorkflowStore.
func (s *sqlStore) ListWorkflows(ctx context.Context, enabledOnly bool) ([]*workflow.Workflow, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	query := `SELECT ` + workflowColumns + ` FROM workflows`
	args := []interface{}{}
	if enabledOnly {
		query += ` WHERE status = ?`
		args = append(args, string(workflow.WorkflowNormal))
	}
	query += ` ORDER BY code`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []*workflow.Workflow{}
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

// Create implements workflow.ExecutionRepository.
func (s *sqlStore) Create(ctx context.Context, rec *workflow.ExecutionRecord) error {
	if err := s.check(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.WorkflowID, rec.UserID, string(rec.Status), rec.Input, rec.Output, rec.ErrorMessage,
		rec.StartedAt.UnixNano(), nullTime(rec.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert execution %s: %w", rec.ID, err)
	}
	return nil
}

// Update implements workflow.ExecutionRepository.
func (s *sqlStore) Update(ctx context.Context, rec *workflow.ExecutionRecord) error {
	if err := s.check(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, output = ?, error_message = ?, completed_at = ? WHERE id = ?`,
		string(rec.Status), rec.Output, rec.ErrorMessage, nullTime(rec.CompletedAt), rec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update execution %s: %w", rec.ID, err)
	}
	return s.requireRow(ctx, res, `SELECT COUNT(*) FROM executions WHERE id = ?`, rec.ID)
}

// Get implements workflow.ExecutionRepository.
func (s *sqlStore) Get(ctx context.Context, id string) (*workflow.ExecutionRecord, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	return scanExecution(row)
}

// ListExecutions implements ExecutionStore.
func (s *sqlStore) ListExecutions(ctx context.Context, workflowID string, limit int) ([]*workflow.ExecutionRecord, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	query := `SELECT ` + executionColumns + ` FROM executions`
	args := []interface{}{}
	if workflowID != "" {
		query += ` WHERE workflow_id = ?`
		args = append(args, workflowID)
	}
	query += ` ORDER BY started_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []*workflow.ExecutionRecord{}
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveRecommendation implements RecommendationStore.
func (s *sqlStore) SaveRecommendation(ctx context.Context, r *Recommendation) error {
	if err := s.check(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recommendations (`+recommendationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ExecutionID, r.UserID, r.Prompt, r.Status, r.OutfitID, r.FailReason,
		r.CreatedAt.UnixNano(), r.UpdatedAt.UnixNano(),
	)
	if err != nil {
		if s.isDuplicate(err) {
			return fmt.Errorf("%w: recommendation %s", ErrDuplicate, r.ID)
		}
		return fmt.Errorf("failed to insert recommendation %s: %w", r.ID, err)
	}
	return nil
}

// SettleRecommendation implements RecommendationStore. The status guard in
// the WHERE clause makes concurrent settlements of one record exclusive.
func (s *sqlStore) SettleRecommendation(ctx context.Context, r *Recommendation, from string) error {
	if err := s.check(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE recommendations SET status = ?, outfit_id = ?, fail_reason = ?, updated_at = ? WHERE id = ? AND status = ?`,
		r.Status, r.OutfitID, r.FailReason, r.UpdatedAt.UnixNano(), r.ID, from,
	)
	if err != nil {
		return fmt.Errorf("failed to settle recommendation %s: %w", r.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	if _, err := s.GetRecommendation(ctx, r.ID); err != nil {
		return err
	}
	return fmt.Errorf("%w: recommendation %s is no longer %s", ErrConflict, r.ID, from)
}

// GetRecommendation implements RecommendationStore.
func (s *sqlStore) GetRecommendation(ctx context.Context, id string) (*Recommendation, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+recommendationColumns+` FROM recommendations WHERE id = ?`, id)
	return scanRecommendation(row)
}

// GetRecommendationByExecution implements RecommendationStore.
func (s *sqlStore) GetRecommendationByExecution(ctx context.Context, executionID string) (*Recommendation, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recommendationColumns+` FROM recommendations WHERE execution_id = ?`, executionID)
	return scanRecommendation(row)
}

// ListRecommendations implements RecommendationStore.
func (s *sqlStore) ListRecommendations(ctx context.Context, userID string) ([]*Recommendation, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recommendationColumns+` FROM recommendations WHERE user_id = ? ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list recommendations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []*Recommendation{}
	for rows.Next() {
		r, err := scanRecommendation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Ping implements Store.
func (s *sqlStore) Ping(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Close implements Store.
func (s *sqlStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkflow(row scanner) (*workflow.Workflow, error) {
	var (
		wf               workflow.Workflow
		status           string
		created, updated int64
	)
	err := row.Scan(&wf.ID, &wf.Code, &wf.Name, &wf.Description, &wf.Definition, &status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan workflow: %w", err)
	}
	wf.Status = workflow.WorkflowStatus(status)
	wf.CreatedAt = time.Unix(0, created).UTC()
	wf.UpdatedAt = time.Unix(0, updated).UTC()
	return &wf, nil
}

func scanExecution(row scanner) (*workflow.ExecutionRecord, error) {
	var (
		rec       workflow.ExecutionRecord
		status    string
		started   int64
		completed sql.NullInt64
	)
	err := row.Scan(&rec.ID, &rec.WorkflowID, &rec.UserID, &status, &rec.Input, &rec.Output,
		&rec.ErrorMessage, &started, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}
	rec.Status = workflow.ExecutionStatus(status)
	rec.StartedAt = time.Unix(0, started).UTC()
	if completed.Valid {
		t := time.Unix(0, completed.Int64).UTC()
		rec.CompletedAt = &t
	}
	return &rec, nil
}

func scanRecommendation(row scanner) (*Recommendation, error) {
	var (
		r                Recommendation
		created, updated int64
	)
	err := row.Scan(&r.ID, &r.ExecutionID, &r.UserID, &r.Prompt, &r.Status, &r.OutfitID, &r.FailReason,
		&created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan recommendation: %w", err)
	}
	r.CreatedAt = time.Unix(0, created).UTC()
	r.UpdatedAt = time.Unix(0, updated).UTC()
	return &r, nil
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
