package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CreateRun inserts a run in the running state and returns its ID.
func (r *pgStorage) CreateRun(ctx context.Context, workflowID, userID uuid.UUID, input map[string]any) (uuid.UUID, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	runID := uuid.New()
	_, err := r.db.Exec(timeoutCtx, `
        INSERT INTO workflow_runs (id, workflow_id, user_id, status, input_data, started_at)
        VALUES ($1, $2, $3, $4, $5, now())`,
		runID, workflowID, userID, StatusRunning, input)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: creating run: %w", err)
	}
	return runID, nil
}

// FinalizeRun writes a run's terminal state. The status guard in the
// WHERE clause makes the transition single-shot: a second finalize
// matches zero rows and reports an error instead of overwriting.
func (r *pgStorage) FinalizeRun(ctx context.Context, runID uuid.UUID, status Status, output map[string]any, errMsg *string) error {
	if !status.Terminal() {
		return fmt.Errorf("storage: run %s: cannot finalize to non-terminal status %q", runID, status)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := r.db.Exec(timeoutCtx, `
        UPDATE workflow_runs
        SET status = $2, output_data = $3, error_message = $4, completed_at = now()
        WHERE id = $1 AND status = $5`,
		runID, status, output, errMsg, StatusRunning)
	if err != nil {
		return fmt.Errorf("storage: finalizing run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: run %s is not running, refusing second terminal write", runID)
	}
	return nil
}

// CreateNodeExecution inserts a node execution in the running state.
func (r *pgStorage) CreateNodeExecution(ctx context.Context, runID, nodeID uuid.UUID, order int) (uuid.UUID, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	execID := uuid.New()
	_, err := r.db.Exec(timeoutCtx, `
        INSERT INTO node_executions (id, run_id, node_id, status, execution_order, started_at)
        VALUES ($1, $2, $3, $4, $5, now())`,
		execID, runID, nodeID, StatusRunning, order)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: creating node execution: %w", err)
	}
	return execID, nil
}

// FinalizeNodeExecution writes a node execution's terminal state,
// with the same single-shot guard as FinalizeRun.
func (r *pgStorage) FinalizeNodeExecution(ctx context.Context, nodeExecID uuid.UUID, status Status, output map[string]any, errMsg *string) error {
	if !status.Terminal() {
		return fmt.Errorf("storage: node execution %s: cannot finalize to non-terminal status %q", nodeExecID, status)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := r.db.Exec(timeoutCtx, `
        UPDATE node_executions
        SET status = $2, output_data = $3, error_message = $4, completed_at = now()
        WHERE id = $1 AND status = $5`,
		nodeExecID, status, output, errMsg, StatusRunning)
	if err != nil {
		return fmt.Errorf("storage: finalizing node execution %s: %w", nodeExecID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: node execution %s is not running, refusing second terminal write", nodeExecID)
	}
	return nil
}

// ListRuns returns a workflow's runs, most recent first. Ownership is
// checked through the join to workflows.
func (r *pgStorage) ListRuns(ctx context.Context, workflowID, userID uuid.UUID) ([]WorkflowRun, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := r.db.Query(timeoutCtx, `
        SELECT r.id, r.status, r.input_data, r.output_data, r.error_message, r.started_at, r.completed_at
        FROM workflow_runs r
        JOIN workflows w ON r.workflow_id = w.id
        WHERE r.workflow_id = $1 AND w.user_id = $2
        ORDER BY r.started_at DESC`,
		workflowID, userID)
	if err != nil {
		return nil, fmt.Errorf("storage: listing runs: %w", err)
	}
	defer rows.Close()

	var runs []WorkflowRun
	for rows.Next() {
		run := WorkflowRun{WorkflowID: workflowID, UserID: userID}
		if err := rows.Scan(&run.ID, &run.Status, &run.InputData, &run.OutputData,
			&run.ErrorMessage, &run.StartedAt, &run.CompletedAt); err != nil {
			return nil, fmt.Errorf("storage: scanning run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetRun returns one run with its node executions in execution order.
func (r *pgStorage) GetRun(ctx context.Context, runID, userID uuid.UUID) (*WorkflowRun, []NodeExecution, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	run := &WorkflowRun{ID: runID, UserID: userID}
	err := r.db.QueryRow(timeoutCtx, `
        SELECT workflow_id, status, input_data, output_data, error_message, started_at, completed_at
        FROM workflow_runs
        WHERE id = $1 AND user_id = $2`,
		runID, userID).Scan(&run.WorkflowID, &run.Status, &run.InputData, &run.OutputData,
		&run.ErrorMessage, &run.StartedAt, &run.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("storage: loading run: %w", err)
	}

	rows, err := r.db.Query(timeoutCtx, `
        SELECT id, node_id, status, execution_order, output_data, error_message, started_at, completed_at
        FROM node_executions
        WHERE run_id = $1
        ORDER BY execution_order ASC`,
		runID)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: loading node executions: %w", err)
	}
	defer rows.Close()

	var execs []NodeExecution
	for rows.Next() {
		ne := NodeExecution{RunID: runID}
		if err := rows.Scan(&ne.ID, &ne.NodeID, &ne.Status, &ne.ExecutionOrder,
			&ne.OutputData, &ne.ErrorMessage, &ne.StartedAt, &ne.CompletedAt); err != nil {
			return nil, nil, fmt.Errorf("storage: scanning node execution: %w", err)
		}
		execs = append(execs, ne)
	}
	return run, execs, rows.Err()
}
