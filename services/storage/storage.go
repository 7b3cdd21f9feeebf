package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// queryTimeout bounds any single repository query.
const queryTimeout = 5 * time.Second

// ErrNotFound covers both a genuinely missing record and a record
// owned by a different user. Collapsing the two keeps workflow and
// run IDs unenumerable.
var ErrNotFound = errors.New("storage: not found")

// DB abstracts the database operations used by the storage layer.
// Satisfied by *pgxpool.Pool in production and pgxmock in tests.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Storage is the persistence boundary the execution engine and HTTP
// layer depend on. The interface keeps both decoupled from pgx and
// swappable in tests.
type Storage interface {
	// LoadWorkflowForExecution fetches a workflow with its nodes and
	// edges, verifying ownership. A wrong user gets ErrNotFound.
	LoadWorkflowForExecution(ctx context.Context, workflowID, userID uuid.UUID) (*Workflow, []Node, []Edge, error)

	CreateRun(ctx context.Context, workflowID, userID uuid.UUID, input map[string]any) (uuid.UUID, error)
	FinalizeRun(ctx context.Context, runID uuid.UUID, status Status, output map[string]any, errMsg *string) error
	CreateNodeExecution(ctx context.Context, runID, nodeID uuid.UUID, order int) (uuid.UUID, error)
	FinalizeNodeExecution(ctx context.Context, nodeExecID uuid.UUID, status Status, output map[string]any, errMsg *string) error

	ListRuns(ctx context.Context, workflowID, userID uuid.UUID) ([]WorkflowRun, error)
	GetRun(ctx context.Context, runID, userID uuid.UUID) (*WorkflowRun, []NodeExecution, error)
}

// pgStorage implements Storage and CollectionStore using PostgreSQL.
type pgStorage struct {
	db DB
}

// NewInstance creates a PostgreSQL-backed Storage implementation.
func NewInstance(db *pgxpool.Pool) (*pgStorage, error) {
	if db == nil {
		return nil, fmt.Errorf("storage: db connection cannot be nil")
	}
	return &pgStorage{db: db}, nil
}

// NewInstanceWithDB creates storage over any DB, for tests.
func NewInstanceWithDB(db DB) (*pgStorage, error) {
	if db == nil {
		return nil, fmt.Errorf("storage: db cannot be nil")
	}
	return &pgStorage{db: db}, nil
}

// LoadWorkflowForExecution hydrates a workflow from three tables:
// the header (with an ownership check folded into the WHERE clause),
// the nodes with their handler configs, and the edges.
func (r *pgStorage) LoadWorkflowForExecution(ctx context.Context, workflowID, userID uuid.UUID) (*Workflow, []Node, []Edge, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	wf := &Workflow{ID: workflowID, UserID: userID}
	err := r.db.QueryRow(timeoutCtx, `
        SELECT name, description, created_at, modified_at
        FROM workflows
        WHERE id = $1 AND user_id = $2`,
		workflowID, userID).Scan(&wf.Name, &wf.Description, &wf.CreatedAt, &wf.ModifiedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, nil, ErrNotFound
		}
		return nil, nil, nil, fmt.Errorf("storage: loading workflow header: %w", err)
	}

	nodeRows, err := r.db.Query(timeoutCtx, `
        SELECT id, name, node_type, config, x_pos, y_pos
        FROM workflow_nodes
        WHERE workflow_id = $1`,
		workflowID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("storage: loading nodes: %w", err)
	}
	defer nodeRows.Close()

	var nodes []Node
	for nodeRows.Next() {
		n := Node{WorkflowID: workflowID}
		if err := nodeRows.Scan(&n.ID, &n.Name, &n.Type, &n.Config, &n.PositionX, &n.PositionY); err != nil {
			return nil, nil, nil, fmt.Errorf("storage: scanning node: %w", err)
		}
		nodes = append(nodes, n)
	}
	if err := nodeRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("storage: iterating nodes: %w", err)
	}

	edgeRows, err := r.db.Query(timeoutCtx, `
        SELECT id, source_node_id, target_node_id
        FROM workflow_edges
        WHERE workflow_id = $1`,
		workflowID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("storage: loading edges: %w", err)
	}
	defer edgeRows.Close()

	var edges []Edge
	for edgeRows.Next() {
		e := Edge{WorkflowID: workflowID}
		if err := edgeRows.Scan(&e.ID, &e.SourceNodeID, &e.TargetNodeID); err != nil {
			return nil, nil, nil, fmt.Errorf("storage: scanning edge: %w", err)
		}
		edges = append(edges, e)
	}
	if err := edgeRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("storage: iterating edges: %w", err)
	}

	return wf, nodes, edges, nil
}
