package storage

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state shared by runs and node executions.
// Records are created running and transition exactly once to a
// terminal state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether a status is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Workflow is the top-level container for a DAG. Nodes and edges are
// loaded separately; execution never needs the canvas-only fields.
type Workflow struct {
	ID          uuid.UUID `json:"id"`
	UserID      uuid.UUID `json:"userId"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
	ModifiedAt  time.Time `json:"modifiedAt"`
}

// Node is one unit of work in a workflow. Name is unique within the
// workflow and is the key templates use to address this node's
// output. Config parameterizes the handler selected by Type.
type Node struct {
	ID         uuid.UUID      `json:"id"`
	WorkflowID uuid.UUID      `json:"workflowId"`
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Config     map[string]any `json:"config"`
	PositionX  float64        `json:"positionX"`
	PositionY  float64        `json:"positionY"`
}

// Edge is a directed connection between two nodes of one workflow.
type Edge struct {
	ID           uuid.UUID `json:"id"`
	WorkflowID   uuid.UUID `json:"workflowId"`
	SourceNodeID uuid.UUID `json:"sourceNodeId"`
	TargetNodeID uuid.UUID `json:"targetNodeId"`
}

// WorkflowRun is one execution of a workflow. OutputData is the last
// completed node's output; ErrorMessage and CompletedAt are set with
// the terminal status.
type WorkflowRun struct {
	ID           uuid.UUID      `json:"id"`
	WorkflowID   uuid.UUID      `json:"workflowId"`
	UserID       uuid.UUID      `json:"userId"`
	Status       Status         `json:"status"`
	InputData    map[string]any `json:"inputData"`
	OutputData   map[string]any `json:"outputData,omitempty"`
	ErrorMessage *string        `json:"errorMessage,omitempty"`
	StartedAt    time.Time      `json:"startedAt"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
}

// NodeExecution records one node's execution within a run.
// ExecutionOrder is dense 0..N-1 in topological position.
type NodeExecution struct {
	ID             uuid.UUID      `json:"id"`
	RunID          uuid.UUID      `json:"runId"`
	NodeID         uuid.UUID      `json:"nodeId"`
	Status         Status         `json:"status"`
	ExecutionOrder int            `json:"executionOrder"`
	OutputData     map[string]any `json:"outputData,omitempty"`
	ErrorMessage   *string        `json:"errorMessage,omitempty"`
	StartedAt      time.Time      `json:"startedAt"`
	CompletedAt    *time.Time     `json:"completedAt,omitempty"`
}

// VectorCollection is the metadata record for one user-owned
// similarity index. IndexPath is the physical key handed to the
// vector store; it never leaves the server.
type VectorCollection struct {
	ID            uuid.UUID `json:"id"`
	UserID        uuid.UUID `json:"userId"`
	Name          string    `json:"name"`
	Dimension     int       `json:"dimension"`
	IndexPath     string    `json:"-"`
	DocumentCount int       `json:"documentCount"`
	CreatedAt     time.Time `json:"createdAt"`
}
