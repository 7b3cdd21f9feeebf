package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"dagflow/api/pkg/metrics"
	"dagflow/api/services/graph"
	"dagflow/api/services/nodes"
	"dagflow/api/services/storage"
)

// ErrInvalidWorkflow is the common sentinel for every structural
// rejection found before a run record is written.
var ErrInvalidWorkflow = errors.New("workflow is not executable")

// ErrEmptyWorkflow rejects workflows with no nodes.
var ErrEmptyWorkflow = fmt.Errorf("%w: workflow has no nodes", ErrInvalidWorkflow)

// InvalidWorkflowError wraps the specific graph defect. It matches
// both ErrInvalidWorkflow and the wrapped cause via errors.Is.
type InvalidWorkflowError struct {
	Cause error
}

func (e *InvalidWorkflowError) Error() string {
	return fmt.Sprintf("workflow is not executable: %s", e.Cause)
}

func (e *InvalidWorkflowError) Unwrap() error { return e.Cause }

func (e *InvalidWorkflowError) Is(target error) bool { return target == ErrInvalidWorkflow }

// RunResult is what the caller gets back from one execution.
// NodeOutputs is keyed by node name and populated in execution order;
// NodeOrder preserves that order for callers that need it.
type RunResult struct {
	RunID       uuid.UUID                 `json:"runId"`
	Status      storage.Status            `json:"status"`
	Output      map[string]any            `json:"output,omitempty"`
	NodeOutputs map[string]map[string]any `json:"nodeOutputs"`
	NodeOrder   []string                  `json:"nodeOrder"`
	FailedNode  string                    `json:"failedNode,omitempty"`
	Error       string                    `json:"error,omitempty"`
}

// Engine executes workflows. It holds no per-run state, so one engine
// serves concurrent runs; everything mutable during a run lives in
// local variables of Execute.
type Engine struct {
	storage           storage.Storage
	registry          *nodes.Registry
	metrics           *metrics.Metrics
	allowDisconnected bool
}

// NewEngine creates an execution engine. metrics may be nil.
func NewEngine(store storage.Storage, registry *nodes.Registry, m *metrics.Metrics, allowDisconnected bool) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("engine: storage cannot be nil")
	}
	if registry == nil {
		return nil, fmt.Errorf("engine: registry cannot be nil")
	}
	return &Engine{storage: store, registry: registry, metrics: m, allowDisconnected: allowDisconnected}, nil
}

// Execute runs one workflow to a terminal state.
//
// Validation failures (unknown workflow, empty graph, cycle,
// disconnected graph) surface as errors before any run record is
// written. Once a run exists it always reaches exactly one terminal
// state: node failures come back as a RunResult with status failed
// rather than an error, because a failed node is a recorded outcome,
// not a malfunction of the engine.
func (e *Engine) Execute(ctx context.Context, workflowID, userID uuid.UUID, input map[string]any) (*RunResult, error) {
	wf, nodeList, edgeList, err := e.storage.LoadWorkflowForExecution(ctx, workflowID, userID)
	if err != nil {
		return nil, err
	}
	if len(nodeList) == 0 {
		return nil, ErrEmptyWorkflow
	}

	byID, err := indexNodes(nodeList, edgeList)
	if err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, len(nodeList))
	for i, n := range nodeList {
		ids[i] = n.ID
	}
	graphEdges := make([]graph.Edge, len(edgeList))
	for i, edge := range edgeList {
		graphEdges[i] = graph.Edge{Source: edge.SourceNodeID, Target: edge.TargetNodeID}
	}

	report, err := graph.Validate(ids, graphEdges, e.allowDisconnected)
	if err != nil {
		return nil, &InvalidWorkflowError{Cause: err}
	}

	if input == nil {
		input = map[string]any{}
	}

	runID, err := e.storage.CreateRun(ctx, workflowID, userID, input)
	if err != nil {
		return nil, fmt.Errorf("engine: creating run: %w", err)
	}

	slog.Info("run started", "runId", runID, "workflow", wf.ID, "nodes", len(nodeList))

	ctx = nodes.WithUserID(ctx, userID)

	outputs := make(map[string]map[string]any, len(nodeList))
	var orderedNames []string
	var lastOutput map[string]any

	for order, nodeID := range report.Order {
		node := byID[nodeID]

		if ctxErr := ctx.Err(); ctxErr != nil {
			return e.failRun(ctx, runID, node.Name, outputs, orderedNames,
				fmt.Sprintf("execution cancelled before node %q: %s", node.Name, ctxErr))
		}

		execID, err := e.storage.CreateNodeExecution(ctx, runID, nodeID, order)
		if err != nil {
			detail := fmt.Sprintf("recording execution of node %q: %s", node.Name, err)
			_, _ = e.failRun(ctx, runID, node.Name, outputs, orderedNames, detail)
			return nil, fmt.Errorf("engine: %s", detail)
		}

		handlerInput := mergeInput(input, outputs)

		start := time.Now()
		output, execErr := e.registry.Dispatch(ctx, node.Type, node.Config, handlerInput, outputs)
		elapsed := time.Since(start)

		if execErr != nil {
			detail := fmt.Sprintf("node %q: %s", node.Name, execErr.Error())
			if finErr := e.storage.FinalizeNodeExecution(ctx, execID, storage.StatusFailed, nil, &detail); finErr != nil {
				slog.Error("failed to finalize node execution", "nodeExecId", execID, "error", finErr)
			}
			e.metrics.NodeFinished(node.Type, string(storage.StatusFailed), elapsed)
			return e.failRun(ctx, runID, node.Name, outputs, orderedNames, detail)
		}

		if finErr := e.storage.FinalizeNodeExecution(ctx, execID, storage.StatusCompleted, output, nil); finErr != nil {
			slog.Error("failed to finalize node execution", "nodeExecId", execID, "error", finErr)
		}
		e.metrics.NodeFinished(node.Type, string(storage.StatusCompleted), elapsed)

		outputs[node.Name] = output
		orderedNames = append(orderedNames, node.Name)
		lastOutput = output

		slog.Debug("node completed", "runId", runID, "node", node.Name, "order", order, "elapsedMs", elapsed.Milliseconds())
	}

	if err := e.storage.FinalizeRun(ctx, runID, storage.StatusCompleted, lastOutput, nil); err != nil {
		slog.Error("failed to finalize run", "runId", runID, "error", err)
	}
	e.metrics.RunFinished(string(storage.StatusCompleted))

	slog.Info("run completed", "runId", runID, "nodes", len(orderedNames))

	return &RunResult{
		RunID:       runID,
		Status:      storage.StatusCompleted,
		Output:      lastOutput,
		NodeOutputs: outputs,
		NodeOrder:   orderedNames,
	}, nil
}

// failRun writes the run's failed terminal state and builds the
// partial result.
func (e *Engine) failRun(ctx context.Context, runID uuid.UUID, failedNode string, outputs map[string]map[string]any, orderedNames []string, detail string) (*RunResult, error) {
	if err := e.storage.FinalizeRun(ctx, runID, storage.StatusFailed, nil, &detail); err != nil {
		slog.Error("failed to finalize run", "runId", runID, "error", err)
	}
	e.metrics.RunFinished(string(storage.StatusFailed))

	slog.Warn("run failed", "runId", runID, "failedNode", failedNode, "error", detail)

	return &RunResult{
		RunID:       runID,
		Status:      storage.StatusFailed,
		NodeOutputs: outputs,
		NodeOrder:   orderedNames,
		FailedNode:  failedNode,
		Error:       detail,
	}, nil
}

// indexNodes builds the ID lookup and enforces the invariants CRUD
// should already have guaranteed: workflow-unique node names and edge
// endpoints that reference real nodes. Broken data fails here rather
// than mid-run.
func indexNodes(nodeList []storage.Node, edgeList []storage.Edge) (map[uuid.UUID]storage.Node, error) {
	byID := make(map[uuid.UUID]storage.Node, len(nodeList))
	byName := make(map[string]bool, len(nodeList))
	for _, n := range nodeList {
		if n.Name == "" {
			return nil, &InvalidWorkflowError{Cause: fmt.Errorf("node %s has no name", n.ID)}
		}
		if byName[n.Name] {
			return nil, &InvalidWorkflowError{Cause: fmt.Errorf("duplicate node name %q", n.Name)}
		}
		byName[n.Name] = true
		byID[n.ID] = n
	}
	for _, edge := range edgeList {
		if _, ok := byID[edge.SourceNodeID]; !ok {
			return nil, &InvalidWorkflowError{Cause: fmt.Errorf("edge %s references unknown source node %s", edge.ID, edge.SourceNodeID)}
		}
		if _, ok := byID[edge.TargetNodeID]; !ok {
			return nil, &InvalidWorkflowError{Cause: fmt.Errorf("edge %s references unknown target node %s", edge.ID, edge.TargetNodeID)}
		}
	}
	return byID, nil
}

// mergeInput builds the document a handler sees: the workflow input
// with each prior output attached under its producing node's name.
func mergeInput(input map[string]any, outputs map[string]map[string]any) map[string]any {
	merged := make(map[string]any, len(input)+len(outputs))
	for k, v := range input {
		merged[k] = v
	}
	for name, output := range outputs {
		merged[name] = output
	}
	return merged
}
