package storagemock

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"dagflow/api/services/storage"
)

// StorageMock implements storage.Storage with per-method overrides.
// Without overrides it behaves as an in-memory run store, recording
// every write so engine tests can assert on persisted state.
type StorageMock struct {
	mu sync.Mutex

	LoadWorkflowForExecutionMock func(ctx context.Context, workflowID, userID uuid.UUID) (*storage.Workflow, []storage.Node, []storage.Edge, error)
	CreateRunMock                func(ctx context.Context, workflowID, userID uuid.UUID, input map[string]any) (uuid.UUID, error)
	FinalizeRunMock              func(ctx context.Context, runID uuid.UUID, status storage.Status, output map[string]any, errMsg *string) error
	CreateNodeExecutionMock      func(ctx context.Context, runID, nodeID uuid.UUID, order int) (uuid.UUID, error)
	FinalizeNodeExecutionMock    func(ctx context.Context, nodeExecID uuid.UUID, status storage.Status, output map[string]any, errMsg *string) error
	ListRunsMock                 func(ctx context.Context, workflowID, userID uuid.UUID) ([]storage.WorkflowRun, error)
	GetRunMock                   func(ctx context.Context, runID, userID uuid.UUID) (*storage.WorkflowRun, []storage.NodeExecution, error)

	// Recorded state, populated by the default implementations.
	Runs       map[uuid.UUID]*storage.WorkflowRun
	Executions map[uuid.UUID]*storage.NodeExecution
	ExecOrder  []uuid.UUID // node execution IDs in creation order
}

// New returns a mock with empty recorded state.
func New() *StorageMock {
	return &StorageMock{
		Runs:       make(map[uuid.UUID]*storage.WorkflowRun),
		Executions: make(map[uuid.UUID]*storage.NodeExecution),
	}
}

func (m *StorageMock) LoadWorkflowForExecution(ctx context.Context, workflowID, userID uuid.UUID) (*storage.Workflow, []storage.Node, []storage.Edge, error) {
	if m.LoadWorkflowForExecutionMock != nil {
		return m.LoadWorkflowForExecutionMock(ctx, workflowID, userID)
	}
	return nil, nil, nil, storage.ErrNotFound
}

func (m *StorageMock) CreateRun(ctx context.Context, workflowID, userID uuid.UUID, input map[string]any) (uuid.UUID, error) {
	if m.CreateRunMock != nil {
		return m.CreateRunMock(ctx, workflowID, userID, input)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	runID := uuid.New()
	m.Runs[runID] = &storage.WorkflowRun{
		ID:         runID,
		WorkflowID: workflowID,
		UserID:     userID,
		Status:     storage.StatusRunning,
		InputData:  input,
	}
	return runID, nil
}

func (m *StorageMock) FinalizeRun(ctx context.Context, runID uuid.UUID, status storage.Status, output map[string]any, errMsg *string) error {
	if m.FinalizeRunMock != nil {
		return m.FinalizeRunMock(ctx, runID, status, output, errMsg)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.Runs[runID]
	if !ok {
		return storage.ErrNotFound
	}
	run.Status = status
	run.OutputData = output
	run.ErrorMessage = errMsg
	return nil
}

func (m *StorageMock) CreateNodeExecution(ctx context.Context, runID, nodeID uuid.UUID, order int) (uuid.UUID, error) {
	if m.CreateNodeExecutionMock != nil {
		return m.CreateNodeExecutionMock(ctx, runID, nodeID, order)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	execID := uuid.New()
	m.Executions[execID] = &storage.NodeExecution{
		ID:             execID,
		RunID:          runID,
		NodeID:         nodeID,
		Status:         storage.StatusRunning,
		ExecutionOrder: order,
	}
	m.ExecOrder = append(m.ExecOrder, execID)
	return execID, nil
}

func (m *StorageMock) FinalizeNodeExecution(ctx context.Context, nodeExecID uuid.UUID, status storage.Status, output map[string]any, errMsg *string) error {
	if m.FinalizeNodeExecutionMock != nil {
		return m.FinalizeNodeExecutionMock(ctx, nodeExecID, status, output, errMsg)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.Executions[nodeExecID]
	if !ok {
		return storage.ErrNotFound
	}
	exec.Status = status
	exec.OutputData = output
	exec.ErrorMessage = errMsg
	return nil
}

func (m *StorageMock) ListRuns(ctx context.Context, workflowID, userID uuid.UUID) ([]storage.WorkflowRun, error) {
	if m.ListRunsMock != nil {
		return m.ListRunsMock(ctx, workflowID, userID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var runs []storage.WorkflowRun
	for _, run := range m.Runs {
		if run.WorkflowID == workflowID && run.UserID == userID {
			runs = append(runs, *run)
		}
	}
	return runs, nil
}

func (m *StorageMock) GetRun(ctx context.Context, runID, userID uuid.UUID) (*storage.WorkflowRun, []storage.NodeExecution, error) {
	if m.GetRunMock != nil {
		return m.GetRunMock(ctx, runID, userID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.Runs[runID]
	if !ok || run.UserID != userID {
		return nil, nil, storage.ErrNotFound
	}
	var execs []storage.NodeExecution
	for _, id := range m.ExecOrder {
		if m.Executions[id].RunID == runID {
			execs = append(execs, *m.Executions[id])
		}
	}
	copied := *run
	return &copied, execs, nil
}
