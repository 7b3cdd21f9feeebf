package storage_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"

	"dagflow/api/services/storage"
)

var (
	testWfID   = uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	testUserID = uuid.MustParse("660e8400-e29b-41d4-a716-446655440001")
	testRunID  = uuid.MustParse("770e8400-e29b-41d4-a716-446655440002")
	testNow    = time.Now()
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	t.Cleanup(mock.Close)
	return mock
}

func newStore(t *testing.T, mock pgxmock.PgxPoolIface) storage.Storage {
	t.Helper()
	store, err := storage.NewInstanceWithDB(mock)
	if err != nil {
		t.Fatalf("NewInstanceWithDB: %v", err)
	}
	return store
}

func TestLoadWorkflowForExecution(t *testing.T) {
	t.Parallel()

	t.Run("success hydrates nodes and edges", func(t *testing.T) {
		t.Parallel()
		mock := newMock(t)

		nodeID := uuid.New()
		targetID := uuid.New()
		edgeID := uuid.New()

		mock.ExpectQuery("SELECT name, description, created_at, modified_at").
			WithArgs(testWfID, testUserID).
			WillReturnRows(pgxmock.NewRows([]string{"name", "description", "created_at", "modified_at"}).
				AddRow("rag pipeline", "answers questions", testNow, testNow))

		mock.ExpectQuery("SELECT id, name, node_type, config, x_pos, y_pos").
			WithArgs(testWfID).
			WillReturnRows(pgxmock.NewRows([]string{"id", "name", "node_type", "config", "x_pos", "y_pos"}).
				AddRow(nodeID, "search", "faiss_search", map[string]any{"collection_name": "docs", "query": "{question}"}, 10.0, 20.0).
				AddRow(targetID, "answer", "llm_call", map[string]any{"prompt_template": "{search.results}"}, 30.0, 20.0))

		mock.ExpectQuery("SELECT id, source_node_id, target_node_id").
			WithArgs(testWfID).
			WillReturnRows(pgxmock.NewRows([]string{"id", "source_node_id", "target_node_id"}).
				AddRow(edgeID, nodeID, targetID))

		store := newStore(t, mock)
		wf, nodes, edges, err := store.LoadWorkflowForExecution(context.Background(), testWfID, testUserID)
		if err != nil {
			t.Fatalf("LoadWorkflowForExecution: %v", err)
		}
		if wf.Name != "rag pipeline" {
			t.Errorf("name = %q", wf.Name)
		}
		if len(nodes) != 2 {
			t.Fatalf("nodes = %d, want 2", len(nodes))
		}
		if nodes[0].Type != "faiss_search" || nodes[0].Config["collection_name"] != "docs" {
			t.Errorf("first node = %+v", nodes[0])
		}
		if len(edges) != 1 || edges[0].SourceNodeID != nodeID || edges[0].TargetNodeID != targetID {
			t.Errorf("edges = %+v", edges)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})

	t.Run("wrong user reads as not found", func(t *testing.T) {
		t.Parallel()
		mock := newMock(t)

		otherUser := uuid.New()
		mock.ExpectQuery("SELECT name, description, created_at, modified_at").
			WithArgs(testWfID, otherUser).
			WillReturnRows(pgxmock.NewRows([]string{"name", "description", "created_at", "modified_at"}))

		store := newStore(t, mock)
		_, _, _, err := store.LoadWorkflowForExecution(context.Background(), testWfID, otherUser)
		if !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestCreateRun(t *testing.T) {
	t.Parallel()
	mock := newMock(t)

	mock.ExpectExec("INSERT INTO workflow_runs").
		WithArgs(pgxmock.AnyArg(), testWfID, testUserID, storage.StatusRunning, map[string]any{"q": "hi"}).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	store := newStore(t, mock)
	runID, err := store.CreateRun(context.Background(), testWfID, testUserID, map[string]any{"q": "hi"})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if runID == uuid.Nil {
		t.Error("run ID is nil")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestFinalizeRun(t *testing.T) {
	t.Parallel()

	t.Run("writes terminal state once", func(t *testing.T) {
		t.Parallel()
		mock := newMock(t)

		mock.ExpectExec("UPDATE workflow_runs").
			WithArgs(testRunID, storage.StatusCompleted, map[string]any{"ok": true}, (*string)(nil), storage.StatusRunning).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		store := newStore(t, mock)
		if err := store.FinalizeRun(context.Background(), testRunID, storage.StatusCompleted, map[string]any{"ok": true}, nil); err != nil {
			t.Fatalf("FinalizeRun: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})

	t.Run("refuses second terminal write", func(t *testing.T) {
		t.Parallel()
		mock := newMock(t)

		mock.ExpectExec("UPDATE workflow_runs").
			WithArgs(testRunID, storage.StatusFailed, (map[string]any)(nil), pgxmock.AnyArg(), storage.StatusRunning).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		store := newStore(t, mock)
		msg := "boom"
		err := store.FinalizeRun(context.Background(), testRunID, storage.StatusFailed, nil, &msg)
		if err == nil || !strings.Contains(err.Error(), "refusing second terminal write") {
			t.Fatalf("err = %v, want second-write refusal", err)
		}
	})

	t.Run("rejects non-terminal status", func(t *testing.T) {
		t.Parallel()
		mock := newMock(t)

		store := newStore(t, mock)
		err := store.FinalizeRun(context.Background(), testRunID, storage.StatusRunning, nil, nil)
		if err == nil || !strings.Contains(err.Error(), "non-terminal") {
			t.Fatalf("err = %v, want non-terminal rejection", err)
		}
		// No SQL should run for a rejected transition.
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})
}

func TestFinalizeNodeExecutionGuard(t *testing.T) {
	t.Parallel()
	mock := newMock(t)

	execID := uuid.New()
	mock.ExpectExec("UPDATE node_executions").
		WithArgs(execID, storage.StatusCompleted, map[string]any{"ran": true}, (*string)(nil), storage.StatusRunning).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	store := newStore(t, mock)
	err := store.FinalizeNodeExecution(context.Background(), execID, storage.StatusCompleted, map[string]any{"ran": true}, nil)
	if err == nil || !strings.Contains(err.Error(), "refusing second terminal write") {
		t.Fatalf("err = %v, want second-write refusal", err)
	}
}

func TestListRuns(t *testing.T) {
	t.Parallel()
	mock := newMock(t)

	mock.ExpectQuery("SELECT r.id, r.status").
		WithArgs(testWfID, testUserID).
		WillReturnRows(pgxmock.NewRows([]string{"id", "status", "input_data", "output_data", "error_message", "started_at", "completed_at"}).
			AddRow(testRunID, storage.StatusCompleted, map[string]any{}, map[string]any{"ok": true}, nil, testNow, &testNow))

	store := newStore(t, mock)
	runs, err := store.ListRuns(context.Background(), testWfID, testUserID)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != storage.StatusCompleted {
		t.Errorf("runs = %+v", runs)
	}
}

func TestGetRun(t *testing.T) {
	t.Parallel()

	t.Run("returns executions in order", func(t *testing.T) {
		t.Parallel()
		mock := newMock(t)

		mock.ExpectQuery("SELECT workflow_id, status").
			WithArgs(testRunID, testUserID).
			WillReturnRows(pgxmock.NewRows([]string{"workflow_id", "status", "input_data", "output_data", "error_message", "started_at", "completed_at"}).
				AddRow(testWfID, storage.StatusCompleted, map[string]any{}, map[string]any{}, nil, testNow, &testNow))

		mock.ExpectQuery("SELECT id, node_id, status, execution_order").
			WithArgs(testRunID).
			WillReturnRows(pgxmock.NewRows([]string{"id", "node_id", "status", "execution_order", "output_data", "error_message", "started_at", "completed_at"}).
				AddRow(uuid.New(), uuid.New(), storage.StatusCompleted, 0, map[string]any{}, nil, testNow, &testNow).
				AddRow(uuid.New(), uuid.New(), storage.StatusCompleted, 1, map[string]any{}, nil, testNow, &testNow))

		store := newStore(t, mock)
		run, execs, err := store.GetRun(context.Background(), testRunID, testUserID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if run.WorkflowID != testWfID {
			t.Errorf("workflow = %v", run.WorkflowID)
		}
		if len(execs) != 2 || execs[0].ExecutionOrder != 0 || execs[1].ExecutionOrder != 1 {
			t.Errorf("execs = %+v", execs)
		}
	})

	t.Run("missing run", func(t *testing.T) {
		t.Parallel()
		mock := newMock(t)

		mock.ExpectQuery("SELECT workflow_id, status").
			WithArgs(testRunID, testUserID).
			WillReturnRows(pgxmock.NewRows([]string{"workflow_id", "status", "input_data", "output_data", "error_message", "started_at", "completed_at"}))

		store := newStore(t, mock)
		_, _, err := store.GetRun(context.Background(), testRunID, testUserID)
		if !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestCreateCollection(t *testing.T) {
	t.Parallel()

	record := &storage.VectorCollection{
		ID:            uuid.New(),
		UserID:        testUserID,
		Name:          "docs",
		Dimension:     384,
		IndexPath:     testUserID.String() + "_docs",
		DocumentCount: 3,
	}

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		mock := newMock(t)

		mock.ExpectExec("INSERT INTO vector_collections").
			WithArgs(record.ID, record.UserID, record.Name, record.Dimension, record.IndexPath, record.DocumentCount).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		store, err := storage.NewInstanceWithDB(mock)
		if err != nil {
			t.Fatalf("NewInstanceWithDB: %v", err)
		}
		if err := store.CreateCollection(context.Background(), record); err != nil {
			t.Fatalf("CreateCollection: %v", err)
		}
	})

	t.Run("duplicate name", func(t *testing.T) {
		t.Parallel()
		mock := newMock(t)

		mock.ExpectExec("INSERT INTO vector_collections").
			WithArgs(record.ID, record.UserID, record.Name, record.Dimension, record.IndexPath, record.DocumentCount).
			WillReturnResult(pgxmock.NewResult("INSERT", 0))

		store, err := storage.NewInstanceWithDB(mock)
		if err != nil {
			t.Fatalf("NewInstanceWithDB: %v", err)
		}
		err = store.CreateCollection(context.Background(), record)
		if !errors.Is(err, storage.ErrDuplicateCollection) {
			t.Fatalf("err = %v, want ErrDuplicateCollection", err)
		}
	})
}
