package nodes

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"dagflow/api/pkg/clients/httpcall"
	"dagflow/api/pkg/clients/llm"
	"dagflow/api/pkg/clients/sqlexec"
	"dagflow/api/pkg/clients/vectorstore"
)

// Mock clients for node execution tests

type mockLLMClient struct {
	result *llm.Result
	err    error
	gotReq llm.Request
}

func (m *mockLLMClient) Generate(_ context.Context, req llm.Request) (*llm.Result, error) {
	m.gotReq = req
	return m.result, m.err
}

type mockHTTPClient struct {
	resp   *httpcall.Response
	err    error
	gotReq httpcall.Request
}

func (m *mockHTTPClient) Do(_ context.Context, req httpcall.Request) (*httpcall.Response, error) {
	m.gotReq = req
	return m.resp, m.err
}

type mockSearcher struct {
	hits         []vectorstore.Hit
	err          error
	gotUser      uuid.UUID
	gotName      string
	gotTopK      int
	gotThreshold float64
}

func (m *mockSearcher) Search(_ context.Context, userID uuid.UUID, name, query string, topK int, scoreThreshold float64, metadataFilter map[string]any) ([]vectorstore.Hit, error) {
	m.gotUser = userID
	m.gotName = name
	m.gotTopK = topK
	m.gotThreshold = scoreThreshold
	return m.hits, m.err
}

type mockExecutor struct {
	result    *sqlexec.Result
	rawResult *sqlexec.RawResult
	err       error
	gotStmt   sqlexec.Statement
	gotSQL    string
	gotParams map[string]any
}

func (m *mockExecutor) ExecuteStructured(_ context.Context, stmt sqlexec.Statement) (*sqlexec.Result, error) {
	m.gotStmt = stmt
	return m.result, m.err
}

func (m *mockExecutor) ExecuteRaw(_ context.Context, sql string, params map[string]any) (*sqlexec.RawResult, error) {
	m.gotSQL = sql
	m.gotParams = params
	return m.rawResult, m.err
}

// Ensure mocks satisfy interfaces at compile time.
var (
	_ llm.Client       = (*mockLLMClient)(nil)
	_ httpcall.Client  = (*mockHTTPClient)(nil)
	_ VectorSearcher   = (*mockSearcher)(nil)
	_ sqlexec.Executor = (*mockExecutor)(nil)
)

var testUser = uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001")

func userCtx() context.Context {
	return WithUserID(context.Background(), testUser)
}

func TestRegistryDispatchUnknownType(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(Deps{}, Defaults{})
	_, err := reg.Dispatch(context.Background(), "teleport", map[string]any{}, nil, nil)
	if !errors.Is(err, ErrUnknownNodeType) {
		t.Fatalf("err = %v, want ErrUnknownNodeType", err)
	}
}

func TestRegistryDispatchConfigError(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(Deps{LLM: &mockLLMClient{}}, Defaults{})
	_, err := reg.Dispatch(context.Background(), TypeLLMCall, map[string]any{}, nil, nil)

	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want *ConfigError", err)
	}
	if cfgErr.NodeType != TypeLLMCall {
		t.Errorf("NodeType = %q, want %q", cfgErr.NodeType, TypeLLMCall)
	}
}

func TestRegistryDispatchWrapsExecutionError(t *testing.T) {
	t.Parallel()

	cause := errors.New("model melted")
	client := &mockLLMClient{err: cause}
	reg := NewRegistry(Deps{LLM: client}, Defaults{LLMMaxTokens: 64})

	_, err := reg.Dispatch(context.Background(), TypeLLMCall,
		map[string]any{"prompt_template": "hi"}, nil, nil)

	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("err = %v, want *ExecutionError", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("wrapped error lost the cause")
	}
}

func TestRegistryDispatchRendersConfig(t *testing.T) {
	t.Parallel()

	client := &mockLLMClient{result: &llm.Result{Text: "ok", Model: "m"}}
	reg := NewRegistry(Deps{LLM: client}, Defaults{LLMMaxTokens: 64})

	input := map[string]any{"city": "Sydney"}
	outputs := map[string]map[string]any{
		"fetch": {"summary": "warm"},
	}
	config := map[string]any{
		"prompt_template": "Weather in {city}: {fetch.summary}, {salutation}",
		"variables":       map[string]any{"salutation": "cheers"},
	}

	if _, err := reg.Dispatch(context.Background(), TypeLLMCall, config, input, outputs); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	want := "Weather in Sydney: warm, cheers"
	if client.gotReq.Prompt != want {
		t.Errorf("prompt = %q, want %q", client.gotReq.Prompt, want)
	}
}

func TestRegistryDispatchUnresolvedPlaceholderStaysLiteral(t *testing.T) {
	t.Parallel()

	client := &mockLLMClient{result: &llm.Result{Text: "ok"}}
	reg := NewRegistry(Deps{LLM: client}, Defaults{LLMMaxTokens: 64})

	config := map[string]any{"prompt_template": "hello {nobody}"}
	if _, err := reg.Dispatch(context.Background(), TypeLLMCall, config, nil, nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if client.gotReq.Prompt != "hello {nobody}" {
		t.Errorf("prompt = %q, want unresolved placeholder kept", client.gotReq.Prompt)
	}
}

func TestRegistryRegisterOverrides(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(Deps{}, Defaults{})
	custom := NewLLMHandler(&mockLLMClient{result: &llm.Result{Text: "custom"}}, Defaults{LLMMaxTokens: 1})
	reg.Register(custom)

	h, err := reg.Get(TypeLLMCall)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if h != custom {
		t.Errorf("Register did not replace the existing handler")
	}
}

func TestUserContextRoundTrip(t *testing.T) {
	t.Parallel()

	if _, ok := UserFromContext(context.Background()); ok {
		t.Error("unbound context reports a user")
	}
	got, ok := UserFromContext(userCtx())
	if !ok || got != testUser {
		t.Errorf("UserFromContext = %v, %v; want %v, true", got, ok, testUser)
	}
}
