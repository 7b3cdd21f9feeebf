package nodes

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"dagflow/api/pkg/clients/httpcall"
	"dagflow/api/pkg/clients/llm"
	"dagflow/api/pkg/clients/sqlexec"
	"dagflow/api/pkg/clients/vectorstore"
	"dagflow/api/services/template"
)

// Node type tags. The set is closed; the registry rejects anything
// else at dispatch time.
const (
	TypeLLMCall     = "llm_call"
	TypeHTTPRequest = "http_request"
	TypeFaissSearch = "faiss_search"
	TypeDBWrite     = "db_write"
)

// Handler executes nodes of one type. Implementations hold only
// references to injected clients and are safe to share across runs;
// within a single run the engine calls them sequentially.
type Handler interface {
	// Type returns the node-type tag this handler serves.
	Type() string
	// ValidateConfig performs cheap structural checks on a node's
	// config before execution.
	ValidateConfig(config map[string]any) error
	// Execute performs one invocation and returns the node's output
	// document. Implementations must not retain config or input after
	// returning.
	Execute(ctx context.Context, config map[string]any, input map[string]any) (map[string]any, error)
}

// ErrUnknownNodeType marks dispatch against a type tag with no
// registered handler.
var ErrUnknownNodeType = errors.New("unknown node type")

// ConfigError reports a structurally invalid node config, found
// before the handler did any work.
type ConfigError struct {
	NodeType string
	Detail   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s config invalid: %s", e.NodeType, e.Detail)
}

// ExecutionError wraps a handler failure with the type tag that
// produced it. The engine records Detail in the failed node execution.
type ExecutionError struct {
	NodeType string
	Detail   string
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s handler failed: %s", e.NodeType, e.Detail)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// VectorSearcher is the slice of the collections service the search
// handler needs. Searches are always scoped to the calling user.
type VectorSearcher interface {
	Search(ctx context.Context, userID uuid.UUID, name, query string, topK int, scoreThreshold float64, metadataFilter map[string]any) ([]vectorstore.Hit, error)
}

// Deps holds the runtime clients handlers may need. Passed into
// NewRegistry so handlers stay decoupled from concrete implementations.
type Deps struct {
	LLM    llm.Client
	HTTP   httpcall.Client
	Vector VectorSearcher
	SQL    sqlexec.Executor
}

// Defaults are the platform fallbacks applied when node config omits
// a field.
type Defaults struct {
	LLMTemperature     float64
	LLMMaxTokens       int
	HTTPTimeoutSeconds int
}

// Registry maps node-type tags to handlers. Seeded once at startup;
// reads afterwards are lock-free.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry builds a registry with the four built-in handlers.
// Adding a new node type means writing a Handler in its own file and
// registering it here.
func NewRegistry(deps Deps, defaults Defaults) *Registry {
	r := &Registry{handlers: make(map[string]Handler)}
	r.Register(NewLLMHandler(deps.LLM, defaults))
	r.Register(NewHTTPHandler(deps.HTTP, defaults))
	r.Register(NewVectorSearchHandler(deps.Vector))
	r.Register(NewDBWriteHandler(deps.SQL))
	return r
}

// Register adds a handler under its own type tag, replacing any
// previous registration.
func (r *Registry) Register(h Handler) {
	r.handlers[h.Type()] = h
}

// Get returns the handler for a type tag.
func (r *Registry) Get(nodeType string) (Handler, error) {
	h, ok := r.handlers[nodeType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNodeType, nodeType)
	}
	return h, nil
}

// Dispatch runs one node: it resolves the handler, renders the
// config's placeholders against the workflow input and prior outputs,
// validates the rendered config, and executes. Config problems come
// back as *ConfigError, handler failures as *ExecutionError.
func (r *Registry) Dispatch(ctx context.Context, nodeType string, config map[string]any, input map[string]any, outputs map[string]map[string]any) (map[string]any, error) {
	handler, err := r.Get(nodeType)
	if err != nil {
		return nil, err
	}

	locals, _ := config["variables"].(map[string]any)
	resolve := template.Scope(input, outputs, locals)
	rendered, _ := template.Render(config, resolve).(map[string]any)
	if rendered == nil {
		rendered = config
	}

	if err := handler.ValidateConfig(rendered); err != nil {
		var cfgErr *ConfigError
		if errors.As(err, &cfgErr) {
			return nil, err
		}
		return nil, &ConfigError{NodeType: nodeType, Detail: err.Error()}
	}

	output, err := handler.Execute(ctx, rendered, input)
	if err != nil {
		var execErr *ExecutionError
		if errors.As(err, &execErr) {
			return nil, err
		}
		return nil, &ExecutionError{NodeType: nodeType, Detail: err.Error(), Err: err}
	}
	return output, nil
}

// userIDKey carries the executing user through context to handlers
// that enforce per-user scoping.
type userIDKey struct{}

// WithUserID binds the executing user to the context.
func WithUserID(ctx context.Context, userID uuid.UUID) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// UserFromContext returns the executing user, if bound.
func UserFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(userIDKey{}).(uuid.UUID)
	return id, ok
}

// Config accessors. Node config arrives as decoded JSON, so numbers
// are float64 and every field needs a tolerant read.

func configString(config map[string]any, key string) (string, bool) {
	v, ok := config[key].(string)
	return v, ok
}

func configFloat(config map[string]any, key string) (float64, bool) {
	switch v := config[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func configInt(config map[string]any, key string) (int, bool) {
	switch v := config[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

func configBool(config map[string]any, key string) (bool, bool) {
	v, ok := config[key].(bool)
	return v, ok
}

func configMap(config map[string]any, key string) (map[string]any, bool) {
	v, ok := config[key].(map[string]any)
	return v, ok
}

// configStringMap reads a map field and coerces its values to
// strings, for headers and query parameters.
func configStringMap(config map[string]any, key string) (map[string]string, bool) {
	raw, ok := config[key].(map[string]any)
	if !ok {
		return nil, false
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, isStr := v.(string); isStr {
			out[k] = s
		} else {
			out[k] = fmt.Sprintf("%v", v)
		}
	}
	return out, true
}
