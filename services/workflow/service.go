package workflow

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"dagflow/api/services/storage"
)

// Service handles HTTP requests for workflow operations.
// It depends on the Storage interface rather than a concrete
// implementation, keeping the HTTP layer decoupled from persistence.
type Service struct {
	engine  *Engine
	storage storage.Storage
}

// NewService creates a workflow Service.
func NewService(engine *Engine, store storage.Storage) (*Service, error) {
	if engine == nil {
		return nil, fmt.Errorf("service: engine cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("service: store cannot be nil")
	}
	return &Service{engine: engine, storage: store}, nil
}

// jsonMiddleware sets the Content-Type header to application/json
func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

type requestIDKeyType struct{}

var requestIDKey = requestIDKeyType{}

// requestIDMiddleware tags every request with an ID for log correlation.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := uuid.NewString()
		w.Header().Set("X-Request-Id", rid)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, rid)))
	})
}

type userIDKeyType struct{}

var userIDKey = userIDKeyType{}

// authMiddleware resolves the calling user from the X-User-ID header.
// Requests without a valid user UUID are rejected before any handler
// runs, so handlers can assume callerID always succeeds.
func authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("X-User-ID")
		if raw == "" {
			writeErrorJSON(w, "UNAUTHENTICATED", "X-User-ID header is required", http.StatusUnauthorized)
			return
		}
		userID, err := uuid.Parse(raw)
		if err != nil {
			writeErrorJSON(w, "UNAUTHENTICATED", "X-User-ID must be a UUID", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	})
}

// callerID returns the authenticated user set by authMiddleware.
func callerID(r *http.Request) (uuid.UUID, bool) {
	id, ok := r.Context().Value(userIDKey).(uuid.UUID)
	return id, ok
}

func (s *Service) LoadRoutes(parentRouter *mux.Router) {
	parentRouter.Use(requestIDMiddleware)

	router := parentRouter.PathPrefix("/workflows").Subrouter()
	router.StrictSlash(false)
	router.Use(jsonMiddleware, authMiddleware)

	router.HandleFunc("/{id}", s.HandleGetWorkflow).Methods("GET")
	router.HandleFunc("/{id}/execute", s.HandleExecuteWorkflow).Methods("POST")
	router.HandleFunc("/{id}/runs", s.HandleListRuns).Methods("GET")

	runs := parentRouter.PathPrefix("/runs").Subrouter()
	runs.StrictSlash(false)
	runs.Use(jsonMiddleware, authMiddleware)

	runs.HandleFunc("/{id}", s.HandleGetRun).Methods("GET")
}
