package collections

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"dagflow/api/pkg/clients/vectorstore"
	"dagflow/api/services/storage"
)

// maxRequestBody bounds document upload bodies.
const maxRequestBody = 8 << 20 // 8MB

type userIDKeyType struct{}

var userIDKey = userIDKeyType{}

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

func callerID(r *http.Request) (uuid.UUID, bool) {
	id, ok := r.Context().Value(userIDKey).(uuid.UUID)
	return id, ok
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// LoadRoutes mounts the collection endpoints under /collections.
func (s *Service) LoadRoutes(parentRouter *mux.Router) {
	router := parentRouter.PathPrefix("/collections").Subrouter()
	router.StrictSlash(false)
	router.Use(jsonMiddleware, authMiddleware)

	router.HandleFunc("", s.HandleCreateCollection).Methods("POST")
	router.HandleFunc("", s.HandleListCollections).Methods("GET")
	router.HandleFunc("/{name}", s.HandleGetCollection).Methods("GET")
	router.HandleFunc("/{name}", s.HandleDeleteCollection).Methods("DELETE")
	router.HandleFunc("/{name}/documents", s.HandleAddDocuments).Methods("POST")
	router.HandleFunc("/{name}/search", s.HandleSearch).Methods("POST")
}

type documentPayload struct {
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func toDocuments(payload []documentPayload) []vectorstore.Document {
	docs := make([]vectorstore.Document, len(payload))
	for i, d := range payload {
		docs[i] = vectorstore.Document{Text: d.Text, Metadata: d.Metadata}
	}
	return docs
}

// HandleCreateCollection creates a collection from its initial
// documents.
func (s *Service) HandleCreateCollection(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(r)
	if !ok {
		writeErrorJSON(w, "UNAUTHENTICATED", "missing user", http.StatusUnauthorized)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var body struct {
		Name      string            `json:"name"`
		Documents []documentPayload `json:"documents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrorJSON(w, "INVALID_BODY", "invalid request body", http.StatusBadRequest)
		return
	}

	record, err := s.Create(r.Context(), userID, body.Name, toDocuments(body.Documents))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

// HandleListCollections returns the caller's collections.
func (s *Service) HandleListCollections(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(r)
	if !ok {
		writeErrorJSON(w, "UNAUTHENTICATED", "missing user", http.StatusUnauthorized)
		return
	}

	records, err := s.List(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if records == nil {
		records = []storage.VectorCollection{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"collections": records})
}

// HandleGetCollection returns one collection's metadata.
func (s *Service) HandleGetCollection(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(r)
	if !ok {
		writeErrorJSON(w, "UNAUTHENTICATED", "missing user", http.StatusUnauthorized)
		return
	}

	record, err := s.Get(r.Context(), userID, mux.Vars(r)["name"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// HandleDeleteCollection removes a collection and its index.
func (s *Service) HandleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(r)
	if !ok {
		writeErrorJSON(w, "UNAUTHENTICATED", "missing user", http.StatusUnauthorized)
		return
	}

	if err := s.Delete(r.Context(), userID, mux.Vars(r)["name"]); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleAddDocuments appends documents to an existing collection.
func (s *Service) HandleAddDocuments(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(r)
	if !ok {
		writeErrorJSON(w, "UNAUTHENTICATED", "missing user", http.StatusUnauthorized)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var body struct {
		Documents []documentPayload `json:"documents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrorJSON(w, "INVALID_BODY", "invalid request body", http.StatusBadRequest)
		return
	}

	record, err := s.Add(r.Context(), userID, mux.Vars(r)["name"], toDocuments(body.Documents))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// HandleSearch runs a similarity query against a collection.
func (s *Service) HandleSearch(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(r)
	if !ok {
		writeErrorJSON(w, "UNAUTHENTICATED", "missing user", http.StatusUnauthorized)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var body struct {
		Query          string         `json:"query"`
		TopK           int            `json:"topK"`
		ScoreThreshold *float64       `json:"scoreThreshold"`
		MetadataFilter map[string]any `json:"metadataFilter,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrorJSON(w, "INVALID_BODY", "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Query == "" {
		writeErrorJSON(w, "INVALID_BODY", "query is required", http.StatusBadRequest)
		return
	}
	if body.TopK <= 0 {
		body.TopK = 5
	}
	// An omitted threshold must not filter; zero is a real threshold.
	threshold := vectorstore.NoThreshold
	if body.ScoreThreshold != nil {
		threshold = *body.ScoreThreshold
	}

	hits, err := s.Search(r.Context(), userID, mux.Vars(r)["name"], body.Query, body.TopK, threshold, body.MetadataFilter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if hits == nil {
		hits = []vectorstore.Hit{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results":      hits,
		"totalResults": len(hits),
	})
}

// writeServiceError maps service errors onto the HTTP surface.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeErrorJSON(w, "NOT_FOUND", "collection not found", http.StatusNotFound)
	case errors.Is(err, ErrAlreadyExists):
		writeErrorJSON(w, "ALREADY_EXISTS", "collection already exists", http.StatusConflict)
	case errors.Is(err, ErrInvalidName), errors.Is(err, ErrInvalidDocuments):
		writeErrorJSON(w, "INVALID_REQUEST", err.Error(), http.StatusBadRequest)
	case errors.Is(err, vectorstore.ErrDimensionMismatch):
		writeErrorJSON(w, "DIMENSION_MISMATCH", err.Error(), http.StatusBadRequest)
	default:
		slog.Error("collection operation failed", "error", err)
		writeErrorJSON(w, "INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func writeErrorJSON(w http.ResponseWriter, errCode, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"code": errCode, "message": message})
}
