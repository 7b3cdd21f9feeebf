package collections

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"

	"dagflow/api/pkg/clients/vectorstore"
)

func searchRequest(t *testing.T, svc *Service, body string) *httptest.ResponseRecorder {
	t.Helper()
	router := mux.NewRouter()
	svc.LoadRoutes(router)

	req := httptest.NewRequest("POST", "/collections/docs/search", strings.NewReader(body))
	req.Header.Set("X-User-ID", userA.String())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandleSearchOmittedThresholdFiltersNothing(t *testing.T) {
	t.Parallel()

	var gotThreshold float64
	store := &mockStore{searchFn: func(_ context.Context, _, _ string, _ int, scoreThreshold float64, _ map[string]any) ([]vectorstore.Hit, error) {
		gotThreshold = scoreThreshold
		return nil, nil
	}}
	svc := newTestService(t, store, newMockMetadata())
	ctx := context.Background()

	if _, err := svc.Create(ctx, userA, "docs", docs("x")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec := searchRequest(t, svc, `{"query":"q"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if gotThreshold != vectorstore.NoThreshold {
		t.Errorf("threshold = %v, want NoThreshold when body omits it", gotThreshold)
	}

	// An explicit zero is a real threshold and passes through as such.
	rec = searchRequest(t, svc, `{"query":"q","scoreThreshold":0}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if gotThreshold != 0 {
		t.Errorf("threshold = %v, want explicit 0", gotThreshold)
	}
}
