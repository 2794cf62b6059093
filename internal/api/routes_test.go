package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/irfndi/kfold-ensemble-go/internal/cache"
	"github.com/irfndi/kfold-ensemble-go/internal/models"
	"github.com/irfndi/kfold-ensemble-go/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubService struct {
	refreshes int
	ingested  int
}

func (s *stubService) CurrentAssignment(context.Context) (*models.FoldAssignment, error) {
	return &models.FoldAssignment{FoldCount: models.DefaultFoldCount}, nil
}

func (s *stubService) Snapshot(_ context.Context, runID uuid.UUID) (*models.FoldSnapshot, error) {
	return &models.FoldSnapshot{RunID: runID}, nil
}

func (s *stubService) Plan(context.Context, int) ([]models.TrainingSplit, error) {
	return []models.TrainingSplit{}, nil
}

func (s *stubService) EnsembleScores(context.Context, time.Time, models.ModelKind) ([]models.EnsembleScore, error) {
	return nil, nil
}

func (s *stubService) Recommendations(_ context.Context, runID uuid.UUID) ([]models.Recommendation, error) {
	return []models.Recommendation{{RunID: runID, Rank: 1}}, nil
}

func (s *stubService) Refresh(context.Context) (*services.RefreshResult, error) {
	s.refreshes++
	return &services.RefreshResult{RunID: uuid.New()}, nil
}

func (s *stubService) IngestMemberScores(_ context.Context, scores []models.MemberScore) (int64, error) {
	s.ingested += len(scores)
	return int64(len(scores)), nil
}

func (s *stubService) IngestSnapshots(_ context.Context, snapshots []models.FinancialSnapshot) (int64, error) {
	s.ingested += len(snapshots)
	return int64(len(snapshots)), nil
}

func (s *stubService) CacheStats() cache.FoldCacheStats {
	return cache.FoldCacheStats{Sets: 2}
}

func (s *stubService) BreakerState() services.CircuitBreakerState {
	return services.Closed
}

type stubChecker struct{ err error }

func (c stubChecker) HealthCheck(context.Context) error { return c.err }

func newTestRouter(t *testing.T) (*gin.Engine, *stubService) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	assigner, err := services.NewFoldAssigner(models.DefaultFoldCount)
	require.NoError(t, err)
	scorer, err := services.NewEnsembleScorer(services.DefaultExclusionPolicy(), models.DefaultFoldCount)
	require.NoError(t, err)

	svc := &stubService{}
	router := gin.New()
	SetupRoutes(router, Dependencies{
		Service:  svc,
		Assigner: assigner,
		Scorer:   scorer,
		DB:       stubChecker{},
		AdminKey: "admin-key",
		Version:  "test",
	})
	return router, svc
}

func TestSetupRoutes_Registered(t *testing.T) {
	router, _ := newTestRouter(t)

	registered := make(map[string]bool)
	for _, r := range router.Routes() {
		registered[r.Method+" "+r.Path] = true
	}

	for _, route := range []string{
		"GET /health",
		"POST /api/v1/folds/assign",
		"GET /api/v1/folds/current",
		"GET /api/v1/folds/runs/:run_id",
		"GET /api/v1/folds/plan",
		"POST /api/v1/ensemble/combine",
		"GET /api/v1/ensemble/:period",
		"GET /api/v1/recommendations/:run_id",
		"POST /api/v1/admin/refresh",
		"POST /api/v1/admin/member-scores",
		"POST /api/v1/admin/snapshots",
	} {
		assert.True(t, registered[route], "missing route %s", route)
	}
}

func TestSetupRoutes_PublicEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)
	runID := uuid.New().String()

	tests := []struct {
		method, path, body string
		expected           int
	}{
		{http.MethodGet, "/health", "", http.StatusOK},
		{http.MethodGet, "/api/v1/folds/current", "", http.StatusOK},
		{http.MethodGet, "/api/v1/folds/runs/" + runID, "", http.StatusOK},
		{http.MethodGet, "/api/v1/folds/plan?purge=1", "", http.StatusOK},
		{http.MethodPost, "/api/v1/folds/assign", `{"dates":["2024-03-31","2024-06-30"]}`, http.StatusOK},
		{http.MethodGet, "/api/v1/ensemble/2024-03-31", "", http.StatusOK},
		{http.MethodGet, "/api/v1/recommendations/" + runID, "", http.StatusOK},
		{http.MethodGet, "/api/v1/unknown", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.expected, w.Code, w.Body.String())
		})
	}
}

func TestSetupRoutes_AdminRefreshRequiresKey(t *testing.T) {
	router, svc := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/admin/refresh", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, 0, svc.refreshes)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/refresh", nil)
	req.Header.Set("X-API-Key", "admin-key")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, svc.refreshes)
}

func TestSetupRoutes_HealthWithoutRedis(t *testing.T) {
	router, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "disabled: using in-memory cache")
	assert.Contains(t, w.Body.String(), `"sets":2`)
	assert.Contains(t, w.Body.String(), `"refresh_breaker":"closed"`)
}

func TestSetupRoutes_AdminIngestion(t *testing.T) {
	router, svc := newTestRouter(t)

	post := func(path, key, body string) int {
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		if key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	scores := `{"scores":[{"company_id":"c1","period_end_date":"2024-03-31","kind":"investment_grade","held_out":"K3","score":0.7}]}`
	snapshots := `{"snapshots":[{"company_id":"c1","symbol":"AAA","period_end_date":"2024-03-31","market_cap":"1000"}]}`

	assert.Equal(t, http.StatusUnauthorized, post("/api/v1/admin/member-scores", "", scores))
	assert.Equal(t, http.StatusUnauthorized, post("/api/v1/admin/snapshots", "wrong", snapshots))
	assert.Equal(t, 0, svc.ingested)

	assert.Equal(t, http.StatusOK, post("/api/v1/admin/member-scores", "admin-key", scores))
	assert.Equal(t, http.StatusOK, post("/api/v1/admin/snapshots", "admin-key", snapshots))
	assert.Equal(t, 2, svc.ingested)
}
