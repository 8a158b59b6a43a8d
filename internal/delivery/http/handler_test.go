package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Harsh-BH/tradeguard/internal/domain"
	"github.com/Harsh-BH/tradeguard/internal/lock"
	"github.com/Harsh-BH/tradeguard/internal/repository"
	"github.com/Harsh-BH/tradeguard/internal/repository/memory"
	"github.com/Harsh-BH/tradeguard/internal/repository/mock"
	"github.com/Harsh-BH/tradeguard/internal/schedule"
	"github.com/Harsh-BH/tradeguard/internal/usecase"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var errDown = errors.New("connection refused")

// downStore fails every operation.
type downStore struct{}

var _ repository.LockStore = downStore{}

func (downStore) AcquireExclusive(context.Context, string, string, time.Duration, []string) (bool, error) {
	return false, errDown
}
func (downStore) CompareAndExtend(context.Context, string, string, time.Duration) (bool, error) {
	return false, errDown
}
func (downStore) CompareAndDelete(context.Context, string, string) (bool, error) {
	return false, errDown
}
func (downStore) Delete(context.Context, string) (bool, error) { return false, errDown }
func (downStore) TTL(context.Context, string) (time.Duration, bool, error) {
	return 0, false, errDown
}

func setupTestRouter(t *testing.T, store repository.LockStore) (*gin.Engine, *mock.RunRepository) {
	t.Helper()
	crons := map[domain.Task]string{
		domain.TaskMarketSignal:                     "*/15 * * * *",
		domain.TaskAllocationRecommendationExisting: "0 9 * * 1-5",
		domain.TaskAllocationRecommendationNew:      "0 10 * * 1-5",
		domain.TaskAllocationAudit:                  "0 2 * * *",
	}
	reg, err := schedule.NewRegistry(schedule.Definitions(crons, time.Minute), time.UTC)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	release := make(chan struct{})
	body := func(ctx context.Context, _ *domain.Run) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}

	logger := zap.NewNop()
	runs := &mock.RunRepository{}
	locks := lock.NewManager(store, runs, reg.Namespace(), "test", logger)
	uc := usecase.NewScheduleUsecase(reg, locks, runs, body, logger)
	t.Cleanup(func() {
		close(release)
		_ = uc.Shutdown(context.Background())
	})

	health := NewHealthHandler(map[string]HealthCheck{
		"redis": func(context.Context) error { return nil },
	}, logger)
	return NewRouter(uc, health, logger, 0), runs
}

func do(router *gin.Engine, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to unmarshal response %q: %v", w.Body.String(), err)
	}
}

func TestScheduleHandler_RunThenSkipped(t *testing.T) {
	router, runs := setupTestRouter(t, memory.NewLockStore())

	w := do(router, http.MethodPost, "/schedule/allocationAudit/run")
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp domain.ScheduleExecutionResponse
	decode(t, w, &resp)
	if resp.Task != domain.TaskAllocationAudit || resp.Status != domain.ScheduleStarted {
		t.Errorf("unexpected response %+v", resp)
	}
	if len(runs.Started) != 1 {
		t.Errorf("expected 1 started run, got %d", len(runs.Started))
	}

	w = do(router, http.MethodPost, "/schedule/allocationAudit/run")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200 while locked, got %d: %s", w.Code, w.Body.String())
	}
	decode(t, w, &resp)
	if resp.Status != domain.ScheduleSkippedLock {
		t.Errorf("expected skipped_lock, got %s", resp.Status)
	}
}

func TestScheduleHandler_UnknownTask(t *testing.T) {
	router, _ := setupTestRouter(t, memory.NewLockStore())

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/schedule/tradeExecution/run"},
		{http.MethodGet, "/schedule/nope/lock"},
		{http.MethodDelete, "/schedule/nope/lock"},
		{http.MethodGet, "/schedule/nope/plan"},
	} {
		if w := do(router, tc.method, tc.path); w.Code != http.StatusNotFound {
			t.Errorf("%s %s: expected status 404, got %d", tc.method, tc.path, w.Code)
		}
	}
}

func TestScheduleHandler_StoreUnavailable(t *testing.T) {
	router, runs := setupTestRouter(t, downStore{})

	w := do(router, http.MethodPost, "/schedule/marketSignal/run")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d: %s", w.Code, w.Body.String())
	}
	if len(runs.Started) != 0 {
		t.Error("no run may start when the lock store is down")
	}

	if w := do(router, http.MethodGet, "/schedule/marketSignal/lock"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected inspect to report 503, got %d", w.Code)
	}
}

func TestScheduleHandler_LockStateAndRelease(t *testing.T) {
	router, runs := setupTestRouter(t, memory.NewLockStore())
	runs.ResetRunningFn = func(context.Context, domain.Task) (int, error) { return 1, nil }

	var state domain.ScheduleLockStateResponse
	decode(t, do(router, http.MethodGet, "/schedule/marketSignal/lock"), &state)
	if state.Locked || state.TTLMs != nil {
		t.Fatalf("expected unlocked state, got %+v", state)
	}

	do(router, http.MethodPost, "/schedule/marketSignal/run")

	w := do(router, http.MethodGet, "/schedule/marketSignal/lock")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	decode(t, w, &state)
	if !state.Locked || state.TTLMs == nil || *state.TTLMs <= 0 {
		t.Fatalf("expected live lock with ttl, got %+v", state)
	}

	w = do(router, http.MethodDelete, "/schedule/marketSignal/lock")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var released domain.ScheduleLockReleaseResponse
	decode(t, w, &released)
	if !released.Released || released.Locked {
		t.Errorf("unexpected release outcome %+v", released)
	}
	if released.RecoveredRunningCount == nil || *released.RecoveredRunningCount != 1 {
		t.Errorf("expected 1 recovered run, got %v", released.RecoveredRunningCount)
	}
}

func TestScheduleHandler_Plan(t *testing.T) {
	router, _ := setupTestRouter(t, memory.NewLockStore())

	w := do(router, http.MethodGet, "/schedule/allocationAudit/plan")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var plan domain.SchedulePlanResponse
	decode(t, w, &plan)
	if plan.CronExpression != "0 2 * * *" || plan.Timezone != "UTC" {
		t.Errorf("unexpected plan %+v", plan)
	}
	if !plan.RunAt.After(time.Now()) || plan.RunAt.Hour() != 2 {
		t.Errorf("expected next 02:00 fire, got %v", plan.RunAt)
	}
}

func TestHealthHandler(t *testing.T) {
	router := gin.New()
	router.GET("/health", NewHealthHandler(map[string]HealthCheck{
		"redis":    func(context.Context) error { return nil },
		"postgres": func(context.Context) error { return errDown },
	}, zap.NewNop()).Health)

	w := do(router, http.MethodGet, "/health")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", w.Code)
	}
	var resp struct {
		Status   string            `json:"status"`
		Services map[string]string `json:"services"`
	}
	decode(t, w, &resp)
	if resp.Status != "degraded" || resp.Services["postgres"] != "unavailable" || resp.Services["redis"] != "ok" {
		t.Errorf("unexpected health body %+v", resp)
	}
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	router, _ := setupTestRouter(t, memory.NewLockStore())

	if w := do(router, http.MethodGet, "/health"); w.Code != http.StatusOK {
		t.Errorf("expected /health 200, got %d", w.Code)
	}
	if w := do(router, http.MethodGet, "/metrics"); w.Code != http.StatusOK {
		t.Errorf("expected /metrics 200, got %d", w.Code)
	}
}
