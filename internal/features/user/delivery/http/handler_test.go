package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	initdata "github.com/telegram-mini-apps/init-data-golang"

	"coinfarm-backend/internal/features/reward"
	"coinfarm-backend/internal/features/sync/coordinator"
	"coinfarm-backend/internal/features/sync/mirror"
	syncmodels "coinfarm-backend/internal/features/sync/models"
	syncservice "coinfarm-backend/internal/features/sync/service"
	"coinfarm-backend/internal/features/sync/store/storetest"
	"coinfarm-backend/internal/features/sync/subscription"
	userservice "coinfarm-backend/internal/features/user/service"
)

const (
	userID  = int64(123456789)
	adminID = int64(987654321)
)

type noopReferrals struct{}

func (noopReferrals) Track(_ context.Context, _, _ string) error            { return nil }
func (noopReferrals) ConfirmOnFirstClaim(_ context.Context, _ string) error { return nil }
func (noopReferrals) Referrals(_ context.Context, _ string) ([]string, error) {
	return []string{"222222222"}, nil
}

func newTestRouter(t *testing.T, asID int64) (*gin.Engine, syncservice.SyncService) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fake := storetest.New()
	cache, err := mirror.Open(":memory:", 10*time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	subs := subscription.NewManager(fake, cache, subscription.Config{})
	coord := coordinator.New(fake, cache, subs, 0)
	applier := reward.NewApplier(coord)
	syncSvc := syncservice.New(fake, cache, coord, subs, applier)

	game := userservice.New(syncSvc, noopReferrals{}, 8*time.Hour, 480)
	handler := NewUserHandler(syncSvc, game, noopReferrals{}, nil, "http://localhost", []string{"987654321"})

	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set("user", initdata.User{ID: asID, Username: "alice"})
	})
	handler.RegisterRoutes(router.Group("/api/v1"))
	return router, syncSvc
}

func do(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestGetMeCreatesRecord(t *testing.T) {
	router, syncSvc := newTestRouter(t, userID)

	w := do(router, http.MethodGet, "/api/v1/users/me", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"external_id":"123456789"`)
	assert.Contains(t, w.Body.String(), `"username":"alice"`)

	record, err := syncSvc.GetUser(context.Background(), "123456789")
	require.NoError(t, err)
	assert.Equal(t, "alice", record.Username)
}

func TestFarmingLifecycleOverHTTP(t *testing.T) {
	router, syncSvc := newTestRouter(t, userID)

	w := do(router, http.MethodGet, "/api/v1/users/me", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(router, http.MethodPost, "/api/v1/users/me/farming/start", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "farming_window_start")

	// Повторный старт при активном окне
	w = do(router, http.MethodPost, "/api/v1/users/me/farming/start", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Клейм до конца окна
	w = do(router, http.MethodPost, "/api/v1/users/me/farming/claim", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Откатываем окно в прошлое и клеймим
	start := time.Now().UTC().Add(-9 * time.Hour)
	end := start.Add(8 * time.Hour)
	_, err := syncSvc.UpdateUser(context.Background(), "123456789", func(r *syncmodels.UserRecord) (*syncmodels.UserRecord, error) {
		r.FarmingWindowStart = &start
		r.FarmingWindowEnd = &end
		return r, nil
	})
	require.NoError(t, err)

	w = do(router, http.MethodPost, "/api/v1/users/me/farming/claim", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"result":"applied"`)
}

func TestTaskClaimOverHTTP(t *testing.T) {
	router, _ := newTestRouter(t, userID)

	require.Equal(t, http.StatusOK, do(router, http.MethodGet, "/api/v1/users/me", "").Code)

	w := do(router, http.MethodPost, "/api/v1/users/me/tasks/daily_checkin/claim", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"result":"applied"`)

	w = do(router, http.MethodPost, "/api/v1/users/me/tasks/daily_checkin/claim", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"result":"already_applied"`)

	w = do(router, http.MethodPost, "/api/v1/users/me/tasks/bogus/claim", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatusEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, userID)

	w := do(router, http.MethodGet, "/api/v1/status", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"online":true`)
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	router, _ := newTestRouter(t, userID)

	w := do(router, http.MethodGet, "/api/v1/admin/users/123456789", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdminSetTier(t *testing.T) {
	router, syncSvc := newTestRouter(t, adminID)

	_, err := syncSvc.EnsureUser(context.Background(), "123456789", syncservice.Profile{})
	require.NoError(t, err)

	w := do(router, http.MethodPost, "/api/v1/admin/users/123456789/tier", `{"tier":"tier2","days":7}`)
	assert.Equal(t, http.StatusOK, w.Code)

	record, err := syncSvc.GetUser(context.Background(), "123456789")
	require.NoError(t, err)
	assert.Equal(t, syncmodels.TierTwo, record.EffectiveTier(time.Now().UTC()))

	// Снятие тарифа чистит срок
	w = do(router, http.MethodPost, "/api/v1/admin/users/123456789/tier", `{"tier":"free"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	record, err = syncSvc.GetUser(context.Background(), "123456789")
	require.NoError(t, err)
	assert.Equal(t, syncmodels.TierFree, record.Tier)
	assert.Nil(t, record.TierExpiry)
}

func TestAdminGetMirror(t *testing.T) {
	router, syncSvc := newTestRouter(t, adminID)

	_, err := syncSvc.EnsureUser(context.Background(), "123456789", syncservice.Profile{})
	require.NoError(t, err)

	w := do(router, http.MethodGet, "/api/v1/admin/users/123456789/mirror", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"source":"authoritative"`)
}
