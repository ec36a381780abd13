package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/escalation"
	"github.com/odyssey-erp/odyssey-access/internal/permcache"
	"github.com/odyssey-erp/odyssey-access/internal/policy"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
	"github.com/odyssey-erp/odyssey-access/jobs"
)

func testConfig() *Config {
	return &Config{
		AppEnv:            "test",
		AppRequestTimeout: 5 * time.Second,
		RateLimit:         1000,
		CacheBackend:      BackendMemory,
		DecisionCacheTTL:  time.Minute,
		SealLease:         30 * time.Second,
		LockBackend:       BackendMemory,
		LockTTL:           30 * time.Second,
		TxWindow:          5 * time.Second,
		PredicateTimeout:  time.Second,
		JWTSigningKey:     "test-key",
		JWTIssuer:         "odyssey",
		JWTAudience:       "odyssey-access",
		TokenTTL:          time.Hour,
	}
}

func memoryDeps(cfg *Config) Deps {
	log := audit.NewMemoryLog()
	return Deps{
		Config:    cfg,
		Policy:    policy.NewMemoryStore(log),
		Workflows: escalation.NewMemoryStore(log),
		Timeline:  log,
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("JWT_SIGNING_KEY", "secret")
	t.Setenv("CACHE_BACKEND", "redis")
	t.Setenv("SEAL_LEASE", "45s")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "secret", cfg.JWTSigningKey)
	require.Equal(t, BackendRedis, cfg.CacheBackend)
	require.Equal(t, 45*time.Second, cfg.SealLease)
	require.Equal(t, 2*time.Second, cfg.PredicateTimeout)
	require.False(t, cfg.IsProduction())
}

func TestConfigValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"missing key":   func(c *Config) { c.JWTSigningKey = "" },
		"unknown cache": func(c *Config) { c.CacheBackend = "memcached" },
		"unknown lock":  func(c *Config) { c.LockBackend = "etcd" },
		"tx outlives lease": func(c *Config) {
			c.CacheBackend = BackendRedis
			c.TxWindow = time.Minute
		},
		"tx outlives lock": func(c *Config) {
			c.LockBackend = BackendRedis
			c.SealLease = 2 * time.Minute
			c.TxWindow = time.Minute
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
	require.NoError(t, testConfig().Validate())
}

func TestNewContainerBackends(t *testing.T) {
	_, err := NewContainer(Deps{})
	require.Error(t, err)

	cfg := testConfig()
	cfg.CacheBackend = BackendRedis
	_, err = NewContainer(memoryDeps(cfg))
	require.Error(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	deps := memoryDeps(cfg)
	deps.Redis = client
	c, err := NewContainer(deps)
	require.NoError(t, err)
	_, ok := c.Cache.(*permcache.RedisCache)
	require.True(t, ok)
	require.NoError(t, c.Listen(context.Background()))

	_, ok = c.Locker.(*shared.RedisLocker)
	require.True(t, ok)

	c, err = NewContainer(memoryDeps(testConfig()))
	require.NoError(t, err)
	_, ok = c.Locker.(*shared.KeyedMutex)
	require.True(t, ok)

	deps = memoryDeps(testConfig())
	deps.Redis = client
	c, err = NewContainer(deps)
	require.NoError(t, err)
	_, ok = c.Cache.(*permcache.Broadcast)
	require.True(t, ok)
	_, ok = c.Locker.(*shared.RedisLocker)
	require.True(t, ok)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Listen(ctx))
	require.NoError(t, c.Close())
}

func newTestServer(t *testing.T) (*Container, http.Handler) {
	t.Helper()
	cfg := testConfig()
	c, err := NewContainer(memoryDeps(cfg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	_, err = c.Service.SeedDefaults(context.Background(), 1)
	require.NoError(t, err)

	router := NewRouter(RouterParams{
		Config:            cfg,
		Tokens:            c.Tokens,
		AccessHandler:     c.AccessHandler,
		EscalationHandler: c.EscalationHandler,
		JobHandler:        jobs.NewHandler(nil, nil),
		Metrics:           c.Metrics,
	})
	return c, router
}

func TestRouterServesAccessRoutes(t *testing.T) {
	c, router := newTestServer(t)
	ctx := context.Background()

	roles, err := c.Service.ListRoles(ctx)
	require.NoError(t, err)
	var staffID int64
	for _, r := range roles {
		if r.Codename == "staff" {
			staffID = r.ID
		}
	}
	require.NotZero(t, staffID)
	_, err = c.Service.AssignRole(ctx, 1, rbac.AssignmentInput{
		UserID:    11,
		RoleID:    staffID,
		StartTime: time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)

	token, err := c.Tokens.Issue(11, time.Hour)
	require.NoError(t, err)

	do := func(method, path, bearer string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	rec := do(http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))

	rec = do(http.MethodGet, "/access/me/permissions", token)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		UserID      int64    `json:"user_id"`
		Permissions []string `json:"permissions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, int64(11), body.UserID)
	require.Contains(t, body.Permissions, "read_evaluation")
	require.NotContains(t, body.Permissions, "approve_evaluation")

	require.Equal(t, http.StatusUnauthorized, do(http.MethodGet, "/access/me/permissions", "").Code)
	require.Equal(t, http.StatusUnauthorized, do(http.MethodGet, "/access/me/permissions", "garbage").Code)
	require.Equal(t, http.StatusForbidden, do(http.MethodGet, "/access/roles", token).Code)
	require.Equal(t, http.StatusNotFound, do(http.MethodGet, "/escalations/999", token).Code)

	rec = do(http.MethodGet, "/jobs/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"queue":"default"`)

	rec = do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "access_decisions_total"))
}

func TestAuditOriginStampsRequest(t *testing.T) {
	var got audit.Origin
	h := chimw.RequestID(AuditOrigin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = audit.OriginFromContext(r.Context())
	})))
	req := httptest.NewRequest(http.MethodPost, "/access/assignments", nil)
	req.Header.Set("User-Agent", "ops-console")
	req.Header.Set(chimw.RequestIDHeader, "req-42")
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.Equal(t, "req-42", got.RequestID)
	require.Equal(t, "ops-console", got.UserAgent)
	require.Equal(t, req.RemoteAddr, got.IP)
}

func TestInTestMode(t *testing.T) {
	t.Setenv(TestModeEnv, "true")
	RefreshTestMode()
	require.True(t, InTestMode())

	t.Setenv(TestModeEnv, "0")
	RefreshTestMode()
	require.False(t, InTestMode())

	t.Setenv(TestModeEnv, "banana")
	RefreshTestMode()
	require.False(t, InTestMode())
}
