package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brightlens/pkg/cache"
	"brightlens/pkg/config"
	"brightlens/pkg/logger"
	"brightlens/pkg/offline"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	logger.Init(logger.Config{Level: "error", Format: "text"})
	os.Exit(m.Run())
}

// newOrigin 模拟源站：关键资源、一张图片和一个动态页面
func newOrigin() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/images/big-"):
			w.Header().Set("Content-Type", "image/png")
			w.Write(bytes.Repeat([]byte("i"), 60<<10))
		case r.URL.Path == "/images/cover.png":
			w.Header().Set("Content-Type", "image/png")
			w.Write([]byte("COVER"))
		case r.URL.Path == "/world":
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("<h1>World news</h1>"))
		case r.URL.Path == "/" || strings.HasPrefix(r.URL.Path, "/css/") ||
			strings.HasPrefix(r.URL.Path, "/js/") || strings.HasSuffix(r.URL.Path, ".html") ||
			r.URL.Path == "/manifest.json":
			w.Write([]byte("asset " + r.URL.Path))
		default:
			http.NotFound(w, r)
		}
	}))
}

func newTestApp(t *testing.T, origin string) *App {
	t.Helper()
	return newTestAppWith(t, origin, func(*config.Config) {})
}

func newTestAppWith(t *testing.T, origin string, modify func(*config.Config)) *App {
	t.Helper()
	cfg := config.Default().SetOrigin(origin)
	modify(cfg)
	cfg.Cache.CleanupInterval = 0
	cfg.Origin.Fetcher.Timeout = 2 * time.Second
	require.NoError(t, cfg.Validate())

	app, err := NewApp(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(app.Close)
	return app
}

func do(t *testing.T, app *App, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	app.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

// 测试健康检查返回当前 worker
func TestServer_Health(t *testing.T) {
	origin := newOrigin()
	defer origin.Close()
	app := newTestApp(t, origin.URL)

	rec := do(t, app, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	worker := body["worker"].(map[string]interface{})
	assert.Equal(t, "v1", worker["version"])
	assert.Equal(t, string(offline.StateActivated), worker["state"])
}

// 测试键值缓存的增删查
func TestServer_CacheAPI(t *testing.T) {
	origin := newOrigin()
	defer origin.Close()
	app := newTestApp(t, origin.URL)

	rec := do(t, app, http.MethodPut, "/api/v1/cache/headlines", map[string]interface{}{
		"value": map[string]interface{}{"title": "Nairobi"},
		"ttl":   "1m",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1m0s", decode(t, rec)["ttl"])

	rec = do(t, app, http.MethodGet, "/api/v1/cache/headlines", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	value := decode(t, rec)["value"].(map[string]interface{})
	assert.Equal(t, "Nairobi", value["title"])

	rec = do(t, app, http.MethodGet, "/api/v1/cache/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode(t, rec)["stats"].(map[string]interface{})
	assert.Equal(t, float64(1), stats["totalEntries"])

	rec = do(t, app, http.MethodDelete, "/api/v1/cache/headlines", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, app, http.MethodGet, "/api/v1/cache/headlines", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// 默认 TTL
	rec = do(t, app, http.MethodPut, "/api/v1/cache/a", map[string]interface{}{"value": 1})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "3m0s", decode(t, rec)["ttl"])

	rec = do(t, app, http.MethodDelete, "/api/v1/cache", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, app, http.MethodGet, "/api/v1/cache/a", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// 测试无效的写入请求
func TestServer_CacheAPIBadRequest(t *testing.T) {
	origin := newOrigin()
	defer origin.Close()
	app := newTestApp(t, origin.URL)

	tests := []struct {
		name string
		body interface{}
	}{
		{"缺少 value", map[string]interface{}{"ttl": "1m"}},
		{"无效的 ttl", map[string]interface{}{"value": 1, "ttl": "soon"}},
		{"负数 ttl", map[string]interface{}{"value": 1, "ttl": "-1m"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, app, http.MethodPut, "/api/v1/cache/k", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "bad_request", decode(t, rec)["error"])
		})
	}
}

// 测试缓存键生成接口与库函数一致
func TestServer_GenerateKey(t *testing.T) {
	origin := newOrigin()
	defer origin.Close()
	app := newTestApp(t, origin.URL)

	rec := do(t, app, http.MethodPost, "/api/v1/cache/keys", map[string]interface{}{
		"namespace": "news",
		"page":      2,
		"filters":   map[string]interface{}{"country": "ke"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	expected := cache.GenerateKey("news", 2, map[string]interface{}{"country": "ke"})
	assert.Equal(t, expected, decode(t, rec)["key"])

	rec = do(t, app, http.MethodPost, "/api/v1/cache/keys", map[string]interface{}{"page": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// 测试 worker 消息接口
func TestServer_Messages(t *testing.T) {
	origin := newOrigin()
	defer origin.Close()
	app := newTestApp(t, origin.URL)

	rec := do(t, app, http.MethodPost, "/sw/message", offline.Message{Type: offline.MsgGetCacheStats})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.NotEmpty(t, body["client"])
	replies := body["replies"].([]interface{})
	require.Len(t, replies, 1)
	assert.Equal(t, string(offline.MsgCacheStats), replies[0].(map[string]interface{})["type"])

	rec = do(t, app, http.MethodPost, "/sw/message", offline.Message{Type: offline.MsgCacheUpdate, URL: origin.URL + "/images/cover.png"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode(t, rec)["replies"])

	rec = do(t, app, http.MethodPost, "/sw/message", offline.Message{Type: offline.MsgSkipWaiting})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, app, http.MethodPost, "/sw/message", offline.Message{Type: "PING"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, app, http.MethodGet, "/sw/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, "v1", body["version"])
	partitions := body["partitions"].(map[string]interface{})
	images := partitions[offline.PartitionName(offline.KindImages, "v1")].(map[string]interface{})
	assert.Equal(t, float64(1), images["entries"])

	// 预热写入了关键资源
	static := partitions[offline.PartitionName(offline.KindStatic, "v1")].(map[string]interface{})
	assert.Greater(t, static["entries"].(float64), float64(0))
}

// 测试代理在源站离线后由缓存应答
func TestServer_ProxyOffline(t *testing.T) {
	origin := newOrigin()
	app := newTestApp(t, origin.URL)

	rec := do(t, app, http.MethodGet, "/images/cover.png", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "COVER", rec.Body.String())
	assert.Equal(t, string(offline.StatusMiss), rec.Header().Get(offline.HeaderCacheStatus))

	rec = do(t, app, http.MethodGet, "/world", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "World news")

	origin.Close()

	rec = do(t, app, http.MethodGet, "/images/cover.png", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "COVER", rec.Body.String())
	assert.Equal(t, string(offline.StatusHit), rec.Header().Get(offline.HeaderCacheStatus))

	// 网络优先的页面退回缓存副本
	rec = do(t, app, http.MethodGet, "/world", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "World news")
	assert.Equal(t, string(offline.StatusStale), rec.Header().Get(offline.HeaderCacheStatus))

	// 从未缓存过的页面得到离线页
	rec = do(t, app, http.MethodGet, "/kenya", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "You are offline")
	assert.Equal(t, string(offline.StatusOffline), rec.Header().Get(offline.HeaderCacheStatus))

	// 未缓存的图片得到占位图
	rec = do(t, app, http.MethodGet, "/images/missing.jpg", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/svg+xml", rec.Header().Get("Content-Type"))
}

// 测试维护任务按默认调度登记
func TestApp_MaintenanceJobs(t *testing.T) {
	origin := newOrigin()
	defer origin.Close()
	app := newTestApp(t, origin.URL)

	jobs := app.scheduler.GetAllJobs()
	assert.Len(t, jobs, 3)
	for _, job := range jobs {
		assert.True(t, job.Config.Enabled)
	}
}

// 测试请求缓存写满自己的配额后，键值缓存仍可写入
func TestApp_SeparateQuotas(t *testing.T) {
	origin := newOrigin()
	app := newTestAppWith(t, origin.URL, func(cfg *config.Config) {
		cfg.Storage.Quota = 1 << 20
		cfg.Storage.PartitionQuota = 1 << 20
	})

	for i := 0; i < 20; i++ {
		rec := do(t, app, http.MethodGet, fmt.Sprintf("/images/big-%02d.png", i), nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	headlines := strings.Repeat("n", 300<<10)
	rec := do(t, app, http.MethodPut, "/api/v1/cache/news_kenya", map[string]interface{}{"value": headlines})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, app, http.MethodGet, "/api/v1/cache/news_kenya", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, headlines, decode(t, rec)["value"])
	assert.Equal(t, int64(0), app.kv.Counters().WriteFailures)

	// 最新的图片仍在分区中
	origin.Close()
	rec = do(t, app, http.MethodGet, "/images/big-19.png", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(offline.StatusHit), rec.Header().Get(offline.HeaderCacheStatus))
}
