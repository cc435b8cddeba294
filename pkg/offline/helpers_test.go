package offline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"brightlens/pkg/logger"
	"brightlens/pkg/storage"
	"brightlens/pkg/timing"
)

const testOrigin = "https://news.example"

var errNetworkDown = errors.New("network unreachable")

type fakeResponse struct {
	status      int
	contentType string
	body        string
}

// fakeNetwork 按 URL 返回预设响应，可整体切换为离线
type fakeNetwork struct {
	mu        sync.Mutex
	offline   bool
	responses map[string]fakeResponse
	calls     map[string]int
	gate      chan struct{} // 非 nil 时请求阻塞到关闭
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		responses: make(map[string]fakeResponse),
		calls:     make(map[string]int),
	}
}

func (n *fakeNetwork) serve(url string, status int, contentType, body string) {
	n.mu.Lock()
	n.responses[url] = fakeResponse{status: status, contentType: contentType, body: body}
	n.mu.Unlock()
}

func (n *fakeNetwork) setOffline(offline bool) {
	n.mu.Lock()
	n.offline = offline
	n.mu.Unlock()
}

func (n *fakeNetwork) callCount(url string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[url]
}

func (n *fakeNetwork) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	url := req.URL.String()

	n.mu.Lock()
	n.calls[url]++
	gate := n.gate
	n.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.offline {
		return nil, errNetworkDown
	}
	r, ok := n.responses[url]
	if !ok {
		r = fakeResponse{status: http.StatusNotFound, contentType: "text/plain", body: "not found"}
	}
	return &http.Response{
		StatusCode: r.status,
		Header:     http.Header{"Content-Type": []string{r.contentType}},
		Body:       io.NopCloser(strings.NewReader(r.body)),
		Request:    req,
	}, nil
}

type testEnv struct {
	store  storage.Storage
	caches *CacheStorage
	net    *fakeNetwork
	clock  *timing.ManualClock
}

func newTestEnv() *testEnv {
	return newTestEnvWithStore(storage.NewMemoryStorage(storage.MemoryStorageConfig{}))
}

func newTestEnvWithStore(store storage.Storage) *testEnv {
	caches := NewCacheStorage(store)
	caches.SetLogger(logger.Discard())
	return &testEnv{
		store:  store,
		caches: caches,
		net:    newFakeNetwork(),
		clock:  timing.NewManualClock(time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)),
	}
}

func (e *testEnv) config(version string) WorkerConfig {
	config := DefaultWorkerConfig()
	config.Version = version
	config.Origin = testOrigin
	return config
}

func (e *testEnv) worker(config WorkerConfig) *Worker {
	return NewWorker(e.caches, e.net, config, WithWorkerClock(e.clock), WithWorkerLogger(logger.Discard()))
}

// activeWorker 返回一个已激活的 worker
func (e *testEnv) activeWorker(t *testing.T, version string) *Worker {
	t.Helper()
	w := e.worker(e.config(version))
	require.NoError(t, w.Install(context.Background()))
	require.NoError(t, w.Activate(context.Background()))
	return w
}

func get(t *testing.T, w *Worker, url string) (*http.Response, string, error) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)

	resp, err := w.Fetch(context.Background(), req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body), nil
}
