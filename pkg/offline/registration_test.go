package offline

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brightlens/pkg/logger"
)

func newTestRegistration(env *testEnv) *Registration {
	reg := NewRegistration(env.net)
	reg.SetLogger(logger.Discard())
	return reg
}

// 测试首个 worker 注册后立即接管
func TestRegistration_FirstWorkerActivates(t *testing.T) {
	env := newTestEnv()
	reg := newTestRegistration(env)
	assert.Nil(t, reg.Controller())

	w := env.worker(env.config("v1"))
	require.NoError(t, reg.Register(context.Background(), w))

	assert.Same(t, w, reg.Controller())
	assert.Nil(t, reg.Waiting())
	assert.Equal(t, StateActivated, w.State())
}

// 测试安装时请求跳过等待的新版本立即取代旧版本
func TestRegistration_SkipWaitingOnInstall(t *testing.T) {
	env := newTestEnv()
	reg := newTestRegistration(env)
	ctx := context.Background()

	v1 := env.worker(env.config("v1"))
	require.NoError(t, reg.Register(ctx, v1))

	v2 := env.worker(env.config("v2"))
	require.NoError(t, reg.Register(ctx, v2))

	assert.Same(t, v2, reg.Controller())
	assert.Equal(t, StateRedundant, v1.State())

	names, err := env.caches.Names(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, v2.PartitionNames(), names)
}

// 测试新版本进入等待，收到 SKIP_WAITING 后激活
func TestRegistration_WaitingWorker(t *testing.T) {
	env := newTestEnv()
	reg := newTestRegistration(env)
	ctx := context.Background()

	v1 := env.worker(env.config("v1"))
	require.NoError(t, reg.Register(ctx, v1))

	config := env.config("v2")
	config.SkipWaitingOnInstall = false
	v2 := env.worker(config)
	require.NoError(t, reg.Register(ctx, v2))

	assert.Same(t, v1, reg.Controller())
	assert.Same(t, v2, reg.Waiting())
	assert.Equal(t, StateInstalled, v2.State())

	// 再来一个等待者时，之前的等待者被废弃
	config = env.config("v3")
	config.SkipWaitingOnInstall = false
	v3 := env.worker(config)
	require.NoError(t, reg.Register(ctx, v3))
	assert.Equal(t, StateRedundant, v2.State())
	assert.Same(t, v3, reg.Waiting())

	require.NoError(t, reg.HandleMessage(ctx, nil, Message{Type: MsgSkipWaiting}))
	assert.Same(t, v3, reg.Controller())
	assert.Nil(t, reg.Waiting())
	assert.Equal(t, StateActivated, v3.State())
	assert.Equal(t, StateRedundant, v1.State())

	// 没有等待者时 SKIP_WAITING 什么也不做
	require.NoError(t, reg.SkipWaiting(ctx))
	assert.Same(t, v3, reg.Controller())
}

// 测试没有控制者时请求直接透传
func TestRegistration_FetchWithoutController(t *testing.T) {
	env := newTestEnv()
	reg := newTestRegistration(env)
	url := testOrigin + "/images/a.png"
	env.net.serve(url, http.StatusOK, "image/png", "A")

	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := reg.Fetch(context.Background(), req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, string(StatusBypass), resp.Header.Get(HeaderCacheStatus))
}

// 测试缓存统计消息回复给请求方
func TestRegistration_GetCacheStats(t *testing.T) {
	env := newTestEnv()
	reg := newTestRegistration(env)
	ctx := context.Background()

	err := reg.HandleMessage(ctx, NewMailboxClient(), Message{Type: MsgGetCacheStats})
	require.Error(t, err)
	var workerErr *WorkerError
	require.ErrorAs(t, err, &workerErr)
	assert.Equal(t, ErrNoController, workerErr.Code)

	w := env.worker(env.config("v1"))
	require.NoError(t, reg.Register(ctx, w))

	url := testOrigin + "/images/a.png"
	env.net.serve(url, http.StatusOK, "image/png", "12345")
	_, _, err = get(t, w, url)
	require.NoError(t, err)

	client := NewMailboxClient()
	require.NotEmpty(t, client.ID())
	require.NoError(t, reg.HandleMessage(ctx, client, Message{Type: MsgGetCacheStats}))

	messages := client.Drain()
	require.Len(t, messages, 1)
	assert.Equal(t, MsgCacheStats, messages[0].Type)

	stats, ok := messages[0].Data.(map[string]PartitionStats)
	require.True(t, ok)
	assert.Equal(t, PartitionStats{Entries: 1, Bytes: 5}, stats[PartitionName(KindImages, "v1")])
	assert.Equal(t, PartitionStats{}, stats[PartitionName(KindDynamic, "v1")])
	assert.Empty(t, client.Drain())
}

// 测试 CACHE_UPDATE 与未知消息
func TestRegistration_OtherMessages(t *testing.T) {
	env := newTestEnv()
	reg := newTestRegistration(env)
	ctx := context.Background()

	w := env.worker(env.config("v1"))
	require.NoError(t, reg.Register(ctx, w))

	url := testOrigin + "/css/fresh.css"
	env.net.serve(url, http.StatusOK, "text/css", "a{}")
	require.NoError(t, reg.HandleMessage(ctx, nil, Message{Type: MsgCacheUpdate, URL: url}))

	_, found := w.partition(KindStatic).Match(ctx, url)
	assert.True(t, found)

	err := reg.HandleMessage(ctx, nil, Message{Type: MsgCacheUpdate})
	assert.Error(t, err)

	err = reg.HandleMessage(ctx, nil, Message{Type: "PING"})
	require.Error(t, err)
	var workerErr *WorkerError
	require.ErrorAs(t, err, &workerErr)
	assert.Equal(t, ErrUnknownMessage, workerErr.Code)
}

// 测试经 Transport 的 http.Client 受控于注册表
func TestTransport(t *testing.T) {
	env := newTestEnv()
	reg := newTestRegistration(env)
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, env.worker(env.config("v1"))))

	url := testOrigin + "/images/cover.png"
	env.net.serve(url, http.StatusOK, "image/png", "COVER")
	client := NewClient(reg)

	resp, err := client.Get(url)
	require.NoError(t, err)
	resp.Body.Close()

	env.net.setOffline(true)
	resp, err = client.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "COVER", string(body))
	assert.Equal(t, string(StatusHit), resp.Header.Get(HeaderCacheStatus))
}
