package offline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// 分区种类，分区名为 brightlens-<kind>-<version>
const (
	KindStatic  = "static"
	KindDynamic = "dynamic"
	KindImages  = "images"
)

const placeholderSVG = `<svg xmlns="http://www.w3.org/2000/svg" width="400" height="300" viewBox="0 0 400 300">` +
	`<rect width="400" height="300" fill="#e5e7eb"/>` +
	`<text x="200" y="155" font-family="sans-serif" font-size="18" fill="#6b7280" text-anchor="middle">Image unavailable offline</text>` +
	`</svg>`

const offlinePage = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Offline - BrightLens News</title>
<style>body{font-family:sans-serif;text-align:center;padding:3rem;color:#374151}button{padding:.6rem 1.4rem;font-size:1rem;cursor:pointer}</style>
</head>
<body>
<h1>You are offline</h1>
<p>This page is not available without a network connection. Cached articles are still available from the home page.</p>
<button onclick="window.location.reload()">Try again</button>
</body>
</html>
`

// strategy 一个资源类别的缓存策略
type strategy struct {
	kind         string
	networkFirst bool
	maxAge       func(cfg WorkerConfig) time.Duration
	// fallback 网络失败且没有任何缓存副本时调用
	fallback func(req *http.Request, err error) (*http.Response, error)
}

// strategies 资源类别到缓存策略的映射，ClassGeneric 不在表中，直接透传
var strategies = map[Class]strategy{
	ClassImage: {
		kind:     KindImages,
		maxAge:   func(cfg WorkerConfig) time.Duration { return cfg.ImageMaxAge },
		fallback: imagePlaceholder,
	},
	ClassAPI: {
		kind:     KindDynamic,
		maxAge:   func(cfg WorkerConfig) time.Duration { return cfg.APIMaxAge },
		fallback: apiUnavailable,
	},
	ClassStatic: {
		kind:     KindStatic,
		maxAge:   func(cfg WorkerConfig) time.Duration { return cfg.StaticMaxAge },
		fallback: propagate,
	},
	ClassDynamic: {
		kind:         KindDynamic,
		networkFirst: true,
		maxAge:       func(cfg WorkerConfig) time.Duration { return cfg.PageMaxAge },
		fallback:     offlineDocument,
	},
}

func imagePlaceholder(req *http.Request, _ error) (*http.Response, error) {
	return synthesize(req, http.StatusOK, "image/svg+xml", []byte(placeholderSVG)), nil
}

func apiUnavailable(req *http.Request, _ error) (*http.Response, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"error":  "Network unavailable. Please check your connection.",
		"cached": false,
	})
	return synthesize(req, http.StatusServiceUnavailable, "application/json", body), nil
}

func offlineDocument(req *http.Request, _ error) (*http.Response, error) {
	return synthesize(req, http.StatusServiceUnavailable, "text/html; charset=utf-8", []byte(offlinePage)), nil
}

func propagate(_ *http.Request, err error) (*http.Response, error) {
	return nil, err
}

// cacheFirst 新鲜副本直接返回；否则请求网络，成功的响应写入分区；网络失败时依次退回过期副本和兜底响应
func (w *Worker) cacheFirst(ctx context.Context, req *http.Request, st strategy) (*http.Response, error) {
	part := w.partition(st.kind)
	key := cacheKey(req)

	cached, found := part.Match(ctx, key)
	if found && cached.Fresh(w.clock.Now(), st.maxAge(w.config)) {
		return cached.Response(req, StatusHit), nil
	}

	sr, err := w.fetchShared(ctx, req)
	if err == nil {
		w.store(ctx, part, key, sr)
		return sr.Response(req, StatusMiss), nil
	}
	if errors.Is(err, errBodyTooLarge) {
		return w.passthrough(ctx, req)
	}

	w.log.WithError(err).WithField("url", key).Debug("网络请求失败，使用缓存兜底")
	if found {
		return cached.Response(req, StatusStale), nil
	}
	return st.fallback(req, err)
}

// networkFirst 优先请求网络，失败时依次退回缓存副本和兜底响应
func (w *Worker) networkFirst(ctx context.Context, req *http.Request, st strategy) (*http.Response, error) {
	part := w.partition(st.kind)
	key := cacheKey(req)

	sr, err := w.fetchShared(ctx, req)
	if err == nil {
		w.store(ctx, part, key, sr)
		return sr.Response(req, StatusMiss), nil
	}
	if errors.Is(err, errBodyTooLarge) {
		return w.passthrough(ctx, req)
	}

	w.log.WithError(err).WithField("url", key).Debug("网络请求失败，使用缓存兜底")
	if cached, found := part.Match(ctx, key); found {
		return cached.Response(req, StatusStale), nil
	}
	return st.fallback(req, err)
}

// passthrough 直接请求网络，不读写缓存，错误原样返回
func (w *Worker) passthrough(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := w.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	return withStatus(resp, StatusBypass), nil
}

// store 只保存 2xx 响应，写入失败不影响本次请求
func (w *Worker) store(ctx context.Context, part *Partition, key string, sr *StoredResponse) {
	if !sr.OK() {
		return
	}
	if err := part.Put(ctx, key, sr); err != nil {
		w.log.WithError(err).WithField("url", key).Warn("写入缓存分区失败")
	}
}

// fetchShared 同一 URL 的并发请求合并为一次网络请求，各调用方拿到独立的响应副本。
// 共享的请求不随任何一个调用方取消，调用方取消时只有它自己提前返回。
func (w *Worker) fetchShared(ctx context.Context, req *http.Request) (*StoredResponse, error) {
	key := cacheKey(req)
	fetchCtx := context.WithoutCancel(ctx)
	ch := w.group.DoChan(req.Method+" "+key, func() (interface{}, error) {
		resp, err := w.fetcher.Fetch(fetchCtx, req)
		if err != nil {
			return nil, err
		}
		return captureResponse(key, resp, w.clock.Now(), w.config.MaxBodyBytes)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			w.log.WithField("url", key).Debug("合并了重复的网络请求")
		}
		return res.Val.(*StoredResponse), nil
	}
}

// cacheKey 缓存以不含片段的完整 URL 为键
func cacheKey(req *http.Request) string {
	u := *req.URL
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}
