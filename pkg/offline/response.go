package offline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HeaderCacheStatus 标记响应来源的响应头
const HeaderCacheStatus = "X-Cache-Status"

// CacheStatus 响应来源
type CacheStatus string

const (
	StatusHit     CacheStatus = "hit"     // 新鲜的缓存副本
	StatusMiss    CacheStatus = "miss"    // 来自网络
	StatusStale   CacheStatus = "stale"   // 网络失败后使用的过期副本
	StatusOffline CacheStatus = "offline" // 网络失败且无缓存，合成的兜底响应
	StatusBypass  CacheStatus = "bypass"  // 未经缓存直接透传
)

// StoredResponse 分区中保存的响应
type StoredResponse struct {
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	CachedAt time.Time   `json:"cached_at"` // 写入缓存的时间，用于计算新鲜度
}

// Fresh 判断在 now 时刻距写入是否未超过 maxAge
func (sr *StoredResponse) Fresh(now time.Time, maxAge time.Duration) bool {
	if sr.CachedAt.IsZero() {
		return false
	}
	return now.Sub(sr.CachedAt) <= maxAge
}

// OK 状态码为 2xx
func (sr *StoredResponse) OK() bool {
	return sr.Status >= 200 && sr.Status < 300
}

// Response 构造一个可独立读取的 http.Response
func (sr *StoredResponse) Response(req *http.Request, status CacheStatus) *http.Response {
	header := sr.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set(HeaderCacheStatus, string(status))

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", sr.Status, http.StatusText(sr.Status)),
		StatusCode:    sr.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(sr.Body)),
		ContentLength: int64(len(sr.Body)),
		Request:       req,
	}
}

// errBodyTooLarge 响应体超过可缓存的上限，这类请求改为直接透传
var errBodyTooLarge = errors.New("response body exceeds cacheable size")

// captureResponse 读取并关闭网络响应的 body，得到可重复使用的副本。
// maxBytes > 0 时最多读取 maxBytes 字节，超出返回 errBodyTooLarge。
func captureResponse(url string, resp *http.Response, now time.Time, maxBytes int64) (*StoredResponse, error) {
	defer resp.Body.Close()

	var reader io.Reader = resp.Body
	if maxBytes > 0 {
		if resp.ContentLength > maxBytes {
			return nil, errBodyTooLarge
		}
		reader = io.LimitReader(resp.Body, maxBytes+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read response body failed: %w", err)
	}
	if maxBytes > 0 && int64(len(body)) > maxBytes {
		return nil, errBodyTooLarge
	}

	header := resp.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Del(HeaderCacheStatus)

	return &StoredResponse{
		URL:      url,
		Status:   resp.StatusCode,
		Header:   header,
		Body:     body,
		CachedAt: now,
	}, nil
}

// synthesize 构造兜底响应
func synthesize(req *http.Request, code int, contentType string, body []byte) *http.Response {
	sr := &StoredResponse{
		URL:    req.URL.String(),
		Status: code,
		Header: http.Header{"Content-Type": []string{contentType}},
		Body:   body,
	}
	resp := sr.Response(req, StatusOffline)
	resp.Header.Set("Cache-Control", "no-store")
	return resp
}

// withStatus 给透传响应打上来源标记
func withStatus(resp *http.Response, status CacheStatus) *http.Response {
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	resp.Header.Set(HeaderCacheStatus, string(status))
	return resp
}
