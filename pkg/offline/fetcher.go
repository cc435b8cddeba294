package offline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"brightlens/pkg/logger"
)

// Fetcher 发出网络请求
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// FetcherFunc 函数适配器
type FetcherFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	Name        string        `mapstructure:"name" json:"name"`                   // 熔断器名称
	MaxRequests uint32        `mapstructure:"max_requests" json:"max_requests"`   // 半开状态下的最大请求数
	Interval    time.Duration `mapstructure:"interval" json:"interval"`           // 统计窗口时间
	Timeout     time.Duration `mapstructure:"timeout" json:"timeout"`             // 熔断器打开后的超时时间
	ReadyToTrip uint32        `mapstructure:"ready_to_trip" json:"ready_to_trip"` // 触发熔断的连续失败次数
	Enabled     bool          `mapstructure:"enabled" json:"enabled"`             // 是否启用熔断器
}

// DefaultBreakerConfig 默认熔断器配置
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:        "origin",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: 5,
		Enabled:     true,
	}
}

// FetcherConfig 网络请求配置
type FetcherConfig struct {
	Timeout   time.Duration `mapstructure:"timeout" json:"timeout"`
	UserAgent string        `mapstructure:"user_agent" json:"user_agent"`
	Breaker   BreakerConfig `mapstructure:"breaker" json:"breaker"`
}

// DefaultFetcherConfig 默认网络请求配置
func DefaultFetcherConfig() FetcherConfig {
	return FetcherConfig{
		Timeout:   15 * time.Second,
		UserAgent: "BrightLens-SW/1.0",
		Breaker:   DefaultBreakerConfig(),
	}
}

// FetcherStats 网络请求统计
type FetcherStats struct {
	TotalRequests  int64     `json:"total_requests"`
	FailedRequests int64     `json:"failed_requests"`
	RejectedByOpen int64     `json:"rejected_by_open"`
	LastFailure    time.Time `json:"last_failure"`
	State          string    `json:"state"`
}

// serverStatusError 5xx 响应计入熔断失败，但响应本身仍返回给调用方
type serverStatusError struct {
	status int
}

func (e *serverStatusError) Error() string {
	return fmt.Sprintf("server responded with status %d", e.status)
}

// NetworkFetcher 带熔断器的 HTTP 客户端
type NetworkFetcher struct {
	client *http.Client
	cb     *gobreaker.CircuitBreaker
	config FetcherConfig
	log    *logrus.Entry

	mu    sync.Mutex
	stats FetcherStats
}

// NewNetworkFetcher 创建网络请求器，client 为 nil 时使用默认连接池配置
func NewNetworkFetcher(client *http.Client, config FetcherConfig) *NetworkFetcher {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     30 * time.Second,
				MaxConnsPerHost:     10,
			},
			Timeout: config.Timeout,
		}
	}

	f := &NetworkFetcher{
		client: client,
		config: config,
		log:    logger.WithComponent("network_fetcher"),
	}

	settings := gobreaker.Settings{
		Name:        config.Breaker.Name,
		MaxRequests: config.Breaker.MaxRequests,
		Interval:    config.Breaker.Interval,
		Timeout:     config.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.Breaker.ReadyToTrip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f.log.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("熔断器状态变更")
		},
	}
	f.cb = gobreaker.NewCircuitBreaker(settings)
	return f
}

// SetLogger 替换日志器
func (f *NetworkFetcher) SetLogger(entry *logrus.Entry) {
	f.log = entry
}

// Fetch 发出请求。熔断器打开时不发请求直接失败，5xx 响应照常返回。
func (f *NetworkFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	req = req.Clone(ctx)
	if f.config.UserAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", f.config.UserAgent)
	}

	f.mu.Lock()
	f.stats.TotalRequests++
	f.mu.Unlock()

	if !f.config.Breaker.Enabled {
		resp, err := f.client.Do(req)
		f.handleResult(err)
		return resp, err
	}

	result, err := f.cb.Execute(func() (interface{}, error) {
		resp, err := f.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return resp, &serverStatusError{status: resp.StatusCode}
		}
		return resp, nil
	})

	var statusErr *serverStatusError
	if errors.As(err, &statusErr) {
		return result.(*http.Response), nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		f.mu.Lock()
		f.stats.RejectedByOpen++
		f.mu.Unlock()

		fetchErr := NewFetchError(ErrCircuitOpen, req.URL.String(), "circuit breaker rejected request")
		fetchErr.Cause = err
		return nil, fetchErr
	}

	f.handleResult(err)
	if err != nil {
		return nil, err
	}
	return result.(*http.Response), nil
}

// State 熔断器当前状态
func (f *NetworkFetcher) State() gobreaker.State {
	return f.cb.State()
}

// Stats 返回请求统计
func (f *NetworkFetcher) Stats() FetcherStats {
	f.mu.Lock()
	defer f.mu.Unlock()

	stats := f.stats
	stats.State = f.cb.State().String()
	return stats
}

func (f *NetworkFetcher) handleResult(err error) {
	if err == nil {
		return
	}
	f.mu.Lock()
	f.stats.FailedRequests++
	f.stats.LastFailure = time.Now()
	f.mu.Unlock()
}

var _ Fetcher = (*NetworkFetcher)(nil)
