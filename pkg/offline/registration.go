package offline

import (
	"context"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"brightlens/pkg/logger"
)

// Registration 持有当前控制页面的 worker 和等待激活的 worker
type Registration struct {
	fetcher Fetcher
	log     *logrus.Entry

	lifecycle sync.Mutex // 串行化安装与激活

	mu      sync.RWMutex
	active  *Worker
	waiting *Worker
}

// NewRegistration 创建注册表，没有控制者时请求经 fetcher 直接透传
func NewRegistration(fetcher Fetcher) *Registration {
	return &Registration{
		fetcher: fetcher,
		log:     logger.WithComponent("sw_registration"),
	}
}

// SetLogger 替换日志器
func (r *Registration) SetLogger(entry *logrus.Entry) {
	r.log = entry
}

// Register 安装 worker。没有控制者或安装时请求了跳过等待则立即激活，否则进入等待。
func (r *Registration) Register(ctx context.Context, w *Worker) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if err := w.Install(ctx); err != nil {
		w.markRedundant()
		return err
	}

	if r.Controller() == nil || w.SkipWaitingRequested() {
		return r.promote(ctx, w)
	}

	r.mu.Lock()
	previous := r.waiting
	r.waiting = w
	r.mu.Unlock()

	if previous != nil {
		previous.markRedundant()
	}
	r.log.WithField("worker", w.ID()).Info("worker 已安装，等待激活")
	return nil
}

// SkipWaiting 立即激活等待中的 worker，没有等待者时什么也不做
func (r *Registration) SkipWaiting(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	w := r.Waiting()
	if w == nil {
		return nil
	}
	return r.promote(ctx, w)
}

// Controller 当前控制页面的 worker
func (r *Registration) Controller() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Waiting 等待激活的 worker
func (r *Registration) Waiting() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.waiting
}

// Fetch 由控制者处理请求，没有控制者时直接透传
func (r *Registration) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if w := r.Controller(); w != nil {
		return w.Fetch(ctx, req)
	}
	resp, err := r.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	return withStatus(resp, StatusBypass), nil
}

// promote 激活 worker 并立即接管请求，调用方持有 lifecycle 锁
func (r *Registration) promote(ctx context.Context, w *Worker) error {
	if err := w.Activate(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	previous := r.active
	r.active = w
	if r.waiting == w {
		r.waiting = nil
	}
	r.mu.Unlock()

	if previous != nil && previous != w {
		previous.markRedundant()
	}
	r.log.WithFields(logrus.Fields{
		"worker":  w.ID(),
		"version": w.Version(),
	}).Info("worker 已接管请求")
	return nil
}
