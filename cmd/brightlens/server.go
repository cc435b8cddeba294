package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"brightlens/pkg/cache"
	apperror "brightlens/pkg/error"
	"brightlens/pkg/offline"
)

// ErrorResponse 统一的错误响应
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// SetRequest 写入缓存的请求体，TTL 为空时使用默认值
type SetRequest struct {
	Value json.RawMessage `json:"value" binding:"required"`
	TTL   string          `json:"ttl"`
}

// KeyRequest 生成缓存键的请求体
type KeyRequest struct {
	Namespace string                 `json:"namespace" binding:"required"`
	Page      int                    `json:"page"`
	Filters   map[string]interface{} `json:"filters"`
}

// Server 对外提供键值缓存 API、worker 控制接口和离线代理
type Server struct {
	kv     *cache.KVCache
	reg    *offline.Registration
	origin *url.URL
	logger *logrus.Entry
	router *gin.Engine
	server *http.Server
}

// NewServer 创建服务并注册路由
func NewServer(kv *cache.KVCache, reg *offline.Registration, origin string, logger *logrus.Entry) (*Server, error) {
	originURL, err := url.Parse(origin)
	if err != nil || originURL.Scheme == "" || originURL.Host == "" {
		return nil, fmt.Errorf("invalid origin url %q", origin)
	}

	s := &Server{
		kv:     kv,
		reg:    reg,
		origin: originURL,
		logger: logger,
	}
	s.router = s.routes()
	return s, nil
}

// Handler 返回 HTTP 处理器
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(s.requestLogger())
	router.Use(s.corsMiddleware())

	router.GET("/health", s.healthCheck)

	v1 := router.Group("/api/v1/cache")
	{
		v1.GET("/stats", s.getCacheStats)
		v1.POST("/keys", s.generateKey)
		v1.GET("/:key", s.getCacheItem)
		v1.PUT("/:key", s.putCacheItem)
		v1.DELETE("/:key", s.deleteCacheItem)
		v1.DELETE("", s.clearCache)
	}

	sw := router.Group("/sw")
	{
		sw.POST("/message", s.postMessage)
		sw.GET("/stats", s.getWorkerStats)
	}

	// 其余请求都经过 worker 代理到源站
	router.NoRoute(s.proxy)

	return router
}

// Start 在后台监听端口
func (s *Server) Start(port string) {
	s.server = &http.Server{
		Addr:              ":" + port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.WithField("port", port).Info("Starting brightlens server...")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Fatal("Failed to start HTTP server")
		}
	}()
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		s.logger.WithFields(logrus.Fields{
			"method":       c.Request.Method,
			"path":         c.Request.URL.Path,
			"status":       c.Writer.Status(),
			"cache_status": c.Writer.Header().Get(offline.HeaderCacheStatus),
			"latency":      time.Since(start),
		}).Debug("request")
	}
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	health := gin.H{
		"status":    "ok",
		"timestamp": time.Now(),
	}

	w := s.reg.Controller()
	if w == nil {
		health["status"] = "degraded"
		health["worker"] = "none"
		c.JSON(http.StatusServiceUnavailable, health)
		return
	}

	health["worker"] = gin.H{"id": w.ID(), "version": w.Version(), "state": w.State()}
	if waiting := s.reg.Waiting(); waiting != nil {
		health["waiting"] = waiting.Version()
	}
	c.JSON(http.StatusOK, health)
}

func (s *Server) getCacheItem(c *gin.Context) {
	value, found := s.kv.Get(c.Request.Context(), c.Param("key"))
	if !found {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "Cache entry not found or expired"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": c.Param("key"), "value": value})
}

func (s *Server) putCacheItem(c *gin.Context) {
	var req SetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: err.Error()})
		return
	}

	var ttl time.Duration
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil || d < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: "Invalid ttl, use a Go duration such as 5m"})
			return
		}
		ttl = d
	}

	if err := s.kv.Set(c.Request.Context(), c.Param("key"), req.Value, ttl); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error", Message: err.Error()})
		return
	}
	if ttl == 0 {
		ttl = s.kv.Config().DefaultTTL
	}
	c.JSON(http.StatusOK, gin.H{"key": c.Param("key"), "ttl": ttl.String()})
}

func (s *Server) deleteCacheItem(c *gin.Context) {
	s.kv.Delete(c.Request.Context(), c.Param("key"))
	c.Status(http.StatusNoContent)
}

func (s *Server) clearCache(c *gin.Context) {
	s.kv.Clear(c.Request.Context())
	c.Status(http.StatusNoContent)
}

func (s *Server) getCacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"stats":    s.kv.Stats(c.Request.Context()),
		"counters": s.kv.Counters(),
	})
}

func (s *Server) generateKey(c *gin.Context) {
	var req KeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": s.kv.GenerateKey(req.Namespace, req.Page, req.Filters)})
}

func (s *Server) postMessage(c *gin.Context) {
	var msg offline.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: err.Error()})
		return
	}

	client := offline.NewMailboxClient()
	if err := s.reg.HandleMessage(c.Request.Context(), client, msg); err != nil {
		status, code := messageErrorStatus(err)
		c.JSON(status, ErrorResponse{Error: code, Message: err.Error()})
		return
	}

	replies := client.Drain()
	if replies == nil {
		replies = []offline.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"client": client.ID(), "replies": replies})
}

func messageErrorStatus(err error) (int, string) {
	switch apperror.CodeOf(err) {
	case offline.ErrUnknownMessage:
		return http.StatusBadRequest, "bad_request"
	case offline.ErrNoController:
		return http.StatusServiceUnavailable, "no_controller"
	case offline.ErrFetchFailed, offline.ErrCircuitOpen:
		return http.StatusBadGateway, "fetch_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (s *Server) getWorkerStats(c *gin.Context) {
	w := s.reg.Controller()
	if w == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "no_controller", Message: "No active worker"})
		return
	}

	stats, err := w.CacheStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"version":    w.Version(),
		"state":      w.State(),
		"partitions": stats,
	})
}

// proxy 把请求转到源站上的同一路径，由当前 worker 决定走缓存还是网络
func (s *Server) proxy(c *gin.Context) {
	target := s.origin.ResolveReference(&url.URL{
		Path:     c.Request.URL.Path,
		RawQuery: c.Request.URL.RawQuery,
	})

	var body io.Reader
	if c.Request.ContentLength != 0 {
		body = c.Request.Body
	}
	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, target.String(), body)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: err.Error()})
		return
	}
	req.Header = c.Request.Header.Clone()
	// 交给 Transport 处理压缩，缓存中保存解压后的内容
	req.Header.Del("Accept-Encoding")

	resp, err := s.reg.Fetch(c.Request.Context(), req)
	if err != nil {
		s.logger.WithError(err).WithField("url", target.String()).Warn("代理请求失败")
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: "bad_gateway", Message: err.Error()})
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, v := range values {
			c.Writer.Header().Add(key, v)
		}
	}
	c.Status(resp.StatusCode)
	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		s.logger.WithError(err).WithField("url", target.String()).Debug("写回响应失败")
	}
}
