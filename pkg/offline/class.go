package offline

import (
	"net/url"
	"path"
	"strings"
)

// Class 请求的资源类别，决定使用哪种缓存策略
type Class string

const (
	ClassImage   Class = "image"
	ClassAPI     Class = "api"
	ClassStatic  Class = "static"
	ClassDynamic Class = "dynamic"
	ClassGeneric Class = "generic"
)

var (
	imageExtensions  = []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".svg"}
	staticExtensions = []string{".css", ".js", ".mjs", ".woff", ".woff2", ".ttf", ".otf", ".eot", ".ico"}
	pageExtensions   = []string{".html", ".htm"}
)

// Rules 分类所需的固定列表
type Rules struct {
	APIMarkers     []string `mapstructure:"api_markers" json:"api_markers"`         // 路径中出现即视为API请求
	APIHosts       []string `mapstructure:"api_hosts" json:"api_hosts"`             // 第三方新闻API主机，含子域名
	CriticalAssets []string `mapstructure:"critical_assets" json:"critical_assets"` // 页面外壳必需的同源资源，安装时预热
	ExternalAssets []string `mapstructure:"external_assets" json:"external_assets"` // 外部静态资源的完整URL
	DynamicPages   []string `mapstructure:"dynamic_pages" json:"dynamic_pages"`     // 走网络优先策略的页面路径
}

// DefaultRules 返回默认分类规则
func DefaultRules() Rules {
	return Rules{
		APIMarkers: []string{"/api/"},
		APIHosts: []string{
			"newsapi.org",
			"omdbapi.com",
			"api.mediastack.com",
			"youtube.googleapis.com",
			"itunes.apple.com",
		},
		CriticalAssets: []string{
			"/",
			"/index.html",
			"/css/styles.css",
			"/js/main.js",
			"/js/cache-manager.js",
			"/manifest.json",
			"/offline.html",
		},
		ExternalAssets: []string{
			"https://fonts.googleapis.com/css2",
			"https://cdnjs.cloudflare.com/ajax/libs/font-awesome/6.4.0/css/all.min.css",
		},
		DynamicPages: []string{
			"/kenya",
			"/world",
			"/movies",
			"/music",
			"/live-tv",
		},
	}
}

type rule struct {
	class Class
	match func(u *url.URL) bool
}

// Classifier 按规则表对请求分类，第一条命中的规则生效
type Classifier struct {
	rules []rule

	apiMarkers []string
	apiHosts   []string
	critical   map[string]struct{}
	external   map[string]struct{}
	dynamic    map[string]struct{}
}

// NewClassifier 创建分类器
func NewClassifier(r Rules) *Classifier {
	c := &Classifier{
		apiMarkers: r.APIMarkers,
		apiHosts:   lowerAll(r.APIHosts),
		critical:   toSet(r.CriticalAssets, func(s string) string { return s }),
		external:   toSet(r.ExternalAssets, externalKey),
		dynamic:    toSet(r.DynamicPages, func(s string) string { return s }),
	}

	c.rules = []rule{
		{ClassImage, func(u *url.URL) bool { return hasExtension(u, imageExtensions) }},
		{ClassAPI, c.isAPI},
		{ClassStatic, c.isStatic},
		{ClassDynamic, c.isDynamic},
	}
	return c
}

// Classify 返回请求的资源类别
func (c *Classifier) Classify(u *url.URL) Class {
	for _, r := range c.rules {
		if r.match(u) {
			return r.class
		}
	}
	return ClassGeneric
}

// IsCritical 判断路径是否属于关键资源
func (c *Classifier) IsCritical(u *url.URL) bool {
	_, ok := c.critical[u.Path]
	return ok
}

func (c *Classifier) isAPI(u *url.URL) bool {
	for _, marker := range c.apiMarkers {
		if marker != "" && strings.Contains(u.Path, marker) {
			return true
		}
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range c.apiHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

func (c *Classifier) isStatic(u *url.URL) bool {
	if hasExtension(u, staticExtensions) || c.IsCritical(u) {
		return true
	}
	_, ok := c.external[externalKey(u.String())]
	return ok
}

func (c *Classifier) isDynamic(u *url.URL) bool {
	if hasExtension(u, pageExtensions) || strings.HasSuffix(u.Path, "/") {
		return true
	}
	_, ok := c.dynamic[u.Path]
	return ok
}

func hasExtension(u *url.URL, exts []string) bool {
	ext := strings.ToLower(path.Ext(u.Path))
	if ext == "" {
		return false
	}
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

// externalKey 外部资源按主机和路径匹配，忽略查询参数
func externalKey(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return strings.ToLower(u.Host) + u.Path
}

func toSet(items []string, key func(string) string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[key(item)] = struct{}{}
	}
	return set
}

func lowerAll(items []string) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = strings.ToLower(item)
	}
	return out
}
