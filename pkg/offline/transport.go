package offline

import (
	"net/http"
)

// Transport 让 http.Client 发出的请求都经过 Registration，相当于受控页面
type Transport struct {
	Registration *Registration
}

// RoundTrip 实现 http.RoundTripper
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.Registration.Fetch(req.Context(), req)
}

// NewClient 返回经过 Registration 的 http.Client
func NewClient(reg *Registration) *http.Client {
	return &http.Client{Transport: &Transport{Registration: reg}}
}

var _ http.RoundTripper = (*Transport)(nil)
