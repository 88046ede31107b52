package schema

import (
	"net"
	"net/http"
	"strings"
)

// DefaultClientIPHeader is the proxy header consulted first for the client IP.
const DefaultClientIPHeader = "X-Real-IP"

// RequestContext is the transport-neutral view of the request an event was
// raised from. Header names are matched case-insensitively.
type RequestContext struct {
	Method     string            `json:"method,omitempty"`
	Path       string            `json:"path,omitempty"`
	RemoteAddr string            `json:"remoteAddr,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`

	// ClientIPHeader overrides DefaultClientIPHeader.
	ClientIPHeader string `json:"-"`
}

// FromHTTPRequest captures the fields of r the telemetry core needs.
func FromHTTPRequest(r *http.Request) *RequestContext {
	headers := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}
	return &RequestContext{
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
		Headers:    headers,
	}
}

// Header returns the value of the named header.
func (rc *RequestContext) Header(name string) string {
	if rc == nil {
		return ""
	}
	if v, ok := rc.Headers[name]; ok {
		return v
	}
	for k, v := range rc.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// ClientIP resolves the client address: the explicit proxy header first,
// then the first hop of X-Forwarded-For, then the transport peer address.
func (rc *RequestContext) ClientIP() string {
	if rc == nil {
		return ""
	}

	header := rc.ClientIPHeader
	if header == "" {
		header = DefaultClientIPHeader
	}
	if ip := strings.TrimSpace(rc.Header(header)); ip != "" {
		return ip
	}

	if xff := rc.Header("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	if rc.RemoteAddr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(rc.RemoteAddr); err == nil {
		return host
	}
	return rc.RemoteAddr
}

// DeviceInfo extracts the device context for an event, with each field cut
// to its length cap.
func (rc *RequestContext) DeviceInfo() DeviceInfo {
	if rc == nil {
		return DeviceInfo{}
	}
	return DeviceInfo{
		IP:             rc.ClientIP(),
		UserAgent:      rc.Header("User-Agent"),
		AcceptLanguage: rc.Header("Accept-Language"),
		AcceptEncoding: rc.Header("Accept-Encoding"),
		Platform:       rc.Header("Sec-CH-UA-Platform"),
	}.Clamped()
}
