package upstream

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"

	"github.com/keywheel/keywheel/internal/config"
)

// Base clients are cached with Timeout=0 so long-lived streaming bodies
// are never cut off mid-response; the response-header deadline lives on
// the transport instead.
var (
	clientCache   = make(map[string]*http.Client)
	clientCacheMu sync.RWMutex
)

var proxyInfoOnce sync.Map

func maskProxyURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u == nil {
		return "<invalid-proxy-url>"
	}
	if u.User != nil {
		u.User = url.UserPassword("****", "****")
	}
	return u.String()
}

func noProxyEnvRaw() string {
	if v := strings.TrimSpace(os.Getenv("NO_PROXY")); v != "" {
		return v
	}
	return strings.TrimSpace(os.Getenv("no_proxy"))
}

func parseNoProxyList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func shouldBypassProxy(host string, patterns []string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" || len(patterns) == 0 {
		return false
	}
	// Strip any port if present.
	if h, _, err := net.SplitHostPort(host); err == nil && h != "" {
		host = h
	}
	for _, p := range patterns {
		if p == "*" {
			return true
		}
		// Exact match.
		if host == p {
			return true
		}
		// Domain suffix match (".example.com" matches "a.example.com").
		if strings.HasPrefix(p, ".") && strings.HasSuffix(host, p) {
			return true
		}
		// Allow "example.com" to match subdomains too.
		if !strings.HasPrefix(p, ".") && strings.HasSuffix(host, "."+p) {
			return true
		}
	}
	return false
}

func logProxyOnce(key, msg string, args ...any) {
	if _, loaded := proxyInfoOnce.LoadOrStore(key, struct{}{}); loaded {
		return
	}
	log.Infof(msg, args...)
}

// httpClient returns a shared outbound client for the configured proxy and
// timeout settings. Clients are cached by proxy URL, NO_PROXY set, and
// timeouts so TCP/TLS connections are reused across requests and reloads
// with unchanged settings.
func httpClient(cfg *config.Config) *http.Client {
	proxyURL := ""
	if cfg != nil {
		proxyURL = strings.TrimSpace(cfg.ProxyURL)
	}

	noProxyRaw := ""
	noProxyList := []string(nil)
	if proxyURL != "" {
		noProxyRaw = noProxyEnvRaw()
		noProxyList = parseNoProxyList(noProxyRaw)
	}

	connectTimeout := cfg.ConnectTimeout()
	headerTimeout := cfg.RequestTimeout()
	cacheKey := fmt.Sprintf("%s|no_proxy=%s|connect=%s|header=%s",
		proxyURL, strings.ToLower(noProxyRaw), connectTimeout, headerTimeout)

	clientCacheMu.RLock()
	if cached, ok := clientCache[cacheKey]; ok {
		clientCacheMu.RUnlock()
		return cached
	}
	clientCacheMu.RUnlock()

	transport := buildTransport(proxyURL, noProxyList, connectTimeout, headerTimeout)
	client := &http.Client{Transport: transport}

	clientCacheMu.Lock()
	clientCache[cacheKey] = client
	clientCacheMu.Unlock()

	if proxyURL != "" {
		logProxyOnce(
			fmt.Sprintf("proxy.enabled.%s", maskProxyURL(proxyURL)),
			"upstream: outbound proxy enabled proxy=%s no_proxy=%q",
			maskProxyURL(proxyURL),
			noProxyRaw,
		)
	}
	return client
}

// buildTransport creates the outbound transport: dial bounded by the
// connect timeout, response headers bounded by the request timeout, and
// optional SOCKS5/HTTP/HTTPS proxying with NO_PROXY bypass. An invalid
// proxy URL falls back to a direct transport.
func buildTransport(proxyURL string, noProxyList []string, connectTimeout, headerTimeout time.Duration) *http.Transport {
	direct := &net.Dialer{Timeout: connectTimeout}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           direct.DialContext,
		ResponseHeaderTimeout: headerTimeout,
		ForceAttemptHTTP2:     true,
	}

	if proxyURL == "" {
		return transport
	}

	parsedURL, errParse := url.Parse(proxyURL)
	if errParse != nil {
		log.Errorf("parse proxy URL failed: %v", errParse)
		return transport
	}

	switch parsedURL.Scheme {
	case "socks5":
		// Configure SOCKS5 proxy with optional authentication.
		var proxyAuth *proxy.Auth
		if parsedURL.User != nil {
			username := parsedURL.User.Username()
			password, _ := parsedURL.User.Password()
			proxyAuth = &proxy.Auth{User: username, Password: password}
		}
		dialer, errSOCKS5 := proxy.SOCKS5("tcp", parsedURL.Host, proxyAuth, direct)
		if errSOCKS5 != nil {
			log.Errorf("create SOCKS5 dialer failed: %v", errSOCKS5)
			return transport
		}
		transport.Proxy = nil
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			// addr is host:port; apply NO_PROXY at dial time.
			if shouldBypassProxy(addr, noProxyList) {
				logProxyOnce(
					fmt.Sprintf("proxy.bypass.%s", strings.ToLower(strings.TrimSpace(addr))),
					"upstream: proxy bypass host=%s reason=NO_PROXY",
					addr,
				)
				return direct.DialContext(ctx, network, addr)
			}
			return dialer.Dial(network, addr)
		}
	case "http", "https":
		// HTTP or HTTPS proxy with NO_PROXY bypass support.
		transport.Proxy = func(req *http.Request) (*url.URL, error) {
			if req != nil && req.URL != nil {
				host := req.URL.Hostname()
				if shouldBypassProxy(host, noProxyList) {
					logProxyOnce(
						fmt.Sprintf("proxy.bypass.%s", strings.ToLower(strings.TrimSpace(host))),
						"upstream: proxy bypass host=%s reason=NO_PROXY",
						host,
					)
					return nil, nil
				}
			}
			return parsedURL, nil
		}
	default:
		log.Errorf("unsupported proxy scheme: %s", parsedURL.Scheme)
	}

	return transport
}
