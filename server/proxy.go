package server

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Identity headers passed to the protected application.
const (
	HeaderSubject     = "X-Auth-Subject"
	HeaderName        = "X-Auth-Name"
	HeaderPermissions = "X-Auth-Permissions"

	identityHeaderPrefix = "X-Auth-"
)

// ProxyManager forwards requests to the protected application by path prefix.
type ProxyManager struct {
	routes    []*proxyRoute
	challenge func(w http.ResponseWriter, r *http.Request, returnTo string)
	logger    *slog.Logger
}

type proxyRoute struct {
	prefix        string
	target        string
	proxy         *httputil.ReverseProxy
	requireAuth   bool
	requiredPerms []string
}

// NewProxyManager creates a proxy manager from configuration. challenge is
// invoked for anonymous requests on routes that require authentication.
func NewProxyManager(cfg ProxyConfig, challenge func(w http.ResponseWriter, r *http.Request, returnTo string), logger *slog.Logger) (*ProxyManager, error) {
	pm := &ProxyManager{challenge: challenge, logger: logger}

	for _, routeCfg := range cfg.Routes {
		if err := pm.addRoute(routeCfg); err != nil {
			return nil, fmt.Errorf("invalid proxy route for %s: %w", routeCfg.PathPrefix, err)
		}
	}
	// Longest prefix wins.
	sort.SliceStable(pm.routes, func(i, j int) bool {
		return len(pm.routes[i].prefix) > len(pm.routes[j].prefix)
	})
	return pm, nil
}

func (pm *ProxyManager) addRoute(cfg ProxyRoute) error {
	if cfg.PathPrefix == "" {
		return fmt.Errorf("path_prefix is required")
	}
	if cfg.Target == "" {
		return fmt.Errorf("target is required")
	}

	targetURL, err := url.Parse(cfg.Target)
	if err != nil {
		return fmt.Errorf("invalid target URL: %w", err)
	}

	timeout := 30 * time.Second
	if cfg.Timeout != "" {
		parsed, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout: %w", err)
		}
		timeout = parsed
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	proxy := httputil.NewSingleHostReverseProxy(targetURL)
	proxy.Transport = transport

	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		host := req.Host
		originalDirector(req)

		if cfg.StripPrefix && strings.HasPrefix(req.URL.Path, cfg.PathPrefix) {
			req.URL.Path = strings.TrimPrefix(req.URL.Path, strings.TrimSuffix(cfg.PathPrefix, "/"))
			if req.URL.Path == "" || req.URL.Path[0] != '/' {
				req.URL.Path = "/" + req.URL.Path
			}
			req.URL.RawPath = ""
		}

		if !cfg.PreserveHost {
			req.Host = targetURL.Host
		}

		if clientIP, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
			prior := req.Header.Get("X-Forwarded-For")
			if prior != "" {
				clientIP = prior + ", " + clientIP
			}
			req.Header.Set("X-Forwarded-For", clientIP)
		}
		req.Header.Set("X-Forwarded-Proto", schemeFromRequest(req))
		req.Header.Set("X-Forwarded-Host", host)

		injectIdentity(req, SessionFromContext(req.Context()), cfg.InjectAccessToken)
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		pm.logger.Error("proxy error",
			"prefix", cfg.PathPrefix,
			"target", cfg.Target,
			"error", err,
			"path", r.URL.Path,
			"request_id", RequestIDFromContext(r.Context()),
		)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
	}

	pm.routes = append(pm.routes, &proxyRoute{
		prefix:        cfg.PathPrefix,
		target:        cfg.Target,
		proxy:         proxy,
		requireAuth:   cfg.RequireAuth,
		requiredPerms: cfg.RequiredPermissions,
	})
	pm.logger.Info("proxy route added",
		"prefix", cfg.PathPrefix,
		"target", cfg.Target,
		"require_auth", cfg.RequireAuth,
		"permissions", cfg.RequiredPermissions,
	)
	return nil
}

// injectIdentity replaces any client supplied identity headers with the
// mapped claims of the session.
func injectIdentity(req *http.Request, sess *Session, withAccessToken bool) {
	for name := range req.Header {
		if strings.HasPrefix(http.CanonicalHeaderKey(name), identityHeaderPrefix) {
			req.Header.Del(name)
		}
	}
	if sess == nil {
		return
	}
	p := sess.Principal()
	req.Header.Set(HeaderSubject, p.Subject)
	if p.DisplayName != "" {
		req.Header.Set(HeaderName, p.DisplayName)
	}
	if perms := p.Values(ClaimPermission); len(perms) > 0 {
		req.Header.Set(HeaderPermissions, strings.Join(perms, ","))
	}
	if withAccessToken && sess.Tokens.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+sess.Tokens.AccessToken)
	}
}

func (pm *ProxyManager) match(path string) *proxyRoute {
	for _, route := range pm.routes {
		if path == route.prefix || strings.HasPrefix(path, strings.TrimSuffix(route.prefix, "/")+"/") || route.prefix == "/" {
			return route
		}
	}
	return nil
}

// ServeHTTP routes by path prefix and enforces per-route access rules.
func (pm *ProxyManager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route := pm.match(r.URL.Path)
	if route == nil {
		pm.logger.Debug("no proxy route for path", "path", r.URL.Path)
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	if route.requireAuth {
		p := PrincipalFromContext(r.Context())
		if p == nil {
			if (r.Method == http.MethodGet || r.Method == http.MethodHead) && pm.challenge != nil {
				pm.challenge(w, r, r.URL.RequestURI())
				return
			}
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		for _, perm := range route.requiredPerms {
			if !p.HasClaim(ClaimPermission, perm) {
				pm.logger.Debug("missing permission",
					"path", r.URL.Path,
					"required", route.requiredPerms,
					"subject", p.Subject,
				)
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
		}
	}

	pm.logger.Debug("proxying request",
		"prefix", route.prefix,
		"path", r.URL.Path,
		"method", r.Method,
	)
	route.proxy.ServeHTTP(w, r)
}

func schemeFromRequest(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	return "http"
}
