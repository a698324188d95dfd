package fetch

import (
	"net/http"
	"strings"
)

type Strategy string

const (
	// StrategyPassthrough leaves the request to default handling.
	StrategyPassthrough Strategy = "passthrough"
	// StrategyNetworkFirst serves dynamic/API requests.
	StrategyNetworkFirst Strategy = "network-first"
	// StrategyCacheFirst serves static/shell requests.
	StrategyCacheFirst Strategy = "cache-first"
)

// Classifier decides the strategy for a request. A request is dynamic when
// its path contains one of APIMarkers or its host is (or is a subdomain of)
// one of BackendHosts.
type Classifier struct {
	APIMarkers   []string
	BackendHosts []string
}

func (c Classifier) Classify(r *http.Request) Strategy {
	if r.Method != http.MethodGet {
		return StrategyPassthrough
	}
	if c.IsDynamic(r) {
		return StrategyNetworkFirst
	}
	return StrategyCacheFirst
}

func (c Classifier) IsDynamic(r *http.Request) bool {
	path := r.URL.Path
	for _, m := range c.APIMarkers {
		if m != "" && strings.Contains(path, m) {
			return true
		}
	}
	host := strings.ToLower(r.URL.Hostname())
	if host == "" {
		host = strings.ToLower(hostOnly(r.Host))
	}
	for _, b := range c.BackendHosts {
		b = strings.ToLower(strings.TrimPrefix(b, "."))
		if b == "" {
			continue
		}
		if host == b || strings.HasSuffix(host, "."+b) {
			return true
		}
	}
	return false
}

func hostOnly(hostport string) string {
	if i := strings.LastIndexByte(hostport, ':'); i >= 0 && !strings.Contains(hostport[i:], "]") {
		return hostport[:i]
	}
	return hostport
}
