package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP extracts the client address from the request.
//
// SECURITY: X-Forwarded-For and X-Real-IP are only honoured when trustProxy
// is set. trustedProxyCount is the number of proxies we control at the right
// end of X-Forwarded-For; values below 1 are treated as 1.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := forwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// forwardedFor picks the address written by the outermost trusted proxy.
func forwardedFor(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}
	if trustedProxyCount < 1 {
		trustedProxyCount = 1
	}

	hops := strings.Split(xff, ",")
	idx := len(hops) - trustedProxyCount
	if idx < 0 {
		idx = 0
	}
	if idx >= len(hops) {
		idx = len(hops) - 1
	}

	ip := strings.TrimSpace(hops[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
