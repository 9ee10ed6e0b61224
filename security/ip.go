package security

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP extracts the client IP address from a request.
//
// When trustProxy is false the direct connection address is used, which
// is the safe default: forwarding headers are trivially spoofable.
// When trustProxy is true the rightmost X-Forwarded-For entry (the one
// appended by the trusted proxy) or X-Real-IP is preferred.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			ip := strings.TrimSpace(parts[len(parts)-1])
			if net.ParseIP(ip) != nil {
				return ip
			}
		}
		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			if net.ParseIP(xrip) != nil {
				return xrip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
