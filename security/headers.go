package security

import "net/http"

// SetSecurityHeaders sets defensive headers on broker responses. Every
// endpoint returns either JSON or a redirect, so the policy can be
// strict: no framing, no sniffing, no caching of token material.
func SetSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	w.Header().Set("Referrer-Policy", "no-referrer")

	// Responses may carry bearer tokens; they must never be cached.
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	w.Header().Set("Pragma", "no-cache")
}
