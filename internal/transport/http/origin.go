package http

import (
	"net/http"
	"strings"
)

// clientOrigin is the address the geofence judges: RemoteAddr, or the first
// X-Forwarded-For hop when the server sits behind a trusted proxy.
func clientOrigin(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}
	return r.RemoteAddr
}
