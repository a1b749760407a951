package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authorize checks the bearer token on /v1 routes. An empty configured token
// rejects everything; this service is never meant to run open.
func (s *Server) authorize(r *http.Request) bool {
	if s.token == "" {
		return false
	}
	header := r.Header.Get("Authorization")
	presented, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(presented)), []byte(s.token)) == 1
}
