package server

import (
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/polisai/gemini-relay/pkg/config"
)

const (
	headerOrigin           = "Origin"
	headerVary             = "Vary"
	headerAllowOrigin      = "Access-Control-Allow-Origin"
	headerAllowCredentials = "Access-Control-Allow-Credentials"
	headerAllowMethods     = "Access-Control-Allow-Methods"
	headerAllowHeaders     = "Access-Control-Allow-Headers"
	headerMaxAge           = "Access-Control-Max-Age"
	headerRequestMethod    = "Access-Control-Request-Method"
	headerRequestHeaders   = "Access-Control-Request-Headers"

	preflightMaxAge = 600
	anyOrigin       = "*"
)

// cors applies the origin allow-list from the active configuration. Disallowed
// origins are served without CORS headers; only their preflights are refused.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get(headerOrigin)
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}

		policy := s.store.Current().CORS
		allowed := originAllowed(policy, origin)

		if r.Method == http.MethodOptions && r.Header.Get(headerRequestMethod) != "" {
			s.preflight(w, r, policy, origin, allowed)
			return
		}

		w.Header().Add(headerVary, headerOrigin)
		if allowed {
			setAllowOrigin(w.Header(), policy, origin)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) preflight(w http.ResponseWriter, r *http.Request, policy config.CORSConfig, origin string, allowed bool) {
	h := w.Header()
	h.Add(headerVary, headerOrigin)

	if !allowed {
		s.logger.DebugContext(r.Context(), "refused CORS preflight", "origin", origin)
		h.Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("Disallowed CORS origin"))
		return
	}

	setAllowOrigin(h, policy, origin)
	h.Set(headerAllowMethods, r.Header.Get(headerRequestMethod))
	if requested := r.Header.Get(headerRequestHeaders); requested != "" {
		h.Set(headerAllowHeaders, requested)
	}
	h.Set(headerMaxAge, strconv.Itoa(preflightMaxAge))
	h.Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func setAllowOrigin(h http.Header, policy config.CORSConfig, origin string) {
	if policy.AllowCredentials {
		h.Set(headerAllowOrigin, origin)
		h.Set(headerAllowCredentials, "true")
		return
	}
	if slices.Contains(policy.AllowedOrigins, anyOrigin) {
		h.Set(headerAllowOrigin, anyOrigin)
		return
	}
	h.Set(headerAllowOrigin, origin)
}

// originAllowed compares origins exactly, ignoring a trailing slash.
func originAllowed(policy config.CORSConfig, origin string) bool {
	origin = strings.TrimRight(origin, "/")
	for _, allowed := range policy.AllowedOrigins {
		if allowed == anyOrigin || allowed == origin {
			return true
		}
	}
	return false
}
