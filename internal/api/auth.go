package api

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

// authorize guards mutating endpoints with the configured API token.
// The config stores a bcrypt hash, never the token itself. With no
// hash configured the daemon runs open, which is the first-boot state
// before an admin sets a token.
func (r *Router) authorize(req *http.Request) bool {
	r.mu.Lock()
	hash := r.cfg.APITokenHash
	r.mu.Unlock()

	if hash == "" {
		return true
	}

	header := req.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return false
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)); err != nil {
		log.Warn().Str("path", req.URL.Path).Msg("Rejected request with invalid API token")
		return false
	}
	return true
}

func (r *Router) requireAuth(w http.ResponseWriter, req *http.Request) bool {
	if r.authorize(req) {
		return true
	}
	writeError(w, http.StatusUnauthorized, "invalid or missing API token")
	return false
}
