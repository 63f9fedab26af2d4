// File: internal/control/auth.go
package control

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// authMiddleware requires an HS256 bearer token when an auth secret is
// configured. Browsers cannot set headers on a WebSocket handshake, so the
// token may also come in the access_token query parameter.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	secret := strings.TrimSpace(s.cfg.AuthSecret)
	if secret == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			token = r.URL.Query().Get("access_token")
		}
		if token == "" {
			s.respondWithError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if err := verifyToken(token, secret); err != nil {
			s.logger.Warn("Rejected control request.", zap.String("path", r.URL.Path), zap.Error(err))
			s.respondWithError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func verifyToken(token, secret string) error {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwt.RegisteredClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return err
	}
	if !parsed.Valid {
		return errors.New("invalid token")
	}
	return nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}
