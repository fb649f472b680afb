package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"

	"github.com/SirClappington/runengine/internal/domain"
	"github.com/SirClappington/runengine/internal/engine"
)

type ctxKey int

const (
	envKey ctxKey = iota
	adminKey
)

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// envAuth resolves the environment API key in the bearer token.
func (s *Server) envAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env, err := s.engine.AuthenticateEnvironment(r.Context(), bearer(r))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), envKey, env)))
	})
}

func environment(r *http.Request) *domain.Environment {
	env, _ := r.Context().Value(envKey).(*domain.Environment)
	return env
}

func (s *Server) workerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearer(r)
		if s.token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
			s.writeError(w, r, engine.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// adminAuth accepts HS256 tokens signed with the admin signing key that
// carry a subject.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.parseAdminToken(bearer(r))
		if err != nil {
			s.logger.Debug("admin token rejected", zap.Error(err))
			s.writeError(w, r, engine.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), adminKey, claims.Subject)))
	})
}

func (s *Server) parseAdminToken(raw string) (*jwt.RegisteredClaims, error) {
	if raw == "" || len(s.jwtKey) == 0 {
		return nil, errors.New("missing token")
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.jwtKey, nil
	})
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}
