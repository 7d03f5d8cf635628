package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey struct{ name string }

var callerKey = &contextKey{"caller"}

// callerDID returns the authenticated caller's DID from the request context.
func callerDID(r *http.Request) string {
	did, _ := r.Context().Value(callerKey).(string)
	return did
}

// requireCaller authenticates /api requests. The bearer token is an HS256
// JWT whose iss claim carries the caller's DID.
func (s *Server) requireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		did, err := s.parseCallerDID(r.Header.Get("Authorization"))
		if err != nil {
			s.logger.Warn("rejected unauthenticated request", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusUnauthorized, "AuthRequired", "valid bearer token required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey, did)))
	})
}

func (s *Server) parseCallerDID(header string) (string, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", fmt.Errorf("missing bearer token")
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}

	issuer, err := token.Claims.GetIssuer()
	if err != nil || issuer == "" {
		return "", fmt.Errorf("token has no issuer")
	}
	return issuer, nil
}
