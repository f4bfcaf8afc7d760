// Package api implements the HTTP surface of the routewatch service.
package api

import (
    "net/http"
    "strings"

    "routewatch/internal/auth"
)

// getPrincipal resolves the caller identity.
// - If Authorization: Bearer is present, uses the configured verifier (dev/hmac/jwks).
// - Else falls back to headers for dev.
func (s *Server) getPrincipal(r *http.Request) auth.Principal {
    authz := r.Header.Get("Authorization")
    if strings.HasPrefix(strings.ToLower(authz), "bearer ") && s.Auth != nil {
        tok := strings.TrimSpace(authz[len("Bearer "):])
        if pr, err := s.Auth.Verify(tok); err == nil {
            return pr
        }
    }
    userID := r.Header.Get("X-User-Id")
    role := r.Header.Get("X-Role")
    driverID := r.Header.Get("X-Driver-Id")
    if userID == "" {
        userID = "u_demo"
    }
    if role == "" {
        role = auth.RoleOwner
    }
    return auth.Principal{UserID: userID, Role: auth.NormalizeRole(role), DriverID: driverID}
}
