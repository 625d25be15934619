package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/crucial707/hours-reconcile/internal/models"
	"github.com/golang-jwt/jwt/v5"
)

type key string

const (
	actorKey  key = "actor"
	holderKey key = "actor_holder"
)

// actorHolder lets RequestLog, which wraps the router, see who the caller was.
type actorHolder struct{ id int64 }

func withActorHolder(ctx context.Context, h *actorHolder) context.Context {
	return context.WithValue(ctx, holderKey, h)
}

// WithActor attaches a to ctx. Handlers read it back with ActorFrom.
func WithActor(ctx context.Context, a models.Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

// ActorFrom returns the authenticated caller put there by Authenticate.
func ActorFrom(ctx context.Context) (models.Actor, bool) {
	a, ok := ctx.Value(actorKey).(models.Actor)
	return a, ok
}

var errBadClaims = errors.New("invalid token claims")

// ActorFromClaims reads user_id, roles and the optional department_id.
// roles may be a JSON array or a space separated string.
func ActorFromClaims(claims jwt.MapClaims) (models.Actor, error) {
	var a models.Actor
	id, ok := claims["user_id"].(float64)
	if !ok || id <= 0 {
		return a, errBadClaims
	}
	a.ID = int64(id)

	switch roles := claims["roles"].(type) {
	case []interface{}:
		for _, r := range roles {
			s, ok := r.(string)
			if !ok {
				return a, errBadClaims
			}
			a.Roles = append(a.Roles, s)
		}
	case string:
		a.Roles = strings.Fields(roles)
	case nil:
	default:
		return a, errBadClaims
	}

	if d, ok := claims["department_id"].(float64); ok && d > 0 {
		dept := int64(d)
		a.DepartmentID = &dept
	}
	return a, nil
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="hours"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Authenticate verifies the HS256 bearer token and puts the caller's Actor on
// the request context.
func Authenticate(secret []byte) func(http.Handler) http.Handler {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				unauthorized(w, "missing authorization header")
				return
			}
			tokenStr, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok {
				unauthorized(w, "invalid authorization header")
				return
			}

			claims := jwt.MapClaims{}
			token, err := parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
				return secret, nil
			})
			if err != nil || !token.Valid {
				unauthorized(w, "invalid token")
				return
			}
			actor, err := ActorFromClaims(claims)
			if err != nil {
				unauthorized(w, err.Error())
				return
			}
			if h, ok := r.Context().Value(holderKey).(*actorHolder); ok {
				h.id = actor.ID
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

// IssueToken signs a token for a. It backs the operator CLI and tests; the
// production identity provider issues tokens of the same shape.
func IssueToken(secret []byte, a models.Actor, claims jwt.MapClaims) (string, error) {
	if claims == nil {
		claims = jwt.MapClaims{}
	}
	claims["user_id"] = a.ID
	claims["roles"] = a.Roles
	if a.DepartmentID != nil {
		claims["department_id"] = *a.DepartmentID
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
