package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// RoleAdmin marks tokens allowed to trigger settlement, reconciliation,
// deposit actions and settings changes.
const RoleAdmin = "admin"

// Claims is the bearer token payload. Subject carries the user id.
type Claims struct {
	Role string `json:"role,omitempty"`

	jwt.RegisteredClaims
}

// Auth signs and verifies HS256 bearer tokens.
type Auth struct {
	Secret   []byte
	Issuer   string
	TokenTTL time.Duration
}

func (a Auth) Sign(userID uuid.UUID, role string) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    a.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.TokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.Secret)
}

func (a Auth) verify(token string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return a.Secret, nil
	})
	if err != nil {
		return Claims{}, err
	}
	c, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Claims{}, errors.New("invalid token")
	}
	return *c, nil
}

type contextKey int

const identityKey contextKey = iota

// identity is the authenticated caller attached to the request context.
type identity struct {
	UserID uuid.UUID
	Role   string
}

func identityFrom(ctx context.Context) (identity, bool) {
	id, ok := ctx.Value(identityKey).(identity)
	return id, ok
}

// requireUser rejects requests without a valid bearer token.
func (a Auth) requireUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing bearer token"})
			return
		}
		claims, err := a.verify(token)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid token"})
			return
		}
		userID, err := uuid.Parse(claims.Subject)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid token subject"})
			return
		}
		ctx := context.WithValue(r.Context(), identityKey, identity{UserID: userID, Role: claims.Role})
		next(w, r.WithContext(ctx))
	}
}

// requireAdmin additionally checks the admin role.
func (a Auth) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return a.requireUser(func(w http.ResponseWriter, r *http.Request) {
		id, _ := identityFrom(r.Context())
		if id.Role != RoleAdmin {
			writeJSON(w, http.StatusForbidden, errorBody{Error: "admin role required"})
			return
		}
		next(w, r)
	})
}
