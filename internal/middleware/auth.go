package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/soaringjerry/Hubben/internal/services"
)

type authCtxKey int

const (
	userKey authCtxKey = iota + 1
	claimsKey
)

// CSRFHeader must echo the session's CSRF token on state-changing requests.
const CSRFHeader = "X-CSRF-Token"

type Claims struct {
	UID  string `json:"uid"`
	Role string `json:"role"`
	CSRF string `json:"csrf"`
	jwt.RegisteredClaims
}

// UserLookup loads the current user record for a token's uid. It returns
// (nil, nil) when the user no longer exists.
type UserLookup func(id int64) (*services.User, error)

type Auth struct {
	secret []byte
	lookup UserLookup
	now    func() time.Time
}

func NewAuth(secret string, lookup UserLookup) *Auth {
	return &Auth{secret: []byte(secret), lookup: lookup, now: time.Now}
}

// SignToken has the shape of services.TokenSigner.
func (a *Auth) SignToken(uid int64, role services.Role, csrf string, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		UID:  strconv.FormatInt(uid, 10),
		Role: string(role),
		CSRF: csrf,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Auth) ParseToken(tok string) (*Claims, error) {
	t, err := jwt.ParseWithClaims(tok, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, err
	}
	if c, ok := t.Claims.(*Claims); ok && t.Valid {
		return c, nil
	}
	return nil, errors.New("invalid token")
}

// WithAuth attaches the user behind a valid bearer token. Requests without
// one, or with one that does not verify, continue anonymously. Role comes
// from the stored user rather than the token, so a role change applies at once.
func (a *Auth) WithAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			next.ServeHTTP(w, r)
			return
		}
		c, err := a.ParseToken(strings.TrimSpace(strings.TrimPrefix(h, "Bearer ")))
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		uid, err := strconv.ParseInt(c.UID, 10, 64)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		u, err := a.lookup(uid)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if u == nil {
			next.ServeHTTP(w, r)
			return
		}
		ctx := context.WithValue(r.Context(), userKey, u)
		ctx = context.WithValue(ctx, claimsKey, c)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireCSRF rejects authenticated state-changing requests whose
// X-CSRF-Token header does not match the session claim.
func RequireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		c, ok := r.Context().Value(claimsKey).(*Claims)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get(CSRFHeader)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(c.CSRF)) != 1 {
			http.Error(w, "csrf token mismatch", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if UserFromContext(r.Context()) == nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// UserFromContext returns the authenticated user, or nil.
func UserFromContext(ctx context.Context) *services.User {
	u, _ := ctx.Value(userKey).(*services.User)
	return u
}
