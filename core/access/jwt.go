// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package access

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/canopy/core/logger"
	"github.com/relabs-tech/canopy/core/registry"
)

const (
	issuer         = "canopy"
	secretKey      = "device_token_secret"
	secretLength   = 32
	defaultExpires = time.Hour
)

// ErrInvalidToken is returned for bearer tokens which do not verify
var ErrInvalidToken = errors.New("invalid token")

// Builder is a helper builder for the token middleware
type Builder struct {
	// AdminToken is the bearer token of the operator. If it is empty, admin routes
	// are open to everybody.
	AdminToken string
	// Secret signs device tokens. If it is empty, a secret is read from the registry,
	// or generated and written there on first start.
	Secret string
	// Registry persists the generated secret. Mandatory without Secret.
	Registry *registry.Accessor
	// Expires is the lifetime of device tokens. Default is one hour.
	Expires time.Duration
}

// Access verifies bearer tokens and issues device tokens
type Access struct {
	adminToken string
	secret     []byte
	expires    time.Duration
}

// deviceClaims are the claims of a device token
type deviceClaims struct {
	TenantID string `json:"tenant_id"`
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

// New returns a new Access
func New(ctx context.Context, b *Builder) (*Access, error) {
	a := &Access{
		adminToken: b.AdminToken,
		secret:     []byte(b.Secret),
		expires:    b.Expires,
	}
	if a.expires == 0 {
		a.expires = defaultExpires
	}
	if a.adminToken == "" {
		logger.FromContext(ctx).Warnln("no admin token configured, admin routes are open")
	}
	if len(a.secret) > 0 {
		return a, nil
	}
	if b.Registry == nil {
		panic("registry is missing")
	}
	var stored string
	if _, err := b.Registry.Read(ctx, secretKey, &stored); err != nil {
		return nil, err
	}
	if stored == "" {
		raw := make([]byte, secretLength)
		if _, err := rand.Read(raw); err != nil {
			return nil, err
		}
		stored = base64.StdEncoding.EncodeToString(raw)
		if err := b.Registry.Write(ctx, secretKey, stored); err != nil {
			return nil, err
		}
		logger.FromContext(ctx).Infoln("generated new device token secret")
	}
	a.secret = []byte(stored)
	return a, nil
}

// AdminRequired returns true if an admin token is configured
func (a *Access) AdminRequired() bool {
	return a.adminToken != ""
}

// IssueDeviceToken returns a signed device token and its expiry
func (a *Access) IssueDeviceToken(tenantID, deviceID string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(a.expires)
	claims := deviceClaims{
		TenantID: tenantID,
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    issuer,
			Subject:   tenantID + "/" + deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// ParseDeviceToken verifies a device token and returns its authorization
func (a *Access) ParseDeviceToken(tokenString string) (*Authorization, error) {
	claims := deviceClaims{}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid || claims.Issuer != issuer {
		return nil, ErrInvalidToken
	}
	if claims.TenantID == "" || claims.DeviceID == "" {
		return nil, ErrInvalidToken
	}
	return DeviceAuthorization(claims.TenantID, claims.DeviceID), nil
}

func bearerToken(r *http.Request) string {
	bearer := r.Header.Get("Authorization")
	if len(bearer) >= 8 && strings.ToLower(bearer[:7]) == "bearer " {
		return bearer[7:]
	}
	return ""
}

// Middleware returns a middleware handler which validates bearer tokens. The admin
// token yields the admin authorization, a valid device token the device
// authorization. Requests without token pass without authorization, requests with
// an invalid token are rejected with http.StatusUnauthorized.
func (a *Access) Middleware() mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if AuthorizationFromContext(r.Context()) != nil {
				h.ServeHTTP(w, r)
				return
			}
			tokenString := bearerToken(r)
			if len(tokenString) == 0 {
				h.ServeHTTP(w, r) // no token no auth, moving on
				return
			}

			var auth *Authorization
			if a.adminToken != "" && subtle.ConstantTimeCompare([]byte(tokenString), []byte(a.adminToken)) == 1 {
				auth = AdminAuthorization()
			} else {
				var err error
				auth, err = a.ParseDeviceToken(tokenString)
				if err != nil {
					logger.FromContext(r.Context()).Debugln("rejected bearer token")
					http.Error(w, "invalid token", http.StatusUnauthorized)
					return
				}
			}
			ctx := auth.ContextWithAuthorization(r.Context())
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IsAdmin returns true if the request may use admin routes
func (a *Access) IsAdmin(r *http.Request) bool {
	return !a.AdminRequired() || AuthorizationFromContext(r.Context()).HasRole(RoleAdmin)
}

// MayActAs returns true if the request may act on behalf of the device
func (a *Access) MayActAs(r *http.Request, tenantID, deviceID string) bool {
	return a.IsAdmin(r) || AuthorizationFromContext(r.Context()).IsDevice(tenantID, deviceID)
}
