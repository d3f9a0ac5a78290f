// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package access provides utilities for access control

An Authorization is added to the request context by the middleware of this
package, depending on the bearer token in the HTTP request. There are two kinds
of callers:

	admin   the operator, presenting the configured admin token
	device  a device, presenting a device token it obtained with its password

Authorizations are added to a request context with

	ctx = auth.ContextWithAuthorization(ctx)

and retrieved with

	auth := access.AuthorizationFromContext(ctx)
*/
package access

import (
	"context"
	"net/http"
	"slices"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/canopy/core/logger"
)

type contextKey string

const contextKeyAuthorization contextKey = "authorization"

// The roles
const (
	RoleAdmin  = "admin"
	RoleDevice = "device"
)

// Properties of device authorizations
const (
	PropertyTenantID = "tenant_id"
	PropertyDeviceID = "device_id"
)

// Authorization is a context object which stores authorization information
// for operators and devices.
type Authorization struct {
	Roles      []string          `json:"roles"`
	Properties map[string]string `json:"properties,omitempty"`
}

// AdminAuthorization returns the authorization of the operator
func AdminAuthorization() *Authorization {
	return &Authorization{Roles: []string{RoleAdmin}}
}

// DeviceAuthorization returns the authorization of a device
func DeviceAuthorization(tenantID, deviceID string) *Authorization {
	return &Authorization{
		Roles: []string{RoleDevice},
		Properties: map[string]string{
			PropertyTenantID: tenantID,
			PropertyDeviceID: deviceID,
		},
	}
}

// HasRole is safe to call on a nil authorization
func (a *Authorization) HasRole(role string) bool {
	return a != nil && slices.Contains(a.Roles, role)
}

// Property returns a property of the authorization and whether it is set
func (a *Authorization) Property(name string) (string, bool) {
	if a == nil {
		return "", false
	}
	value, ok := a.Properties[name]
	return value, ok
}

// IsDevice returns true if the authorization belongs to exactly this device
func (a *Authorization) IsDevice(tenantID, deviceID string) bool {
	if !a.HasRole(RoleDevice) {
		return false
	}
	t, _ := a.Property(PropertyTenantID)
	d, _ := a.Property(PropertyDeviceID)
	return t == tenantID && d == deviceID
}

// ContextWithAuthorization attaches the authorization to ctx
func (a *Authorization) ContextWithAuthorization(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKeyAuthorization, a)
}

// AuthorizationFromContext returns the authorization of the request, or nil for anonymous callers
func AuthorizationFromContext(ctx context.Context) *Authorization {
	a, _ := ctx.Value(contextKeyAuthorization).(*Authorization)
	return a
}

// HandleAuthorizationRoute adds /authorization GET, which tells callers who they are
// for the bearer token they sent. Anonymous callers get 204.
func HandleAuthorizationRoute(router *mux.Router) {
	logger.Default().Debugln("access: handle route /authorization GET")
	router.HandleFunc("/authorization", func(w http.ResponseWriter, r *http.Request) {
		auth := AuthorizationFromContext(r.Context())
		if auth == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		jsonData, _ := json.MarshalIndent(auth, "", " ")
		w.Header().Set("Content-Type", "application/json")
		w.Write(jsonData)
	}).Methods(http.MethodGet)
}
