// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package access

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/canopy/core/registry"
)

func TestAuthorization_Roles(t *testing.T) {
	var none *Authorization
	assert.False(t, none.HasRole(RoleAdmin))
	assert.False(t, none.IsDevice("acme", "lamp"))

	admin := AdminAuthorization()
	assert.True(t, admin.HasRole(RoleAdmin))
	assert.False(t, admin.IsDevice("acme", "lamp"))

	device := DeviceAuthorization("acme", "lamp")
	assert.True(t, device.IsDevice("acme", "lamp"))
	assert.False(t, device.IsDevice("acme", "door"))
	assert.False(t, device.IsDevice("other", "lamp"))
	tenant, ok := device.Property(PropertyTenantID)
	assert.True(t, ok)
	assert.Equal(t, "acme", tenant)
}

func TestSecretIsPersisted(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory().Accessor("_access_")

	first, err := New(ctx, &Builder{Registry: &reg})
	require.NoError(t, err)
	token, _, err := first.IssueDeviceToken("acme", "lamp")
	require.NoError(t, err)

	// a restarted service accepts the tokens it issued before
	second, err := New(ctx, &Builder{Registry: &reg})
	require.NoError(t, err)
	auth, err := second.ParseDeviceToken(token)
	require.NoError(t, err)
	assert.True(t, auth.IsDevice("acme", "lamp"))

	other, err := New(ctx, &Builder{Secret: "something else"})
	require.NoError(t, err)
	_, err = other.ParseDeviceToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func newRouter(t *testing.T, a *Access) *mux.Router {
	t.Helper()
	router := mux.NewRouter()
	router.Use(a.Middleware())
	HandleAuthorizationRoute(router)
	router.HandleFunc("/admin", func(w http.ResponseWriter, r *http.Request) {
		if !a.IsAdmin(r) {
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	router.HandleFunc("/things/{device_id}", func(w http.ResponseWriter, r *http.Request) {
		if !a.MayActAs(r, "acme", mux.Vars(r)["device_id"]) {
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return router
}

func do(router http.Handler, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware(t *testing.T) {
	a, err := New(context.Background(), &Builder{AdminToken: "please", Secret: "s3cr3t"})
	require.NoError(t, err)
	router := newRouter(t, a)
	deviceToken, _, err := a.IssueDeviceToken("acme", "lamp")
	require.NoError(t, err)

	assert.Equal(t, http.StatusNoContent, do(router, "/admin", "please").Code)
	assert.Equal(t, http.StatusUnauthorized, do(router, "/admin", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(router, "/admin", deviceToken).Code)
	assert.Equal(t, http.StatusUnauthorized, do(router, "/admin", "garbage").Code)

	assert.Equal(t, http.StatusNoContent, do(router, "/things/lamp", deviceToken).Code)
	assert.Equal(t, http.StatusNoContent, do(router, "/things/lamp", "please").Code)
	assert.Equal(t, http.StatusUnauthorized, do(router, "/things/door", deviceToken).Code)

	rec := do(router, "/authorization", deviceToken)
	require.Equal(t, http.StatusOK, rec.Code)
	var auth Authorization
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &auth))
	assert.Equal(t, []string{RoleDevice}, auth.Roles)
	assert.Equal(t, "lamp", auth.Properties[PropertyDeviceID])

	assert.Equal(t, http.StatusNoContent, do(router, "/authorization", "").Code)
}

func TestOpenAdmin(t *testing.T) {
	a, err := New(context.Background(), &Builder{Secret: "s3cr3t"})
	require.NoError(t, err)
	router := newRouter(t, a)
	assert.Equal(t, http.StatusNoContent, do(router, "/admin", "").Code)
}
