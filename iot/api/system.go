// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/canopy/core/access"
	"github.com/relabs-tech/canopy/core/logger"
	"github.com/relabs-tech/canopy/iot"
	"github.com/relabs-tech/canopy/iot/auth"
	"github.com/relabs-tech/canopy/iot/identity"
)

type tokenRequest struct {
	TenantID string `json:"tenant_id"`
	DeviceID string `json:"device_id"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Service) handleSystemRoutes(router *mux.Router) {
	rlog := logger.Default()
	rlog.Debugln("api: handle route /health GET")
	rlog.Debugln("api: handle route /time GET")
	rlog.Debugln("api: handle route /metrics GET")
	rlog.Debugln("api: handle route /auth/token POST")

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	router.HandleFunc("/time", func(w http.ResponseWriter, r *http.Request) {
		if !s.mayUseTime(r) {
			http.Error(w, iot.ErrUnauthorized.Error(), http.StatusUnauthorized)
			return
		}
		var deviceTime *int64
		if str := r.URL.Query().Get("device_time"); str != "" {
			t, err := strconv.ParseInt(str, 10, 64)
			if err != nil {
				http.Error(w, "device_time must be milliseconds since epoch", http.StatusBadRequest)
				return
			}
			deviceTime = &t
		}
		jsonResponse(w, http.StatusOK, s.processor.Time(deviceTime))
	}).Methods(http.MethodGet)

	router.Handle("/metrics", s.processor.Metrics().Handler()).Methods(http.MethodGet)

	router.HandleFunc("/auth/token", func(w http.ResponseWriter, r *http.Request) {
		var request tokenRequest
		if err := s.decodeBody(r, schemaTokenRequest, &request); err != nil {
			writeError(w, r, err)
			return
		}
		claim := iot.DeviceKey{TenantID: request.TenantID, DeviceID: request.DeviceID}
		if claim.TenantID == "" {
			claim.TenantID = iot.DefaultTenant
		}
		if !identity.ValidName(claim.TenantID) || !identity.ValidName(claim.DeviceID) {
			writeError(w, r, fmt.Errorf("%w: invalid device", iot.ErrMalformedRequest))
			return
		}
		ctx, _ := logger.ContextWithDevice(r.Context(), claim.TenantID, claim.DeviceID)
		device, err := s.processor.Authenticate(ctx, claim, auth.PasswordCredential(request.Username, request.Password))
		if err != nil {
			writeError(w, r, err)
			return
		}
		token, expiresAt, err := s.access.IssueDeviceToken(device.TenantID, device.DeviceID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		jsonResponse(w, http.StatusOK, tokenResponse{Token: token, ExpiresAt: expiresAt})
	}).Methods(http.MethodPost)
}

// mayUseTime returns true for operators and devices
func (s *Service) mayUseTime(r *http.Request) bool {
	return s.access.IsAdmin(r) || access.AuthorizationFromContext(r.Context()).HasRole(access.RoleDevice)
}
