// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/canopy/core/logger"
	"github.com/relabs-tech/canopy/iot/ratelimit"
)

type passwordRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type passwordResponse struct {
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Service) handleDeviceRoutes(router *mux.Router) {
	rlog := logger.Default()
	rlog.Debugln("api: handle route /{tenant_id}/devices GET")
	rlog.Debugln("api: handle route /{tenant_id}/connected GET")
	rlog.Debugln("api: handle route /{tenant_id}/devices/{device_id} GET,POST,DELETE")
	rlog.Debugln("api: handle route /{tenant_id}/devices/{device_id}/rates GET")
	rlog.Debugln("api: handle route /{tenant_id}/devices/{device_id}/rates/override PUT,DELETE")
	rlog.Debugln("api: handle route /{tenant_id}/devices/{device_id}/passwords GET,POST")

	router.HandleFunc("/{tenant_id}/devices", func(w http.ResponseWriter, r *http.Request) {
		if !s.requireAdmin(w, r) {
			return
		}
		tenantID := mux.Vars(r)["tenant_id"]
		if _, err := s.processor.Store().GetTenant(r.Context(), tenantID); err != nil {
			writeError(w, r, err)
			return
		}
		devices, err := s.processor.Store().ListDevices(r.Context(), tenantID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		jsonResponse(w, http.StatusOK, devices)
	}).Methods(http.MethodGet)

	router.HandleFunc("/{tenant_id}/connected", func(w http.ResponseWriter, r *http.Request) {
		if !s.requireAdmin(w, r) {
			return
		}
		jsonResponse(w, http.StatusOK, s.processor.ConnectedDevices(mux.Vars(r)["tenant_id"]))
	}).Methods(http.MethodGet)

	router.HandleFunc("/{tenant_id}/devices/{device_id}", func(w http.ResponseWriter, r *http.Request) {
		if !s.requireAdmin(w, r) {
			return
		}
		info, err := s.processor.DeviceInformation(r.Context(), deviceKey(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		jsonResponse(w, http.StatusOK, info)
	}).Methods(http.MethodGet)

	router.HandleFunc("/{tenant_id}/devices/{device_id}", func(w http.ResponseWriter, r *http.Request) {
		if !s.requireAdmin(w, r) {
			return
		}
		device, err := s.processor.CreateDevice(r.Context(), deviceKey(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		jsonResponse(w, http.StatusCreated, device)
	}).Methods(http.MethodPost)

	router.HandleFunc("/{tenant_id}/devices/{device_id}", func(w http.ResponseWriter, r *http.Request) {
		if !s.requireAdmin(w, r) {
			return
		}
		if err := s.processor.DeleteDevice(r.Context(), deviceKey(r)); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodDelete)

	router.HandleFunc("/{tenant_id}/devices/{device_id}/rates", func(w http.ResponseWriter, r *http.Request) {
		if !s.requireAdmin(w, r) {
			return
		}
		key := deviceKey(r)
		if _, err := s.processor.Store().GetDevice(r.Context(), key); err != nil {
			writeError(w, r, err)
			return
		}
		jsonResponse(w, http.StatusOK, s.processor.Limiter().Histogram(key))
	}).Methods(http.MethodGet)

	router.HandleFunc("/{tenant_id}/devices/{device_id}/rates/override", func(w http.ResponseWriter, r *http.Request) {
		if !s.requireAdmin(w, r) {
			return
		}
		key := deviceKey(r)
		var thresholds ratelimit.Thresholds
		if err := s.decodeBody(r, schemaRateOverride, &thresholds); err != nil {
			writeError(w, r, err)
			return
		}
		if _, err := s.processor.Store().GetDevice(r.Context(), key); err != nil {
			writeError(w, r, err)
			return
		}
		s.processor.Limiter().SetOverride(key, thresholds)
		jsonResponse(w, http.StatusOK, thresholds)
	}).Methods(http.MethodPut)

	router.HandleFunc("/{tenant_id}/devices/{device_id}/rates/override", func(w http.ResponseWriter, r *http.Request) {
		if !s.requireAdmin(w, r) {
			return
		}
		s.processor.Limiter().ClearOverride(deviceKey(r))
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodDelete)

	router.HandleFunc("/{tenant_id}/devices/{device_id}/passwords", func(w http.ResponseWriter, r *http.Request) {
		if !s.requireAdmin(w, r) {
			return
		}
		credentials, err := s.processor.Gateway().Passwords(r.Context(), deviceKey(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		response := []passwordResponse{}
		for _, c := range credentials {
			response = append(response, passwordResponse{Username: c.Username, CreatedAt: c.CreatedAt})
		}
		jsonResponse(w, http.StatusOK, response)
	}).Methods(http.MethodGet)

	router.HandleFunc("/{tenant_id}/devices/{device_id}/passwords", func(w http.ResponseWriter, r *http.Request) {
		if !s.requireAdmin(w, r) {
			return
		}
		var request passwordRequest
		if err := s.decodeBody(r, schemaPassword, &request); err != nil {
			writeError(w, r, err)
			return
		}
		credential, err := s.processor.Gateway().SetPassword(r.Context(), deviceKey(r), request.Username, request.Password, s.processor.Clock().Now())
		if err != nil {
			writeError(w, r, err)
			return
		}
		jsonResponse(w, http.StatusCreated, passwordResponse{Username: credential.Username, CreatedAt: credential.CreatedAt})
	}).Methods(http.MethodPost)
}
