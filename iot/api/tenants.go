// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/canopy/core/logger"
	"github.com/relabs-tech/canopy/iot"
)

type tenantRequest struct {
	TenantID   string          `json:"tenant_id"`
	AuthConfig *iot.AuthConfig `json:"auth_config"`
}

func (s *Service) handleTenantRoutes(router *mux.Router) {
	rlog := logger.Default()
	rlog.Debugln("api: handle route /tenants GET,POST")
	rlog.Debugln("api: handle route /tenants/{tenant_id} GET,DELETE")
	rlog.Debugln("api: handle route /tenants/{tenant_id}/auth_config PUT")

	router.HandleFunc("/tenants", func(w http.ResponseWriter, r *http.Request) {
		if !s.requireAdmin(w, r) {
			return
		}
		tenants, err := s.processor.Store().ListTenants(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		jsonResponse(w, http.StatusOK, tenants)
	}).Methods(http.MethodGet)

	router.HandleFunc("/tenants", func(w http.ResponseWriter, r *http.Request) {
		if !s.requireAdmin(w, r) {
			return
		}
		var request tenantRequest
		if err := s.decodeBody(r, schemaTenant, &request); err != nil {
			writeError(w, r, err)
			return
		}
		tenant, err := s.processor.CreateTenant(r.Context(), request.TenantID, request.AuthConfig)
		if err != nil {
			writeError(w, r, err)
			return
		}
		jsonResponse(w, http.StatusCreated, tenant)
	}).Methods(http.MethodPost)

	router.HandleFunc("/tenants/{tenant_id}", func(w http.ResponseWriter, r *http.Request) {
		if !s.requireAdmin(w, r) {
			return
		}
		tenant, err := s.processor.Store().GetTenant(r.Context(), mux.Vars(r)["tenant_id"])
		if err != nil {
			writeError(w, r, err)
			return
		}
		jsonResponse(w, http.StatusOK, tenant)
	}).Methods(http.MethodGet)

	router.HandleFunc("/tenants/{tenant_id}", func(w http.ResponseWriter, r *http.Request) {
		if !s.requireAdmin(w, r) {
			return
		}
		if err := s.processor.DeleteTenant(r.Context(), mux.Vars(r)["tenant_id"]); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodDelete)

	router.HandleFunc("/tenants/{tenant_id}/auth_config", func(w http.ResponseWriter, r *http.Request) {
		if !s.requireAdmin(w, r) {
			return
		}
		var config iot.AuthConfig
		if err := s.decodeBody(r, schemaAuthConfig, &config); err != nil {
			writeError(w, r, err)
			return
		}
		tenant, err := s.processor.UpdateAuthConfig(r.Context(), mux.Vars(r)["tenant_id"], config)
		if err != nil {
			writeError(w, r, err)
			return
		}
		jsonResponse(w, http.StatusOK, tenant)
	}).Methods(http.MethodPut)
}
