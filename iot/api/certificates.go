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

// serverScope is the path name of the global CA
const serverScope = "server"

type caUploadRequest struct {
	CertificatePEM string `json:"certificate"`
	KeyPEM         string `json:"key"`
}

type caResponse struct {
	CertificatePEM string `json:"certificate"`
}

// scopeFromPath maps "server" to the global CA, everything else to a tenant CA
func scopeFromPath(scope string) iot.CAScope {
	if scope == serverScope {
		return iot.GlobalCA
	}
	return iot.TenantCA(scope)
}

func (s *Service) handleCertificateRoutes(router *mux.Router) {
	rlog := logger.Default()
	rlog.Debugln("api: handle route /cacert/server GET,POST")
	rlog.Debugln("api: handle route /cacert/{scope}/restore POST")
	rlog.Debugln("api: handle route /cacert/{scope}/backup DELETE")
	rlog.Debugln("api: handle route /tenants/{tenant_id}/cacert GET,POST")
	rlog.Debugln("api: handle route /tenants/{tenant_id}/cacert/generate POST")
	rlog.Debugln("api: handle route /tenants/{tenant_id}/devices/{device_id}/client_cert/generate POST")

	// the CA certificate is public, devices need it to verify the server
	router.HandleFunc("/cacert/server", func(w http.ResponseWriter, r *http.Request) {
		pem, err := s.processor.Authority().CertificatePEM(r.Context(), iot.GlobalCA)
		if err != nil {
			writeError(w, r, err)
			return
		}
		jsonResponse(w, http.StatusOK, caResponse{CertificatePEM: pem})
	}).Methods(http.MethodGet)

	router.HandleFunc("/cacert/server", func(w http.ResponseWriter, r *http.Request) {
		if !s.requireAdmin(w, r) {
			return
		}
		record, err := s.processor.Authority().GenerateCA(r.Context(), iot.GlobalCA)
		if err != nil {
			writeError(w, r, err)
			return
		}
		jsonResponse(w, http.StatusCreated, caResponse{CertificatePEM: record.CertificatePEM})
	}).Methods(http.MethodPost)

	router.HandleFunc("/cacert/{scope}/restore", func(w http.ResponseWriter, r *http.Request) {
		if !s.requireAdmin(w, r) {
			return
		}
		scope := scopeFromPath(mux.Vars(r)["scope"])
		if err := s.processor.Authority().RestoreCA(r.Context(), scope); err != nil {
			writeError(w, r, err)
			return
		}
		pem, err := s.processor.Authority().CertificatePEM(r.Context(), scope)
		if err != nil {
			writeError(w, r, err)
			return
		}
		jsonResponse(w, http.StatusOK, caResponse{CertificatePEM: pem})
	}).Methods(http.MethodPost)

	router.HandleFunc("/cacert/{scope}/backup", func(w http.ResponseWriter, r *http.Request) {
		if !s.requireAdmin(w, r) {
			return
		}
		if err := s.processor.Authority().PurgeBackup(r.Context(), scopeFromPath(mux.Vars(r)["scope"])); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodDelete)

	router.HandleFunc("/tenants/{tenant_id}/cacert", func(w http.ResponseWriter, r *http.Request) {
		if !s.requireAdmin(w, r) {
			return
		}
		pem, err := s.processor.Authority().CertificatePEM(r.Context(), iot.TenantCA(mux.Vars(r)["tenant_id"]))
		if err != nil {
			writeError(w, r, err)
			return
		}
		jsonResponse(w, http.StatusOK, caResponse{CertificatePEM: pem})
	}).Methods(http.MethodGet)

	router.HandleFunc("/tenants/{tenant_id}/cacert", func(w http.ResponseWriter, r *http.Request) {
		if !s.requireAdmin(w, r) {
			return
		}
		tenantID := mux.Vars(r)["tenant_id"]
		var request caUploadRequest
		if err := s.decodeBody(r, schemaCAUpload, &request); err != nil {
			writeError(w, r, err)
			return
		}
		if _, err := s.processor.Store().GetTenant(r.Context(), tenantID); err != nil {
			writeError(w, r, err)
			return
		}
		record, err := s.processor.Authority().UploadCA(r.Context(), iot.TenantCA(tenantID), request.CertificatePEM, request.KeyPEM)
		if err != nil {
			writeError(w, r, err)
			return
		}
		jsonResponse(w, http.StatusCreated, caResponse{CertificatePEM: record.CertificatePEM})
	}).Methods(http.MethodPost)

	router.HandleFunc("/tenants/{tenant_id}/cacert/generate", func(w http.ResponseWriter, r *http.Request) {
		if !s.requireAdmin(w, r) {
			return
		}
		tenantID := mux.Vars(r)["tenant_id"]
		if _, err := s.processor.Store().GetTenant(r.Context(), tenantID); err != nil {
			writeError(w, r, err)
			return
		}
		record, err := s.processor.Authority().GenerateCA(r.Context(), iot.TenantCA(tenantID))
		if err != nil {
			writeError(w, r, err)
			return
		}
		jsonResponse(w, http.StatusCreated, caResponse{CertificatePEM: record.CertificatePEM})
	}).Methods(http.MethodPost)

	router.HandleFunc("/tenants/{tenant_id}/devices/{device_id}/client_cert/generate", func(w http.ResponseWriter, r *http.Request) {
		if !s.requireAdmin(w, r) {
			return
		}
		issued, err := s.processor.IssueClientCertificate(r.Context(), deviceKey(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		jsonResponse(w, http.StatusCreated, issued)
	}).Methods(http.MethodPost)
}
