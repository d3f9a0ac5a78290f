// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package api

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/canopy/core/logger"
	"github.com/relabs-tech/canopy/iot"
	"github.com/relabs-tech/canopy/iot/identity"
	"github.com/relabs-tech/canopy/iot/processor"
	"github.com/relabs-tech/canopy/iot/shadow"
)

// shadowName returns the shadow name of the request, the empty name selects the default shadow
func shadowName(r *http.Request) (string, error) {
	name := r.URL.Query().Get("name")
	if name != "" && !identity.ValidName(name) {
		return "", fmt.Errorf("%w: invalid shadow name '%s'", iot.ErrMalformedRequest, name)
	}
	return name, nil
}

func (s *Service) handleThingRoutes(router *mux.Router) {
	rlog := logger.Default()
	rlog.Debugln("api: handle route /{tenant_id}/things/{device_id}/shadow GET,POST")

	router.HandleFunc("/{tenant_id}/things/{device_id}/shadow", func(w http.ResponseWriter, r *http.Request) {
		key := deviceKey(r)
		if !s.requireDevice(w, r, key) {
			return
		}
		ctx, _ := logger.ContextWithDevice(r.Context(), key.TenantID, key.DeviceID)
		name, err := shadowName(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if _, err := s.processor.Store().GetDevice(ctx, key); err != nil {
			writeError(w, r, err)
			return
		}
		snapshot, err := s.processor.Shadows().Get(ctx, key, name)
		if err != nil {
			writeError(w, r, err)
			return
		}
		jsonResponse(w, http.StatusOK, snapshot.View())
	}).Methods(http.MethodGet)

	router.HandleFunc("/{tenant_id}/things/{device_id}/shadow", func(w http.ResponseWriter, r *http.Request) {
		key := deviceKey(r)
		if !s.requireDevice(w, r, key) {
			return
		}
		ctx, rlog := logger.ContextWithDevice(r.Context(), key.TenantID, key.DeviceID)
		fromDevice := isDeviceRequest(r)
		if fromDevice {
			if err := s.processor.CheckRate(ctx, key); err != nil {
				writeError(w, r, err)
				return
			}
		}
		name, err := shadowName(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		body, err := s.readBody(r, "")
		if err != nil {
			writeError(w, r, err)
			return
		}
		if _, err := s.processor.Store().GetDevice(ctx, key); err != nil {
			writeError(w, r, err)
			return
		}
		snapshot, err := s.processor.UpdateShadow(ctx, key, name, body, processor.TransportHTTP, shadow.WriteThrough)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if fromDevice {
			// shadow reports are telemetry too
			if _, err := s.processor.Ingest(ctx, key, body, false); err != nil {
				rlog.WithError(err).Warnf("cannot extract metrics from shadow update of %s", key)
			}
		}
		jsonResponse(w, http.StatusOK, snapshot.View())
	}).Methods(http.MethodPost)
}
