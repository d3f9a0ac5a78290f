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

	"github.com/relabs-tech/canopy/core/logger"
	"github.com/relabs-tech/canopy/iot"
)

// defaultRange is the time range of a metric query without from
const defaultRange = 24 * time.Hour

type ingestResponse struct {
	Accepted int `json:"accepted"`
	Skipped  int `json:"skipped"`
}

type dataConfigRequest struct {
	Metrics []iot.MetricRule `json:"metrics"`
}

// parseTime accepts RFC3339 or milliseconds since epoch
func parseTime(s string) (time.Time, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid time '%s'", iot.ErrMalformedRequest, s)
	}
	return t, nil
}

func (s *Service) handleDataRoutes(router *mux.Router) {
	rlog := logger.Default()
	rlog.Debugln("api: handle route /{tenant_id}/data/{device_id} POST")
	rlog.Debugln("api: handle route /{tenant_id}/data/{device_id}/{metric} GET")
	rlog.Debugln("api: handle route /{tenant_id}/data/{device_id}/{metric}/last GET")
	rlog.Debugln("api: handle route /{tenant_id}/dataconfig GET,PUT,DELETE")
	rlog.Debugln("api: handle route /{tenant_id}/dataconfig/all GET")
	rlog.Debugln("api: handle route /{tenant_id}/dataconfig/device/{device_prefix} GET,PUT,DELETE")
	rlog.Debugln("api: handle route /{tenant_id}/dataconfig/exact/{device_id} GET,PUT,DELETE")

	router.HandleFunc("/{tenant_id}/data/{device_id}", func(w http.ResponseWriter, r *http.Request) {
		key := deviceKey(r)
		if !s.requireDevice(w, r, key) {
			return
		}
		ctx, _ := logger.ContextWithDevice(r.Context(), key.TenantID, key.DeviceID)
		if isDeviceRequest(r) {
			if err := s.processor.CheckRate(ctx, key); err != nil {
				writeError(w, r, err)
				return
			}
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
		result, err := s.processor.Ingest(ctx, key, body, true)
		if err != nil {
			writeError(w, r, err)
			return
		}
		jsonResponse(w, http.StatusOK, ingestResponse{
			Accepted: result.Accepted,
			Skipped:  result.Skipped,
		})
	}).Methods(http.MethodPost)

	router.HandleFunc("/{tenant_id}/data/{device_id}/{metric}", func(w http.ResponseWriter, r *http.Request) {
		if !s.requireAdmin(w, r) {
			return
		}
		key := deviceKey(r)
		query := r.URL.Query()
		// to is exclusive, samples stored this instant are included
		to := s.processor.Clock().Now().Add(time.Millisecond)
		if str := query.Get("to"); str != "" {
			t, err := parseTime(str)
			if err != nil {
				writeError(w, r, err)
				return
			}
			to = t
		}
		from := to.Add(-defaultRange)
		if str := query.Get("from"); str != "" {
			t, err := parseTime(str)
			if err != nil {
				writeError(w, r, err)
				return
			}
			from = t
		}
		samples, err := s.processor.Telemetry().Range(r.Context(), key, mux.Vars(r)["metric"], from, to)
		if err != nil {
			writeError(w, r, err)
			return
		}
		jsonResponse(w, http.StatusOK, samples)
	}).Methods(http.MethodGet)

	router.HandleFunc("/{tenant_id}/data/{device_id}/{metric}/last", func(w http.ResponseWriter, r *http.Request) {
		if !s.requireAdmin(w, r) {
			return
		}
		limit := 1
		if str := r.URL.Query().Get("limit"); str != "" {
			l, err := strconv.Atoi(str)
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: invalid limit", iot.ErrMalformedRequest))
				return
			}
			limit = l
		}
		samples, err := s.processor.Telemetry().Last(r.Context(), deviceKey(r), mux.Vars(r)["metric"], limit)
		if err != nil {
			writeError(w, r, err)
			return
		}
		jsonResponse(w, http.StatusOK, samples)
	}).Methods(http.MethodGet)

	router.HandleFunc("/{tenant_id}/dataconfig/all", func(w http.ResponseWriter, r *http.Request) {
		if !s.requireAdmin(w, r) {
			return
		}
		configs, err := s.processor.Telemetry().ListConfigs(r.Context(), mux.Vars(r)["tenant_id"])
		if err != nil {
			writeError(w, r, err)
			return
		}
		jsonResponse(w, http.StatusOK, configs)
	}).Methods(http.MethodGet)

	s.handleDataConfig(router, "/{tenant_id}/dataconfig", func(r *http.Request) (iot.MatchKind, string) {
		return iot.MatchPrefix, ""
	})
	s.handleDataConfig(router, "/{tenant_id}/dataconfig/device/{device_prefix}", func(r *http.Request) (iot.MatchKind, string) {
		return iot.MatchPrefix, mux.Vars(r)["device_prefix"]
	})
	s.handleDataConfig(router, "/{tenant_id}/dataconfig/exact/{device_id}", func(r *http.Request) (iot.MatchKind, string) {
		return iot.MatchExact, mux.Vars(r)["device_id"]
	})
}

// handleDataConfig adds GET, PUT and DELETE for one kind of data config
func (s *Service) handleDataConfig(router *mux.Router, path string, match func(r *http.Request) (iot.MatchKind, string)) {
	router.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if !s.requireAdmin(w, r) {
			return
		}
		kind, pattern := match(r)
		config, err := s.processor.Telemetry().GetConfig(r.Context(), mux.Vars(r)["tenant_id"], kind, pattern)
		if err != nil {
			writeError(w, r, err)
			return
		}
		jsonResponse(w, http.StatusOK, config)
	}).Methods(http.MethodGet)

	router.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if !s.requireAdmin(w, r) {
			return
		}
		tenantID := mux.Vars(r)["tenant_id"]
		var request dataConfigRequest
		if err := s.decodeBody(r, schemaDataConfig, &request); err != nil {
			writeError(w, r, err)
			return
		}
		if _, err := s.processor.Store().GetTenant(r.Context(), tenantID); err != nil {
			writeError(w, r, err)
			return
		}
		kind, pattern := match(r)
		config, err := s.processor.Telemetry().PutConfig(r.Context(), iot.DataConfig{
			TenantID: tenantID,
			Match:    kind,
			Pattern:  pattern,
			Metrics:  request.Metrics,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		jsonResponse(w, http.StatusOK, config)
	}).Methods(http.MethodPut)

	router.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if !s.requireAdmin(w, r) {
			return
		}
		kind, pattern := match(r)
		if err := s.processor.Telemetry().DeleteConfig(r.Context(), mux.Vars(r)["tenant_id"], kind, pattern); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodDelete)
}
