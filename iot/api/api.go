// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package api is the HTTP interface of the IoT backbone.

Operators manage tenants, devices, credentials, certificate authorities and
data configurations. Devices which cannot speak MQTT use the same shadow and
telemetry paths over HTTP, with a device token obtained from /auth/token. Device
posts go through the rate limiter exactly like MQTT messages.

Request bodies are validated against the JSON schemas in schemas/.
*/
package api

import (
	"embed"
	"errors"
	"io"
	"io/fs"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/canopy/core/access"
	"github.com/relabs-tech/canopy/core/logger"
	"github.com/relabs-tech/canopy/core/schema"
	"github.com/relabs-tech/canopy/iot"
	"github.com/relabs-tech/canopy/iot/processor"
)

//go:embed schemas
var schemaFS embed.FS

// Schema IDs of request bodies
const (
	schemaTenant       = "http://canopy/tenant.json"
	schemaAuthConfig   = "http://canopy/auth_config.json"
	schemaPassword     = "http://canopy/password.json"
	schemaTokenRequest = "http://canopy/token_request.json"
	schemaDataConfig   = "http://canopy/data_config.json"
	schemaCAUpload     = "http://canopy/ca_upload.json"
	schemaRateOverride = "http://canopy/rate_override.json"
)

// maxBodySize limits request bodies
const maxBodySize = 1 << 20

// retryAfterSeconds is the Retry-After hint for http.StatusServiceUnavailable
const retryAfterSeconds = "1"

// Service is a REST interface for the IoT backbone
type Service struct {
	processor   *processor.Processor
	access      *access.Access
	validator   *schema.Validator
	cors        bool
	compression bool
}

// Builder is a builder helper for the Service
type Builder struct {
	// Processor is the IoT processor. This is mandatory.
	Processor *processor.Processor
	// Access verifies bearer tokens. This is mandatory.
	Access *access.Access
	// DisableCORS turns off answering CORS preflight requests
	DisableCORS bool
	// DisableCompression turns off gzip responses
	DisableCompression bool
}

// New returns a new API service
func New(b *Builder) *Service {
	if b.Processor == nil {
		panic("processor is missing")
	}
	if b.Access == nil {
		panic("access is missing")
	}
	sub, err := fs.Sub(schemaFS, "schemas")
	if err != nil {
		panic(err)
	}
	validator, err := schema.NewValidatorFromFS(sub)
	if err != nil {
		panic(err)
	}
	return &Service{
		processor:   b.Processor,
		access:      b.Access,
		validator:   validator,
		cors:        !b.DisableCORS,
		compression: !b.DisableCompression,
	}
}

// Router returns a new router with all routes and middlewares of the service
func (s *Service) Router() *mux.Router {
	router := mux.NewRouter()
	logger.AddRequestID(router)
	router.Use(s.processor.Metrics().Middleware)
	router.Use(s.access.Middleware())
	s.HandleRoutes(router)
	return router
}

// Handler returns the router wrapped with recovery, compression and CORS
func (s *Service) Handler() http.Handler {
	var h http.Handler = s.Router()
	if s.compression {
		h = handlers.CompressHandler(h)
	}
	if s.cors {
		h = handlers.CORS(
			handlers.AllowedOrigins([]string{"*"}),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete}),
			handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
			handlers.ExposedHeaders([]string{logger.RequestIDHeader}),
		)(h)
	}
	return handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(h)
}

// HandleRoutes adds all routes of the service to the router. Routes with a fixed first
// segment are added before the tenant scoped ones.
func (s *Service) HandleRoutes(router *mux.Router) {
	s.handleSystemRoutes(router)
	s.handleCertificateRoutes(router)
	s.handleTenantRoutes(router)
	s.handleDeviceRoutes(router)
	s.handleThingRoutes(router)
	s.handleDataRoutes(router)
	access.HandleAuthorizationRoute(router)
}

func jsonResponse(w http.ResponseWriter, status int, body interface{}) {
	jsonData, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(jsonData)
}

// readBody reads the request body and validates it against schemaID
func (s *Service) readBody(r *http.Request, schemaID string) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return nil, err
	}
	if schemaID != "" {
		if err := s.validator.ValidateBytes(body, schemaID); err != nil {
			return nil, &badRequest{err}
		}
	}
	return body, nil
}

// decodeBody reads the request body, validates it and decodes it into v
func (s *Service) decodeBody(r *http.Request, schemaID string, v interface{}) error {
	body, err := s.readBody(r, schemaID)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &badRequest{err}
	}
	return nil
}

type badRequest struct {
	err error
}

func (e *badRequest) Error() string {
	return e.err.Error()
}

func (e *badRequest) Unwrap() error {
	return e.err
}

// writeError maps errors to HTTP status codes
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	rlog := logger.FromContext(r.Context())
	var br *badRequest
	switch {
	case errors.As(err, &br):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, iot.ErrUnauthorized):
		// never say why
		http.Error(w, iot.ErrUnauthorized.Error(), http.StatusUnauthorized)
	case errors.Is(err, iot.ErrRateLimitExceeded):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	case errors.Is(err, iot.ErrStorageUnavailable):
		rlog.WithError(err).Warnln("storage unavailable")
		w.Header().Set("Retry-After", retryAfterSeconds)
		http.Error(w, iot.ErrStorageUnavailable.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, iot.ErrGlobalCANotAccepted):
		http.Error(w, err.Error()+", set auth_config.accept_global_ca or create a tenant CA", http.StatusConflict)
	case errors.Is(err, iot.ErrTenantNotFound),
		errors.Is(err, iot.ErrDeviceNotFound),
		errors.Is(err, iot.ErrNotFound),
		errors.Is(err, iot.ErrNoCertificateAuthority):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, iot.ErrTenantExists),
		errors.Is(err, iot.ErrDeviceExists):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, iot.ErrMalformedPatch),
		errors.Is(err, iot.ErrMalformedRequest),
		errors.Is(err, iot.ErrInvalidCertificateAuthority):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		rlog.WithError(err).Errorln("request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// requireAdmin writes http.StatusUnauthorized and returns false if the request may not
// use admin routes
func (s *Service) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if s.access.IsAdmin(r) {
		return true
	}
	http.Error(w, iot.ErrUnauthorized.Error(), http.StatusUnauthorized)
	return false
}

// requireDevice writes http.StatusUnauthorized and returns false if the request may not
// act on behalf of the device
func (s *Service) requireDevice(w http.ResponseWriter, r *http.Request, device iot.DeviceKey) bool {
	if s.access.MayActAs(r, device.TenantID, device.DeviceID) {
		return true
	}
	http.Error(w, iot.ErrUnauthorized.Error(), http.StatusUnauthorized)
	return false
}

// isDeviceRequest returns true if the request was sent by a device rather than an operator
func isDeviceRequest(r *http.Request) bool {
	return access.AuthorizationFromContext(r.Context()).HasRole(access.RoleDevice)
}

func deviceKey(r *http.Request) iot.DeviceKey {
	params := mux.Vars(r)
	return iot.DeviceKey{TenantID: params["tenant_id"], DeviceID: params["device_id"]}
}
