// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package iot

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized is what every failed authentication looks like from the outside
	ErrUnauthorized = errors.New("not authorized")
	// ErrTenantNotFound is returned when a tenant does not exist
	ErrTenantNotFound = errors.New("tenant not found")
	// ErrTenantExists is returned when creating a tenant twice
	ErrTenantExists = errors.New("tenant already exists")
	// ErrDeviceNotFound is returned when a device does not exist
	ErrDeviceNotFound = errors.New("device not found")
	// ErrDeviceExists is returned when creating a device twice
	ErrDeviceExists = errors.New("device already exists")
	// ErrNotFound is returned for other missing objects, like data configs
	ErrNotFound = errors.New("not found")
	// ErrMalformedPatch is returned for shadow updates which are not a JSON object tree
	ErrMalformedPatch = errors.New("malformed shadow update")
	// ErrMalformedRequest is returned for other invalid input
	ErrMalformedRequest = errors.New("malformed request")
	// ErrStorageUnavailable is returned when a write cannot be accepted right now. It is retryable.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrRateLimitExceeded is returned when a device exceeds its message rate
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	// ErrNoCertificateAuthority is returned when no usable CA exists for a scope
	ErrNoCertificateAuthority = errors.New("no certificate authority")
	// ErrInvalidCertificateAuthority is returned when uploaded CA material is unusable
	ErrInvalidCertificateAuthority = errors.New("invalid certificate authority")
	// ErrGlobalCANotAccepted is returned when a tenant without CA of its own has not set
	// auth_config.accept_global_ca. It matches ErrNoCertificateAuthority.
	ErrGlobalCANotAccepted = fmt.Errorf("%w: tenant has no CA of its own and does not accept the global CA", ErrNoCertificateAuthority)
)

// RejectReason says internally why an authentication was rejected. It is logged, but
// never exposed to the device.
type RejectReason string

const (
	// RejectCredential means the password or certificate did not verify
	RejectCredential RejectReason = "unauthorized-credential"
	// RejectMethod means the tenant does not allow the authentication method
	RejectMethod RejectReason = "unauthorized-method"
	// RejectUnknownTenant means the claimed tenant does not exist
	RejectUnknownTenant RejectReason = "unknown-tenant"
	// RejectTimeout means the authentication did not finish within its time budget
	RejectTimeout RejectReason = "timeout"
	// RejectInternal means the authentication could not be carried out
	RejectInternal RejectReason = "internal"
)

// AuthRejected is the error of a failed authentication. It matches ErrUnauthorized
// with errors.Is, and its message never reveals the reason.
type AuthRejected struct {
	Reason RejectReason
	Cause  error
}

func (e *AuthRejected) Error() string {
	return ErrUnauthorized.Error()
}

// Is makes errors.Is(err, ErrUnauthorized) work
func (e *AuthRejected) Is(target error) bool {
	return target == ErrUnauthorized
}

// Unwrap returns the internal cause, if any
func (e *AuthRejected) Unwrap() error {
	return e.Cause
}

// Detail returns the reason and cause for logging
func (e *AuthRejected) Detail() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Cause)
	}
	return string(e.Reason)
}

// Reject returns an AuthRejected error
func Reject(reason RejectReason, cause error) error {
	return &AuthRejected{Reason: reason, Cause: cause}
}

// ExtractionFailure describes one metric rule which could not be applied to a payload
type ExtractionFailure struct {
	Metric string
	Reason string
}

func (e ExtractionFailure) Error() string {
	return fmt.Sprintf("metric %s: %s", e.Metric, e.Reason)
}
