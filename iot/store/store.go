// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package store persists tenants, devices, certificate authorities, shadows,
data configurations and metric samples.

There are two implementations: Postgres for production and Memory for tests and
single-process deployments without a database. Both behave identically; the
conformance tests in this package run against both.
*/
package store

import (
	"context"
	"errors"
	"time"

	"github.com/relabs-tech/canopy/core/logger"
	"github.com/relabs-tech/canopy/iot"
)

// Tenants stores tenants
type Tenants interface {
	// CreateTenant fails with iot.ErrTenantExists if the tenant exists
	CreateTenant(ctx context.Context, tenant iot.Tenant) error
	// GetTenant fails with iot.ErrTenantNotFound if the tenant does not exist
	GetTenant(ctx context.Context, tenantID string) (*iot.Tenant, error)
	ListTenants(ctx context.Context) ([]iot.Tenant, error)
	UpdateAuthConfig(ctx context.Context, tenantID string, config iot.AuthConfig) error
	// DeleteTenant deletes the tenant only. Its devices stay, but can no longer authenticate.
	DeleteTenant(ctx context.Context, tenantID string) error
}

// Devices stores devices and their password credentials
type Devices interface {
	// CreateDevice fails with iot.ErrDeviceExists if the device exists
	CreateDevice(ctx context.Context, device iot.Device) error
	// GetDevice fails with iot.ErrDeviceNotFound if the device does not exist
	GetDevice(ctx context.Context, key iot.DeviceKey) (*iot.Device, error)
	ListDevices(ctx context.Context, tenantID string) ([]iot.Device, error)
	// DeleteDevice deletes the device together with its credentials and shadows
	DeleteDevice(ctx context.Context, key iot.DeviceKey) error
	SetDeviceCertificate(ctx context.Context, key iot.DeviceKey, certificatePEM, serial string) error
	// PutCredential creates or replaces the credential with the same username
	PutCredential(ctx context.Context, credential iot.DeviceCredential) error
	ListCredentials(ctx context.Context, key iot.DeviceKey) ([]iot.DeviceCredential, error)
}

// Authorities stores certificate authorities
type Authorities interface {
	// GetCA fails with iot.ErrNoCertificateAuthority if the slot is empty
	GetCA(ctx context.Context, scope iot.CAScope, slot iot.CASlot) (*iot.CARecord, error)
	// SwapCA makes record the active CA of its scope in one transaction. The previously
	// active CA moves to the backup slot, replacing what was there; it is returned.
	SwapCA(ctx context.Context, record iot.CARecord) (previous *iot.CARecord, err error)
	// RestoreCA exchanges the active and the backup CA of a scope
	RestoreCA(ctx context.Context, scope iot.CAScope) error
	// PurgeCABackup empties the backup slot of a scope
	PurgeCABackup(ctx context.Context, scope iot.CAScope) error
}

// Shadows stores shadow documents
type Shadows interface {
	// GetShadow fails with iot.ErrNotFound if there is no such shadow
	GetShadow(ctx context.Context, key iot.DeviceKey, shadowName string) (*iot.ShadowRecord, error)
	ListShadows(ctx context.Context, key iot.DeviceKey) ([]iot.ShadowRecord, error)
	// UpsertShadows writes the records. A record never replaces a stored record with
	// the same or a higher version. Records of devices which do not exist are skipped.
	UpsertShadows(ctx context.Context, records []iot.ShadowRecord) error
}

// DataConfigs stores data configurations
type DataConfigs interface {
	PutDataConfig(ctx context.Context, config iot.DataConfig) error
	// GetDataConfig fails with iot.ErrNotFound if there is no such configuration
	GetDataConfig(ctx context.Context, tenantID string, match iot.MatchKind, pattern string) (*iot.DataConfig, error)
	DeleteDataConfig(ctx context.Context, tenantID string, match iot.MatchKind, pattern string) error
	ListDataConfigs(ctx context.Context, tenantID string) ([]iot.DataConfig, error)
}

// Samples stores metric samples. It is append-only.
type Samples interface {
	AppendSamples(ctx context.Context, samples []iot.MetricSample) error
	// LastSamples returns up to limit of the latest samples, oldest first
	LastSamples(ctx context.Context, key iot.DeviceKey, metric string, limit int) ([]iot.MetricSample, error)
	// RangeSamples returns the samples with from <= timestamp < to, oldest first
	RangeSamples(ctx context.Context, key iot.DeviceKey, metric string, from, to time.Time) ([]iot.MetricSample, error)
}

// Store is the complete storage collaborator
type Store interface {
	Tenants
	Devices
	Authorities
	Shadows
	DataConfigs
	Samples
	Close() error
}

// Bootstrap makes sure the default tenant exists. The default tenant accepts
// the global CA.
func Bootstrap(ctx context.Context, s Store, now time.Time) error {
	_, err := s.GetTenant(ctx, iot.DefaultTenant)
	if err == nil {
		return nil
	}
	if !errors.Is(err, iot.ErrTenantNotFound) {
		return err
	}
	logger.FromContext(ctx).Infoln("creating default tenant")
	config := iot.DefaultAuthConfig()
	config.AcceptGlobalCA = true
	err = s.CreateTenant(ctx, iot.Tenant{TenantID: iot.DefaultTenant, AuthConfig: config, CreatedAt: now})
	if errors.Is(err, iot.ErrTenantExists) {
		return nil
	}
	return err
}
