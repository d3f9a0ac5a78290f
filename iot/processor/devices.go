// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package processor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/relabs-tech/canopy/core/logger"
	"github.com/relabs-tech/canopy/iot"
	"github.com/relabs-tech/canopy/iot/certs"
	"github.com/relabs-tech/canopy/iot/identity"
)

// CreateTenant creates a tenant. A nil config means iot.DefaultAuthConfig.
func (p *Processor) CreateTenant(ctx context.Context, tenantID string, config *iot.AuthConfig) (*iot.Tenant, error) {
	if !identity.ValidName(tenantID) {
		return nil, fmt.Errorf("%w: invalid tenant id '%s'", iot.ErrMalformedRequest, tenantID)
	}
	tenant := iot.Tenant{TenantID: tenantID, AuthConfig: iot.DefaultAuthConfig(), CreatedAt: p.clock.Now()}
	if config != nil {
		tenant.AuthConfig = *config
	}
	if err := p.store.CreateTenant(ctx, tenant); err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Infof("created tenant %s", tenantID)
	return &tenant, nil
}

// DeleteTenant deletes a tenant. The default tenant cannot be deleted. Devices of the
// tenant stay in the store but can no longer authenticate.
func (p *Processor) DeleteTenant(ctx context.Context, tenantID string) error {
	if tenantID == iot.DefaultTenant {
		return fmt.Errorf("%w: the default tenant cannot be deleted", iot.ErrMalformedRequest)
	}
	if err := p.store.DeleteTenant(ctx, tenantID); err != nil {
		return err
	}
	p.telemetry.ForgetTenant(tenantID)
	logger.FromContext(ctx).Infof("deleted tenant %s", tenantID)
	return nil
}

// UpdateAuthConfig replaces the authentication policy of a tenant
func (p *Processor) UpdateAuthConfig(ctx context.Context, tenantID string, config iot.AuthConfig) (*iot.Tenant, error) {
	if err := p.store.UpdateAuthConfig(ctx, tenantID, config); err != nil {
		return nil, err
	}
	return p.store.GetTenant(ctx, tenantID)
}

// CreateDevice registers a device with a tenant
func (p *Processor) CreateDevice(ctx context.Context, key iot.DeviceKey) (*iot.Device, error) {
	if !identity.ValidName(key.DeviceID) {
		return nil, fmt.Errorf("%w: invalid device id '%s'", iot.ErrMalformedRequest, key.DeviceID)
	}
	if _, err := p.store.GetTenant(ctx, key.TenantID); err != nil {
		return nil, err
	}
	device := iot.Device{TenantID: key.TenantID, DeviceID: key.DeviceID, CreatedAt: p.clock.Now()}
	if err := p.store.CreateDevice(ctx, device); err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Infof("created device %s", key)
	return &device, nil
}

// DeleteDevice deletes a device with its credentials and shadows and disconnects it
func (p *Processor) DeleteDevice(ctx context.Context, key iot.DeviceKey) error {
	if err := p.store.DeleteDevice(ctx, key); err != nil {
		return err
	}
	p.shadows.Forget(key)
	p.limiter.Forget(key)
	p.getTransport().ForceDisconnect(key)
	logger.FromContext(ctx).Infof("deleted device %s", key)
	return nil
}

// IssueClientCertificate issues a new client certificate for a registered device and
// remembers it with the device
func (p *Processor) IssueClientCertificate(ctx context.Context, key iot.DeviceKey) (*certs.IssuedCertificate, error) {
	tenant, err := p.store.GetTenant(ctx, key.TenantID)
	if err != nil {
		return nil, err
	}
	if _, err := p.store.GetDevice(ctx, key); err != nil {
		return nil, err
	}
	issued, err := p.authority.IssueClientCertificate(ctx, tenant, key.DeviceID)
	if err != nil {
		return nil, err
	}
	if err := p.store.SetDeviceCertificate(ctx, key, issued.CertificatePEM, issued.Serial); err != nil {
		return nil, err
	}
	return issued, nil
}

// ProvisionDevice creates a device and issues its first client certificate
func (p *Processor) ProvisionDevice(ctx context.Context, key iot.DeviceKey) (*certs.IssuedCertificate, error) {
	if _, err := p.CreateDevice(ctx, key); err != nil {
		return nil, err
	}
	return p.IssueClientCertificate(ctx, key)
}

// Connected marks a device as connected. The broker calls it after a session was admitted.
func (p *Processor) Connected(key iot.DeviceKey) {
	p.connMu.Lock()
	p.connected[key] = p.clock.Now()
	n := len(p.connected)
	p.connMu.Unlock()
	p.metrics.ConnectedDevices.Set(float64(n))
}

// Disconnected marks a device as disconnected
func (p *Processor) Disconnected(key iot.DeviceKey) {
	p.connMu.Lock()
	delete(p.connected, key)
	n := len(p.connected)
	p.connMu.Unlock()
	p.metrics.ConnectedDevices.Set(float64(n))
}

// IsConnected returns true if the device has an open session
func (p *Processor) IsConnected(key iot.DeviceKey) bool {
	p.connMu.RLock()
	defer p.connMu.RUnlock()
	_, ok := p.connected[key]
	return ok
}

// ConnectedDevices returns the sorted ids of the connected devices of a tenant
func (p *Processor) ConnectedDevices(tenantID string) []string {
	p.connMu.RLock()
	ids := []string{}
	for key := range p.connected {
		if key.TenantID == tenantID {
			ids = append(ids, key.DeviceID)
		}
	}
	p.connMu.RUnlock()
	sort.Strings(ids)
	return ids
}

// DeviceInformation returns the combined view of a device: its certificate, whether it
// is connected, its message rates of the past minutes and its last shadow update
func (p *Processor) DeviceInformation(ctx context.Context, key iot.DeviceKey) (*iot.DeviceInformation, error) {
	device, err := p.store.GetDevice(ctx, key)
	if err != nil {
		return nil, err
	}
	info := &iot.DeviceInformation{
		TenantID:        device.TenantID,
		DeviceID:        device.DeviceID,
		Certificate:     device.Certificate,
		Connected:       p.IsConnected(key),
		PastMinuteRates: p.limiter.Histogram(key),
	}
	snapshots, err := p.shadows.List(ctx, key)
	if err != nil {
		return nil, err
	}
	var last time.Time
	for _, s := range snapshots {
		if s.UpdatedAt.After(last) {
			last = s.UpdatedAt
		}
	}
	if !last.IsZero() {
		info.LastShadowUpdate = &last
	}
	return info, nil
}
