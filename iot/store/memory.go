// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/relabs-tech/canopy/iot"
)

type shadowKey struct {
	device iot.DeviceKey
	name   string
}

type caKey struct {
	scope iot.CAScope
	slot  iot.CASlot
}

type dataConfigKey struct {
	tenantID string
	match    iot.MatchKind
	pattern  string
}

type seriesKey struct {
	device iot.DeviceKey
	metric string
}

// Memory is a Store which keeps everything in maps
type Memory struct {
	mu          sync.RWMutex
	tenants     map[string]iot.Tenant
	devices     map[iot.DeviceKey]iot.Device
	credentials map[iot.DeviceKey]map[string]iot.DeviceCredential
	authorities map[caKey]iot.CARecord
	shadows     map[shadowKey]iot.ShadowRecord
	dataConfigs map[dataConfigKey]iot.DataConfig

	samplesMu sync.RWMutex
	samples   map[seriesKey][]iot.MetricSample
}

// NewMemory returns an empty memory store
func NewMemory() *Memory {
	return &Memory{
		tenants:     map[string]iot.Tenant{},
		devices:     map[iot.DeviceKey]iot.Device{},
		credentials: map[iot.DeviceKey]map[string]iot.DeviceCredential{},
		authorities: map[caKey]iot.CARecord{},
		shadows:     map[shadowKey]iot.ShadowRecord{},
		dataConfigs: map[dataConfigKey]iot.DataConfig{},
		samples:     map[seriesKey][]iot.MetricSample{},
	}
}

// Close implements Store
func (m *Memory) Close() error { return nil }

// CreateTenant implements Tenants
func (m *Memory) CreateTenant(_ context.Context, tenant iot.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tenants[tenant.TenantID]; ok {
		return iot.ErrTenantExists
	}
	m.tenants[tenant.TenantID] = tenant
	return nil
}

// GetTenant implements Tenants
func (m *Memory) GetTenant(_ context.Context, tenantID string) (*iot.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[tenantID]
	if !ok {
		return nil, iot.ErrTenantNotFound
	}
	return &t, nil
}

// ListTenants implements Tenants
func (m *Memory) ListTenants(_ context.Context) ([]iot.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tenants := make([]iot.Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		tenants = append(tenants, t)
	}
	sort.Slice(tenants, func(i, j int) bool { return tenants[i].TenantID < tenants[j].TenantID })
	return tenants, nil
}

// UpdateAuthConfig implements Tenants
func (m *Memory) UpdateAuthConfig(_ context.Context, tenantID string, config iot.AuthConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[tenantID]
	if !ok {
		return iot.ErrTenantNotFound
	}
	t.AuthConfig = config
	m.tenants[tenantID] = t
	return nil
}

// DeleteTenant implements Tenants
func (m *Memory) DeleteTenant(_ context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tenants[tenantID]; !ok {
		return iot.ErrTenantNotFound
	}
	delete(m.tenants, tenantID)
	return nil
}

// CreateDevice implements Devices
func (m *Memory) CreateDevice(_ context.Context, device iot.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[device.Key()]; ok {
		return iot.ErrDeviceExists
	}
	m.devices[device.Key()] = device
	return nil
}

// GetDevice implements Devices
func (m *Memory) GetDevice(_ context.Context, key iot.DeviceKey) (*iot.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[key]
	if !ok {
		return nil, iot.ErrDeviceNotFound
	}
	return &d, nil
}

// ListDevices implements Devices
func (m *Memory) ListDevices(_ context.Context, tenantID string) ([]iot.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	devices := []iot.Device{}
	for k, d := range m.devices {
		if k.TenantID == tenantID {
			devices = append(devices, d)
		}
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].DeviceID < devices[j].DeviceID })
	return devices, nil
}

// DeleteDevice implements Devices
func (m *Memory) DeleteDevice(_ context.Context, key iot.DeviceKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[key]; !ok {
		return iot.ErrDeviceNotFound
	}
	delete(m.devices, key)
	delete(m.credentials, key)
	for k := range m.shadows {
		if k.device == key {
			delete(m.shadows, k)
		}
	}
	return nil
}

// SetDeviceCertificate implements Devices
func (m *Memory) SetDeviceCertificate(_ context.Context, key iot.DeviceKey, certificatePEM, serial string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[key]
	if !ok {
		return iot.ErrDeviceNotFound
	}
	d.Certificate = certificatePEM
	d.CertificateSerial = serial
	m.devices[key] = d
	return nil
}

// PutCredential implements Devices
func (m *Memory) PutCredential(_ context.Context, credential iot.DeviceCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := iot.DeviceKey{TenantID: credential.TenantID, DeviceID: credential.DeviceID}
	if _, ok := m.devices[key]; !ok {
		return iot.ErrDeviceNotFound
	}
	if m.credentials[key] == nil {
		m.credentials[key] = map[string]iot.DeviceCredential{}
	}
	m.credentials[key][credential.Username] = credential
	return nil
}

// ListCredentials implements Devices
func (m *Memory) ListCredentials(_ context.Context, key iot.DeviceKey) ([]iot.DeviceCredential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	credentials := []iot.DeviceCredential{}
	for _, c := range m.credentials[key] {
		credentials = append(credentials, c)
	}
	sort.Slice(credentials, func(i, j int) bool { return credentials[i].Username < credentials[j].Username })
	return credentials, nil
}

// GetCA implements Authorities
func (m *Memory) GetCA(_ context.Context, scope iot.CAScope, slot iot.CASlot) (*iot.CARecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.authorities[caKey{scope, slot}]
	if !ok {
		return nil, iot.ErrNoCertificateAuthority
	}
	return &r, nil
}

// SwapCA implements Authorities
func (m *Memory) SwapCA(_ context.Context, record iot.CARecord) (*iot.CARecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := caKey{record.Scope, iot.CASlotActive}
	backup := caKey{record.Scope, iot.CASlotBackup}
	var previous *iot.CARecord
	if p, ok := m.authorities[active]; ok {
		p.Slot = iot.CASlotBackup
		m.authorities[backup] = p
		previous = &p
	}
	record.Slot = iot.CASlotActive
	m.authorities[active] = record
	return previous, nil
}

// RestoreCA implements Authorities
func (m *Memory) RestoreCA(_ context.Context, scope iot.CAScope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := caKey{scope, iot.CASlotActive}
	backup := caKey{scope, iot.CASlotBackup}
	b, ok := m.authorities[backup]
	if !ok {
		return iot.ErrNoCertificateAuthority
	}
	a, hasActive := m.authorities[active]
	b.Slot = iot.CASlotActive
	m.authorities[active] = b
	if hasActive {
		a.Slot = iot.CASlotBackup
		m.authorities[backup] = a
	} else {
		delete(m.authorities, backup)
	}
	return nil
}

// PurgeCABackup implements Authorities
func (m *Memory) PurgeCABackup(_ context.Context, scope iot.CAScope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.authorities, caKey{scope, iot.CASlotBackup})
	return nil
}

// GetShadow implements Shadows
func (m *Memory) GetShadow(_ context.Context, key iot.DeviceKey, shadowName string) (*iot.ShadowRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.shadows[shadowKey{key, shadowName}]
	if !ok {
		return nil, iot.ErrNotFound
	}
	return &r, nil
}

// ListShadows implements Shadows
func (m *Memory) ListShadows(_ context.Context, key iot.DeviceKey) ([]iot.ShadowRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := []iot.ShadowRecord{}
	for k, r := range m.shadows {
		if k.device == key {
			records = append(records, r)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ShadowName < records[j].ShadowName })
	return records, nil
}

// UpsertShadows implements Shadows. Records of devices which were deleted in the meantime
// are skipped.
func (m *Memory) UpsertShadows(_ context.Context, records []iot.ShadowRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		device := iot.DeviceKey{TenantID: r.TenantID, DeviceID: r.DeviceID}
		if _, ok := m.devices[device]; !ok {
			// deleted while the record was queued
			continue
		}
		k := shadowKey{device, r.ShadowName}
		if existing, ok := m.shadows[k]; ok && existing.Version >= r.Version {
			continue
		}
		m.shadows[k] = r
	}
	return nil
}

// PutDataConfig implements DataConfigs
func (m *Memory) PutDataConfig(_ context.Context, config iot.DataConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	config.Metrics = append([]iot.MetricRule(nil), config.Metrics...)
	m.dataConfigs[dataConfigKey{config.TenantID, config.Match, config.Pattern}] = config
	return nil
}

// GetDataConfig implements DataConfigs
func (m *Memory) GetDataConfig(_ context.Context, tenantID string, match iot.MatchKind, pattern string) (*iot.DataConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.dataConfigs[dataConfigKey{tenantID, match, pattern}]
	if !ok {
		return nil, iot.ErrNotFound
	}
	return &c, nil
}

// DeleteDataConfig implements DataConfigs
func (m *Memory) DeleteDataConfig(_ context.Context, tenantID string, match iot.MatchKind, pattern string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := dataConfigKey{tenantID, match, pattern}
	if _, ok := m.dataConfigs[k]; !ok {
		return iot.ErrNotFound
	}
	delete(m.dataConfigs, k)
	return nil
}

// ListDataConfigs implements DataConfigs
func (m *Memory) ListDataConfigs(_ context.Context, tenantID string) ([]iot.DataConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	configs := []iot.DataConfig{}
	for k, c := range m.dataConfigs {
		if k.tenantID == tenantID {
			configs = append(configs, c)
		}
	}
	sort.Slice(configs, func(i, j int) bool {
		if configs[i].Match != configs[j].Match {
			return configs[i].Match < configs[j].Match
		}
		return configs[i].Pattern < configs[j].Pattern
	})
	return configs, nil
}

// AppendSamples implements Samples. Each series is kept sorted by timestamp; samples
// with equal timestamps keep their arrival order.
func (m *Memory) AppendSamples(_ context.Context, samples []iot.MetricSample) error {
	m.samplesMu.Lock()
	defer m.samplesMu.Unlock()
	for _, s := range samples {
		k := seriesKey{iot.DeviceKey{TenantID: s.TenantID, DeviceID: s.DeviceID}, s.Metric}
		series := m.samples[k]
		i := sort.Search(len(series), func(i int) bool { return series[i].Timestamp.After(s.Timestamp) })
		series = append(series, iot.MetricSample{})
		copy(series[i+1:], series[i:])
		series[i] = s
		m.samples[k] = series
	}
	return nil
}

// LastSamples implements Samples
func (m *Memory) LastSamples(_ context.Context, key iot.DeviceKey, metric string, limit int) ([]iot.MetricSample, error) {
	m.samplesMu.RLock()
	defer m.samplesMu.RUnlock()
	series := m.samples[seriesKey{key, metric}]
	if limit <= 0 {
		return []iot.MetricSample{}, nil
	}
	if len(series) > limit {
		series = series[len(series)-limit:]
	}
	return append([]iot.MetricSample{}, series...), nil
}

// RangeSamples implements Samples
func (m *Memory) RangeSamples(_ context.Context, key iot.DeviceKey, metric string, from, to time.Time) ([]iot.MetricSample, error) {
	m.samplesMu.RLock()
	defer m.samplesMu.RUnlock()
	result := []iot.MetricSample{}
	for _, s := range m.samples[seriesKey{key, metric}] {
		if !s.Timestamp.Before(from) && s.Timestamp.Before(to) {
			result = append(result, s)
		}
	}
	return result, nil
}
