// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package store

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/canopy/iot"
)

var t0 = time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)

// runConformance checks the behaviour every Store implementation must share
func runConformance(t *testing.T, s Store) {
	t.Run("tenants", func(t *testing.T) { testTenants(t, s) })
	t.Run("devices", func(t *testing.T) { testDevices(t, s) })
	t.Run("authorities", func(t *testing.T) { testAuthorities(t, s) })
	t.Run("shadows", func(t *testing.T) { testShadows(t, s) })
	t.Run("dataconfigs", func(t *testing.T) { testDataConfigs(t, s) })
	t.Run("samples", func(t *testing.T) { testSamples(t, s) })
}

func testTenants(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, Bootstrap(ctx, s, t0))
	require.NoError(t, Bootstrap(ctx, s, t0))

	def, err := s.GetTenant(ctx, iot.DefaultTenant)
	require.NoError(t, err)
	assert.True(t, def.AuthConfig.AcceptGlobalCA)
	assert.True(t, def.AuthConfig.AllowCertificates)

	require.NoError(t, s.CreateTenant(ctx, iot.Tenant{TenantID: "acme", AuthConfig: iot.DefaultAuthConfig(), CreatedAt: t0}))
	assert.ErrorIs(t, s.CreateTenant(ctx, iot.Tenant{TenantID: "acme", CreatedAt: t0}), iot.ErrTenantExists)

	require.NoError(t, s.UpdateAuthConfig(ctx, "acme", iot.AuthConfig{AllowPasswords: true}))
	acme, err := s.GetTenant(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, acme.AuthConfig.AllowPasswords)
	assert.False(t, acme.AuthConfig.AllowCertificates)

	tenants, err := s.ListTenants(ctx)
	require.NoError(t, err)
	assert.Len(t, tenants, 2)

	assert.ErrorIs(t, s.UpdateAuthConfig(ctx, "nobody", iot.AuthConfig{}), iot.ErrTenantNotFound)
	_, err = s.GetTenant(ctx, "nobody")
	assert.ErrorIs(t, err, iot.ErrTenantNotFound)
}

func testDevices(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateTenant(ctx, iot.Tenant{TenantID: "orphans", CreatedAt: t0}))
	key := iot.DeviceKey{TenantID: "orphans", DeviceID: "d1"}
	require.NoError(t, s.CreateDevice(ctx, iot.Device{TenantID: key.TenantID, DeviceID: key.DeviceID, CreatedAt: t0}))
	assert.ErrorIs(t, s.CreateDevice(ctx, iot.Device{TenantID: key.TenantID, DeviceID: key.DeviceID, CreatedAt: t0}), iot.ErrDeviceExists)

	require.NoError(t, s.PutCredential(ctx, iot.DeviceCredential{TenantID: key.TenantID, DeviceID: key.DeviceID, Username: "u1", PasswordHash: []byte("h1"), CreatedAt: t0}))
	require.NoError(t, s.PutCredential(ctx, iot.DeviceCredential{TenantID: key.TenantID, DeviceID: key.DeviceID, Username: "u1", PasswordHash: []byte("h2"), CreatedAt: t0}))
	require.NoError(t, s.PutCredential(ctx, iot.DeviceCredential{TenantID: key.TenantID, DeviceID: key.DeviceID, Username: "u0", PasswordHash: []byte("h0"), CreatedAt: t0}))
	credentials, err := s.ListCredentials(ctx, key)
	require.NoError(t, err)
	require.Len(t, credentials, 2)
	assert.Equal(t, "u0", credentials[0].Username)
	assert.Equal(t, []byte("h2"), credentials[1].PasswordHash)

	assert.ErrorIs(t, s.PutCredential(ctx, iot.DeviceCredential{TenantID: "orphans", DeviceID: "ghost", Username: "u", PasswordHash: []byte("h"), CreatedAt: t0}), iot.ErrDeviceNotFound)

	require.NoError(t, s.SetDeviceCertificate(ctx, key, "PEM", "42"))
	d, err := s.GetDevice(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "PEM", d.Certificate)
	assert.Equal(t, "42", d.CertificateSerial)

	// deleting the tenant leaves the device in place
	require.NoError(t, s.DeleteTenant(ctx, "orphans"))
	_, err = s.GetDevice(ctx, key)
	assert.NoError(t, err)
	devices, err := s.ListDevices(ctx, "orphans")
	require.NoError(t, err)
	assert.Len(t, devices, 1)

	require.NoError(t, s.DeleteDevice(ctx, key))
	_, err = s.GetDevice(ctx, key)
	assert.ErrorIs(t, err, iot.ErrDeviceNotFound)
	credentials, err = s.ListCredentials(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, credentials)
	assert.ErrorIs(t, s.DeleteDevice(ctx, key), iot.ErrDeviceNotFound)
}

func testAuthorities(t *testing.T, s Store) {
	ctx := context.Background()
	scope := iot.TenantCA("ca-tenant")
	_, err := s.GetCA(ctx, scope, iot.CASlotActive)
	assert.ErrorIs(t, err, iot.ErrNoCertificateAuthority)

	previous, err := s.SwapCA(ctx, iot.CARecord{Scope: scope, CertificatePEM: "c1", KeyPEM: "k1", CreatedAt: t0})
	require.NoError(t, err)
	assert.Nil(t, previous)

	previous, err = s.SwapCA(ctx, iot.CARecord{Scope: scope, CertificatePEM: "c2", KeyPEM: "k2", CreatedAt: t0})
	require.NoError(t, err)
	require.NotNil(t, previous)
	assert.Equal(t, "c1", previous.CertificatePEM)

	active, err := s.GetCA(ctx, scope, iot.CASlotActive)
	require.NoError(t, err)
	assert.Equal(t, "c2", active.CertificatePEM)
	assert.Equal(t, "k2", active.KeyPEM)
	backup, err := s.GetCA(ctx, scope, iot.CASlotBackup)
	require.NoError(t, err)
	assert.Equal(t, "c1", backup.CertificatePEM)

	require.NoError(t, s.RestoreCA(ctx, scope))
	active, err = s.GetCA(ctx, scope, iot.CASlotActive)
	require.NoError(t, err)
	assert.Equal(t, "c1", active.CertificatePEM)
	backup, err = s.GetCA(ctx, scope, iot.CASlotBackup)
	require.NoError(t, err)
	assert.Equal(t, "c2", backup.CertificatePEM)

	require.NoError(t, s.PurgeCABackup(ctx, scope))
	_, err = s.GetCA(ctx, scope, iot.CASlotBackup)
	assert.ErrorIs(t, err, iot.ErrNoCertificateAuthority)
	assert.ErrorIs(t, s.RestoreCA(ctx, scope), iot.ErrNoCertificateAuthority)
}

func testShadows(t *testing.T, s Store) {
	ctx := context.Background()
	key := iot.DeviceKey{TenantID: iot.DefaultTenant, DeviceID: "shadowed"}
	require.NoError(t, s.CreateDevice(ctx, iot.Device{TenantID: key.TenantID, DeviceID: key.DeviceID, CreatedAt: t0}))

	record := func(version int64, reported string) iot.ShadowRecord {
		return iot.ShadowRecord{
			TenantID: key.TenantID, DeviceID: key.DeviceID, ShadowName: iot.DefaultShadow,
			Reported: json.RawMessage(reported), Desired: json.RawMessage(`{}`), Metadata: json.RawMessage(`{}`),
			Version: version, UpdatedAt: t0,
		}
	}
	require.NoError(t, s.UpsertShadows(ctx, []iot.ShadowRecord{record(2, `{"a":2}`)}))
	// an older version never overwrites a newer one
	require.NoError(t, s.UpsertShadows(ctx, []iot.ShadowRecord{record(1, `{"a":1}`)}))

	r, err := s.GetShadow(ctx, key, iot.DefaultShadow)
	require.NoError(t, err)
	assert.Equal(t, int64(2), r.Version)
	assert.JSONEq(t, `{"a":2}`, string(r.Reported))

	require.NoError(t, s.UpsertShadows(ctx, []iot.ShadowRecord{record(3, `{"a":3}`)}))
	list, err := s.ListShadows(ctx, key)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(3), list[0].Version)

	_, err = s.GetShadow(ctx, key, "other")
	assert.ErrorIs(t, err, iot.ErrNotFound)

	require.NoError(t, s.DeleteDevice(ctx, key))
	_, err = s.GetShadow(ctx, key, iot.DefaultShadow)
	assert.ErrorIs(t, err, iot.ErrNotFound)

	// a queued write of a deleted device does not bring its shadow back
	require.NoError(t, s.UpsertShadows(ctx, []iot.ShadowRecord{record(4, `{"a":4}`)}))
	_, err = s.GetShadow(ctx, key, iot.DefaultShadow)
	assert.ErrorIs(t, err, iot.ErrNotFound)
}

func testDataConfigs(t *testing.T, s Store) {
	ctx := context.Background()
	rules := []iot.MetricRule{{Name: "temp", JSONPointer: "/t", DataType: iot.Float}}
	require.NoError(t, s.PutDataConfig(ctx, iot.DataConfig{TenantID: "dc", Match: iot.MatchPrefix, Pattern: "", Metrics: rules, UpdatedAt: t0}))
	require.NoError(t, s.PutDataConfig(ctx, iot.DataConfig{TenantID: "dc", Match: iot.MatchPrefix, Pattern: "sensor-", Metrics: rules, UpdatedAt: t0}))
	require.NoError(t, s.PutDataConfig(ctx, iot.DataConfig{TenantID: "dc", Match: iot.MatchExact, Pattern: "sensor-1", Metrics: rules, UpdatedAt: t0}))

	c, err := s.GetDataConfig(ctx, "dc", iot.MatchPrefix, "sensor-")
	require.NoError(t, err)
	assert.Equal(t, rules, c.Metrics)

	list, err := s.ListDataConfigs(ctx, "dc")
	require.NoError(t, err)
	assert.Len(t, list, 3)

	require.NoError(t, s.DeleteDataConfig(ctx, "dc", iot.MatchExact, "sensor-1"))
	assert.ErrorIs(t, s.DeleteDataConfig(ctx, "dc", iot.MatchExact, "sensor-1"), iot.ErrNotFound)
	_, err = s.GetDataConfig(ctx, "dc", iot.MatchExact, "sensor-1")
	assert.ErrorIs(t, err, iot.ErrNotFound)
}

func testSamples(t *testing.T, s Store) {
	ctx := context.Background()
	key := iot.DeviceKey{TenantID: "ts", DeviceID: "d"}
	var samples []iot.MetricSample
	for i := 0; i < 5; i++ {
		samples = append(samples, iot.MetricSample{
			TenantID: key.TenantID, DeviceID: key.DeviceID, Metric: "temp",
			Timestamp: t0.Add(time.Duration(i) * time.Second), Value: iot.IntValue(int64(i)),
		})
	}
	// out of order arrival must not matter
	require.NoError(t, s.AppendSamples(ctx, samples[3:]))
	require.NoError(t, s.AppendSamples(ctx, samples[:3]))
	require.NoError(t, s.AppendSamples(ctx, []iot.MetricSample{{
		TenantID: key.TenantID, DeviceID: key.DeviceID, Metric: "where",
		Timestamp: t0, Value: iot.LocationValue(1.5, 2.5),
	}}))

	last, err := s.LastSamples(ctx, key, "temp", 3)
	require.NoError(t, err)
	require.Len(t, last, 3)
	for i, sample := range last {
		assert.Equal(t, int64(i+2), *sample.Value.Int)
		assert.True(t, sample.Timestamp.Equal(t0.Add(time.Duration(i+2)*time.Second)))
	}

	all, err := s.LastSamples(ctx, key, "temp", 100)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	ranged, err := s.RangeSamples(ctx, key, "temp", t0.Add(time.Second), t0.Add(3*time.Second))
	require.NoError(t, err)
	require.Len(t, ranged, 2)
	assert.Equal(t, int64(1), *ranged[0].Value.Int)

	where, err := s.LastSamples(ctx, key, "where", 1)
	require.NoError(t, err)
	require.Len(t, where, 1)
	assert.Equal(t, &iot.LatLong{Lat: 1.5, Long: 2.5}, where[0].Value.Location)
}
