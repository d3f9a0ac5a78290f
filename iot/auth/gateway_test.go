// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package auth

import (
	"context"
	"crypto/x509"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/relabs-tech/canopy/core/clock"
	"github.com/relabs-tech/canopy/iot"
	"github.com/relabs-tech/canopy/iot/certs"
	"github.com/relabs-tech/canopy/iot/store"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store     *store.Memory
	authority *certs.Authority
	gateway   *Gateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemory()
	require.NoError(t, store.Bootstrap(ctx, s, epoch))
	a := certs.New(&certs.Builder{Store: s, Clock: clock.Fake(epoch)})
	require.NoError(t, a.EnsureGlobalCA(ctx))
	g := New(&Builder{Store: s, Authority: a, BcryptCost: bcrypt.MinCost})
	return &fixture{store: s, authority: a, gateway: g}
}

func (f *fixture) tenant(t *testing.T, id string, config iot.AuthConfig) {
	require.NoError(t, f.store.CreateTenant(context.Background(), iot.Tenant{TenantID: id, AuthConfig: config, CreatedAt: epoch}))
}

func (f *fixture) device(t *testing.T, key iot.DeviceKey) {
	require.NoError(t, f.store.CreateDevice(context.Background(), iot.Device{TenantID: key.TenantID, DeviceID: key.DeviceID, CreatedAt: epoch}))
}

func assertRejected(t *testing.T, err error, reason iot.RejectReason) {
	t.Helper()
	require.Error(t, err)
	assert.ErrorIs(t, err, iot.ErrUnauthorized)
	assert.Equal(t, "not authorized", err.Error())
	var rejected *iot.AuthRejected
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, reason, rejected.Reason)
}

func TestPasswordAuthentication(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.tenant(t, "acme", iot.AuthConfig{AllowPasswords: true})
	key := iot.DeviceKey{TenantID: "acme", DeviceID: "d1"}
	f.device(t, key)
	_, err := f.gateway.SetPassword(ctx, key, "user", "secret", epoch)
	require.NoError(t, err)

	got, err := f.gateway.Authenticate(ctx, key, PasswordCredential("user", "secret"))
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, err = f.gateway.Authenticate(ctx, key, PasswordCredential("user", "wrong"))
	assertRejected(t, err, iot.RejectCredential)

	_, err = f.gateway.Authenticate(ctx, key, PasswordCredential("nobody", "secret"))
	assertRejected(t, err, iot.RejectCredential)

	_, err = f.gateway.Authenticate(ctx, iot.DeviceKey{TenantID: "acme", DeviceID: "d2"}, PasswordCredential("user", "secret"))
	assertRejected(t, err, iot.RejectCredential)

	_, err = f.gateway.Authenticate(ctx, iot.DeviceKey{TenantID: "nope", DeviceID: "d1"}, PasswordCredential("user", "secret"))
	assertRejected(t, err, iot.RejectUnknownTenant)
}

func TestPasswordsNotAllowed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.tenant(t, "acme", iot.AuthConfig{AllowPasswords: true})
	key := iot.DeviceKey{TenantID: "acme", DeviceID: "d1"}
	f.device(t, key)
	_, err := f.gateway.SetPassword(ctx, key, "", "secret", epoch)
	require.NoError(t, err)

	// empty username means the device id
	_, err = f.gateway.Authenticate(ctx, key, PasswordCredential("", "secret"))
	require.NoError(t, err)

	require.NoError(t, f.store.UpdateAuthConfig(ctx, "acme", iot.AuthConfig{AllowCertificates: true}))
	_, err = f.gateway.Authenticate(ctx, key, PasswordCredential("", "secret"))
	assertRejected(t, err, iot.RejectMethod)
}

func TestDeletedTenantMakesDevicesUnreachable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.tenant(t, "acme", iot.AuthConfig{AllowPasswords: true})
	key := iot.DeviceKey{TenantID: "acme", DeviceID: "d1"}
	f.device(t, key)
	_, err := f.gateway.SetPassword(ctx, key, "", "secret", epoch)
	require.NoError(t, err)
	require.NoError(t, f.store.DeleteTenant(ctx, "acme"))

	_, err = f.gateway.Authenticate(ctx, key, PasswordCredential("", "secret"))
	assertRejected(t, err, iot.RejectUnknownTenant)
	_, err = f.store.GetDevice(ctx, key)
	assert.NoError(t, err)
}

func TestCertificateAuthentication(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key := iot.DeviceKey{TenantID: iot.DefaultTenant, DeviceID: "d1"}
	f.device(t, key)
	tenant, err := f.store.GetTenant(ctx, iot.DefaultTenant)
	require.NoError(t, err)
	issued, err := f.authority.IssueClientCertificate(ctx, tenant, "d1")
	require.NoError(t, err)
	chain, err := certs.ParseCertificates([]byte(issued.CertificatePEM))
	require.NoError(t, err)

	got, err := f.gateway.Authenticate(ctx, key, CertificateCredential(chain))
	require.NoError(t, err)
	assert.Equal(t, key, got)

	// the claim may come from the certificate alone
	got, err = f.gateway.Authenticate(ctx, iot.DeviceKey{}, CertificateCredential(chain))
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, err = f.gateway.Authenticate(ctx, iot.DeviceKey{TenantID: iot.DefaultTenant, DeviceID: "d2"}, CertificateCredential(chain))
	assertRejected(t, err, iot.RejectCredential)

	_, err = f.gateway.Authenticate(ctx, key, CertificateCredential(nil))
	assertRejected(t, err, iot.RejectCredential)

	require.NoError(t, f.store.UpdateAuthConfig(ctx, iot.DefaultTenant, iot.AuthConfig{AllowPasswords: true, AcceptGlobalCA: true}))
	_, err = f.gateway.Authenticate(ctx, key, CertificateCredential(chain))
	assertRejected(t, err, iot.RejectMethod)
}

func TestForeignCertificateIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.tenant(t, "acme", iot.DefaultAuthConfig())
	key := iot.DeviceKey{TenantID: "acme", DeviceID: "d1"}
	f.device(t, key)

	// signed by another installation's CA
	other := certs.New(&certs.Builder{Store: store.NewMemory(), Clock: clock.Fake(epoch)})
	_, err := other.GenerateCA(ctx, iot.TenantCA("acme"))
	require.NoError(t, err)
	issued, err := other.IssueClientCertificate(ctx, &iot.Tenant{TenantID: "acme"}, "d1")
	require.NoError(t, err)
	chain, err := certs.ParseCertificates([]byte(issued.CertificatePEM))
	require.NoError(t, err)

	_, err = f.gateway.Authenticate(ctx, key, CertificateCredential(chain))
	assertRejected(t, err, iot.RejectCredential)

	_, err = f.authority.GenerateCA(ctx, iot.TenantCA("acme"))
	require.NoError(t, err)
	_, err = f.gateway.Authenticate(ctx, key, CertificateCredential([]*x509.Certificate{chain[0]}))
	assertRejected(t, err, iot.RejectCredential)
}

type slowStore struct {
	*store.Memory
}

func (s slowStore) GetTenant(ctx context.Context, tenantID string) (*iot.Tenant, error) {
	<-ctx.Done()
	time.Sleep(10 * time.Millisecond)
	return s.Memory.GetTenant(ctx, tenantID)
}

func TestAuthenticationTimesOutClosed(t *testing.T) {
	f := newFixture(t)
	g := New(&Builder{Store: slowStore{f.store}, Authority: f.authority, Timeout: 20 * time.Millisecond, BcryptCost: bcrypt.MinCost})
	_, err := g.Authenticate(context.Background(), iot.DeviceKey{TenantID: iot.DefaultTenant, DeviceID: "d1"}, PasswordCredential("", "x"))
	assertRejected(t, err, iot.RejectTimeout)
}

func TestSetPasswordValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key := iot.DeviceKey{TenantID: iot.DefaultTenant, DeviceID: "d1"}

	_, err := f.gateway.SetPassword(ctx, key, "", "secret", epoch)
	assert.ErrorIs(t, err, iot.ErrDeviceNotFound)

	f.device(t, key)
	_, err = f.gateway.SetPassword(ctx, key, "", "", epoch)
	assert.ErrorIs(t, err, iot.ErrMalformedRequest)
	_, err = f.gateway.SetPassword(ctx, key, "bad user", "secret", epoch)
	assert.ErrorIs(t, err, iot.ErrMalformedRequest)

	_, err = f.gateway.SetPassword(ctx, key, "a", "secret", epoch)
	require.NoError(t, err)
	_, err = f.gateway.SetPassword(ctx, key, "b", "secret", epoch)
	require.NoError(t, err)
	list, err := f.gateway.Passwords(ctx, key)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Username)
	assert.NotEqual(t, []byte("secret"), list[0].PasswordHash)
}
