// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package auth is the authentication gateway. It decides whether a device may
connect, for the MQTT broker and for device calls on the HTTP interface alike.

A device authenticates either with a username and password or with a client
certificate. Which methods are allowed is decided per tenant by its AuthConfig.
Every failure looks the same from the outside (iot.ErrUnauthorized); the reason
is only logged.

	gw := auth.New(&auth.Builder{Store: s, Authority: a})
	key, err := gw.Authenticate(ctx, claim, auth.PasswordCredential("user", "secret"))
*/
package auth

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/relabs-tech/canopy/core/logger"
	"github.com/relabs-tech/canopy/iot"
	"github.com/relabs-tech/canopy/iot/certs"
	"github.com/relabs-tech/canopy/iot/identity"
	"github.com/relabs-tech/canopy/iot/store"
)

// CredentialKind is the authentication method
type CredentialKind int

const (
	// Password is a username and password
	Password CredentialKind = iota + 1
	// Certificate is a verified client certificate chain
	Certificate
)

func (k CredentialKind) String() string {
	switch k {
	case Password:
		return "password"
	case Certificate:
		return "certificate"
	}
	return "unknown"
}

// Credential is what a device presents. For Password, Username and Password are
// set, for Certificate the Chain (leaf first).
type Credential struct {
	Kind     CredentialKind
	Username string
	Password string
	Chain    []*x509.Certificate
}

// PasswordCredential returns a password credential
func PasswordCredential(username, password string) Credential {
	return Credential{Kind: Password, Username: username, Password: password}
}

// CertificateCredential returns a certificate credential
func CertificateCredential(chain []*x509.Certificate) Credential {
	return Credential{Kind: Certificate, Chain: chain}
}

// Store is the part of the store the gateway needs
type Store interface {
	store.Tenants
	store.Devices
}

// Builder is a builder helper for the Gateway
type Builder struct {
	// Store holds tenants, devices and credentials. This is mandatory.
	Store Store
	// Authority verifies client certificates. This is mandatory.
	Authority *certs.Authority
	// Timeout bounds one authentication. Default is 2s.
	Timeout time.Duration
	// BcryptCost is the cost of new password hashes. Default is bcrypt.DefaultCost.
	BcryptCost int
}

// Gateway authenticates devices
type Gateway struct {
	store      Store
	authority  *certs.Authority
	timeout    time.Duration
	bcryptCost int
	dummyHash  []byte
}

// New returns a new Gateway
func New(b *Builder) *Gateway {
	if b.Store == nil {
		panic("store is missing")
	}
	if b.Authority == nil {
		panic("authority is missing")
	}
	timeout := b.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	cost := b.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	// compared against for unknown devices, so they take as long as known ones
	dummy, err := bcrypt.GenerateFromPassword([]byte("canopy-dummy-password"), cost)
	if err != nil {
		panic(err)
	}
	return &Gateway{
		store:      b.Store,
		authority:  b.Authority,
		timeout:    timeout,
		bcryptCost: cost,
		dummyHash:  dummy,
	}
}

type result struct {
	key iot.DeviceKey
	err error
}

// Authenticate checks credential for the claimed device. The claim usually comes from
// the MQTT client id. For certificate credentials an empty claim is taken from the
// certificate itself. It returns the authenticated device or an error matching
// iot.ErrUnauthorized. An authentication which does not finish within the timeout
// is rejected.
func (g *Gateway) Authenticate(ctx context.Context, claim iot.DeviceKey, credential Credential) (iot.DeviceKey, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		key, err := g.authenticate(ctx, claim, credential)
		done <- result{key: key, err: err}
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		r.err = iot.Reject(iot.RejectTimeout, ctx.Err())
	}

	rlog := logger.FromContext(ctx)
	if r.err != nil {
		var rejected *iot.AuthRejected
		if !errors.As(r.err, &rejected) {
			r.err = iot.Reject(iot.RejectInternal, r.err)
			errors.As(r.err, &rejected)
		}
		rlog.Warnf("rejected %s authentication of %s: %s", credential.Kind, claim, rejected.Detail())
		return iot.DeviceKey{}, r.err
	}
	rlog.Debugf("authenticated %s with %s", r.key, credential.Kind)
	return r.key, nil
}

func (g *Gateway) authenticate(ctx context.Context, claim iot.DeviceKey, credential Credential) (iot.DeviceKey, error) {
	switch credential.Kind {
	case Password:
		return g.authenticatePassword(ctx, claim, credential)
	case Certificate:
		return g.authenticateCertificate(ctx, claim, credential)
	}
	return iot.DeviceKey{}, iot.Reject(iot.RejectMethod, fmt.Errorf("unknown credential kind %d", credential.Kind))
}

// tenant returns the claimed tenant, or a rejection
func (g *Gateway) tenant(ctx context.Context, tenantID string) (*iot.Tenant, error) {
	tenant, err := g.store.GetTenant(ctx, tenantID)
	if errors.Is(err, iot.ErrTenantNotFound) {
		return nil, iot.Reject(iot.RejectUnknownTenant, err)
	}
	if err != nil {
		return nil, iot.Reject(iot.RejectInternal, err)
	}
	return tenant, nil
}

func (g *Gateway) authenticatePassword(ctx context.Context, claim iot.DeviceKey, credential Credential) (iot.DeviceKey, error) {
	tenant, err := g.tenant(ctx, claim.TenantID)
	if err != nil {
		g.burn(credential.Password)
		return iot.DeviceKey{}, err
	}
	if !tenant.AuthConfig.AllowPasswords {
		g.burn(credential.Password)
		return iot.DeviceKey{}, iot.Reject(iot.RejectMethod, errors.New("passwords are not allowed"))
	}
	username := credential.Username
	if username == "" {
		username = claim.DeviceID
	}
	credentials, err := g.store.ListCredentials(ctx, claim)
	if err != nil && !errors.Is(err, iot.ErrDeviceNotFound) {
		return iot.DeviceKey{}, iot.Reject(iot.RejectInternal, err)
	}
	hash := g.dummyHash
	found := false
	for _, c := range credentials {
		if c.Username == username {
			hash, found = c.PasswordHash, true
			break
		}
	}
	err = bcrypt.CompareHashAndPassword(hash, []byte(credential.Password))
	if !found {
		return iot.DeviceKey{}, iot.Reject(iot.RejectCredential, errors.New("unknown device or username"))
	}
	if err != nil {
		return iot.DeviceKey{}, iot.Reject(iot.RejectCredential, err)
	}
	return claim, nil
}

// burn spends the time of one hash comparison
func (g *Gateway) burn(password string) {
	_ = bcrypt.CompareHashAndPassword(g.dummyHash, []byte(password))
}

func (g *Gateway) authenticateCertificate(ctx context.Context, claim iot.DeviceKey, credential Credential) (iot.DeviceKey, error) {
	if len(credential.Chain) == 0 {
		return iot.DeviceKey{}, iot.Reject(iot.RejectCredential, errors.New("no client certificate"))
	}
	presented, err := identity.FromCertificate(credential.Chain[0])
	if err != nil {
		return iot.DeviceKey{}, iot.Reject(iot.RejectCredential, err)
	}
	if claim.DeviceID == "" {
		claim = presented
	}
	if presented != claim {
		return iot.DeviceKey{}, iot.Reject(iot.RejectCredential, fmt.Errorf("certificate is for %s", presented))
	}
	tenant, err := g.tenant(ctx, claim.TenantID)
	if err != nil {
		return iot.DeviceKey{}, err
	}
	if !tenant.AuthConfig.AllowCertificates {
		return iot.DeviceKey{}, iot.Reject(iot.RejectMethod, errors.New("certificates are not allowed"))
	}
	if _, err := g.store.GetDevice(ctx, claim); err != nil {
		if errors.Is(err, iot.ErrDeviceNotFound) {
			return iot.DeviceKey{}, iot.Reject(iot.RejectCredential, err)
		}
		return iot.DeviceKey{}, iot.Reject(iot.RejectInternal, err)
	}
	err = g.authority.VerifyClient(ctx, tenant, claim.DeviceID, credential.Chain)
	if err != nil {
		return iot.DeviceKey{}, iot.Reject(iot.RejectCredential, err)
	}
	return claim, nil
}
