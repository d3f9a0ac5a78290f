// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package certs manages the certificate authorities of canopy.

There is one global CA and optionally one CA per tenant. A CA is replaced in two
phases: the new material is staged and validated first (it must be a CA which can
sign, its key must match and a test certificate signed with it must verify), then
it is swapped into the active slot in one transaction. The CA it replaces moves to
the backup slot and is archived to the kss driver, if one is configured.

Client certificates carry the device id as common name and the tenant id as
organization.
*/
package certs

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/relabs-tech/canopy/core/clock"
	"github.com/relabs-tech/canopy/core/kss"
	"github.com/relabs-tech/canopy/core/logger"
	"github.com/relabs-tech/canopy/iot"
	"github.com/relabs-tech/canopy/iot/store"
)

const (
	caValidity     = 10 * 365 * 24 * time.Hour
	clientValidity = 2 * 365 * 24 * time.Hour
	serverValidity = 365 * 24 * time.Hour
	clockSkew      = 5 * time.Minute
)

// Builder is a builder helper for the Authority
type Builder struct {
	// Store persists the CA material. This is mandatory.
	Store store.Authorities
	// Archive receives replaced CA material. Optional.
	Archive kss.Driver
	// Clock is the time source. Default is the real clock.
	Clock clock.Clock
}

// Authority manages certificate authorities and issues certificates
type Authority struct {
	store   store.Authorities
	archive kss.Driver
	clock   clock.Clock

	mu    sync.RWMutex
	cache map[iot.CAScope]*loadedCA
}

// loadedCA is a parsed active CA
type loadedCA struct {
	cert *x509.Certificate
	key  crypto.Signer
	pem  string
	pool *x509.CertPool
}

// New returns a new Authority
func New(b *Builder) *Authority {
	if b.Store == nil {
		panic("store is missing")
	}
	c := b.Clock
	if c == nil {
		c = clock.Real()
	}
	return &Authority{
		store:   b.Store,
		archive: b.Archive,
		clock:   c,
		cache:   map[iot.CAScope]*loadedCA{},
	}
}

func (a *Authority) invalidate(scope iot.CAScope) {
	a.mu.Lock()
	delete(a.cache, scope)
	a.mu.Unlock()
}

// load returns the parsed active CA of scope
func (a *Authority) load(ctx context.Context, scope iot.CAScope) (*loadedCA, error) {
	a.mu.RLock()
	ca, ok := a.cache[scope]
	a.mu.RUnlock()
	if ok {
		return ca, nil
	}
	record, err := a.store.GetCA(ctx, scope, iot.CASlotActive)
	if err != nil {
		return nil, err
	}
	cert, key, err := parseCA(record.CertificatePEM, record.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("stored CA %s: %w", scope, err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	ca = &loadedCA{cert: cert, key: key, pem: record.CertificatePEM, pool: pool}
	a.mu.Lock()
	a.cache[scope] = ca
	a.mu.Unlock()
	return ca, nil
}

func parseCA(certPEM, keyPEM string) (*x509.Certificate, crypto.Signer, error) {
	certs, err := ParseCertificates([]byte(certPEM))
	if err != nil {
		return nil, nil, err
	}
	key, err := ParseKey([]byte(keyPEM))
	if err != nil {
		return nil, nil, err
	}
	return certs[0], key, nil
}

// HasCA returns true if the scope has an active CA
func (a *Authority) HasCA(ctx context.Context, scope iot.CAScope) (bool, error) {
	_, err := a.load(ctx, scope)
	if errors.Is(err, iot.ErrNoCertificateAuthority) {
		return false, nil
	}
	return err == nil, err
}

// CertificatePEM returns the certificate of the active CA of scope
func (a *Authority) CertificatePEM(ctx context.Context, scope iot.CAScope) (string, error) {
	ca, err := a.load(ctx, scope)
	if err != nil {
		return "", err
	}
	return ca.pem, nil
}

func newSerial() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
}

// GenerateCA creates a new self-signed CA for scope and makes it active
func (a *Authority) GenerateCA(ctx context.Context, scope iot.CAScope) (*iot.CARecord, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := newSerial()
	if err != nil {
		return nil, err
	}
	now := a.clock.Now()
	subject := pkix.Name{CommonName: "canopy global CA"}
	if !scope.IsGlobal() {
		subject = pkix.Name{CommonName: "canopy " + string(scope) + " CA", Organization: []string{string(scope)}}
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             now.Add(-clockSkew),
		NotAfter:              now.Add(caValidity),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return nil, err
	}
	keyPEM, err := EncodeKey(key)
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Infoln("generated certificate authority for", scope)
	return a.install(ctx, scope, EncodeCertificate(der), keyPEM)
}

// UploadCA validates the given CA material and makes it the active CA of scope. Unusable
// material fails with iot.ErrInvalidCertificateAuthority and leaves the current CA in place.
func (a *Authority) UploadCA(ctx context.Context, scope iot.CAScope, certPEM, keyPEM string) (*iot.CARecord, error) {
	return a.install(ctx, scope, certPEM, keyPEM)
}

// install stages, validates and swaps
func (a *Authority) install(ctx context.Context, scope iot.CAScope, certPEM, keyPEM string) (*iot.CARecord, error) {
	if err := a.validate(certPEM, keyPEM); err != nil {
		return nil, fmt.Errorf("%w: %v", iot.ErrInvalidCertificateAuthority, err)
	}
	record := iot.CARecord{Scope: scope, Slot: iot.CASlotActive, CertificatePEM: certPEM, KeyPEM: keyPEM, CreatedAt: a.clock.Now()}
	previous, err := a.store.SwapCA(ctx, record)
	a.invalidate(scope)
	if err != nil {
		return nil, err
	}
	if previous != nil {
		a.archivePrevious(ctx, *previous)
	}
	logger.FromContext(ctx).Infoln("installed certificate authority for", scope)
	return &record, nil
}

func (a *Authority) archivePrevious(ctx context.Context, previous iot.CARecord) {
	if a.archive == nil {
		return
	}
	key := fmt.Sprintf("ca/%s/%s.pem", previous.Scope, a.clock.Now().Format("20060102T150405.000000000Z"))
	err := a.archive.Put(ctx, key, []byte(previous.CertificatePEM+previous.KeyPEM))
	if err != nil {
		// the backup slot still holds the material
		logger.FromContext(ctx).WithError(err).Warnln("could not archive replaced certificate authority", previous.Scope)
	}
}

// validate checks that the material is a usable CA
func (a *Authority) validate(certPEM, keyPEM string) error {
	cert, key, err := parseCA(certPEM, keyPEM)
	if err != nil {
		return err
	}
	if !cert.IsCA || !cert.BasicConstraintsValid {
		return errors.New("certificate is not a CA")
	}
	if cert.KeyUsage != 0 && cert.KeyUsage&x509.KeyUsageCertSign == 0 {
		return errors.New("certificate may not sign certificates")
	}
	now := a.clock.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return errors.New("certificate is not valid now")
	}
	if !samePublicKey(cert, key) {
		return errors.New("key does not match certificate")
	}

	// test signature: issue a throw-away leaf and verify it
	ca := &loadedCA{cert: cert, key: key, pool: x509.NewCertPool()}
	ca.pool.AddCert(cert)
	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	der, err := a.sign(ca, pkix.Name{CommonName: "canopy-validation"}, leafKey.Public(), clientValidity,
		[]x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, nil)
	if err != nil {
		return fmt.Errorf("test signature failed: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return err
	}
	_, err = leaf.Verify(x509.VerifyOptions{
		Roots:       ca.pool,
		CurrentTime: now,
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	if err != nil {
		return fmt.Errorf("test certificate does not verify: %w", err)
	}
	return nil
}

func (a *Authority) sign(ca *loadedCA, subject pkix.Name, pub crypto.PublicKey, validity time.Duration,
	usage []x509.ExtKeyUsage, hostNames []string) ([]byte, error) {
	serial, err := newSerial()
	if err != nil {
		return nil, err
	}
	now := a.clock.Now()
	notAfter := now.Add(validity)
	if notAfter.After(ca.cert.NotAfter) {
		notAfter = ca.cert.NotAfter
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      subject,
		NotBefore:    now.Add(-clockSkew),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  usage,
	}
	for _, h := range hostNames {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}
	return x509.CreateCertificate(rand.Reader, template, ca.cert, pub, ca.key)
}

// RestoreCA makes the backup CA of scope active again; the active one becomes the backup
func (a *Authority) RestoreCA(ctx context.Context, scope iot.CAScope) error {
	err := a.store.RestoreCA(ctx, scope)
	a.invalidate(scope)
	return err
}

// PurgeBackup deletes the backup CA of scope
func (a *Authority) PurgeBackup(ctx context.Context, scope iot.CAScope) error {
	return a.store.PurgeCABackup(ctx, scope)
}

// EnsureGlobalCA generates the global CA if there is none
func (a *Authority) EnsureGlobalCA(ctx context.Context) error {
	ok, err := a.HasCA(ctx, iot.GlobalCA)
	if err != nil || ok {
		return err
	}
	_, err = a.GenerateCA(ctx, iot.GlobalCA)
	return err
}

// IssuedCertificate is a client certificate together with its private key
type IssuedCertificate struct {
	CertificatePEM string `json:"certificate"`
	KeyPEM         string `json:"key"`
	CAPEM          string `json:"ca"`
	Serial         string `json:"serial"`
}

// signingScope returns the scope whose CA signs and verifies certificates of the tenant:
// the tenant's own CA, else the global CA if the tenant accepts it. Tenants other than
// the default tenant accept it only with auth_config.accept_global_ca; without it
// signingScope fails with iot.ErrGlobalCANotAccepted.
func (a *Authority) signingScope(ctx context.Context, tenant *iot.Tenant) (iot.CAScope, error) {
	scope := iot.TenantCA(tenant.TenantID)
	if tenant.TenantID != iot.DefaultTenant {
		ok, err := a.HasCA(ctx, scope)
		if err != nil {
			return "", err
		}
		if ok {
			return scope, nil
		}
	}
	if AcceptsGlobalCA(tenant) {
		return iot.GlobalCA, nil
	}
	return "", iot.ErrGlobalCANotAccepted
}

// AcceptsGlobalCA is true if certificates signed by the global CA authenticate devices of tenant
func AcceptsGlobalCA(tenant *iot.Tenant) bool {
	return tenant.TenantID == iot.DefaultTenant || tenant.AuthConfig.AcceptGlobalCA
}

// IssueClientCertificate creates a new key and client certificate for a device. The
// certificate is signed by the tenant's CA, or by the global CA if the tenant has
// none and accepts the global one. Issuance for a tenant without own CA is therefore
// gated by auth_config.accept_global_ca.
func (a *Authority) IssueClientCertificate(ctx context.Context, tenant *iot.Tenant, deviceID string) (*IssuedCertificate, error) {
	scope, err := a.signingScope(ctx, tenant)
	if err != nil {
		return nil, err
	}
	ca, err := a.load(ctx, scope)
	if err != nil {
		return nil, err
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	subject := pkix.Name{CommonName: deviceID, Organization: []string{tenant.TenantID}}
	der, err := a.sign(ca, subject, key.Public(), clientValidity, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, nil)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	keyPEM, err := EncodeKey(key)
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Infof("issued client certificate for %s/%s with CA %s", tenant.TenantID, deviceID, scope)
	return &IssuedCertificate{
		CertificatePEM: EncodeCertificate(der),
		KeyPEM:         keyPEM,
		CAPEM:          ca.pem,
		Serial:         cert.SerialNumber.Text(16),
	}, nil
}

// VerifyClient verifies a client certificate chain (leaf first) for a device of tenant.
// The chain must lead to the tenant's CA, or to the global CA if the tenant accepts it,
// and the leaf's common name must be the device id.
func (a *Authority) VerifyClient(ctx context.Context, tenant *iot.Tenant, deviceID string, chain []*x509.Certificate) error {
	if len(chain) == 0 {
		return errors.New("no client certificate")
	}
	leaf := chain[0]
	if leaf.Subject.CommonName != deviceID {
		return fmt.Errorf("certificate common name '%s' does not match device", leaf.Subject.CommonName)
	}
	if len(leaf.Subject.Organization) > 0 && leaf.Subject.Organization[0] != tenant.TenantID {
		return fmt.Errorf("certificate organization '%s' does not match tenant", leaf.Subject.Organization[0])
	}
	intermediates := x509.NewCertPool()
	for _, c := range chain[1:] {
		intermediates.AddCert(c)
	}

	var scopes []iot.CAScope
	if tenant.TenantID != iot.DefaultTenant {
		scopes = append(scopes, iot.TenantCA(tenant.TenantID))
	}
	if AcceptsGlobalCA(tenant) {
		scopes = append(scopes, iot.GlobalCA)
	}
	lastErr := iot.ErrNoCertificateAuthority
	for _, scope := range scopes {
		ca, err := a.load(ctx, scope)
		if errors.Is(err, iot.ErrNoCertificateAuthority) {
			continue
		}
		if err != nil {
			return err
		}
		_, err = leaf.Verify(x509.VerifyOptions{
			Roots:         ca.pool,
			Intermediates: intermediates,
			CurrentTime:   a.clock.Now(),
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		})
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}

// ServerCertificate issues a TLS server certificate signed by the global CA. The global
// CA is generated first if there is none.
func (a *Authority) ServerCertificate(ctx context.Context, serverName string, hostNames []string) (tls.Certificate, error) {
	if err := a.EnsureGlobalCA(ctx); err != nil {
		return tls.Certificate{}, err
	}
	ca, err := a.load(ctx, iot.GlobalCA)
	if err != nil {
		return tls.Certificate{}, err
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	der, err := a.sign(ca, pkix.Name{CommonName: serverName}, key.Public(), serverValidity,
		[]x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}, append([]string{serverName}, hostNames...))
	if err != nil {
		return tls.Certificate{}, err
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{der, ca.cert.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}
