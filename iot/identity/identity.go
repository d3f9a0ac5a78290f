// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package identity maps transport level names to device identities.

On MQTT a device names itself through its client id, "{tenant}.{device}" or
just "{device}" for the default tenant. Client certificates carry the device id
as common name and the tenant as organization.
*/
package identity

import (
	"crypto/x509"
	"fmt"
	"regexp"
	"strings"

	"github.com/relabs-tech/canopy/iot"
)

const separator = "."

var validName = regexp.MustCompile(`^[A-Za-z0-9_\-:]{1,128}$`)

// ValidName returns true if s can be used as tenant id, device id or shadow name. Names
// must not contain the separator or MQTT wildcard characters.
func ValidName(s string) bool {
	return validName.MatchString(s)
}

// ClientID returns the MQTT client id of a device
func ClientID(key iot.DeviceKey) string {
	if key.TenantID == iot.DefaultTenant || key.TenantID == "" {
		return key.DeviceID
	}
	return key.TenantID + separator + key.DeviceID
}

// ParseClientID resolves an MQTT client id into the claimed device key
func ParseClientID(clientID string) (iot.DeviceKey, error) {
	tenant, device := iot.DefaultTenant, clientID
	if i := strings.Index(clientID, separator); i >= 0 {
		tenant, device = clientID[:i], clientID[i+1:]
	}
	key := iot.DeviceKey{TenantID: tenant, DeviceID: device}
	if !ValidName(key.TenantID) || !ValidName(key.DeviceID) {
		return key, fmt.Errorf("%w: invalid client id '%s'", iot.ErrMalformedRequest, clientID)
	}
	return key, nil
}

// FromCertificate returns the device key a client certificate was issued for
func FromCertificate(cert *x509.Certificate) (iot.DeviceKey, error) {
	key := iot.DeviceKey{TenantID: iot.DefaultTenant, DeviceID: cert.Subject.CommonName}
	if len(cert.Subject.Organization) > 0 && cert.Subject.Organization[0] != "" {
		key.TenantID = cert.Subject.Organization[0]
	}
	if !ValidName(key.TenantID) || !ValidName(key.DeviceID) {
		return key, fmt.Errorf("%w: certificate subject '%s'", iot.ErrMalformedRequest, cert.Subject.String())
	}
	return key, nil
}

// ShadowName normalizes a shadow name. The empty name and any casing of
// "default" select the default shadow.
func ShadowName(name string) string {
	if name == "" || strings.EqualFold(name, iot.DefaultShadow) {
		return iot.DefaultShadow
	}
	return name
}
