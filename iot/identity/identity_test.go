// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package identity

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/canopy/iot"
)

func TestClientIDRoundTrip(t *testing.T) {
	for _, key := range []iot.DeviceKey{
		{TenantID: iot.DefaultTenant, DeviceID: "sensor-1"},
		{TenantID: "acme", DeviceID: "sensor-1"},
	} {
		parsed, err := ParseClientID(ClientID(key))
		require.NoError(t, err)
		assert.Equal(t, key, parsed)
	}
	assert.Equal(t, "sensor-1", ClientID(iot.DeviceKey{TenantID: iot.DefaultTenant, DeviceID: "sensor-1"}))
	assert.Equal(t, "acme.sensor-1", ClientID(iot.DeviceKey{TenantID: "acme", DeviceID: "sensor-1"}))
}

func TestParseClientIDRejectsGarbage(t *testing.T) {
	for _, id := range []string{"", ".", "acme.", ".dev", "a/b", "a+b", "a.b.c", "dev#"} {
		_, err := ParseClientID(id)
		assert.Error(t, err, id)
	}
}

func TestFromCertificate(t *testing.T) {
	key, err := FromCertificate(&x509.Certificate{Subject: pkix.Name{CommonName: "d1", Organization: []string{"acme"}}})
	require.NoError(t, err)
	assert.Equal(t, iot.DeviceKey{TenantID: "acme", DeviceID: "d1"}, key)

	key, err = FromCertificate(&x509.Certificate{Subject: pkix.Name{CommonName: "d1"}})
	require.NoError(t, err)
	assert.Equal(t, iot.DefaultTenant, key.TenantID)

	_, err = FromCertificate(&x509.Certificate{Subject: pkix.Name{}})
	assert.Error(t, err)
}

func TestShadowName(t *testing.T) {
	assert.Equal(t, "default", ShadowName(""))
	assert.Equal(t, "default", ShadowName("DEFAULT"))
	assert.Equal(t, "garage", ShadowName("garage"))
}
