// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package iot

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// DefaultTenant is the tenant of devices which do not name one. It always exists.
const DefaultTenant = "default"

// DefaultShadow is the name of the unnamed shadow of a device
const DefaultShadow = "default"

// DeviceKey identifies a device. Device ids are only unique within their tenant.
type DeviceKey struct {
	TenantID string `json:"tenant_id"`
	DeviceID string `json:"device_id"`
}

func (k DeviceKey) String() string {
	return k.TenantID + "/" + k.DeviceID
}

// AuthConfig says which authentication methods a tenant accepts
type AuthConfig struct {
	AllowPasswords    bool `json:"allow_passwords"`
	AllowCertificates bool `json:"allow_certificates"`
	// AcceptGlobalCA lets devices of this tenant authenticate with certificates
	// signed by the global CA. The default tenant always accepts the global CA.
	AcceptGlobalCA bool `json:"accept_global_ca"`
}

// DefaultAuthConfig is the configuration of new tenants: certificates only
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{AllowPasswords: false, AllowCertificates: true}
}

// Tenant is an isolation boundary for devices
type Tenant struct {
	TenantID   string     `json:"tenant_id"`
	AuthConfig AuthConfig `json:"auth_config"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Device is a registered device
type Device struct {
	TenantID  string    `json:"tenant_id"`
	DeviceID  string    `json:"device_id"`
	CreatedAt time.Time `json:"created_at"`
	// Certificate is the PEM of the last client certificate issued to the device
	Certificate string `json:"certificate,omitempty"`
	// CertificateSerial is the serial number of that certificate
	CertificateSerial string `json:"certificate_serial,omitempty"`
}

// Key returns the device key
func (d *Device) Key() DeviceKey {
	return DeviceKey{TenantID: d.TenantID, DeviceID: d.DeviceID}
}

// DeviceCredential is a username and password hash a device may authenticate with.
// A device can have several credentials.
type DeviceCredential struct {
	TenantID     string    `json:"tenant_id"`
	DeviceID     string    `json:"device_id"`
	Username     string    `json:"username"`
	PasswordHash []byte    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// CAScope names the owner of a certificate authority: the global scope or a tenant
type CAScope string

// GlobalCA is the scope of the service wide certificate authority
const GlobalCA CAScope = "_global_"

// TenantCA returns the scope of a tenant's certificate authority
func TenantCA(tenantID string) CAScope {
	return CAScope(tenantID)
}

// IsGlobal is true for the global scope
func (s CAScope) IsGlobal() bool {
	return s == GlobalCA
}

// CASlot is either the active or the backup slot of a scope
type CASlot string

const (
	// CASlotActive holds the CA used for issuing and verifying
	CASlotActive CASlot = "active"
	// CASlotBackup holds the CA which was active before the last replacement
	CASlotBackup CASlot = "backup"
)

// CARecord is the PEM material of a certificate authority
type CARecord struct {
	Scope          CAScope   `json:"scope"`
	Slot           CASlot    `json:"slot"`
	CertificatePEM string    `json:"certificate"`
	KeyPEM         string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

// DataType is the type of a metric extracted from telemetry
type DataType string

const (
	// Float metrics are stored as float64
	Float DataType = "Float"
	// Int metrics are stored as int64; fractional numbers are truncated
	Int DataType = "Int"
	// LocationObject metrics are objects {"lat": .., "long": ..}
	LocationObject DataType = "LocationObject"
	// LocationTuple metrics are arrays [lat, long]
	LocationTuple DataType = "LocationTuple"
)

// Valid returns true for the known data types
func (t DataType) Valid() bool {
	switch t {
	case Float, Int, LocationObject, LocationTuple:
		return true
	}
	return false
}

// MetricRule extracts one metric from a telemetry payload
type MetricRule struct {
	Name        string   `json:"name"`
	JSONPointer string   `json:"json_pointer"`
	DataType    DataType `json:"data_type"`
}

// MatchKind says how a data config is matched against device ids
type MatchKind string

const (
	// MatchExact matches one device id
	MatchExact MatchKind = "exact"
	// MatchPrefix matches all device ids starting with the pattern. The empty
	// prefix is the tenant wide configuration.
	MatchPrefix MatchKind = "prefix"
)

// DataConfig is the ordered list of metric rules for the devices matching it
type DataConfig struct {
	TenantID  string       `json:"tenant_id"`
	Match     MatchKind    `json:"match"`
	Pattern   string       `json:"pattern"`
	Metrics   []MetricRule `json:"metrics"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Matches returns true if the config applies to deviceID
func (c *DataConfig) Matches(deviceID string) bool {
	if c.Match == MatchExact {
		return c.Pattern == deviceID
	}
	return strings.HasPrefix(deviceID, c.Pattern)
}

// LatLong is a geographic position
type LatLong struct {
	Lat  float64 `json:"lat"`
	Long float64 `json:"long"`
}

// MetricValue is the value of a metric sample. Exactly one of the fields is set.
type MetricValue struct {
	Float    *float64 `json:"float,omitempty"`
	Int      *int64   `json:"int,omitempty"`
	Location *LatLong `json:"location,omitempty"`
}

// FloatValue returns a float metric value
func FloatValue(f float64) MetricValue { return MetricValue{Float: &f} }

// IntValue returns an int metric value
func IntValue(i int64) MetricValue { return MetricValue{Int: &i} }

// LocationValue returns a location metric value
func LocationValue(lat, long float64) MetricValue {
	return MetricValue{Location: &LatLong{Lat: lat, Long: long}}
}

// Type returns the data type of the value
func (v MetricValue) Type() DataType {
	switch {
	case v.Int != nil:
		return Int
	case v.Location != nil:
		return LocationObject
	default:
		return Float
	}
}

// AsFloat returns the numeric value as float64. Locations are not numeric.
func (v MetricValue) AsFloat() (float64, bool) {
	switch {
	case v.Float != nil:
		return *v.Float, true
	case v.Int != nil:
		return float64(*v.Int), true
	}
	return math.NaN(), false
}

// MarshalJSON writes the bare value: a number or a location object
func (v MetricValue) MarshalJSON() ([]byte, error) {
	switch {
	case v.Float != nil:
		return json.Marshal(*v.Float)
	case v.Int != nil:
		return json.Marshal(*v.Int)
	case v.Location != nil:
		return json.Marshal(v.Location)
	}
	return []byte("null"), nil
}

// UnmarshalJSON reads what MarshalJSON writes. Integral numbers become Int values.
func (v *MetricValue) UnmarshalJSON(data []byte) error {
	*v = MetricValue{}
	if len(data) > 0 && data[0] == '{' {
		var l LatLong
		if err := json.Unmarshal(data, &l); err != nil {
			return err
		}
		v.Location = &l
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("metric value: %w", err)
	}
	if i, err := n.Int64(); err == nil {
		v.Int = &i
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return err
	}
	v.Float = &f
	return nil
}

// MetricSample is one extracted metric value at one point in time
type MetricSample struct {
	TenantID  string      `json:"tenant_id"`
	DeviceID  string      `json:"device_id"`
	Metric    string      `json:"metric"`
	Timestamp time.Time   `json:"timestamp"`
	Value     MetricValue `json:"value"`
}

// ShadowRecord is the persisted form of a shadow document
type ShadowRecord struct {
	TenantID   string          `json:"tenant_id"`
	DeviceID   string          `json:"device_id"`
	ShadowName string          `json:"shadow_name"`
	Reported   json.RawMessage `json:"reported"`
	Desired    json.RawMessage `json:"desired"`
	Metadata   json.RawMessage `json:"metadata"`
	Version    int64           `json:"version"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// MinuteRate is the number of messages a device sent in one minute
type MinuteRate struct {
	Minute   time.Time `json:"timestamp"`
	Messages int       `json:"mqtt_message_rate_in"`
}

// DeviceInformation is the combined view of a device
type DeviceInformation struct {
	TenantID         string       `json:"tenant_id"`
	DeviceID         string       `json:"device_id"`
	Certificate      string       `json:"certificate,omitempty"`
	Connected        bool         `json:"connected"`
	PastMinuteRates  []MinuteRate `json:"past_minute_rates,omitempty"`
	LastShadowUpdate *time.Time   `json:"last_shadow_update,omitempty"`
}
