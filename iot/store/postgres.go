// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/lib/pq"

	"github.com/relabs-tech/canopy/core/csql"
	"github.com/relabs-tech/canopy/core/logger"
	"github.com/relabs-tech/canopy/iot"
)

// Postgres is a Store in a postgres database
type Postgres struct {
	db *csql.DB
}

// NewPostgres returns a Store for the database. It creates the sql relations
// if they do not exist yet.
func NewPostgres(db *csql.DB) (*Postgres, error) {
	if db == nil {
		panic("DB is missing")
	}
	p := &Postgres{db: db}
	if err := p.migrate(); err != nil {
		return nil, err
	}
	return p, nil
}

// migrate is a poor man's database migration
func (p *Postgres) migrate() error {
	logger.Default().Infoln("create sql relations in schema", p.db.Schema)
	_, err := p.db.Exec(`
CREATE table IF NOT EXISTS ` + p.db.Table("tenant") + `
(tenant_id varchar NOT NULL,
auth_config json NOT NULL,
created_at timestamp NOT NULL,
PRIMARY KEY(tenant_id)
);
CREATE table IF NOT EXISTS ` + p.db.Table("device") + `
(tenant_id varchar NOT NULL,
device_id varchar NOT NULL,
certificate text NOT NULL DEFAULT '',
certificate_serial varchar NOT NULL DEFAULT '',
created_at timestamp NOT NULL,
PRIMARY KEY(tenant_id, device_id)
);
CREATE table IF NOT EXISTS ` + p.db.Table("device_credential") + `
(tenant_id varchar NOT NULL,
device_id varchar NOT NULL,
username varchar NOT NULL,
password_hash bytea NOT NULL,
created_at timestamp NOT NULL,
PRIMARY KEY(tenant_id, device_id, username),
FOREIGN KEY(tenant_id, device_id) REFERENCES ` + p.db.Table("device") + `(tenant_id, device_id) ON DELETE CASCADE
);
CREATE table IF NOT EXISTS ` + p.db.Table("certificate_authority") + `
(scope varchar NOT NULL,
slot varchar NOT NULL,
certificate text NOT NULL,
key text NOT NULL,
created_at timestamp NOT NULL,
PRIMARY KEY(scope, slot)
);
CREATE table IF NOT EXISTS ` + p.db.Table("shadow") + `
(tenant_id varchar NOT NULL,
device_id varchar NOT NULL,
shadow_name varchar NOT NULL,
reported jsonb NOT NULL,
desired jsonb NOT NULL,
metadata jsonb NOT NULL,
version bigint NOT NULL,
updated_at timestamp NOT NULL,
PRIMARY KEY(tenant_id, device_id, shadow_name),
FOREIGN KEY(tenant_id, device_id) REFERENCES ` + p.db.Table("device") + `(tenant_id, device_id) ON DELETE CASCADE
);
CREATE table IF NOT EXISTS ` + p.db.Table("data_config") + `
(tenant_id varchar NOT NULL,
match varchar NOT NULL,
pattern varchar NOT NULL,
metrics json NOT NULL,
updated_at timestamp NOT NULL,
PRIMARY KEY(tenant_id, match, pattern)
);
CREATE table IF NOT EXISTS ` + p.db.Table("metric_sample") + `
(serial bigserial,
tenant_id varchar NOT NULL,
device_id varchar NOT NULL,
metric varchar NOT NULL,
timestamp timestamp NOT NULL,
value json NOT NULL,
PRIMARY KEY(serial)
);
CREATE index IF NOT EXISTS metric_sample_series ON ` + p.db.Table("metric_sample") + `(tenant_id, device_id, metric, timestamp);
`)
	return err
}

// Close closes the database
func (p *Postgres) Close() error {
	return p.db.Close()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// IsDataError returns true if the database rejected err because of the written data.
// Such a write fails the same way on every retry.
func IsDataError(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	class := pqErr.Code.Class()
	return class == "22" || class == "23"
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}

// CreateTenant implements Tenants
func (p *Postgres) CreateTenant(ctx context.Context, tenant iot.Tenant) error {
	config, err := json.Marshal(tenant.AuthConfig)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO `+p.db.Table("tenant")+`(tenant_id, auth_config, created_at) VALUES($1,$2,$3);`,
		tenant.TenantID, string(config), tenant.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return iot.ErrTenantExists
	}
	return err
}

// GetTenant implements Tenants
func (p *Postgres) GetTenant(ctx context.Context, tenantID string) (*iot.Tenant, error) {
	var (
		t      iot.Tenant
		config []byte
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT tenant_id, auth_config, created_at FROM `+p.db.Table("tenant")+` WHERE tenant_id=$1;`,
		tenantID).Scan(&t.TenantID, &config, &t.CreatedAt)
	if err == csql.ErrNoRows {
		return nil, iot.ErrTenantNotFound
	}
	if err != nil {
		return nil, err
	}
	if err = json.Unmarshal(config, &t.AuthConfig); err != nil {
		return nil, fmt.Errorf("auth config of tenant %s: %w", tenantID, err)
	}
	return &t, nil
}

// ListTenants implements Tenants
func (p *Postgres) ListTenants(ctx context.Context) ([]iot.Tenant, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT tenant_id, auth_config, created_at FROM `+p.db.Table("tenant")+` ORDER BY tenant_id;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tenants := []iot.Tenant{}
	for rows.Next() {
		var (
			t      iot.Tenant
			config []byte
		)
		if err = rows.Scan(&t.TenantID, &config, &t.CreatedAt); err != nil {
			return nil, err
		}
		if err = json.Unmarshal(config, &t.AuthConfig); err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// UpdateAuthConfig implements Tenants
func (p *Postgres) UpdateAuthConfig(ctx context.Context, tenantID string, config iot.AuthConfig) error {
	body, err := json.Marshal(config)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE `+p.db.Table("tenant")+` SET auth_config=$2 WHERE tenant_id=$1;`, tenantID, string(body))
	return affected(res, err, iot.ErrTenantNotFound)
}

// DeleteTenant implements Tenants
func (p *Postgres) DeleteTenant(ctx context.Context, tenantID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM `+p.db.Table("tenant")+` WHERE tenant_id=$1;`, tenantID)
	return affected(res, err, iot.ErrTenantNotFound)
}

func affected(res sql.Result, err error, notFound error) error {
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return notFound
	}
	return nil
}

// CreateDevice implements Devices
func (p *Postgres) CreateDevice(ctx context.Context, device iot.Device) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO `+p.db.Table("device")+`(tenant_id, device_id, certificate, certificate_serial, created_at)
VALUES($1,$2,$3,$4,$5);`,
		device.TenantID, device.DeviceID, device.Certificate, device.CertificateSerial, device.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return iot.ErrDeviceExists
	}
	return err
}

const deviceColumns = `tenant_id, device_id, certificate, certificate_serial, created_at`

func scanDevice(row interface{ Scan(...interface{}) error }) (iot.Device, error) {
	var d iot.Device
	err := row.Scan(&d.TenantID, &d.DeviceID, &d.Certificate, &d.CertificateSerial, &d.CreatedAt)
	return d, err
}

// GetDevice implements Devices
func (p *Postgres) GetDevice(ctx context.Context, key iot.DeviceKey) (*iot.Device, error) {
	d, err := scanDevice(p.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM `+p.db.Table("device")+` WHERE tenant_id=$1 AND device_id=$2;`,
		key.TenantID, key.DeviceID))
	if err == csql.ErrNoRows {
		return nil, iot.ErrDeviceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDevices implements Devices
func (p *Postgres) ListDevices(ctx context.Context, tenantID string) ([]iot.Device, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM `+p.db.Table("device")+` WHERE tenant_id=$1 ORDER BY device_id;`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	devices := []iot.Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// DeleteDevice implements Devices
func (p *Postgres) DeleteDevice(ctx context.Context, key iot.DeviceKey) error {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM `+p.db.Table("device")+` WHERE tenant_id=$1 AND device_id=$2;`, key.TenantID, key.DeviceID)
	return affected(res, err, iot.ErrDeviceNotFound)
}

// SetDeviceCertificate implements Devices
func (p *Postgres) SetDeviceCertificate(ctx context.Context, key iot.DeviceKey, certificatePEM, serial string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE `+p.db.Table("device")+` SET certificate=$3, certificate_serial=$4 WHERE tenant_id=$1 AND device_id=$2;`,
		key.TenantID, key.DeviceID, certificatePEM, serial)
	return affected(res, err, iot.ErrDeviceNotFound)
}

// PutCredential implements Devices
func (p *Postgres) PutCredential(ctx context.Context, c iot.DeviceCredential) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO `+p.db.Table("device_credential")+`(tenant_id, device_id, username, password_hash, created_at)
VALUES($1,$2,$3,$4,$5)
ON CONFLICT (tenant_id, device_id, username) DO UPDATE SET password_hash=$4, created_at=$5;`,
		c.TenantID, c.DeviceID, c.Username, c.PasswordHash, c.CreatedAt.UTC())
	if isForeignKeyViolation(err) {
		return iot.ErrDeviceNotFound
	}
	return err
}

// ListCredentials implements Devices
func (p *Postgres) ListCredentials(ctx context.Context, key iot.DeviceKey) ([]iot.DeviceCredential, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT tenant_id, device_id, username, password_hash, created_at FROM `+p.db.Table("device_credential")+`
WHERE tenant_id=$1 AND device_id=$2 ORDER BY username;`, key.TenantID, key.DeviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	credentials := []iot.DeviceCredential{}
	for rows.Next() {
		var c iot.DeviceCredential
		if err = rows.Scan(&c.TenantID, &c.DeviceID, &c.Username, &c.PasswordHash, &c.CreatedAt); err != nil {
			return nil, err
		}
		credentials = append(credentials, c)
	}
	return credentials, rows.Err()
}

// GetCA implements Authorities
func (p *Postgres) GetCA(ctx context.Context, scope iot.CAScope, slot iot.CASlot) (*iot.CARecord, error) {
	r := iot.CARecord{Scope: scope, Slot: slot}
	err := p.db.QueryRowContext(ctx,
		`SELECT certificate, key, created_at FROM `+p.db.Table("certificate_authority")+` WHERE scope=$1 AND slot=$2;`,
		string(scope), string(slot)).Scan(&r.CertificatePEM, &r.KeyPEM, &r.CreatedAt)
	if err == csql.ErrNoRows {
		return nil, iot.ErrNoCertificateAuthority
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// SwapCA implements Authorities
func (p *Postgres) SwapCA(ctx context.Context, record iot.CARecord) (*iot.CARecord, error) {
	var previous *iot.CARecord
	table := p.db.Table("certificate_authority")
	err := p.db.WithTx(ctx, func(tx *sql.Tx) error {
		prev := iot.CARecord{Scope: record.Scope, Slot: iot.CASlotBackup}
		err := tx.QueryRowContext(ctx,
			`SELECT certificate, key, created_at FROM `+table+` WHERE scope=$1 AND slot='active' FOR UPDATE;`,
			string(record.Scope)).Scan(&prev.CertificatePEM, &prev.KeyPEM, &prev.CreatedAt)
		switch {
		case err == csql.ErrNoRows:
		case err != nil:
			return err
		default:
			previous = &prev
			if _, err = tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE scope=$1 AND slot='backup';`, string(record.Scope)); err != nil {
				return err
			}
			if _, err = tx.ExecContext(ctx, `UPDATE `+table+` SET slot='backup' WHERE scope=$1 AND slot='active';`, string(record.Scope)); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO `+table+`(scope, slot, certificate, key, created_at) VALUES($1,'active',$2,$3,$4);`,
			string(record.Scope), record.CertificatePEM, record.KeyPEM, record.CreatedAt.UTC())
		return err
	})
	if err != nil {
		return nil, err
	}
	return previous, nil
}

// RestoreCA implements Authorities
func (p *Postgres) RestoreCA(ctx context.Context, scope iot.CAScope) error {
	table := p.db.Table("certificate_authority")
	return p.db.WithTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM `+table+` WHERE scope=$1 AND slot='backup');`, string(scope)).Scan(&exists)
		if err != nil {
			return err
		}
		if !exists {
			return iot.ErrNoCertificateAuthority
		}
		_, err = tx.ExecContext(ctx, `UPDATE `+table+` SET slot=CASE slot WHEN 'active' THEN 'backup' ELSE 'active' END
WHERE scope=$1;`, string(scope))
		return err
	})
}

// PurgeCABackup implements Authorities
func (p *Postgres) PurgeCABackup(ctx context.Context, scope iot.CAScope) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM `+p.db.Table("certificate_authority")+` WHERE scope=$1 AND slot='backup';`, string(scope))
	return err
}

const shadowColumns = `tenant_id, device_id, shadow_name, reported, desired, metadata, version, updated_at`

func scanShadow(row interface{ Scan(...interface{}) error }) (iot.ShadowRecord, error) {
	var (
		r                           iot.ShadowRecord
		reported, desired, metadata []byte
	)
	err := row.Scan(&r.TenantID, &r.DeviceID, &r.ShadowName, &reported, &desired, &metadata, &r.Version, &r.UpdatedAt)
	r.Reported, r.Desired, r.Metadata = reported, desired, metadata
	return r, err
}

// GetShadow implements Shadows
func (p *Postgres) GetShadow(ctx context.Context, key iot.DeviceKey, shadowName string) (*iot.ShadowRecord, error) {
	r, err := scanShadow(p.db.QueryRowContext(ctx,
		`SELECT `+shadowColumns+` FROM `+p.db.Table("shadow")+` WHERE tenant_id=$1 AND device_id=$2 AND shadow_name=$3;`,
		key.TenantID, key.DeviceID, shadowName))
	if err == csql.ErrNoRows {
		return nil, iot.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListShadows implements Shadows
func (p *Postgres) ListShadows(ctx context.Context, key iot.DeviceKey) ([]iot.ShadowRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+shadowColumns+` FROM `+p.db.Table("shadow")+` WHERE tenant_id=$1 AND device_id=$2 ORDER BY shadow_name;`,
		key.TenantID, key.DeviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	records := []iot.ShadowRecord{}
	for rows.Next() {
		r, err := scanShadow(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// UpsertShadows implements Shadows. Records of devices which were deleted in the meantime
// are skipped.
func (p *Postgres) UpsertShadows(ctx context.Context, records []iot.ShadowRecord) error {
	table := p.db.Table("shadow")
	return p.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, r := range records {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO `+table+`(`+shadowColumns+`)
SELECT $1,$2,$3,$4,$5,$6,$7,$8
WHERE EXISTS (SELECT 1 FROM `+p.db.Table("device")+` WHERE tenant_id=$1 AND device_id=$2)
ON CONFLICT (tenant_id, device_id, shadow_name) DO UPDATE
SET reported=EXCLUDED.reported, desired=EXCLUDED.desired, metadata=EXCLUDED.metadata,
version=EXCLUDED.version, updated_at=EXCLUDED.updated_at
WHERE `+table+`.version < EXCLUDED.version;`,
				r.TenantID, r.DeviceID, r.ShadowName, string(r.Reported), string(r.Desired), string(r.Metadata),
				r.Version, r.UpdatedAt.UTC())
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// PutDataConfig implements DataConfigs
func (p *Postgres) PutDataConfig(ctx context.Context, config iot.DataConfig) error {
	metrics, err := json.Marshal(config.Metrics)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO `+p.db.Table("data_config")+`(tenant_id, match, pattern, metrics, updated_at)
VALUES($1,$2,$3,$4,$5)
ON CONFLICT (tenant_id, match, pattern) DO UPDATE SET metrics=$4, updated_at=$5;`,
		config.TenantID, string(config.Match), config.Pattern, string(metrics), config.UpdatedAt.UTC())
	return err
}

func scanDataConfig(row interface{ Scan(...interface{}) error }) (iot.DataConfig, error) {
	var (
		c       iot.DataConfig
		match   string
		metrics []byte
	)
	if err := row.Scan(&c.TenantID, &match, &c.Pattern, &metrics, &c.UpdatedAt); err != nil {
		return c, err
	}
	c.Match = iot.MatchKind(match)
	return c, json.Unmarshal(metrics, &c.Metrics)
}

// GetDataConfig implements DataConfigs
func (p *Postgres) GetDataConfig(ctx context.Context, tenantID string, match iot.MatchKind, pattern string) (*iot.DataConfig, error) {
	c, err := scanDataConfig(p.db.QueryRowContext(ctx,
		`SELECT tenant_id, match, pattern, metrics, updated_at FROM `+p.db.Table("data_config")+`
WHERE tenant_id=$1 AND match=$2 AND pattern=$3;`, tenantID, string(match), pattern))
	if err == csql.ErrNoRows {
		return nil, iot.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteDataConfig implements DataConfigs
func (p *Postgres) DeleteDataConfig(ctx context.Context, tenantID string, match iot.MatchKind, pattern string) error {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM `+p.db.Table("data_config")+` WHERE tenant_id=$1 AND match=$2 AND pattern=$3;`,
		tenantID, string(match), pattern)
	return affected(res, err, iot.ErrNotFound)
}

// ListDataConfigs implements DataConfigs
func (p *Postgres) ListDataConfigs(ctx context.Context, tenantID string) ([]iot.DataConfig, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT tenant_id, match, pattern, metrics, updated_at FROM `+p.db.Table("data_config")+`
WHERE tenant_id=$1 ORDER BY match, pattern;`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	configs := []iot.DataConfig{}
	for rows.Next() {
		c, err := scanDataConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

// AppendSamples implements Samples. All samples are written in one transaction.
func (p *Postgres) AppendSamples(ctx context.Context, samples []iot.MetricSample) error {
	if len(samples) == 0 {
		return nil
	}
	return p.db.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, pq.CopyInSchema(p.db.Schema, "metric_sample",
			"tenant_id", "device_id", "metric", "timestamp", "value"))
		if err != nil {
			return err
		}
		for _, s := range samples {
			value, err := json.Marshal(s.Value)
			if err != nil {
				stmt.Close()
				return err
			}
			if _, err = stmt.ExecContext(ctx, s.TenantID, s.DeviceID, s.Metric, s.Timestamp.UTC(), string(value)); err != nil {
				stmt.Close()
				return err
			}
		}
		if _, err = stmt.ExecContext(ctx); err != nil {
			stmt.Close()
			return err
		}
		return stmt.Close()
	})
}

func (p *Postgres) querySamples(ctx context.Context, query string, args ...interface{}) ([]iot.MetricSample, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	samples := []iot.MetricSample{}
	for rows.Next() {
		var (
			s     iot.MetricSample
			value []byte
		)
		if err = rows.Scan(&s.TenantID, &s.DeviceID, &s.Metric, &s.Timestamp, &value); err != nil {
			return nil, err
		}
		if err = json.Unmarshal(value, &s.Value); err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// LastSamples implements Samples
func (p *Postgres) LastSamples(ctx context.Context, key iot.DeviceKey, metric string, limit int) ([]iot.MetricSample, error) {
	if limit <= 0 {
		return []iot.MetricSample{}, nil
	}
	return p.querySamples(ctx,
		`SELECT tenant_id, device_id, metric, timestamp, value FROM (
SELECT serial, tenant_id, device_id, metric, timestamp, value FROM `+p.db.Table("metric_sample")+`
WHERE tenant_id=$1 AND device_id=$2 AND metric=$3 ORDER BY timestamp DESC, serial DESC LIMIT $4
) AS latest ORDER BY timestamp ASC, serial ASC;`,
		key.TenantID, key.DeviceID, metric, limit)
}

// RangeSamples implements Samples
func (p *Postgres) RangeSamples(ctx context.Context, key iot.DeviceKey, metric string, from, to time.Time) ([]iot.MetricSample, error) {
	return p.querySamples(ctx,
		`SELECT tenant_id, device_id, metric, timestamp, value FROM `+p.db.Table("metric_sample")+`
WHERE tenant_id=$1 AND device_id=$2 AND metric=$3 AND timestamp>=$4 AND timestamp<$5
ORDER BY timestamp ASC, serial ASC;`,
		key.TenantID, key.DeviceID, metric, from.UTC(), to.UTC())
}
