// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package registry provides a persistent key/value registry of JSON objects.

The registry keeps small pieces of service state that must survive a restart,
for example the secret used to sign device tokens. It is backed either by a
table in the SQL database or, for tests and the in-memory deployment, by a map.
*/
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/canopy/core/csql"
)

// Store is the storage behind a registry
type Store interface {
	// Load returns the raw value and the time it was written. A missing key returns
	// a nil value and no error.
	Load(ctx context.Context, key string) ([]byte, time.Time, error)
	Save(ctx context.Context, key string, value []byte, timestamp time.Time) error
	Remove(ctx context.Context, key string) error
}

// Registry provides a persistent registry of objects.
type Registry struct {
	store Store
}

// New creates a new registry in the specified database
func New(db *csql.DB) Registry {
	_, err := db.Exec(`CREATE table IF NOT EXISTS ` + db.Table("_registry_") + `
(key varchar NOT NULL,
value json NOT NULL,
timestamp timestamp NOT NULL,
PRIMARY KEY(key)
);`)
	if err != nil {
		panic(err)
	}
	return Registry{store: &sqlStore{db: db}}
}

// NewMemory creates a new registry which lives in memory only
func NewMemory() Registry {
	return Registry{store: &memoryStore{values: map[string]memoryValue{}}}
}

// Accessor is an accessor with optional prefix
type Accessor struct {
	Prefix   string
	Registry Registry
}

// Accessor returns a registry accessor with prefix
func (r Registry) Accessor(prefix string) Accessor {
	return Accessor{
		Prefix:   prefix,
		Registry: r,
	}
}

func (r Accessor) key(key string) string {
	if len(r.Prefix) > 0 {
		return r.Prefix + ":" + key
	}
	return key
}

// Read reads a value from the registry. It returns the
// time when the value was written, or a zero timestamp
// if there is no value.
//
// If the accessor has a prefix, the key is prepended with "{prefix}:"
func (r Accessor) Read(ctx context.Context, key string, value interface{}) (time.Time, error) {
	key = r.key(key)
	raw, timestamp, err := r.Registry.store.Load(ctx, key)
	if err != nil {
		return timestamp, fmt.Errorf("cannot read key '%s': %w", key, err)
	}
	if raw == nil {
		return timestamp, nil
	}
	return timestamp, json.Unmarshal(raw, value)
}

// Write writes a value into the registry.
//
// If the accessor has a prefix, the key is prepended with "{prefix}:"
func (r Accessor) Write(ctx context.Context, key string, value interface{}) error {
	body, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return r.Registry.store.Save(ctx, r.key(key), body, time.Now().UTC())
}

// Delete deletes a value from the registry.
//
// If the accessor has a prefix, the key is prepended with "{prefix}:"
func (r Accessor) Delete(ctx context.Context, key string) error {
	return r.Registry.store.Remove(ctx, r.key(key))
}

type sqlStore struct {
	db *csql.DB
}

func (s *sqlStore) Load(ctx context.Context, key string) ([]byte, time.Time, error) {
	var (
		raw       []byte
		timestamp time.Time
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, timestamp FROM `+s.db.Table("_registry_")+` WHERE key=$1;`,
		key).Scan(&raw, &timestamp)
	if err == csql.ErrNoRows {
		return nil, timestamp, nil
	}
	return raw, timestamp, err
}

func (s *sqlStore) Save(ctx context.Context, key string, value []byte, timestamp time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO `+s.db.Table("_registry_")+`(key,value,timestamp)
VALUES($1,$2,$3)
ON CONFLICT (key) DO UPDATE SET value=$2,timestamp=$3;`,
		key, string(value), timestamp)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("could not write key %s", key)
	}
	return nil
}

func (s *sqlStore) Remove(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM `+s.db.Table("_registry_")+` WHERE key=$1;`, key)
	return err
}

type memoryValue struct {
	raw       []byte
	timestamp time.Time
}

type memoryStore struct {
	mu     sync.RWMutex
	values map[string]memoryValue
}

func (s *memoryStore) Load(_ context.Context, key string) ([]byte, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return nil, time.Time{}, nil
	}
	return v.raw, v.timestamp, nil
}

func (s *memoryStore) Save(_ context.Context, key string, value []byte, timestamp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = memoryValue{raw: append([]byte(nil), value...), timestamp: timestamp}
	return nil
}

func (s *memoryStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}
