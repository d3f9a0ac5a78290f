// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package auth

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/relabs-tech/canopy/iot"
	"github.com/relabs-tech/canopy/iot/identity"
)

// SetPassword creates or replaces the password of username for a device. Only the
// bcrypt hash is stored. An empty username means the device id.
func (g *Gateway) SetPassword(ctx context.Context, key iot.DeviceKey, username, password string, now time.Time) (*iot.DeviceCredential, error) {
	if username == "" {
		username = key.DeviceID
	}
	if !identity.ValidName(username) {
		return nil, fmt.Errorf("%w: invalid username", iot.ErrMalformedRequest)
	}
	if len(password) == 0 || len(password) > 72 {
		return nil, fmt.Errorf("%w: password must have 1 to 72 bytes", iot.ErrMalformedRequest)
	}
	if _, err := g.store.GetDevice(ctx, key); err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), g.bcryptCost)
	if err != nil {
		return nil, err
	}
	credential := iot.DeviceCredential{
		TenantID:     key.TenantID,
		DeviceID:     key.DeviceID,
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    now,
	}
	if err := g.store.PutCredential(ctx, credential); err != nil {
		return nil, err
	}
	return &credential, nil
}

// Passwords lists the credentials of a device. Hashes are never serialized.
func (g *Gateway) Passwords(ctx context.Context, key iot.DeviceKey) ([]iot.DeviceCredential, error) {
	if _, err := g.store.GetDevice(ctx, key); err != nil {
		return nil, err
	}
	return g.store.ListCredentials(ctx, key)
}
