// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package broker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/relabs-tech/canopy/iot"
	"github.com/relabs-tech/canopy/iot/processor"
	"github.com/relabs-tech/canopy/iot/shadow"
	"github.com/relabs-tech/canopy/iot/store"
)

var lamp = iot.DeviceKey{TenantID: "acme", DeviceID: "lamp"}

func newBroker(t *testing.T) (*processor.Processor, *Broker) {
	t.Helper()
	ctx := context.Background()
	p := processor.New(&processor.Builder{
		Store:      store.NewMemory(),
		BcryptCost: bcrypt.MinCost,
	})
	t.Cleanup(p.Close)
	require.NoError(t, p.Bootstrap(ctx))
	_, err := p.CreateTenant(ctx, "acme", &iot.AuthConfig{AllowPasswords: true, AllowCertificates: true})
	require.NoError(t, err)
	_, err = p.CreateDevice(ctx, lamp)
	require.NoError(t, err)
	_, err = p.Gateway().SetPassword(ctx, lamp, "lamp", "secret", time.Now())
	require.NoError(t, err)

	b, err := New(ctx, &Builder{
		Processor:  p,
		Bind:       "127.0.0.1:0",
		BindTLS:    "127.0.0.1:0",
		ServerName: "localhost",
		HostNames:  []string{"127.0.0.1"},
	})
	require.NoError(t, err)
	p.SetTransport(b)
	b.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		b.Stop(ctx)
	})
	return p, b
}

func connect(t *testing.T, opts *mqtt.ClientOptions) (mqtt.Client, error) {
	t.Helper()
	opts.SetAutoReconnect(false).SetConnectTimeout(5 * time.Second)
	c := mqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(5*time.Second) {
		return nil, assert.AnError
	}
	if err := token.Error(); err != nil {
		return nil, err
	}
	t.Cleanup(func() { c.Disconnect(100) })
	return c, nil
}

func plainOptions(b *Broker, clientID, username, password string) *mqtt.ClientOptions {
	return mqtt.NewClientOptions().
		AddBroker("tcp://" + b.Addrs()[0].String()).
		SetClientID(clientID).
		SetUsername(username).
		SetPassword(password)
}

func TestPasswordLoginAndDelta(t *testing.T) {
	p, b := newBroker(t)
	ctx := context.Background()

	c, err := connect(t, plainOptions(b, "acme.lamp", "lamp", "secret"))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return p.IsConnected(lamp) }, 2*time.Second, 10*time.Millisecond)

	deltas := make(chan string, 4)
	token := c.Subscribe(p.Topics().ShadowDelta(lamp, iot.DefaultShadow), 1, func(_ mqtt.Client, m mqtt.Message) {
		deltas <- string(m.Payload())
	})
	require.True(t, token.WaitTimeout(2*time.Second))
	require.NoError(t, token.Error())

	_, err = p.UpdateShadow(ctx, lamp, "", []byte(`{"state":{"desired":{"led":"on"}}}`), processor.TransportHTTP, shadow.WriteThrough)
	require.NoError(t, err)
	select {
	case delta := <-deltas:
		assert.JSONEq(t, `{"led":"on"}`, delta)
	case <-time.After(3 * time.Second):
		t.Fatal("no delta received")
	}

	// the device reports what it did
	token = c.Publish(p.Topics().ShadowUpdate(lamp, iot.DefaultShadow), 1, false, `{"state":{"reported":{"led":"on"}}}`)
	require.True(t, token.WaitTimeout(2*time.Second))
	assert.Eventually(t, func() bool {
		delta, err := p.Shadows().CurrentDelta(ctx, lamp, iot.DefaultShadow)
		return err == nil && delta == nil
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, b.ForceDisconnect(lamp))
	assert.Eventually(t, func() bool { return !p.IsConnected(lamp) }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, b.ForceDisconnect(lamp))
}

func TestDeltaOnSubscribe(t *testing.T) {
	p, b := newBroker(t)
	ctx := context.Background()

	// desired state changes while the lamp is offline
	_, err := p.UpdateShadow(ctx, lamp, "", []byte(`{"state":{"desired":{"led":"off"}}}`), processor.TransportHTTP, shadow.WriteThrough)
	require.NoError(t, err)

	c, err := connect(t, plainOptions(b, "acme.lamp", "lamp", "secret"))
	require.NoError(t, err)
	deltas := make(chan string, 4)
	token := c.Subscribe(p.Topics().ShadowDelta(lamp, iot.DefaultShadow), 1, func(_ mqtt.Client, m mqtt.Message) {
		deltas <- string(m.Payload())
	})
	require.True(t, token.WaitTimeout(2*time.Second))
	select {
	case delta := <-deltas:
		assert.JSONEq(t, `{"led":"off"}`, delta)
	case <-time.After(3 * time.Second):
		t.Fatal("no delta received")
	}
}

func TestDeltaOnWildcardSubscribe(t *testing.T) {
	p, b := newBroker(t)
	ctx := context.Background()

	_, err := p.UpdateShadow(ctx, lamp, "garage", []byte(`{"state":{"desired":{"door":"closed"}}}`), processor.TransportHTTP, shadow.WriteThrough)
	require.NoError(t, err)

	c, err := connect(t, plainOptions(b, "acme.lamp", "lamp", "secret"))
	require.NoError(t, err)
	deltas := make(chan mqtt.Message, 4)
	token := c.Subscribe("things/acme.lamp/shadow/#", 1, func(_ mqtt.Client, m mqtt.Message) {
		deltas <- m
	})
	require.True(t, token.WaitTimeout(2*time.Second))
	select {
	case m := <-deltas:
		assert.Equal(t, p.Topics().ShadowDelta(lamp, "garage"), m.Topic())
		assert.JSONEq(t, `{"door":"closed"}`, string(m.Payload()))
	case <-time.After(3 * time.Second):
		t.Fatal("no delta received")
	}
}

func TestRejectedLogins(t *testing.T) {
	_, b := newBroker(t)

	_, err := connect(t, plainOptions(b, "acme.lamp", "lamp", "wrong"))
	assert.ErrorIs(t, err, packets.ErrorRefusedBadUsernameOrPassword)

	// unknown devices look like wrong passwords
	_, err = connect(t, plainOptions(b, "acme.ghost", "ghost", "secret"))
	assert.ErrorIs(t, err, packets.ErrorRefusedBadUsernameOrPassword)

	_, err = connect(t, plainOptions(b, "not a client id", "", ""))
	assert.ErrorIs(t, err, packets.ErrorRefusedIDRejected)
}

func TestForeignSubscriptionFails(t *testing.T) {
	p, b := newBroker(t)
	c, err := connect(t, plainOptions(b, "acme.lamp", "lamp", "secret"))
	require.NoError(t, err)

	other := iot.DeviceKey{TenantID: "acme", DeviceID: "door"}
	token := c.Subscribe(p.Topics().ShadowDelta(other, iot.DefaultShadow), 1, func(mqtt.Client, mqtt.Message) {})
	require.True(t, token.WaitTimeout(2*time.Second))
	st, ok := token.(*mqtt.SubscribeToken)
	require.True(t, ok)
	for _, qos := range st.Result() {
		assert.Equal(t, byte(0x80), qos)
	}
}

func TestCertificateLogin(t *testing.T) {
	p, b := newBroker(t)
	ctx := context.Background()
	sensor := iot.DeviceKey{TenantID: iot.DefaultTenant, DeviceID: "sensor-7"}
	issued, err := p.ProvisionDevice(ctx, sensor)
	require.NoError(t, err)

	crt, err := tls.X509KeyPair([]byte(issued.CertificatePEM), []byte(issued.KeyPEM))
	require.NoError(t, err)
	roots := x509.NewCertPool()
	require.True(t, roots.AppendCertsFromPEM([]byte(issued.CAPEM)))

	opts := mqtt.NewClientOptions().
		AddBroker("ssl://" + b.Addrs()[1].String()).
		SetClientID("sensor-7").
		SetTLSConfig(&tls.Config{
			Certificates: []tls.Certificate{crt},
			RootCAs:      roots,
			ServerName:   "localhost",
		})
	_, err = connect(t, opts)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return p.IsConnected(sensor) }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"sensor-7"}, p.ConnectedDevices(iot.DefaultTenant))
}
