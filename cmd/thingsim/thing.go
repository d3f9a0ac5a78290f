// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/relabs-tech/canopy/core/logger"
	"github.com/relabs-tech/canopy/iot"
	"github.com/relabs-tech/canopy/iot/identity"
	"github.com/relabs-tech/canopy/iot/topics"
)

var opts struct {
	broker   string
	clientID string
	username string
	password string
	certFile string
	keyFile  string
	caFile   string
	prefix   string
	interval time.Duration
	logLevel string
}

var rootCmd = &cobra.Command{
	Use:           "thingsim",
	Short:         "Simulate a device against a canopy broker",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger.InitLoggerFromString(opts.logLevel)
		device, err := identity.ParseClientID(opts.clientID)
		if err != nil {
			return err
		}
		t, err := topics.New(opts.prefix, nil)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return newThing(device, t).run(ctx)
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&opts.broker, "broker", "tcp://localhost:1883", "broker url, ssl:// for TLS")
	f.StringVar(&opts.clientID, "client-id", "thingsim", "client id, tenant.device or device")
	f.StringVar(&opts.username, "username", "", "username for password authentication")
	f.StringVar(&opts.password, "password", "", "password for password authentication")
	f.StringVar(&opts.certFile, "cert", "", "client certificate for certificate authentication")
	f.StringVar(&opts.keyFile, "key", "", "key of the client certificate")
	f.StringVar(&opts.caFile, "ca", "", "CA certificate of the server")
	f.StringVar(&opts.prefix, "prefix", "things/", "topic prefix")
	f.DurationVar(&opts.interval, "interval", 5*time.Second, "telemetry interval")
	f.StringVar(&opts.logLevel, "log-level", "info", "log level")
}

// thing is the simulated device. Its state is what it last reported.
type thing struct {
	device iot.DeviceKey
	topics *topics.Topics
	rlog   *logrus.Entry

	mu    sync.Mutex
	state map[string]interface{}
}

func newThing(device iot.DeviceKey, t *topics.Topics) *thing {
	return &thing{
		device: device,
		topics: t,
		rlog:   logger.Default().WithField("device", device.String()),
		state:  map[string]interface{}{"led": "off"},
	}
}

func tlsConfig() (*tls.Config, error) {
	config := &tls.Config{MinVersion: tls.VersionTLS12}
	if opts.caFile != "" {
		pem, err := os.ReadFile(opts.caFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificate in %s", opts.caFile)
		}
		config.RootCAs = pool
	}
	if opts.certFile != "" {
		cert, err := tls.LoadX509KeyPair(opts.certFile, opts.keyFile)
		if err != nil {
			return nil, err
		}
		config.Certificates = []tls.Certificate{cert}
	}
	return config, nil
}

func (th *thing) run(ctx context.Context) error {
	config, err := tlsConfig()
	if err != nil {
		return err
	}
	options := mqtt.NewClientOptions().
		AddBroker(opts.broker).
		SetClientID(opts.clientID).
		SetUsername(opts.username).
		SetPassword(opts.password).
		SetTLSConfig(config).
		SetAutoReconnect(true).
		SetOnConnectHandler(th.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			th.rlog.WithError(err).Warnln("connection lost")
		})
	client := mqtt.NewClient(options)
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("cannot connect: %w", err)
	}
	defer client.Disconnect(250)

	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			th.publishTelemetry(client)
		}
	}
}

// onConnect subscribes again after every reconnect. The broker answers the
// subscription with the current delta.
func (th *thing) onConnect(client mqtt.Client) {
	th.rlog.Infoln("connected")
	client.Subscribe(th.topics.ShadowDelta(th.device, iot.DefaultShadow), 1, th.onDelta)
	client.Subscribe(th.topics.TimeResponse(th.device), 1, func(_ mqtt.Client, m mqtt.Message) {
		th.rlog.Infof("server time %s", m.Payload())
	})
	client.Publish(th.topics.TimeRequest(th.device), 1, false, fmt.Sprintf(`{"device_time":%d}`, time.Now().UnixMilli()))
	th.report(client, th.snapshot())
}

func (th *thing) onDelta(client mqtt.Client, m mqtt.Message) {
	var delta map[string]interface{}
	if err := json.Unmarshal(m.Payload(), &delta); err != nil {
		th.rlog.WithError(err).Warnln("cannot read delta")
		return
	}
	th.rlog.Infof("delta %s", m.Payload())
	th.mu.Lock()
	for k, v := range delta {
		th.state[k] = v
	}
	th.mu.Unlock()
	th.report(client, delta)
}

func (th *thing) snapshot() map[string]interface{} {
	th.mu.Lock()
	defer th.mu.Unlock()
	state := make(map[string]interface{}, len(th.state))
	for k, v := range th.state {
		state[k] = v
	}
	return state
}

func (th *thing) report(client mqtt.Client, reported map[string]interface{}) {
	body, err := json.Marshal(map[string]interface{}{
		"state": map[string]interface{}{"reported": reported},
	})
	if err != nil {
		th.rlog.WithError(err).Errorln("cannot encode report")
		return
	}
	client.Publish(th.topics.ShadowUpdate(th.device, iot.DefaultShadow), 1, false, body)
}

func (th *thing) publishTelemetry(client mqtt.Client) {
	body, err := json.Marshal(map[string]interface{}{
		"temp":     20 + rand.Float64()*5,
		"battery":  80 + rand.Intn(20),
		"position": []float64{52.52 + rand.Float64()/100, 13.40 + rand.Float64()/100},
	})
	if err != nil {
		th.rlog.WithError(err).Errorln("cannot encode telemetry")
		return
	}
	client.Publish(th.topics.Data(th.device), 0, false, body)
}
