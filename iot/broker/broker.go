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
	"errors"
	"net"
	"sync"
	"time"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"

	"github.com/relabs-tech/canopy/core/logger"
	"github.com/relabs-tech/canopy/iot"
	"github.com/relabs-tech/canopy/iot/auth"
	"github.com/relabs-tech/canopy/iot/identity"
	"github.com/relabs-tech/canopy/iot/processor"
)

// handshakeTimeout bounds the TLS handshake of a new connection
const handshakeTimeout = 10 * time.Second

// server is the lifecycle of the server gmqtt.NewServer returns
type server interface {
	gmqtt.Server
	Run()
	Stop(ctx context.Context) error
}

// Broker is a MQTT broker for IoT. It implements iot.Transport.
type Broker struct {
	p         *plugin
	server    server
	listeners []net.Listener
}

// Builder is a builder helper for the Broker
type Builder struct {
	// Processor handles authentication and messages. This is mandatory.
	Processor *processor.Processor
	// Bind is the plain TCP listen address. Optional.
	Bind string
	// BindTLS is the TLS listen address. Optional. Clients may present a certificate.
	BindTLS string
	// ServerName and HostNames go into the server certificate. ServerName is
	// mandatory when BindTLS is set.
	ServerName string
	HostNames  []string
}

// plugin is the plugin for GMQTT
type plugin struct {
	processor *processor.Processor
	service   gmqtt.Server

	chainsMux sync.RWMutex
	chains    map[net.Conn][]*x509.Certificate

	sessionsMux sync.Mutex
	sessions    map[string]gmqtt.Client
}

// New returns a new broker listening on the configured addresses. The broker will not
// actually run until you call Run()
func New(ctx context.Context, bb *Builder) (*Broker, error) {
	if bb.Processor == nil {
		panic("processor is missing")
	}
	if bb.Bind == "" && bb.BindTLS == "" {
		return nil, errors.New("broker needs at least one listen address")
	}
	rlog := logger.FromContext(ctx)

	b := &Broker{
		p: &plugin{
			processor: bb.Processor,
			chains:    map[net.Conn][]*x509.Certificate{},
			sessions:  map[string]gmqtt.Client{},
		},
	}
	if bb.Bind != "" {
		ln, err := net.Listen("tcp", bb.Bind)
		if err != nil {
			return nil, err
		}
		rlog.Infoln("mqtt on", ln.Addr())
		b.listeners = append(b.listeners, ln)
	}
	if bb.BindTLS != "" {
		if bb.ServerName == "" {
			b.closeListeners()
			return nil, errors.New("server name is missing")
		}
		crt, err := bb.Processor.Authority().ServerCertificate(ctx, bb.ServerName, bb.HostNames)
		if err != nil {
			b.closeListeners()
			return nil, err
		}
		// client certificates are verified per tenant by the gateway
		tlsConfig := &tls.Config{
			Certificates: []tls.Certificate{crt},
			ClientAuth:   tls.RequestClientCert,
			MinVersion:   tls.VersionTLS12,
		}
		tlsln, err := tls.Listen("tcp", bb.BindTLS, tlsConfig)
		if err != nil {
			b.closeListeners()
			return nil, err
		}
		rlog.Infoln("mqtts on", tlsln.Addr())
		b.listeners = append(b.listeners, tlsln)
	}
	return b, nil
}

func (b *Broker) closeListeners() {
	for _, ln := range b.listeners {
		ln.Close()
	}
}

// Addrs returns the addresses the broker listens on, plain first
func (b *Broker) Addrs() []net.Addr {
	addrs := make([]net.Addr, len(b.listeners))
	for i, ln := range b.listeners {
		addrs[i] = ln.Addr()
	}
	return addrs
}

// Run starts the server and returns
func (b *Broker) Run() {
	b.server = gmqtt.NewServer(
		gmqtt.WithTCPListener(b.listeners...),
		gmqtt.WithPlugin(b.p),
	)
	b.server.Run()
	logger.Default().Infoln("broker started")
}

// Stop stops the server gracefully
func (b *Broker) Stop(ctx context.Context) error {
	if b.server == nil {
		b.closeListeners()
		return nil
	}
	err := b.server.Stop(ctx)
	logger.Default().Infoln("broker stopped")
	return err
}

// PublishMessageQ1 publishes an MQTT messsage with quality level 1
func (b *Broker) PublishMessageQ1(topic string, payload []byte) {
	if b.p.service == nil {
		return
	}
	logger.Default().Debugf("PublishMessageQ1 on %s (%d bytes)", topic, len(payload))
	msg := gmqtt.NewMessage(topic, payload, packets.QOS_1)
	b.p.service.PublishService().Publish(msg)
}

// ForceDisconnect closes the session of a device. It returns false if the device
// is not connected.
func (b *Broker) ForceDisconnect(device iot.DeviceKey) bool {
	clientID := identity.ClientID(device)
	b.p.sessionsMux.Lock()
	client, ok := b.p.sessions[clientID]
	b.p.sessionsMux.Unlock()
	if !ok {
		return false
	}
	logger.Default().Infoln("force disconnect", clientID)
	client.Close()
	return true
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	logger.Default().Infoln("load canopy")
	p.service = service
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "canopy broker" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnAcceptWrapper:     p.OnAcceptWrapper,
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnSubscribedWrapper: p.OnSubscribedWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
		OnCloseWrapper:      p.OnCloseWrapper,
	}
}

func (p *plugin) chainFromConnection(conn net.Conn) []*x509.Certificate {
	p.chainsMux.RLock()
	defer p.chainsMux.RUnlock()
	return p.chains[conn]
}

// deviceFromClient returns the device of an admitted client. Only valid client ids
// are admitted.
func deviceFromClient(client gmqtt.Client) iot.DeviceKey {
	device, _ := identity.ParseClientID(client.OptionsReader().ClientID())
	return device
}

// OnAcceptWrapper completes the TLS handshake and keeps the client certificates of
// the connection for authentication
func (p *plugin) OnAcceptWrapper(accept gmqtt.OnAccept) gmqtt.OnAccept {
	return func(ctx context.Context, conn net.Conn) bool {
		tlsConn, ok := conn.(*tls.Conn)
		if ok {
			tlsConn.SetDeadline(time.Now().Add(handshakeTimeout))
			err := tlsConn.Handshake()
			tlsConn.SetDeadline(time.Time{})
			if err != nil {
				logger.FromContext(ctx).WithError(err).Debugln("tls handshake failed")
				return false
			}
			chain := tlsConn.ConnectionState().PeerCertificates
			if len(chain) > 0 {
				p.chainsMux.Lock()
				p.chains[conn] = chain
				p.chainsMux.Unlock()
			}
		}
		return accept(ctx, conn)
	}
}

// OnConnectWrapper authenticates the client. The client id claims the device; a
// client certificate takes precedence over username and password.
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		options := client.OptionsReader()
		clientID := options.ClientID()
		claim, err := identity.ParseClientID(clientID)
		if err != nil {
			logger.FromContext(ctx).Warnln("connect denied, invalid client id", clientID)
			return packets.CodeIdentifierRejected
		}
		ctx, rlog := logger.ContextWithDevice(ctx, claim.TenantID, claim.DeviceID)

		var credential auth.Credential
		if chain := p.chainFromConnection(client.Connection()); len(chain) > 0 {
			credential = auth.CertificateCredential(chain)
		} else {
			credential = auth.PasswordCredential(options.Username(), options.Password())
		}
		device, err := p.processor.Authenticate(ctx, claim, credential)
		if err != nil {
			rlog.Warnln("connect denied,", clientID, "not authorized")
			if credential.Kind == auth.Password {
				return packets.CodeBadUsernameorPsw
			}
			return packets.CodeNotAuthorized
		}

		code = connect(ctx, client)
		if code == packets.CodeAccepted {
			p.sessionsMux.Lock()
			p.sessions[clientID] = client
			p.sessionsMux.Unlock()
			p.processor.Connected(device)
			rlog.Infoln("connect", clientID, "with", credential.Kind)
		}
		return code
	}
}

// OnCloseWrapper forgets the session and the certificates of the connection
func (p *plugin) OnCloseWrapper(closed gmqtt.OnClose) gmqtt.OnClose {
	return func(ctx context.Context, client gmqtt.Client, err error) {
		p.chainsMux.Lock()
		delete(p.chains, client.Connection())
		p.chainsMux.Unlock()

		clientID := client.OptionsReader().ClientID()
		p.sessionsMux.Lock()
		// a reconnect may already have replaced the session
		current := p.sessions[clientID] == client
		if current {
			delete(p.sessions, clientID)
		}
		p.sessionsMux.Unlock()
		if current {
			p.processor.Disconnected(deviceFromClient(client))
			logger.Default().Infoln("disconnect", clientID)
		}
		closed(ctx, client, err)
	}
}

// OnMsgArrivedWrapper intercepts messages. Devices may only publish on their own
// topics; everything else is dropped.
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		device := deviceFromClient(client)
		ctx, rlog := logger.ContextWithDevice(ctx, device.TenantID, device.DeviceID)
		topic := msg.Topic()
		if !p.processor.Topics().MayPublish(device, topic) {
			rlog.Debugln("OnMsgArrived", topic, "denied!")
			return false
		}
		if err := p.processor.HandleMessage(ctx, device, topic, msg.Payload()); err != nil {
			if !errors.Is(err, iot.ErrRateLimitExceeded) {
				rlog.WithError(err).Warnln("cannot process message on", topic)
			}
			return false
		}
		return arrived(ctx, client, msg)
	}
}

// OnSubscribeWrapper enforces topic policy
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		device := deviceFromClient(client)
		if !p.processor.Topics().MaySubscribe(device, topic.Name) {
			logger.FromContext(ctx).Warnln("OnSubscribe", device, topic.Name, "denied!")
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, topic)
	}
}

// OnSubscribedWrapper sends the pending deltas of all shadows the subscription covers
func (p *plugin) OnSubscribedWrapper(subscribed gmqtt.OnSubscribed) gmqtt.OnSubscribed {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) {
		subscribed(ctx, client, topic)
		device := deviceFromClient(client)
		ctx, rlog := logger.ContextWithDevice(ctx, device.TenantID, device.DeviceID)
		if err := p.processor.SyncSubscription(ctx, device, topic.Name); err != nil {
			rlog.WithError(err).Warnln("cannot sync deltas of", topic.Name)
		}
	}
}
