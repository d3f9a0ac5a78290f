// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package iot

// MessagePublisher is an interface to publish MQTT messages
type MessagePublisher interface {
	PublishMessageQ1(topic string, payload []byte)
}

// Disconnector forcibly closes the session of a connected device
type Disconnector interface {
	ForceDisconnect(device DeviceKey) bool
}

// Transport is what the processor needs from a broker
type Transport interface {
	MessagePublisher
	Disconnector
}

// NoTransport is a Transport which drops everything. It is used when the
// processor runs without a broker, for example in the HTTP-only mode and in tests.
type NoTransport struct{}

// PublishMessageQ1 implements MessagePublisher
func (NoTransport) PublishMessageQ1(topic string, payload []byte) {}

// ForceDisconnect implements Disconnector
func (NoTransport) ForceDisconnect(device DeviceKey) bool { return false }
