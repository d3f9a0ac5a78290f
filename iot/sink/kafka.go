// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package sink mirrors stored telemetry and shadow changes to external systems.

Sinks are fed after the store accepted a batch. The store stays the source of
truth: a failing sink is logged and skipped, it never fails an ingest.

	Kafka   every sample as one message keyed by tenant/device, shadow deltas on a second topic
	Influx  every sample as one point, measurement is the metric name
	SQS     sample batches as messages of up to ten samples
*/
package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/relabs-tech/canopy/core/logger"
	"github.com/relabs-tech/canopy/iot"
	"github.com/relabs-tech/canopy/iot/shadow"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaBuilder is a builder helper for the Kafka sink
type KafkaBuilder struct {
	// Brokers are the kafka bootstrap brokers. This is mandatory.
	Brokers []string
	// SamplesTopic receives metric samples. This is mandatory.
	SamplesTopic string
	// ShadowTopic receives shadow deltas. Optional, empty disables shadow events.
	ShadowTopic string
}

// Kafka publishes samples and shadow deltas to kafka
type Kafka struct {
	samples messageWriter
	shadows messageWriter
}

// ShadowEvent is the kafka message of a shadow change
type ShadowEvent struct {
	TenantID   string          `json:"tenant_id"`
	DeviceID   string          `json:"device_id"`
	ShadowName string          `json:"shadow_name"`
	Version    int64           `json:"version"`
	Delta      json.RawMessage `json:"delta"`
	Timestamp  time.Time       `json:"timestamp"`
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Compression:  kafka.Snappy,
	}
}

// NewKafka returns a kafka sink
func NewKafka(b *KafkaBuilder) *Kafka {
	if len(b.Brokers) == 0 {
		panic("brokers are missing")
	}
	if b.SamplesTopic == "" {
		panic("samples topic is missing")
	}
	k := &Kafka{samples: newWriter(b.Brokers, b.SamplesTopic)}
	if b.ShadowTopic != "" {
		// deltas are published while the shadow is locked, so this writer must not block
		w := newWriter(b.Brokers, b.ShadowTopic)
		w.Async = true
		w.Completion = func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Default().WithError(err).Warnf("kafka dropped %d shadow events", len(messages))
			}
		}
		k.shadows = w
	}
	logger.Default().Infof("kafka sink enabled on %v", b.Brokers)
	return k
}

// Name implements telemetry.Sink
func (k *Kafka) Name() string {
	return "kafka"
}

func deviceKey(tenantID, deviceID string) []byte {
	return []byte(tenantID + "/" + deviceID)
}

func sampleMessages(samples []iot.MetricSample) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(samples))
	for i := range samples {
		s := &samples[i]
		value, err := json.Marshal(s)
		if err != nil {
			return nil, fmt.Errorf("cannot marshal sample: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   deviceKey(s.TenantID, s.DeviceID),
			Value: value,
			Time:  s.Timestamp,
			Headers: []kafka.Header{
				{Key: "metric", Value: []byte(s.Metric)},
			},
		})
	}
	return msgs, nil
}

// WriteSamples implements telemetry.Sink
func (k *Kafka) WriteSamples(ctx context.Context, samples []iot.MetricSample) error {
	if len(samples) == 0 {
		return nil
	}
	msgs, err := sampleMessages(samples)
	if err != nil {
		return err
	}
	return k.samples.WriteMessages(ctx, msgs...)
}

func shadowMessage(snapshot *shadow.Snapshot, delta []byte) (kafka.Message, error) {
	event := ShadowEvent{
		TenantID:   snapshot.Key.TenantID,
		DeviceID:   snapshot.Key.DeviceID,
		ShadowName: snapshot.Name,
		Version:    snapshot.Version,
		Delta:      delta,
		Timestamp:  snapshot.UpdatedAt,
	}
	value, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   deviceKey(event.TenantID, event.DeviceID),
		Value: value,
		Time:  event.Timestamp,
	}, nil
}

// PublishDelta publishes a shadow delta. It does nothing without a shadow topic.
func (k *Kafka) PublishDelta(ctx context.Context, snapshot *shadow.Snapshot, delta []byte) error {
	if k.shadows == nil {
		return nil
	}
	msg, err := shadowMessage(snapshot, delta)
	if err != nil {
		return err
	}
	return k.shadows.WriteMessages(ctx, msg)
}

// Close flushes and closes the writers
func (k *Kafka) Close() error {
	err := k.samples.Close()
	if k.shadows != nil {
		if serr := k.shadows.Close(); err == nil {
			err = serr
		}
	}
	return err
}
