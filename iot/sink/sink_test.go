// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package sink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/goccy/go-json"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/canopy/iot"
	"github.com/relabs-tech/canopy/iot/shadow"
)

var ts = time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)

func samples(n int) []iot.MetricSample {
	var out []iot.MetricSample
	for i := 0; i < n; i++ {
		out = append(out, iot.MetricSample{
			TenantID:  "acme",
			DeviceID:  "sensor-1",
			Metric:    "temperature",
			Timestamp: ts.Add(time.Duration(i) * time.Second),
			Value:     iot.FloatValue(20 + float64(i)),
		})
	}
	return out
}

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSamples(t *testing.T) {
	w := &fakeWriter{}
	k := &Kafka{samples: w}

	require.NoError(t, k.WriteSamples(context.Background(), samples(3)))
	require.Len(t, w.msgs, 3)
	assert.Equal(t, "acme/sensor-1", string(w.msgs[0].Key))
	assert.Equal(t, "metric", w.msgs[0].Headers[0].Key)
	assert.Equal(t, "temperature", string(w.msgs[0].Headers[0].Value))

	var s iot.MetricSample
	require.NoError(t, json.Unmarshal(w.msgs[2].Value, &s))
	assert.Equal(t, "temperature", s.Metric)
	require.NotNil(t, s.Value.Int)
	assert.Equal(t, int64(22), *s.Value.Int)

	// no shadow topic, deltas are dropped
	snap := &shadow.Snapshot{Key: iot.DeviceKey{TenantID: "acme", DeviceID: "sensor-1"}, Name: "default"}
	require.NoError(t, k.PublishDelta(context.Background(), snap, []byte(`{"led":"on"}`)))
	require.NoError(t, k.Close())
	assert.True(t, w.closed)
}

func TestKafkaShadowDelta(t *testing.T) {
	w := &fakeWriter{}
	k := &Kafka{samples: &fakeWriter{}, shadows: w}

	snap := &shadow.Snapshot{
		Key:       iot.DeviceKey{TenantID: "acme", DeviceID: "lamp"},
		Name:      "default",
		Version:   7,
		UpdatedAt: ts,
	}
	require.NoError(t, k.PublishDelta(context.Background(), snap, []byte(`{"led":"on"}`)))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "acme/lamp", string(w.msgs[0].Key))

	var event ShadowEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &event))
	assert.Equal(t, int64(7), event.Version)
	assert.JSONEq(t, `{"led":"on"}`, string(event.Delta))
}

type fakePoints struct {
	points []*write.Point
}

func (f *fakePoints) WritePoint(ctx context.Context, point ...*write.Point) error {
	f.points = append(f.points, point...)
	return nil
}

func TestInfluxPoints(t *testing.T) {
	f := &fakePoints{}
	s := &Influx{writer: f}

	in := samples(1)
	in = append(in, iot.MetricSample{
		TenantID: "acme", DeviceID: "truck", Metric: "position", Timestamp: ts,
		Value: iot.LocationValue(52.5, 13.4),
	})
	require.NoError(t, s.WriteSamples(context.Background(), in))
	require.Len(t, f.points, 2)

	p := f.points[0]
	assert.Equal(t, "temperature", p.Name())
	tags := map[string]string{}
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	assert.Equal(t, map[string]string{"tenant": "acme", "device": "sensor-1"}, tags)
	require.Len(t, p.FieldList(), 1)
	assert.Equal(t, "value", p.FieldList()[0].Key)

	fields := map[string]interface{}{}
	for _, field := range f.points[1].FieldList() {
		fields[field.Key] = field.Value
	}
	assert.Equal(t, 52.5, fields["lat"])
	assert.Equal(t, 13.4, fields["long"])

	require.NoError(t, s.WriteSamples(context.Background(), nil))
	assert.Len(t, f.points, 2)
}

type fakeSQS struct {
	calls  []*sqs.SendMessageBatchInput
	failed int
	err    error
}

func (f *fakeSQS) SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, params)
	out := &sqs.SendMessageBatchOutput{}
	for i := 0; i < f.failed; i++ {
		out.Failed = append(out.Failed, types.BatchResultErrorEntry{})
	}
	return out, nil
}

func TestSQSBatches(t *testing.T) {
	f := &fakeSQS{}
	s := &SQS{client: f, queueURL: "https://sqs.example/queue"}

	// 105 samples make 11 messages, sent in two batches
	require.NoError(t, s.WriteSamples(context.Background(), samples(105)))
	require.Len(t, f.calls, 2)
	assert.Len(t, f.calls[0].Entries, 10)
	assert.Len(t, f.calls[1].Entries, 1)
	assert.Equal(t, "https://sqs.example/queue", *f.calls[0].QueueUrl)

	var last []iot.MetricSample
	require.NoError(t, json.Unmarshal([]byte(*f.calls[1].Entries[0].MessageBody), &last))
	assert.Len(t, last, 5)

	ids := map[string]bool{}
	for _, e := range f.calls[0].Entries {
		ids[*e.Id] = true
	}
	assert.Len(t, ids, 10)
}

func TestSQSFailures(t *testing.T) {
	f := &fakeSQS{failed: 1}
	s := &SQS{client: f, queueURL: "q"}
	assert.Error(t, s.WriteSamples(context.Background(), samples(3)))

	f = &fakeSQS{err: errors.New("boom")}
	s = &SQS{client: f, queueURL: "q"}
	assert.Error(t, s.WriteSamples(context.Background(), samples(3)))
}
