// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package sink

import (
	"context"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/relabs-tech/canopy/core/logger"
	"github.com/relabs-tech/canopy/iot"
)

type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxBuilder is a builder helper for the Influx sink
type InfluxBuilder struct {
	// URL of the influxdb server. This is mandatory.
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Influx mirrors samples into an influxdb bucket
type Influx struct {
	client influxdb2.Client
	writer pointWriter
}

// NewInflux returns an influxdb sink
func NewInflux(b *InfluxBuilder) *Influx {
	if b.URL == "" {
		panic("url is missing")
	}
	client := influxdb2.NewClient(b.URL, b.Token)
	logger.Default().Infof("influx sink enabled on %s", b.URL)
	return &Influx{
		client: client,
		writer: client.WriteAPIBlocking(b.Org, b.Bucket),
	}
}

// Name implements telemetry.Sink
func (s *Influx) Name() string {
	return "influx"
}

func samplePoint(sample *iot.MetricSample) *write.Point {
	tags := map[string]string{
		"tenant": sample.TenantID,
		"device": sample.DeviceID,
	}
	fields := map[string]interface{}{}
	v := sample.Value
	switch {
	case v.Float != nil:
		fields["value"] = *v.Float
	case v.Int != nil:
		fields["value"] = *v.Int
	case v.Location != nil:
		fields["lat"] = v.Location.Lat
		fields["long"] = v.Location.Long
	}
	return write.NewPoint(sample.Metric, tags, fields, sample.Timestamp)
}

// WriteSamples implements telemetry.Sink
func (s *Influx) WriteSamples(ctx context.Context, samples []iot.MetricSample) error {
	if len(samples) == 0 {
		return nil
	}
	points := make([]*write.Point, 0, len(samples))
	for i := range samples {
		points = append(points, samplePoint(&samples[i]))
	}
	return s.writer.WritePoint(ctx, points...)
}

// Close closes the client
func (s *Influx) Close() error {
	if s.client != nil {
		s.client.Close()
	}
	return nil
}
