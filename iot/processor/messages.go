// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/canopy/core/logger"
	"github.com/relabs-tech/canopy/iot"
	"github.com/relabs-tech/canopy/iot/auth"
	"github.com/relabs-tech/canopy/iot/ratelimit"
	"github.com/relabs-tech/canopy/iot/shadow"
	"github.com/relabs-tech/canopy/iot/telemetry"
	"github.com/relabs-tech/canopy/iot/topics"
)

// Transport names used in logs and metrics
const (
	TransportMQTT = "mqtt"
	TransportHTTP = "http"
)

// Authenticate runs the authentication gateway and counts the result
func (p *Processor) Authenticate(ctx context.Context, claim iot.DeviceKey, credential auth.Credential) (iot.DeviceKey, error) {
	device, err := p.gateway.Authenticate(ctx, claim, credential)
	result := "ok"
	var rejected *iot.AuthRejected
	if errors.As(err, &rejected) {
		result = string(rejected.Reason)
	} else if err != nil {
		result = string(iot.RejectInternal)
	}
	p.metrics.AuthResults.WithLabelValues(credential.Kind.String(), result).Inc()
	return device, err
}

// CheckRate records one message of device and returns iot.ErrRateLimitExceeded if the
// device must be disconnected. A disconnect is forced on the broker as well, after the
// limiter state has been updated.
func (p *Processor) CheckRate(ctx context.Context, device iot.DeviceKey) error {
	decision := p.limiter.RecordAndCheck(device)
	p.metrics.RateDecisions.WithLabelValues(decision.String()).Inc()
	if decision != ratelimit.Disconnect {
		return nil
	}
	logger.FromContext(ctx).Warnf("%s exceeded its message rate, disconnecting", device)
	p.getTransport().ForceDisconnect(device)
	return iot.ErrRateLimitExceeded
}

// shed is the limiter's congestion callback
func (p *Processor) shed(devices []iot.DeviceKey) {
	t := p.getTransport()
	for _, device := range devices {
		p.metrics.ShedDevices.Inc()
		if t.ForceDisconnect(device) {
			logger.Default().Warnf("%s disconnected to relieve congestion", device)
		}
	}
}

// HandleMessage processes one message a device published. Messages on topics the
// processor does not know are ignored. The caller has checked that the device may
// publish on the topic.
func (p *Processor) HandleMessage(ctx context.Context, device iot.DeviceKey, topic string, payload []byte) error {
	if err := p.CheckRate(ctx, device); err != nil {
		return err
	}
	route := p.topics.Classify(topic)
	if route.Kind == topics.Unknown {
		return nil
	}
	if route.Device != device {
		return fmt.Errorf("%w: %s may not publish on %s", iot.ErrUnauthorized, device, topic)
	}
	p.metrics.Messages.WithLabelValues(route.Kind.String()).Inc()
	rlog := logger.FromContext(ctx)
	rlog.Debugf("%s on %s (%d bytes)", route.Kind, topic, len(payload))

	switch route.Kind {
	case topics.ShadowUpdate:
		_, err := p.UpdateShadow(ctx, device, route.ShadowName, payload, TransportMQTT, shadow.WriteBehind)
		if err != nil {
			return err
		}
		// shadow reports are telemetry too
		if _, err := p.ingest(ctx, device, payload, false); err != nil {
			rlog.WithError(err).Warnf("cannot extract metrics from shadow update of %s", device)
		}
		return nil
	case topics.Telemetry:
		_, err := p.ingest(ctx, device, payload, false)
		return err
	case topics.TimeRequest:
		return p.answerTime(device, payload)
	}
	return nil
}

// UpdateShadow applies a shadow update document to a shadow
func (p *Processor) UpdateShadow(ctx context.Context, device iot.DeviceKey, name string, payload []byte, transport string, mode shadow.Mode) (*shadow.Snapshot, error) {
	patch, err := shadow.ParseUpdate(payload)
	if err != nil {
		return nil, err
	}
	snapshot, err := p.shadows.Apply(ctx, device, name, patch, mode)
	if err != nil {
		return nil, err
	}
	p.metrics.ShadowUpdates.WithLabelValues(transport).Inc()
	return snapshot, nil
}

// Ingest extracts metrics from a telemetry payload of device
func (p *Processor) Ingest(ctx context.Context, device iot.DeviceKey, payload []byte, wait bool) (*telemetry.Result, error) {
	return p.ingest(ctx, device, payload, wait)
}

func (p *Processor) ingest(ctx context.Context, device iot.DeviceKey, payload []byte, wait bool) (*telemetry.Result, error) {
	var (
		result *telemetry.Result
		err    error
	)
	if wait {
		result, err = p.telemetry.IngestSync(ctx, device, payload, time.Time{})
	} else {
		result, err = p.telemetry.Ingest(ctx, device, payload, time.Time{})
	}
	if err != nil {
		return nil, err
	}
	p.metrics.Samples.WithLabelValues("accepted").Add(float64(result.Accepted))
	p.metrics.Samples.WithLabelValues("skipped").Add(float64(result.Skipped))
	p.metrics.ExtractionFailures.Add(float64(len(result.Failures)))
	return result, nil
}

// publishDelta is the shadow engine's delta callback
func (p *Processor) publishDelta(ctx context.Context, snapshot *shadow.Snapshot, delta []byte) {
	p.getTransport().PublishMessageQ1(p.topics.ShadowDelta(snapshot.Key, snapshot.Name), delta)
	if p.shadowEvents != nil {
		if err := p.shadowEvents.PublishDelta(ctx, snapshot, delta); err != nil {
			logger.FromContext(ctx).WithError(err).Warnf("cannot publish shadow event of %s", snapshot.Key)
		}
	}
}

// SyncDelta publishes the current delta of a shadow, if there is one, so a device
// which was offline catches up.
func (p *Processor) SyncDelta(ctx context.Context, device iot.DeviceKey, name string) error {
	delta, err := p.shadows.CurrentDelta(ctx, device, name)
	if err != nil {
		return err
	}
	if delta != nil {
		logger.FromContext(ctx).Debugf("sync delta of %s/%s", device, name)
		p.getTransport().PublishMessageQ1(p.topics.ShadowDelta(device, name), delta)
	}
	return nil
}

// SyncSubscription publishes the pending deltas of every shadow of device whose delta
// topic matches the subscription filter. The broker calls it when a device subscribes.
func (p *Processor) SyncSubscription(ctx context.Context, device iot.DeviceKey, filter string) error {
	if !p.topics.MaySubscribe(device, filter) {
		return nil
	}
	if !topics.HasWildcard(filter) {
		route := p.topics.Classify(strings.TrimSuffix(filter, "/delta"))
		if !strings.HasSuffix(filter, "/delta") || route.Kind != topics.ShadowUpdate || route.Device != device {
			return nil
		}
		return p.SyncDelta(ctx, device, route.ShadowName)
	}

	names := []string{iot.DefaultShadow}
	snapshots, err := p.shadows.List(ctx, device)
	if err != nil {
		return err
	}
	for _, s := range snapshots {
		if s.Name != iot.DefaultShadow {
			names = append(names, s.Name)
		}
	}
	var errs []error
	for _, name := range names {
		if topics.Match(filter, p.topics.ShadowDelta(device, name)) {
			if err := p.SyncDelta(ctx, device, name); err != nil {
				errs = append(errs, fmt.Errorf("shadow %s: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// TimeResponse is the answer to a time request. Times are milliseconds since epoch.
type TimeResponse struct {
	ServerTime int64  `json:"server_time"`
	DeviceTime *int64 `json:"device_time,omitempty"`
}

// Time returns the time response for the device time a device sent, which may be nil
func (p *Processor) Time(deviceTime *int64) TimeResponse {
	return TimeResponse{ServerTime: p.clock.Now().UnixMilli(), DeviceTime: deviceTime}
}

func (p *Processor) answerTime(device iot.DeviceKey, payload []byte) error {
	var request struct {
		DeviceTime *int64 `json:"device_time"`
	}
	if len(payload) > 0 {
		// a request we cannot read is answered without device time
		_ = json.Unmarshal(payload, &request)
	}
	body, err := json.Marshal(p.Time(request.DeviceTime))
	if err != nil {
		return err
	}
	p.getTransport().PublishMessageQ1(p.topics.TimeResponse(device), body)
	return nil
}
