// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package ratelimit is the adaptive rate limiter for inbound device messages.

Every device has a histogram of its message counts in the last five minutes,
one bucket per minute. A device above the lower rate in the current minute is
on probation: its messages are still processed, but it is logged. A device above
the higher rate is disconnected.

Independently of the per-device rates the limiter watches the aggregate rate of
all devices. When it exceeds capacity times the congestion threshold, the
devices with the highest rate in the current minute are disconnected until the
aggregate is back under that ceiling.
*/
package ratelimit

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/relabs-tech/canopy/core/clock"
	"github.com/relabs-tech/canopy/core/logger"
	"github.com/relabs-tech/canopy/iot"
)

// Buckets is the number of one-minute buckets per device
const Buckets = 5

const numShards = 64

// Decision is the verdict for one message
type Decision int

const (
	// Ok means the message is processed
	Ok Decision = iota
	// Probation means the message is processed, but the device is close to its limit
	Probation
	// Disconnect means the message is dropped and the device is disconnected
	Disconnect
)

func (d Decision) String() string {
	switch d {
	case Ok:
		return "ok"
	case Probation:
		return "probation"
	case Disconnect:
		return "disconnect"
	}
	return "unknown"
}

// Thresholds are messages per minute
type Thresholds struct {
	LowerRate  int `json:"lower_rate"`
	HigherRate int `json:"higher_rate"`
}

// Builder is a builder helper for the Limiter
type Builder struct {
	// Thresholds are the default per-device thresholds. Defaults are 60 and 6000.
	Thresholds Thresholds
	// Capacity is the number of messages per minute all devices together may send.
	// Zero disables the congestion policy.
	Capacity int
	// CongestionThreshold is the share of Capacity above which top offenders are
	// shed. Default is 0.8.
	CongestionThreshold float64
	// Clock is the time source. Default is the real clock.
	Clock clock.Clock
	// OnShed is called with devices disconnected by the congestion policy, other
	// than the one whose message triggered it. Optional.
	OnShed func(devices []iot.DeviceKey)
}

type bucket struct {
	minute int64
	count  int
}

type deviceState struct {
	// ring of buckets, buckets[head] is the newest
	buckets   [Buckets]bucket
	head      int
	override  *Thresholds
	shed      int64
	loggedMin int64
}

type shard struct {
	mu      sync.Mutex
	devices map[iot.DeviceKey]*deviceState
}

// Limiter is the adaptive rate limiter. It is safe for concurrent use.
type Limiter struct {
	thresholds Thresholds
	ceiling    int
	clock      clock.Clock
	onShed     func([]iot.DeviceKey)
	shards     [numShards]shard

	aggregateMu     sync.Mutex
	aggregateMinute int64
	aggregateCount  int
	shedMu          sync.Mutex

	logSampler *rate.Limiter
}

// New returns a new Limiter
func New(b *Builder) *Limiter {
	t := b.Thresholds
	if t.LowerRate <= 0 {
		t.LowerRate = 60
	}
	if t.HigherRate <= 0 {
		t.HigherRate = 6000
	}
	threshold := b.CongestionThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = 0.8
	}
	c := b.Clock
	if c == nil {
		c = clock.Real()
	}
	l := &Limiter{
		thresholds: t,
		ceiling:    int(float64(b.Capacity) * threshold),
		clock:      c,
		onShed:     b.OnShed,
		logSampler: rate.NewLimiter(rate.Every(time.Second), 10),
	}
	for i := range l.shards {
		l.shards[i].devices = map[iot.DeviceKey]*deviceState{}
	}
	return l
}

func (l *Limiter) shard(key iot.DeviceKey) *shard {
	h := fnv.New32a()
	h.Write([]byte(key.TenantID))
	h.Write([]byte{0})
	h.Write([]byte(key.DeviceID))
	return &l.shards[h.Sum32()%numShards]
}

func minuteOf(t time.Time) int64 {
	return t.Unix() / 60
}

// record counts one message in the bucket of minute and returns the count of that bucket
func (s *deviceState) record(minute int64) int {
	newest := &s.buckets[s.head]
	if newest.count > 0 && newest.minute == minute {
		newest.count++
		return newest.count
	}
	if newest.count > 0 && minute < newest.minute {
		// clock went backwards, count in the newest bucket
		newest.count++
		return newest.count
	}
	s.head = (s.head + 1) % Buckets
	s.buckets[s.head] = bucket{minute: minute, count: 1}
	return 1
}

// current returns the count of the bucket of minute
func (s *deviceState) current(minute int64) int {
	newest := s.buckets[s.head]
	if newest.minute == minute {
		return newest.count
	}
	return 0
}

// histogram returns the buckets inside the window ending at minute, oldest first
func (s *deviceState) histogram(minute int64) []iot.MinuteRate {
	rates := make([]iot.MinuteRate, 0, Buckets)
	for i := 1; i <= Buckets; i++ {
		b := s.buckets[(s.head+i)%Buckets]
		if b.count == 0 || b.minute <= minute-Buckets || b.minute > minute {
			continue
		}
		rates = append(rates, iot.MinuteRate{Minute: time.Unix(b.minute*60, 0).UTC(), Messages: b.count})
	}
	return rates
}

// RecordAndCheck counts one message of device at the current time and returns the decision
func (l *Limiter) RecordAndCheck(device iot.DeviceKey) Decision {
	return l.RecordAndCheckAt(device, l.clock.Now())
}

// RecordAndCheckAt counts one message of device at now and returns the decision.
// The device's state is fully updated before Disconnect is returned.
func (l *Limiter) RecordAndCheckAt(device iot.DeviceKey, now time.Time) Decision {
	minute := minuteOf(now)
	s := l.shard(device)
	s.mu.Lock()
	state, ok := s.devices[device]
	if !ok {
		state = &deviceState{}
		s.devices[device] = state
	}
	count := state.record(minute)
	thresholds := l.thresholds
	if state.override != nil {
		thresholds = *state.override
	}
	shed := state.shed == minute && minute != 0
	logProbation := false
	decision := Ok
	switch {
	case shed || count > thresholds.HigherRate:
		decision = Disconnect
	case count > thresholds.LowerRate:
		decision = Probation
		if state.loggedMin != minute {
			state.loggedMin = minute
			logProbation = true
		}
	}
	s.mu.Unlock()

	if logProbation && l.logSampler.Allow() {
		logger.Default().Warnf("device %s on probation: %d messages this minute, above %d, disconnect above %d", device, count, thresholds.LowerRate, thresholds.HigherRate)
	}

	if decision != Disconnect && l.congested(minute) {
		if l.shedTopOffenders(device, minute) {
			decision = Disconnect
		}
	}
	return decision
}

// congested counts the message in the aggregate and returns true if the ceiling is exceeded
func (l *Limiter) congested(minute int64) bool {
	if l.ceiling <= 0 {
		return false
	}
	l.aggregateMu.Lock()
	defer l.aggregateMu.Unlock()
	if l.aggregateMinute != minute {
		l.aggregateMinute = minute
		l.aggregateCount = 0
	}
	l.aggregateCount++
	return l.aggregateCount > l.ceiling
}

type offender struct {
	key   iot.DeviceKey
	count int
}

// shedTopOffenders disconnects the devices with the highest current rate until the
// aggregate is under the ceiling. It returns true if trigger is among them.
func (l *Limiter) shedTopOffenders(trigger iot.DeviceKey, minute int64) bool {
	l.shedMu.Lock()
	defer l.shedMu.Unlock()

	l.aggregateMu.Lock()
	aggregate := l.aggregateCount
	l.aggregateMu.Unlock()
	if aggregate <= l.ceiling {
		// someone else shed already
		return false
	}

	var offenders []offender
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for key, state := range s.devices {
			if state.shed == minute {
				continue
			}
			if c := state.current(minute); c > 0 {
				offenders = append(offenders, offender{key: key, count: c})
			}
		}
		s.mu.Unlock()
	}
	sort.Slice(offenders, func(i, j int) bool {
		if offenders[i].count != offenders[j].count {
			return offenders[i].count > offenders[j].count
		}
		return offenders[i].key.String() < offenders[j].key.String()
	})

	var shed []iot.DeviceKey
	triggerShed := false
	for _, o := range offenders {
		if aggregate <= l.ceiling {
			break
		}
		s := l.shard(o.key)
		s.mu.Lock()
		if state, ok := s.devices[o.key]; ok {
			state.shed = minute
		}
		s.mu.Unlock()
		aggregate -= o.count
		if o.key == trigger {
			triggerShed = true
		} else {
			shed = append(shed, o.key)
		}
	}

	l.aggregateMu.Lock()
	if l.aggregateMinute == minute {
		l.aggregateCount = aggregate
	}
	l.aggregateMu.Unlock()

	logger.Default().Warnf("congestion: shedding %d devices to get under %d messages per minute", len(shed)+boolToInt(triggerShed), l.ceiling)
	if len(shed) > 0 && l.onShed != nil {
		l.onShed(shed)
	}
	return triggerShed
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Histogram returns up to five minute buckets of device, oldest first. Only buckets
// inside the five minute window ending now are returned.
func (l *Limiter) Histogram(device iot.DeviceKey) []iot.MinuteRate {
	minute := minuteOf(l.clock.Now())
	s := l.shard(device)
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.devices[device]
	if !ok {
		return []iot.MinuteRate{}
	}
	return state.histogram(minute)
}

// SetOverride sets thresholds for one device, replacing the defaults
func (l *Limiter) SetOverride(device iot.DeviceKey, thresholds Thresholds) {
	s := l.shard(device)
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.devices[device]
	if !ok {
		state = &deviceState{}
		s.devices[device] = state
	}
	state.override = &thresholds
}

// ClearOverride makes a device use the default thresholds again
func (l *Limiter) ClearOverride(device iot.DeviceKey) {
	s := l.shard(device)
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.devices[device]; ok {
		state.override = nil
	}
}

// Forget drops all state of device, including overrides. It is called when a device is deleted.
func (l *Limiter) Forget(device iot.DeviceKey) {
	s := l.shard(device)
	s.mu.Lock()
	delete(s.devices, device)
	s.mu.Unlock()
}

// Prune drops devices without messages in the window and without overrides. It returns
// the number of dropped devices.
func (l *Limiter) Prune() int {
	minute := minuteOf(l.clock.Now())
	pruned := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for key, state := range s.devices {
			if state.override == nil && state.buckets[state.head].minute <= minute-Buckets {
				delete(s.devices, key)
				pruned++
			}
		}
		s.mu.Unlock()
	}
	return pruned
}

// Devices returns the number of tracked devices
func (l *Limiter) Devices() int {
	n := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		n += len(s.devices)
		s.mu.Unlock()
	}
	return n
}
