// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/canopy/core/clock"
	"github.com/relabs-tech/canopy/iot"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

var dev = iot.DeviceKey{TenantID: "acme", DeviceID: "d1"}

func send(l *Limiter, key iot.DeviceKey, n int) Decision {
	d := Ok
	for i := 0; i < n; i++ {
		d = l.RecordAndCheck(key)
	}
	return d
}

func TestThresholds(t *testing.T) {
	c := clock.Fake(epoch)
	l := New(&Builder{Clock: c})

	assert.Equal(t, Ok, send(l, dev, 60))
	assert.Equal(t, Probation, l.RecordAndCheck(dev))
	assert.Equal(t, Probation, send(l, dev, 6000-61))
	assert.Equal(t, Disconnect, l.RecordAndCheck(dev))

	// next minute starts fresh
	c.Advance(time.Minute)
	assert.Equal(t, Ok, l.RecordAndCheck(dev))
}

func TestHistogramWindow(t *testing.T) {
	c := clock.Fake(epoch)
	l := New(&Builder{Clock: c})
	assert.Empty(t, l.Histogram(dev))

	for i := 1; i <= 7; i++ {
		send(l, dev, i)
		c.Advance(time.Minute)
	}
	c.Advance(-time.Minute)
	h := l.Histogram(dev)
	require.Len(t, h, Buckets)
	for i, r := range h {
		assert.Equal(t, i+3, r.Messages)
		assert.Equal(t, epoch.Add(time.Duration(i+2)*time.Minute), r.Minute)
	}

	// two idle minutes drop the two oldest buckets
	c.Advance(2 * time.Minute)
	h = l.Histogram(dev)
	require.Len(t, h, 3)
	assert.Equal(t, 5, h[0].Messages)

	c.Advance(10 * time.Minute)
	assert.Empty(t, l.Histogram(dev))
	assert.Equal(t, 1, l.Prune())
	assert.Equal(t, 0, l.Devices())
}

func TestOverrides(t *testing.T) {
	c := clock.Fake(epoch)
	l := New(&Builder{Clock: c})
	l.SetOverride(dev, Thresholds{LowerRate: 1, HigherRate: 2})
	assert.Equal(t, Ok, l.RecordAndCheck(dev))
	assert.Equal(t, Probation, l.RecordAndCheck(dev))
	assert.Equal(t, Disconnect, l.RecordAndCheck(dev))

	l.ClearOverride(dev)
	assert.Equal(t, Ok, l.RecordAndCheck(dev))

	// overrides survive pruning, forgetting drops them
	c.Advance(time.Hour)
	l.SetOverride(dev, Thresholds{LowerRate: 1, HigherRate: 2})
	assert.Equal(t, 0, l.Prune())
	l.Forget(dev)
	assert.Equal(t, 0, l.Devices())
}

func TestCongestionShedsTopOffenders(t *testing.T) {
	c := clock.Fake(epoch)
	var mu sync.Mutex
	var shed []iot.DeviceKey
	l := New(&Builder{
		Clock:               c,
		Thresholds:          Thresholds{LowerRate: 1000, HigherRate: 2000},
		Capacity:            100,
		CongestionThreshold: 0.5,
		OnShed: func(devices []iot.DeviceKey) {
			mu.Lock()
			shed = append(shed, devices...)
			mu.Unlock()
		},
	})
	noisy := iot.DeviceKey{TenantID: "acme", DeviceID: "noisy"}
	quiet := make([]iot.DeviceKey, 5)
	for i := range quiet {
		quiet[i] = iot.DeviceKey{TenantID: "acme", DeviceID: fmt.Sprintf("quiet-%d", i)}
		assert.Equal(t, Ok, send(l, quiet[i], 2))
	}
	assert.Equal(t, Ok, send(l, noisy, 40))

	// aggregate is 50 now, the next message of a quiet device exceeds the ceiling
	assert.Equal(t, Ok, l.RecordAndCheck(quiet[0]))
	mu.Lock()
	assert.Equal(t, []iot.DeviceKey{noisy}, shed)
	mu.Unlock()

	// the noisy device stays disconnected for the rest of the minute
	assert.Equal(t, Disconnect, l.RecordAndCheck(noisy))
	assert.Equal(t, Ok, l.RecordAndCheck(quiet[1]))

	c.Advance(time.Minute)
	assert.Equal(t, Ok, l.RecordAndCheck(noisy))
}

func TestCongestionShedsTrigger(t *testing.T) {
	c := clock.Fake(epoch)
	l := New(&Builder{Clock: c, Capacity: 10, CongestionThreshold: 1})
	assert.Equal(t, Ok, send(l, dev, 10))
	// the only device sending is the top offender
	assert.Equal(t, Disconnect, l.RecordAndCheck(dev))
}

func TestConcurrentDevices(t *testing.T) {
	c := clock.Fake(epoch)
	l := New(&Builder{Clock: c})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		key := iot.DeviceKey{TenantID: "acme", DeviceID: fmt.Sprintf("d%d", i)}
		wg.Add(1)
		go func() {
			defer wg.Done()
			send(l, key, 50)
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, l.Devices())
	h := l.Histogram(iot.DeviceKey{TenantID: "acme", DeviceID: "d7"})
	require.Len(t, h, 1)
	assert.Equal(t, 50, h[0].Messages)
}

func TestProbationWarningNamesBothRates(t *testing.T) {
	hook := logtest.NewGlobal()
	defer logrus.StandardLogger().ReplaceHooks(make(logrus.LevelHooks))

	l := New(&Builder{Clock: clock.Fake(epoch), Thresholds: Thresholds{LowerRate: 2, HigherRate: 5}})
	assert.Equal(t, Probation, send(l, dev, 3))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Contains(t, entry.Message, "3 messages this minute, above 2, disconnect above 5")
}
