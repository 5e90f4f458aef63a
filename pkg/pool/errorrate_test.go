package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newMonitorWithClock(t *testing.T, cfg ErrorCheckConfig) (*ErrorRateMonitor, *fakeClock) {
	t.Helper()
	m := NewErrorRateMonitor(cfg)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m.now = clock.now
	return m, clock
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestErrorRateMonitor_FiresWhenThresholdExceededWithinDuration(t *testing.T) {
	cfg := ErrorCheckConfig{
		Window:         30 * time.Second,
		SuppressWindow: 10 * time.Second,
		Rules:          []Rule{{Threshold: 3, Duration: 10 * time.Second, Repeat: true}},
	}
	m, clock := newMonitorWithClock(t, cfg)

	for i := 0; i < 3; i++ {
		assert.False(t, m.TrackErrorRate(1))
		clock.advance(time.Second)
	}
	assert.True(t, m.TrackErrorRate(1))
}

func TestErrorRateMonitor_DoesNotFireBelowThreshold(t *testing.T) {
	cfg := ErrorCheckConfig{
		Window:         30 * time.Second,
		SuppressWindow: 5 * time.Second,
		Rules:          []Rule{{Threshold: 5, Duration: 10 * time.Second, Repeat: true}},
	}
	m, clock := newMonitorWithClock(t, cfg)

	for i := 0; i < 4; i++ {
		assert.False(t, m.TrackErrorRate(1))
		clock.advance(time.Second)
	}
}

func TestErrorRateMonitor_ErrorsOutsideWindowDoNotCount(t *testing.T) {
	cfg := ErrorCheckConfig{
		Window:         30 * time.Second,
		SuppressWindow: time.Second,
		Rules:          []Rule{{Threshold: 2, Duration: 5 * time.Second, Repeat: true}},
	}
	m, clock := newMonitorWithClock(t, cfg)

	m.TrackErrorRate(1)
	m.TrackErrorRate(1)
	m.TrackErrorRate(1) // fires: 3 > 2 within the duration

	clock.advance(10 * time.Second) // well outside the 5s rule duration

	assert.False(t, m.TrackErrorRate(1))
}

func TestErrorRateMonitor_SuppressWindowDebouncesRefiring(t *testing.T) {
	cfg := ErrorCheckConfig{
		Window:         30 * time.Second,
		SuppressWindow: 5 * time.Second,
		Rules:          []Rule{{Threshold: 1, Duration: 10 * time.Second, Repeat: true}},
	}
	m, clock := newMonitorWithClock(t, cfg)

	assert.False(t, m.TrackErrorRate(1))
	assert.True(t, m.TrackErrorRate(1)) // 2 > 1, fires

	clock.advance(time.Second)
	assert.False(t, m.TrackErrorRate(1)) // within suppress window, must not re-fire

	clock.advance(5 * time.Second)
	assert.True(t, m.TrackErrorRate(1)) // suppress window elapsed, re-arms
}

func TestErrorRateMonitor_NonRepeatRuleFiresOnlyOnce(t *testing.T) {
	cfg := ErrorCheckConfig{
		Window:         30 * time.Second,
		SuppressWindow: time.Millisecond,
		Rules:          []Rule{{Threshold: 1, Duration: 10 * time.Second, Repeat: false}},
	}
	m, clock := newMonitorWithClock(t, cfg)

	assert.False(t, m.TrackErrorRate(1))
	assert.True(t, m.TrackErrorRate(1))

	clock.advance(time.Minute)
	assert.False(t, m.TrackErrorRate(1), "a non-repeating rule must never fire a second time")
}

func TestErrorRateMonitor_MultipleRulesIndependent(t *testing.T) {
	cfg := ErrorCheckConfig{
		Window:         30 * time.Second,
		SuppressWindow: time.Second,
		Rules: []Rule{
			{Threshold: 1, Duration: 2 * time.Second, Repeat: true},
			{Threshold: 10, Duration: 20 * time.Second, Repeat: true},
		},
	}
	m, _ := newMonitorWithClock(t, cfg)

	assert.False(t, m.TrackErrorRate(1))
	assert.True(t, m.TrackErrorRate(1), "the tighter rule should fire first")
}
