package reddust

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests move wall-clock time by hand. The tick goroutine may
// read it concurrently, hence the lock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{t: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testController() (*PlaybackController, *fakeClock) {
	m := NewWaveformModel(rampRecord())
	pc := NewPlaybackController(m, nil)
	clock := newFakeClock(time.Date(2023, 4, 12, 9, 0, 0, 0, time.UTC))
	pc.now = clock.Now
	return pc, clock
}

func TestPlaybackStateMachine(t *testing.T) {
	pc, _ := testController()
	defer pc.Stop()

	assert.Equal(t, Stopped, pc.State())

	pc.Start()
	assert.Equal(t, Playing, pc.State())

	pc.Pause()
	assert.Equal(t, Paused, pc.State())

	// Pause is only valid from Playing.
	pc.Pause()
	assert.Equal(t, Paused, pc.State())

	pc.Start()
	assert.Equal(t, Playing, pc.State())

	pc.Stop()
	assert.Equal(t, Stopped, pc.State())
}

func TestStartWithoutModelIsNoop(t *testing.T) {
	pc := NewPlaybackController(nil, nil)
	pc.Start()
	if pc.State() != Stopped {
		t.Errorf("Start without model moved state to %v", pc.State())
	}

	empty := NewPlaybackController(NewWaveformModel(), nil)
	empty.Start()
	if empty.State() != Stopped {
		t.Errorf("Start without time range moved state to %v", empty.State())
	}
}

func TestPlayheadAdvancesWithSpeed(t *testing.T) {
	pc, clock := testController()
	defer pc.Stop()

	pc.Start()
	clock.Advance(10 * time.Second)
	pc.updatePlayhead()

	ts, ok := pc.CurrentTimestamp()
	require.True(t, ok)
	assert.InDelta(t, 10.0, ts.Sub(t0).Seconds(), 1e-6)

	pc.SetSpeed(5.0)
	clock.Advance(2 * time.Second)
	pc.updatePlayhead()

	ts, _ = pc.CurrentTimestamp()
	assert.InDelta(t, 20.0, ts.Sub(t0).Seconds(), 1e-6)
}

func TestSpeedClamp(t *testing.T) {
	pc, _ := testController()
	cases := []struct{ in, want float64 }{
		{0.0, 0.1},
		{-50.0, 0.1},
		{0.05, 0.1},
		{1.0, 1.0},
		{999.0, 999.0},
		{5000.0, 1000.0},
	}
	for _, c := range cases {
		got := pc.SetSpeed(c.in)
		if got != c.want || pc.Speed() != c.want {
			t.Errorf("SetSpeed(%g) stored %g, want %g", c.in, pc.Speed(), c.want)
		}
	}
}

func TestSpeedChangeContinuity(t *testing.T) {
	pc, clock := testController()
	defer pc.Stop()

	pc.Start()
	clock.Advance(30 * time.Second)
	pc.updatePlayhead()
	before, _ := pc.CurrentTimestamp()

	// Changing speed mid-playback must not move the playhead at the moment
	// of the call.
	pc.SetSpeed(100.0)
	after, _ := pc.CurrentTimestamp()
	assert.Equal(t, before, after)

	pc.updatePlayhead()
	after, _ = pc.CurrentTimestamp()
	assert.InDelta(t, 0.0, after.Sub(before).Seconds(), 0.02)
}

func TestLoopMinimumLength(t *testing.T) {
	pc, _ := testController()
	if err := pc.SetLoopRange(t0, t0.Add(1900*time.Millisecond)); err == nil {
		t.Error("loop shorter than 2 s should be rejected")
	}
	if _, _, ok := pc.LoopRange(); ok {
		t.Error("rejected loop range was stored")
	}
	if err := pc.SetLoopRange(t0, t0.Add(2*time.Second)); err != nil {
		t.Errorf("2 s loop rejected: %v", err)
	}
	if _, _, ok := pc.LoopRange(); !ok {
		t.Error("valid loop range was not stored")
	}
}

func TestLoopWrap(t *testing.T) {
	pc, clock := testController()
	defer pc.Stop()

	require.NoError(t, pc.SetLoopRange(t0.Add(10*time.Second), t0.Add(20*time.Second)))
	pc.EnableLoop(true)

	pc.Start()
	ts, _ := pc.CurrentTimestamp()
	assert.Equal(t, t0, ts, "playhead was already parked at range start")

	clock.Advance(25 * time.Second)
	pc.updatePlayhead()
	ts, _ = pc.CurrentTimestamp()
	assert.Equal(t, t0.Add(10*time.Second), ts, "past loop end wraps to loop start")

	clock.Advance(5 * time.Second)
	pc.updatePlayhead()
	ts, _ = pc.CurrentTimestamp()
	assert.InDelta(t, 15.0, ts.Sub(t0).Seconds(), 1e-6)
}

func TestEndOfRangeStops(t *testing.T) {
	pc, clock := testController()
	pc.Start()
	clock.Advance(500 * time.Second) // well past the 99 s range
	pc.updatePlayhead()

	assert.Equal(t, Stopped, pc.State())
	ts, _ := pc.CurrentTimestamp()
	assert.Equal(t, t0, ts, "stop parks the playhead at range start")
}

func TestStopResetsPosition(t *testing.T) {
	pc, clock := testController()

	pc.Start()
	clock.Advance(40 * time.Second)
	pc.updatePlayhead()
	pc.Stop()
	ts, _ := pc.CurrentTimestamp()
	assert.Equal(t, t0, ts)

	// With looping enabled, stop parks at the loop start instead.
	require.NoError(t, pc.SetLoopRange(t0.Add(10*time.Second), t0.Add(30*time.Second)))
	pc.EnableLoop(true)
	pc.Start()
	clock.Advance(5 * time.Second)
	pc.updatePlayhead()
	pc.Stop()
	ts, _ = pc.CurrentTimestamp()
	assert.Equal(t, t0.Add(10*time.Second), ts)
}

func TestPauseRetainsPosition(t *testing.T) {
	pc, clock := testController()
	defer pc.Stop()

	pc.Start()
	clock.Advance(12 * time.Second)
	pc.updatePlayhead()
	pc.Pause()
	paused, _ := pc.CurrentTimestamp()

	// Wall time passing while paused must not move the playhead.
	clock.Advance(100 * time.Second)
	pc.updatePlayhead()
	ts, _ := pc.CurrentTimestamp()
	assert.Equal(t, paused, ts)

	// Resuming re-anchors at the paused position.
	pc.Start()
	clock.Advance(3 * time.Second)
	pc.updatePlayhead()
	ts, _ = pc.CurrentTimestamp()
	assert.InDelta(t, 15.0, ts.Sub(t0).Seconds(), 1e-6)
}

func TestSetWaveformModelRebinds(t *testing.T) {
	pc, _ := testController()
	later := rampRecord()
	later.StartTime = t0.Add(time.Hour)
	pc.SetWaveformModel(NewWaveformModel(later))
	ts, ok := pc.CurrentTimestamp()
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Hour), ts)
}
