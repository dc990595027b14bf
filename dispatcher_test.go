package reddust

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureSink records every frame it is asked to send instead of touching a
// transport. The event loop writes frames while tests read them, hence the
// lock.
type captureSink struct {
	sinkBase
	class TransportClass

	mu     sync.Mutex
	frames []float64
	closed bool
	fail   bool
}

func newCaptureSink(name string, class TransportClass) *captureSink {
	return &captureSink{
		sinkBase: sinkBase{name: name, remapMin: 0.0, remapMax: 1.0},
		class:    class,
	}
}

func (c *captureSink) Transport() TransportClass { return c.class }
func (c *captureSink) Describe() string          { return "capture sink " + c.name }

func (c *captureSink) Send(normalized float64, stamp time.Time) (float64, bool) {
	if !c.streaming {
		return 0, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return 0, false
	}
	c.frames = append(c.frames, normalized)
	return c.Remap(normalized), true
}

func (c *captureSink) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *captureSink) Config() SinkConfig {
	return SinkConfig{Type: "capture", Name: c.name, RemapMin: c.remapMin, RemapMax: c.remapMax,
		StreamingEnabled: c.streaming}
}

func (c *captureSink) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *captureSink) lastFrame() (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		return 0, false
	}
	return c.frames[len(c.frames)-1], true
}

func (c *captureSink) wasClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestTimerInvariant(t *testing.T) {
	d := NewStreamingDispatcher(nil, nil, nil)
	defer d.Close()

	checkTimers := func(wantNet, wantSerial bool, context string) {
		t.Helper()
		net, ser := d.timersActive()
		if net != wantNet || ser != wantSerial {
			t.Errorf("%s: timers (net=%t, serial=%t), want (net=%t, serial=%t)",
				context, net, ser, wantNet, wantSerial)
		}
	}

	d.AddSink(newCaptureSink("udp-a", NetworkClass))
	d.AddSink(newCaptureSink("tty-a", SerialClass))
	checkTimers(false, false, "registered but idle sinks")

	require.NoError(t, d.StartSinkStreaming("udp-a"))
	checkTimers(true, false, "one network sink streaming")

	require.NoError(t, d.StartSinkStreaming("tty-a"))
	checkTimers(true, true, "both classes streaming")

	require.NoError(t, d.StopSinkStreaming("udp-a"))
	checkTimers(false, true, "last network sink stopped")

	d.RemoveSink("tty-a")
	checkTimers(false, false, "streaming serial sink removed")
}

func TestZeroFrameOnStopExactlyOnce(t *testing.T) {
	updates := make(chan ClientUpdate, 64)
	d := NewStreamingDispatcher(nil, nil, updates)
	defer d.Close()

	sink := newCaptureSink("udp-a", NetworkClass)
	d.AddSink(sink)
	require.NoError(t, d.StartSinkStreaming("udp-a"))

	before := sink.frameCount()
	require.NoError(t, d.StopSinkStreaming("udp-a"))

	if got := sink.frameCount(); got != before+1 {
		t.Fatalf("stop delivered %d frames, want exactly 1", got-before)
	}
	v, _ := sink.lastFrame()
	assert.Equal(t, 0.0, v, "stop frame carries the zero value")

	// A second stop on an already-stopped sink sends nothing.
	require.NoError(t, d.StopSinkStreaming("udp-a"))
	assert.Equal(t, before+1, sink.frameCount())

	// The zero frame and the stream-state flip both surface as updates.
	var sawZeroValue, sawStreamOff bool
	for len(updates) > 0 {
		u := <-updates
		switch payload := u.state.(type) {
		case SinkValueUpdate:
			if payload.Name == "udp-a" && payload.Normalized == 0.0 {
				sawZeroValue = true
			}
		case SinkStreamUpdate:
			if payload.Name == "udp-a" && !payload.Streaming {
				sawStreamOff = true
			}
		}
	}
	assert.True(t, sawZeroValue, "no VALUE update for the zero frame")
	assert.True(t, sawStreamOff, "no SINKSTREAM update for the stop")
}

func TestFanOutToAllStreamingSinks(t *testing.T) {
	model := NewWaveformModel(rampRecord())
	pc := NewPlaybackController(model, nil)
	d := NewStreamingDispatcher(model, pc, nil)
	defer d.Close()
	require.NoError(t, d.SetOutputRates(500, 500))

	a := newCaptureSink("udp-a", NetworkClass)
	b := newCaptureSink("udp-b", NetworkClass)
	idle := newCaptureSink("udp-idle", NetworkClass)
	d.AddSink(a)
	d.AddSink(b)
	d.AddSink(idle)
	require.NoError(t, d.StartSinkStreaming("udp-a"))
	require.NoError(t, d.StartSinkStreaming("udp-b"))

	require.Eventually(t, func() bool {
		return a.frameCount() >= 5 && b.frameCount() >= 5
	}, 2*time.Second, 5*time.Millisecond, "streaming sinks never received frames")

	// The playhead is parked, so every frame carries the same value and both
	// sinks see it.
	va, _ := a.lastFrame()
	vb, _ := b.lastFrame()
	assert.Equal(t, va, vb)
	assert.Equal(t, 0, idle.frameCount(), "non-streaming sink received frames")
}

func TestRemoveSinkLeavesOthersStreaming(t *testing.T) {
	model := NewWaveformModel(rampRecord())
	pc := NewPlaybackController(model, nil)
	d := NewStreamingDispatcher(model, pc, nil)
	defer d.Close()
	require.NoError(t, d.SetOutputRates(500, 500))

	net := newCaptureSink("udp-a", NetworkClass)
	ser := newCaptureSink("tty-a", SerialClass)
	d.AddSink(net)
	d.AddSink(ser)
	require.NoError(t, d.StartSinkStreaming("udp-a"))
	require.NoError(t, d.StartSinkStreaming("tty-a"))

	d.RemoveSink("tty-a")
	assert.True(t, ser.wasClosed(), "removed sink transport left open")

	netActive, serialActive := d.timersActive()
	assert.True(t, netActive)
	assert.False(t, serialActive)

	count := net.frameCount()
	require.Eventually(t, func() bool {
		return net.frameCount() > count
	}, 2*time.Second, 5*time.Millisecond, "surviving sink stopped receiving frames")
}

func TestAddSinkReplacesDuplicate(t *testing.T) {
	d := NewStreamingDispatcher(nil, nil, nil)
	defer d.Close()

	old := newCaptureSink("udp-a", NetworkClass)
	d.AddSink(old)
	require.NoError(t, d.StartSinkStreaming("udp-a"))

	replacement := newCaptureSink("udp-a", NetworkClass)
	d.AddSink(replacement)

	assert.True(t, old.wasClosed(), "replaced sink was not closed")
	v, ok := old.lastFrame()
	assert.True(t, ok && v == 0.0, "replaced sink missed its zero frame")

	got, ok := d.Sink("udp-a")
	require.True(t, ok)
	assert.Same(t, replacement, got.(*captureSink))
	// Replacement never auto-starts.
	assert.False(t, d.SinkStreaming("udp-a"))
}

func TestUpdateSinkRemap(t *testing.T) {
	d := NewStreamingDispatcher(nil, nil, nil)
	defer d.Close()
	d.AddSink(newCaptureSink("udp-a", NetworkClass))

	if err := d.UpdateSinkRemap("udp-a", 5, 5); err == nil {
		t.Error("degenerate remap range should be rejected")
	}
	if err := d.UpdateSinkRemap("udp-a", 10, 2); err == nil {
		t.Error("inverted remap range should be rejected")
	}
	if err := d.UpdateSinkRemap("no-such-sink", 0, 1); err == nil {
		t.Error("unknown sink name should be rejected")
	}

	require.NoError(t, d.UpdateSinkRemap("udp-a", -1, 3))
	s, _ := d.Sink("udp-a")
	min, max := s.RemapRange()
	assert.Equal(t, -1.0, min)
	assert.Equal(t, 3.0, max)
	assert.Equal(t, 1.0, s.Remap(0.5))
}

func TestDispatcherClose(t *testing.T) {
	d := NewStreamingDispatcher(nil, nil, nil)
	sink := newCaptureSink("udp-a", NetworkClass)
	d.AddSink(sink)
	require.NoError(t, d.StartSinkStreaming("udp-a"))

	d.Close()
	assert.True(t, sink.wasClosed())
	v, ok := sink.lastFrame()
	assert.True(t, ok && v == 0.0, "Close skipped the zero frame")

	// Calls after Close return without deadlocking.
	d.AddSink(newCaptureSink("udp-b", NetworkClass))
}

func TestSinkNamesAndConfigs(t *testing.T) {
	d := NewStreamingDispatcher(nil, nil, nil)
	defer d.Close()
	d.AddSink(newCaptureSink("zeta", NetworkClass))
	d.AddSink(newCaptureSink("alpha", SerialClass))

	assert.Equal(t, []string{"alpha", "zeta"}, d.SinkNames())
	configs := d.SinkConfigs()
	require.Len(t, configs, 2)
	assert.Equal(t, "alpha", configs[0].Name)
	assert.Equal(t, "zeta", configs[1].Name)
}
