package reddust

import (
	"fmt"
	"sort"
	"time"

	"github.com/reddustproject/reddust/internal/reddustdb"
)

// DefaultOutputRate is the per-transport-class output rate in Hz.
const DefaultOutputRate = 60.0

// StreamingDispatcher fans the current normalized value out to every
// streaming sink, once per tick of that sink's transport-class timer. The
// network and serial timers run at independently configurable rates, and each
// runs if and only if at least one sink of its class is streaming.
//
// All state lives on a single event-loop goroutine. Exported methods post a
// closure to the loop and wait for it, so calls are synchronous and no sink
// is ever touched from two goroutines. Tick handlers stay within the tick
// budget: sends are bounded-latency (UDP datagram, serial write) and updates
// are offered without blocking.
type StreamingDispatcher struct {
	model      *WaveformModel
	controller *PlaybackController
	sinks      map[string]Sink

	netInterval    time.Duration
	serialInterval time.Duration
	netTicker      *time.Ticker
	serialTicker   *time.Ticker
	netTick        <-chan time.Time
	serialTick     <-chan time.Time

	requests chan func()
	abort    chan struct{}
	updates  chan<- ClientUpdate
	recorder *reddustdb.Connection

	now func() time.Time
}

// NewStreamingDispatcher creates a dispatcher and starts its event loop. The
// model, controller and updates channel may all be nil and bound later; ticks
// with nothing bound are no-ops.
func NewStreamingDispatcher(model *WaveformModel, controller *PlaybackController, updates chan<- ClientUpdate) *StreamingDispatcher {
	d := &StreamingDispatcher{
		model:          model,
		controller:     controller,
		sinks:          make(map[string]Sink),
		netInterval:    rateToInterval(DefaultOutputRate),
		serialInterval: rateToInterval(DefaultOutputRate),
		requests:       make(chan func()),
		abort:          make(chan struct{}),
		updates:        updates,
		now:            time.Now,
	}
	go d.run()
	return d
}

func rateToInterval(hz float64) time.Duration {
	return time.Duration(float64(time.Second) / hz)
}

// run is the dispatcher's event loop. It interleaves two activities that must
// not run concurrently: caller requests that mutate the sink collection, and
// output ticks that read it.
func (d *StreamingDispatcher) run() {
	for {
		select {
		case request := <-d.requests:
			request()
		case <-d.netTick:
			d.sendFrame(NetworkClass)
		case <-d.serialTick:
			d.sendFrame(SerialClass)
		case <-d.abort:
			d.shutdown()
			return
		}
	}
}

// call runs f on the event loop and waits for it to finish.
func (d *StreamingDispatcher) call(f func()) {
	done := make(chan struct{})
	select {
	case d.requests <- func() { f(); close(done) }:
		<-done
	case <-d.abort:
	}
}

// Close stops the event loop, stopping every streaming sink first (each gets
// its zero frame) and closing all transports.
func (d *StreamingDispatcher) Close() {
	d.call(func() {
		for name := range d.sinks {
			d.stopSinkLocked(name)
		}
		for _, s := range d.sinks {
			s.Close()
		}
		d.sinks = make(map[string]Sink)
	})
	close(d.abort)
}

func (d *StreamingDispatcher) shutdown() {
	if d.netTicker != nil {
		d.netTicker.Stop()
	}
	if d.serialTicker != nil {
		d.serialTicker.Stop()
	}
}

// SetWaveformModel rebinds the dispatcher to a new dataset's model.
func (d *StreamingDispatcher) SetWaveformModel(model *WaveformModel) {
	d.call(func() { d.model = model })
}

// SetPlaybackController rebinds the dispatcher's timestamp source.
func (d *StreamingDispatcher) SetPlaybackController(controller *PlaybackController) {
	d.call(func() { d.controller = controller })
}

// SetRecorder attaches an optional activity recorder. A nil recorder is fine.
func (d *StreamingDispatcher) SetRecorder(rec *reddustdb.Connection) {
	d.call(func() { d.recorder = rec })
}

// SetOutputRates reconfigures the per-class output rates in Hz.
func (d *StreamingDispatcher) SetOutputRates(networkHz, serialHz float64) error {
	if networkHz <= 0 || serialHz <= 0 {
		return fmt.Errorf("output rates must be positive: network=%g serial=%g", networkHz, serialHz)
	}
	d.call(func() {
		d.netInterval = rateToInterval(networkHz)
		d.serialInterval = rateToInterval(serialHz)
		// Restart any live timer at the new rate.
		if d.netTicker != nil {
			d.netTicker.Reset(d.netInterval)
		}
		if d.serialTicker != nil {
			d.serialTicker.Reset(d.serialInterval)
		}
	})
	return nil
}

// AddSink registers a sink under its name. A duplicate name replaces the old
// sink, stopping and closing it first. Registration never auto-starts
// streaming.
func (d *StreamingDispatcher) AddSink(s Sink) {
	d.call(func() {
		if old, ok := d.sinks[s.Name()]; ok {
			ProblemLogger.Printf("sink %q already exists, replacing it", s.Name())
			d.stopSinkLocked(s.Name())
			old.Close()
		}
		d.sinks[s.Name()] = s
		d.syncTimers()
		UpdateLogger.Printf("added sink: %s", s.Describe())
	})
}

// RemoveSink stops the named sink if streaming (sending its zero frame),
// closes its transport, and deletes it.
func (d *StreamingDispatcher) RemoveSink(name string) {
	d.call(func() {
		s, ok := d.sinks[name]
		if !ok {
			return
		}
		d.stopSinkLocked(name)
		s.Close()
		delete(d.sinks, name)
		d.syncTimers()
		UpdateLogger.Printf("removed sink: %s", name)
	})
}

// Sink returns the named sink.
func (d *StreamingDispatcher) Sink(name string) (Sink, bool) {
	var s Sink
	var ok bool
	d.call(func() { s, ok = d.sinks[name] })
	return s, ok
}

// SinkConfigs returns the serializable configuration of every registered
// sink, ordered by name.
func (d *StreamingDispatcher) SinkConfigs() []SinkConfig {
	var configs []SinkConfig
	d.call(func() {
		for _, name := range d.sinkNames() {
			configs = append(configs, d.sinks[name].Config())
		}
	})
	return configs
}

// SinkNames returns the registered sink names, sorted.
func (d *StreamingDispatcher) SinkNames() []string {
	var names []string
	d.call(func() { names = d.sinkNames() })
	return names
}

func (d *StreamingDispatcher) sinkNames() []string {
	names := make([]string, 0, len(d.sinks))
	for name := range d.sinks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SinkStreaming reports whether the named sink is currently streaming.
func (d *StreamingDispatcher) SinkStreaming(name string) bool {
	var streaming bool
	d.call(func() {
		if s, ok := d.sinks[name]; ok {
			streaming = s.StreamingEnabled()
		}
	})
	return streaming
}

// UpdateSinkRemap replaces a sink's output range. min must be below max.
func (d *StreamingDispatcher) UpdateSinkRemap(name string, min, max float64) error {
	if min >= max {
		return fmt.Errorf("remap range invalid: min %g >= max %g", min, max)
	}
	var err error
	d.call(func() {
		s, ok := d.sinks[name]
		if !ok {
			err = fmt.Errorf("no sink named %q", name)
			return
		}
		s.SetRemapRange(min, max)
	})
	return err
}

// StartSinkStreaming enables per-tick output for the named sink. A
// disconnected serial sink gets one reconnection attempt first; if that
// fails, streaming does not start and a connection update fires with false.
func (d *StreamingDispatcher) StartSinkStreaming(name string) error {
	var err error
	d.call(func() {
		s, ok := d.sinks[name]
		if !ok {
			err = fmt.Errorf("no sink named %q", name)
			return
		}
		if ss, isSerial := s.(*SerialSink); isSerial && !ss.IsConnected() {
			if rerr := ss.Reconnect(); rerr != nil {
				publish(d.updates, TagConnection, ConnectionUpdate{Name: name, Connected: false})
				err = fmt.Errorf("cannot start streaming for %q: %w", name, rerr)
				return
			}
			publish(d.updates, TagConnection, ConnectionUpdate{Name: name, Connected: true})
		}
		if s.StreamingEnabled() {
			return
		}
		s.SetStreaming(true)
		publish(d.updates, TagSinkStream, SinkStreamUpdate{Name: name, Streaming: true})
		d.recorder.RecordStreamEvent(name, s.Transport().String(), true, d.now())
		d.syncTimers()
		UpdateLogger.Printf("started streaming for sink: %s", name)
	})
	return err
}

// StopSinkStreaming disables per-tick output for the named sink, sending it
// exactly one zero-value frame first so downstream consumers see
// deterministic silence rather than a stale last value.
func (d *StreamingDispatcher) StopSinkStreaming(name string) error {
	var err error
	d.call(func() {
		if _, ok := d.sinks[name]; !ok {
			err = fmt.Errorf("no sink named %q", name)
			return
		}
		d.stopSinkLocked(name)
	})
	return err
}

// stopSinkLocked does the zero-frame send and flag flip. Runs on the event
// loop.
func (d *StreamingDispatcher) stopSinkLocked(name string) {
	s, ok := d.sinks[name]
	if !ok || !s.StreamingEnabled() {
		return
	}

	stamp := d.now()
	if d.controller != nil {
		if t, ok := d.controller.CurrentTimestamp(); ok {
			stamp = t
		}
	}
	if _, sent := s.Send(0.0, stamp); sent {
		publish(d.updates, TagValue, SinkValueUpdate{Name: name, Normalized: 0.0, Timestamp: isoTimestamp(stamp)})
	}

	s.SetStreaming(false)
	publish(d.updates, TagSinkStream, SinkStreamUpdate{Name: name, Streaming: false})
	d.recorder.RecordStreamEvent(name, s.Transport().String(), false, d.now())
	d.syncTimers()
	UpdateLogger.Printf("stopped streaming for sink: %s", name)
}

// ReconnectSink re-attempts a serial sink's port, surfacing the result as a
// connection update.
func (d *StreamingDispatcher) ReconnectSink(name string) error {
	var err error
	d.call(func() {
		ss, ok := d.serialSink(name)
		if !ok {
			err = fmt.Errorf("no serial sink named %q", name)
			return
		}
		err = ss.Reconnect()
		publish(d.updates, TagConnection, ConnectionUpdate{Name: name, Connected: err == nil})
	})
	return err
}

// UpdateSerialPort switches a serial sink to a new device path and opens it.
func (d *StreamingDispatcher) UpdateSerialPort(name, device string) error {
	var err error
	d.call(func() {
		ss, ok := d.serialSink(name)
		if !ok {
			err = fmt.Errorf("no serial sink named %q", name)
			return
		}
		err = ss.UpdatePort(device)
		publish(d.updates, TagConnection, ConnectionUpdate{Name: name, Connected: err == nil})
	})
	return err
}

func (d *StreamingDispatcher) serialSink(name string) (*SerialSink, bool) {
	s, ok := d.sinks[name]
	if !ok {
		return nil, false
	}
	ss, ok := s.(*SerialSink)
	return ss, ok
}

// syncTimers enforces the timer invariant: a transport-class ticker runs iff
// at least one sink of that class is streaming. Runs on the event loop.
func (d *StreamingDispatcher) syncTimers() {
	netActive, serialActive := false, false
	for _, s := range d.sinks {
		if !s.StreamingEnabled() {
			continue
		}
		switch s.Transport() {
		case NetworkClass:
			netActive = true
		case SerialClass:
			serialActive = true
		}
	}

	if netActive && d.netTicker == nil {
		d.netTicker = time.NewTicker(d.netInterval)
		d.netTick = d.netTicker.C
	} else if !netActive && d.netTicker != nil {
		d.netTicker.Stop()
		d.netTicker = nil
		d.netTick = nil
	}

	if serialActive && d.serialTicker == nil {
		d.serialTicker = time.NewTicker(d.serialInterval)
		d.serialTick = d.serialTicker.C
	} else if !serialActive && d.serialTicker != nil {
		d.serialTicker.Stop()
		d.serialTicker = nil
		d.serialTick = nil
	}
}

// timersActive reports which transport-class tickers are live. Test hook.
func (d *StreamingDispatcher) timersActive() (network, serial bool) {
	d.call(func() {
		network = d.netTicker != nil
		serial = d.serialTicker != nil
	})
	return network, serial
}

// sendFrame reads the current normalized value once and pushes it to every
// streaming sink of the given class. Runs on the event loop, once per tick.
func (d *StreamingDispatcher) sendFrame(class TransportClass) {
	if d.model == nil || d.controller == nil {
		return
	}
	stamp, ok := d.controller.CurrentTimestamp()
	if !ok {
		return
	}
	normalized := d.model.NormalizedValue(stamp)

	for _, name := range d.sinkNames() {
		s := d.sinks[name]
		if s.Transport() != class || !s.StreamingEnabled() {
			continue
		}
		wasConnected := serialConnected(s)
		if _, sent := s.Send(normalized, stamp); sent {
			publish(d.updates, TagValue, SinkValueUpdate{Name: name, Normalized: normalized, Timestamp: isoTimestamp(stamp)})
		} else if wasConnected && !serialConnected(s) {
			// A write error dropped the connection mid-stream; surface it
			// once. Streaming stays enabled so an explicit reconnect resumes.
			publish(d.updates, TagConnection, ConnectionUpdate{Name: name, Connected: false})
		}
	}
}

// serialConnected reports transport availability for serial sinks; network
// sinks never report a connection drop.
func serialConnected(s Sink) bool {
	if ss, ok := s.(*SerialSink); ok {
		return ss.IsConnected()
	}
	return false
}
