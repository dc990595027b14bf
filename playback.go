package reddust

import (
	"fmt"
	"sync"
	"time"
)

// PlaybackState is used to indicate the state of the playback state machine.
type PlaybackState int

// Names for the possible values of PlaybackState
const (
	Stopped PlaybackState = iota // No playback; playhead parked at range start
	Playing                      // Playhead advancing
	Paused                       // Playhead frozen, position retained
)

func (s PlaybackState) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	}
	return fmt.Sprintf("PlaybackState(%d)", int(s))
}

// MinLoopLength is the shortest allowed loop range, in seconds.
const MinLoopLength = 2.0

// Playback speed multiplier clamp bounds.
const (
	minSpeed = 0.1
	maxSpeed = 1000.0
)

// DefaultTickInterval is the UI tick period (~60 Hz). The tick is cosmetic:
// it refreshes dependents and emits playhead updates, but the playhead
// position itself is always recomputed from the anchor pair, so tick jitter
// never accumulates into drift.
const DefaultTickInterval = 16 * time.Millisecond

// PlaybackController drives a virtual playhead through the active channel's
// time range at a user-controlled speed. The playhead position is
//
//	anchorPlayhead + (now - anchorWall) * speed
//
// with the anchor pair refreshed on every start and speed change, decoupling
// advancement from wall-clock polling jitter.
type PlaybackController struct {
	mu           sync.Mutex
	model        *WaveformModel
	state        PlaybackState
	speed        float64
	current      time.Time
	haveCurrent  bool
	loopEnabled  bool
	loopStart    time.Time
	loopEnd      time.Time
	haveLoop     bool
	anchorWall   time.Time
	anchorPlay   time.Time
	haveAnchor   bool
	tickInterval time.Duration
	stopTick     chan struct{}
	updates      chan<- ClientUpdate

	now func() time.Time // injectable for tests
}

// NewPlaybackController creates a controller bound to the given model (which
// may be nil until a dataset loads). Updates are published on the given
// channel, which may also be nil.
func NewPlaybackController(model *WaveformModel, updates chan<- ClientUpdate) *PlaybackController {
	pc := &PlaybackController{
		model:        model,
		state:        Stopped,
		speed:        1.0,
		tickInterval: DefaultTickInterval,
		updates:      updates,
		now:          time.Now,
	}
	pc.bindModelRange()
	return pc
}

// SetWaveformModel rebinds the controller to a new dataset's time range.
func (pc *PlaybackController) SetWaveformModel(model *WaveformModel) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.model = model
	pc.bindModelRange()
}

// bindModelRange parks the playhead at the new dataset's start. Callers hold
// pc.mu except during construction.
func (pc *PlaybackController) bindModelRange() {
	if pc.model == nil {
		return
	}
	if start, _, ok := pc.model.TimeRange(); ok {
		pc.current = start
		pc.haveCurrent = true
	}
}

// SetTickInterval overrides the UI tick period. Only affects update emission
// cadence, never playhead math.
func (pc *PlaybackController) SetTickInterval(d time.Duration) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if d > 0 {
		pc.tickInterval = d
	}
}

// Start begins or resumes playback. Without a model or time range it is a
// logged no-op.
func (pc *PlaybackController) Start() {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.model == nil {
		ProblemLogger.Printf("cannot start playback: no waveform model set")
		return
	}
	start, _, ok := pc.model.TimeRange()
	if !ok {
		ProblemLogger.Printf("cannot start playback: no time range available")
		return
	}
	if pc.state == Playing {
		return
	}

	if !pc.haveCurrent {
		if pc.loopEnabled && pc.haveLoop {
			pc.current = pc.loopStart
		} else {
			pc.current = start
		}
		pc.haveCurrent = true
	}

	pc.anchorWall = pc.now()
	pc.anchorPlay = pc.current
	pc.haveAnchor = true
	pc.state = Playing
	pc.startTickLocked()
	publish(pc.updates, TagState, StateUpdate{State: pc.state.String(), Speed: pc.speed})
	UpdateLogger.Printf("playback started at %s", isoTimestamp(pc.current))
}

// Pause freezes the playhead. Only valid while playing.
func (pc *PlaybackController) Pause() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.state != Playing {
		return
	}
	pc.stopTickLocked()
	pc.state = Paused
	publish(pc.updates, TagState, StateUpdate{State: pc.state.String(), Speed: pc.speed})
	UpdateLogger.Printf("playback paused")
}

// Stop halts playback and resets the playhead to the loop start (when looping
// is enabled) or the dataset start.
func (pc *PlaybackController) Stop() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.stopLocked()
}

func (pc *PlaybackController) stopLocked() {
	pc.stopTickLocked()

	if pc.model != nil {
		if start, _, ok := pc.model.TimeRange(); ok {
			if pc.loopEnabled && pc.haveLoop {
				pc.current = pc.loopStart
			} else {
				pc.current = start
			}
			pc.haveCurrent = true
		}
	}

	pc.state = Stopped
	pc.haveAnchor = false
	publish(pc.updates, TagState, StateUpdate{State: pc.state.String(), Speed: pc.speed})
	if pc.haveCurrent {
		publish(pc.updates, TagPlayhead, PlayheadPosition{Timestamp: isoTimestamp(pc.current)})
	}
	UpdateLogger.Printf("playback stopped")
}

// SetSpeed applies a playback speed multiplier, clamped to [0.1, 1000.0].
// While playing, the anchor pair is refreshed first so the playhead does not
// jump at the moment of the change.
func (pc *PlaybackController) SetSpeed(multiplier float64) float64 {
	if multiplier < minSpeed {
		multiplier = minSpeed
	} else if multiplier > maxSpeed {
		multiplier = maxSpeed
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.state == Playing && pc.haveAnchor && pc.haveCurrent {
		pc.anchorPlay = pc.current
		pc.anchorWall = pc.now()
	}
	pc.speed = multiplier
	UpdateLogger.Printf("playback speed set to %gx", multiplier)
	return multiplier
}

// Speed returns the current playback speed multiplier.
func (pc *PlaybackController) Speed() float64 {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.speed
}

// SetLoopRange stores the loop range. Ranges shorter than MinLoopLength
// seconds are rejected with no state change.
func (pc *PlaybackController) SetLoopRange(start, end time.Time) error {
	if end.Sub(start).Seconds() < MinLoopLength {
		return fmt.Errorf("loop range must be at least %.1f seconds", MinLoopLength)
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.loopStart = start
	pc.loopEnd = end
	pc.haveLoop = true
	UpdateLogger.Printf("loop range set: %s to %s", isoTimestamp(start), isoTimestamp(end))
	return nil
}

// EnableLoop turns looping on or off.
func (pc *PlaybackController) EnableLoop(enabled bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.loopEnabled = enabled
}

// LoopEnabled reports whether looping is on.
func (pc *PlaybackController) LoopEnabled() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.loopEnabled
}

// LoopRange returns the stored loop range, with ok=false if none is set.
func (pc *PlaybackController) LoopRange() (time.Time, time.Time, bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.loopStart, pc.loopEnd, pc.haveLoop
}

// CurrentTimestamp returns the playhead position. It is a pure read, safe to
// call from the dispatcher's output tickers.
func (pc *PlaybackController) CurrentTimestamp() (time.Time, bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.current, pc.haveCurrent
}

// State returns the playback state machine's current state.
func (pc *PlaybackController) State() PlaybackState {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.state
}

// startTickLocked launches the UI tick loop. Callers hold pc.mu.
func (pc *PlaybackController) startTickLocked() {
	if pc.stopTick != nil {
		return
	}
	stop := make(chan struct{})
	pc.stopTick = stop
	interval := pc.tickInterval
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				pc.updatePlayhead()
			}
		}
	}()
}

// stopTickLocked halts the UI tick loop. Callers hold pc.mu.
func (pc *PlaybackController) stopTickLocked() {
	if pc.stopTick != nil {
		close(pc.stopTick)
		pc.stopTick = nil
	}
}

// updatePlayhead recomputes the playhead from the anchor pair, handles loop
// wrap and end-of-range, and emits the position. Called at the UI tick rate;
// the tick rate only affects emission cadence, not position accuracy.
func (pc *PlaybackController) updatePlayhead() {
	pc.mu.Lock()
	if pc.state != Playing || pc.model == nil || !pc.haveCurrent || !pc.haveAnchor {
		pc.mu.Unlock()
		return
	}

	elapsed := pc.now().Sub(pc.anchorWall).Seconds()
	newTime := pc.anchorPlay.Add(secondsToDuration(elapsed * pc.speed))

	_, end, ok := pc.model.TimeRange()
	if !ok {
		pc.mu.Unlock()
		return
	}

	if pc.loopEnabled && pc.haveLoop {
		if newTime.After(pc.loopEnd) {
			// Wrap to loop start and re-anchor.
			pc.current = pc.loopStart
			pc.anchorPlay = pc.loopStart
			pc.anchorWall = pc.now()
		} else {
			pc.current = newTime
		}
	} else if newTime.After(end) {
		pc.current = end
		pc.stopLocked()
		pc.mu.Unlock()
		return
	} else {
		pc.current = newTime
	}

	publish(pc.updates, TagPlayhead, PlayheadPosition{Timestamp: isoTimestamp(pc.current)})
	pc.mu.Unlock()
}
