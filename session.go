package reddust

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/oklog/ulid/v2"
)

// SessionState is the plain serializable form of an operator session: the
// active channel, scaling and playback settings, and every sink's
// configuration. Sinks restore without a dataset loaded; the channel and
// loop settings apply once data arrives.
type SessionState struct {
	ID            string       `json:"id"`
	SavedAt       time.Time    `json:"saved_at"`
	ActiveChannel string       `json:"active_channel,omitempty"`
	LoPercentile  float64      `json:"lo_percentile"`
	HiPercentile  float64      `json:"hi_percentile"`
	Speed         float64      `json:"speed"`
	LoopEnabled   bool         `json:"loop_enabled"`
	LoopStart     string       `json:"loop_start,omitempty"` // ISO-8601 UTC
	LoopEnd       string       `json:"loop_end,omitempty"`
	Sinks         []SinkConfig `json:"sinks"`
}

// CaptureSession snapshots the current state of the three core components
// into a serializable session, stamped with a fresh ULID.
func CaptureSession(model *WaveformModel, controller *PlaybackController, dispatcher *StreamingDispatcher) SessionState {
	state := SessionState{
		ID:      ulid.Make().String(),
		SavedAt: time.Now().UTC(),
	}
	if model != nil {
		if active, ok := model.ActiveChannel(); ok {
			state.ActiveChannel = active
		}
		state.LoPercentile, state.HiPercentile = model.Percentiles()
	}
	if controller != nil {
		state.Speed = controller.Speed()
		state.LoopEnabled = controller.LoopEnabled()
		if start, end, ok := controller.LoopRange(); ok {
			state.LoopStart = isoTimestamp(start)
			state.LoopEnd = isoTimestamp(end)
		}
	}
	if dispatcher != nil {
		state.Sinks = dispatcher.SinkConfigs()
	}
	return state
}

// RestoreSession applies a saved session. Sink configs restore independent of
// any dataset: network sinks with a saved streaming flag resume streaming,
// while serial sinks always restore stopped because their ports require
// explicit operator selection. The active channel applies only when the
// loaded dataset has it.
func RestoreSession(state SessionState, model *WaveformModel, controller *PlaybackController, dispatcher *StreamingDispatcher) error {
	if model != nil {
		if state.LoPercentile < state.HiPercentile {
			if err := model.UpdateScaling(state.LoPercentile, state.HiPercentile); err != nil {
				return err
			}
		}
		if state.ActiveChannel != "" {
			model.SetActiveChannel(state.ActiveChannel)
		}
	}

	if controller != nil {
		controller.SetSpeed(state.Speed)
		controller.EnableLoop(state.LoopEnabled)
		if state.LoopStart != "" && state.LoopEnd != "" {
			start, err1 := parseISOTimestamp(state.LoopStart)
			end, err2 := parseISOTimestamp(state.LoopEnd)
			if err1 != nil || err2 != nil {
				return fmt.Errorf("session has unparseable loop range %q-%q", state.LoopStart, state.LoopEnd)
			}
			if err := controller.SetLoopRange(start, end); err != nil {
				return err
			}
		}
	}

	if dispatcher != nil {
		for _, cfg := range state.Sinks {
			sink, err := NewSinkFromConfig(cfg)
			if err != nil {
				return err
			}
			dispatcher.AddSink(sink)
			if cfg.StreamingEnabled && cfg.Type == SinkTypeOSC {
				if err := dispatcher.StartSinkStreaming(cfg.Name); err != nil {
					ProblemLogger.Printf("could not resume streaming for %s: %v", cfg.Name, err)
				}
			}
		}
	}
	return nil
}

// SaveSession writes a session to a JSON file.
func SaveSession(path string, state SessionState) error {
	b, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(b, '\n'), 0664); err != nil {
		return err
	}
	UpdateLogger.Printf("session %s saved to %s", state.ID, path)
	return nil
}

// LoadSession reads a session from a JSON file.
func LoadSession(path string) (SessionState, error) {
	var state SessionState
	b, err := os.ReadFile(path)
	if err != nil {
		return state, err
	}
	if err := json.Unmarshal(b, &state); err != nil {
		return state, fmt.Errorf("invalid session file %s: %w", path, err)
	}
	UpdateLogger.Printf("session %s loaded from %s", state.ID, path)
	return state, nil
}

func parseISOTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02T15:04:05.000000Z", s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
