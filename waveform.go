package reddust

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Default sentinel bounds. Values at or beyond these are treated as fill
// values, a convention common to 32-bit integer seismic archives.
const (
	DefaultSentinelMin = -2147483640
	DefaultSentinelMax = 2147483640
)

// Default percentile bounds for dynamic range compression.
const (
	DefaultLoPercentile = 1.0
	DefaultHiPercentile = 99.0
)

// ChannelRecord holds the decoded sample data for one waveform channel. The
// loader boundary delivers these with samples already decoded from the
// archive's binary format and gap-merged; the model never decodes anything.
type ChannelRecord struct {
	Location   string
	Channel    string
	StartTime  time.Time
	SampleRate float64 // Hz
	Samples    []float64
}

// Key returns the composite channel key, e.g. "03.BHU".
func (r ChannelRecord) Key() string {
	return r.Location + "." + r.Channel
}

// EndTime returns the timestamp of the last sample in the record.
func (r ChannelRecord) EndTime() time.Time {
	if len(r.Samples) == 0 || r.SampleRate <= 0 {
		return r.StartTime
	}
	span := float64(len(r.Samples)-1) / r.SampleRate
	return r.StartTime.Add(secondsToDuration(span))
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// WaveformModel owns the multi-channel sample data for one loaded dataset.
// It selects one "active" channel at a time and converts timestamps to
// normalized [0,1] values using percentile-based range compression.
//
// The sample arrays are read-only after SetStream. Reads are safe from the
// playback and dispatcher goroutines while the loader boundary replaces the
// dataset wholesale.
type WaveformModel struct {
	mu           sync.RWMutex
	records      map[string]ChannelRecord
	channels     []string // sorted keys
	active       string
	loPercentile float64
	hiPercentile float64
	normMin      float64
	normMax      float64
	normValid    bool
	sentinelMin  float64
	sentinelMax  float64
}

// NewWaveformModel creates a model holding the given channel records. With no
// records it starts empty; otherwise the lexicographically first channel key
// becomes active.
func NewWaveformModel(records ...ChannelRecord) *WaveformModel {
	m := &WaveformModel{
		loPercentile: DefaultLoPercentile,
		hiPercentile: DefaultHiPercentile,
		sentinelMin:  DefaultSentinelMin,
		sentinelMax:  DefaultSentinelMax,
	}
	m.SetStream(records)
	return m
}

// SetStream replaces all channel data. The channel list is rebuilt (sorted by
// key) and the first channel becomes active; with no channels the active
// selection and normalization bounds are cleared.
func (m *WaveformModel) SetStream(records []ChannelRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records = make(map[string]ChannelRecord, len(records))
	m.channels = m.channels[:0]
	for _, r := range records {
		key := r.Key()
		if _, ok := m.records[key]; !ok {
			m.channels = append(m.channels, key)
		}
		m.records[key] = r
	}
	sort.Strings(m.channels)

	if len(m.channels) > 0 {
		m.active = m.channels[0]
		m.recalculateNormalization()
	} else {
		m.active = ""
		m.normValid = false
	}
}

// Channels returns all available channel keys, sorted.
func (m *WaveformModel) Channels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.channels))
	copy(out, m.channels)
	return out
}

// ActiveChannel returns the currently active channel key, or ok=false if no
// channel is selected.
func (m *WaveformModel) ActiveChannel() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active, m.active != ""
}

// SetActiveChannel selects the channel used for playback value extraction and
// streaming. An unknown key is logged and ignored.
func (m *WaveformModel) SetActiveChannel(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[key]; !ok {
		ProblemLogger.Printf("channel %q not found in stream", key)
		return
	}
	m.active = key
	m.recalculateNormalization()
	UpdateLogger.Printf("active channel set to %s", key)
}

// UpdateScaling replaces the percentile bounds used for normalization and
// recomputes the normalization range. Invalid bounds leave prior state intact.
func (m *WaveformModel) UpdateScaling(loPercentile, hiPercentile float64) error {
	if loPercentile < 0 || hiPercentile > 100 || loPercentile >= hiPercentile {
		return fmt.Errorf("invalid percentile range: %g-%g", loPercentile, hiPercentile)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loPercentile = loPercentile
	m.hiPercentile = hiPercentile
	m.recalculateNormalization()
	UpdateLogger.Printf("scaling updated: P%g-P%g", loPercentile, hiPercentile)
	return nil
}

// Percentiles returns the configured (lo, hi) percentile bounds.
func (m *WaveformModel) Percentiles() (float64, float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loPercentile, m.hiPercentile
}

// SetSentinelRange replaces the fill-value filter bounds. Samples at or
// outside (min, max) are excluded from normalization. The defaults match the
// 32-bit integer fill convention; archives with other conventions can widen
// or narrow the window.
func (m *WaveformModel) SetSentinelRange(min, max float64) error {
	if min >= max {
		return fmt.Errorf("invalid sentinel range: %g >= %g", min, max)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentinelMin = min
	m.sentinelMax = max
	if m.active != "" {
		m.recalculateNormalization()
	}
	return nil
}

// NormalizationRange returns the derived (normMin, normMax) bounds, with
// ok=false when no bounds have been computed.
func (m *WaveformModel) NormalizationRange() (float64, float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.normMin, m.normMax, m.normValid
}

// recalculateNormalization computes percentile bounds over the active
// channel's valid (finite, non-sentinel) samples. Callers hold m.mu.
func (m *WaveformModel) recalculateNormalization() {
	rec, ok := m.records[m.active]
	if !ok {
		m.normValid = false
		return
	}

	valid := make([]float64, 0, len(rec.Samples))
	for _, v := range rec.Samples {
		if !math.IsNaN(v) && !math.IsInf(v, 0) && v > m.sentinelMin && v < m.sentinelMax {
			valid = append(valid, v)
		}
	}
	if len(valid) == 0 {
		ProblemLogger.Printf("no valid samples for normalization on channel %s", m.active)
		m.normMin, m.normMax, m.normValid = 0.0, 1.0, true
		return
	}
	if dropped := len(rec.Samples) - len(valid); dropped > 0 {
		UpdateLogger.Printf("filtered %d invalid/sentinel values from %d samples on %s",
			dropped, len(rec.Samples), m.active)
	}

	sort.Float64s(valid)
	lo := stat.Quantile(m.loPercentile/100.0, stat.LinInterp, valid, nil)
	hi := stat.Quantile(m.hiPercentile/100.0, stat.LinInterp, valid, nil)
	if lo > hi {
		// Degenerate inputs can invert the bounds; keep the invariant.
		ProblemLogger.Printf("percentiles produced min %g > max %g on %s; swapping", lo, hi, m.active)
		lo, hi = hi, lo
	}
	m.normMin, m.normMax, m.normValid = lo, hi, true
	UpdateLogger.Printf("normalization range for %s: %.6f to %.6f", m.active, lo, hi)
}

// sampleAt resolves the nearest sample index for a timestamp on the active
// channel. Callers hold at least a read lock.
func (m *WaveformModel) sampleAt(t time.Time) (float64, bool) {
	rec, ok := m.records[m.active]
	if !ok || len(rec.Samples) == 0 || rec.SampleRate <= 0 {
		return 0, false
	}
	if t.Before(rec.StartTime) || t.After(rec.EndTime()) {
		return 0, false
	}
	offset := t.Sub(rec.StartTime).Seconds()
	idx := int(math.Floor(offset * rec.SampleRate))
	if idx < 0 {
		idx = 0
	}
	if idx > len(rec.Samples)-1 {
		idx = len(rec.Samples) - 1
	}
	v := rec.Samples[idx]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// RawValue returns the unnormalized sample nearest the given timestamp, with
// ok=false if no channel is active, the timestamp is out of range, or the
// sample is not finite.
func (m *WaveformModel) RawValue(t time.Time) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sampleAt(t)
}

// NormalizedValue returns the active channel's value at the given timestamp,
// compressed to [0,1] using the percentile bounds. Data gaps of any kind
// degrade to 0.0 so the streaming path never halts.
func (m *WaveformModel) NormalizedValue(t time.Time) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	raw, ok := m.sampleAt(t)
	if !ok || !m.normValid {
		return 0.0
	}
	if m.normMin == m.normMax {
		return 0.5
	}
	clamped := math.Max(m.normMin, math.Min(raw, m.normMax))
	normalized := (clamped - m.normMin) / (m.normMax - m.normMin)
	return math.Max(0.0, math.Min(1.0, normalized))
}

// TimeRange returns the active channel's (start, end) timestamps, with
// ok=false if no channel is active.
func (m *WaveformModel) TimeRange() (time.Time, time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[m.active]
	if !ok {
		return time.Time{}, time.Time{}, false
	}
	return rec.StartTime, rec.EndTime(), true
}

// SampleRate returns the active channel's sample rate in Hz, with ok=false if
// no channel is active.
func (m *WaveformModel) SampleRate() (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[m.active]
	if !ok {
		return 0, false
	}
	return rec.SampleRate, true
}

// ChannelInfo returns the record for the given channel key, or for the active
// channel when key is empty.
func (m *WaveformModel) ChannelInfo(key string) (ChannelRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if key == "" {
		key = m.active
	}
	rec, ok := m.records[key]
	return rec, ok
}
