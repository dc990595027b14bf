package reddust

import (
	"fmt"
	"time"
)

// TransportClass identifies which output timer a sink belongs to.
type TransportClass int

// Names for the possible values of TransportClass
const (
	NetworkClass TransportClass = iota // UDP/OSC sinks
	SerialClass                        // serial-line sinks
)

func (c TransportClass) String() string {
	switch c {
	case NetworkClass:
		return "network"
	case SerialClass:
		return "serial"
	}
	return fmt.Sprintf("TransportClass(%d)", int(c))
}

// Sink type tags used in serialized configs.
const (
	SinkTypeOSC    = "osc"
	SinkTypeSerial = "serial"
)

// Sink is an output endpoint that remaps a normalized [0,1] value into its
// configured range and transmits it with a timestamp over its transport.
// Sinks are owned exclusively by the dispatcher's collection; all state
// mutation happens on the dispatcher's event loop.
type Sink interface {
	Name() string
	Transport() TransportClass
	Describe() string
	StreamingEnabled() bool
	SetStreaming(enabled bool)
	RemapRange() (min, max float64)
	SetRemapRange(min, max float64)
	Remap(normalized float64) float64

	// Send remaps and transmits one frame. It returns ok=false without
	// transmitting when streaming is disabled or the transport is
	// unavailable, and on any transmission failure (logged, never raised).
	Send(normalized float64, stamp time.Time) (remapped float64, ok bool)

	// Close releases transport resources. Idempotent.
	Close() error

	// Config returns the sink's serializable configuration.
	Config() SinkConfig
}

// SinkConfig is the plain serializable form of a sink, used by session
// persistence. Sinks reconstruct from it without a dataset loaded.
type SinkConfig struct {
	Type             string  `json:"type"`
	Name             string  `json:"name"`
	Address          string  `json:"address,omitempty"` // OSC address path
	Host             string  `json:"host,omitempty"`
	Port             int     `json:"port,omitempty"`
	Device           string  `json:"device,omitempty"` // serial device path
	Baud             int     `json:"baud,omitempty"`
	RemapMin         float64 `json:"remap_min"`
	RemapMax         float64 `json:"remap_max"`
	StreamingEnabled bool    `json:"streaming_enabled"`
}

// NewSinkFromConfig reconstructs a sink from its serialized form. The
// streaming flag is not applied here; starting streams is the dispatcher's
// job.
func NewSinkFromConfig(cfg SinkConfig) (Sink, error) {
	switch cfg.Type {
	case SinkTypeOSC:
		return NewOSCSink(cfg.Name, cfg.Address, cfg.Host, cfg.Port, cfg.RemapMin, cfg.RemapMax), nil
	case SinkTypeSerial:
		return NewSerialSink(cfg.Name, cfg.Device, cfg.Baud, cfg.RemapMin, cfg.RemapMax), nil
	}
	return nil, fmt.Errorf("unknown sink type %q", cfg.Type)
}

// sinkBase carries the behavior every sink shares: identity, the remap range,
// and the streaming flag.
type sinkBase struct {
	name      string
	remapMin  float64
	remapMax  float64
	streaming bool
}

func (b *sinkBase) Name() string           { return b.name }
func (b *sinkBase) StreamingEnabled() bool { return b.streaming }
func (b *sinkBase) SetStreaming(enabled bool) {
	b.streaming = enabled
}

func (b *sinkBase) RemapRange() (float64, float64) { return b.remapMin, b.remapMax }
func (b *sinkBase) SetRemapRange(min, max float64) {
	b.remapMin = min
	b.remapMax = max
}

// Remap converts a normalized [0,1] value to the sink's output range. The
// input is clamped first; a degenerate range collapses to remapMin.
func (b *sinkBase) Remap(normalized float64) float64 {
	if normalized < 0 {
		normalized = 0
	} else if normalized > 1 {
		normalized = 1
	}
	if b.remapMax == b.remapMin {
		return b.remapMin
	}
	return b.remapMin + normalized*(b.remapMax-b.remapMin)
}

// isoTimestamp formats a timestamp the way every wire format here expects:
// ISO-8601 UTC with microseconds, e.g. 2023-04-12T09:30:00.123456Z.
func isoTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000Z")
}
